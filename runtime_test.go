package main

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestDecodeSignalKnownAndUnknown(t *testing.T) {
	if got := DecodeSignal(-15); got != "SIGTERM" {
		t.Fatalf("expected SIGTERM, got %s", got)
	}
	if got := DecodeSignal(-9); got != "SIGKILL" {
		t.Fatalf("expected SIGKILL, got %s", got)
	}
	if got := DecodeSignal(-99); got != "SIG99" {
		t.Fatalf("expected fallback SIG99, got %s", got)
	}
	if got := DecodeSignal(0); got != "" {
		t.Fatalf("expected empty signal name for non-negative code, got %q", got)
	}
}

func TestVolumeMapperPassesThroughNonMatchingPath(t *testing.T) {
	m := newVolumeMapper("/host/project", "/work")
	if got := m.ToRuntime("/unrelated/path"); got != "/unrelated/path" {
		t.Fatalf("expected unrelated path to pass through unchanged, got %s", got)
	}
	if got := m.ToRuntime("/host/project/sub/dir"); got != "/work/sub/dir" {
		t.Fatalf("expected rewritten path, got %s", got)
	}
	if got := m.ToRuntime("/host/project"); got != "/work" {
		t.Fatalf("expected exact root rewrite, got %s", got)
	}
}

func TestVolumeMapperRoundTrip(t *testing.T) {
	m := newVolumeMapper("/host/project", "/work")
	host := "/host/project/a/b"
	runtime := m.ToRuntime(host)
	if got := m.ToHost(runtime); got != host {
		t.Fatalf("round trip mismatch: got %s, want %s", got, host)
	}
}

func TestExecLocalCapturesOutput(t *testing.T) {
	result, err := execLocal(context.Background(), []string{"echo", "hi"}, ExecOptions{})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if result.ReturnCode != 0 {
		t.Fatalf("expected exit 0, got %d", result.ReturnCode)
	}
	if result.Stdout != "hi\n" {
		t.Fatalf("unexpected stdout: %q", result.Stdout)
	}
}

func TestExecLocalNonZeroExit(t *testing.T) {
	result, err := execLocal(context.Background(), []string{"sh", "-c", "exit 3"}, ExecOptions{})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if result.ReturnCode != 3 {
		t.Fatalf("expected exit code 3, got %d", result.ReturnCode)
	}
}

func TestExecLocalRejectsEmptyArgv(t *testing.T) {
	if _, err := execLocal(context.Background(), nil, ExecOptions{}); err == nil {
		t.Fatal("expected error for empty argv")
	}
}

// TestExclusiveExecSerializes is spec.md §8's S7 scenario: concurrent
// exclusive invocations (e.g. competing `git` operations touching
// .git/index) must never run at the same time. Each goroutine records its
// own [start, end) interval; afterwards no two intervals may overlap.
func TestExclusiveExecSerializes(t *testing.T) {
	type interval struct{ start, end time.Time }
	const n = 5
	intervals := make([]interval, n)
	var wg sync.WaitGroup
	wg.Add(n)
	rt := LocalRuntime{}
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			start := time.Now()
			if _, err := rt.Execute(context.Background(), []string{"sh", "-c", "sleep 0.05"}, ExecOptions{Exclusive: true}); err != nil {
				t.Errorf("exec %d: %v", i, err)
			}
			intervals[i] = interval{start: start, end: time.Now()}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			a, b := intervals[i], intervals[j]
			if a.start.Before(b.end) && b.start.Before(a.end) {
				t.Fatalf("exclusive executions %d and %d overlapped: %v vs %v", i, j, a, b)
			}
		}
	}
}
