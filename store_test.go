package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
)

func newTestStateManager(t *testing.T) *StateManager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	return NewStateManager(path, noop.NewMeterProvider().Meter("test"))
}

func TestClaimAndCompleteTask(t *testing.T) {
	sm := newTestStateManager(t)
	ws, err := newWorkflowState(map[string]Task{
		"a": {ID: "a", Status: TaskPending, TimeoutSeconds: 600},
	})
	if err != nil {
		t.Fatalf("build workflow state: %v", err)
	}
	if err := sm.Save(ws); err != nil {
		t.Fatalf("save: %v", err)
	}

	result, err := sm.ClaimTask("worker-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if result.Task == nil || result.Task.ID != "a" || result.IsRetry || result.IsReclaim {
		t.Fatalf("unexpected claim result: %+v", result)
	}

	retry, err := sm.ClaimTask("worker-1")
	if err != nil {
		t.Fatalf("retry claim: %v", err)
	}
	if !retry.IsRetry {
		t.Fatal("expected idempotent re-claim by the same worker to report is_retry")
	}

	task, err := sm.CompleteTask("a", "worker-1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if task.Status != TaskCompleted {
		t.Fatalf("expected task completed, got %s", task.Status)
	}
}

func TestCompleteTaskRejectsWrongOwner(t *testing.T) {
	sm := newTestStateManager(t)
	ws, _ := newWorkflowState(map[string]Task{
		"a": {ID: "a", Status: TaskPending, TimeoutSeconds: 600},
	})
	_ = sm.Save(ws)
	if _, err := sm.ClaimTask("worker-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := sm.CompleteTask("a", "worker-2"); !errors.Is(err, ErrOwnership) {
		t.Fatalf("expected ErrOwnership, got %v", err)
	}
}

func TestClaimTaskReclaimsTimedOutLease(t *testing.T) {
	orig := now
	defer func() { now = orig }()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now = func() time.Time { return start }

	sm := newTestStateManager(t)
	ws, _ := newWorkflowState(map[string]Task{
		"a": {ID: "a", Status: TaskPending, TimeoutSeconds: 30},
	})
	_ = sm.Save(ws)
	if _, err := sm.ClaimTask("worker-1"); err != nil {
		t.Fatalf("initial claim: %v", err)
	}

	now = func() time.Time { return start.Add(time.Minute) }
	result, err := sm.ClaimTask("worker-2")
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if result.Task == nil || !result.IsReclaim {
		t.Fatalf("expected worker-2 to reclaim the timed-out lease, got %+v", result)
	}
}

func TestGetStateNoStateFile(t *testing.T) {
	sm := newTestStateManager(t)
	ws, err := sm.GetState()
	if err != nil {
		t.Fatalf("unexpected error for absent state: %v", err)
	}
	if ws != nil {
		t.Fatalf("expected nil state, got %+v", ws)
	}
}

func TestUpdateStateRejectsUnknownField(t *testing.T) {
	sm := newTestStateManager(t)
	ws, _ := newWorkflowState(map[string]Task{"a": {ID: "a", Status: TaskPending, TimeoutSeconds: 600}})
	_ = sm.Save(ws)

	_, err := sm.UpdateState(map[string]json.RawMessage{"bogus": json.RawMessage(`{}`)})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown update field, got %v", err)
	}
}

// TestConcurrentClaimTaskExactlyOnePerTask is spec.md §8's S6 scenario:
// 100 workers race on 5 pending tasks under StateManager's coarse mutex.
// Exactly 5 claims must succeed (one per task), and no task may be handed
// out to more than one distinct worker.
func TestConcurrentClaimTaskExactlyOnePerTask(t *testing.T) {
	sm := newTestStateManager(t)
	tasks := map[string]Task{}
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		tasks[id] = Task{ID: id, Status: TaskPending, TimeoutSeconds: 600}
	}
	ws, err := newWorkflowState(tasks)
	if err != nil {
		t.Fatalf("build workflow state: %v", err)
	}
	if err := sm.Save(ws); err != nil {
		t.Fatalf("save: %v", err)
	}

	const workers = 100
	results := make([]ClaimResult, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = sm.ClaimTask(fmt.Sprintf("worker-%d", i))
		}(i)
	}
	wg.Wait()

	claimedBy := map[string]string{}
	successes := 0
	for i, r := range results {
		if errs[i] != nil {
			t.Fatalf("worker %d: unexpected error: %v", i, errs[i])
		}
		if r.Task == nil {
			continue
		}
		successes++
		if prev, ok := claimedBy[r.Task.ID]; ok {
			t.Fatalf("task %s claimed by both %s and worker-%d", r.Task.ID, prev, i)
		}
		claimedBy[r.Task.ID] = fmt.Sprintf("worker-%d", i)
	}
	if successes != 5 {
		t.Fatalf("expected exactly 5 successful claims, got %d", successes)
	}
	if len(claimedBy) != 5 {
		t.Fatalf("expected all 5 tasks claimed exactly once, got %d distinct tasks", len(claimedBy))
	}
}

func TestResetClearsState(t *testing.T) {
	sm := newTestStateManager(t)
	ws, _ := newWorkflowState(map[string]Task{"a": {ID: "a", Status: TaskPending, TimeoutSeconds: 600}})
	_ = sm.Save(ws)
	if err := sm.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	got, err := sm.GetState()
	if err != nil {
		t.Fatalf("get state after reset: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil state after reset, got %+v", got)
	}
}
