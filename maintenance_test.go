package main

import (
	"path/filepath"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
)

func TestMaintenanceSweepLogsReclaimableCount(t *testing.T) {
	orig := now
	defer func() { now = orig }()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now = func() time.Time { return start }

	dir := t.TempDir()
	sm := NewStateManager(filepath.Join(dir, "state.json"), noop.NewMeterProvider().Meter("test"))
	ws, err := newWorkflowState(map[string]Task{
		"a": {ID: "a", Status: TaskPending, TimeoutSeconds: 30},
	})
	if err != nil {
		t.Fatalf("build state: %v", err)
	}
	if err := sm.Save(ws); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := sm.ClaimTask("worker-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	now = func() time.Time { return start.Add(time.Minute) }

	trajectory := NewTrajectoryLogger(filepath.Join(dir, "trajectory.jsonl"))
	git := NewGitWrapper(LocalRuntime{})
	sched := NewMaintenanceScheduler(sm, trajectory, git, dir)
	sched.sweep()

	events, err := trajectory.Tail(1)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one sweep event, got %d", len(events))
	}
	if events[0]["type"] != "maintenance_sweep" {
		t.Fatalf("expected maintenance_sweep event, got %v", events[0]["type"])
	}
	if events[0]["reclaimable_count"].(float64) != 1 {
		t.Fatalf("expected one reclaimable task, got %v", events[0]["reclaimable_count"])
	}
}
