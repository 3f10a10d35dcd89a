package main

import (
	"testing"
	"time"
)

func TestValidateDAGDetectsCycle(t *testing.T) {
	tasks := map[string]Task{
		"a": {ID: "a", Dependencies: []string{"b"}, Status: TaskPending, TimeoutSeconds: 600},
		"b": {ID: "b", Dependencies: []string{"a"}, Status: TaskPending, TimeoutSeconds: 600},
	}
	if _, err := newWorkflowState(tasks); err == nil {
		t.Fatal("expected cycle to be rejected")
	}
}

func TestValidateDAGDetectsMissingDependency(t *testing.T) {
	tasks := map[string]Task{
		"a": {ID: "a", Dependencies: []string{"ghost"}, Status: TaskPending, TimeoutSeconds: 600},
	}
	if _, err := newWorkflowState(tasks); err == nil {
		t.Fatal("expected missing dependency to be rejected")
	}
}

func TestGetClaimableTaskRespectsDependencies(t *testing.T) {
	tasks := map[string]Task{
		"a": {ID: "a", Status: TaskPending, TimeoutSeconds: 600},
		"b": {ID: "b", Dependencies: []string{"a"}, Status: TaskPending, TimeoutSeconds: 600},
	}
	ws, err := newWorkflowState(tasks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	task := ws.getClaimableTask()
	if task == nil || task.ID != "a" {
		t.Fatalf("expected task a to be claimable first, got %v", task)
	}
}

func TestIsTimedOut(t *testing.T) {
	orig := now
	defer func() { now = orig }()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now = func() time.Time { return start }
	started := start
	task := Task{Status: TaskRunning, StartedAt: &started, TimeoutSeconds: 60}
	if task.IsTimedOut() {
		t.Fatal("task should not be timed out immediately after start")
	}

	now = func() time.Time { return start.Add(2 * time.Minute) }
	if !task.IsTimedOut() {
		t.Fatal("task should be timed out after exceeding timeout_seconds")
	}
}

func TestGetTaskForWorkerIdempotentRetry(t *testing.T) {
	tasks := map[string]Task{
		"a": {ID: "a", Status: TaskRunning, ClaimedBy: "worker-1", TimeoutSeconds: 600},
	}
	ws, err := newWorkflowState(tasks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	task := ws.getTaskForWorker("worker-1")
	if task == nil || task.ID != "a" {
		t.Fatalf("expected worker-1's owned task back, got %v", task)
	}
	if ws.getTaskForWorker("worker-2") != nil {
		t.Fatal("a different worker should not be handed an already-claimed, non-timed-out task")
	}
}

func TestNormalizeRejectsEmptyID(t *testing.T) {
	if _, err := (Task{}).normalize(); err == nil {
		t.Fatal("expected empty task id to be rejected")
	}
}

func TestNormalizeRejectsOutOfRangeTimeout(t *testing.T) {
	if _, err := (Task{ID: "a", TimeoutSeconds: 100000}).normalize(); err == nil {
		t.Fatal("expected out-of-range timeout_seconds to be rejected")
	}
}
