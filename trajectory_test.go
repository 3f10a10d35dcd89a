package main

import (
	"path/filepath"
	"testing"
)

func TestTrajectoryLogAndTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trajectory.jsonl")
	l := NewTrajectoryLogger(path)

	for i := 0; i < 5; i++ {
		if err := l.Log(map[string]any{"type": "test", "seq": i}); err != nil {
			t.Fatalf("log event %d: %v", i, err)
		}
	}

	events, err := l.Tail(3)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[len(events)-1]["seq"].(float64) != 4 {
		t.Fatalf("expected newest event last with seq 4, got %v", events[len(events)-1]["seq"])
	}
}

func TestTrajectoryTailNoFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.jsonl")
	l := NewTrajectoryLogger(path)
	events, err := l.Tail(5)
	if err != nil {
		t.Fatalf("unexpected error for missing file: %v", err)
	}
	if events != nil {
		t.Fatalf("expected nil events, got %v", events)
	}
}

func TestTrajectoryLogInjectsCorrelationID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trajectory.jsonl")
	l := NewTrajectoryLogger(path)
	if err := l.Log(map[string]any{"type": "test"}); err != nil {
		t.Fatalf("log: %v", err)
	}
	events, err := l.Tail(1)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if _, ok := events[0]["correlation_id"]; !ok {
		t.Fatal("expected correlation_id to be injected when absent")
	}
}
