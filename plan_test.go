package main

import (
	"errors"
	"testing"
)

func TestParsePlanAssignsDependenciesByGroup(t *testing.T) {
	plan, err := ParsePlan(Template())
	if err != nil {
		t.Fatalf("parse template: %v", err)
	}
	if plan.Goal == "" {
		t.Fatal("expected a goal to be extracted")
	}
	api, ok := plan.Tasks["api"]
	if !ok {
		t.Fatal("expected task 'api' to be present")
	}
	if len(api.Dependencies) != 2 {
		t.Fatalf("expected api to depend on both group 1 tasks, got %v", api.Dependencies)
	}
}

func TestParsePlanRejectsOrphanTask(t *testing.T) {
	content := `# Plan

**Goal:** test

| Task Group | Tasks | Rationale |
|------------|-------|-----------|
| Group 1    | setup | core |

### Task setup: do it

body

### Task extra: not in any group

body
`
	if _, err := ParsePlan(content); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for orphan task, got %v", err)
	}
}

func TestParsePlanRejectsPhantomTask(t *testing.T) {
	content := `# Plan

**Goal:** test

| Task Group | Tasks | Rationale |
|------------|-------|-----------|
| Group 1    | setup, ghost | core |

### Task setup: do it

body
`
	if _, err := ParsePlan(content); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for phantom task, got %v", err)
	}
}

func TestParsePlanRejectsEmptyContent(t *testing.T) {
	if _, err := ParsePlan(""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty content, got %v", err)
	}
}

func TestParsePlanToWorkflowStateAllPending(t *testing.T) {
	plan, err := ParsePlan(Template())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ws, err := plan.toWorkflowState()
	if err != nil {
		t.Fatalf("to workflow state: %v", err)
	}
	for id, task := range ws.Tasks {
		if task.Status != TaskPending {
			t.Fatalf("expected task %s to be pending, got %s", id, task.Status)
		}
	}
}
