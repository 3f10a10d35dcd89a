package main

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// PlanTaskDefinition is the user-facing task shape, grounded on
// original_source's plan.py PlanTaskDefinition.
type PlanTaskDefinition struct {
	Description    string
	Dependencies   []string
	TimeoutSeconds int
	Instructions   string
	Role           string
}

// PlanDefinition is the user-facing plan shape, grounded on plan.py's
// PlanDefinition.
type PlanDefinition struct {
	Goal  string
	Tasks map[string]PlanTaskDefinition
}

var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// validateDAG runs the same iterative-DFS cycle detection algorithm as the
// state store, through the plan-local copy detectCycle below.
func (p PlanDefinition) validateDAG() error {
	for id, t := range p.Tasks {
		for _, dep := range t.Dependencies {
			if _, ok := p.Tasks[dep]; !ok {
				return fmt.Errorf("%w: missing dependency: %s (in %s)", ErrDAG, dep, id)
			}
		}
	}
	graph := make(map[string][]string, len(p.Tasks))
	for id, t := range p.Tasks {
		graph[id] = t.Dependencies
	}
	return detectCycle(graph)
}

// detectCycle is the plan-ingester-local copy of the same iterative DFS
// algorithm used by WorkflowState.validateDAG (state.go), operating on a
// plain adjacency map since PlanDefinition has no Task type yet.
func detectCycle(graph map[string][]string) error {
	colors := make(map[string]color, len(graph))
	type frame struct {
		node string
		next int
	}
	for start := range graph {
		if colors[start] != white {
			continue
		}
		stack := []frame{{start, 0}}
		colors[start] = gray
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := graph[top.node]
			if top.next >= len(deps) {
				colors[top.node] = black
				stack = stack[:len(stack)-1]
				continue
			}
			next := deps[top.next]
			top.next++
			switch colors[next] {
			case white:
				colors[next] = gray
				stack = append(stack, frame{next, 0})
			case gray:
				return fmt.Errorf("%w: cycle detected at %s", ErrDAG, next)
			case black:
			}
		}
	}
	return nil
}

// toWorkflowState converts a validated PlanDefinition into a fresh
// WorkflowState: all tasks PENDING, no timestamps, no owner.
func (p PlanDefinition) toWorkflowState() (*WorkflowState, error) {
	tasks := make(map[string]Task, len(p.Tasks))
	for id, t := range p.Tasks {
		tasks[id] = Task{
			ID:             id,
			Description:    t.Description,
			Status:         TaskPending,
			Dependencies:   t.Dependencies,
			TimeoutSeconds: t.TimeoutSeconds,
			Instructions:   t.Instructions,
			Role:           t.Role,
		}
	}
	return newWorkflowState(tasks)
}

var (
	goalPattern  = regexp.MustCompile(`(?m)\*\*Goal:\*\*\s*(.+)`)
	groupPattern = regexp.MustCompile(`\|\s*Group\s*(\d+)\s*\|\s*([\w\-.,\s]+)\s*\|`)
	taskHeading  = regexp.MustCompile(`(?m)^### Task ([\w\-.]+):\s*(.+)$`)
)

// ParsePlan implements spec §4.3: extracts the goal, the task-group
// table, and per-task sections from a structured Markdown document, then
// assigns dependencies by group (group N depends on the full set of
// group N-1 task ids) and validates the result.
//
// Per SPEC_FULL.md §D.1, Markdown is the only recognised format; the
// original's legacy JSON code-fence fallback is not carried forward.
func ParsePlan(content string) (PlanDefinition, error) {
	if strings.TrimSpace(content) == "" {
		return PlanDefinition{}, fmt.Errorf("%w: no valid plan found", ErrValidation)
	}
	if !strings.Contains(content, "**Goal:**") || !groupPattern.MatchString(content) {
		return PlanDefinition{}, fmt.Errorf("%w: no valid plan found (markdown goal/group table not present)", ErrValidation)
	}

	goal := "Goal not specified"
	if m := goalPattern.FindStringSubmatch(content); m != nil {
		goal = strings.TrimSpace(m[1])
	}

	groups := map[int][]string{}
	for _, m := range groupPattern.FindAllStringSubmatch(content, -1) {
		groupID, _ := strconv.Atoi(m[1])
		var ids []string
		for _, raw := range strings.Split(m[2], ",") {
			id := strings.TrimSpace(raw)
			if id != "" {
				ids = append(ids, id)
			}
		}
		groups[groupID] = ids
	}

	type taskBody struct {
		description string
		instructions string
	}
	bodies := map[string]taskBody{}

	locs := taskHeading.FindAllStringSubmatchIndex(content, -1)
	for i, loc := range locs {
		id := strings.TrimSpace(content[loc[2]:loc[3]])
		desc := strings.TrimSpace(content[loc[4]:loc[5]])
		bodyStart := loc[1]
		bodyEnd := len(content)
		if i+1 < len(locs) {
			bodyEnd = locs[i+1][0]
		}
		body := strings.TrimSpace(content[bodyStart:bodyEnd])
		if err := validatePlanTaskID(id); err != nil {
			return PlanDefinition{}, err
		}
		bodies[id] = taskBody{description: desc, instructions: body}
	}

	deps := map[string][]string{}
	var sortedGroups []int
	for g := range groups {
		sortedGroups = append(sortedGroups, g)
	}
	sort.Ints(sortedGroups)
	for i, g := range sortedGroups {
		if i == 0 {
			continue
		}
		prev := groups[sortedGroups[i-1]]
		for _, id := range groups[g] {
			if _, ok := bodies[id]; ok {
				deps[id] = prev
			}
		}
	}

	allGrouped := map[string]struct{}{}
	for _, ids := range groups {
		for _, id := range ids {
			allGrouped[id] = struct{}{}
		}
	}
	var orphans []string
	for id := range bodies {
		if _, ok := allGrouped[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) > 0 {
		sort.Strings(orphans)
		return PlanDefinition{}, fmt.Errorf("%w: orphan tasks not in any group: %s (add them to the Task Groups table)",
			ErrValidation, strings.Join(orphans, ", "))
	}

	var phantoms []string
	for id := range allGrouped {
		if _, ok := bodies[id]; !ok {
			phantoms = append(phantoms, id)
		}
	}
	if len(phantoms) > 0 {
		sort.Strings(phantoms)
		return PlanDefinition{}, fmt.Errorf("%w: phantom tasks referenced in groups but not defined: %s",
			ErrValidation, strings.Join(phantoms, ", "))
	}

	tasks := make(map[string]PlanTaskDefinition, len(bodies))
	for id, b := range bodies {
		tasks[id] = PlanTaskDefinition{
			Description:    b.description,
			Instructions:   b.instructions,
			Dependencies:   deps[id],
			TimeoutSeconds: 600,
		}
	}

	plan := PlanDefinition{Goal: goal, Tasks: tasks}
	if err := plan.validateDAG(); err != nil {
		return PlanDefinition{}, err
	}
	return plan, nil
}

func validatePlanTaskID(id string) error {
	if !taskIDPattern.MatchString(id) {
		return fmt.Errorf("%w: invalid task id %q: must start alphanumeric and contain only letters, digits, -, _, .", ErrValidation, id)
	}
	return nil
}

// Template returns the canonical Markdown plan skeleton, the Go analogue
// of plan.py's get_plan_template(), trimmed to the Markdown-only format
// per SPEC_FULL.md §D.1 (no legacy JSON section).
func Template() string {
	return `# Implementation Plan Title

**Goal:** One sentence description of the objective

---

## Task Groups

| Task Group | Tasks | Rationale |
|------------|-------|-----------|
| Group 1    | setup, schema | Core infrastructure (parallel) |
| Group 2    | api    | Feature (depends on Group 1) |
| Group 3    | tests  | Tests (depends on Group 2) |

---

### Task setup: Create project scaffolding

Initialize the module layout.

### Task schema: Define the data model

Write the struct definitions and validation.

### Task api: Implement the HTTP handlers

Wire the schema into request handlers.

### Task tests: Integration tests

Exercise the full request/response cycle.

**Dependency Rules:**
- Tasks in Group N depend on ALL tasks in Group N-1
- Tasks within the same group are independent (can run in parallel)
`
}
