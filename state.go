package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// TaskStatus mirrors state.py's TaskStatus(str, Enum); serialised lowercase.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	// TaskFailed is reserved per spec.md §9 Open Questions: no handler
	// transitions a task here yet, but the wire format carries it so a
	// future handler can use it without a breaking change.
	TaskFailed TaskStatus = "failed"
)

// Task is an immutable value object; every mutation in the store produces a
// new Task rather than mutating in place (state.py's Task is a frozen
// msgspec Struct for the same reason).
type Task struct {
	ID             string     `json:"id"`
	Description    string     `json:"description"`
	Status         TaskStatus `json:"status"`
	Dependencies   []string   `json:"dependencies"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ClaimedBy      string     `json:"claimed_by,omitempty"`
	TimeoutSeconds int        `json:"timeout_seconds"`
	Instructions   string     `json:"instructions,omitempty"`
	Role           string     `json:"role,omitempty"`
}

// now is the injectable clock, mirroring state.py's ClassVar[Callable] so
// tests can simulate timeout reclaim (scenario S3) without real sleeps.
var now = time.Now

// IsTimedOut implements the §3 derived predicate.
func (t Task) IsTimedOut() bool {
	if t.Status != TaskRunning || t.StartedAt == nil {
		return false
	}
	return now().UTC().Sub(t.StartedAt.UTC()) > time.Duration(t.TimeoutSeconds)*time.Second
}

func validateTaskID(id string) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return fmt.Errorf("%w: task id must not be empty", ErrValidation)
	}
	return nil
}

// normalize applies the same coercions state.py's __post_init__ performs:
// trims the id, defaults status/timeout, and rejects an empty id.
func (t Task) normalize() (Task, error) {
	if err := validateTaskID(t.ID); err != nil {
		return Task{}, err
	}
	t.ID = strings.TrimSpace(t.ID)
	if t.Status == "" {
		t.Status = TaskPending
	}
	if t.Dependencies == nil {
		t.Dependencies = []string{}
	}
	if t.TimeoutSeconds == 0 {
		t.TimeoutSeconds = 600
	}
	if t.TimeoutSeconds < 1 || t.TimeoutSeconds > 86400 {
		return Task{}, fmt.Errorf("%w: timeout_seconds out of range [1,86400] for task %q", ErrValidation, t.ID)
	}
	return t, nil
}

// WorkflowState is the entire DAG plus three private, non-persisted
// indexes rebuilt on every load or mutation (spec §3).
type WorkflowState struct {
	Tasks map[string]Task `json:"tasks"`

	pendingDeque []string
	pendingSet   map[string]struct{}
	workerIndex  map[string]string
}

// metrics mirrors dag_engine.go's DAGEngine instrument fields: the state
// store carries its own small histogram/counter set rather than reaching
// into a package-global meter.
type stateMetrics struct {
	claimLatency   metric.Float64Histogram
	completeCount  metric.Int64Counter
	reclaimCount   metric.Int64Counter
	persistLatency metric.Float64Histogram
}

func newStateMetrics(meter metric.Meter) stateMetrics {
	claimLatency, _ := meter.Float64Histogram("hyh_state_claim_duration_seconds")
	completeCount, _ := meter.Int64Counter("hyh_state_task_completed_total")
	reclaimCount, _ := meter.Int64Counter("hyh_state_task_reclaimed_total")
	persistLatency, _ := meter.Float64Histogram("hyh_state_persist_duration_seconds")
	return stateMetrics{claimLatency, completeCount, reclaimCount, persistLatency}
}

// newWorkflowState normalizes raw task input (as produced by JSON decode or
// the plan ingester) and rebuilds the indexes, matching state.py's
// __post_init__ + rebuild_indexes.
func newWorkflowState(tasks map[string]Task) (*WorkflowState, error) {
	normalized := make(map[string]Task, len(tasks))
	for id, t := range tasks {
		nt, err := t.normalize()
		if err != nil {
			return nil, err
		}
		if nt.ID == "" {
			nt.ID = id
		}
		normalized[id] = nt
	}
	ws := &WorkflowState{Tasks: normalized}
	if err := ws.validateDAG(); err != nil {
		return nil, err
	}
	ws.rebuildIndexes()
	return ws, nil
}

// color marks iterative-DFS state, mirroring state.py's WHITE/GRAY/BLACK.
type color int

const (
	white color = iota
	gray
	black
)

// validateDAG runs spec §4.4.1 in O(V+E): first a missing-dependency pass,
// then iterative DFS with an explicit stack and three-color marking. The
// explicit stack is mandatory, not stylistic: the source graphs this was
// ported from exceed 1,000 nodes deep.
func (ws *WorkflowState) validateDAG() error {
	for id, t := range ws.Tasks {
		for _, dep := range t.Dependencies {
			if _, ok := ws.Tasks[dep]; !ok {
				return fmt.Errorf("%w: missing dependency: %s (required by %s)", ErrDAG, dep, id)
			}
		}
	}

	colors := make(map[string]color, len(ws.Tasks))
	type frame struct {
		node string
		next int
	}
	for start := range ws.Tasks {
		if colors[start] != white {
			continue
		}
		stack := []frame{{start, 0}}
		colors[start] = gray
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := ws.Tasks[top.node].Dependencies
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
				return fmt.Errorf("%w: dependency cycle detected at: %s", ErrDAG, next)
			case black:
				// already fully explored, no-op
			}
		}
	}
	return nil
}

// rebuildIndexes matches state.py's rebuild_indexes: clears all three
// indexes, does a single O(n) pass, and sorts the pending list stably by
// ascending dependency count (spec §4.4.7).
func (ws *WorkflowState) rebuildIndexes() {
	ws.workerIndex = make(map[string]string)
	pending := make([]string, 0, len(ws.Tasks))
	for id, t := range ws.Tasks {
		switch {
		case t.Status == TaskPending:
			pending = append(pending, id)
		case t.Status == TaskRunning && t.ClaimedBy != "":
			ws.workerIndex[t.ClaimedBy] = id
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return len(ws.Tasks[pending[i]].Dependencies) < len(ws.Tasks[pending[j]].Dependencies)
	})
	ws.pendingDeque = pending
	ws.pendingSet = make(map[string]struct{}, len(pending))
	for _, id := range pending {
		ws.pendingSet[id] = struct{}{}
	}
}

func (ws *WorkflowState) depsSatisfied(t Task) bool {
	for _, dep := range t.Dependencies {
		dt, ok := ws.Tasks[dep]
		if !ok {
			// Unreachable once validateDAG has run, but defensive: a
			// dangling dependency never counts as satisfied.
			return false
		}
		if dt.Status != TaskCompleted {
			return false
		}
	}
	return true
}

// getClaimableTask implements spec §4.4.2: a fast path over pendingDeque
// with bounded rotation, falling back to a slow-path scan for timed-out
// RUNNING tasks whose dependencies are now satisfied.
func (ws *WorkflowState) getClaimableTask() *Task {
	rotations := len(ws.pendingDeque)
	for rotations > 0 && len(ws.pendingDeque) > 0 {
		id := ws.pendingDeque[0]
		ws.pendingDeque = ws.pendingDeque[1:]

		t, ok := ws.Tasks[id]
		if !ok || t.Status != TaskPending {
			delete(ws.pendingSet, id)
			rotations--
			continue
		}
		if ws.depsSatisfied(t) {
			// Re-prepend: the caller (claimTask) finalizes removal by
			// transitioning status away from PENDING and rebuilding.
			ws.pendingDeque = append([]string{id}, ws.pendingDeque...)
			return &t
		}
		// Not ready yet: rotate to the back and keep trying.
		ws.pendingDeque = append(ws.pendingDeque, id)
		rotations--
	}

	// Slow path: recover a timed-out RUNNING task whose deps are satisfied.
	for id, t := range ws.Tasks {
		_ = id
		if t.Status == TaskRunning && t.IsTimedOut() && ws.depsSatisfied(t) {
			tc := t
			return &tc
		}
	}
	return nil
}

// getTaskForWorker implements spec §4.4.3: an O(1) idempotency path via
// workerIndex, falling back to getClaimableTask with stale-entry cleanup.
func (ws *WorkflowState) getTaskForWorker(workerID string) *Task {
	if id, ok := ws.workerIndex[workerID]; ok {
		if t, ok := ws.Tasks[id]; ok && t.Status == TaskRunning && t.ClaimedBy == workerID {
			tc := t
			return &tc
		}
		delete(ws.workerIndex, workerID)
	}
	return ws.getClaimableTask()
}
