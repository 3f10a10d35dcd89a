package main

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// ClaimResult mirrors spec §3's ClaimResult.
type ClaimResult struct {
	Task      *Task `json:"task"`
	IsRetry   bool  `json:"is_retry"`
	IsReclaim bool  `json:"is_reclaim"`
}

// StateManager is the exclusive owner of the persisted workflow file,
// grounded on state.py's StateManager. A single coarse-grained mutex
// serialises every public operation; it is released before trajectory
// logging and telemetry forwarding happen in the caller (daemon.go),
// matching spec §4.4's "released before I/O that would cause convoying".
type StateManager struct {
	mu        sync.Mutex
	stateFile string
	cached    *WorkflowState
	metrics   stateMetrics
}

func NewStateManager(stateFile string, meter metric.Meter) *StateManager {
	return &StateManager{stateFile: stateFile, metrics: newStateMetrics(meter)}
}

// writeAtomic persists encoded JSON via the tmp+fsync+rename dance
// (spec §4.4, P6): write to <file>.tmp, fsync the temp file, then rename
// over the target. Rename is atomic on POSIX.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREAT|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open temp state file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync temp state file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

// wireTask is the on-disk/wire shape: Dependencies always serialises as a
// (possibly empty) array, timestamps as RFC3339 with explicit UTC offset.
type wireTask = Task

func encodeState(ws *WorkflowState) ([]byte, error) {
	out := struct {
		Tasks map[string]wireTask `json:"tasks"`
	}{Tasks: ws.Tasks}
	return json.MarshalIndent(out, "", "  ")
}

func decodeState(data []byte) (*WorkflowState, error) {
	var raw struct {
		Tasks map[string]Task `json:"tasks"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode state file: %v", ErrValidation, err)
	}
	return newWorkflowState(raw.Tasks)
}

// load reads the state file from disk. Returns (nil, nil) if the file is
// absent ("no state"), matching state.py's load().
func (sm *StateManager) load() (*WorkflowState, error) {
	data, err := os.ReadFile(sm.stateFile)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	return decodeState(data)
}

// ensureLoaded populates sm.cached from disk if it is nil, and returns an
// error if no state has ever been saved (state.py raises "No workflow
// state" here).
func (sm *StateManager) ensureLoaded() error {
	if sm.cached != nil {
		return nil
	}
	ws, err := sm.load()
	if err != nil {
		return err
	}
	if ws == nil {
		return fmt.Errorf("%w: no workflow state", ErrNotFound)
	}
	sm.cached = ws
	return nil
}

func (sm *StateManager) persistLocked() error {
	start := time.Now()
	sm.cached.rebuildIndexes()
	data, err := encodeState(sm.cached)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := writeAtomic(sm.stateFile, data); err != nil {
		return err
	}
	if sm.metrics.persistLatency != nil {
		sm.metrics.persistLatency.Record(context.Background(), time.Since(start).Seconds())
	}
	return nil
}

// Save validates the DAG, rebuilds indexes, persists atomically, and
// replaces the cache (spec §4.4.6).
func (sm *StateManager) Save(ws *WorkflowState) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if err := ws.validateDAG(); err != nil {
		return err
	}
	sm.cached = ws
	return sm.persistLocked()
}

// GetState returns a snapshot of the current state, or nil if none exists.
func (sm *StateManager) GetState() (*WorkflowState, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.cached != nil {
		return &WorkflowState{Tasks: maps.Clone(sm.cached.Tasks)}, nil
	}
	return sm.load()
}

// ClaimTask implements spec §4.4.4 exactly: lease renewal on every claim
// (even idempotent retries), with is_retry/is_reclaim computed before the
// mutation is applied.
func (sm *StateManager) ClaimTask(workerID string) (ClaimResult, error) {
	if err := validateWorkerID(workerID); err != nil {
		return ClaimResult{}, err
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()

	start := time.Now()
	if err := sm.ensureLoaded(); err != nil {
		return ClaimResult{}, err
	}

	task := sm.cached.getTaskForWorker(workerID)
	if task == nil {
		return ClaimResult{Task: nil, IsRetry: false, IsReclaim: false}, nil
	}

	wasMine := task.ClaimedBy == workerID
	isRetry := wasMine && task.Status == TaskRunning
	isReclaim := !wasMine && task.Status == TaskRunning && task.IsTimedOut()

	updated := *task
	ts := now().UTC()
	updated.Status = TaskRunning
	updated.ClaimedBy = workerID
	updated.StartedAt = &ts
	sm.cached.Tasks[updated.ID] = updated

	if err := sm.persistLocked(); err != nil {
		return ClaimResult{}, err
	}
	if sm.metrics.claimLatency != nil {
		sm.metrics.claimLatency.Record(context.Background(), time.Since(start).Seconds())
	}
	if isReclaim && sm.metrics.reclaimCount != nil {
		sm.metrics.reclaimCount.Add(context.Background(), 1)
	}

	result := updated
	return ClaimResult{Task: &result, IsRetry: isRetry, IsReclaim: isReclaim}, nil
}

// CompleteTask implements spec §4.4.5: strict ownership enforcement.
func (sm *StateManager) CompleteTask(taskID, workerID string) (Task, error) {
	if err := validateWorkerID(workerID); err != nil {
		return Task{}, err
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if err := sm.ensureLoaded(); err != nil {
		return Task{}, err
	}
	task, ok := sm.cached.Tasks[taskID]
	if !ok {
		return Task{}, fmt.Errorf("%w: task not found: %s", ErrNotFound, taskID)
	}
	if task.ClaimedBy != workerID {
		owner := task.ClaimedBy
		if owner == "" {
			owner = "nobody"
		}
		return Task{}, fmt.Errorf("%w: task %s not owned by %s (owned by %s)", ErrOwnership, taskID, workerID, owner)
	}

	ts := now().UTC()
	task.Status = TaskCompleted
	task.CompletedAt = &ts
	sm.cached.Tasks[taskID] = task

	if err := sm.persistLocked(); err != nil {
		return Task{}, err
	}
	if sm.metrics.completeCount != nil {
		sm.metrics.completeCount.Add(context.Background(), 1)
	}
	return task, nil
}

// UpdateState applies a tightened `updates` boundary per SPEC_FULL.md §D.3:
// only the `tasks` field is accepted, decoded through the same Task type
// used everywhere else.
func (sm *StateManager) UpdateState(updates map[string]json.RawMessage) (*WorkflowState, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if err := sm.ensureLoaded(); err != nil {
		return nil, err
	}
	for key := range updates {
		if key != "tasks" {
			return nil, fmt.Errorf("%w: unknown updatable field: %s", ErrValidation, key)
		}
	}
	if raw, ok := updates["tasks"]; ok {
		var tasks map[string]Task
		if err := json.Unmarshal(raw, &tasks); err != nil {
			return nil, fmt.Errorf("%w: decode tasks update: %v", ErrValidation, err)
		}
		for id, t := range tasks {
			nt, err := t.normalize()
			if err != nil {
				return nil, err
			}
			if nt.ID == "" {
				nt.ID = id
			}
			sm.cached.Tasks[id] = nt
		}
	}
	if err := sm.cached.validateDAG(); err != nil {
		return nil, err
	}
	if err := sm.persistLocked(); err != nil {
		return nil, err
	}
	return sm.cached, nil
}

// Reset deletes the state file if present and clears the cache
// (spec §4.4.6).
func (sm *StateManager) Reset() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.cached = nil
	err := os.Remove(sm.stateFile)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove state file: %w", err)
	}
	return nil
}

func validateWorkerID(workerID string) error {
	if strings.TrimSpace(workerID) == "" {
		return fmt.Errorf("%w: worker_id must not be empty", ErrValidation)
	}
	return nil
}
