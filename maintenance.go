package main

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/pproenca/hyh/internal/resilience"
)

// MaintenanceScheduler runs a periodic sweep that counts the timed-out
// RUNNING tasks (leases that a claim_task call would now reclaim) and
// records the count in the trajectory log. The sweep does not change any
// task; reclaiming still happens only through claim_task. Grounded on scheduler.go's cron.New(cron.WithSeconds())
// construction, repurposed: the teacher schedules user workflow runs,
// this schedules one fixed internal sweep (SPEC_FULL.md §B).
type MaintenanceScheduler struct {
	cron       *cron.Cron
	store      *StateManager
	trajectory *TrajectoryLogger
	git        *GitWrapper
	workspace  string
}

func NewMaintenanceScheduler(store *StateManager, trajectory *TrajectoryLogger, git *GitWrapper, workspace string) *MaintenanceScheduler {
	return &MaintenanceScheduler{
		cron:       cron.New(cron.WithSeconds()),
		store:      store,
		trajectory: trajectory,
		git:        git,
		workspace:  workspace,
	}
}

// Start registers the sweep at the configured cron expression and begins
// running it in the background. Each sweep reads the state through
// internal/resilience's Retry (up to 3 attempts) in case the state file is
// briefly unreadable.
func (m *MaintenanceScheduler) Start(expr string) error {
	_, err := m.cron.AddFunc(expr, m.sweep)
	if err != nil {
		return err
	}
	m.cron.Start()
	return nil
}

func (m *MaintenanceScheduler) sweep() {
	runID := uuid.NewString()
	ws, err := resilience.Retry(context.Background(), 3, 0, func() (*WorkflowState, error) {
		return m.store.GetState()
	})
	if err != nil || ws == nil {
		return
	}

	reclaimed := 0
	sm := m.store
	sm.mu.Lock()
	if sm.cached != nil {
		for id, t := range sm.cached.Tasks {
			if t.Status == TaskRunning && t.IsTimedOut() {
				reclaimed++
				_ = id
			}
		}
	}
	sm.mu.Unlock()

	event := map[string]any{
		"type":      "maintenance_sweep",
		"run_id":    runID,
		"reclaimable_count": reclaimed,
	}
	if m.git != nil {
		if sha := m.git.HeadSHA(context.Background(), m.workspace); sha != "" {
			event["head_sha"] = sha
		}
	}
	if err := m.trajectory.Log(event); err != nil {
		slog.Warn("maintenance sweep: trajectory log failed", "error", err)
	}
}

// Stop halts the cron scheduler; any in-flight sweep is allowed to
// finish.
func (m *MaintenanceScheduler) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
}
