package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/pproenca/hyh/internal/resilience"
)

// requestEnvelope is the wire shape shared by every request: a `command`
// discriminator plus command-specific fields, grounded on daemon.py's
// tagged-union Request (msgspec Struct(tag=..., tag_field="command")).
type requestEnvelope struct {
	Command string `json:"command"`

	WorkerID string          `json:"worker_id,omitempty"`
	TaskID   string          `json:"task_id,omitempty"`
	Args     []string        `json:"args,omitempty"`
	Cwd      string          `json:"cwd,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Timeout  *float64        `json:"timeout,omitempty"`
	Exclusive bool           `json:"exclusive,omitempty"`
	ReadOnly  bool           `json:"read_only,omitempty"`
	Content   string         `json:"content,omitempty"`
	EventCount *int          `json:"event_count,omitempty"`
	Updates    map[string]json.RawMessage `json:"updates,omitempty"`
	Role       string        `json:"role,omitempty"`
}

// response is the tagged-union Ok/Err response shape (daemon.py's
// Result ADT): status is "ok" with a data payload, or "error" with a
// message.
type response struct {
	Status  string `json:"status"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func ok(data any) response      { return response{Status: "ok", Data: data} }
func errResp(err error) response {
	return response{Status: "error", Message: err.Error()}
}

// Daemon owns the Unix domain socket and dispatches decoded requests,
// grounded on daemon.py's HarnessDaemon/HarnessHandler in full.
type Daemon struct {
	cfg        Config
	store      *StateManager
	trajectory *TrajectoryLogger
	runtime    Runtime
	git        *GitWrapper
	registry   *ProjectRegistry
	telemetry  *TelemetryEmitter
	policy     *PolicyGate
	maint      *MaintenanceScheduler

	listener net.Listener
	lockFile *os.File
	wg       sync.WaitGroup

	execLimiter *resilience.RateLimiter
	requestCount metric.Int64Counter
}

func NewDaemon(cfg Config, meter metric.Meter) (*Daemon, error) {
	store := NewStateManager(cfg.StateFilePath(), meter)
	trajectory := NewTrajectoryLogger(cfg.TrajectoryFilePath())
	runtime := NewRuntime(cfg)
	git := NewGitWrapper(runtime)
	registry := NewProjectRegistry(cfg.RegistryFile)

	hash := HashForPath(cfg.WorkspaceRoot)
	telemetry := NewTelemetryEmitter(cfg.NATSURL, hash)

	policy, err := NewPolicyGate(context.Background(), cfg.PolicyBundlePath)
	if err != nil {
		slog.Warn("policy gate disabled", "error", err)
		policy = nil
	}

	requestCount, _ := meter.Int64Counter("hyh_daemon_requests_total")

	return &Daemon{
		cfg:          cfg,
		store:        store,
		trajectory:   trajectory,
		runtime:      runtime,
		git:          git,
		registry:     registry,
		telemetry:    telemetry,
		policy:       policy,
		execLimiter:  resilience.NewRateLimiter(50, 20, time.Second, 50),
		requestCount: requestCount,
	}, nil
}

// acquireLock enforces single-instance per socket path via a non-blocking
// exclusive flock on a sibling ".lock" file (daemon.py's _acquire_lock).
func (d *Daemon) acquireLock() error {
	lockPath := LockPath(d.cfg.SocketPath)
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("%w: another daemon is already running", ErrContention)
	}
	d.lockFile = f
	return nil
}

// Start binds the Unix socket (removing a stale socket file first,
// creating with umask 0077 and chmod 0600 — the only access control),
// registers the workspace, and starts the maintenance scheduler.
func (d *Daemon) Start() error {
	if err := d.runtime.CheckCapabilities(context.Background()); err != nil {
		return err
	}
	if err := d.acquireLock(); err != nil {
		return err
	}

	_ = os.Remove(d.cfg.SocketPath)
	oldUmask := syscall.Umask(0o077)
	l, err := net.Listen("unix", d.cfg.SocketPath)
	syscall.Umask(oldUmask)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(d.cfg.SocketPath, 0o600); err != nil {
		l.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	d.listener = l

	if _, err := d.registry.Register(d.cfg.WorkspaceRoot); err != nil {
		slog.Warn("project registry registration failed", "error", err)
	}

	d.maint = NewMaintenanceScheduler(d.store, d.trajectory, d.git, d.cfg.WorkspaceRoot)
	if err := d.maint.Start(d.cfg.MaintenanceCron); err != nil {
		slog.Warn("maintenance scheduler failed to start", "error", err)
	}

	slog.Info("daemon listening", "socket", d.cfg.SocketPath)
	return nil
}

// Serve accepts connections until the listener is closed. Each connection
// is handled on its own goroutine with no cooperative scheduling, per
// spec §4.5 — there is no single-threaded event loop.
func (d *Daemon) Serve() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			return // listener closed: Shutdown was called
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.handleConn(conn)
		}()
	}
}

// handleConn reads exactly one JSON request line, dispatches it, and
// writes exactly one JSON response line before closing — the wire
// framing of spec §4.5.
func (d *Daemon) handleConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return // empty input closes the connection silently
	}
	line = strings.TrimRight(line, "\n")
	if strings.TrimSpace(line) == "" {
		return
	}

	if d.requestCount != nil {
		d.requestCount.Add(context.Background(), 1)
	}

	var req requestEnvelope
	resp := func() response {
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			return errResp(fmt.Errorf("%w: invalid request: %v", ErrValidation, err))
		}
		return d.dispatch(context.Background(), req)
	}()

	out, err := json.Marshal(resp)
	if err != nil {
		out, _ = json.Marshal(errResp(fmt.Errorf("%w: encode response: %v", ErrValidation, err)))
	}
	out = append(out, '\n')
	_, _ = conn.Write(out)
}

// dispatch is the exhaustive match over the command discriminator
// (daemon.py's dispatch()); every handler catches its own errors and
// returns them as a response rather than panicking the connection.
func (d *Daemon) dispatch(ctx context.Context, req requestEnvelope) response {
	switch req.Command {
	case "ping":
		return ok(map[string]any{"running": true, "pid": os.Getpid()})

	case "get_state":
		ws, err := d.store.GetState()
		if err != nil {
			return errResp(err)
		}
		if ws == nil {
			return ok(nil)
		}
		return ok(ws.Tasks)

	case "status":
		return d.handleStatus(req)

	case "update_state":
		ws, err := d.store.UpdateState(req.Updates)
		if err != nil {
			return errResp(err)
		}
		return ok(ws.Tasks)

	case "task_claim":
		return d.handleTaskClaim(req)

	case "task_complete":
		return d.handleTaskComplete(req)

	case "git":
		return d.handleGit(ctx, req)

	case "exec":
		return d.handleExec(ctx, req)

	case "plan_import":
		return d.handlePlanImport(req)

	case "plan_reset":
		if err := d.store.Reset(); err != nil {
			return errResp(err)
		}
		_ = d.trajectory.Log(map[string]any{"type": "plan_reset"})
		d.telemetry.Emit(map[string]any{"type": "plan_reset"})
		return ok(map[string]any{"message": "workflow state cleared"})

	case "shutdown":
		go d.Shutdown()
		return ok(map[string]any{})

	default:
		return errResp(fmt.Errorf("%w: unknown command: %s", ErrNotFound, req.Command))
	}
}

func (d *Daemon) handleStatus(req requestEnvelope) response {
	count := 10
	if req.EventCount != nil {
		count = *req.EventCount
	}
	ws, err := d.store.GetState()
	if err != nil {
		return errResp(err)
	}
	counts := map[TaskStatus]int{}
	activeWorkers := map[string]struct{}{}
	if ws != nil {
		for _, t := range ws.Tasks {
			counts[t.Status]++
			if t.Status == TaskRunning && t.ClaimedBy != "" {
				activeWorkers[t.ClaimedBy] = struct{}{}
			}
		}
	}
	events, err := d.trajectory.Tail(count)
	if err != nil {
		return errResp(err)
	}
	workers := make([]string, 0, len(activeWorkers))
	for w := range activeWorkers {
		workers = append(workers, w)
	}
	return ok(map[string]any{
		"counts":         counts,
		"active_workers": workers,
		"last_events":    events,
	})
}

func (d *Daemon) handleTaskClaim(req requestEnvelope) response {
	result, err := d.store.ClaimTask(req.WorkerID)
	if err != nil {
		return errResp(err)
	}
	event := map[string]any{
		"type":       "task_claim",
		"worker_id":  req.WorkerID,
		"is_retry":   result.IsRetry,
		"is_reclaim": result.IsReclaim,
	}
	if result.Task != nil {
		event["task_id"] = result.Task.ID
	}
	_ = d.trajectory.Log(event)
	d.telemetry.Emit(event)
	return ok(result)
}

func (d *Daemon) handleTaskComplete(req requestEnvelope) response {
	task, err := d.store.CompleteTask(req.TaskID, req.WorkerID)
	if err != nil {
		return errResp(err)
	}
	event := map[string]any{
		"type":      "task_complete",
		"task_id":   req.TaskID,
		"worker_id": req.WorkerID,
	}
	_ = d.trajectory.Log(event)
	d.telemetry.Emit(event)
	return ok(map[string]any{"task_id": task.ID})
}

const trajectoryTruncateLimit = 4096

func truncateForLog(s string) string {
	if len(s) <= trajectoryTruncateLimit {
		return s
	}
	return s[:trajectoryTruncateLimit]
}

func (d *Daemon) handleGit(ctx context.Context, req requestEnvelope) response {
	if !d.execLimiter.Allow() {
		return errResp(fmt.Errorf("%w: too many git requests", ErrValidation))
	}
	if allowed, err := d.policy.Allow(ctx, req.Role, "git", req.Args, !req.ReadOnly); err != nil {
		return errResp(err)
	} else if !allowed {
		return errResp(fmt.Errorf("%w: policy denied git invocation for role %q", ErrValidation, req.Role))
	}
	cwd := req.Cwd
	if cwd == "" {
		cwd = d.cfg.WorkspaceRoot
	}
	result, err := d.git.Exec(ctx, req.Args, cwd, req.ReadOnly)
	if err != nil {
		return errResp(err)
	}
	_ = d.trajectory.Log(map[string]any{
		"type":   "git",
		"args":   req.Args,
		"stdout": truncateForLog(result.Stdout),
		"stderr": truncateForLog(result.Stderr),
	})
	return ok(map[string]any{
		"returncode": result.ReturnCode,
		"stdout":     result.Stdout,
		"stderr":     result.Stderr,
	})
}

func (d *Daemon) handleExec(ctx context.Context, req requestEnvelope) response {
	if !d.execLimiter.Allow() {
		return errResp(fmt.Errorf("%w: too many exec requests", ErrValidation))
	}
	if allowed, err := d.policy.Allow(ctx, req.Role, "exec", req.Args, req.Exclusive); err != nil {
		return errResp(err)
	} else if !allowed {
		return errResp(fmt.Errorf("%w: policy denied exec invocation for role %q", ErrValidation, req.Role))
	}
	opts := ExecOptions{Cwd: req.Cwd, Env: req.Env, Exclusive: req.Exclusive}
	if req.Timeout != nil {
		opts.Timeout = time.Duration(*req.Timeout * float64(time.Second))
	}
	start := time.Now()
	result, err := d.runtime.Execute(ctx, req.Args, opts)
	duration := time.Since(start)
	if err != nil {
		return errResp(err)
	}
	event := map[string]any{
		"type":        "exec",
		"args":        req.Args,
		"stdout":      truncateForLog(result.Stdout),
		"stderr":      truncateForLog(result.Stderr),
		"duration_ms": duration.Milliseconds(),
	}
	_ = d.trajectory.Log(event)
	d.telemetry.Emit(event)
	data := map[string]any{
		"returncode": result.ReturnCode,
		"stdout":     result.Stdout,
		"stderr":     result.Stderr,
	}
	if result.SignalName != "" {
		data["signal_name"] = result.SignalName
	}
	return ok(data)
}

func (d *Daemon) handlePlanImport(req requestEnvelope) response {
	plan, err := ParsePlan(req.Content)
	if err != nil {
		if errors.Is(err, ErrValidation) && strings.Contains(err.Error(), "no valid plan found") {
			return errResp(fmt.Errorf("%w (see Template() for the expected Markdown shape)", err))
		}
		return errResp(err)
	}
	ws, err := plan.toWorkflowState()
	if err != nil {
		return errResp(err)
	}
	if err := d.store.Save(ws); err != nil {
		return errResp(err)
	}
	event := map[string]any{"type": "plan_import", "goal": plan.Goal, "task_count": len(plan.Tasks)}
	_ = d.trajectory.Log(event)
	d.telemetry.Emit(event)
	return ok(map[string]any{"goal": plan.Goal, "task_count": len(plan.Tasks)})
}

// Shutdown stops accepting new connections, waits for in-flight handlers,
// and removes the socket/lockfile — daemon.py's server_close(), invoked
// either by the `shutdown` command (on its own goroutine, so the ack is
// sent before the socket closes) or by a SIGTERM/SIGINT handler.
func (d *Daemon) Shutdown() {
	if d.maint != nil {
		d.maint.Stop()
	}
	if d.listener != nil {
		d.listener.Close()
	}
	d.wg.Wait()
	d.telemetry.Close()
	_ = os.Remove(d.cfg.SocketPath)
	if d.lockFile != nil {
		syscall.Flock(int(d.lockFile.Fd()), syscall.LOCK_UN)
		d.lockFile.Close()
		_ = os.Remove(LockPath(d.cfg.SocketPath))
	}
	slog.Info("daemon shut down")
}
