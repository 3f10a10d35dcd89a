package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pproenca/hyh/internal/resilience"
)

// globalExecMutex gates operations invoked with exclusive=true, guarding
// .git/index and any other shared mutable resource subprocesses touch
// concurrently. Grounded on runtime.py's GLOBAL_EXEC_LOCK.
var globalExecMutex sync.Mutex

// ExecutionResult is the immutable result of a subprocess invocation,
// grounded on runtime.py's frozen ExecutionResult dataclass.
type ExecutionResult struct {
	ReturnCode int
	Stdout     string
	Stderr     string
	SignalName string
}

// signalNames covers the signals a spawned subprocess commonly dies from;
// anything else falls back to the generic "SIG<n>" form.
var signalNames = map[syscall.Signal]string{
	syscall.SIGHUP:  "SIGHUP",
	syscall.SIGINT:  "SIGINT",
	syscall.SIGQUIT: "SIGQUIT",
	syscall.SIGILL:  "SIGILL",
	syscall.SIGTRAP: "SIGTRAP",
	syscall.SIGABRT: "SIGABRT",
	syscall.SIGBUS:  "SIGBUS",
	syscall.SIGFPE:  "SIGFPE",
	syscall.SIGKILL: "SIGKILL",
	syscall.SIGUSR1: "SIGUSR1",
	syscall.SIGSEGV: "SIGSEGV",
	syscall.SIGUSR2: "SIGUSR2",
	syscall.SIGPIPE: "SIGPIPE",
	syscall.SIGALRM: "SIGALRM",
	syscall.SIGTERM: "SIGTERM",
}

// DecodeSignal maps a negative return code to a signal name, per
// runtime.py's decode_signal: SIGTERM/SIGKILL by name, "SIG<n>" for
// anything unrecognised, empty for non-negative codes.
func DecodeSignal(returnCode int) string {
	if returnCode >= 0 {
		return ""
	}
	if name, ok := signalNames[syscall.Signal(-returnCode)]; ok {
		return name
	}
	return fmt.Sprintf("SIG%d", -returnCode)
}

// PathMapper translates paths between the host and the runtime
// environment, grounded on runtime.py's PathMapper/IdentityMapper/VolumeMapper.
type PathMapper interface {
	ToRuntime(hostPath string) string
	ToHost(runtimePath string) string
}

type identityMapper struct{}

func (identityMapper) ToRuntime(p string) string { return p }
func (identityMapper) ToHost(p string) string    { return p }

// volumeMapper rewrites a host path into a container path (or back) only
// when the path normalises to exactly the root or strictly under it; any
// other path passes through unchanged rather than erroring, matching
// runtime.py's VolumeMapper._normalize_and_validate/to_runtime/to_host.
type volumeMapper struct {
	hostRoot      string
	containerRoot string
}

func newVolumeMapper(hostRoot, containerRoot string) *volumeMapper {
	return &volumeMapper{
		hostRoot:      strings.TrimRight(hostRoot, "/"),
		containerRoot: strings.TrimRight(containerRoot, "/"),
	}
}

func normalizeAndValidate(path, root string) (string, bool) {
	normalized := filepath.Clean(path)
	if normalized == root {
		return "", true
	}
	if strings.HasPrefix(normalized, root+"/") {
		return normalized[len(root):], true
	}
	return "", false
}

func (m *volumeMapper) ToRuntime(hostPath string) string {
	if rel, ok := normalizeAndValidate(hostPath, m.hostRoot); ok {
		return m.containerRoot + rel
	}
	return hostPath
}

func (m *volumeMapper) ToHost(runtimePath string) string {
	if rel, ok := normalizeAndValidate(runtimePath, m.containerRoot); ok {
		return m.hostRoot + rel
	}
	return runtimePath
}

// ExecOptions carries spec §4.1's execute() arguments.
type ExecOptions struct {
	Cwd       string
	Env       map[string]string
	Timeout   time.Duration // zero means no timeout
	Exclusive bool
}

// Runtime is the execution contract shared by Local and Container
// implementations (runtime.py's Runtime Protocol).
type Runtime interface {
	Execute(ctx context.Context, argv []string, opts ExecOptions) (ExecutionResult, error)
	CheckCapabilities(ctx context.Context) error
}

// execBreaker gates exclusive invocations: repeated subprocess failures
// (e.g. a wedged git index) trip the breaker so the daemon fails fast
// instead of queuing every worker behind a doomed lock acquisition.
// Grounded on internal/resilience's CircuitBreaker (adapted from the
// teacher's circuit_breaker.go), a concern the Python original has no
// equivalent for.
var execBreaker = resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 10*time.Second, 2)

func runExclusive(exclusive bool, fn func() (ExecutionResult, error)) (ExecutionResult, error) {
	if !exclusive {
		return fn()
	}
	if !execBreaker.Allow() {
		return ExecutionResult{}, fmt.Errorf("%w: exclusive execution circuit is open (repeated failures)", ErrCapability)
	}
	globalExecMutex.Lock()
	defer globalExecMutex.Unlock()
	res, err := fn()
	execBreaker.RecordResult(err == nil && res.ReturnCode == 0)
	return res, err
}

// LocalRuntime executes commands directly on the host, grounded on
// runtime.py's LocalRuntime and the context-cancellation-kill pattern
// from plugins.go's PythonPlugin/ShellPlugin.
type LocalRuntime struct{}

func (LocalRuntime) CheckCapabilities(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "git", "--version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: git not found in PATH", ErrCapability)
	}
	return nil
}

func (LocalRuntime) Execute(ctx context.Context, argv []string, opts ExecOptions) (ExecutionResult, error) {
	return runExclusive(opts.Exclusive, func() (ExecutionResult, error) {
		return execLocal(ctx, argv, opts)
	})
}

func execLocal(ctx context.Context, argv []string, opts ExecOptions) (ExecutionResult, error) {
	if len(argv) == 0 {
		return ExecutionResult{}, fmt.Errorf("%w: empty command", ErrValidation)
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = opts.Cwd
	if len(opts.Env) > 0 {
		env := os.Environ()
		for k, v := range opts.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return ExecutionResult{
			ReturnCode: -15,
			Stdout:     stdout.String(),
			Stderr:     stderr.String(),
			SignalName: "SIGTERM",
		}, nil
	}
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if ok := asExitError(err, &exitErr); ok {
			code = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				code = -int(ws.Signal())
			}
		} else {
			return ExecutionResult{}, fmt.Errorf("spawn command: %w", err)
		}
	}
	return ExecutionResult{
		ReturnCode: code,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		SignalName: DecodeSignal(code),
	}, nil
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// ContainerRuntime executes commands inside a Docker container, grounded
// on runtime.py's DockerRuntime.
type ContainerRuntime struct {
	ContainerID string
	PathMapper  PathMapper
}

func (c ContainerRuntime) CheckCapabilities(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: docker not available: %v", ErrCapability, err)
	}
	return nil
}

func (c ContainerRuntime) Execute(ctx context.Context, argv []string, opts ExecOptions) (ExecutionResult, error) {
	return runExclusive(opts.Exclusive, func() (ExecutionResult, error) {
		dockerArgv := []string{"exec", "--user", fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid())}
		for k, v := range opts.Env {
			dockerArgv = append(dockerArgv, "-e", k+"="+v)
		}
		if opts.Cwd != "" {
			dockerArgv = append(dockerArgv, "-w", c.PathMapper.ToRuntime(opts.Cwd))
		}
		dockerArgv = append(dockerArgv, c.ContainerID)
		dockerArgv = append(dockerArgv, argv...)
		return execLocal(ctx, append([]string{"docker"}, dockerArgv...), ExecOptions{Timeout: opts.Timeout})
	})
}

// NewRuntime is the factory function from runtime.py's create_runtime():
// a ContainerRuntime if a container id is configured, else LocalRuntime.
func NewRuntime(cfg Config) Runtime {
	if cfg.ContainerID == "" {
		return LocalRuntime{}
	}
	var mapper PathMapper = identityMapper{}
	if cfg.HostRoot != "" && cfg.ContainerRoot != "" {
		mapper = newVolumeMapper(cfg.HostRoot, cfg.ContainerRoot)
	}
	return ContainerRuntime{ContainerID: cfg.ContainerID, PathMapper: mapper}
}
