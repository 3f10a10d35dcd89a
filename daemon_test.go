package main

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
)

func newTestDaemon(t *testing.T) (*Daemon, Config) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available in PATH")
	}
	dir := t.TempDir()
	cfg := Config{
		SocketPath:    filepath.Join(dir, "daemon.sock"),
		WorkspaceRoot: dir,
		RegistryFile:  filepath.Join(dir, "registry.json"),
		WorkerIDFile:  filepath.Join(dir, "worker.id"),
		MaintenanceCron: "@every 1h",
	}
	d, err := NewDaemon(cfg, noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("construct daemon: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("start daemon: %v", err)
	}
	t.Cleanup(d.Shutdown)
	return d, cfg
}

func sendRequest(t *testing.T, socketPath string, req map[string]any) response {
	t.Helper()
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	line, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	line = append(line, '\n')
	if _, err := conn.Write(line); err != nil {
		t.Fatalf("write request: %v", err)
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var resp response
	if err := json.Unmarshal([]byte(reply), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestDaemonPing(t *testing.T) {
	_, cfg := newTestDaemon(t)
	resp := sendRequest(t, cfg.SocketPath, map[string]any{"command": "ping"})
	if resp.Status != "ok" {
		t.Fatalf("expected ok status, got %+v", resp)
	}
}

func TestDaemonUnknownCommand(t *testing.T) {
	_, cfg := newTestDaemon(t)
	resp := sendRequest(t, cfg.SocketPath, map[string]any{"command": "does_not_exist"})
	if resp.Status != "error" {
		t.Fatalf("expected error status for unknown command, got %+v", resp)
	}
}

func TestDaemonPlanImportThenClaim(t *testing.T) {
	_, cfg := newTestDaemon(t)
	resp := sendRequest(t, cfg.SocketPath, map[string]any{"command": "plan_import", "content": Template()})
	if resp.Status != "ok" {
		t.Fatalf("plan_import failed: %+v", resp)
	}

	claim := sendRequest(t, cfg.SocketPath, map[string]any{"command": "task_claim", "worker_id": "worker-test"})
	if claim.Status != "ok" {
		t.Fatalf("task_claim failed: %+v", claim)
	}
}

func TestDaemonSecondInstanceFailsToAcquireLock(t *testing.T) {
	d, cfg := newTestDaemon(t)
	second, err := NewDaemon(cfg, noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("construct second daemon: %v", err)
	}
	if err := second.Start(); err == nil {
		t.Fatal("expected second daemon instance to fail acquiring the single-instance lock")
	}
	_ = d
}

func TestDaemonShutdownRemovesSocket(t *testing.T) {
	d, cfg := newTestDaemon(t)
	d.Shutdown()
	if _, err := os.Stat(cfg.SocketPath); !os.IsNotExist(err) {
		t.Fatalf("expected socket file to be removed after shutdown, stat err: %v", err)
	}
}
