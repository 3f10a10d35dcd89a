package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// Config gathers every environment-driven setting the daemon reads at
// startup, following the teacher's getEnvDefault convention (task_executor.go)
// rather than a flags/viper layer.
type Config struct {
	SocketPath       string
	WorkspaceRoot    string
	RegistryFile     string
	WorkerIDFile     string
	ContainerID      string
	HostRoot         string
	ContainerRoot    string
	NATSURL          string
	MaintenanceCron  string
	PolicyBundlePath string
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// LoadConfig reads configuration from the environment, applying the same
// defaults spec.md §6 documents for the socket, registry, and state paths.
func LoadConfig() (Config, error) {
	workspace := getEnvDefault("HYH_WORKSPACE", "")
	if workspace == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("determine workspace root: %w", err)
		}
		workspace = wd
	}

	runtimeDir := getEnvDefault("XDG_RUNTIME_DIR", "/tmp")
	user := getEnvDefault("USER", "default")
	defaultSocket := filepath.Join(runtimeDir, fmt.Sprintf("harness-%s.sock", user))

	home, _ := os.UserHomeDir()
	defaultRegistry := filepath.Join(home, ".harness", "registry.json")

	defaultWorkerIDFile := filepath.Join(runtimeDir, fmt.Sprintf("harness-worker-%s.id", user))

	return Config{
		SocketPath:       getEnvDefault("HYH_SOCKET_PATH", defaultSocket),
		WorkspaceRoot:    workspace,
		RegistryFile:     getEnvDefault("HYH_REGISTRY_FILE", defaultRegistry),
		WorkerIDFile:     getEnvDefault("HYH_WORKER_ID_FILE", defaultWorkerIDFile),
		ContainerID:      os.Getenv("HYH_CONTAINER_ID"),
		HostRoot:         os.Getenv("HYH_HOST_ROOT"),
		ContainerRoot:    os.Getenv("HYH_CONTAINER_ROOT"),
		NATSURL:          os.Getenv("HYH_NATS_URL"),
		MaintenanceCron:  getEnvDefault("HYH_MAINTENANCE_CRON", "@every 30s"),
		PolicyBundlePath: os.Getenv("HYH_POLICY_BUNDLE"),
	}, nil
}

// StateFilePath returns <workspace>/.claude/dev-workflow-state.json.
func (c Config) StateFilePath() string {
	return filepath.Join(c.WorkspaceRoot, ".claude", "dev-workflow-state.json")
}

// TrajectoryFilePath returns <workspace>/.claude/trajectory.jsonl.
func (c Config) TrajectoryFilePath() string {
	return filepath.Join(c.WorkspaceRoot, ".claude", "trajectory.jsonl")
}

// LockPath returns the sibling flock path for a given file path.
func LockPath(p string) string {
	return p + ".lock"
}
