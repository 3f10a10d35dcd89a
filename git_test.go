package main

import (
	"context"
	"errors"
	"os/exec"
	"testing"
)

func TestCheckGitArgsRejectsDeniedFlags(t *testing.T) {
	if err := checkGitArgs([]string{"-c", "core.fsync=false", "commit"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for -c, got %v", err)
	}
	if err := checkGitArgs([]string{"--upload-pack=evil"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for --upload-pack=, got %v", err)
	}
	if err := checkGitArgs([]string{"status"}); err != nil {
		t.Fatalf("expected status to be allowed, got %v", err)
	}
}

func TestGitWrapperExecRejectsDeniedArgsBeforeSpawning(t *testing.T) {
	g := NewGitWrapper(LocalRuntime{})
	if _, err := g.Exec(context.Background(), []string{"--exec=rm -rf /"}, t.TempDir(), true); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestHeadSHAEmptyOutsideRepo(t *testing.T) {
	g := NewGitWrapper(LocalRuntime{})
	dir := t.TempDir()
	if sha := g.HeadSHA(context.Background(), dir); sha != "" {
		t.Fatalf("expected empty HEAD sha outside a git repo, got %q", sha)
	}
}

func TestGitWrapperExecRunsGitVersion(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available in PATH")
	}
	g := NewGitWrapper(LocalRuntime{})
	result, err := g.Exec(context.Background(), []string{"--version"}, t.TempDir(), true)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if result.ReturnCode != 0 {
		t.Fatalf("expected exit 0, got %d", result.ReturnCode)
	}
}
