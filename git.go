package main

import (
	"context"
	"fmt"
	"strings"
)

// deniedGitFlags is spec §4.7's deny-list: options that would permit
// arbitrary command execution via git's configuration/transport hooks.
// Confirmed absent from original_source/src/harness/git.py and its tests
// (see DESIGN.md) — this is a fresh spec-level addition, implemented
// against spec.md's literal text rather than adapted from existing logic.
var deniedGitFlags = []string{"-c", "--config", "--upload-pack", "--exec", "--receive-pack"}

// checkGitArgs rejects any argument matching a denied flag, including its
// "=value" form, before a subprocess is ever spawned (P10).
func checkGitArgs(args []string) error {
	for _, a := range args {
		for _, denied := range deniedGitFlags {
			if a == denied || strings.HasPrefix(a, denied+"=") {
				return fmt.Errorf("%w: git option %q is not permitted", ErrValidation, denied)
			}
		}
	}
	return nil
}

// GitWrapper is a thin adapter over the execution runtime for git
// invocations, grounded on original_source's git.py.
type GitWrapper struct {
	runtime Runtime
}

func NewGitWrapper(runtime Runtime) *GitWrapper {
	return &GitWrapper{runtime: runtime}
}

// Exec runs `git <args>` under the exec mutex unless readOnly is set, in
// which case it opts out (read-only git operations don't contend on
// .git/index, per spec §4.7).
func (g *GitWrapper) Exec(ctx context.Context, args []string, cwd string, readOnly bool) (ExecutionResult, error) {
	if err := checkGitArgs(args); err != nil {
		return ExecutionResult{}, err
	}
	argv := append([]string{"git"}, args...)
	return g.runtime.Execute(ctx, argv, ExecOptions{Cwd: cwd, Exclusive: !readOnly})
}

// SafeCommit runs `git add -A` then `git commit -m <message>` under a
// single exec-mutex acquisition, returning early on an `add` failure so
// no other caller can mutate the index between the two operations.
func (g *GitWrapper) SafeCommit(ctx context.Context, cwd, message string) (ExecutionResult, error) {
	if err := checkGitArgs([]string{message}); err != nil {
		return ExecutionResult{}, err
	}
	var result ExecutionResult
	_, err := runExclusive(true, func() (ExecutionResult, error) {
		addResult, err := execLocal(ctx, []string{"git", "add", "-A"}, ExecOptions{Cwd: cwd})
		if err != nil || addResult.ReturnCode != 0 {
			result = addResult
			return addResult, err
		}
		commitResult, err := execLocal(ctx, []string{"git", "commit", "-m", message}, ExecOptions{Cwd: cwd})
		result = commitResult
		return commitResult, err
	})
	return result, err
}

// HeadSHA returns the current HEAD commit SHA, or "" if it cannot be
// determined, grounded on git.py's get_head_sha. Used by the maintenance
// scheduler to tag sweep events (SPEC_FULL.md §C).
func (g *GitWrapper) HeadSHA(ctx context.Context, cwd string) string {
	res, err := g.Exec(ctx, []string{"rev-parse", "HEAD"}, cwd, true)
	if err != nil || res.ReturnCode != 0 {
		return ""
	}
	return strings.TrimSpace(res.Stdout)
}
