package main

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// PolicyGate is an optional Rego-based authorization gate over `exec` and
// `git` invocations, keyed on the `role` field the caller sends with the
// request (the daemon does not look up any Task.Role for it).
// This is a genuine SPEC_FULL.md addition (§B): spec's "No authentication
// beyond filesystem permissions" Non-goal is about connecting to the
// socket, not about which task roles may trigger exclusive subprocess
// execution once connected. Grounded on the wider pack's policy-service,
// which evaluates Rego bundles via the same embeddable rego.New API.
type PolicyGate struct {
	query rego.PreparedEvalQuery
}

// NewPolicyGate returns nil if bundlePath is empty: the gate is entirely
// optional and fails open when absent (matching spec.md §7's "hooks fail
// open on connection errors" philosophy — absence of a policy is not an
// error condition).
func NewPolicyGate(ctx context.Context, bundlePath string) (*PolicyGate, error) {
	if bundlePath == "" {
		return nil, nil
	}
	module, err := os.ReadFile(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("read policy bundle: %w", err)
	}
	r := rego.New(
		rego.Query("data.harness.authz.allow"),
		rego.Module(bundlePath, string(module)),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile policy bundle: %w", err)
	}
	return &PolicyGate{query: query}, nil
}

// Allow evaluates data.harness.authz.allow with the given input. A nil
// gate always allows (fail-open when no policy is configured).
func (g *PolicyGate) Allow(ctx context.Context, role, command string, args []string, exclusive bool) (bool, error) {
	if g == nil {
		return true, nil
	}
	input := map[string]any{
		"role":      role,
		"command":   command,
		"args":      args,
		"exclusive": exclusive,
	}
	results, err := g.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}
	allowed, _ := results[0].Expressions[0].Value.(bool)
	return allowed, nil
}
