package main

import (
	"path/filepath"
	"testing"
)

func TestHashForPathStable(t *testing.T) {
	a := HashForPath("/workspace/one")
	b := HashForPath("/workspace/one")
	if a != b {
		t.Fatalf("expected stable hash, got %s vs %s", a, b)
	}
	if len(a) != 16 {
		t.Fatalf("expected 16-hex-char hash, got %d chars", len(a))
	}
	if a == HashForPath("/workspace/two") {
		t.Fatal("expected distinct paths to hash differently")
	}
}

func TestRegisterAndListProjects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	r := NewProjectRegistry(path)

	hash, err := r.Register("/workspace/project-a")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	projects, err := r.ListProjects()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	entry, ok := projects[hash]
	if !ok {
		t.Fatalf("expected registered project under hash %s", hash)
	}
	if entry.Path == "" {
		t.Fatal("expected a non-empty recorded path")
	}
}
