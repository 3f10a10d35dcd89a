package main

import (
	"path/filepath"
	"testing"
)

func TestMintWorkerIDShape(t *testing.T) {
	id, err := MintWorkerID()
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if !looksLikeMintedWorkerID(id) {
		t.Fatalf("expected minted id to match the expected shape, got %s", id)
	}
}

func TestLoadOrMintWorkerIDPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.id")
	first, err := LoadOrMintWorkerID(path)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	second, err := LoadOrMintWorkerID(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if first != second {
		t.Fatalf("expected persisted worker id to be reused, got %s then %s", first, second)
	}
}

func TestLoadOrMintWorkerIDIgnoresCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.id")
	if err := writeAtomic(path, []byte("not-a-worker-id")); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}
	id, err := LoadOrMintWorkerID(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !looksLikeMintedWorkerID(id) {
		t.Fatalf("expected a freshly minted id to replace corrupt content, got %s", id)
	}
}
