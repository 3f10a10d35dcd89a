package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// workerIDPrefix and the fixed total length ("worker-" + 12 hex chars)
// mirror client.py's format validation, even though the CLI client itself
// is out of scope — the daemon documents and can mint the same shape
// (SPEC_FULL.md §C).
const (
	workerIDPrefix = "worker-"
	workerIDLength = len(workerIDPrefix) + 12
)

// looksLikeMintedWorkerID reports whether id matches the client's
// generated shape; callers accept any non-empty trimmed id regardless
// (spec §4.4.4 only requires non-empty), this is purely descriptive.
func looksLikeMintedWorkerID(id string) bool {
	return strings.HasPrefix(id, workerIDPrefix) && len(id) == workerIDLength
}

// MintWorkerID generates a new "worker-<12 hex chars>" id, grounded on
// client.py's get_worker_id.
func MintWorkerID() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate worker id: %w", err)
	}
	return workerIDPrefix + hex.EncodeToString(buf), nil
}

// LoadOrMintWorkerID reads a persisted worker id from path, or mints and
// atomically persists a new one if absent/corrupt/unwritable — matching
// client.py's atomic tmp+fsync+rename write, falling back to an
// ephemeral id if persistence fails (e.g. a read-only filesystem) so the
// caller stays usable even when stateful restart is broken.
func LoadOrMintWorkerID(path string) (string, error) {
	if data, err := os.ReadFile(path); err == nil {
		id := strings.TrimSpace(string(data))
		if looksLikeMintedWorkerID(id) {
			return id, nil
		}
	}
	id, err := MintWorkerID()
	if err != nil {
		return "", err
	}
	_ = writeAtomic(path, []byte(id))
	return id, nil
}
