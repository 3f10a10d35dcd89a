package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// TrajectoryLogger is an append-only JSONL event log with an O(k)
// reverse-seek tail reader, grounded on original_source's trajectory.py.
type TrajectoryLogger struct {
	mu   sync.Mutex
	path string
}

func NewTrajectoryLogger(path string) *TrajectoryLogger {
	return &TrajectoryLogger{path: path}
}

// Log encodes event as a single JSON line and appends it durably: flush +
// fsync, per spec §4.2 (stronger than the original Python revision, which
// omits an explicit fsync — spec.md is authoritative where they conflict).
// A "correlation_id" field is injected if absent, for cross-event tracing.
func (l *TrajectoryLogger) Log(event map[string]any) error {
	if _, ok := event["correlation_id"]; !ok {
		event["correlation_id"] = uuid.NewString()
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode trajectory event: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create trajectory directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open trajectory log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append trajectory event: %w", err)
	}
	return f.Sync()
}

const (
	tailBlockSize = 4096
	tailMaxBytes  = 1 << 20 // 1 MiB
)

// Tail returns at most the last n well-formed events, newest last, in
// O(k) time independent of file length. Algorithm per trajectory.py's
// _tail_reverse_seek: seek to the end, read fixed-size blocks backward,
// stop once n+1 newlines have been seen, the start of file is reached, or
// max_bytes have been accumulated.
func (l *TrajectoryLogger) Tail(n int) ([]map[string]any, error) {
	if n <= 0 {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open trajectory log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat trajectory log: %w", err)
	}

	position := info.Size()
	var buffer []byte
	newlines := 0
	for position > 0 && newlines <= n && int64(len(buffer)) < tailMaxBytes {
		readSize := int64(tailBlockSize)
		if readSize > position {
			readSize = position
		}
		position -= readSize
		block := make([]byte, readSize)
		if _, err := f.ReadAt(block, position); err != nil {
			return nil, fmt.Errorf("read trajectory log: %w", err)
		}
		newlines += bytes.Count(block, []byte("\n"))
		buffer = append(block, buffer...)
	}

	lines := bytes.Split(buffer, []byte("\n"))
	events := make([]map[string]any, 0, n)
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		var event map[string]any
		if err := json.Unmarshal(line, &event); err != nil {
			// Corrupt or non-UTF-8 lines are tolerated: skipped.
			continue
		}
		events = append(events, event)
	}
	if len(events) > n {
		events = events[len(events)-n:]
	}
	return events, nil
}
