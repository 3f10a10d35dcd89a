package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	nats "github.com/nats-io/nats.go"

	"github.com/pproenca/hyh/internal/natsctx"
	"github.com/pproenca/hyh/internal/resilience"
)

// TelemetryEmitter is a queue-based, non-blocking fire-and-forget event
// emitter. Grounded on original_source's acp.py (bounded queue drained by
// a dedicated goroutine; producer never blocks; a connect/send failure
// disables the emitter after one warning), with the transport replaced by
// NATS (internal/natsctx, itself adapted from libs/go/core/natsctx.go)
// since the literal ACP TCP forwarder is named out of scope by spec §1
// but the general fire-and-forget contract is required by §4.5/§9.
type TelemetryEmitter struct {
	subject  string
	url      string
	queue    chan map[string]any
	disabled chan struct{}
	once     sync.Once
	limiter  *resilience.HybridRateLimiter
	conn     *nats.Conn
}

// NewTelemetryEmitter returns nil if url is empty: telemetry is entirely
// optional, matching spec.md's "optional telemetry emitter" framing. A
// nil *TelemetryEmitter is safe to call Emit/Close on (no-ops).
func NewTelemetryEmitter(url, workspaceHash string) *TelemetryEmitter {
	if url == "" {
		return nil
	}
	e := &TelemetryEmitter{
		subject:  fmt.Sprintf("harness.events.%s", workspaceHash),
		url:      url,
		queue:    make(chan map[string]any, 1024),
		disabled: make(chan struct{}),
		// Bursts of claim/complete/exec events during a thundering-herd of
		// workers are smoothed rather than flooding the NATS connection.
		limiter: resilience.NewHybridRateLimiter(64, 32, 256, 10*time.Millisecond),
	}
	go e.run()
	return e
}

// Emit pushes entry onto the queue and returns immediately. Strictly
// non-blocking: a disabled emitter silently drops the event, and a full
// queue drops it with a warning log, matching acp.py's emit().
func (e *TelemetryEmitter) Emit(entry map[string]any) {
	if e == nil {
		return
	}
	select {
	case <-e.disabled:
		return
	default:
	}
	select {
	case e.queue <- entry:
	default:
		slog.Warn("telemetry queue full, dropping event")
	}
}

func (e *TelemetryEmitter) connect(ctx context.Context) error {
	op := func() error {
		nc, err := nats.Connect(e.url, nats.Timeout(2*time.Second))
		if err != nil {
			return err
		}
		e.conn = nc
		return nil
	}
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	return backoff.Retry(op, bo)
}

func (e *TelemetryEmitter) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := e.connect(ctx); err != nil {
		cancel()
		slog.Warn("telemetry: NATS not available, disabling emitter", "url", e.url, "error", err)
		e.once.Do(func() { close(e.disabled) })
		return
	}
	cancel()
	defer e.conn.Close()
	defer e.limiter.Stop()

	for entry := range e.queue {
		select {
		case <-e.disabled:
			return
		default:
		}
		if err := e.limiter.Wait(context.Background()); err != nil {
			continue
		}
		data, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		if err := natsctx.Publish(context.Background(), e.conn, e.subject, data); err != nil {
			slog.Warn("telemetry: publish failed, disabling emitter", "error", err)
			e.once.Do(func() { close(e.disabled) })
			return
		}
	}
}

// Close stops the background worker. Matches acp.py's close().
func (e *TelemetryEmitter) Close() {
	if e == nil {
		return
	}
	close(e.queue)
}
