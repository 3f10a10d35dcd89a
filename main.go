package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/pproenca/hyh/internal/logging"
	"github.com/pproenca/hyh/internal/otelinit"
)

// main wires every subsystem and blocks until SIGTERM/SIGINT, grounded on
// the teacher's main.go: signal.NotifyContext-driven graceful shutdown and
// otelinit's tracer/meter provider lifecycle, generalised from an HTTP
// server's ListenAndServe/Shutdown pair to the Unix-socket daemon's
// Serve/Shutdown pair.
func main() {
	const service = "hyh"

	cfg, err := LoadConfig()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logging.Init(service))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, _, _ := otelinit.InitMetrics(ctx, service)
	meter := otel.GetMeterProvider().Meter(service)

	daemon, err := NewDaemon(cfg, meter)
	if err != nil {
		slog.Error("construct daemon", "error", err)
		os.Exit(1)
	}
	if err := daemon.Start(); err != nil {
		slog.Error("start daemon", "error", err)
		os.Exit(1)
	}
	go daemon.Serve()

	slog.Info("daemon started", "socket", cfg.SocketPath, "workspace", cfg.WorkspaceRoot)
	<-ctx.Done()
	slog.Info("shutdown initiated")

	daemon.Shutdown()

	ctxSd, cancelSd := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelSd()
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	slog.Info("shutdown complete")
}
