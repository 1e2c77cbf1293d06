// Command crashtracer is the crash tracer binary. It attaches the kernel
// capture plane (three tracepoints sharing a ring buffer and two side
// maps), runs the single-consumer correlator, and persists crash reports
// to the configured output directory until interrupted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/surno/crashtracer/internal/audit"
	"github.com/surno/crashtracer/internal/capture"
	"github.com/surno/crashtracer/internal/config"
	"github.com/surno/crashtracer/internal/correlator"
	"github.com/surno/crashtracer/internal/eventsource"
	"github.com/surno/crashtracer/internal/procstate"
	"github.com/surno/crashtracer/internal/store"
)

// healthzAddr is the listener address for the tracer's /healthz endpoint.
// Fixed rather than flag-configurable: spec.md's CLI surface for this
// binary is deliberately limited to --output-dir/--verbose.
const healthzAddr = "127.0.0.1:9090"

func main() {
	cfg, err := config.ParseTracerFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "crash-tracer: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Verbose)
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		logger.Error("failed to create output directory", slog.String("path", cfg.OutputDir), slog.Any("error", err))
		os.Exit(1)
	}

	if err := bumpMemlockRlimit(); err != nil {
		logger.Warn("failed to raise RLIMIT_MEMLOCK, continuing with the current limit", slog.Any("error", err))
	}

	dbPath := filepath.Join(cfg.OutputDir, "crash-tracer.db")
	st, err := store.Open(dbPath)
	if err != nil {
		logger.Error("failed to open crash store", slog.String("path", dbPath), slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	auditPath := filepath.Join(cfg.OutputDir, "audit.log")
	auditLogger, err := audit.Open(auditPath)
	if err != nil {
		logger.Error("failed to open audit log", slog.String("path", auditPath), slog.Any("error", err))
		os.Exit(1)
	}
	defer auditLogger.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cp := capture.New(logger)
	if err := cp.Start(ctx); err != nil {
		logger.Error("failed to attach kernel capture plane", slog.Any("error", err))
		os.Exit(1)
	}

	src := eventsource.New(cp, logger)
	cache := procstate.New(logger)

	corr := correlator.New(src, cache, st, cp, cfg.OutputDir,
		correlator.WithLogger(logger),
		correlator.WithAuditLogger(auditLogger),
	)
	corr.Start(ctx)

	healthzMux := http.NewServeMux()
	healthzMux.Handle("/healthz", corr.HealthzHandler())
	healthzSrv := &http.Server{Addr: healthzAddr, Handler: healthzMux}
	go func() {
		if err := healthzSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("healthz server error", slog.Any("error", err))
		}
	}()
	defer healthzSrv.Close()

	logger.Info("crash tracer started",
		slog.String("output_dir", cfg.OutputDir),
		slog.Bool("verbose", cfg.Verbose),
		slog.String("healthz_addr", healthzAddr),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	// Detach the kernel programs before stopping the correlator so no new
	// events arrive mid-shutdown, then let the correlator drain and exit.
	cp.Stop()
	corr.Stop()

	logger.Info("crash tracer exited cleanly")
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr, at debug level when verbose is set.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
