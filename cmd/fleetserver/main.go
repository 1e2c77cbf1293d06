// Command fleetserver is the optional crash-tracer fleet aggregation
// dashboard. It loads a YAML listener configuration, opens a PostgreSQL
// connection pool, starts the mTLS-secured gRPC crash-ingestion service,
// exposes a JWT-gated REST API plus a WebSocket live feed over HTTP, and
// shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/surno/crashtracer/internal/fleet"
	fleetgrpc "github.com/surno/crashtracer/internal/fleet/grpc"
	"github.com/surno/crashtracer/internal/fleet/rest"
	"github.com/surno/crashtracer/internal/fleet/storage"
	fleetws "github.com/surno/crashtracer/internal/fleet/websocket"
)

func main() {
	configPath := flag.String("config", "/etc/crashtracer/fleetserver.yaml", "Path to the fleet server's YAML listener config")
	flag.Parse()

	cfg, err := fleet.LoadListenerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetserver: load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	tp, err := rest.NewStdoutTracerProvider()
	if err != nil {
		logger.Error("failed to create trace provider", slog.Any("error", err))
		os.Exit(1)
	}
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	logger.Info("fleet server starting",
		slog.String("grpc_addr", cfg.GRPCAddr),
		slog.String("http_addr", cfg.HTTPAddr),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── PostgreSQL storage ──────────────────────────────────────────────
	var store *storage.Store
	if cfg.DSN != "" {
		store, err = storage.New(ctx, cfg.DSN, 0, 0)
		if err != nil {
			logger.Error("failed to open storage", slog.Any("error", err))
			os.Exit(1)
		}
		defer store.Close(context.Background())
		logger.Info("PostgreSQL storage connected")
	} else {
		logger.Warn("no DSN configured; storage layer disabled (dev mode)")
	}

	// ── WebSocket broadcaster ────────────────────────────────────────────
	broadcaster := fleetws.NewBroadcaster(logger, 0)
	defer broadcaster.Close()
	wsHandler := fleetws.NewHandler(broadcaster, logger, 0)

	// ── gRPC crash-ingestion server (mTLS) ───────────────────────────────
	ingestSrv := fleetgrpc.NewServer(store, broadcaster, logger)

	grpcListener, err := fleetgrpc.New(fleetgrpc.Config{
		Addr:     cfg.GRPCAddr,
		CertPath: cfg.TLSCertPath,
		KeyPath:  cfg.TLSKeyPath,
		CAPath:   cfg.TLSCAPath,
	}, logger, ingestSrv)
	if err != nil {
		logger.Error("failed to create gRPC listener", slog.Any("error", err))
		os.Exit(1)
	}

	// ── REST + WebSocket dashboard API ───────────────────────────────────
	var pubKey *rsa.PublicKey
	if cfg.JWTPublicKeyPath != "" {
		pem, err := os.ReadFile(cfg.JWTPublicKeyPath)
		if err != nil {
			logger.Error("failed to read JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		pubKey, err = rest.ParseRSAPublicKey(pem)
		if err != nil {
			logger.Error("failed to parse JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("JWT validation enabled")
	} else {
		logger.Warn("jwt_pubkey not configured; REST API authentication disabled (dev mode)")
	}

	var restStore rest.Store
	if store != nil {
		restStore = store
	}
	restSrv := rest.NewServer(restStore)
	mux := http.NewServeMux()
	mux.Handle("/", rest.NewRouter(restSrv, pubKey))
	mux.Handle("/ws", wsHandler)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ── Start servers ─────────────────────────────────────────────────

	grpcErrCh := make(chan error, 1)
	go func() {
		grpcErrCh <- grpcListener.Serve(ctx, cfg.GRPCAddr)
	}()

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP dashboard server listening", slog.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- fmt.Errorf("HTTP server: %w", err)
		}
		close(httpErrCh)
	}()

	// ── Wait for shutdown signal or fatal error ──────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-grpcErrCh:
		if err != nil {
			logger.Error("gRPC server error", slog.Any("error", err))
		}
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("HTTP server error", slog.Any("error", err))
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────
	logger.Info("shutting down fleet server")
	cancel() // signals the gRPC listener to begin a graceful stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}

	select {
	case err := <-grpcErrCh:
		if err != nil {
			logger.Warn("gRPC server drain error", slog.Any("error", err))
		}
	case <-shutdownCtx.Done():
		logger.Warn("gRPC graceful stop timed out; forcing stop")
		grpcListener.Stop()
	}

	logger.Info("fleet server exited cleanly")
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
