package grpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	fleetpb "github.com/surno/crashtracer/proto/fleet"
)

// Config holds the mTLS listener configuration for the fleet server's gRPC
// ingestion endpoint.
type Config struct {
	// Addr is the gRPC listener address. New does not read it; Serve
	// listens on the address passed to it, and ServeOnListener uses an
	// already-open listener.
	Addr string

	// CertPath/KeyPath are the server's own PEM certificate and private key.
	CertPath string
	KeyPath  string

	// CAPath is the PEM CA bundle used to verify forwarder client
	// certificates (mutual TLS).
	CAPath string
}

// Listener wraps a *grpc.Server configured with mTLS credentials and a
// registered FleetServiceServer implementation.
type Listener struct {
	grpcSrv *grpc.Server
	logger  *slog.Logger
}

// New loads the server's TLS material from cfg, builds an mTLS-enabled
// grpc.Server, and registers svc as the FleetService implementation.
func New(cfg Config, logger *slog.Logger, svc fleetpb.FleetServiceServer) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}

	creds, err := loadServerTLSCredentials(cfg)
	if err != nil {
		return nil, fmt.Errorf("load TLS credentials: %w", err)
	}

	grpcSrv := grpc.NewServer(grpc.Creds(creds))
	fleetpb.RegisterFleetServiceServer(grpcSrv, svc)

	return &Listener{grpcSrv: grpcSrv, logger: logger}, nil
}

// Serve opens a TCP listener on addr and serves until ctx is cancelled,
// at which point it initiates a graceful stop.
func (l *Listener) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return l.ServeOnListener(ctx, lis)
}

// ServeOnListener serves gRPC traffic on an already-open listener until ctx
// is cancelled. Useful for tests that bind an OS-assigned port up front.
func (l *Listener) ServeOnListener(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- l.grpcSrv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		l.grpcSrv.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

// Stop immediately terminates all in-flight RPCs and closes the listener.
func (l *Listener) Stop() {
	l.grpcSrv.Stop()
}

func loadServerTLSCredentials(cfg Config) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load server keypair: %w", err)
	}

	caPEM, err := os.ReadFile(cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle: %w", err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse CA bundle: invalid PEM")
	}

	return credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    caPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
	}), nil
}
