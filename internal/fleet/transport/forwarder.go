// Package transport implements the per-host forwarder that streams finalized
// crash summaries to the fleet aggregation server.
//
// # Overview
//
// Forwarder connects to the fleet server using mutual TLS (mTLS): the host
// presents a client certificate to prove its identity, and it verifies the
// fleet server's certificate against a trusted CA.
//
// Once connected, the forwarder:
//  1. Calls RegisterHost to exchange identity metadata and receive a
//     server-assigned host_id that is embedded in every subsequent
//     CrashSummary.
//  2. Opens the StreamCrashes bidirectional stream to push summaries.
//  3. Drains ServerAck messages from the server side of the stream in a
//     background goroutine.
//
// # Reconnection
//
// If the connection drops for any reason, Forwarder reconnects automatically
// using exponential backoff: each successive failure grows the wait
// interval by the backoff library's default multiplier (1.5, with random
// jitter applied to each wait) up to MaxBackoff. On a
// successful reconnection the backoff interval resets so a transient fault
// is not penalised on the next failure.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	fleetpb "github.com/surno/crashtracer/proto/fleet"
)

const (
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 2 * time.Minute
	defaultDialTimeout    = 30 * time.Second
)

// CrashSummary is the subset of a store.CrashReportData forwarded to the
// fleet server: enough to identify and triage the crash without shipping the
// raw register bank, stack dump, or memory maps off the originating host.
type CrashSummary struct {
	PID         uint32
	Cmd         string
	Signal      int32
	SiCode      int32
	FaultAddr   uint64
	Timestamp   time.Time
	ReportText  string
}

// Config holds the configuration for the fleet forwarder.
type Config struct {
	// FleetAddr is the "host:port" of the fleet aggregation server.
	FleetAddr string

	// CertPath, KeyPath, CAPath are PEM paths for mTLS. Required.
	CertPath string
	KeyPath  string
	CAPath   string

	// InitialBackoff is the starting interval for exponential-backoff
	// reconnection. Defaults to 1 second when zero.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential-backoff interval. Defaults to 2
	// minutes when zero.
	MaxBackoff time.Duration

	// DialTimeout limits how long the forwarder waits for the initial dial
	// and RegisterHost RPC on each connection attempt. Defaults to 30
	// seconds when zero.
	DialTimeout time.Duration

	// Hostname overrides the OS hostname sent in RegisterHost. Defaults to
	// os.Hostname() when empty.
	Hostname string

	// Platform overrides the platform string sent in RegisterHost. Defaults
	// to "GOOS/GOARCH" when empty.
	Platform string

	// AgentVersion is the crash-tracer version string sent during
	// registration.
	AgentVersion string
}

func (c *Config) applyDefaults() {
	if c.InitialBackoff == 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}
}

// Forwarder streams CrashSummary values to the fleet aggregation server over
// an mTLS-protected gRPC bidirectional stream, maintaining the connection
// with exponential-backoff reconnection.
type Forwarder struct {
	cfg    Config
	logger *slog.Logger

	creds credentials.TransportCredentials

	mu     sync.RWMutex
	stream fleetpb.FleetService_StreamCrashesClient
	hostID string

	sendMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Forwarder with the given configuration and logger. Call
// [Forwarder.Start] to begin connecting.
func New(cfg Config, logger *slog.Logger) *Forwarder {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{cfg: cfg, logger: logger}
}

// Start validates the mTLS credentials from disk, then launches a background
// goroutine that connects to the fleet server and keeps the connection
// alive. Start returns an error only if the TLS certificate files cannot be
// loaded; all connectivity failures are retried internally.
func (f *Forwarder) Start(ctx context.Context) error {
	creds, err := f.loadTLSCredentials()
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	f.creds = creds

	if f.cfg.Hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			h = "unknown"
		}
		f.cfg.Hostname = h
	}
	if f.cfg.Platform == "" {
		f.cfg.Platform = runtime.GOOS + "/" + runtime.GOARCH
	}

	connectCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	f.wg.Add(1)
	go f.connectLoop(connectCtx)

	return nil
}

// Send converts summary to a protobuf CrashSummary and writes it to the
// active StreamCrashes stream. It returns an error if the forwarder is
// currently reconnecting (no active stream); Send does not buffer or retry
// a summary it could not write.
func (f *Forwarder) Send(_ context.Context, summary CrashSummary) error {
	f.mu.RLock()
	stream := f.stream
	hostID := f.hostID
	f.mu.RUnlock()

	if stream == nil {
		return fmt.Errorf("transport: not connected to fleet server")
	}

	pb := &fleetpb.CrashSummary{
		SummaryId:   uuid.New().String(),
		HostId:      hostID,
		Pid:         summary.PID,
		Cmd:         summary.Cmd,
		Signal:      summary.Signal,
		SiCode:      summary.SiCode,
		FaultAddr:   summary.FaultAddr,
		TimestampUs: summary.Timestamp.UnixMicro(),
		ReportText:  summary.ReportText,
	}

	f.sendMu.Lock()
	defer f.sendMu.Unlock()

	f.mu.RLock()
	stream = f.stream
	f.mu.RUnlock()
	if stream == nil {
		return fmt.Errorf("transport: not connected to fleet server")
	}

	if err := stream.Send(pb); err != nil {
		return fmt.Errorf("transport: send summary: %w", err)
	}
	return nil
}

// Stop cancels the connection loop and waits for all background goroutines
// to exit. Safe to call more than once.
func (f *Forwarder) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
}

// ─── Connection loop ──────────────────────────────────────────────────────

func (f *Forwarder) connectLoop(ctx context.Context) {
	defer f.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.cfg.InitialBackoff
	b.MaxInterval = f.cfg.MaxBackoff
	b.MaxElapsedTime = 0 // retry indefinitely
	b.Reset()

	for {
		if ctx.Err() != nil {
			return
		}

		f.logger.Info("transport: connecting to fleet server", slog.String("addr", f.cfg.FleetAddr))

		wasConnected, err := f.connect(ctx)

		if ctx.Err() != nil {
			return
		}

		if wasConnected {
			b.Reset()
		}

		if err != nil {
			f.logger.Warn("transport: connection ended",
				slog.Any("error", err),
				slog.String("addr", f.cfg.FleetAddr))
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			f.logger.Error("transport: backoff exhausted; giving up")
			return
		}

		f.logger.Info("transport: will reconnect",
			slog.String("addr", f.cfg.FleetAddr),
			slog.Duration("after", wait))

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// connect performs one full connection lifecycle: dial, RegisterHost, open
// StreamCrashes, then block in drainStream until the stream closes.
func (f *Forwarder) connect(ctx context.Context) (wasConnected bool, err error) {
	conn, err := grpc.NewClient(f.cfg.FleetAddr, grpc.WithTransportCredentials(f.creds))
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", f.cfg.FleetAddr, err)
	}
	defer conn.Close()

	client := fleetpb.NewFleetServiceClient(conn)

	regCtx, regCancel := context.WithTimeout(ctx, f.cfg.DialTimeout)
	resp, err := client.RegisterHost(regCtx, &fleetpb.RegisterRequest{
		Hostname:     f.cfg.Hostname,
		Platform:     f.cfg.Platform,
		AgentVersion: f.cfg.AgentVersion,
	})
	regCancel()
	if err != nil {
		return false, fmt.Errorf("RegisterHost: %w", err)
	}

	hostID := resp.GetHostId()
	f.logger.Info("transport: host registered with fleet server",
		slog.String("host_id", hostID),
		slog.String("addr", f.cfg.FleetAddr))

	stream, err := client.StreamCrashes(ctx)
	if err != nil {
		return false, fmt.Errorf("StreamCrashes: %w", err)
	}

	f.mu.Lock()
	f.stream = stream
	f.hostID = hostID
	f.mu.Unlock()

	streamErr := f.drainStream(stream)

	f.mu.Lock()
	f.stream = nil
	f.mu.Unlock()

	if streamErr == io.EOF {
		return true, nil
	}
	return true, streamErr
}

// drainStream reads ServerAck messages from stream until it is closed by the
// server (io.EOF) or an error occurs.
func (f *Forwarder) drainStream(stream fleetpb.FleetService_StreamCrashesClient) error {
	for {
		ack, err := stream.Recv()
		if err != nil {
			return err
		}
		f.logger.Debug("transport: received server ack",
			slog.String("summary_id", ack.GetSummaryId()),
			slog.String("type", ack.GetType()))
	}
}

// ─── TLS helpers ───────────────────────────────────────────────────────────

func (f *Forwarder) loadTLSCredentials() (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(f.cfg.CertPath, f.cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load host cert/key (%s, %s): %w", f.cfg.CertPath, f.cfg.KeyPath, err)
	}

	caPEM, err := os.ReadFile(f.cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert %s: %w", f.cfg.CAPath, err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse CA cert from %s: no certificates found", f.cfg.CAPath)
	}

	serverName, _, splitErr := net.SplitHostPort(f.cfg.FleetAddr)
	if splitErr != nil {
		serverName = f.cfg.FleetAddr
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      caPool,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}

	return credentials.NewTLS(tlsCfg), nil
}
