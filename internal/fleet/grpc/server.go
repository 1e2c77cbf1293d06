// Package grpc implements the fleet server's crash-summary ingestion
// endpoint: FleetService, as defined in proto/fleet.proto.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	fleetpb "github.com/surno/crashtracer/proto/fleet"

	"github.com/surno/crashtracer/internal/fleet/storage"
)

// Store is the persistence dependency StreamCrashes and RegisterHost write
// through to. Implemented by *fleet/storage.Store.
type Store interface {
	UpsertHost(ctx context.Context, h storage.Host) (string, error)
	BatchInsertCrashes(ctx context.Context, c storage.CrashSummary) error
}

// Broadcaster fans a persisted crash summary out to connected dashboard
// WebSocket clients. Implemented by *fleet/websocket.Broadcaster.
type Broadcaster interface {
	Publish(c storage.CrashSummary)
}

// Server implements fleetpb.FleetServiceServer.
type Server struct {
	fleetpb.UnimplementedFleetServiceServer

	store       Store
	broadcaster Broadcaster
	logger      *slog.Logger
}

// NewServer constructs a Server. broadcaster may be nil, in which case
// ingested crashes are persisted but not fanned out to dashboard clients.
func NewServer(store Store, broadcaster Broadcaster, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: store, broadcaster: broadcaster, logger: logger}
}

// RegisterHost upserts the calling agent's host record and returns its
// effective, stable host ID plus the server's current time for clock-skew
// diagnostics.
func (s *Server) RegisterHost(ctx context.Context, req *fleetpb.RegisterRequest) (*fleetpb.RegisterResponse, error) {
	if req.GetHostname() == "" {
		return nil, status.Error(codes.InvalidArgument, "hostname is required")
	}

	now := time.Now().UTC()
	hostID, err := s.store.UpsertHost(ctx, storage.Host{
		HostID:       req.GetHostname(),
		Hostname:     req.GetHostname(),
		Platform:     req.GetPlatform(),
		AgentVersion: req.GetAgentVersion(),
		LastSeen:     &now,
		Status:       storage.HostStatusOnline,
	})
	if err != nil {
		s.logger.Error("grpc: register host failed", slog.String("hostname", req.GetHostname()), slog.Any("error", err))
		return nil, status.Errorf(codes.Internal, "register host: %v", err)
	}

	s.logger.Info("grpc: host registered", slog.String("hostname", req.GetHostname()), slog.String("host_id", hostID))
	return &fleetpb.RegisterResponse{
		HostId:       hostID,
		ServerTimeUs: now.UnixMicro(),
	}, nil
}

// StreamCrashes receives a long-lived stream of crash summaries from one
// forwarder, persisting and broadcasting each and ACKing (or NACKing) it in
// turn. The stream ends cleanly on client EOF or context cancellation.
func (s *Server) StreamCrashes(stream fleetpb.FleetService_StreamCrashesServer) error {
	ctx := stream.Context()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return status.Errorf(codes.Aborted, "recv: %v", err)
		}

		ack := s.handleCrash(ctx, msg)
		if err := stream.Send(ack); err != nil {
			return status.Errorf(codes.Aborted, "send ack: %v", err)
		}
	}
}

func (s *Server) handleCrash(ctx context.Context, msg *fleetpb.CrashSummary) *fleetpb.ServerAck {
	if msg.GetSummaryId() == "" || msg.GetHostId() == "" {
		return &fleetpb.ServerAck{SummaryId: msg.GetSummaryId(), Type: "error", Detail: "summary_id and host_id are required"}
	}

	summary := storage.CrashSummary{
		SummaryID:  msg.GetSummaryId(),
		HostID:     msg.GetHostId(),
		PID:        msg.GetPid(),
		Cmd:        msg.GetCmd(),
		Signal:     msg.GetSignal(),
		SiCode:     msg.GetSiCode(),
		FaultAddr:  msg.GetFaultAddr(),
		Timestamp:  time.UnixMicro(msg.GetTimestampUs()).UTC(),
		ReportText: msg.GetReportText(),
		ReceivedAt: time.Now().UTC(),
	}

	if err := s.store.BatchInsertCrashes(ctx, summary); err != nil {
		s.logger.Error("grpc: persist crash summary failed",
			slog.String("summary_id", summary.SummaryID), slog.Any("error", err))
		return &fleetpb.ServerAck{SummaryId: summary.SummaryID, Type: "error", Detail: fmt.Sprintf("persist: %v", err)}
	}

	if s.broadcaster != nil {
		s.broadcaster.Publish(summary)
	}

	return &fleetpb.ServerAck{SummaryId: summary.SummaryID, Type: "ack"}
}
