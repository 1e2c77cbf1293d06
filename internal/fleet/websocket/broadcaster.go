// Package websocket provides the in-process WebSocket broadcaster for the
// fleet server. The Broadcaster fans newly ingested crash summaries out to
// all currently-connected dashboard clients without blocking the gRPC
// ingestion goroutine.
//
// Design notes
//
//   - Each WebSocket client has a dedicated buffered channel of JSON-encoded
//     crash messages. A non-blocking send is used so that a slow or
//     disconnected client never applies back-pressure to the StreamCrashes
//     goroutine.
//   - Named clients are tracked in a sync.Map keyed by client ID to allow
//     concurrent reads without a global lock on the hot broadcast path.
package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/surno/crashtracer/internal/fleet/storage"
)

// CrashData holds the structured crash payload sent to dashboard clients as
// part of a CrashMessage envelope.
type CrashData struct {
	SummaryID string `json:"summary_id"`
	HostID    string `json:"host_id"`
	PID       uint32 `json:"pid"`
	Cmd       string `json:"cmd"`
	Signal    int32  `json:"signal"`
	Timestamp string `json:"timestamp"`
}

// CrashMessage is the top-level JSON envelope pushed to dashboard WebSocket
// clients. Type is always "crash" for crash events.
type CrashMessage struct {
	Type string    `json:"type"`
	Data CrashData `json:"data"`
}

// Client represents a single connected WebSocket client. It is created by
// Broadcaster.Register and is valid until Broadcaster.Unregister is called.
type Client struct {
	id      string
	send    chan []byte
	Dropped atomic.Int64 // incremented when the send buffer is full
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Send returns a receive-only channel on which JSON-encoded crash frames are
// delivered. The channel is closed when the client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// Broadcaster fans crash events out to all currently-connected WebSocket
// clients. It is safe for concurrent use.
type Broadcaster struct {
	clients   sync.Map // map[string]*Client
	clientCnt atomic.Int64

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBroadcaster creates a Broadcaster. bufSize is the per-client channel
// buffer depth; 0 uses the default of 64.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{bufSize: bufSize, logger: logger}
}

// Register creates a new Client with the given id, stores it in the
// broadcaster, and returns a pointer to it. The caller must call
// Unregister(id) to release resources when the client disconnects.
func (b *Broadcaster) Register(id string) *Client {
	c := &Client{id: id, send: make(chan []byte, b.bufSize)}
	if b.closed.Load() {
		close(c.send)
		return c
	}
	b.clients.Store(id, c)
	b.clientCnt.Add(1)
	return c
}

// Unregister removes the client with id from the broadcaster and closes its
// Send channel. A no-op for an unknown id.
func (b *Broadcaster) Unregister(id string) {
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		c := v.(*Client)
		close(c.send)
		b.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of currently registered WebSocket clients.
func (b *Broadcaster) ClientCount() int { return int(b.clientCnt.Load()) }

// Broadcast marshals msg to JSON and delivers the payload to every
// registered client using a non-blocking send. A full client buffer drops
// the message and increments that client's Dropped counter.
func (b *Broadcaster) Broadcast(msg CrashMessage) {
	if b.closed.Load() {
		return
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("websocket broadcaster: marshal failed", slog.Any("error", err))
		return
	}

	b.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		select {
		case c.send <- raw:
		default:
			c.Dropped.Add(1)
			b.logger.Warn("websocket broadcaster: client buffer full, dropping crash", slog.String("client_id", c.id))
		}
		return true
	})
}

// Publish converts a crash summary into a CrashMessage and broadcasts it.
func (b *Broadcaster) Publish(c storage.CrashSummary) {
	b.Broadcast(CrashMessage{
		Type: "crash",
		Data: CrashData{
			SummaryID: c.SummaryID,
			HostID:    c.HostID,
			PID:       c.PID,
			Cmd:       c.Cmd,
			Signal:    c.Signal,
			Timestamp: c.Timestamp.UTC().Format(time.RFC3339),
		},
	})
}

// Close removes all registered clients, closes every channel, and releases
// internal resources. After Close returns, Broadcast and Publish are no-ops.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.clients.Range(func(key, value any) bool {
			b.clients.Delete(key)
			c := value.(*Client)
			close(c.send)
			b.clientCnt.Add(-1)
			return true
		})
	})
}
