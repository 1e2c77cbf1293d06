// Non-Linux stub: the kernel capture plane requires Linux tracepoints and
// the bpf(2)/perf_event_open(2) syscalls, neither of which exist on other
// platforms. This file keeps the package API-compatible so the rest of the
// tree (and its tests) builds everywhere; Start always fails.
//
//go:build !linux

package capture

import (
	"context"
	"errors"
	"log/slog"

	"github.com/surno/crashtracer/internal/abi"
)

// ErrNotSupported is returned by Start on non-Linux platforms.
var ErrNotSupported = errors.New("capture: kernel tracepoint capture requires Linux")

// Capture is an API-compatible stub on non-Linux platforms.
type Capture struct {
	frames chan []byte
}

// New creates a stub Capture. logger is accepted for API parity and
// ignored.
func New(logger *slog.Logger) *Capture {
	return &Capture{frames: make(chan []byte)}
}

// SetBPFObject is a no-op on non-Linux platforms.
func (c *Capture) SetBPFObject(obj []byte) {}

// RawEvents returns a channel that never delivers a frame; it is closed
// when Start is called.
func (c *Capture) RawEvents() <-chan []byte { return c.frames }

// Start always returns ErrNotSupported.
func (c *Capture) Start(ctx context.Context) error {
	close(c.frames)
	return ErrNotSupported
}

// Stop is a no-op.
func (c *Capture) Stop() {}

// DrainStackDump always returns ErrNotSupported.
func (c *Capture) DrainStackDump(key abi.StackDumpKey) (*abi.StackDump, bool, error) {
	return nil, false, ErrNotSupported
}

// LookupUserStack always returns ErrNotSupported.
func (c *Capture) LookupUserStack(stackID int64) ([]uint64, bool, error) {
	return nil, false, ErrNotSupported
}
