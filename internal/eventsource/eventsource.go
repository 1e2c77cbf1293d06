// Package eventsource adapts the kernel capture plane's raw ring-buffer
// frames into typed ABI events for the correlator (spec.md §4.3).
package eventsource

import (
	"context"
	"log/slog"
	"time"

	"github.com/surno/crashtracer/internal/abi"
)

// RawFrames is the subset of *capture.Capture the Source needs: a channel
// of raw ring-buffer frames. Defined as an interface so tests can inject a
// synthetic producer without loading real BPF objects.
type RawFrames interface {
	RawEvents() <-chan []byte
}

// idlePoll is the bounded quantum the source waits on an empty ring before
// re-checking, per spec.md §4.3 ("~100 ms").
const idlePoll = 100 * time.Millisecond

// Source is a single-consumer pull API over a RawFrames producer. It
// preserves the kernel's submission order: frames are decoded and handed
// to the caller in the exact order they were read from the ring.
type Source struct {
	logger *slog.Logger
	raw    <-chan []byte
}

// New creates a Source reading frames from raw. If logger is nil,
// slog.Default() is used.
func New(raw RawFrames, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{logger: logger, raw: raw.RawEvents()}
}

// Next blocks until the next decodable event is available, ctx is
// cancelled, or the underlying frame channel closes. Short frames and
// frames with an unrecognized tag are logged and skipped rather than
// returned as errors — per spec.md §4.1, consumers MUST reject frames
// shorter than the declared record size and skip unknown tags.
//
// On an empty ring it wakes every idlePoll and waits again without
// returning to the caller; ctx cancellation or a closed channel ends the
// wait at once. This mirrors the "~100ms bounded quantum" described in
// spec.md §4.3 without busy-polling (channel receive already blocks
// without contention).
func (s *Source) Next(ctx context.Context) (any, bool) {
	for {
		select {
		case <-ctx.Done():
			return nil, false

		case frame, ok := <-s.raw:
			if !ok {
				return nil, false
			}
			evt, err := abi.DecodeFrame(frame)
			if err != nil {
				s.logger.Warn("eventsource: dropping undecodable frame", slog.Any("error", err))
				continue
			}
			return evt, true

		case <-time.After(idlePoll):
			continue
		}
	}
}
