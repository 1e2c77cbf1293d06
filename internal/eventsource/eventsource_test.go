package eventsource

import (
	"context"
	"testing"
	"time"

	"github.com/surno/crashtracer/internal/abi"
)

type fakeRaw struct {
	ch chan []byte
}

func (f *fakeRaw) RawEvents() <-chan []byte { return f.ch }

func TestNextDecodesInOrder(t *testing.T) {
	raw := &fakeRaw{ch: make(chan []byte, 4)}
	raw.ch <- abi.EncodeSchedExecFrame(abi.SchedExecEvent{PID: 1, Boottime: 10})
	raw.ch <- abi.EncodeSignalDeliverFrame(abi.SignalDeliverEvent{PID: 1, TID: 1, Boottime: 10, Signal: abi.SIGSEGV})
	raw.ch <- abi.EncodeSchedExitFrame(abi.SchedExitEvent{PID: 1, ExitCode: 11, Boottime: 10})
	close(raw.ch)

	src := New(raw, nil)
	ctx := context.Background()

	var got []any
	for {
		evt, ok := src.Next(ctx)
		if !ok {
			break
		}
		got = append(got, evt)
	}

	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	if _, ok := got[0].(abi.SchedExecEvent); !ok {
		t.Errorf("event[0] = %T, want SchedExecEvent", got[0])
	}
	if _, ok := got[1].(abi.SignalDeliverEvent); !ok {
		t.Errorf("event[1] = %T, want SignalDeliverEvent", got[1])
	}
	if _, ok := got[2].(abi.SchedExitEvent); !ok {
		t.Errorf("event[2] = %T, want SchedExitEvent", got[2])
	}
}

func TestNextSkipsShortFrame(t *testing.T) {
	raw := &fakeRaw{ch: make(chan []byte, 2)}
	raw.ch <- make([]byte, abi.FrameSize-1) // short: skipped with a warning
	raw.ch <- abi.EncodeSchedExecFrame(abi.SchedExecEvent{PID: 7, Boottime: 1})
	close(raw.ch)

	src := New(raw, nil)
	evt, ok := src.Next(context.Background())
	if !ok {
		t.Fatal("expected one decodable event after skipping the short frame")
	}
	if e, ok := evt.(abi.SchedExecEvent); !ok || e.PID != 7 {
		t.Errorf("got %+v, want SchedExecEvent{PID: 7}", evt)
	}
}

func TestNextHonorsContextCancellation(t *testing.T) {
	raw := &fakeRaw{ch: make(chan []byte)} // never produces
	src := New(raw, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		_, ok := src.Next(ctx)
		if ok {
			t.Error("expected ok=false after context cancellation")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after context cancellation")
	}
}
