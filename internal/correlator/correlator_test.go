package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/surno/crashtracer/internal/abi"
	"github.com/surno/crashtracer/internal/procstate"
	"github.com/surno/crashtracer/internal/store"
)

// fakeSource replays a fixed slice of events, then blocks until ctx is
// cancelled — mirroring eventsource.Source's Next contract.
type fakeSource struct {
	mu     sync.Mutex
	events []any
	i      int
}

func (f *fakeSource) Next(ctx context.Context) (any, bool) {
	f.mu.Lock()
	if f.i < len(f.events) {
		evt := f.events[f.i]
		f.i++
		f.mu.Unlock()
		return evt, true
	}
	f.mu.Unlock()

	<-ctx.Done()
	return nil, false
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[procstate.Key]*procstate.Entry
}

func newFakeCache() *fakeCache { return &fakeCache{entries: make(map[procstate.Key]*procstate.Entry)} }

func (c *fakeCache) Insert(key procstate.Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &procstate.Entry{Runtime: procstate.Native, Cwd: "/", Cmdline: "test"}
	return nil
}

func (c *fakeCache) Get(key procstate.Key) (*procstate.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e, ok
}

func (c *fakeCache) Remove(key procstate.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *fakeCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *fakeCache) Len() int { return c.len() }

type fakeStack struct{}

func (fakeStack) DrainStackDump(key abi.StackDumpKey) (*abi.StackDump, bool, error) {
	return &abi.StackDump{RSP: 0x1000, Len: 2}, true, nil
}

func (fakeStack) LookupUserStack(stackID int64) ([]uint64, bool, error) {
	if stackID < 0 {
		return nil, false, nil
	}
	return []uint64{0x401000, 0x401100, 0}, true, nil
}

func newRealStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFullCrashLifecycle(t *testing.T) {
	dir := t.TempDir()
	st := newRealStore(t)
	cache := newFakeCache()

	const pid, boottime = 777, 3

	src := &fakeSource{events: []any{
		abi.SchedExecEvent{PID: pid, Boottime: boottime},
		abi.SignalDeliverEvent{
			PID: pid, TID: pid, Boottime: boottime, Signal: abi.SIGSEGV, SiCode: 1,
			FaultAddr: 0xbad, TimestampNS: 1, UserStackID: 9, KernelStackID: -1,
		},
		abi.SchedExitEvent{PID: pid, Boottime: boottime, ExitCode: 139},
	}}

	c := New(src, cache, st, fakeStack{}, dir)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)

	deadline := time.After(2 * time.Second)
	for {
		if cache.len() == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for cache eviction after SchedExit")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	c.Stop()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly 1 report file, got %d: %v", len(entries), entries)
	}
}

func TestOrphanSignalIsDropped(t *testing.T) {
	dir := t.TempDir()
	st := newRealStore(t)
	cache := newFakeCache()

	src := &fakeSource{events: []any{
		// No prior SchedExec for this (pid, boottime): InsertCrash will see
		// ErrNoRecord and the correlator must not panic or retry forever.
		abi.SignalDeliverEvent{PID: 1, TID: 1, Boottime: 1, Signal: abi.SIGSEGV, UserStackID: -1, KernelStackID: -1},
	}}

	c := New(src, cache, st, fakeStack{}, dir)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()
	c.Stop()
}

func TestExitWithoutPendingCrashCleansUpSilently(t *testing.T) {
	dir := t.TempDir()
	st := newRealStore(t)
	cache := newFakeCache()

	const pid, boottime = 55, 1
	src := &fakeSource{events: []any{
		abi.SchedExecEvent{PID: pid, Boottime: boottime},
		abi.SchedExitEvent{PID: pid, Boottime: boottime, ExitCode: 0},
	}}

	c := New(src, cache, st, fakeStack{}, dir)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)

	deadline := time.After(2 * time.Second)
	for cache.len() != 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for cache eviction")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	c.Stop()

	// No crash means no report file.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no report files for a clean exit, got %v", entries)
	}

	// The process row itself should have been cleaned up too: a second
	// cleanup attempt reports ErrNoRecord.
	if err := st.CleanupProcess(context.Background(), pid, boottime); !errors.Is(err, store.ErrNoRecord) {
		t.Errorf("expected process already cleaned up, got %v", err)
	}
}

func TestHealthzHandlerReportsUptimeAndPendingDepth(t *testing.T) {
	dir := t.TempDir()
	st := newRealStore(t)
	cache := newFakeCache()

	const pid, boottime = 77, 1
	src := &fakeSource{events: []any{
		abi.SchedExecEvent{PID: pid, Boottime: boottime},
	}}

	c := New(src, cache, st, fakeStack{}, dir)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	deadline := time.After(2 * time.Second)
	for cache.len() != 1 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for exec to populate the cache")
		case <-time.After(10 * time.Millisecond):
		}
	}

	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	c.HealthzHandler()(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp healthzResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.PendingCrashes != 1 {
		t.Errorf("pending_crashes = %d, want 1", resp.PendingCrashes)
	}
}
