// Linux implementation of Capture: loads the kernel capture plane described
// in spec.md §4.2 (three tracepoint handlers sharing a ring buffer and two
// side maps) and exposes raw ring-buffer frames plus stack-dump draining to
// the event source / correlator above it.
//
//go:build linux

package capture

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/surno/crashtracer/internal/abi"
)

// kernelTracePipe is the tracefs pseudo-file eBPF programs write
// bpf_trace_printk() output to. It is a single, system-wide stream (not a
// per-program map), so draining it is a best-effort debug aid: useful when
// the tracepoint handlers carry trace_printk calls, silent otherwise.
const kernelTracePipe = "/sys/kernel/debug/tracing/trace_pipe"

// bpfObjectBytes holds the pre-compiled eBPF object (crash_tracer.bpf.o).
//
// In a standard build this is nil and Start returns a descriptive error.
// When built with -tags bpf_embedded (after compiling the kernel program),
// embed_linux.go sets this variable via //go:embed.
var bpfObjectBytes []byte

// Capture loads the kernel capture plane and delivers raw ring-buffer
// frames. It is not safe for concurrent Start/Stop calls from multiple
// goroutines, but RawEvents() may be read concurrently with DrainStackDump.
type Capture struct {
	logger   *slog.Logger
	objBytes []byte // overrides the package-level embed, e.g. in tests

	obj *bpfObject

	mu       sync.Mutex
	cancel   func()
	stopOnce sync.Once
	wg       sync.WaitGroup

	frames chan []byte
}

// New creates a Capture. If logger is nil, slog.Default() is used.
func New(logger *slog.Logger) *Capture {
	if logger == nil {
		logger = slog.Default()
	}
	return &Capture{
		logger: logger,
		frames: make(chan []byte, 256),
	}
}

// SetBPFObject supplies the compiled BPF object bytes to use when Start is
// called, overriding the -tags bpf_embedded object. Primarily used in
// tests. Must be called before Start.
func (c *Capture) SetBPFObject(obj []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objBytes = obj
}

// RawEvents returns the channel of raw, undecoded ring-buffer frames. The
// channel is closed after Stop returns.
func (c *Capture) RawEvents() <-chan []byte {
	return c.frames
}

// Start loads the BPF object, attaches the three tracepoints, and begins
// delivering raw frames. It returns immediately after launching the
// background ring-buffer reader goroutine.
//
// Requires CAP_BPF (Linux ≥ 5.8) or CAP_SYS_ADMIN, and Linux ≥ 5.8 for
// BPF_MAP_TYPE_RINGBUF. Calling Start while already running is a no-op.
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return nil
	}

	objBytes := c.objBytes
	if len(objBytes) == 0 {
		objBytes = bpfObjectBytes
	}
	if len(objBytes) == 0 {
		return fmt.Errorf("capture: no BPF object available; build with -tags bpf_embedded " +
			"or call SetBPFObject before Start")
	}

	obj, err := loadBPFObject(bytes.NewReader(objBytes))
	if err != nil {
		return fmt.Errorf("capture: load BPF object: %w", err)
	}
	c.obj = obj

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.readLoop(ctx)

	c.wg.Add(1)
	go c.drainKernelLog(ctx)

	c.logger.Info("kernel capture plane attached",
		slog.String("tracepoints", "signal/signal_deliver, sched/sched_process_exec, sched/sched_process_exit"),
	)
	return nil
}

// Stop signals the reader goroutine to exit, waits for it, detaches the
// kernel programs, and closes RawEvents(). Idempotent.
func (c *Capture) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		cancel := c.cancel
		c.cancel = nil
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		c.wg.Wait()

		if c.obj != nil {
			c.obj.Close()
		}
		close(c.frames)
		c.logger.Info("kernel capture plane detached")
	})
}

func (c *Capture) readLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		sample, err := c.obj.ringbuf.readSample(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			c.logger.Warn("capture: ring buffer read error", slog.Any("error", err))
			return
		}

		select {
		case c.frames <- sample:
		case <-ctx.Done():
			return
		}
	}
}

// drainKernelLog reads bpf_trace_printk() output from the tracefs trace
// pipe and forwards each line to the logger at debug level. trace_pipe
// blocks until a line is available, so Stop interrupts it by closing the
// file out from under the pending Read rather than selecting on ctx.
//
// Unlike readLoop this has no recovery path: if the pipe can't be opened
// (no debugfs/tracefs mount, missing permission, or a kernel built without
// CONFIG_FTRACE), kernel log draining is simply unavailable for this run —
// everything else the capture plane does is unaffected.
func (c *Capture) drainKernelLog(ctx context.Context) {
	defer c.wg.Done()

	f, err := os.Open(kernelTracePipe)
	if err != nil {
		c.logger.Warn("capture: kernel log drain unavailable", slog.Any("error", err))
		return
	}

	closed := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			f.Close()
		case <-closed:
		}
	}()
	defer close(closed)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 4096), 64*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		c.logger.Debug("kernel trace", slog.String("line", line))
	}
}

// DrainStackDump performs a get-then-remove lookup of the stack dump for
// key in STACK_DUMP_MAP (spec.md §4.7: "drain the stack dump from the
// kernel side map"). It returns (dump, true, nil) if present, (nil, false,
// nil) if absent, and a non-nil error only for an unexpected syscall
// failure (never for simple absence).
func (c *Capture) DrainStackDump(key abi.StackDumpKey) (*abi.StackDump, bool, error) {
	c.mu.Lock()
	obj := c.obj
	c.mu.Unlock()
	if obj == nil {
		return nil, false, fmt.Errorf("capture: not started")
	}

	keyBytes := make([]byte, 16)
	binary.LittleEndian.PutUint32(keyBytes[0:4], key.PID)
	binary.LittleEndian.PutUint32(keyBytes[4:8], key.TID)
	binary.LittleEndian.PutUint64(keyBytes[8:16], key.Boottime)

	const stackDumpValueSize = 8 + 4 + 4 + abi.StackDumpSize
	valueBytes := make([]byte, stackDumpValueSize)

	found, err := obj.lookupAndDelete(stackDumpMapName, keyBytes, valueBytes)
	if err != nil || !found {
		return nil, false, err
	}

	dump := &abi.StackDump{
		RSP: binary.LittleEndian.Uint64(valueBytes[0:8]),
		Len: binary.LittleEndian.Uint32(valueBytes[8:12]),
	}
	copy(dump.Data[:], valueBytes[16:16+abi.StackDumpSize])
	return dump, true, nil
}

// LookupUserStack resolves stackID (SignalDeliverEvent.UserStackID) against
// STACK_TRACES, the kernel's deduplicated stack-trace table (spec.md §4.7:
// "look up the user-stack frames by user_stack_id"). The entry is left in
// the map — unlike STACK_DUMP_MAP, stack ids are shared across crashes with
// an identical call path and are not drained.
//
// A negative stackID (no stack captured, or stack-table full) is reported
// as not found rather than an error.
func (c *Capture) LookupUserStack(stackID int64) ([]uint64, bool, error) {
	if stackID < 0 {
		return nil, false, nil
	}

	c.mu.Lock()
	obj := c.obj
	c.mu.Unlock()
	if obj == nil {
		return nil, false, fmt.Errorf("capture: not started")
	}

	keyBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(keyBytes, uint32(stackID))
	valueBytes := make([]byte, stackTraceValueSize)

	found, err := obj.lookup(stackTraceMapName, keyBytes, valueBytes)
	if err != nil || !found {
		return nil, false, err
	}

	ips := make([]uint64, maxStackDepth)
	for i := range ips {
		ips[i] = binary.LittleEndian.Uint64(valueBytes[i*8 : i*8+8])
	}
	return ips, true, nil
}
