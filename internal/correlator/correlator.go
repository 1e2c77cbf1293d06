// Package correlator implements the tracer's single-consumer event loop
// (spec.md §4.7): a per-(pid, boottime) state machine driven by the three
// event kinds the kernel capture plane emits, wiring together the process
// cache, the durable store, the kernel side maps, and the report renderer.
package correlator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/surno/crashtracer/internal/abi"
	"github.com/surno/crashtracer/internal/audit"
	"github.com/surno/crashtracer/internal/procstate"
	"github.com/surno/crashtracer/internal/report"
	"github.com/surno/crashtracer/internal/store"
)

// EventSource is the subset of *eventsource.Source the correlator needs.
type EventSource interface {
	Next(ctx context.Context) (any, bool)
}

// ProcessCache is the subset of *procstate.Cache the correlator needs.
type ProcessCache interface {
	Insert(key procstate.Key) error
	Get(key procstate.Key) (*procstate.Entry, bool)
	Remove(key procstate.Key)
	Len() int
}

// CrashStore is the subset of *store.Store the correlator needs.
type CrashStore interface {
	InsertProcess(ctx context.Context, info store.ProcessInfo) (int64, error)
	InsertCrash(ctx context.Context, pid uint32, boottime uint64, payload abi.SignalDeliverEvent, frames []store.StackFrame, dump *abi.StackDump) (int64, error)
	CompleteCrash(ctx context.Context, pid uint32, boottime uint64, exitCode uint32) (int64, error)
	CleanupProcess(ctx context.Context, pid uint32, boottime uint64) error
	GetCrashReportData(ctx context.Context, crashID int64) (*store.CrashReportData, error)
}

// StackReader is the subset of *capture.Capture the correlator needs to
// resolve a crash's kernel-side stack state.
type StackReader interface {
	DrainStackDump(key abi.StackDumpKey) (*abi.StackDump, bool, error)
	LookupUserStack(stackID int64) ([]uint64, bool, error)
}

// Correlator runs the single consumer goroutine described in spec.md §5
// ("Userspace side. Single-threaded cooperative."): it owns the process
// cache and drives the store and stack reader without any locking of its
// own. The one concurrent access is HealthzHandler, which calls cache.Len
// from the HTTP server's goroutine and relies on the cache's own locking.
type Correlator struct {
	logger    *slog.Logger
	src       EventSource
	cache     ProcessCache
	st        CrashStore
	stacks    StackReader
	outputDir string
	audit     *audit.Logger

	cancel    context.CancelFunc
	stopOnce  sync.Once
	wg        sync.WaitGroup
	startedAt time.Time
}

// Option is a functional option for Correlator construction.
type Option func(*Correlator)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Correlator) { c.logger = logger }
}

// WithAuditLogger attaches a tamper-evident audit trail: every exec, crash,
// and exit transition the correlator drives is appended to it. Optional —
// a Correlator with no audit logger runs exactly as before.
func WithAuditLogger(l *audit.Logger) Option {
	return func(c *Correlator) { c.audit = l }
}

// auditEvent is the payload shape recorded for every correlator state
// transition, when an audit logger is attached.
type auditEvent struct {
	Kind     string `json:"kind"`
	PID      uint32 `json:"pid"`
	Boottime uint64 `json:"boottime"`
	Detail   string `json:"detail,omitempty"`
}

// recordAudit appends evt to the audit trail if one is attached. Failures
// are logged, never fatal: the audit trail is a best-effort record, not a
// gate on crash processing.
func (c *Correlator) recordAudit(kind string, pid uint32, boottime uint64, detail string) {
	if c.audit == nil {
		return
	}
	payload, err := json.Marshal(auditEvent{Kind: kind, PID: pid, Boottime: boottime, Detail: detail})
	if err != nil {
		c.logger.Warn("correlator: audit payload marshal failed", slog.String("kind", kind), slog.Any("error", err))
		return
	}
	if _, err := c.audit.Append(payload); err != nil {
		c.logger.Warn("correlator: audit append failed", slog.String("kind", kind), slog.Any("error", err))
	}
}

// New creates a Correlator. outputDir is where completed-crash report files
// are written (spec.md §6).
func New(src EventSource, cache ProcessCache, st CrashStore, stacks StackReader, outputDir string, opts ...Option) *Correlator {
	c := &Correlator{
		logger:    slog.Default(),
		src:       src,
		cache:     cache,
		st:        st,
		stacks:    stacks,
		outputDir: outputDir,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the consumer goroutine. It returns immediately; Stop (or
// ctx cancellation) ends the loop.
func (c *Correlator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.startedAt = time.Now()

	c.wg.Add(1)
	go c.run(ctx)
}

// healthzResponse is the JSON body served by HealthzHandler.
type healthzResponse struct {
	Status         string `json:"status"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	PendingCrashes int    `json:"pending_crashes"`
}

// HealthzHandler returns an http.HandlerFunc reporting the tracer's uptime
// and the number of in-flight (exec'd, not yet exited) processes being
// tracked by the process cache.
func (c *Correlator) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(0)
		if !c.startedAt.IsZero() {
			uptime = int64(time.Since(c.startedAt).Seconds())
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(healthzResponse{
			Status:         "ok",
			UptimeSeconds:  uptime,
			PendingCrashes: c.cache.Len(),
		})
	}
}

// Stop cancels the consumer loop and waits for it to exit. Idempotent.
func (c *Correlator) Stop() {
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()
	})
}

func (c *Correlator) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		evt, ok := c.src.Next(ctx)
		if !ok {
			return
		}

		switch e := evt.(type) {
		case abi.SchedExecEvent:
			c.handleSchedExec(ctx, e)
		case abi.SignalDeliverEvent:
			c.handleSignalDeliver(ctx, e)
		case abi.SchedExitEvent:
			c.handleSchedExit(ctx, e)
		default:
			c.logger.Warn("correlator: unrecognized event type", slog.Any("type", evt))
		}
	}
}

// handleSchedExec implements the ∅ → Live transition: cache insert,
// persist the process row.
func (c *Correlator) handleSchedExec(ctx context.Context, evt abi.SchedExecEvent) {
	key := procstate.Key{PID: evt.PID, Boottime: evt.Boottime}

	if err := c.cache.Insert(key); err != nil {
		c.logger.Warn("correlator: process cache insert failed",
			slog.Uint64("pid", uint64(evt.PID)), slog.Any("error", err))
		return
	}

	entry, _ := c.cache.Get(key)
	info := store.ProcessInfo{PID: evt.PID, Boottime: evt.Boottime}
	if entry != nil {
		info.Runtime = string(entry.Runtime)
		info.Cwd = entry.Cwd
		info.Cmdline = entry.Cmdline
		info.Maps = entry.Maps
	}

	if _, err := c.st.InsertProcess(ctx, info); err != nil {
		c.logger.Warn("correlator: insert_process failed",
			slog.Uint64("pid", uint64(evt.PID)), slog.Any("error", err))
	}

	c.recordAudit("exec", evt.PID, evt.Boottime, info.Cmdline)
}

// handleSignalDeliver implements the Live → Live(pending) transition: drain
// the stack dump, resolve the user stack, persist the pending crash, print
// the console summary.
func (c *Correlator) handleSignalDeliver(ctx context.Context, evt abi.SignalDeliverEvent) {
	cmd := abi.CmdString(evt.Cmd)

	dump, _, err := c.stacks.DrainStackDump(abi.StackDumpKey{PID: evt.PID, TID: evt.TID, Boottime: evt.Boottime})
	if err != nil {
		c.logger.Warn("correlator: drain stack dump failed",
			slog.Uint64("pid", uint64(evt.PID)), slog.Any("error", err))
	}

	frames := c.resolveUserStack(evt.UserStackID)

	crashID, err := c.st.InsertCrash(ctx, evt.PID, evt.Boottime, evt, frames, dump)
	if err != nil {
		if errors.Is(err, store.ErrNoRecord) {
			c.logger.Warn("correlator: signal delivered for unknown process, dropping",
				slog.Uint64("pid", uint64(evt.PID)), slog.Uint64("boottime", evt.Boottime))
			return
		}
		c.logger.Warn("correlator: insert_crash failed",
			slog.Uint64("pid", uint64(evt.PID)), slog.Any("error", err))
		return
	}

	c.logger.Info("crash detected",
		slog.String("cmd", cmd),
		slog.Uint64("pid", uint64(evt.PID)),
		slog.Uint64("tid", uint64(evt.TID)),
		slog.String("signal", report.SignalName(evt.Signal)),
		slog.Int64("crash_id", crashID),
	)
	c.recordAudit("crash", evt.PID, evt.Boottime, report.SignalName(evt.Signal))

	data, err := c.st.GetCrashReportData(ctx, crashID)
	if err != nil {
		c.logger.Warn("correlator: get_crash_report_data failed for console summary",
			slog.Int64("crash_id", crashID), slog.Any("error", err))
		return
	}
	var buf bytes.Buffer
	if err := report.Write(&buf, data, false); err != nil {
		c.logger.Warn("correlator: console summary render failed", slog.Any("error", err))
		return
	}
	c.logger.Info("console crash summary", slog.String("report", buf.String()))
}

// resolveUserStack looks up stackID in the kernel's stack-trace table and
// truncates the result at the first zero IP, matching the renderer's
// "IP=0 terminates the list" convention (spec.md §4.6).
func (c *Correlator) resolveUserStack(stackID int64) []store.StackFrame {
	ips, found, err := c.stacks.LookupUserStack(stackID)
	if err != nil {
		c.logger.Warn("correlator: lookup user stack failed",
			slog.Int64("user_stack_id", stackID), slog.Any("error", err))
		return nil
	}
	if !found {
		return nil
	}

	frames := make([]store.StackFrame, 0, len(ips))
	for i, ip := range ips {
		frames = append(frames, store.StackFrame{Index: i, IP: ip})
		if ip == 0 {
			break
		}
	}
	return frames
}

// handleSchedExit implements both Live(pending)→complete and
// Live(no pending)→cleanup, distinguished by whether complete_crash finds a
// pending row. Either way the cache entry is evicted.
func (c *Correlator) handleSchedExit(ctx context.Context, evt abi.SchedExitEvent) {
	key := procstate.Key{PID: evt.PID, Boottime: evt.Boottime}
	defer c.cache.Remove(key)

	crashID, err := c.st.CompleteCrash(ctx, evt.PID, evt.Boottime, evt.ExitCode)
	if err != nil {
		if !errors.Is(err, store.ErrNoRecord) {
			c.logger.Warn("correlator: complete_crash failed",
				slog.Uint64("pid", uint64(evt.PID)), slog.Any("error", err))
			return
		}
		// No pending crash: either a clean exit, or a crash row that was
		// never opened for this process. Purge any orphan rows.
		if err := c.st.CleanupProcess(ctx, evt.PID, evt.Boottime); err != nil && !errors.Is(err, store.ErrNoRecord) {
			c.logger.Warn("correlator: cleanup_process failed",
				slog.Uint64("pid", uint64(evt.PID)), slog.Any("error", err))
		}
		c.recordAudit("exit", evt.PID, evt.Boottime, fmt.Sprintf("exit_code=%d", evt.ExitCode))
		return
	}

	data, err := c.st.GetCrashReportData(ctx, crashID)
	if err != nil {
		c.logger.Warn("correlator: get_crash_report_data failed",
			slog.Int64("crash_id", crashID), slog.Any("error", err))
		return
	}

	path, err := report.SaveToFile(c.outputDir, data)
	if err != nil {
		c.logger.Warn("correlator: failed to write crash report",
			slog.Int64("crash_id", crashID), slog.Any("error", err))
		return
	}
	c.logger.Info("crash report written",
		slog.Int64("crash_id", crashID), slog.String("path", path))
	c.recordAudit("exit", evt.PID, evt.Boottime, fmt.Sprintf("crash_id=%d exit_code=%d report=%s", crashID, evt.ExitCode, path))
}

