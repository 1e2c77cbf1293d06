// Package procstate is the correlator's in-memory process-state cache
// (spec.md §4.4): a bounded, (pid, boottime)-keyed mapping from a process
// to its /proc-derived memory map, detected language runtime, cwd, and
// cmdline, populated on exec and evicted on exit.
package procstate

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Runtime is a coarse classification of the language/VM hosting a
// process, inferred from memory-mapped shared objects.
type Runtime string

const (
	Native  Runtime = "Native"
	Jvm     Runtime = "Jvm"
	Il2Cpp  Runtime = "Il2Cpp"
	V8      Runtime = "V8"
	CoreClr Runtime = "CoreClr"
	Mono    Runtime = "Mono"
	Python  Runtime = "Python"
)

// runtimeSignatures is scanned in order; the first matching substring in a
// maps line's final whitespace-separated token wins. This is a documented
// limitation for mixed runtimes (e.g. Jython hosts both a JVM and CPython
// shared object) — see spec.md §4.4.
var runtimeSignatures = []struct {
	substr  string
	runtime Runtime
}{
	{"libjvm.so", Jvm},
	{"libil2cpp.so", Il2Cpp},
	{"libnode.so", V8},
	{"libv8.so", V8},
	{"libcoreclr.so", CoreClr},
	{"libmonosgen", Mono},
	{"libpython3", Python},
}

// Key identifies a process by its reuse-safe identity: pid plus the
// kernel-maintained monotonic task start time.
type Key struct {
	PID      uint32
	Boottime uint64
}

// Entry is the cached state for one process.
type Entry struct {
	Maps    []string // /proc/[pid]/maps lines at exec time, in file order
	Runtime Runtime
	Cwd     string // best-effort; empty if unreadable
	Cmdline string // best-effort; empty if unreadable
}

// capacity is the soft cap on cache size (spec.md §4.4).
const capacity = 4096

// Cache is the process-state cache. Safe for concurrent use: the
// single-consumer correlator drives Insert/Get/Remove, while its /healthz
// handler calls Len from another goroutine.
type Cache struct {
	logger *slog.Logger

	mu      sync.Mutex
	entries map[Key]*Entry
}

// New creates an empty Cache. If logger is nil, slog.Default() is used.
func New(logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{logger: logger, entries: make(map[Key]*Entry)}
}

// Insert reads /proc/[pid]/maps, /proc/[pid]/cwd, and /proc/[pid]/cmdline
// for key.PID and stores the resulting Entry. A failure reading maps skips
// the insertion entirely (the caller should log a warning); cwd and
// cmdline are best-effort and left empty on failure.
//
// If the cache is at capacity, Insert first prunes entries whose
// /proc/[pid] directory no longer exists.
func (c *Cache) Insert(key Key) error {
	maps, err := readMaps(key.PID)
	if err != nil {
		return fmt.Errorf("procstate: read maps for pid %d: %w", key.PID, err)
	}

	entry := &Entry{
		Maps:    maps,
		Runtime: detectRuntime(maps),
		Cwd:     readCwd(key.PID),
		Cmdline: readCmdline(key.PID),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= capacity {
		c.pruneDeadLocked()
	}
	c.entries[key] = entry
	return nil
}

// Get returns the cached entry for key, if present.
func (c *Cache) Get(key Key) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e, ok
}

// Remove evicts key's entry, if present. Called on SchedExit.
func (c *Cache) Remove(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// pruneDeadLocked removes entries whose /proc/[pid] directory no longer
// exists. Callers must hold c.mu.
func (c *Cache) pruneDeadLocked() {
	pruned := 0
	for key := range c.entries {
		if !procAlive(key.PID) {
			delete(c.entries, key)
			pruned++
		}
	}
	if pruned > 0 {
		c.logger.Info("procstate: pruned stale entries", slog.Int("count", pruned))
	}
}

func procAlive(pid uint32) bool {
	_, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
	return err == nil
}

// readMaps reads /proc/[pid]/maps into a slice of lines.
func readMaps(pid uint32) ([]string, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	// /proc maps lines can be long when the final field (file path) is
	// long; grow the scanner's buffer well past the default 64KiB line cap.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// readCwd reads the /proc/[pid]/cwd symlink target. Returns "" on failure.
func readCwd(pid uint32) string {
	link, err := os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid))
	if err != nil {
		return ""
	}
	return link
}

// readCmdline reads /proc/[pid]/cmdline, joining the NUL-separated
// arguments with spaces. Returns "" on failure.
func readCmdline(pid uint32) string {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return ""
	}
	return strings.TrimRight(strings.ReplaceAll(string(b), "\x00", " "), " ")
}

// detectRuntime scans maps lines for a known runtime's shared-object
// signature in the final whitespace-separated token of each line. The
// first match wins; Native is returned when nothing matches.
func detectRuntime(maps []string) Runtime {
	for _, line := range maps {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		last := fields[len(fields)-1]
		for _, sig := range runtimeSignatures {
			if strings.Contains(last, sig.substr) {
				return sig.runtime
			}
		}
	}
	return Native
}
