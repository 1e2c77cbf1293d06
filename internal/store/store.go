// Package store is the crash tracer's durable persistence layer (spec.md
// §4.5): a WAL-mode SQLite database reached only through the transactional
// verbs below. Callers never see SQL; the store owns the schema and all
// query text.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/surno/crashtracer/internal/abi"
	_ "modernc.org/sqlite" // register the "sqlite" database/sql driver
)

// ErrNoRecord is returned by operations that require an existing process or
// crash row to act on when no such row exists.
var ErrNoRecord = errors.New("store: no record")

// Store is a WAL-mode SQLite-backed implementation of the crash tracer's
// persistence verbs. It is safe for concurrent use; SQLite permits only one
// writer, so the underlying connection pool is capped at one connection and
// callers serialize through it exactly as the correlator's single-consumer
// design already assumes.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path, enables WAL journal
// mode and foreign-key enforcement, and applies the schema. If path is
// ":memory:", an in-memory database is used (tests only: it loses all data
// when closed, and each connection to ":memory:" is a distinct database, so
// the single-connection pool below is also what makes ":memory:" usable at
// all with multiple queries).
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}

	// One writer at a time; every operation below serializes through this
	// single connection rather than risk "database is locked".
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
		`PRAGMA foreign_keys = ON`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const ddl = `
CREATE TABLE IF NOT EXISTS processes (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    pid       INTEGER NOT NULL,
    boottime  INTEGER NOT NULL,
    runtime   TEXT    NOT NULL,
    cwd       TEXT    NOT NULL DEFAULT '',
    cmdline   TEXT    NOT NULL DEFAULT '',
    created_at TEXT   NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    UNIQUE (pid, boottime)
);

CREATE TABLE IF NOT EXISTS memory_maps (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    process_id INTEGER NOT NULL REFERENCES processes(id) ON DELETE CASCADE,
    line_num   INTEGER NOT NULL,
    content    TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memory_maps_process ON memory_maps (process_id);

CREATE TABLE IF NOT EXISTS crashes (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    process_id     INTEGER NOT NULL REFERENCES processes(id) ON DELETE CASCADE,
    boottime       INTEGER NOT NULL,
    status         TEXT    NOT NULL,
    signal         INTEGER NOT NULL,
    si_code        INTEGER NOT NULL,
    fault_addr     INTEGER NOT NULL,
    timestamp_ns   INTEGER NOT NULL,
    tid            INTEGER NOT NULL,
    cmd            TEXT    NOT NULL,
    exit_code      INTEGER,
    rip    INTEGER NOT NULL, rsp    INTEGER NOT NULL, rbp    INTEGER NOT NULL, rflags INTEGER NOT NULL,
    rax    INTEGER NOT NULL, rbx    INTEGER NOT NULL, rcx    INTEGER NOT NULL, rdx    INTEGER NOT NULL,
    rsi    INTEGER NOT NULL, rdi    INTEGER NOT NULL,
    r8     INTEGER NOT NULL, r9     INTEGER NOT NULL, r10    INTEGER NOT NULL, r11    INTEGER NOT NULL,
    r12    INTEGER NOT NULL, r13    INTEGER NOT NULL, r14    INTEGER NOT NULL, r15    INTEGER NOT NULL,
    kernel_stack_id INTEGER NOT NULL,
    user_stack_id   INTEGER NOT NULL,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_crashes_process ON crashes (process_id);
CREATE INDEX IF NOT EXISTS idx_crashes_status  ON crashes (status);

CREATE TABLE IF NOT EXISTS stack_frames (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    crash_id    INTEGER NOT NULL REFERENCES crashes(id) ON DELETE CASCADE,
    frame_index INTEGER NOT NULL,
    ip          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stack_frames_crash ON stack_frames (crash_id);

CREATE TABLE IF NOT EXISTS stack_dumps (
    id       INTEGER PRIMARY KEY AUTOINCREMENT,
    crash_id INTEGER NOT NULL REFERENCES crashes(id) ON DELETE CASCADE,
    rsp      INTEGER NOT NULL,
    length   INTEGER NOT NULL,
    data     BLOB    NOT NULL
);

CREATE TABLE IF NOT EXISTS artifacts (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    crash_id   INTEGER REFERENCES crashes(id) ON DELETE CASCADE,
    process_id INTEGER NOT NULL REFERENCES processes(id) ON DELETE CASCADE,
    filename   TEXT    NOT NULL,
    full_path  TEXT    NOT NULL,
    content    BLOB,
    created_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_artifacts_process ON artifacts (process_id);
CREATE INDEX IF NOT EXISTS idx_artifacts_crash   ON artifacts (crash_id);
`

// ProcessInfo is the row insert_process upserts.
type ProcessInfo struct {
	PID      uint32
	Boottime uint64
	Runtime  string
	Cwd      string
	Cmdline  string
	Maps     []string
}

// InsertProcess upserts by (pid, boottime): on conflict it refreshes
// runtime/cwd/cmdline and replaces the set of memory-map lines under one
// transaction. It returns the process's opaque row id.
func (s *Store) InsertProcess(ctx context.Context, info ProcessInfo) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: insert_process: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO processes (pid, boottime, runtime, cwd, cmdline)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (pid, boottime) DO UPDATE SET
		     runtime = excluded.runtime,
		     cwd     = excluded.cwd,
		     cmdline = excluded.cmdline`,
		info.PID, info.Boottime, info.Runtime, info.Cwd, info.Cmdline,
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert_process: upsert: %w", err)
	}

	var processID int64
	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM processes WHERE pid = ? AND boottime = ?`,
		info.PID, info.Boottime,
	).Scan(&processID); err != nil {
		return 0, fmt.Errorf("store: insert_process: lookup id: %w", err)
	}
	_ = res

	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_maps WHERE process_id = ?`, processID); err != nil {
		return 0, fmt.Errorf("store: insert_process: clear maps: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO memory_maps (process_id, line_num, content) VALUES (?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("store: insert_process: prepare maps insert: %w", err)
	}
	defer stmt.Close()
	for i, line := range info.Maps {
		if _, err := stmt.ExecContext(ctx, processID, i, line); err != nil {
			return 0, fmt.Errorf("store: insert_process: insert map line %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: insert_process: commit: %w", err)
	}
	return processID, nil
}

// StackFrame is one resolved user-stack frame, in print order.
type StackFrame struct {
	Index int
	IP    uint64
}

// InsertCrash looks up the process by (pid, boottime); if none exists it
// logs nothing itself (the caller does) and returns ErrNoRecord. Otherwise
// it inserts a pending crash row plus its frames and at most one stack
// dump, all in one transaction.
func (s *Store) InsertCrash(ctx context.Context, pid uint32, boottime uint64, payload abi.SignalDeliverEvent, frames []StackFrame, dump *abi.StackDump) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: insert_crash: begin: %w", err)
	}
	defer tx.Rollback()

	var processID int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM processes WHERE pid = ? AND boottime = ?`, pid, boottime,
	).Scan(&processID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNoRecord
	}
	if err != nil {
		return 0, fmt.Errorf("store: insert_crash: lookup process: %w", err)
	}

	r := payload.Registers
	res, err := tx.ExecContext(ctx,
		`INSERT INTO crashes (
		     process_id, boottime, status, signal, si_code, fault_addr, timestamp_ns,
		     tid, cmd, exit_code,
		     rip, rsp, rbp, rflags, rax, rbx, rcx, rdx, rsi, rdi,
		     r8, r9, r10, r11, r12, r13, r14, r15,
		     kernel_stack_id, user_stack_id
		 ) VALUES (?, ?, 'pending', ?, ?, ?, ?, ?, ?, NULL,
		     ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
		     ?, ?, ?, ?, ?, ?, ?, ?,
		     ?, ?)`,
		processID, boottime, payload.Signal, payload.SiCode, payload.FaultAddr, payload.TimestampNS,
		payload.TID, abi.CmdString(payload.Cmd),
		r.RIP, r.RSP, r.RBP, r.RFLAGS, r.RAX, r.RBX, r.RCX, r.RDX, r.RSI, r.RDI,
		r.R8, r.R9, r.R10, r.R11, r.R12, r.R13, r.R14, r.R15,
		payload.KernelStackID, payload.UserStackID,
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert_crash: insert crash: %w", err)
	}
	crashID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: insert_crash: last insert id: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO stack_frames (crash_id, frame_index, ip) VALUES (?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("store: insert_crash: prepare frames insert: %w", err)
	}
	defer stmt.Close()
	for _, f := range frames {
		if _, err := stmt.ExecContext(ctx, crashID, f.Index, f.IP); err != nil {
			return 0, fmt.Errorf("store: insert_crash: insert frame %d: %w", f.Index, err)
		}
	}

	if dump != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO stack_dumps (crash_id, rsp, length, data) VALUES (?, ?, ?, ?)`,
			crashID, dump.RSP, dump.Len, dump.Bytes(),
		); err != nil {
			return 0, fmt.Errorf("store: insert_crash: insert dump: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: insert_crash: commit: %w", err)
	}
	return crashID, nil
}

// CompleteCrash finds the process by (pid, boottime) and its single
// pending crash row, sets status='complete' and exit_code, and returns the
// crash id. It returns ErrNoRecord if the process or its pending crash
// cannot be found.
func (s *Store) CompleteCrash(ctx context.Context, pid uint32, boottime uint64, exitCode uint32) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: complete_crash: begin: %w", err)
	}
	defer tx.Rollback()

	var processID int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM processes WHERE pid = ? AND boottime = ?`, pid, boottime,
	).Scan(&processID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNoRecord
	}
	if err != nil {
		return 0, fmt.Errorf("store: complete_crash: lookup process: %w", err)
	}

	var crashID int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM crashes WHERE process_id = ? AND status = 'pending'`, processID,
	).Scan(&crashID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNoRecord
	}
	if err != nil {
		return 0, fmt.Errorf("store: complete_crash: lookup pending crash: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE crashes SET status = 'complete', exit_code = ? WHERE id = ?`, exitCode, crashID,
	); err != nil {
		return 0, fmt.Errorf("store: complete_crash: update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: complete_crash: commit: %w", err)
	}
	return crashID, nil
}

// Artifact is a file attached to a crash (or, before any crash exists, to
// the bare process record via a NULL crash_id).
type Artifact struct {
	Filename string
	FullPath string
	Content  []byte // nil if the file's content was not captured
}

// CrashReportData is the renderer's complete input: everything
// get_crash_report_data assembles from the relational store.
type CrashReportData struct {
	Process   ProcessInfo
	Signal    int32
	SiCode    int32
	FaultAddr uint64
	Timestamp uint64 // nanoseconds
	TID       uint32
	Cmd       string
	ExitCode  *uint32 // nil until the crash is complete
	Registers abi.Registers
	Frames    []StackFrame // ordered by frame_index; IP=0 terminates
	Dump      *abi.StackDump
	Artifacts []Artifact
}

// GetCrashReportData assembles the renderer's input struct for crashID.
func (s *Store) GetCrashReportData(ctx context.Context, crashID int64) (*CrashReportData, error) {
	var (
		processID int64
		data      CrashReportData
		exitCode  sql.NullInt64
		r         abi.Registers
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT process_id, signal, si_code, fault_addr, timestamp_ns, tid, cmd, exit_code,
		        rip, rsp, rbp, rflags, rax, rbx, rcx, rdx, rsi, rdi,
		        r8, r9, r10, r11, r12, r13, r14, r15
		 FROM crashes WHERE id = ?`, crashID,
	).Scan(
		&processID, &data.Signal, &data.SiCode, &data.FaultAddr, &data.Timestamp, &data.TID, &data.Cmd, &exitCode,
		&r.RIP, &r.RSP, &r.RBP, &r.RFLAGS, &r.RAX, &r.RBX, &r.RCX, &r.RDX, &r.RSI, &r.RDI,
		&r.R8, &r.R9, &r.R10, &r.R11, &r.R12, &r.R13, &r.R14, &r.R15,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("store: get_crash_report_data: crash: %w", err)
	}
	data.Registers = r
	if exitCode.Valid {
		v := uint32(exitCode.Int64)
		data.ExitCode = &v
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT pid, boottime, runtime, cwd, cmdline FROM processes WHERE id = ?`, processID,
	).Scan(&data.Process.PID, &data.Process.Boottime, &data.Process.Runtime, &data.Process.Cwd, &data.Process.Cmdline); err != nil {
		return nil, fmt.Errorf("store: get_crash_report_data: process: %w", err)
	}

	mapRows, err := s.db.QueryContext(ctx,
		`SELECT content FROM memory_maps WHERE process_id = ? ORDER BY line_num`, processID)
	if err != nil {
		return nil, fmt.Errorf("store: get_crash_report_data: maps query: %w", err)
	}
	for mapRows.Next() {
		var line string
		if err := mapRows.Scan(&line); err != nil {
			mapRows.Close()
			return nil, fmt.Errorf("store: get_crash_report_data: maps scan: %w", err)
		}
		data.Process.Maps = append(data.Process.Maps, line)
	}
	if err := mapRows.Err(); err != nil {
		mapRows.Close()
		return nil, fmt.Errorf("store: get_crash_report_data: maps rows: %w", err)
	}
	mapRows.Close()

	frameRows, err := s.db.QueryContext(ctx,
		`SELECT frame_index, ip FROM stack_frames WHERE crash_id = ? ORDER BY frame_index`, crashID)
	if err != nil {
		return nil, fmt.Errorf("store: get_crash_report_data: frames query: %w", err)
	}
	for frameRows.Next() {
		var f StackFrame
		if err := frameRows.Scan(&f.Index, &f.IP); err != nil {
			frameRows.Close()
			return nil, fmt.Errorf("store: get_crash_report_data: frames scan: %w", err)
		}
		data.Frames = append(data.Frames, f)
	}
	if err := frameRows.Err(); err != nil {
		frameRows.Close()
		return nil, fmt.Errorf("store: get_crash_report_data: frames rows: %w", err)
	}
	frameRows.Close()

	var dump abi.StackDump
	var rawData []byte
	err = s.db.QueryRowContext(ctx,
		`SELECT rsp, length, data FROM stack_dumps WHERE crash_id = ?`, crashID,
	).Scan(&dump.RSP, &dump.Len, &rawData)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// no dump captured for this crash; data.Dump stays nil
	case err != nil:
		return nil, fmt.Errorf("store: get_crash_report_data: dump: %w", err)
	default:
		copy(dump.Data[:], rawData)
		data.Dump = &dump
	}

	artRows, err := s.db.QueryContext(ctx,
		`SELECT filename, full_path, content FROM artifacts WHERE crash_id = ?`, crashID)
	if err != nil {
		return nil, fmt.Errorf("store: get_crash_report_data: artifacts query: %w", err)
	}
	for artRows.Next() {
		var a Artifact
		var content sql.NullString // BLOB scanned as string is fine for []byte too via RawBytes, but keep simple
		if err := artRows.Scan(&a.Filename, &a.FullPath, &content); err != nil {
			artRows.Close()
			return nil, fmt.Errorf("store: get_crash_report_data: artifacts scan: %w", err)
		}
		if content.Valid {
			a.Content = []byte(content.String)
		}
		data.Artifacts = append(data.Artifacts, a)
	}
	if err := artRows.Err(); err != nil {
		artRows.Close()
		return nil, fmt.Errorf("store: get_crash_report_data: artifacts rows: %w", err)
	}
	artRows.Close()

	return &data, nil
}

// CleanupProcess deletes all rows descending from (pid, boottime) — crash
// frames, dumps, artifacts, crash rows, memory maps — then the process row
// itself, in one transaction. ON DELETE CASCADE on every child table means
// deleting the process row alone is sufficient once foreign keys are
// enforced, but the explicit order here keeps the operation correct even if
// that pragma is ever disabled.
func (s *Store) CleanupProcess(ctx context.Context, pid uint32, boottime uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: cleanup_process: begin: %w", err)
	}
	defer tx.Rollback()

	var processID int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM processes WHERE pid = ? AND boottime = ?`, pid, boottime,
	).Scan(&processID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoRecord
	}
	if err != nil {
		return fmt.Errorf("store: cleanup_process: lookup: %w", err)
	}

	stmts := []string{
		`DELETE FROM stack_frames WHERE crash_id IN (SELECT id FROM crashes WHERE process_id = ?)`,
		`DELETE FROM stack_dumps  WHERE crash_id IN (SELECT id FROM crashes WHERE process_id = ?)`,
		`DELETE FROM artifacts    WHERE process_id = ?`,
		`DELETE FROM crashes      WHERE process_id = ?`,
		`DELETE FROM memory_maps  WHERE process_id = ?`,
		`DELETE FROM processes    WHERE id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, processID); err != nil {
			return fmt.Errorf("store: cleanup_process: %s: %w", stmt, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: cleanup_process: commit: %w", err)
	}
	return nil
}

// InsertArtifact attaches an artifact to the process's first (lowest-id)
// crash row, if one exists; otherwise crash_id is left NULL.
func (s *Store) InsertArtifact(ctx context.Context, pid uint32, boottime uint64, filename, fullPath string, content []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: insert_artifact: begin: %w", err)
	}
	defer tx.Rollback()

	var processID int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM processes WHERE pid = ? AND boottime = ?`, pid, boottime,
	).Scan(&processID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoRecord
	}
	if err != nil {
		return fmt.Errorf("store: insert_artifact: lookup process: %w", err)
	}

	var crashID sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM crashes WHERE process_id = ? ORDER BY id LIMIT 1`, processID,
	).Scan(&crashID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: insert_artifact: lookup crash: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO artifacts (crash_id, process_id, filename, full_path, content) VALUES (?, ?, ?, ?, ?)`,
		crashID, processID, filename, fullPath, content,
	); err != nil {
		return fmt.Errorf("store: insert_artifact: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: insert_artifact: commit: %w", err)
	}
	return nil
}
