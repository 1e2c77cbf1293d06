package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the maximum number of crash summary rows held
	// in-memory before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending summaries even when the batch has not yet reached
	// DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond
)

// Store is the PostgreSQL-backed storage layer for the fleet server.
//
// Crash summary ingestion is batched: callers enqueue individual
// CrashSummary values via BatchInsertCrashes, which accumulates them in
// memory and flushes to the database either when the buffer reaches
// batchSize or when the background ticker fires, whichever comes first. Host
// CRUD is executed immediately.
type Store struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []CrashSummary
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New opens a pgxpool connection to connStr, pings the database, and starts
// the background flush goroutine.
//
// batchSize <= 0 is replaced with DefaultBatchSize.
// flushInterval <= 0 is replaced with DefaultFlushInterval.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}

	s := &Store{
		pool:          pool,
		batch:         make([]CrashSummary, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Close stops the background flush goroutine, flushes any remaining
// buffered summaries, and closes the connection pool. Safe to call more
// than once.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
		<-s.doneCh
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// BatchInsertCrashes enqueues summary for deferred batch insertion. If the
// internal buffer reaches batchSize after appending, Flush is called
// synchronously so the caller observes back-pressure rather than unbounded
// memory growth.
func (s *Store) BatchInsertCrashes(ctx context.Context, summary CrashSummary) error {
	s.mu.Lock()
	s.batch = append(s.batch, summary)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the current summary buffer and sends all rows to PostgreSQL
// in a single pgx.Batch round-trip. Rows that conflict on the primary key
// (summary_id) are silently ignored, making redelivery after a reconnect
// idempotent.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]CrashSummary, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO crash_summaries
			(summary_id, host_id, pid, cmd, signal, si_code, fault_addr, timestamp, report_text, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	for i := range toInsert {
		c := &toInsert[i]
		b.Queue(query,
			c.SummaryID, c.HostID, c.PID, c.Cmd, c.Signal, c.SiCode, c.FaultAddr,
			c.Timestamp, c.ReportText, c.ReceivedAt,
		)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec crash summary: %w", err)
		}
	}
	return nil
}

// QueryCrashes returns paginated crash summaries that fall within [q.From,
// q.To) on the received_at column. Optional filter: q.HostID (exact match).
// q.Limit defaults to 100; q.Offset enables cursor-style pagination. Results
// are ordered by received_at DESC, summary_id ASC.
func (s *Store) QueryCrashes(ctx context.Context, q CrashQuery) ([]CrashSummary, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	args := []any{q.From, q.To, q.Limit, q.Offset}
	where := "WHERE received_at >= $1 AND received_at < $2"
	if q.HostID != "" {
		where += " AND host_id = $5"
		args = append(args, q.HostID)
	}

	sqlQuery := fmt.Sprintf(`
		SELECT summary_id, host_id, pid, cmd, signal, si_code, fault_addr,
		       timestamp, report_text, received_at
		FROM   crash_summaries
		%s
		ORDER  BY received_at DESC, summary_id
		LIMIT  $3 OFFSET $4`, where)

	rows, err := s.pool.Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("query crashes: %w", err)
	}
	defer rows.Close()

	var summaries []CrashSummary
	for rows.Next() {
		var c CrashSummary
		if err := rows.Scan(
			&c.SummaryID, &c.HostID, &c.PID, &c.Cmd, &c.Signal, &c.SiCode, &c.FaultAddr,
			&c.Timestamp, &c.ReportText, &c.ReceivedAt,
		); err != nil {
			return nil, fmt.Errorf("scan crash summary: %w", err)
		}
		summaries = append(summaries, c)
	}
	return summaries, rows.Err()
}

// --- Host CRUD ---

// UpsertHost inserts a new host or, on hostname conflict, updates all
// mutable fields. It returns the effective host_id persisted in the
// database: on a clean insert this equals h.HostID; on a hostname conflict
// the existing host_id is returned unchanged, so callers always receive a
// stable identifier that correlates with historical summaries even across
// forwarder reconnects.
func (s *Store) UpsertHost(ctx context.Context, h Host) (string, error) {
	var effectiveHostID string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO hosts (host_id, hostname, platform, agent_version, last_seen, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (hostname) DO UPDATE SET
			platform      = EXCLUDED.platform,
			agent_version = EXCLUDED.agent_version,
			last_seen     = EXCLUDED.last_seen,
			status        = EXCLUDED.status
		RETURNING host_id`,
		h.HostID, h.Hostname, nullableStr(h.Platform), nullableStr(h.AgentVersion), h.LastSeen, string(h.Status),
	).Scan(&effectiveHostID)
	if err != nil {
		return "", fmt.Errorf("upsert host: %w", err)
	}
	return effectiveHostID, nil
}

// ListHosts returns all registered hosts ordered alphabetically by hostname.
func (s *Store) ListHosts(ctx context.Context) ([]Host, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT host_id, hostname, platform, agent_version, last_seen, status
		FROM   hosts
		ORDER  BY hostname`)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	defer rows.Close()

	var hosts []Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan host: %w", err)
		}
		hosts = append(hosts, *h)
	}
	return hosts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanHost(s scanner) (*Host, error) {
	var h Host
	var platform, agentVersion *string
	var status string
	if err := s.Scan(&h.HostID, &h.Hostname, &platform, &agentVersion, &h.LastSeen, &status); err != nil {
		return nil, err
	}
	h.Status = HostStatus(status)
	if platform != nil {
		h.Platform = *platform
	}
	if agentVersion != nil {
		h.AgentVersion = *agentVersion
	}
	return &h, nil
}

func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
