// Package storage provides the PostgreSQL-backed aggregation layer for the
// fleet server. It exposes typed model structs for the hosts and
// crash_summaries tables and a Store that wraps a pgxpool connection pool
// with a batched summary-insert path.
package storage

import "time"

// HostStatus represents the liveness state of a monitored host as seen by
// the fleet server.
type HostStatus string

const (
	HostStatusOnline   HostStatus = "ONLINE"
	HostStatusOffline  HostStatus = "OFFLINE"
	HostStatusDegraded HostStatus = "DEGRADED"
)

// Host maps to the `hosts` table. LastSeen is nil when the host has never
// registered.
type Host struct {
	HostID       string     `json:"host_id"`
	Hostname     string     `json:"hostname"`
	Platform     string     `json:"platform,omitempty"`
	AgentVersion string     `json:"agent_version,omitempty"`
	LastSeen     *time.Time `json:"last_seen,omitempty"`
	Status       HostStatus `json:"status"`
}

// CrashSummary maps to the `crash_summaries` table: one row per forwarded
// crash, keyed by the forwarder-generated summary ID.
type CrashSummary struct {
	SummaryID  string    `json:"summary_id"`
	HostID     string    `json:"host_id"`
	PID        uint32    `json:"pid"`
	Cmd        string    `json:"cmd"`
	Signal     int32     `json:"signal"`
	SiCode     int32     `json:"si_code"`
	FaultAddr  uint64    `json:"fault_addr"`
	Timestamp  time.Time `json:"timestamp"`
	ReportText string    `json:"report_text"`
	ReceivedAt time.Time `json:"received_at"`
}

// CrashQuery carries the filter and pagination parameters for QueryCrashes.
//
// From and To are mandatory and bracket the received_at column, enabling
// partition pruning on a time-partitioned crash_summaries table. Limit
// defaults to 100 when <= 0. An empty HostID matches all hosts.
type CrashQuery struct {
	HostID string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}
