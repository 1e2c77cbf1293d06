package rest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/surno/crashtracer/internal/fleet/storage"
)

// Server holds the dependencies for the fleet dashboard's REST handlers.
type Server struct {
	store Store
}

// NewServer constructs a Server backed by store.
func NewServer(store Store) *Server {
	return &Server{store: store}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleGetCrashes serves GET /api/v1/crashes.
//
// Query params: host_id (optional), from, to (required, RFC3339), limit
// (default 100, max 1000), offset (default 0).
func (s *Server) handleGetCrashes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	from, err := parseRequiredTime(q, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseRequiredTime(q, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := 100
	if v := q.Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if parsed > 1000 {
			parsed = 1000
		}
		limit = parsed
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		offset = parsed
	}

	crashes, err := s.store.QueryCrashes(r.Context(), storage.CrashQuery{
		HostID: q.Get("host_id"),
		From:   from,
		To:     to,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query crashes failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(crashes)
}

// handleGetHosts serves GET /api/v1/hosts.
func (s *Server) handleGetHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := s.store.ListHosts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list hosts failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(hosts)
}

func parseRequiredTime(q map[string][]string, key string) (time.Time, error) {
	vals, ok := q[key]
	if !ok || len(vals) == 0 || vals[0] == "" {
		return time.Time{}, errRequiredParam(key)
	}
	t, err := time.Parse(time.RFC3339, vals[0])
	if err != nil {
		return time.Time{}, errInvalidTimeParam(key)
	}
	return t, nil
}

func errRequiredParam(key string) error {
	return &paramError{key: key, reason: "is required"}
}

func errInvalidTimeParam(key string) error {
	return &paramError{key: key, reason: "must be RFC3339"}
}

type paramError struct {
	key    string
	reason string
}

func (e *paramError) Error() string {
	return e.key + " " + e.reason
}
