package rest

import (
	"context"

	"github.com/surno/crashtracer/internal/fleet/storage"
)

// Store is the read-side dependency of the fleet dashboard's REST API.
type Store interface {
	QueryCrashes(ctx context.Context, q storage.CrashQuery) ([]storage.CrashSummary, error)
	ListHosts(ctx context.Context) ([]storage.Host, error)
}
