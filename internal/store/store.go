// Package store persists the gateway's own operational state: health
// snapshots and recent probe results. Provider configuration is owned
// by the config file and the admin layer; the core only ever writes
// health data here.
package store

import (
	"context"

	"github.com/modelrelay/modelrelay/internal/core"
)

// Store persists health snapshots and probe history.
type Store interface {
	// SaveHealth upserts the health snapshot for a provider.
	SaveHealth(ctx context.Context, provider string, status core.HealthStatus) error

	// LoadHealth returns the stored snapshot, if any.
	LoadHealth(ctx context.Context, provider string) (core.HealthStatus, bool, error)

	// AppendProbe records one probe result, pruning history beyond the
	// retention bound.
	AppendProbe(ctx context.Context, result core.ProbeResult) error

	// RecentProbes returns up to limit probe results, newest first.
	RecentProbes(ctx context.Context, provider string, limit int) ([]core.ProbeResult, error)

	Close() error
}

// Open selects the SQLite store when a path is configured, otherwise
// the in-memory store.
func Open(path string, retention int) (Store, error) {
	if path == "" {
		return NewMemory(retention), nil
	}

	return NewSQLite(path, retention)
}
