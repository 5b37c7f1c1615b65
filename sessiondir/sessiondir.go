// Package sessiondir publishes the set of live client sessions held by a
// process so that other processes (dashboards, CLIs, sibling drivers) can
// discover them.
//
// Implementations
//
//	memorydir : process-local map, the default when nothing is configured
//	redisdir  : Redis-backed entries with TTL for multi-process visibility
//
// A Directory is advisory: the in-process session registry stays the source
// of truth, and publish failures never fail a connect or disconnect.
package sessiondir

import (
	"context"
	"time"

	"github.com/ggoodman/clusterclient-go/transport"
)

// Entry describes one live session.
type Entry struct {
	ID          string                   `json:"id"`
	Address     string                   `json:"address"`
	Info        transport.ConnectionInfo `json:"info"`
	PID         int                      `json:"pid"`
	ConnectedAt time.Time                `json:"connected_at"`
}

// Directory stores Entries keyed by session id. Implementations MUST be safe
// for concurrent use.
type Directory interface {
	// Publish inserts or replaces the entry for e.ID.
	Publish(ctx context.Context, e Entry) error
	// Withdraw removes the entry for id. Unknown ids are not an error.
	Withdraw(ctx context.Context, id string) error
	// List returns all entries in unspecified order.
	List(ctx context.Context) ([]Entry, error)
	// Close releases backend resources.
	Close() error
}
