// Package projector maintains the consumer-side materialized view of
// identity records and applies identity events to it idempotently.
package projector

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("projector: not found")
	// ErrVersionConflict signals a lost optimistic-concurrency race; the
	// caller re-reads and retries.
	ErrVersionConflict = errors.New("projector: version conflict")
)

// Projection is the local identity record. Version implements optimistic
// concurrency: writes carry the version they read, and the store rejects
// stale ones.
type Projection struct {
	ID        int64
	Email     string
	Role      string
	Version   int64
	UpdatedAt time.Time
}

// Store persists projections.
type Store interface {
	Get(ctx context.Context, id int64) (*Projection, error)
	// Upsert inserts when Version is zero and updates when the stored
	// version matches; either way the stored version is bumped and written
	// back into the argument. Returns ErrVersionConflict on a lost race.
	Upsert(ctx context.Context, p *Projection) error
}
