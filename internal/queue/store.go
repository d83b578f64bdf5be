// Package queue holds the canonical, server-side queue record of every owner
// and arbitrates concurrent writes to it with a per-owner compare-and-set on
// the record version.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"plyr/pkg/models"
)

var (
	// ErrVersionAhead is returned when a writer claims a version the store
	// never issued. It means the client state is corrupt, not merely stale.
	ErrVersionAhead = errors.New("expected version is ahead of the stored version")

	// ErrMissingOwner is returned when a read or write names no owner.
	ErrMissingOwner = errors.New("owner id is required")

	// ErrNegativeVersion is returned for an expected version below zero.
	ErrNegativeVersion = errors.New("expected version cannot be negative")
)

// WriteResult is the outcome of a compare-and-set write. When Accepted is
// false the write was stale and State is the record that superseded it.
type WriteResult struct {
	State    models.QueueState
	Accepted bool
}

// Store persists one canonical queue record per owner.
//
// Read returns the implicit version-0 record for owners that never wrote.
// Write applies next only when the stored version equals expectedVersion,
// atomically with respect to every other Write for the same owner. Content is
// trusted: callers validate it first (see Service).
type Store interface {
	Read(ctx context.Context, ownerID string) (models.QueueState, error)
	Write(ctx context.Context, ownerID string, expectedVersion int64, next models.QueueState, updatedBy string) (WriteResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// Arbitrate applies the compare-and-set rule to the stored record current.
// Store implementations call it while holding their per-owner lock or row
// lock and persist State when the result is accepted.
func Arbitrate(current models.QueueState, expectedVersion int64, next models.QueueState, updatedBy string, now time.Time) (WriteResult, error) {
	switch {
	case expectedVersion < 0:
		return WriteResult{}, ErrNegativeVersion
	case current.Version > expectedVersion:
		return WriteResult{State: current, Accepted: false}, nil
	case current.Version < expectedVersion:
		return WriteResult{}, fmt.Errorf("%w: expected %d, stored %d", ErrVersionAhead, expectedVersion, current.Version)
	}

	applied := current.WithContent(next)
	applied.Version = current.Version + 1
	applied.UpdatedAt = now.UTC()
	applied.UpdatedBy = updatedBy
	applied.Normalize()
	return WriteResult{State: applied, Accepted: true}, nil
}
