// Package state implements the lockable state backend: per-stage resource
// graph storage with exclusive lock ownership, plus deployment record and
// audit persistence. Two stores are provided, a local SQLite store and a
// remote S3 store using conditional writes for the lock object.
package state

import (
	"context"
	"time"

	"github.com/stagecoach/stagecoach/pkg/engine"
)

// Store is the raw storage behind the Manager. TryLock fails immediately on
// contention; retry policy lives in the Manager, not the store.
type Store interface {
	// TryLock attempts to take the stage lock in a single atomic step. A held,
	// unexpired lock yields LockContention. An expired lock is reaped and
	// taken over.
	TryLock(ctx context.Context, stage engine.StageName, holder string, ttl time.Duration) (*engine.LockHandle, error)

	// ReadState returns the stage's committed graph. A never-applied stage
	// yields an empty graph at version zero.
	ReadState(ctx context.Context, stage engine.StageName) (*engine.ResourceGraph, error)

	// WriteState replaces the stage's graph and bumps its version. The
	// presented lock must be the live lock for the stage or the write fails
	// with StaleLock.
	WriteState(ctx context.Context, stage engine.StageName, graph *engine.ResourceGraph, lock *engine.LockHandle) error

	// Unlock releases the lock if it is still the live one. Releasing an
	// expired or superseded lock is a no-op.
	Unlock(ctx context.Context, lock *engine.LockHandle) error

	// Close releases store resources.
	Close() error
}
