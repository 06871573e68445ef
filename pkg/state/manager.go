package state

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/stagecoach/stagecoach/pkg/engine"
)

// ManagerOptions tunes lock acquisition retry behavior.
type ManagerOptions struct {
	// MaxAttempts bounds how many times AcquireLock tries before failing
	// with LockContention.
	MaxAttempts int

	// BaseDelay is the initial backoff delay between attempts.
	BaseDelay time.Duration

	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration
}

// DefaultManagerOptions returns the default retry tuning.
func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
	}
}

// Manager implements engine.StateBackend on top of a Store. It adds the
// bounded-backoff retry loop around lock acquisition; everything else passes
// through. A run that exhausts its attempts fails fast with LockContention
// rather than silently proceeding against stale state.
type Manager struct {
	store  Store
	opts   ManagerOptions
	logger zerolog.Logger

	// OnContention, when set, is invoked once per contended attempt.
	OnContention func(stage engine.StageName)

	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager wraps a store in retry and observation behavior.
func NewManager(store Store, opts ManagerOptions, logger zerolog.Logger) *Manager {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultManagerOptions().MaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultManagerOptions().BaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultManagerOptions().MaxDelay
	}
	return &Manager{
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "state-manager").Logger(),
		sleep:  sleepCtx,
	}
}

// AcquireLock implements engine.StateBackend.
func (m *Manager) AcquireLock(ctx context.Context, stage engine.StageName, holder string, ttl time.Duration) (*engine.LockHandle, error) {
	var lastErr error
	for attempt := 0; attempt < m.opts.MaxAttempts; attempt++ {
		lock, err := m.store.TryLock(ctx, stage, holder, ttl)
		if err == nil {
			if attempt > 0 {
				m.logger.Debug().Str("stage", string(stage)).Int("attempt", attempt+1).Msg("lock acquired after retry")
			}
			return lock, nil
		}
		lastErr = err

		if !engine.IsRetryable(err) {
			return nil, err
		}
		if m.OnContention != nil {
			m.OnContention(stage)
		}
		if attempt == m.opts.MaxAttempts-1 {
			break
		}

		backoff := m.calculateBackoff(attempt)
		m.logger.Debug().Str("stage", string(stage)).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("lock contended, backing off")
		if err := m.sleep(ctx, backoff); err != nil {
			return nil, engine.NewPermanentError("lock acquisition cancelled", err).
				WithCode(engine.ErrCodeCancelled).WithStage(stage)
		}
	}

	return nil, engine.NewConflictError(
		fmt.Sprintf("stage lock still held after %d attempts", m.opts.MaxAttempts), lastErr).
		WithCode(engine.ErrCodeLockContention).WithStage(stage)
}

// ReadState implements engine.StateBackend.
func (m *Manager) ReadState(ctx context.Context, stage engine.StageName) (*engine.ResourceGraph, error) {
	return m.store.ReadState(ctx, stage)
}

// WriteState implements engine.StateBackend.
func (m *Manager) WriteState(ctx context.Context, stage engine.StageName, graph *engine.ResourceGraph, lock *engine.LockHandle) error {
	return m.store.WriteState(ctx, stage, graph, lock)
}

// Release implements engine.StateBackend.
func (m *Manager) Release(ctx context.Context, lock *engine.LockHandle) error {
	return m.store.Unlock(ctx, lock)
}

// calculateBackoff calculates exponential backoff: delay = baseDelay * 2^attempt,
// capped at MaxDelay, with random jitter of up to ±25% so concurrent waiters
// spread out instead of retrying in lockstep.
func (m *Manager) calculateBackoff(attempt int) time.Duration {
	delay := m.opts.BaseDelay * time.Duration(math.Pow(2, float64(attempt)))
	if delay > m.opts.MaxDelay {
		delay = m.opts.MaxDelay
	}

	jitter := (rand.Float64() - 0.5) * 0.5 * float64(delay)
	return delay + time.Duration(jitter)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
