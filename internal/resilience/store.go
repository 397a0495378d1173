package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/gtodrill/pkg/store"
	"github.com/MrWong99/gtodrill/pkg/types"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBackoff  = 200 * time.Millisecond
)

// StoreConfig tunes [NewResilientStore].
type StoreConfig struct {
	// Breaker configures the breaker in front of each backend.
	Breaker CircuitBreakerConfig

	// Fallback receives writes while the primary is failing. Nil disables
	// failover.
	Fallback store.SessionStore

	// FallbackName labels the fallback in logs. Default: "memory".
	FallbackName string

	// RetryAttempts bounds how often the final record is attempted.
	// Default: 3.
	RetryAttempts int

	// RetryBackoff is the pause before the second attempt; it doubles after
	// each further failure. Default: 200ms.
	RetryBackoff time.Duration
}

// ResilientStore is a [store.SessionStore] that puts the primary behind a
// circuit breaker, fails over to an optional fallback store and retries the
// final record with backoff.
type ResilientStore struct {
	group    *FallbackGroup[store.SessionStore]
	attempts int
	backoff  time.Duration
}

var _ store.SessionStore = (*ResilientStore)(nil)

// NewResilientStore wraps primary.
func NewResilientStore(primary store.SessionStore, primaryName string, cfg StoreConfig) *ResilientStore {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = defaultRetryAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.FallbackName == "" {
		cfg.FallbackName = "memory"
	}
	group := NewFallbackGroup(primary, primaryName, FallbackConfig{CircuitBreaker: cfg.Breaker})
	if cfg.Fallback != nil {
		group.AddFallback(cfg.FallbackName, cfg.Fallback)
	}
	return &ResilientStore{group: group, attempts: cfg.RetryAttempts, backoff: cfg.RetryBackoff}
}

// States reports each backend's breaker state.
func (s *ResilientStore) States() map[string]State { return s.group.States() }

// Register implements [store.SessionStore].
func (s *ResilientStore) Register(ctx context.Context, reg store.Registration) error {
	return s.group.Execute(ctx, func(ctx context.Context, st store.SessionStore) error {
		return st.Register(ctx, reg)
	})
}

// AppendStepBack implements [store.SessionStore].
func (s *ResilientStore) AppendStepBack(ctx context.Context, sessionID string, ev types.StepBackEvent) error {
	return s.group.Execute(ctx, func(ctx context.Context, st store.SessionStore) error {
		return st.AppendStepBack(ctx, sessionID, ev)
	})
}

// Complete implements [store.SessionStore]. It is retried because losing the
// final record loses the whole session.
func (s *ResilientStore) Complete(ctx context.Context, rec store.Record) error {
	return Retry(ctx, s.attempts, s.backoff, func(ctx context.Context) error {
		return s.group.Execute(ctx, func(ctx context.Context, st store.SessionStore) error {
			return st.Complete(ctx, rec)
		})
	})
}

// SaveReport implements [store.SessionStore].
func (s *ResilientStore) SaveReport(ctx context.Context, sessionID, report string) error {
	return s.group.Execute(ctx, func(ctx context.Context, st store.SessionStore) error {
		return st.SaveReport(ctx, sessionID, report)
	})
}

// Ping checks the primary backend when it supports pinging.
func (s *ResilientStore) Ping(ctx context.Context) error {
	if p, ok := s.group.Primary().(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Retry calls fn up to attempts times, sleeping backoff before the second
// attempt and doubling it after every further failure. It gives up early
// when ctx is done or when every breaker is open.
func Retry(ctx context.Context, attempts int, backoff time.Duration, fn func(ctx context.Context) error) error {
	var err error
	for i := range attempts {
		if i > 0 {
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return fmt.Errorf("resilience: retry: %w (last error: %w)", ctx.Err(), err)
			case <-t.C:
			}
			backoff *= 2
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if errors.Is(err, ErrCircuitOpen) || ctx.Err() != nil {
			return err
		}
		slog.Debug("resilience: attempt failed", "attempt", i+1, "of", attempts, "err", err)
	}
	return err
}
