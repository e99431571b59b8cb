package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	maxAttempts  = 10
	initialDelay = 50 * time.Millisecond
	maxDelay     = 2000 * time.Millisecond
)

// ErrConcurrencyExhausted indicates that every compare-and-swap attempt
// failed. Use errors.As with *ExhaustedError to inspect the last cause.
var ErrConcurrencyExhausted = errors.New("concurrency retries exhausted")

// ExhaustedError is returned after all update attempts failed, carrying
// the last underlying cause: a lost-update conflict, or a storage error
// encountered during an attempt.
type ExhaustedError struct {
	User     string
	Attempts int
	Cause    error
}

func (e *ExhaustedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("balance update for user %s failed after %d attempts: %v", e.User, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("balance update for user %s failed after %d attempts due to persistent conflicts", e.User, e.Attempts)
}

func (e *ExhaustedError) Unwrap() error {
	return ErrConcurrencyExhausted
}

// Prometheus metrics for the compare-and-swap loop.
var (
	updateConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "creditledger_balance_update_conflicts_total",
		Help: "Total number of compare-and-swap conflicts during balance updates",
	})
	updateExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "creditledger_balance_update_exhausted_total",
		Help: "Total number of balance updates that failed after exhausting all retries",
	})
	updateAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "creditledger_balance_update_attempts",
		Help:    "Number of attempts needed per successful balance update",
		Buckets: prometheus.LinearBuckets(1, 1, maxAttempts),
	})
)

// Updater applies signed deltas to a user's balance using optimistic
// concurrency control: read, compute, conditional write, retry with
// exponential backoff and jitter on conflict. Safe to call concurrently
// from many goroutines against the same user.
type Updater struct {
	store Store

	initialDelay time.Duration
	maxDelay     time.Duration
}

// NewUpdater creates an Updater over the given store.
func NewUpdater(store Store) *Updater {
	return &Updater{
		store:        store,
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
	}
}

// ApplyDelta adds delta to the named pool of user's balance, clamping
// the result at zero, and returns the post-update document. The zero
// credit type targets the legacy single-pool balance. Extra fields in
// set are written in the same atomic operation.
//
// Storage errors during an attempt are folded into the same retry
// budget as conflicts: transient hiccups resolve on a later attempt,
// and a persistently failing store surfaces as an ExhaustedError.
func (u *Updater) ApplyDelta(ctx context.Context, user string, delta int64, credit CreditType, set SetValues) (*Balance, error) {
	if !credit.Valid() {
		return nil, fmt.Errorf("unknown credit type %q", credit)
	}

	delay := u.initialDelay
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		updated, err := u.attempt(ctx, user, delta, credit, set)
		if err == nil && updated != nil {
			updateAttempts.Observe(float64(attempt))
			return updated, nil
		}

		updateConflicts.Inc()
		if err != nil {
			lastErr = err
			slog.Error("balance update attempt failed",
				"user", user,
				"attempt", attempt,
				"error", err,
			)
		} else {
			lastErr = fmt.Errorf("concurrency conflict for user %s on attempt %d", user, attempt)
			slog.Debug("balance update conflict", "user", user, "attempt", attempt)
		}

		if attempt < maxAttempts {
			jitter := time.Duration(rand.Float64() * float64(delay) * 0.5)
			select {
			case <-time.After(delay + jitter):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			delay = min(delay*2, u.maxDelay)
		}
	}

	updateExhausted.Inc()
	slog.Error("balance update exhausted retries",
		"user", user,
		"attempts", maxAttempts,
		"last_error", lastErr,
	)
	return nil, &ExhaustedError{User: user, Attempts: maxAttempts, Cause: lastErr}
}

// attempt performs one read-compute-write cycle. It returns nil, nil
// on a lost-update conflict and nil, err on a storage error; both are
// retried by the caller.
func (u *Updater) attempt(ctx context.Context, user string, delta int64, credit CreditType, set SetValues) (*Balance, error) {
	current, err := u.store.Find(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}

	expected := current.Pool(credit)
	next := max(0, expected+delta)

	if current == nil {
		created, err := u.store.Insert(ctx, user, credit, next, set)
		if errors.Is(err, ErrDuplicateKey) {
			// Another writer created the document between our read
			// and insert. Retry against the now-existing document.
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("insert balance: %w", err)
		}
		return created, nil
	}

	updated, err := u.store.CompareAndSwap(ctx, user, credit, expected, next, set)
	if err != nil {
		return nil, fmt.Errorf("conditional update: %w", err)
	}
	// nil means the pool changed since our read; the caller retries.
	return updated, nil
}
