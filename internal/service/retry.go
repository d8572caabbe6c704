package service

import (
	"context"
	"math/rand"
	"time"

	"github.com/contextfs/syncd/internal/errors"
	"github.com/contextfs/syncd/internal/metrics"
	"github.com/contextfs/syncd/internal/store"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// RetryPolicy bounds how often a transaction is re-run after a transient store conflict
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 4,
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   500 * time.Millisecond,
	}
}

// Backoff returns the delay before retry number attempt (0-based): a random
// duration in [d/2, d] where d = BaseDelay * 2^attempt capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt && (p.MaxDelay <= 0 || d < p.MaxDelay); i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// TxRunner executes read-decide-write closures inside store transactions and
// re-runs the whole closure when the store reports a transient conflict
type TxRunner struct {
	store   store.SyncStore
	policy  RetryPolicy
	clock   clockwork.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewTxRunner creates a new transaction runner
func NewTxRunner(
	syncStore store.SyncStore,
	policy RetryPolicy,
	clock clockwork.Clock,
	m *metrics.Metrics,
	logger *zap.Logger,
) *TxRunner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TxRunner{
		store:   syncStore,
		policy:  policy,
		clock:   clock,
		metrics: m,
		logger:  logger,
	}
}

// Run executes fn atomically. Unique violations and write conflicts trigger a
// fresh attempt after backoff; any other error is returned immediately. When
// retries run out the last conflict is returned as a TransientConflict error.
func (r *TxRunner) Run(ctx context.Context, operation string, fn func(ctx context.Context, tx store.Tx) error) error {
	var lastErr error
	attempts := r.policy.MaxRetries + 1

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := r.policy.Backoff(attempt - 1)
			r.metrics.RecordTxRetry(operation)
			r.logger.Debug("Retrying transaction after transient conflict",
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))

			if err := r.sleep(ctx, delay); err != nil {
				return err
			}
		}

		err := r.store.WithTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !store.IsTransient(err) {
			return err
		}
		lastErr = err
	}

	r.metrics.RecordTxExhausted(operation)
	r.logger.Warn("Transaction retries exhausted",
		zap.String("operation", operation),
		zap.Int("attempts", attempts),
		zap.Error(lastErr))

	return errors.TransientConflict(operation, attempts, lastErr)
}

func (r *TxRunner) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.clock.After(d):
		return nil
	}
}
