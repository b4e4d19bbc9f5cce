package pipeline

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/syncstream/syncstream/internal/pipeline/metrics"
)

// Retryable is implemented by errors that are expected to resolve on retry, e.g.
// temporary connection loss. All other errors are terminal for the batch.
type Retryable interface {
	Retryable() bool
}

// IsRetryable reports whether any error in the chain declares itself retryable.
func IsRetryable(err error) bool {
	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

// retrier executes batches, retrying transient failures with capped exponential
// backoff and jitter. Backoff waits on the clock so the host goroutine yields and
// other receivers keep progressing.
type retrier struct {
	executor    Executor
	name        string
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	clock       clock.Clock
	metrics     *metrics.Metrics

	// onBackoff is called before each backoff wait. Tests use it to observe delays.
	onBackoff func(attempt int, delay time.Duration)
}

// execute runs the batch to a terminal outcome: the row count on commit, or the
// final error once retries are exhausted, a non-retryable failure occurs, or ctx is
// cancelled during a backoff wait. A statement already executing is never cancelled
// by ctx; cancellation is only observed between attempts.
func (r *retrier) execute(ctx context.Context, b *Batch) (int64, error) {
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return 0, errors.WithMessagef(ErrDrainTimeout, "batch %s abandoned before attempt %d", b.Id, attempt)
		}
		rows, err := r.executor.Execute(b)
		if err == nil {
			return rows, nil
		}
		if !IsRetryable(err) {
			return 0, err
		}
		if attempt >= r.maxAttempts {
			return 0, errors.WithMessagef(err, "batch %s failed after %d attempts", b.Id, attempt)
		}

		delay := r.backoff(attempt)
		if r.onBackoff != nil {
			r.onBackoff(attempt, delay)
		}
		if r.metrics != nil {
			r.metrics.RecordRetry(b.Table)
		}
		log.WithError(err).Warnf(
			"%s: transient error on batch %s (attempt %d of %d), backing off for %s",
			r.name, b.Id, attempt, r.maxAttempts, delay)

		select {
		case <-r.clock.After(delay):
		case <-ctx.Done():
			return 0, errors.WithMessagef(ErrDrainTimeout, "batch %s abandoned during backoff", b.Id)
		}
	}
}

// backoff returns min(base * 2^(attempt-1), cap) with up to ±25% jitter.
func (r *retrier) backoff(attempt int) time.Duration {
	delay := r.baseDelay << uint(attempt-1)
	if delay > r.maxDelay || delay <= 0 {
		delay = r.maxDelay
	}
	jitter := delay / 4
	if jitter > 0 {
		delay = delay - jitter + time.Duration(rand.Int63n(int64(2*jitter)))
	}
	return delay
}
