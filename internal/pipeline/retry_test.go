package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/clock"
)

// testError carries an explicit retryability so tests control the classification.
type testError struct {
	msg       string
	retryable bool
}

func (e *testError) Error() string   { return e.msg }
func (e *testError) Retryable() bool { return e.retryable }

var (
	errTransient = &testError{msg: "connection reset", retryable: true}
	errFatal     = &testError{msg: "protocol violation", retryable: false}
)

// scriptedExecutor fails with the scripted error for each leading attempt, then
// succeeds reporting one row per batch row.
type scriptedExecutor struct {
	mu     sync.Mutex
	script []error
	calls  int
}

func (e *scriptedExecutor) Execute(b *Batch) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.calls <= len(e.script) && e.script[e.calls-1] != nil {
		return 0, e.script[e.calls-1]
	}
	return int64(len(b.Rows)), nil
}

func (e *scriptedExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func testBatch(rows int) *Batch {
	b := newBatch(testRecord("jobs", 0), time.Now())
	for i := 1; i < rows; i++ {
		b.append(testRecord("jobs", i))
	}
	return b
}

func newTestRetrier(exec Executor, maxAttempts int, delays *[]time.Duration) *retrier {
	return &retrier{
		executor:    exec,
		name:        "test",
		baseDelay:   time.Millisecond,
		maxDelay:    time.Second,
		maxAttempts: maxAttempts,
		clock:       clock.RealClock{},
		onBackoff: func(attempt int, delay time.Duration) {
			if delays != nil {
				*delays = append(*delays, delay)
			}
		},
	}
}

func TestRetrier_CommitsAfterTransientFailures(t *testing.T) {
	exec := &scriptedExecutor{script: []error{errTransient, errTransient}}
	var delays []time.Duration
	r := newTestRetrier(exec, 3, &delays)

	rows, err := r.execute(context.Background(), testBatch(5))
	require.NoError(t, err)
	assert.Equal(t, int64(5), rows)
	assert.Equal(t, 3, exec.callCount())

	require.Len(t, delays, 2)
	assert.Greater(t, delays[1], delays[0], "backoff delays must increase")
}

func TestRetrier_ExhaustsAttempts(t *testing.T) {
	exec := &scriptedExecutor{script: []error{errTransient, errTransient, errTransient}}
	var delays []time.Duration
	r := newTestRetrier(exec, 3, &delays)

	_, err := r.execute(context.Background(), testBatch(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, exec.callCount())
	assert.Len(t, delays, 2)
}

func TestRetrier_FatalFailsImmediately(t *testing.T) {
	exec := &scriptedExecutor{script: []error{errFatal}}
	var delays []time.Duration
	r := newTestRetrier(exec, 3, &delays)

	_, err := r.execute(context.Background(), testBatch(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, errFatal)
	assert.Equal(t, 1, exec.callCount())
	assert.Empty(t, delays, "non-transient failures must not be retried")
}

func TestRetrier_AbandonedDuringBackoff(t *testing.T) {
	fakeClock := clock.NewFakeClock(time.Now())
	exec := &scriptedExecutor{script: []error{errTransient, errTransient, errTransient}}
	r := newTestRetrier(exec, 3, nil)
	r.clock = fakeClock

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		_, err := r.execute(ctx, testBatch(1))
		result <- err
	}()

	// The retrier is now suspended in its first backoff wait
	require.Eventually(t, fakeClock.HasWaiters, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrDrainTimeout)
		assert.Equal(t, 1, exec.callCount())
	case <-time.After(5 * time.Second):
		t.Fatal("retrier did not observe cancellation during backoff")
	}
}

func TestBackoff_CappedAndJittered(t *testing.T) {
	r := &retrier{baseDelay: 100 * time.Millisecond, maxDelay: time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		d := r.backoff(attempt)
		assert.LessOrEqual(t, d, 1250*time.Millisecond)
		assert.Greater(t, d, time.Duration(0))
	}
	// First delay stays within ±25% of the base
	d := r.backoff(1)
	assert.GreaterOrEqual(t, d, 75*time.Millisecond)
	assert.LessOrEqual(t, d, 125*time.Millisecond)
}
