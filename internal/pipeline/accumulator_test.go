package pipeline

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/clock"
)

const (
	defaultMaxItems = 3
	defaultMaxAge   = 5 * time.Second
)

func testRecord(table string, i int) *Record {
	return &Record{
		Table:   table,
		Columns: []string{"id", "value"},
		Key:     []string{"id"},
		Values:  []interface{}{i, fmt.Sprintf("value-%d", i)},
	}
}

func collectBatch(t *testing.T, emitted chan *Batch) *Batch {
	t.Helper()
	select {
	case b := <-emitted:
		return b
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a sealed batch")
		return nil
	}
}

func TestAccumulator_SealsOnSize(t *testing.T) {
	emitted := make(chan *Batch, 10)
	a := NewAccumulator(defaultMaxItems, defaultMaxAge, func(b *Batch) { emitted <- b })
	a.clock = clock.NewFakeClock(time.Now())

	for i := 0; i < 6; i++ {
		require.NoError(t, a.Push(testRecord("jobs", i)))
	}

	first := collectBatch(t, emitted)
	second := collectBatch(t, emitted)
	assert.Equal(t, 3, first.size())
	assert.Equal(t, 3, second.size())
	assert.Equal(t, [][]interface{}{
		{0, "value-0"}, {1, "value-1"}, {2, "value-2"},
	}, first.Rows)
	assert.Equal(t, "jobs", first.Table)
	assert.Equal(t, 0, len(emitted))
}

func TestAccumulator_SealsOnAge(t *testing.T) {
	fakeClock := clock.NewFakeClock(time.Now())
	emitted := make(chan *Batch, 10)
	a := NewAccumulator(defaultMaxItems, defaultMaxAge, func(b *Batch) { emitted <- b })
	a.clock = fakeClock

	require.NoError(t, a.Push(testRecord("jobs", 0)))
	require.NoError(t, a.Push(testRecord("jobs", 1)))

	require.Eventually(t, fakeClock.HasWaiters, 5*time.Second, 10*time.Millisecond)
	fakeClock.Step(defaultMaxAge)

	b := collectBatch(t, emitted)
	assert.Equal(t, 2, b.size())

	// The next push opens a fresh batch with a fresh timer
	require.NoError(t, a.Push(testRecord("jobs", 2)))
	require.Eventually(t, fakeClock.HasWaiters, 5*time.Second, 10*time.Millisecond)
	fakeClock.Step(defaultMaxAge)
	b = collectBatch(t, emitted)
	assert.Equal(t, 1, b.size())
}

func TestAccumulator_SeparateBatchPerSchema(t *testing.T) {
	emitted := make(chan *Batch, 10)
	a := NewAccumulator(10, defaultMaxAge, func(b *Batch) { emitted <- b })
	a.clock = clock.NewFakeClock(time.Now())

	require.NoError(t, a.Push(testRecord("jobs", 0)))
	require.NoError(t, a.Push(testRecord("runs", 1)))
	require.NoError(t, a.Push(testRecord("jobs", 2)))

	a.Flush()

	tables := map[string]int{}
	for i := 0; i < 2; i++ {
		b := collectBatch(t, emitted)
		tables[b.Table] = b.size()
	}
	assert.Equal(t, map[string]int{"jobs": 2, "runs": 1}, tables)
}

func TestAccumulator_FlushEmitsPartialBatch(t *testing.T) {
	emitted := make(chan *Batch, 10)
	a := NewAccumulator(defaultMaxItems, defaultMaxAge, func(b *Batch) { emitted <- b })
	a.clock = clock.NewFakeClock(time.Now())

	require.NoError(t, a.Push(testRecord("jobs", 0)))
	a.Flush()

	b := collectBatch(t, emitted)
	assert.Equal(t, 1, b.size())

	// Flushing with nothing open emits nothing
	a.Flush()
	assert.Equal(t, 0, len(emitted))
}

func TestAccumulator_FlushWaitsForExpiryEmit(t *testing.T) {
	fakeClock := clock.NewFakeClock(time.Now())
	emitted := make(chan *Batch) // unbuffered so the expiry emit blocks
	a := NewAccumulator(defaultMaxItems, defaultMaxAge, func(b *Batch) { emitted <- b })
	a.clock = fakeClock

	require.NoError(t, a.Push(testRecord("jobs", 0)))
	require.Eventually(t, fakeClock.HasWaiters, 5*time.Second, 10*time.Millisecond)
	fakeClock.Step(defaultMaxAge)

	// The expiry goroutine has sealed the batch and is now blocked handing it to
	// emit; a concurrent Flush finds nothing open but must still wait for it
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return len(a.open) == 0
	}, 5*time.Second, 10*time.Millisecond)

	flushed := make(chan struct{})
	go func() {
		a.Flush()
		close(flushed)
	}()
	select {
	case <-flushed:
		t.Fatal("flush returned while a sealed batch had not reached emit")
	case <-time.After(100 * time.Millisecond):
	}

	b := collectBatch(t, emitted)
	assert.Equal(t, 1, b.size())
	select {
	case <-flushed:
	case <-time.After(5 * time.Second):
		t.Fatal("flush did not return after the expiry emit completed")
	}
}

func TestAccumulator_ClosedRejectsPush(t *testing.T) {
	emitted := make(chan *Batch, 10)
	a := NewAccumulator(defaultMaxItems, defaultMaxAge, func(b *Batch) { emitted <- b })
	a.clock = clock.NewFakeClock(time.Now())

	require.NoError(t, a.Push(testRecord("jobs", 0)))
	a.Close()

	b := collectBatch(t, emitted)
	assert.Equal(t, 1, b.size())
	assert.ErrorIs(t, a.Push(testRecord("jobs", 1)), ErrAccumulatorClosed)
}
