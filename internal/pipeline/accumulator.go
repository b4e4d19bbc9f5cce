package pipeline

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/clock"
)

// ErrAccumulatorClosed is returned by Push once the accumulator has been closed.
var ErrAccumulatorClosed = errors.New("accumulator is closed")

// Accumulator groups records into batches keyed by (table, column shape). A batch is
// sealed and emitted when it reaches maxItems rows or maxAge has elapsed since it was
// opened, whichever happens first. Each open batch has its own expiry goroutine so
// low-traffic tables still flush promptly.
type Accumulator struct {
	maxItems int
	maxAge   time.Duration
	clock    clock.Clock
	emit     func(*Batch)

	mu     sync.Mutex
	open   map[string]*openBatch
	closed bool

	// emitting tracks batches sealed but not yet handed to emit. Flush waits on it
	// so that once Flush returns, every sealed batch has reached the emit callback.
	// Each Add happens under mu in the same critical section that removes the batch
	// from open, so a flusher either collects the batch itself or waits for it.
	emitting sync.WaitGroup
}

type openBatch struct {
	batch *Batch
	stop  chan struct{}
}

func NewAccumulator(maxItems int, maxAge time.Duration, emit func(*Batch)) *Accumulator {
	return &Accumulator{
		maxItems: maxItems,
		maxAge:   maxAge,
		clock:    clock.RealClock{},
		emit:     emit,
		open:     map[string]*openBatch{},
	}
}

// Push appends a record to the open batch for its schema, sealing the batch if it
// reaches the size threshold. A record accepted by Push is guaranteed to reach an
// emitted batch.
func (a *Accumulator) Push(r *Record) error {
	key := r.schemaKey()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrAccumulatorClosed
	}
	ob, ok := a.open[key]
	if !ok {
		ob = &openBatch{batch: newBatch(r, a.clock.Now()), stop: make(chan struct{})}
		a.open[key] = ob
		go a.expire(key, ob)
	} else {
		ob.batch.append(r)
	}
	var sealed *Batch
	if ob.batch.size() >= a.maxItems {
		delete(a.open, key)
		close(ob.stop)
		sealed = ob.batch
		a.emitting.Add(1)
	}
	a.mu.Unlock()

	if sealed != nil {
		a.emit(sealed)
		a.emitting.Done()
	}
	return nil
}

// expire seals the batch once maxAge has elapsed, unless it was already sealed by
// size or a flush.
func (a *Accumulator) expire(key string, ob *openBatch) {
	select {
	case <-ob.stop:
		return
	case <-a.clock.After(a.maxAge):
	}

	a.mu.Lock()
	var sealed *Batch
	if cur, ok := a.open[key]; ok && cur == ob {
		delete(a.open, key)
		sealed = ob.batch
		a.emitting.Add(1)
	}
	a.mu.Unlock()

	if sealed != nil {
		a.emit(sealed)
		a.emitting.Done()
	}
}

// Flush seals and emits every open batch regardless of size, then waits for any
// emit already in flight on another goroutine, so a finished Flush means every
// record pushed so far is in an emitted batch.
func (a *Accumulator) Flush() {
	a.mu.Lock()
	sealed := make([]*Batch, 0, len(a.open))
	for key, ob := range a.open {
		delete(a.open, key)
		close(ob.stop)
		sealed = append(sealed, ob.batch)
	}
	a.emitting.Add(len(sealed))
	a.mu.Unlock()

	for _, b := range sealed {
		a.emit(b)
		a.emitting.Done()
	}
	a.emitting.Wait()
}

// Close flushes all open batches and rejects any further pushes.
func (a *Accumulator) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.Flush()
}
