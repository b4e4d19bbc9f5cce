// Package pipeline implements a streaming upsert pipeline: records sent by any
// number of producers are pushed onto a bounded channel, pulled by an elastic pool
// of receivers, grouped into per-table batches and committed to a sink through a
// retrying executor. Producers are backpressured when the channel is full and
// shutdown drains all accepted work before reporting completion.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/syncstream/syncstream/internal/pipeline/metrics"
)

// ErrDrainTimeout marks batches still outstanding when the drain deadline passed.
var ErrDrainTimeout = errors.New("drain timeout exceeded")

type State int32

const (
	StateRunning State = iota
	StateDraining
	StateStopped
)

type atomicState struct {
	v atomic.Int32
}

func (s *atomicState) store(st State) { s.v.Store(int32(st)) }
func (s *atomicState) load() State    { return State(s.v.Load()) }

// Executor applies a sealed batch to its final destination. Implementations are
// responsible for their own statement timeout and must classify failures so that
// Retryable errors can be retried.
type Executor interface {
	Execute(b *Batch) (int64, error)
}

// Classifier is implemented by executor errors that carry a terminal failure class
// for observability.
type Classifier interface {
	FailureClass() string
}

// FailureFunc is invoked with every batch that reaches a terminal failure, together
// with its final error. It is the only record of permanently lost work.
type FailureFunc func(b *Batch, err error)

type Config struct {
	Name                  string
	ChannelCapacity       int
	MinReceivers          int
	MaxReceivers          int
	MaxBatchSize          int
	MaxBatchAge           time.Duration
	RetryBaseDelay        time.Duration
	RetryCap              time.Duration
	RetryMaxAttempts      int
	DrainTimeout          time.Duration
	ScaleInterval         time.Duration
	ScaleHighWatermark    float64
	ScaleLowWatermark     float64
	ScaleSustainedSamples int
}

type Pipeline struct {
	cfg       Config
	executor  Executor
	onFailure FailureFunc
	metrics   *metrics.Metrics
	clock     clock.Clock

	input       chan *Record
	accumulator *Accumulator
	sequencer   *sequencer
	retrier     *retrier
	pool        *receiverPool
	stats       *Stats

	sendMu sync.RWMutex
	closed bool

	draining  chan struct{}
	drainCtx  context.Context
	drainStop context.CancelFunc
	inflight  sync.WaitGroup
	state     atomicState
	shutdown  sync.Once
	stopped   chan struct{}

	// commitTail chains batch commits per schema so that batches for one schema
	// commit in seal order while distinct schemas commit concurrently.
	commitMu   sync.Mutex
	commitTail map[string]chan struct{}
}

func New(cfg Config, executor Executor, onFailure FailureFunc, m *metrics.Metrics) *Pipeline {
	applyDefaults(&cfg)
	drainCtx, drainStop := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:        cfg,
		executor:   executor,
		onFailure:  onFailure,
		metrics:    m,
		clock:      clock.RealClock{},
		input:      make(chan *Record, cfg.ChannelCapacity),
		stats:      &Stats{},
		draining:   make(chan struct{}),
		drainCtx:   drainCtx,
		drainStop:  drainStop,
		stopped:    make(chan struct{}),
		commitTail: map[string]chan struct{}{},
	}
	p.accumulator = NewAccumulator(cfg.MaxBatchSize, cfg.MaxBatchAge, p.submit)
	p.sequencer = newSequencer(p.accumulator)
	p.retrier = &retrier{
		executor:    executor,
		name:        cfg.Name,
		baseDelay:   cfg.RetryBaseDelay,
		maxDelay:    cfg.RetryCap,
		maxAttempts: cfg.RetryMaxAttempts,
		clock:       p.clock,
		metrics:     m,
	}
	p.pool = newReceiverPool(p)
	return p
}

func applyDefaults(cfg *Config) {
	if cfg.ChannelCapacity <= 0 {
		cfg.ChannelCapacity = 1024
	}
	if cfg.MinReceivers <= 0 {
		cfg.MinReceivers = 1
	}
	if cfg.MaxReceivers < cfg.MinReceivers {
		cfg.MaxReceivers = cfg.MinReceivers
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 500
	}
	if cfg.MaxBatchAge <= 0 {
		cfg.MaxBatchAge = time.Second
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 100 * time.Millisecond
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 30 * time.Second
	}
	if cfg.RetryMaxAttempts <= 0 {
		cfg.RetryMaxAttempts = 5
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if cfg.ScaleInterval <= 0 {
		cfg.ScaleInterval = time.Second
	}
	if cfg.ScaleHighWatermark <= 0 {
		cfg.ScaleHighWatermark = 0.75
	}
	if cfg.ScaleLowWatermark <= 0 {
		cfg.ScaleLowWatermark = 0.05
	}
	if cfg.ScaleSustainedSamples <= 0 {
		cfg.ScaleSustainedSamples = 3
	}
}

// GetSender returns a new producer handle. Safe to call at any time from any
// goroutine; each producer should hold its own handle.
func (p *Pipeline) GetSender() *Sender {
	return &Sender{p: p}
}

// Stats returns a point-in-time snapshot of the pipeline counters without blocking
// any pipeline task.
func (p *Pipeline) Stats() StatsSnapshot {
	return p.stats.Snapshot()
}

func (p *Pipeline) State() State {
	return p.state.load()
}

// Run starts the receiver pool and blocks until ctx is cancelled, then drains and
// returns. A non-nil error is returned only if the drain deadline was exceeded, in
// which case the abandoned batches have been reported through the failure callback.
func (p *Pipeline) Run(ctx context.Context) error {
	log.Infof("%s: pipeline starting with %d-%d receivers, channel capacity %d",
		p.cfg.Name, p.cfg.MinReceivers, p.cfg.MaxReceivers, p.cfg.ChannelCapacity)

	supervisorDone := make(chan struct{})
	go func() {
		p.pool.run()
		close(supervisorDone)
	}()

	select {
	case <-ctx.Done():
	case <-p.draining:
	}
	log.Infof("%s: shutdown signal received, draining", p.cfg.Name)
	return p.drain(supervisorDone)
}

// Stop triggers the same drain sequence as cancelling the context given to Run.
// It is used when no signal source is wired in.
func (p *Pipeline) Stop() {
	p.shutdownOnce()
}

// shutdownOnce flips the pipeline into the draining state exactly once: new sends
// are rejected from here on, and receivers drain the channel to empty and exit.
func (p *Pipeline) shutdownOnce() {
	p.shutdown.Do(func() {
		p.state.store(StateDraining)
		p.sendMu.Lock()
		p.closed = true
		p.sendMu.Unlock()
		close(p.draining)
	})
}

func (p *Pipeline) drain(supervisorDone chan struct{}) error {
	deadline := p.clock.After(p.cfg.DrainTimeout)
	p.shutdownOnce()

	// Receivers empty the channel and exit; the supervisor returns once they have.
	select {
	case <-supervisorDone:
	case <-deadline:
		return p.abandon(supervisorDone)
	}

	// Everything accepted is now in the accumulator. Seal and submit the remainder.
	p.accumulator.Close()

	committed := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(committed)
	}()
	select {
	case <-committed:
	case <-deadline:
		return p.abandon(committed)
	}

	p.drainStop()
	p.state.store(StateStopped)
	close(p.stopped)
	s := p.stats.Snapshot()
	log.Infof("%s: pipeline stopped; %d records accepted, %d batches committed, %d failed",
		p.cfg.Name, s.RecordsAccepted, s.BatchesCommitted, s.BatchesFailed)
	return nil
}

// abandon is the drain-deadline path: outstanding retry waits are cancelled so that
// every in-flight batch reaches a terminal state promptly, each reported to the
// failure callback as a drain timeout. Statements already executing still run to
// completion first. The accumulator closes only after the awaited stage finishes,
// so receivers still emptying the channel can never have a record rejected; their
// remaining records are flushed into batches that fail through the callback rather
// than being dropped.
func (p *Pipeline) abandon(wait <-chan struct{}) error {
	log.Errorf("%s: drain timeout of %s exceeded, abandoning outstanding work", p.cfg.Name, p.cfg.DrainTimeout)
	p.drainStop()
	if wait != nil {
		<-wait
	}
	p.accumulator.Close()
	p.inflight.Wait()
	p.state.store(StateStopped)
	close(p.stopped)
	return errors.WithMessagef(ErrDrainTimeout, "%s: pipeline stopped with abandoned batches", p.cfg.Name)
}

// submit is the accumulator's emit callback: it hands the sealed batch to the
// retrying executor on its own goroutine, tracked by the outstanding-work counter
// the shutdown coordinator waits on.
func (p *Pipeline) submit(b *Batch) {
	sealed := p.clock.Now()
	p.metrics.RecordBatchSealed(b.size())
	p.inflight.Add(1)

	p.commitMu.Lock()
	prev := p.commitTail[b.schemaKey()]
	done := make(chan struct{})
	p.commitTail[b.schemaKey()] = done
	p.commitMu.Unlock()

	go func() {
		defer p.inflight.Done()
		defer close(done)
		if prev != nil {
			<-prev
		}
		rows, err := p.retrier.execute(p.drainCtx, b)
		if err != nil {
			p.stats.batchesFailed.Add(1)
			p.metrics.RecordBatchFailed(b.Table, failureReason(err))
			log.WithError(err).Errorf("%s: batch %s with %d rows for table %s failed terminally",
				p.cfg.Name, b.Id, b.size(), b.Table)
			if p.onFailure != nil {
				p.onFailure(b, err)
			}
			return
		}
		p.stats.batchesCommitted.Add(1)
		p.stats.rowsUpserted.Add(rows)
		p.metrics.RecordBatchCommitted(b.Table, rows, p.clock.Since(sealed))
		log.Debugf("%s: batch %s committed, %d rows upserted into %s", p.cfg.Name, b.Id, rows, b.Table)
	}()
}

func failureReason(err error) metrics.FailureReason {
	if errors.Is(err, ErrDrainTimeout) {
		return metrics.FailureReasonDrainTimeout
	}
	var c Classifier
	if errors.As(err, &c) {
		return metrics.FailureReason(c.FailureClass())
	}
	if IsRetryable(err) {
		return metrics.FailureReasonTransientExhausted
	}
	return metrics.FailureReasonFatal
}
