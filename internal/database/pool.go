package database

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"
)

// PoolHandle is an exclusive lease on one live connection. It must be released
// exactly once, on either the success or the failure path.
type PoolHandle struct {
	conn     Connection
	released atomic.Bool
}

func (h *PoolHandle) Conn() Connection {
	return h.conn
}

// Pool owns a bounded set of database connections. Connections are established
// lazily as handles are acquired, up to the maximum; broken connections are
// discarded on release and re-established on a later acquire. A background health
// check evicts connections that have sat idle for longer than maxIdleTime.
type Pool struct {
	connector      Connector
	min            int
	max            int
	acquireTimeout time.Duration
	maxIdleTime    time.Duration
	clock          clock.Clock

	// slots holds one token per potential connection; holding a token entitles the
	// caller to one connection, idle or freshly established.
	slots chan struct{}

	mu     sync.Mutex
	idle   []idleConn
	closed bool
}

type idleConn struct {
	conn  Connection
	since time.Time
}

func NewPool(connector Connector, min int, max int, acquireTimeout time.Duration, maxIdleTime time.Duration) *Pool {
	if max <= 0 {
		max = 1
	}
	if min < 0 {
		min = 0
	}
	if min > max {
		min = max
	}
	if acquireTimeout <= 0 {
		acquireTimeout = 30 * time.Second
	}
	slots := make(chan struct{}, max)
	for i := 0; i < max; i++ {
		slots <- struct{}{}
	}
	return &Pool{
		connector:      connector,
		min:            min,
		max:            max,
		acquireTimeout: acquireTimeout,
		maxIdleTime:    maxIdleTime,
		clock:          clock.RealClock{},
		slots:          slots,
	}
}

// Warm establishes connections up to the configured minimum. Called on first use;
// failures are returned so the caller can retry or abort startup.
func (p *Pool) Warm(ctx context.Context) error {
	handles := make([]*PoolHandle, 0, p.min)
	defer func() {
		for _, h := range handles {
			p.Release(h, nil)
		}
	}()
	for i := 0; i < p.min; i++ {
		h, err := p.Acquire(ctx)
		if err != nil {
			return err
		}
		if err := h.Conn().Ping(ctx); err != nil {
			p.Release(h, err)
			return err
		}
		handles = append(handles, h)
	}
	return nil
}

// Acquire leases a connection, waiting up to the configured acquire timeout for one
// to become available before failing with ErrPoolExhausted. Establishing a fresh
// connection can fail with a ConnectError, which is retryable.
func (p *Pool) Acquire(ctx context.Context) (*PoolHandle, error) {
	select {
	case <-p.slots:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.clock.After(p.acquireTimeout):
		return nil, ErrPoolExhausted
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.slots <- struct{}{}
		return nil, &ConnectError{Cause: context.Canceled}
	}
	var conn Connection
	if n := len(p.idle); n > 0 {
		conn = p.idle[n-1].conn
		p.idle = p.idle[:n-1]
	}
	p.mu.Unlock()

	if conn == nil {
		var err error
		conn, err = p.connector.Connect(ctx)
		if err != nil {
			p.slots <- struct{}{}
			if _, ok := err.(*ConnectError); ok {
				return nil, err
			}
			return nil, &ConnectError{Cause: err}
		}
	}
	return &PoolHandle{conn: conn}, nil
}

// Release returns the handle's connection to the idle set, or discards it if the
// outcome indicates the connection itself is broken. Releasing twice is a no-op.
func (p *Pool) Release(h *PoolHandle, outcome error) {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return
	}
	if connectionBroken(outcome) {
		log.WithError(outcome).Warn("discarding broken database connection")
		closeQuietly(h.conn)
	} else {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			closeQuietly(h.conn)
		} else {
			p.idle = append(p.idle, idleConn{conn: h.conn, since: p.clock.Now()})
			p.mu.Unlock()
		}
	}
	p.slots <- struct{}{}
}

// connectionBroken decides whether the outcome of a lease implies the underlying
// connection can no longer be trusted. Statement-level failures (constraint or
// schema errors) leave the connection healthy.
func connectionBroken(err error) bool {
	return err != nil && classify(err) == Transient
}

// CheckConnectivity acquires a connection and pings it, establishing one if none
// exist yet. Used as a startup probe.
func (p *Pool) CheckConnectivity(ctx context.Context) error {
	h, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	err = h.Conn().Ping(ctx)
	p.Release(h, err)
	return err
}

// Run evicts connections idle for longer than maxIdleTime until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	if p.maxIdleTime <= 0 {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(p.maxIdleTime / 2):
		}
		for _, c := range p.evictIdle() {
			log.Debug("evicting idle database connection")
			closeQuietly(c)
		}
	}
}

// evictIdle removes connections idle past the cutoff, keeping at least the
// configured minimum around.
func (p *Pool) evictIdle() []Connection {
	cutoff := p.clock.Now().Add(-p.maxIdleTime)
	var evicted []Connection
	p.mu.Lock()
	kept := p.idle[:0]
	for _, ic := range p.idle {
		if ic.since.Before(cutoff) && len(p.idle)-len(evicted) > p.min {
			evicted = append(evicted, ic.conn)
		} else {
			kept = append(kept, ic)
		}
	}
	p.idle = kept
	p.mu.Unlock()
	return evicted
}

// Close discards all idle connections and fails subsequent acquires. Connections
// currently on lease are closed when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var result *multierror.Error
	for _, ic := range idle {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		result = multierror.Append(result, ic.conn.Close(ctx))
		cancel()
	}
	return result.ErrorOrNil()
}

func closeQuietly(c Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		log.WithError(err).Debug("error closing database connection")
	}
}
