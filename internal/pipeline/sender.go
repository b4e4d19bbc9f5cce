package pipeline

import (
	"github.com/pkg/errors"
)

// ErrPipelineClosed is returned by Send once shutdown has begun.
var ErrPipelineClosed = errors.New("pipeline is closed to new sends")

// Sender is a producer-facing handle onto the pipeline's shared channel. Any number
// of senders may be created; sends from a single sender are delivered to receivers
// in send order. Send blocks while the channel is at capacity.
type Sender struct {
	p *Pipeline
}

// Send validates the record and places it on the pipeline channel, suspending the
// caller under backpressure. Returns ErrPipelineClosed after shutdown has begun; a
// record accepted by Send is guaranteed to reach a terminal outcome.
func (s *Sender) Send(r *Record) error {
	if err := r.Validate(); err != nil {
		return err
	}

	// The read lock is held for the duration of the channel send so that shutdown,
	// which takes the write lock before closing, can never strand an accepted
	// record. Receivers keep draining until shutdown is signalled, so a blocked
	// send always completes.
	s.p.sendMu.RLock()
	defer s.p.sendMu.RUnlock()
	if s.p.closed {
		return ErrPipelineClosed
	}
	s.p.sequencer.assign(r)
	s.p.input <- r
	s.p.stats.recordsAccepted.Add(1)
	s.p.metrics.RecordAccepted()
	return nil
}
