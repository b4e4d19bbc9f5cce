package pipeline

import (
	"sync"
)

// sequencer restores send order between the shared channel and the accumulator.
// Send stamps every record with a per-schema sequence number; receivers pull from
// the channel concurrently and may therefore present records out of order, so push
// appends only the next expected record and parks any that arrived early. A parked
// record's gap is always filled: a stamped record is in the channel before the
// stamping Send returns, and receivers drain the channel to empty on shutdown.
type sequencer struct {
	accumulator *Accumulator

	mu       sync.Mutex
	assigned map[string]uint64
	next     map[string]uint64
	parked   map[string]map[uint64]*Record
}

func newSequencer(accumulator *Accumulator) *sequencer {
	return &sequencer{
		accumulator: accumulator,
		assigned:    map[string]uint64{},
		next:        map[string]uint64{},
		parked:      map[string]map[uint64]*Record{},
	}
}

// assign stamps the record with the next sequence number for its schema. The
// stamping order defines the commit order for that schema.
func (s *sequencer) assign(r *Record) {
	key := r.schemaKey()
	s.mu.Lock()
	r.seq = s.assigned[key]
	s.assigned[key]++
	s.mu.Unlock()
}

// push hands the record to the accumulator in sequence order, releasing any parked
// successors that the record unblocks.
func (s *sequencer) push(r *Record) error {
	key := r.schemaKey()
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.seq != s.next[key] {
		parked, ok := s.parked[key]
		if !ok {
			parked = map[uint64]*Record{}
			s.parked[key] = parked
		}
		parked[r.seq] = r
		return nil
	}

	if err := s.accumulator.Push(r); err != nil {
		return err
	}
	s.next[key] = r.seq + 1

	for {
		successor, ok := s.parked[key][s.next[key]]
		if !ok {
			return nil
		}
		delete(s.parked[key], s.next[key])
		if err := s.accumulator.Push(successor); err != nil {
			return err
		}
		s.next[key]++
	}
}
