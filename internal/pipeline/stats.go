package pipeline

import "sync/atomic"

// Stats are process-wide pipeline counters. Each field is written by a disjoint set
// of pipeline tasks and read via Snapshot, so plain atomics suffice and readers
// never contend with the pipeline.
type Stats struct {
	recordsAccepted  atomic.Int64
	batchesCommitted atomic.Int64
	batchesFailed    atomic.Int64
	rowsUpserted     atomic.Int64
	activeReceivers  atomic.Int64
}

// StatsSnapshot is a point-in-time copy of the pipeline counters.
type StatsSnapshot struct {
	RecordsAccepted  int64
	BatchesCommitted int64
	BatchesFailed    int64
	RowsUpserted     int64
	ActiveReceivers  int64
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		RecordsAccepted:  s.recordsAccepted.Load(),
		BatchesCommitted: s.batchesCommitted.Load(),
		BatchesFailed:    s.batchesFailed.Load(),
		RowsUpserted:     s.rowsUpserted.Load(),
		ActiveReceivers:  s.activeReceivers.Load(),
	}
}
