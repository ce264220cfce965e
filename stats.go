package twophase

import "sync/atomic"

// Stats tracks lifetime counters over this Manager's prepared
// transactions, updated at the same pipeline steps that change a
// transaction's prepared/committed/rolled-back/recovered state.
type Stats struct {
	PrepareCount      atomic.Int64
	PreparedCommitted atomic.Int64
	PreparedRolledBack atomic.Int64
	RecoveredCount    atomic.Int64
}

// Snapshot is a point-in-time copy of Stats, safe to read without racing
// further updates.
type Snapshot struct {
	PrepareCount       int64
	PreparedCommitted  int64
	PreparedRolledBack int64
	RecoveredCount     int64
}

// Snapshot copies the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		PrepareCount:       s.PrepareCount.Load(),
		PreparedCommitted:  s.PreparedCommitted.Load(),
		PreparedRolledBack: s.PreparedRolledBack.Load(),
		RecoveredCount:     s.RecoveredCount.Load(),
	}
}
