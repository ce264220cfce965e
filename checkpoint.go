package twophase

import (
	"io"

	"github.com/aalhour/twophase/internal/logging"
	"github.com/aalhour/twophase/internal/xlog"
)

// CollectForCheckpoint returns every valid slot's (xid, prepare_begin_lsn)
// pair for inclusion in the checkpoint record.
func (m *Manager) CollectForCheckpoint() []RecoveryEntry {
	return m.reg.SnapshotForCheckpoint()
}

// WriteCheckpointTo serializes the current prepared-transaction snapshot to
// dst as a checkpoint log, for a checkpointer to persist alongside its own
// redo-horizon record.
func (m *Manager) WriteCheckpointTo(dst io.Writer, logNumber uint64) error {
	return WriteCheckpointLog(dst, logNumber, m.CollectForCheckpoint())
}

// LoadCheckpointFrom reads a checkpoint log written by WriteCheckpointTo and
// seeds the Recovery Index from it, ahead of RecoverPrepared.
func (m *Manager) LoadCheckpointFrom(src io.Reader, logNumber uint64) error {
	entries, err := ReadCheckpointLog(src, logNumber)
	if err != nil {
		return err
	}
	m.SetupFromCheckpoint(entries)
	return nil
}

// OldestPrepareLSN returns the minimum prepare_begin_lsn over every valid
// slot, or (0, false) if none are resident. WAL trimming must not discard
// records at or below this LSN.
func (m *Manager) OldestPrepareLSN() (xlog.LSN, bool) {
	return m.reg.OldestPrepareLSN()
}

// CheckpointFsync is deliberately a no-op: the prepare payload lives in WAL
// and the Recovery Index is reconstructed at replay, so there is no
// per-slot state file to fsync. Kept as an explicit method, not omitted, so
// a future implementer does not reintroduce one.
func (m *Manager) CheckpointFsync(redoHorizon xlog.LSN) error {
	m.log.Debugf(logging.NSCheckpoint+"checkpoint fsync at redo_horizon=%d (no-op)", redoHorizon)
	return nil
}
