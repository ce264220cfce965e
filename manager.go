package twophase

import (
	"sync"
	"time"

	"github.com/aalhour/twophase/internal/checksum"
	"github.com/aalhour/twophase/internal/clog"
	"github.com/aalhour/twophase/internal/compression"
	"github.com/aalhour/twophase/internal/logging"
	"github.com/aalhour/twophase/internal/procarray"
	"github.com/aalhour/twophase/internal/vfs"
	"github.com/aalhour/twophase/internal/xlog"
)

// Manager is the top-level 2PC core: it wires together the GXACT Registry
// (C2), the Prepare and Finish pipelines (C4, C5), the Recovery Index (C6),
// the Checkpoint Interface (C7), and the Abort/Exit Hook (C8) over a single
// LSN-addressable WAL segment. One Manager corresponds to one database's
// prepared-transaction subsystem.
type Manager struct {
	opts Options
	log  logging.Logger

	wal    *xlog.Log
	clog   *clog.Log
	proc   *procarray.ProcArray
	reg    *Registry
	recIdx *RecoveryIndex
	rmgr   *RmgrTable
	unlink RelationUnlinker

	inCommit inCommitFlag

	bmu      sync.Mutex
	builders map[string]*Builder // gid -> in-flight payload builder
}

// Open creates or reopens a Manager whose WAL segment lives at
// dir+"/prepare.wal" on fs, and whose dropped-relation files live under
// dir+"/relations".
func Open(fs vfs.FS, dir string, opts Options) (*Manager, error) {
	opts.sanitize()

	walPath := dir + "/prepare.wal"
	log, err := xlog.Open(fs, walPath, opts.ChecksumAlgorithm)
	if err != nil {
		return nil, err
	}

	proc := procarray.New()
	m := &Manager{
		opts:     opts,
		log:      opts.Logger,
		wal:      log,
		clog:     clog.New(),
		proc:     proc,
		reg:      NewRegistry(opts, proc),
		recIdx:   NewRecoveryIndex(),
		rmgr:     NewRmgrTable(),
		unlink:   VFSUnlinker{FS: fs, Dir: dir + "/relations"},
		builders: make(map[string]*Builder),
	}
	return m, nil
}

// RegisterRmgr installs a resource manager's commit/abort/recover callbacks.
// The core only routes their bytes; it never interprets them.
func (m *Manager) RegisterRmgr(rmid uint8, onCommit, onAbort, onRecover RmgrCallback) error {
	return m.rmgr.Register(rmid, onCommit, onAbort, onRecover)
}

// SetUnlinker overrides the default relation-file unlinker, e.g. with a
// noopUnlinker in tests that don't exercise file drop.
func (m *Manager) SetUnlinker(u RelationUnlinker) { m.unlink = u }

// Stats returns the Manager's lifetime prepare/finish counters.
func (m *Manager) Stats() Snapshot { return m.reg.Stats() }

// ListPrepared returns the catalog-view snapshot of every prepared
// transaction currently resident.
func (m *Manager) ListPrepared() []PreparedXact { return m.reg.ListSnapshot() }

// DummyParticipant resolves xid's published dummy-participant handle.
func (m *Manager) DummyParticipant(xid uint32) (procarray.Participant, error) {
	return m.reg.DummyParticipant(xid)
}

// DummyParticipantID resolves xid's stable dummy-participant id.
func (m *Manager) DummyParticipantID(xid uint32) (int64, error) {
	return m.reg.DummyParticipantID(xid)
}

// IntentInc/IntentDec mutate a slot's append-only commit-work intent
// counter.
func (m *Manager) IntentInc(gid string) error { return m.reg.IntentInc(gid) }
func (m *Manager) IntentDec(gid string) error { return m.reg.IntentDec(gid) }

// LockForFinish exposes lock_for_finish (spec's C2 registry operation)
// directly, for callers that need to hold a GID's finish lock across work
// that happens before they call Finish — Finish itself calls this
// internally and does not need callers to use it first.
func (m *Manager) LockForFinish(p LockParams) (SlotHandle, error) {
	return m.reg.LockForFinish(p)
}

// Close releases the WAL segment's file handles. It does not flush; callers
// that want durability guarantees should ensure every pipeline already
// called Flush internally (Prepare/Finish always do).
func (m *Manager) Close() error {
	return m.wal.Close()
}

func (m *Manager) now() time.Time {
	return m.opts.Clock()
}

func (m *Manager) checksumAlg() checksum.Type { return m.opts.ChecksumAlgorithm }
func (m *Manager) compressionAlg() compression.Type { return m.opts.Compression }
