package twophase

import (
	"fmt"

	"github.com/aalhour/twophase/internal/logging"
	"github.com/aalhour/twophase/internal/testutil"
	"github.com/aalhour/twophase/internal/xlog"
)

// ReservePrepare allocates a GXACT slot for gid. On any failure before
// EndPayloadAndCommitToWAL's MarkValid, the caller's session abort path
// (AbortSession) must free the slot — ReservePrepare itself does not roll
// back on later errors.
func (m *Manager) ReservePrepare(p ReserveParams) (SlotHandle, error) {
	if p.PreparedAt.IsZero() {
		p.PreparedAt = m.now()
	}
	h, err := m.reg.Reserve(p)
	if err != nil {
		return h, err
	}
	testutil.MaybeKill(testutil.KPStartPrepareTx)
	return h, nil
}

// LoadSubxacts records committed-child XIDs on both the registry's bounded
// cache and the in-flight payload builder, if one has been started.
func (m *Manager) LoadSubxacts(h SlotHandle, children []uint32) error {
	if err := m.reg.LoadSubxacts(h, children); err != nil {
		return err
	}
	if b := m.builderFor(h.Gid()); b != nil {
		b.LoadSubxacts(children)
	}
	return nil
}

// BeginPayload starts assembling h's prepare payload. A session must not
// call this twice for the same slot without an intervening
// EndPayloadAndCommitToWAL or AbortSession.
func (m *Manager) BeginPayload(h SlotHandle) error {
	xid, database, owner, gid, preparedAt, err := m.reg.Identity(h)
	if err != nil {
		return err
	}
	b := Begin(xid, database, owner, gid, preparedAt, m.opts)

	m.bmu.Lock()
	defer m.bmu.Unlock()
	if _, exists := m.builders[gid]; exists {
		return fmt.Errorf("twophase: BeginPayload called twice for gid %q", gid)
	}
	m.builders[gid] = b
	return nil
}

// SetCommitRels / SetAbortRels record the files to unlink on commit/abort.
func (m *Manager) SetCommitRels(h SlotHandle, rels []RelFileNode) error {
	b := m.builderFor(h.Gid())
	if b == nil {
		return fmt.Errorf("twophase: SetCommitRels before BeginPayload for gid %q", h.Gid())
	}
	b.SetCommitRels(rels)
	return nil
}

func (m *Manager) SetAbortRels(h SlotHandle, rels []RelFileNode) error {
	b := m.builderFor(h.Gid())
	if b == nil {
		return fmt.Errorf("twophase: SetAbortRels before BeginPayload for gid %q", h.Gid())
	}
	b.SetAbortRels(rels)
	return nil
}

// RegisterPayload emits one rmgr record into h's in-flight payload.
func (m *Manager) RegisterPayload(h SlotHandle, rmid uint8, info uint16, data []byte) error {
	b := m.builderFor(h.Gid())
	if b == nil {
		return fmt.Errorf("twophase: RegisterPayload before BeginPayload for gid %q", h.Gid())
	}
	return b.RegisterRecord(rmid, info, data)
}

// EndPayloadAndCommitToWAL finalizes the payload and runs the remainder of
// the prepare pipeline: WAL insert, Recovery Index update, flush, publish,
// unlock.
func (m *Manager) EndPayloadAndCommitToWAL(h SlotHandle) (prepareBeginLSN, prepareLSN xlog.LSN, err error) {
	b := m.builderFor(h.Gid())
	if b == nil {
		return 0, 0, fmt.Errorf("twophase: EndPayloadAndCommitToWAL before BeginPayload for gid %q", h.Gid())
	}
	defer m.dropBuilder(h.Gid())

	payload, err := b.End()
	if err != nil {
		return 0, 0, err
	}

	// Enter the critical section. No registry lock is held across the WAL
	// insert/flush below; only this lock-free counter marks the checkpoint
	// interlock. It must be left before waiting for synchronous replication
	// (step 10 follows step 9 in the prepare pipeline), so every exit path
	// below calls leave() explicitly instead of deferring it.
	m.inCommit.enter()

	beginLSN, endLSN, err := m.wal.Append(frameRecord(recordKindPrepare, payload))
	if err != nil {
		m.inCommit.leave()
		return 0, 0, fmt.Errorf("twophase: insert PREPARE record: %w", err)
	}

	xid, _, _, gid, _, identErr := m.reg.Identity(h)
	if identErr != nil {
		m.inCommit.leave()
		return 0, 0, identErr
	}

	m.reg.mu.Lock()
	if slot, err := m.reg.slotAt(h); err == nil {
		slot.beginLSN = beginLSN
	}
	m.reg.mu.Unlock()

	// This must happen before Flush so that any checkpoint racing the
	// flush still finds prepare_begin_lsn.
	m.recIdx.InsertOrUpdate(xid, beginLSN)

	if err := m.wal.Flush(); err != nil {
		m.inCommit.leave()
		return 0, 0, fmt.Errorf("twophase: flush PREPARE record: %w", err)
	}
	m.wakeReplicationSenders(gid, endLSN)

	testutil.MaybeKill(testutil.KPEndPreparedTwoPhaseSleep)

	if err := m.reg.MarkValid(h, endLSN); err != nil {
		m.inCommit.leave()
		return 0, 0, err
	}

	m.inCommit.leave()

	m.waitSyncRep(endLSN)

	m.log.Infof(logging.NSPrepare+"prepared gid=%q xid=%d begin_lsn=%d lsn=%d", gid, xid, beginLSN, endLSN)
	return beginLSN, endLSN, nil
}

func (m *Manager) builderFor(gid string) *Builder {
	m.bmu.Lock()
	defer m.bmu.Unlock()
	return m.builders[gid]
}

func (m *Manager) dropBuilder(gid string) {
	m.bmu.Lock()
	defer m.bmu.Unlock()
	delete(m.builders, gid)
}

// wakeReplicationSenders is a hook for a replication subsystem that lives
// outside this package; this core only needs to call it at the right
// point in the pipeline.
func (m *Manager) wakeReplicationSenders(gid string, lsn xlog.LSN) {
	m.log.Debugf(logging.NSWAL+"wake replication senders gid=%q lsn=%d", gid, lsn)
}

// waitSyncRep is a hook for a synchronous-replication wait; it is a no-op
// here since no replication subsystem exists in this package.
func (m *Manager) waitSyncRep(lsn xlog.LSN) {
	_ = lsn
}
