package twophase

import (
	"fmt"
	"time"

	"github.com/aalhour/twophase/internal/logging"
	"github.com/aalhour/twophase/internal/xlog"
)

// PrescanAndAdvanceNextXid walks the Recovery Index, reading each PREPARE
// record's header and subxid array, and returns the minimum XID among
// prepared transactions CLOG has not yet resolved. currentNextXid is the
// caller's own running next-XID counter, owned by a transaction-ID
// allocator outside this package; this returns whichever of "oldest
// prepared XID" or currentNextXid is the correct floor, since advancing
// next-XID past every subxid this scan observes is the caller's
// responsibility once it has the max XID this function also reports via
// the second return value.
func (m *Manager) PrescanAndAdvanceNextXid(currentNextXid uint32) (oldestPreparedOrNext uint32, maxXidSeen uint32, err error) {
	maxXidSeen = currentNextXid
	var oldest uint32
	haveOldest := false

	for _, e := range m.recIdx.Iterate() {
		raw, err := m.wal.ReadAt(e.LSN)
		if err != nil {
			return 0, 0, newErr(KindCorruptWal, "", e.Xid, err)
		}
		body, err := stripPrepareFrame(raw)
		if err != nil {
			return 0, 0, newErr(KindCorruptWal, "", e.Xid, err)
		}
		payload, err := DecodePayload(body, m.checksumAlg(), m.compressionAlg())
		if err != nil {
			return 0, 0, newErr(KindCorruptWal, "", e.Xid, err)
		}

		for _, c := range payload.Subxids {
			if c >= maxXidSeen {
				maxXidSeen = c + 1
			}
		}
		if e.Xid >= maxXidSeen {
			maxXidSeen = e.Xid + 1
		}

		if !m.clog.IsCommittedOrAborted(e.Xid) {
			if !haveOldest || e.Xid < oldest {
				oldest = e.Xid
				haveOldest = true
			}
		}
	}

	if haveOldest {
		return oldest, maxXidSeen, nil
	}
	return maxXidSeen, maxXidSeen, nil
}

// SetupFromCheckpoint seeds the Recovery Index from a checkpoint payload
// before log replay resumes.
func (m *Manager) SetupFromCheckpoint(list []RecoveryEntry) {
	m.recIdx.Remember(list)
}

// RebuildRecoveryIndexFromWAL walks the whole WAL segment from byte zero,
// inserting a Recovery Index entry for every PREPARE record and deleting it
// again for every COMMIT/ABORT PREPARED record that resolves it — the
// frame's leading kind tag is what makes the two distinguishable without
// attempting (and possibly misinterpreting) a payload decode on both.
//
// Call this instead of SetupFromCheckpoint when no checkpoint exists yet
// (e.g. the very first restart after a crash); once a checkpoint exists,
// SetupFromCheckpoint plus this same walk restricted to records after the
// checkpoint's redo horizon is the cheaper path, but a single Manager in
// this package only ever keeps one never-rotated segment, so a full walk is
// always affordable.
func (m *Manager) RebuildRecoveryIndexFromWAL() error {
	return m.wal.Replay(func(lsn xlog.LSN, raw []byte) error {
		if len(raw) < 1 {
			return fmt.Errorf("twophase: empty WAL frame at lsn %d", lsn)
		}
		switch raw[0] {
		case recordKindPrepare:
			payload, err := DecodePayload(raw[1:], m.checksumAlg(), m.compressionAlg())
			if err != nil {
				return newErr(KindCorruptWal, "", 0, err)
			}
			m.recIdx.InsertOrUpdate(payload.Header.xid, lsn)
		case recordKindFinish:
			xid, err := decodeFinishRecordXid(raw[1:])
			if err != nil {
				return newErr(KindCorruptWal, "", 0, err)
			}
			m.recIdx.Forget(xid)
		default:
			return fmt.Errorf("twophase: unknown WAL frame kind %d at lsn %d", raw[0], lsn)
		}
		return nil
	})
}

// RecoverPrepared rebuilds the registry from every Recovery Index entry
// whose XID CLOG has not resolved, dispatching each rmgr record's recover
// callback. It returns how many slots were rebuilt.
func (m *Manager) RecoverPrepared() (int, error) {
	recovered := 0
	for _, e := range m.recIdx.Iterate() {
		if m.clog.IsCommittedOrAborted(e.Xid) {
			continue
		}

		raw, err := m.wal.ReadAt(e.LSN)
		if err != nil {
			return recovered, newErr(KindCorruptWal, "", e.Xid, err)
		}
		body, err := stripPrepareFrame(raw)
		if err != nil {
			return recovered, newErr(KindCorruptWal, "", e.Xid, err)
		}
		payload, err := DecodePayload(body, m.checksumAlg(), m.compressionAlg())
		if err != nil {
			return recovered, newErr(KindCorruptWal, "", e.Xid, err)
		}

		h, err := m.reg.Reserve(ReserveParams{
			Gid:        payload.Header.gid,
			Xid:        e.Xid,
			Owner:      payload.Header.owner,
			Database:   payload.Header.database,
			PreparedAt: time.Unix(payload.Header.preparedAt, 0),
			Session:    0,
			BeginLSN:   e.LSN,
		})
		if err != nil {
			return recovered, fmt.Errorf("twophase: recover gid %q: %w", payload.Header.gid, err)
		}
		if err := m.reg.LoadSubxacts(h, payload.Subxids); err != nil {
			return recovered, err
		}

		endLSN, err := m.wal.NextLSN(e.LSN)
		if err != nil {
			return recovered, newErr(KindCorruptWal, payload.Header.gid, e.Xid, err)
		}
		if err := m.reg.MarkValid(h, endLSN); err != nil {
			return recovered, err
		}

		if err := m.rmgr.dispatchRecover(e.Xid, payload.Records); err != nil {
			return recovered, err
		}

		m.reg.stats.RecoveredCount.Add(1)
		recovered++
		m.log.Infof(logging.NSRecovery+"recovered gid=%q xid=%d begin_lsn=%d", payload.Header.gid, e.Xid, e.LSN)
	}
	return recovered, nil
}
