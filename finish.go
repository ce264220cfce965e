package twophase

import (
	"fmt"

	"github.com/aalhour/twophase/internal/encoding"
	"github.com/aalhour/twophase/internal/logging"
	"github.com/aalhour/twophase/internal/testutil"
)

// FinishParams bundles Finish's caller identity and permission inputs.
type FinishParams struct {
	Gid              string
	IsCommit         bool
	RaiseIfAbsent    bool
	Session          int64
	CallerRole       uint32
	IsSuperuser      bool
	Database         uint32
	CoordinatorProxy bool
}

// Finish implements COMMIT PREPARED / ROLLBACK PREPARED. It returns (false,
// nil) when the GID is absent and RaiseIfAbsent is false; otherwise a
// NotFound error surfaces. finished is true only once every step through
// slot removal has completed.
func (m *Manager) Finish(p FinishParams) (finished bool, err error) {
	h, err := m.reg.LockForFinish(LockParams{
		Gid:              p.Gid,
		Session:          p.Session,
		CallerRole:       p.CallerRole,
		IsSuperuser:      p.IsSuperuser,
		Database:         p.Database,
		CoordinatorProxy: p.CoordinatorProxy,
	})
	if err != nil {
		if IsKind(err, KindNotFound) && !p.RaiseIfAbsent {
			return false, nil
		}
		return false, err
	}

	dummyID, xid, beginLSN, err := m.reg.SlotInfo(h)
	if err != nil {
		return false, err
	}

	raw, err := m.wal.ReadAt(beginLSN)
	if err != nil {
		return false, newErr(KindCorruptWal, p.Gid, xid, err)
	}
	body, err := stripPrepareFrame(raw)
	if err != nil {
		return false, newErr(KindCorruptWal, p.Gid, xid, err)
	}
	payload, err := DecodePayload(body, m.checksumAlg(), m.compressionAlg())
	if err != nil {
		return false, newErr(KindCorruptWal, p.Gid, xid, err)
	}

	latestXid := xid
	for _, c := range payload.Subxids {
		if c > latestXid {
			latestXid = c
		}
	}

	// Enter the critical section (see prepare.go's matching comment on the
	// lock-free checkpoint interlock).
	m.inCommit.enter()
	defer m.inCommit.leave()

	rels := payload.AbortRels
	kp := testutil.KPTwoPhaseTransactionAbortPrepared
	if p.IsCommit {
		rels = payload.CommitRels
		kp = testutil.KPTwoPhaseTransactionCommitPrepared
	}

	distribTS, distribXid, hasDistrib := m.slotDistrib(h)
	record := encodeFinishRecord(p.IsCommit, xid, payload.Subxids, rels,
		payload.Header.database, distribTS, distribXid, hasDistrib)

	testutil.MaybeKill(kp)
	if _, _, err := m.wal.Append(frameRecord(recordKindFinish, record)); err != nil {
		return false, fmt.Errorf("twophase: insert %s record: %w", finishRecordName(p.IsCommit), err)
	}
	if err := m.wal.Flush(); err != nil {
		return false, fmt.Errorf("twophase: flush %s record: %w", finishRecordName(p.IsCommit), err)
	}
	m.wakeReplicationSenders(p.Gid, beginLSN)

	testutil.MaybeKill(testutil.KPFinishPreparedAfterRecordCommitPrepared)

	if p.IsCommit {
		if m.clog.IsCommittedOrAborted(xid) {
			err := newErr(KindInvariantViolated, p.Gid, xid, fmt.Errorf("xid %d already resolved in clog", xid))
			m.log.Fatalf(logging.NSFinish+"%v", err)
			return false, err
		}
		m.clog.CommitTree(xid, payload.Subxids)
	} else {
		m.clog.AbortTree(xid, payload.Subxids)
	}

	m.proc.Remove(dummyID, latestXid)

	if err := m.reg.MarkInvalid(h); err != nil {
		return false, err
	}

	for _, rel := range rels {
		if err := m.unlink.Unlink(rel); err != nil {
			return false, fmt.Errorf("twophase: unlink relation %+v: %w", rel, err)
		}
	}

	if err := m.rmgr.dispatch(xid, payload.Records, p.IsCommit); err != nil {
		return false, err
	}

	if p.IsCommit {
		m.reg.stats.PreparedCommitted.Add(1)
	} else {
		m.reg.stats.PreparedRolledBack.Add(1)
	}

	m.recIdx.Forget(xid)

	if err := m.reg.Remove(h); err != nil {
		return false, err
	}

	m.log.Infof(logging.NSFinish+"finished gid=%q xid=%d commit=%v", p.Gid, xid, p.IsCommit)
	return true, nil
}

// slotDistrib recovers the distributed timestamp/XID parsed from the GID at
// reserve time, re-deriving it here since the gxact struct keeps it
// unexported. These fields are carried in the COMMIT/ABORT PREPARED record
// header.
func (m *Manager) slotDistrib(h SlotHandle) (distribTimeStamp int64, distribXid uint32, hasDistrib bool) {
	return crackGid(h.Gid())
}

func finishRecordName(isCommit bool) string {
	if isCommit {
		return "COMMIT PREPARED"
	}
	return "ABORT PREPARED"
}

// encodeFinishRecord builds the COMMIT/ABORT PREPARED WAL record: a fixed
// header carrying the distributed timestamp and distributed XID parsed
// from the GID, followed by (xid, nrels, nsubxacts, rels[], children[]).
// Finish never re-reads this record back into the registry — only
// RebuildRecoveryIndexFromWAL's from-scratch replay needs to pull the xid
// back out, via decodeFinishRecordXid below.
func encodeFinishRecord(isCommit bool, xid uint32, children []uint32, rels []RelFileNode, database uint32, distribTimeStamp int64, distribXid uint32, hasDistrib bool) []byte {
	out := make([]byte, 0, 32+len(children)*4+len(rels)*relFileNodeSize)
	if isCommit {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	out = encoding.AppendFixed64(out, uint64(distribTimeStamp))
	out = encoding.AppendFixed32(out, distribXid)
	if hasDistrib {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	out = encoding.AppendFixed32(out, xid)
	out = encoding.AppendFixed32(out, database)
	out = encoding.AppendFixed32(out, uint32(len(rels)))
	out = encoding.AppendFixed32(out, uint32(len(children)))
	for _, rel := range rels {
		var buf [relFileNodeSize]byte
		rel.encode(buf[:])
		out = append(out, buf[:]...)
	}
	for _, c := range children {
		out = encoding.AppendFixed32(out, c)
	}
	return out
}

// decodeFinishRecordXid reads just the xid field out of a COMMIT/ABORT
// PREPARED record's body (the tag byte already stripped by the caller),
// mirroring encodeFinishRecord's field layout up through xid.
func decodeFinishRecordXid(body []byte) (xid uint32, err error) {
	const xidOffset = 1 + 8 + 4 + 1 // isCommit + distribTimeStamp + distribXid + hasDistrib
	if len(body) < xidOffset+4 {
		return 0, fmt.Errorf("twophase: truncated finish record")
	}
	return encoding.DecodeFixed32(body[xidOffset : xidOffset+4]), nil
}
