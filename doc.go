// Package twophase implements the two-phase commit manager of a disk-backed,
// crash-safe transactional database: the in-memory registry of prepared
// global transactions (GXACTs), the on-WAL prepare-record format and its
// assembly/replay, the commit-prepared/rollback-prepared finish protocol,
// and the crash-recovery and checkpoint machinery that keep WAL retention
// from discarding a record a prepared transaction still needs.
//
// A Manager, opened with Open, owns one database's worth of this state. The
// typical lifecycle for one prepared transaction is:
//
//	h, _ := mgr.ReservePrepare(twophase.ReserveParams{Gid: gid, Xid: xid, ...})
//	_ = mgr.BeginPayload(h)
//	_ = mgr.LoadSubxacts(h, subxids)
//	_ = mgr.SetCommitRels(h, commitRels)
//	_ = mgr.RegisterPayload(h, rmid, info, data)
//	_, _, _ = mgr.EndPayloadAndCommitToWAL(h)
//	// ... later, from any session with permission ...
//	_, _ = mgr.Finish(twophase.FinishParams{Gid: gid, IsCommit: true, ...})
//
// If a session aborts before EndPayloadAndCommitToWAL durably commits the
// slot, or after LockForFinish locks it but before Finish completes, the
// caller must invoke AbortSession so the slot is released or unlocked.
package twophase
