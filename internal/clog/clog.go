// Package clog provides an in-memory commit-status log: a contract
// collaborator the 2PC core consults to tell committed, aborted, and
// in-progress XIDs apart.
//
// The real commit log and distributed commit log live outside this
// package's scope. This gives the Finish Pipeline's CLOG update and
// recovery's "neither committed nor aborted" test somewhere concrete to
// read and write: a small mutex-guarded map, not a multi-page on-disk
// SLRU — the real CLOG's segmented, checkpointed storage is exactly the
// kind of machinery this package stands in for.
package clog

import "sync"

// Status is the commit status of a local transaction ID.
type Status uint8

const (
	// InProgress means the XID has neither committed nor aborted.
	InProgress Status = iota
	// Committed means the XID (and, for a prepared transaction, every
	// subtransaction recorded with it) committed.
	Committed
	// Aborted means the XID (and its subtransactions) aborted.
	Aborted
)

// Log is an in-memory commit-status log keyed by local transaction ID.
// Distinct from the distributed commit log, which would additionally key by
// the distributed XID parsed from the GID (see gid.go); this module tracks
// only the local mapping, since no distributed coordinator is implemented.
type Log struct {
	mu    sync.RWMutex
	state map[uint32]Status
}

// New returns an empty commit-status log. Every unrecorded XID reads as InProgress.
func New() *Log {
	return &Log{state: make(map[uint32]Status)}
}

// Status returns the recorded status of xid, defaulting to InProgress.
func (l *Log) Status(xid uint32) Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if s, ok := l.state[xid]; ok {
		return s
	}
	return InProgress
}

// CommitTree marks xid and every subxid in children as Committed: writes
// the committed sub-tree to the commit log.
func (l *Log) CommitTree(xid uint32, children []uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state[xid] = Committed
	for _, c := range children {
		l.state[c] = Committed
	}
}

// AbortTree marks xid and every subxid in children as Aborted.
func (l *Log) AbortTree(xid uint32, children []uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state[xid] = Aborted
	for _, c := range children {
		l.state[c] = Aborted
	}
}

// IsCommittedOrAborted reports whether xid has a terminal status, used
// during recovery to skip prepared transactions whose decision already
// made it to the commit log before the crash.
func (l *Log) IsCommittedOrAborted(xid uint32) bool {
	s := l.Status(xid)
	return s == Committed || s == Aborted
}
