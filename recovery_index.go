package twophase

import (
	"sort"
	"sync"

	"github.com/aalhour/twophase/internal/xlog"
)

// RecoveryEntry is one (xid, prepare_begin_lsn) pair as carried by the
// Recovery Index and by a checkpoint's prepared-transaction list.
type RecoveryEntry struct {
	Xid uint32
	LSN xlog.LSN
}

// RecoveryIndex is a map from XID to the LSN recovery must resume scanning
// from, keyed per-transaction rather than per-segment.
//
// Its two mutators are named Remember (replace the whole index from a
// checkpoint's list) and Forget (delete one entry), since there is no
// on-disk per-transaction file to recreate or remove here — only this
// in-memory index entry.
type RecoveryIndex struct {
	mu      sync.RWMutex
	entries map[uint32]xlog.LSN
}

// NewRecoveryIndex returns an empty Recovery Index.
func NewRecoveryIndex() *RecoveryIndex {
	return &RecoveryIndex{entries: make(map[uint32]xlog.LSN)}
}

// InsertOrUpdate records or overwrites xid's resume LSN, called from the
// Prepare Pipeline and from WAL replay.
func (r *RecoveryIndex) InsertOrUpdate(xid uint32, lsn xlog.LSN) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[xid] = lsn
}

// Remember repopulates the index wholesale from a checkpoint's
// prepared-transaction list.
func (r *RecoveryIndex) Remember(list []RecoveryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[uint32]xlog.LSN, len(list))
	for _, e := range list {
		r.entries[e.Xid] = e.LSN
	}
}

// Forget deletes xid's entry. A missing entry is not an error: Finish
// calls this unconditionally after a successful commit/abort.
func (r *RecoveryIndex) Forget(xid uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, xid)
}

// Lookup returns xid's recorded resume LSN, if any.
func (r *RecoveryIndex) Lookup(xid uint32) (xlog.LSN, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lsn, ok := r.entries[xid]
	return lsn, ok
}

// Iterate returns every (xid, lsn) pair in ascending LSN order, which
// makes replay and test assertions deterministic.
func (r *RecoveryIndex) Iterate() []RecoveryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RecoveryEntry, 0, len(r.entries))
	for xid, lsn := range r.entries {
		out = append(out, RecoveryEntry{Xid: xid, LSN: lsn})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LSN < out[j].LSN })
	return out
}

// Len reports how many entries are currently tracked.
func (r *RecoveryIndex) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
