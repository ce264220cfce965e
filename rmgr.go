package twophase

import (
	"fmt"
	"sync"
)

// MaxRmid is the highest rmid a resource manager plug-in may register.
// Values above it are reserved for future rmgrs and never dispatched; a
// payload carrying one is corrupt.
const MaxRmid = 64

// RmgrCallback receives one RecordEntry's bytes during finish or recovery
// dispatch. xid is the prepared transaction's local XID; the callback is
// never given the payload's other records.
type RmgrCallback func(xid uint32, info uint16, data []byte) error

// RmgrTable routes rmgr-opaque payload records to the plug-in that
// registered them; the core only routes their bytes. This is the
// collaborator standing in for the resource-manager plug-in subsystem,
// which lives outside this package.
type RmgrTable struct {
	mu        sync.RWMutex
	onCommit  map[uint8]RmgrCallback
	onAbort   map[uint8]RmgrCallback
	onRecover map[uint8]RmgrCallback
}

// NewRmgrTable returns an empty callback table.
func NewRmgrTable() *RmgrTable {
	return &RmgrTable{
		onCommit:  make(map[uint8]RmgrCallback),
		onAbort:   make(map[uint8]RmgrCallback),
		onRecover: make(map[uint8]RmgrCallback),
	}
}

// Register installs the post-commit, post-abort, and recovery callbacks for
// rmid. Any of the three may be nil; a nil callback means the entry is
// skipped silently when dispatch reaches that rmid.
func (t *RmgrTable) Register(rmid uint8, onCommit, onAbort, onRecover RmgrCallback) error {
	if rmid > MaxRmid {
		return fmt.Errorf("twophase: rmid %d exceeds MaxRmid %d", rmid, MaxRmid)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if onCommit != nil {
		t.onCommit[rmid] = onCommit
	}
	if onAbort != nil {
		t.onAbort[rmid] = onAbort
	}
	if onRecover != nil {
		t.onRecover[rmid] = onRecover
	}
	return nil
}

// dispatch walks records in order, calling the commit or abort callback for
// each rmid that has one. An unknown rmid with no callback is skipped
// silently; an rmid beyond MaxRmid that isn't the end sentinel is treated
// as a corrupt payload.
func (t *RmgrTable) dispatch(xid uint32, records []RecordEntry, commit bool) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	table := t.onAbort
	if commit {
		table = t.onCommit
	}
	for _, rec := range records {
		if rec.Rmid > MaxRmid {
			panic(fmt.Sprintf("twophase: corrupt payload: rmid %d exceeds MaxRmid %d", rec.Rmid, MaxRmid))
		}
		cb, ok := table[rec.Rmid]
		if !ok {
			continue
		}
		if err := cb(xid, rec.Info, rec.Data); err != nil {
			return fmt.Errorf("twophase: rmgr %d callback: %w", rec.Rmid, err)
		}
	}
	return nil
}

// dispatchRecover walks records calling each rmid's recover callback, so a
// plug-in can re-acquire locks and other state lost at the crash.
func (t *RmgrTable) dispatchRecover(xid uint32, records []RecordEntry) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, rec := range records {
		if rec.Rmid > MaxRmid {
			panic(fmt.Sprintf("twophase: corrupt payload: rmid %d exceeds MaxRmid %d", rec.Rmid, MaxRmid))
		}
		cb, ok := t.onRecover[rec.Rmid]
		if !ok {
			continue
		}
		if err := cb(xid, rec.Info, rec.Data); err != nil {
			return fmt.Errorf("twophase: rmgr %d recover callback: %w", rec.Rmid, err)
		}
	}
	return nil
}
