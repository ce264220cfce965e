// Package procarray provides an in-memory process array: the visibility
// registry the dummy-participant bridge publishes into and retracts from.
//
// The real process array of a running database lives outside this
// package's scope. This is the small concrete collaborator standing in
// for it, so publishing and removing a participant is assertable in
// tests: for every valid slot, the process array contains exactly one
// participant with that slot's dummy participant id. Built as a small
// mutex-guarded registry rather than a shared-memory process array, since
// this module runs single-process.
package procarray

import (
	"fmt"
	"sync"
)

// Participant is the published record for one transaction visible to the
// rest of the system. A dummy participant carries XID and subxact
// information only; it has no live session behind it.
type Participant struct {
	ID     int64
	XID    uint32
	Dummy  bool
	Latest uint32 // set on removal to the transaction's latest (max) XID
}

// ProcArray is the in-memory process array.
type ProcArray struct {
	mu      sync.RWMutex
	byID    map[int64]*Participant
	byXID   map[uint32]int64
	cacheXI uint32
	cacheID int64
	hasC    bool
}

// New returns an empty process array.
func New() *ProcArray {
	return &ProcArray{
		byID:  make(map[int64]*Participant),
		byXID: make(map[uint32]int64),
	}
}

// Publish inserts a dummy participant for xid under the given stable
// participant id. Called from the GXACT registry's MarkValid.
func (p *ProcArray) Publish(id int64, xid uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.byID[id]; exists {
		return fmt.Errorf("procarray: participant id %d already published", id)
	}
	p.byID[id] = &Participant{ID: id, XID: xid, Dummy: true}
	p.byXID[xid] = id
	return nil
}

// Remove retracts the participant published under id, tagging it with
// latestXID (the max of xid and its subxacts).
func (p *ProcArray) Remove(id int64, latestXID uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	part, ok := p.byID[id]
	if !ok {
		return
	}
	part.Latest = latestXID
	delete(p.byID, id)
	delete(p.byXID, part.XID)
	if p.hasC && p.cacheID == id {
		p.hasC = false
	}
}

// FindByXID returns the participant handle for xid, memoizing the most
// recent lookup as a small per-process cache; it is purely an
// optimization, not part of the published contract.
func (p *ProcArray) FindByXID(xid uint32) (Participant, bool) {
	p.mu.RLock()
	if p.hasC && p.cacheXI == xid {
		if part, ok := p.byID[p.cacheID]; ok {
			defer p.mu.RUnlock()
			return *part, true
		}
	}
	id, ok := p.byXID[xid]
	if !ok {
		p.mu.RUnlock()
		return Participant{}, false
	}
	part := *p.byID[id]
	p.mu.RUnlock()

	p.mu.Lock()
	p.cacheXI, p.cacheID, p.hasC = xid, id, true
	p.mu.Unlock()
	return part, true
}

// Count returns the number of currently published participants.
func (p *ProcArray) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byID)
}
