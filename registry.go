package twophase

import (
	"sync"
	"time"

	"github.com/aalhour/twophase/internal/logging"
	"github.com/aalhour/twophase/internal/procarray"
	"github.com/aalhour/twophase/internal/xlog"
)

// Registry is the GXACT registry: a fixed-capacity array of
// global-transaction slots with a free-list allocator, GID uniqueness, and
// per-entry exclusive locking.
//
// It runs single-process, so the slot array is a plain Go slice rather
// than a shared-memory array. The free list is a plain index-based stack
// rather than an intrusive link through slot storage, and GID lookup uses
// a map rather than a linear scan — neither changes the required lock
// discipline, which only needs to be O(N)-at-worst, not any particular
// lookup strategy.
type Registry struct {
	mu sync.RWMutex

	opts Options
	log  logging.Logger
	proc *procarray.ProcArray

	byIndex   []*gxact // nil at index i means slot i is free
	freeStack []int
	live      []*gxact // dense, order not significant (swap-remove on Remove)
	byGid     map[string]*gxact
	pending   map[int64]*gxact // locking_session -> slot currently locked by it

	stats Stats
}

// NewRegistry constructs a Registry with the given capacity and collaborators.
func NewRegistry(opts Options, proc *procarray.ProcArray) *Registry {
	opts.sanitize()
	n := opts.MaxPreparedXacts
	freeStack := make([]int, n)
	for i := 0; i < n; i++ {
		freeStack[i] = n - 1 - i // pop order doesn't matter; reverse is cosmetic
	}
	return &Registry{
		opts:      opts,
		log:       opts.Logger,
		proc:      proc,
		byIndex:   make([]*gxact, n),
		freeStack: freeStack,
		byGid:     make(map[string]*gxact),
		pending:   make(map[int64]*gxact),
	}
}

// Capacity returns the registry's fixed capacity N.
func (r *Registry) Capacity() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIndex)
}

// Stats returns a snapshot of this registry's lifetime counters.
func (r *Registry) Stats() Snapshot {
	return r.stats.Snapshot()
}

// ReserveParams bundles Reserve's inputs.
type ReserveParams struct {
	Gid        string
	Xid        uint32
	Owner      uint32
	Database   uint32
	PreparedAt time.Time
	Session    int64
	BeginLSN   xlog.LSN // optional: known only when rebuilding from WAL replay
}

// Reserve allocates a free slot for gid, marking it not-yet-valid and
// locked by the reserving session.
func (r *Registry) Reserve(p ReserveParams) (SlotHandle, error) {
	if err := validateGid(p.Gid); err != nil {
		return SlotHandle{index: -1}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.byIndex) == 0 {
		return SlotHandle{index: -1}, newErr(KindDisabled, p.Gid, p.Xid, nil)
	}
	if _, exists := r.byGid[p.Gid]; exists {
		return SlotHandle{index: -1}, newErr(KindDuplicateGid, p.Gid, p.Xid, nil)
	}
	if len(r.freeStack) == 0 {
		return SlotHandle{index: -1}, newErr(KindCapacityExhausted, p.Gid, p.Xid, nil)
	}

	idx := r.freeStack[len(r.freeStack)-1]
	r.freeStack = r.freeStack[:len(r.freeStack)-1]

	distribTS, distribXid, hasDistrib := crackGid(p.Gid)

	slot := &gxact{
		gid:              p.Gid,
		xid:              p.Xid,
		owner:            p.Owner,
		database:         p.Database,
		preparedAt:       p.PreparedAt,
		beginLSN:         p.BeginLSN,
		valid:            false,
		locking:          p.Session,
		dummyID:          int64(r.opts.MaxLiveSessions) + 1 + int64(idx),
		distribTimeStamp: distribTS,
		distribXid:       distribXid,
		hasDistrib:       hasDistrib,
	}

	r.byIndex[idx] = slot
	r.byGid[p.Gid] = slot
	r.live = append(r.live, slot)
	r.pending[p.Session] = slot

	r.stats.PrepareCount.Add(1)
	r.log.Infof(logging.NSRegistry+"reserved gid=%q xid=%d idx=%d", p.Gid, p.Xid, idx)
	return SlotHandle{index: idx, gid: p.Gid}, nil
}

// LoadSubxacts records the committed-child XIDs on a reserved slot, bounded
// by maxCachedSubxids with overflow tracked.
func (r *Registry) LoadSubxacts(h SlotHandle, children []uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, err := r.slotAt(h)
	if err != nil {
		return err
	}
	slot.addSubxids(children)
	return nil
}

// MarkValid transitions a slot from reserved to valid: durability of the
// PREPARE record has been confirmed by the caller. It publishes the dummy
// participant and unlocks the slot — valid is the unlocked state.
func (r *Registry) MarkValid(h SlotHandle, endLSN xlog.LSN) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, err := r.slotAt(h)
	if err != nil {
		return err
	}
	if slot.valid {
		err := newErr(KindInvariantViolated, slot.gid, slot.xid, nil)
		r.log.Fatalf(logging.NSRegistry+"%v", err)
		return err
	}
	slot.valid = true
	slot.endLSN = endLSN
	if err := r.proc.Publish(slot.dummyID, slot.xid); err != nil {
		wrapped := newErr(KindMissingDummy, slot.gid, slot.xid, err)
		r.log.Fatalf(logging.NSRegistry+"%v", wrapped)
		return wrapped
	}
	if r.pending[slot.locking] == slot {
		delete(r.pending, slot.locking)
	}
	slot.locking = 0
	return nil
}

// LockParams bundles LockForFinish's permission inputs.
type LockParams struct {
	Gid         string
	Session     int64  // identifies the caller for the exclusive lock/abort hook
	CallerRole  uint32 // the caller's role id, compared against the slot's owner
	IsSuperuser bool
	Database    uint32
	CoordinatorProxy bool // caller-supplied override for the cross-database check
}

// LockForFinish locates gid's valid slot and locks it for the calling
// session, enforcing Busy, PermissionDenied, and WrongDatabase.
func (r *Registry) LockForFinish(p LockParams) (SlotHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.byGid[p.Gid]
	if !ok || !slot.valid {
		return SlotHandle{index: -1}, newErr(KindNotFound, p.Gid, 0, nil)
	}
	if slot.locking != 0 {
		return SlotHandle{index: -1}, newErr(KindBusy, p.Gid, slot.xid, nil)
	}
	if !p.IsSuperuser && slot.owner != p.CallerRole {
		return SlotHandle{index: -1}, newErr(KindPermissionDenied, p.Gid, slot.xid, nil)
	}
	if !p.CoordinatorProxy && slot.database != p.Database {
		return SlotHandle{index: -1}, newErr(KindWrongDatabase, p.Gid, slot.xid, nil)
	}

	slot.locking = p.Session
	r.pending[p.Session] = slot
	return SlotHandle{index: slot.indexOf(r), gid: p.Gid}, nil
}

// FindByGid performs an unlocked-discipline scan used only for the
// prepare-session's own append-only intent accounting: it may return a
// not-yet-valid slot.
func (r *Registry) FindByGid(gid string) (SlotHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, ok := r.byGid[gid]
	if !ok {
		return SlotHandle{index: -1}, false
	}
	return SlotHandle{index: slot.indexOf(r), gid: gid}, true
}

// Remove excises a slot from the live array via swap-remove and returns
// its index to the free stack.
func (r *Registry) Remove(h SlotHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, err := r.slotAt(h)
	if err != nil {
		return err
	}

	for i, s := range r.live {
		if s == slot {
			last := len(r.live) - 1
			r.live[i] = r.live[last]
			r.live = r.live[:last]
			break
		}
	}
	delete(r.byGid, slot.gid)
	if r.pending[slot.locking] == slot {
		delete(r.pending, slot.locking)
	}
	r.byIndex[h.index] = nil
	r.freeStack = append(r.freeStack, h.index)
	return nil
}

// ListSnapshot copies every valid slot's public fields under the shared
// registry lock.
func (r *Registry) ListSnapshot() []PreparedXact {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PreparedXact, 0, len(r.live))
	for _, s := range r.live {
		if !s.valid {
			continue
		}
		out = append(out, PreparedXact{
			Gid:        s.gid,
			Xid:        s.xid,
			Owner:      s.owner,
			Database:   s.database,
			PreparedAt: s.preparedAt,
			BeginLSN:   s.beginLSN,
			Locked:     s.locking != 0,
		})
	}
	return out
}

// PreparedXact is the public, read-only catalog view of a GXACT returned
// by ListSnapshot.
type PreparedXact struct {
	Gid        string
	Xid        uint32
	Owner      uint32
	Database   uint32
	PreparedAt time.Time
	BeginLSN   xlog.LSN
	Locked     bool
}

// DummyParticipant returns the process-array handle published for xid.
func (r *Registry) DummyParticipant(xid uint32) (procarray.Participant, error) {
	part, ok := r.proc.FindByXID(xid)
	if !ok {
		err := newErr(KindMissingDummy, "", xid, nil)
		r.log.Fatalf(logging.NSRegistry+"%v", err)
		return procarray.Participant{}, err
	}
	return part, nil
}

// DummyParticipantID returns the stable dummy_participant_id for xid,
// without going through the process array.
func (r *Registry) DummyParticipantID(xid uint32) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.live {
		if s.xid == xid {
			return s.dummyID, nil
		}
	}
	err := newErr(KindMissingDummy, "", xid, nil)
	r.log.Fatalf(logging.NSRegistry+"%v", err)
	return 0, err
}

// IntentInc increments a slot's append-only commit-work intent counter.
func (r *Registry) IntentInc(gid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.byGid[gid]
	if !ok {
		return newErr(KindNotFound, gid, 0, nil)
	}
	slot.intent++
	return nil
}

// IntentDec decrements a slot's intent counter.
func (r *Registry) IntentDec(gid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.byGid[gid]
	if !ok {
		return newErr(KindNotFound, gid, 0, nil)
	}
	if slot.intent > 0 {
		slot.intent--
	}
	return nil
}

// PendingSlot returns the slot currently locked by session, if any; used
// by the abort/exit hook.
func (r *Registry) PendingSlot(session int64) (SlotHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, ok := r.pending[session]
	if !ok {
		return SlotHandle{index: -1}, false
	}
	return SlotHandle{index: slot.indexOf(r), gid: slot.gid}, true
}

// OldestPrepareLSN returns the minimum prepare_begin_lsn over every valid
// slot.
func (r *Registry) OldestPrepareLSN() (xlog.LSN, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var min xlog.LSN
	found := false
	for _, s := range r.live {
		if !s.valid {
			continue
		}
		if !found || s.beginLSN < min {
			min = s.beginLSN
			found = true
		}
	}
	return min, found
}

// SnapshotForCheckpoint returns every valid slot's (xid, prepare_begin_lsn)
// pair.
func (r *Registry) SnapshotForCheckpoint() []RecoveryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RecoveryEntry, 0, len(r.live))
	for _, s := range r.live {
		if s.valid {
			out = append(out, RecoveryEntry{Xid: s.xid, LSN: s.beginLSN})
		}
	}
	return out
}

// Identity returns the fields a payload Builder needs to begin assembling
// a payload for h.
func (r *Registry) Identity(h SlotHandle) (xid, database, owner uint32, gid string, preparedAt time.Time, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, err := r.slotAt(h)
	if err != nil {
		return 0, 0, 0, "", time.Time{}, err
	}
	return slot.xid, slot.database, slot.owner, slot.gid, slot.preparedAt, nil
}

// SlotInfo returns the fields the Finish Pipeline needs before it mutates
// the slot: its dummy participant id, xid, and prepare begin LSN.
func (r *Registry) SlotInfo(h SlotHandle) (dummyID int64, xid uint32, beginLSN xlog.LSN, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, err := r.slotAt(h)
	if err != nil {
		return 0, 0, 0, err
	}
	return slot.dummyID, slot.xid, slot.beginLSN, nil
}

// IsValid reports whether h's slot is currently valid: the abort hook
// discards a not-yet-valid slot and only unlocks a valid one.
func (r *Registry) IsValid(h SlotHandle) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, err := r.slotAt(h)
	if err != nil {
		return false, err
	}
	return slot.valid, nil
}

// MarkInvalid flips a locked slot back to valid=false: a cooperative
// signal that no one else should attempt to finish it again. It does not
// remove the slot; Remove does that.
func (r *Registry) MarkInvalid(h SlotHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, err := r.slotAt(h)
	if err != nil {
		return err
	}
	if !slot.valid {
		err := newErr(KindInvariantViolated, slot.gid, slot.xid, nil)
		r.log.Fatalf(logging.NSRegistry+"%v", err)
		return err
	}
	slot.valid = false
	return nil
}

// Unlock clears locking_session on a still-resident slot without removing
// it: used when the pending slot was already valid, so the abort/exit
// hook only unlocks it, leaving it resident for another finisher.
func (r *Registry) Unlock(h SlotHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, err := r.slotAt(h)
	if err != nil {
		return err
	}
	if r.pending[slot.locking] == slot {
		delete(r.pending, slot.locking)
	}
	slot.locking = 0
	return nil
}

// slotAt resolves a handle to its gxact, requiring the caller already hold r.mu.
func (r *Registry) slotAt(h SlotHandle) (*gxact, error) {
	if !h.valid() || h.index >= len(r.byIndex) {
		return nil, newErr(KindNotFound, h.gid, 0, nil)
	}
	slot := r.byIndex[h.index]
	if slot == nil {
		return nil, newErr(KindNotFound, h.gid, 0, nil)
	}
	return slot, nil
}

// indexOf finds a slot's physical index. Requires r.mu held (any mode).
func (g *gxact) indexOf(r *Registry) int {
	for i, s := range r.byIndex {
		if s == g {
			return i
		}
	}
	return -1
}
