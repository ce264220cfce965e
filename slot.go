package twophase

import (
	"time"

	"github.com/aalhour/twophase/internal/xlog"
)

// maxCachedSubxids bounds the per-slot subtransaction-XID cache with an
// overflow flag; beyond this the slot still knows the true count, via the
// payload it wrote, but stops caching individual IDs in memory.
const maxCachedSubxids = 64

// SlotHandle identifies a GXACT slot to callers. It is a small value type,
// not a pointer, so callers cannot outlive the registry's own bookkeeping of
// the slot's index.
type SlotHandle struct {
	index int
	gid   string
}

// Gid returns the handle's GID.
func (h SlotHandle) Gid() string { return h.gid }

func (h SlotHandle) valid() bool { return h.index >= 0 }

// gxact is one registry slot. Access to every field below is serialized by
// Registry's lock except where documented.
type gxact struct {
	gid         string
	xid         uint32
	owner       uint32
	database    uint32
	preparedAt  time.Time
	beginLSN    xlog.LSN // prepare_begin_lsn
	endLSN      xlog.LSN // prepare_lsn (post-record)
	valid       bool
	locking     int64 // locking_session; 0 means none
	dummyID     int64 // dummy_participant_id
	subxids     []uint32
	overflowed  bool
	intent      int64

	// distributed transaction fields parsed from the GID, if present.
	distribTimeStamp int64
	distribXid       uint32
	hasDistrib       bool
}

func (g *gxact) maxXid() uint32 {
	m := g.xid
	for _, c := range g.subxids {
		if c > m {
			m = c
		}
	}
	return m
}

func (g *gxact) addSubxids(children []uint32) {
	for _, c := range children {
		if len(g.subxids) >= maxCachedSubxids {
			g.overflowed = true
			continue
		}
		g.subxids = append(g.subxids, c)
	}
}
