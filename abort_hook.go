package twophase

import "github.com/aalhour/twophase/internal/logging"

// AbortSession releases any slot the given session currently holds locked.
// A not-yet-valid pending slot is removed outright, since the prepare
// attempt failed before durability; a valid one is only unlocked, left
// resident for another finisher to retry.
//
// Callers must invoke this whenever a session aborts or exits; this
// Manager has no background goroutine watching for session death, since no
// session lifecycle exists outside the caller's own process model.
func (m *Manager) AbortSession(session int64) error {
	h, ok := m.reg.PendingSlot(session)
	if !ok {
		return nil
	}

	_, xid, _, err := m.reg.SlotInfo(h)
	if err != nil {
		return err
	}

	valid, verr := m.reg.IsValid(h)
	if verr != nil {
		return verr
	}

	m.dropBuilder(h.Gid())

	if !valid {
		m.log.Infof(logging.NSRegistry+"abort hook: discarding not-yet-valid slot gid=%q xid=%d", h.Gid(), xid)
		return m.reg.Remove(h)
	}

	m.log.Infof(logging.NSRegistry+"abort hook: unlocking valid slot gid=%q xid=%d", h.Gid(), xid)
	return m.reg.Unlock(h)
}
