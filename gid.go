package twophase

import (
	"strconv"
	"strings"
)

// validateGid enforces the "opaque byte string <= 199 bytes" rule: 199
// bytes succeeds, 200 fails.
func validateGid(gid string) error {
	if len(gid) >= MaxGidBytes {
		return newErr(KindGidTooLong, gid, 0, nil)
	}
	return nil
}

// crackGid parses a coordinator-assigned GID of the form
// "<hex-distrib-timestamp>-<hex-distrib-xid>-<local-xid>" into its
// distributed-transaction components. A GID that does not match this form
// is perfectly valid for a non-distributed prepare; ok is false and both
// numeric fields are zero.
func crackGid(gid string) (distribTimeStamp int64, distribXid uint32, ok bool) {
	parts := strings.SplitN(gid, "-", 3)
	if len(parts) != 3 {
		return 0, 0, false
	}
	ts, err := strconv.ParseInt(parts[0], 16, 64)
	if err != nil {
		return 0, 0, false
	}
	xid, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return 0, 0, false
	}
	return ts, uint32(xid), true
}

// formGid renders a distributed GID in the form crackGid parses, used by
// tests and by coordinators that want a crackable identifier.
func formGid(distribTimeStamp int64, distribXid uint32, localXid uint32) string {
	return strconv.FormatInt(distribTimeStamp, 16) + "-" +
		strconv.FormatUint(uint64(distribXid), 16) + "-" +
		strconv.FormatUint(uint64(localXid), 16)
}
