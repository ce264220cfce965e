package twophase

import (
	"time"

	"github.com/aalhour/twophase/internal/checksum"
	"github.com/aalhour/twophase/internal/compression"
	"github.com/aalhour/twophase/internal/logging"
)

// MaxGidBytes is the exclusive upper bound on a GID's length: a 199-byte
// GID is accepted, a 200-byte GID is rejected with GidTooLong.
const MaxGidBytes = 200

// EndSentinelRmid is the RecordEntry rmid value marking the end of the
// rmgr-record stream in a prepare payload.
const EndSentinelRmid = 0xFF

// Options configures a Manager. Exported fields with a sanitize step,
// rather than a functional-options API.
type Options struct {
	// MaxPreparedXacts is the registry's fixed capacity N. Zero disables
	// prepared transactions entirely (Reserve returns Disabled).
	MaxPreparedXacts int

	// MaxLiveSessions bounds the live-session id space; dummy participant
	// ids are allocated starting at MaxLiveSessions+1.
	MaxLiveSessions int

	// MaxPayloadBytes is the ceiling End() enforces on total_len. Zero
	// means no limit beyond uint32 range.
	MaxPayloadBytes int

	// Logger receives structured log output. Defaults to logging.Discard.
	Logger logging.Logger

	// Compression selects the optional transform applied to a payload's
	// RecordEntry stream. Defaults to NoCompression, which reproduces the
	// uncompressed byte layout exactly.
	Compression compression.Type

	// ChecksumAlgorithm selects CRC32C (default) or XXH3 for the payload
	// trailer and WAL frame checksums.
	ChecksumAlgorithm checksum.Type

	// Clock returns the current time, used to stamp prepared_at. Defaults
	// to time.Now. Tests may override for determinism.
	Clock func() time.Time
}

// DefaultOptions returns an Options value with every field at its
// default, filling zero values rather than requiring every caller to
// specify every field.
func DefaultOptions() Options {
	return Options{
		MaxPreparedXacts:  64,
		MaxLiveSessions:   1024,
		MaxPayloadBytes:   1 << 20,
		Logger:            logging.Discard,
		Compression:       compression.NoCompression,
		ChecksumAlgorithm: checksum.TypeCRC32C,
		Clock:             time.Now,
	}
}

// sanitize fills zero-valued fields with defaults in place, run once at
// construction.
func (o *Options) sanitize() {
	if logging.IsNil(o.Logger) {
		o.Logger = logging.Discard
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.MaxLiveSessions <= 0 {
		o.MaxLiveSessions = 1024
	}
	if o.ChecksumAlgorithm == checksum.TypeNoChecksum {
		o.ChecksumAlgorithm = checksum.TypeCRC32C
	}
}
