package twophase

import (
	"errors"
	"fmt"
	"io"

	"github.com/aalhour/twophase/internal/encoding"
	"github.com/aalhour/twophase/internal/wal"
	"github.com/aalhour/twophase/internal/xlog"
)

// checkpointRecordSize is the encoded width of one RecoveryEntry: a fixed
// xid (4 bytes) followed by a fixed lsn (8 bytes).
const checkpointRecordSize = 4 + 8

// discardReporter drops corruption reports. A checksum failure ends
// ReadCheckpointLog quietly with the entries read before it; other read
// errors and wrong-sized records are returned as errors.
type discardReporter struct{}

func (discardReporter) Corruption(int, error) {}
func (discardReporter) OldLogRecord(int)      {}

// WriteCheckpointLog serializes a checkpoint's prepared-transaction list as
// a sequential record stream and fsyncs it. Unlike the per-transaction
// xlog, a checkpoint snapshot is written once per cycle and read back
// exactly once, front-to-back, at startup — the access pattern
// internal/wal's Writer/Reader were built for, so the checkpoint path
// reuses them instead of internal/xlog's LSN-addressable format.
func WriteCheckpointLog(dst io.Writer, logNumber uint64, entries []RecoveryEntry) error {
	w := wal.NewWriter(dst, logNumber, false)
	var buf [checkpointRecordSize]byte
	for _, e := range entries {
		encoding.EncodeFixed32(buf[0:4], e.Xid)
		encoding.EncodeFixed64(buf[4:12], uint64(e.LSN))
		if _, err := w.AddRecord(buf[:]); err != nil {
			return fmt.Errorf("twophase: write checkpoint record: %w", err)
		}
	}
	return w.Sync()
}

// ReadCheckpointLog replays a checkpoint log written by WriteCheckpointLog
// back into a RecoveryEntry list, in the order it was written.
func ReadCheckpointLog(src io.Reader, logNumber uint64) ([]RecoveryEntry, error) {
	r := wal.NewReader(src, discardReporter{}, true, logNumber)
	var out []RecoveryEntry
	for {
		rec, err := r.ReadRecord()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("twophase: read checkpoint record: %w", err)
		}
		if len(rec) != checkpointRecordSize {
			return nil, fmt.Errorf("twophase: checkpoint record has %d bytes, want %d", len(rec), checkpointRecordSize)
		}
		out = append(out, RecoveryEntry{
			Xid: encoding.DecodeFixed32(rec[0:4]),
			LSN: xlog.LSN(encoding.DecodeFixed64(rec[4:12])),
		})
	}
}
