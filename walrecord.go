package twophase

import "fmt"

// Every frame this package appends to the WAL carries a one-byte kind tag
// ahead of its payload, so a from-scratch replay (RebuildRecoveryIndexFromWAL)
// can tell a PREPARE record from a COMMIT/ABORT PREPARED record without
// guessing from the bytes that follow.
const (
	recordKindPrepare byte = 1
	recordKindFinish  byte = 2
)

func frameRecord(kind byte, body []byte) []byte {
	out := make([]byte, 0, len(body)+1)
	out = append(out, kind)
	return append(out, body...)
}

// stripPrepareFrame removes the leading kind tag from a WAL frame known to
// hold a PREPARE payload, returning an error if the tag says otherwise —
// which indicates either a corrupt LSN or a Recovery Index built from the
// wrong log.
func stripPrepareFrame(raw []byte) ([]byte, error) {
	if len(raw) < 1 || raw[0] != recordKindPrepare {
		return nil, fmt.Errorf("twophase: expected PREPARE frame at this LSN, got kind byte %v", rawKind(raw))
	}
	return raw[1:], nil
}

func rawKind(raw []byte) any {
	if len(raw) < 1 {
		return "<empty>"
	}
	return raw[0]
}
