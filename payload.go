package twophase

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/aalhour/twophase/internal/checksum"
	"github.com/aalhour/twophase/internal/compression"
	"github.com/aalhour/twophase/internal/encoding"
)

// payloadMagic is the Prepare Payload's leading magic number.
const payloadMagic = 0x57F94531

// payloadAlign is the alignment boundary every payload segment is padded
// to. 8 bytes covers every fixed-width field this format uses.
const payloadAlign = 8

// fixedHeaderSize is sizeof(Header) before alignment padding: magic(4) +
// total_len(4) + xid(4) + database(4) + prepared_at(8) + owner(4) +
// nsubxacts(4) + ncommitrels(4) + nabortrels(4) + gid[200].
const fixedHeaderSize = 4 + 4 + 4 + 4 + 8 + 4 + 4 + 4 + 4 + MaxGidBytes

// RelFileNode identifies a relation's on-disk file for the storage-manager
// unlink contract: a tablespace/database/relfilenode triple.
type RelFileNode struct {
	Tablespace  uint32
	Database    uint32
	Relfilenode uint32
}

func (n RelFileNode) encode(dst []byte) {
	encoding.EncodeFixed32(dst[0:4], n.Tablespace)
	encoding.EncodeFixed32(dst[4:8], n.Database)
	encoding.EncodeFixed32(dst[8:12], n.Relfilenode)
}

func decodeRelFileNode(src []byte) RelFileNode {
	return RelFileNode{
		Tablespace:  encoding.DecodeFixed32(src[0:4]),
		Database:    encoding.DecodeFixed32(src[4:8]),
		Relfilenode: encoding.DecodeFixed32(src[8:12]),
	}
}

const relFileNodeSize = 12

// RecordEntry is one resource-manager record registered into the payload.
type RecordEntry struct {
	Rmid uint8
	Info uint16
	Data []byte
}

// payloadHeader is the parsed form of the payload's fixed header.
type payloadHeader struct {
	totalLen    uint32
	xid         uint32
	database    uint32
	preparedAt  int64
	owner       uint32
	nsubxacts   uint32
	ncommitrels uint32
	nabortrels  uint32
	gid         string
}

// Builder assembles a Prepare Payload in memory. It is an explicit,
// session-owned value rather than shared mutable state; a session must not
// run two Builders concurrently, but that is a caller discipline, not
// something this type enforces with locks.
type Builder struct {
	xid         uint32
	database    uint32
	owner       uint32
	gid         string
	preparedAt  time.Time
	subxids     []uint32
	commitRels  []RelFileNode
	abortRels   []RelFileNode
	records     []RecordEntry
	ended       bool
	maxPayload  int
	compression compression.Type
	checksumAlg checksum.Type
}

// Begin starts assembling a payload for the given slot identity.
func Begin(xid, database, owner uint32, gid string, preparedAt time.Time, opts Options) *Builder {
	return &Builder{
		xid:         xid,
		database:    database,
		owner:       owner,
		gid:         gid,
		preparedAt:  preparedAt,
		maxPayload:  opts.MaxPayloadBytes,
		compression: opts.Compression,
		checksumAlg: opts.ChecksumAlgorithm,
	}
}

// LoadSubxacts appends committed-child XIDs to the payload.
func (b *Builder) LoadSubxacts(children []uint32) {
	b.subxids = append(b.subxids, children...)
}

// SetCommitRels sets the files to unlink on commit.
func (b *Builder) SetCommitRels(rels []RelFileNode) { b.commitRels = rels }

// SetAbortRels sets the files to unlink on abort.
func (b *Builder) SetAbortRels(rels []RelFileNode) { b.abortRels = rels }

// RegisterRecord emits a RecordEntry into the payload. rmid must be less
// than EndSentinelRmid. Ordering of calls is preserved in the assembled
// byte stream.
func (b *Builder) RegisterRecord(rmid uint8, info uint16, data []byte) error {
	if b.ended {
		return fmt.Errorf("twophase: RegisterRecord after End")
	}
	if rmid >= EndSentinelRmid {
		return fmt.Errorf("twophase: rmid %d reserved for the end sentinel", rmid)
	}
	b.records = append(b.records, RecordEntry{Rmid: rmid, Info: info, Data: data})
	return nil
}

// End finalizes the payload: appends the sentinel RecordEntry, computes
// total_len, and returns the wire bytes ready for WAL insertion. Fails
// with KindLimitExceeded if the assembled size exceeds opts.MaxPayloadBytes.
func (b *Builder) End() ([]byte, error) {
	if b.ended {
		return nil, fmt.Errorf("twophase: End called twice")
	}
	b.ended = true

	if err := validateGid(b.gid); err != nil {
		return nil, err
	}

	header := make([]byte, fixedHeaderSize)
	encoding.EncodeFixed32(header[0:4], payloadMagic)
	// total_len back-patched below
	encoding.EncodeFixed32(header[8:12], b.xid)
	encoding.EncodeFixed32(header[12:16], b.database)
	binary.LittleEndian.PutUint64(header[16:24], uint64(b.preparedAt.Unix()))
	encoding.EncodeFixed32(header[24:28], b.owner)
	encoding.EncodeFixed32(header[28:32], uint32(len(b.subxids)))
	encoding.EncodeFixed32(header[32:36], uint32(len(b.commitRels)))
	encoding.EncodeFixed32(header[36:40], uint32(len(b.abortRels)))
	copy(header[40:40+MaxGidBytes], b.gid)
	header = pad(header, payloadAlign)

	subxactBytes := make([]byte, len(b.subxids)*4)
	for i, x := range b.subxids {
		encoding.EncodeFixed32(subxactBytes[i*4:i*4+4], x)
	}
	subxactBytes = pad(subxactBytes, payloadAlign)

	commitBytes := make([]byte, len(b.commitRels)*relFileNodeSize)
	for i, r := range b.commitRels {
		r.encode(commitBytes[i*relFileNodeSize : (i+1)*relFileNodeSize])
	}
	commitBytes = pad(commitBytes, payloadAlign)

	abortBytes := make([]byte, len(b.abortRels)*relFileNodeSize)
	for i, r := range b.abortRels {
		r.encode(abortBytes[i*relFileNodeSize : (i+1)*relFileNodeSize])
	}
	abortBytes = pad(abortBytes, payloadAlign)

	recordStream := encodeRecordStream(b.records)
	if b.compression != compression.NoCompression {
		compressed, err := compression.Compress(b.compression, recordStream)
		if err != nil {
			return nil, fmt.Errorf("twophase: compress record stream: %w", err)
		}
		tagged := make([]byte, 0, len(compressed)+9)
		tagged = append(tagged, byte(b.compression))
		tagged = encoding.AppendFixed32(tagged, uint32(len(recordStream)))
		tagged = encoding.AppendFixed32(tagged, uint32(len(compressed)))
		tagged = append(tagged, compressed...)
		recordStream = tagged
	}
	recordStream = pad(recordStream, payloadAlign)

	total := len(header) + len(subxactBytes) + len(commitBytes) + len(abortBytes) + len(recordStream) + 4

	if b.maxPayload > 0 && total > b.maxPayload {
		return nil, newErr(KindLimitExceeded, b.gid, b.xid, fmt.Errorf("payload %d bytes exceeds max %d", total, b.maxPayload))
	}

	encoding.EncodeFixed32(header[4:8], uint32(total))

	out := make([]byte, 0, total)
	out = append(out, header...)
	out = append(out, subxactBytes...)
	out = append(out, commitBytes...)
	out = append(out, abortBytes...)
	out = append(out, recordStream...)

	var crc uint32
	if b.checksumAlg == checksum.TypeXXH3 {
		crc = checksum.XXH3ChecksumWithLastByte(out, 0)
	} else {
		crc = checksum.Value(out)
	}
	out = encoding.AppendFixed32(out, crc)
	return out, nil
}

// encodeRecordStream writes each RecordEntry followed by its bytes, then
// the terminating sentinel.
func encodeRecordStream(records []RecordEntry) []byte {
	var out []byte
	for _, r := range records {
		var hdr [7]byte
		encoding.EncodeFixed32(hdr[0:4], uint32(len(r.Data)))
		hdr[4] = r.Rmid
		encoding.EncodeFixed16(hdr[5:7], r.Info)
		out = append(out, hdr[:]...)
		out = append(out, r.Data...)
	}
	var sentinel [7]byte
	sentinel[4] = EndSentinelRmid
	out = append(out, sentinel[:]...)
	return out
}

func pad(b []byte, align int) []byte {
	rem := len(b) % align
	if rem == 0 {
		return b
	}
	return append(b, make([]byte, align-rem)...)
}

// Payload is the parsed form of a decoded Prepare Payload, used by the
// Finish Pipeline and recovery.
type Payload struct {
	Header     payloadHeader
	Subxids    []uint32
	CommitRels []RelFileNode
	AbortRels  []RelFileNode
	Records    []RecordEntry
}

// DecodePayload parses the wire bytes produced by Builder.End, verifying
// the trailing checksum and walking each aligned segment in order.
func DecodePayload(data []byte, checksumAlg checksum.Type, comp compression.Type) (*Payload, error) {
	if len(data) < fixedHeaderSize+4 {
		return nil, fmt.Errorf("%w: payload shorter than fixed header", errShortPayload)
	}
	if encoding.DecodeFixed32(data[0:4]) != payloadMagic {
		return nil, fmt.Errorf("%w: bad magic", errShortPayload)
	}
	totalLen := encoding.DecodeFixed32(data[4:8])
	if int(totalLen) != len(data) {
		return nil, fmt.Errorf("%w: total_len mismatch: header says %d, have %d", errShortPayload, totalLen, len(data))
	}

	body, trailerCRC := data[:len(data)-4], encoding.DecodeFixed32(data[len(data)-4:])
	var crc uint32
	if checksumAlg == checksum.TypeXXH3 {
		crc = checksum.XXH3ChecksumWithLastByte(body, 0)
	} else {
		crc = checksum.Value(body)
	}
	if crc != trailerCRC {
		return nil, fmt.Errorf("%w: checksum mismatch", errShortPayload)
	}

	hdrRaw := data[:fixedHeaderSize]
	h := payloadHeader{
		totalLen:    totalLen,
		xid:         encoding.DecodeFixed32(hdrRaw[8:12]),
		database:    encoding.DecodeFixed32(hdrRaw[12:16]),
		preparedAt:  int64(binary.LittleEndian.Uint64(hdrRaw[16:24])),
		owner:       encoding.DecodeFixed32(hdrRaw[24:28]),
		nsubxacts:   encoding.DecodeFixed32(hdrRaw[28:32]),
		ncommitrels: encoding.DecodeFixed32(hdrRaw[32:36]),
		nabortrels:  encoding.DecodeFixed32(hdrRaw[36:40]),
	}
	gidRaw := hdrRaw[40 : 40+MaxGidBytes]
	h.gid = trimNulls(gidRaw)

	off := alignedLen(fixedHeaderSize)
	subxids := make([]uint32, h.nsubxacts)
	for i := range subxids {
		subxids[i] = encoding.DecodeFixed32(data[off+i*4 : off+i*4+4])
	}
	off += alignedLen(int(h.nsubxacts) * 4)

	commitRels := make([]RelFileNode, h.ncommitrels)
	for i := range commitRels {
		commitRels[i] = decodeRelFileNode(data[off+i*relFileNodeSize : off+(i+1)*relFileNodeSize])
	}
	off += alignedLen(int(h.ncommitrels) * relFileNodeSize)

	abortRels := make([]RelFileNode, h.nabortrels)
	for i := range abortRels {
		abortRels[i] = decodeRelFileNode(data[off+i*relFileNodeSize : off+(i+1)*relFileNodeSize])
	}
	off += alignedLen(int(h.nabortrels) * relFileNodeSize)

	recordStream := body[off:len(body)]
	if comp != compression.NoCompression {
		if len(recordStream) < 9 {
			return nil, fmt.Errorf("%w: truncated compressed record stream", errShortPayload)
		}
		gotComp := compression.Type(recordStream[0])
		uncompressedSize := encoding.DecodeFixed32(recordStream[1:5])
		compressedSize := encoding.DecodeFixed32(recordStream[5:9])
		if 9+int(compressedSize) > len(recordStream) {
			return nil, fmt.Errorf("%w: compressed record stream overruns payload", errShortPayload)
		}
		decompressed, err := compression.DecompressWithSize(gotComp, recordStream[9:9+int(compressedSize)], int(uncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("%w: decompress record stream: %v", errShortPayload, err)
		}
		recordStream = decompressed
	}

	records, err := decodeRecordStream(recordStream)
	if err != nil {
		return nil, err
	}

	return &Payload{Header: h, Subxids: subxids, CommitRels: commitRels, AbortRels: abortRels, Records: records}, nil
}

func decodeRecordStream(data []byte) ([]RecordEntry, error) {
	var records []RecordEntry
	pos := 0
	for {
		if pos+7 > len(data) {
			return nil, fmt.Errorf("%w: truncated record entry", errShortPayload)
		}
		length := encoding.DecodeFixed32(data[pos : pos+4])
		rmid := data[pos+4]
		info := encoding.DecodeFixed16(data[pos+5 : pos+7])
		pos += 7
		if rmid == EndSentinelRmid {
			return records, nil
		}
		if pos+int(length) > len(data) {
			return nil, fmt.Errorf("%w: record entry payload overruns stream", errShortPayload)
		}
		records = append(records, RecordEntry{Rmid: rmid, Info: info, Data: data[pos : pos+int(length)]})
		pos += int(length)
	}
}

func alignedLen(n int) int {
	rem := n % payloadAlign
	if rem == 0 {
		return n
	}
	return n + (payloadAlign - rem)
}

func trimNulls(b []byte) string {
	i := 0
	for i < len(b) && b[i] != 0 {
		i++
	}
	return string(b[:i])
}

var errShortPayload = fmt.Errorf("twophase: malformed prepare payload")
