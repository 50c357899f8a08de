package kestrel

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// RecordTag identifies the kind of a journal record. See spec.md section 6.
type RecordTag byte

const (
	TagPut      RecordTag = 1
	TagReadHead RecordTag = 2
	TagReadDone RecordTag = 3
	// TagReservedLow..TagReservedHigh are transactional-read record
	// kinds owned by a layer above this one. This core only needs to
	// skip over them without interpreting their payload.
	TagReservedLow  RecordTag = 4
	TagReservedHigh RecordTag = 6
)

// checksumSize is the trailing xxhash64 appended to every record, over
// tag+payload, strengthening the length-prefix corruption check spec.md
// section 4.A describes: a torn write that happens to leave a plausible
// length prefix behind is still caught.
const checksumSize = 8

// maxRecordPayload guards against a corrupt length prefix causing an
// unbounded allocation; this is generous relative to maxItemSize
// enforcement, which lives above this layer.
const maxRecordPayload = 256 << 20

// Record is any of the six record kinds this codec frames. Concrete types
// are *PutRecord, *ReadHeadRecord, *ReadDoneRecord and *ReservedRecord.
type Record interface {
	recordTag() RecordTag
}

// PutRecord is an appended queue item, as stored in data files.
type PutRecord struct {
	ID         ItemID
	AddTime    time.Time
	ExpireTime time.Time
	Data       []byte
}

func (*PutRecord) recordTag() RecordTag { return TagPut }

// ReadHeadRecord is a reader's latest head, as stored in reader files.
type ReadHeadRecord struct {
	Head ItemID
}

func (*ReadHeadRecord) recordTag() RecordTag { return TagReadHead }

// ReadDoneRecord is a reader's out-of-order commit set, sorted ascending.
type ReadDoneRecord struct {
	IDs []ItemID
}

func (*ReadDoneRecord) recordTag() RecordTag { return TagReadDone }

// ReservedRecord carries one of the transactional-read record kinds (tags
// 4-6) that this core does not interpret; it is exposed so callers above
// this layer that do understand them can be handed the raw bytes.
type ReservedRecord struct {
	Tag     RecordTag
	Payload []byte
}

func (r *ReservedRecord) recordTag() RecordTag { return r.Tag }

func timeToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func millisToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// encodePayload serializes tag+payload for every record kind, per the
// wire layout in spec.md section 6.
func encodePayload(rec Record) (RecordTag, []byte, error) {
	switch r := rec.(type) {
	case *PutRecord:
		buf := make([]byte, 8+8+8, 8+8+8+len(r.Data))
		binary.LittleEndian.PutUint64(buf[0:8], r.ID)
		binary.LittleEndian.PutUint64(buf[8:16], uint64(timeToMillis(r.AddTime)))
		binary.LittleEndian.PutUint64(buf[16:24], uint64(timeToMillis(r.ExpireTime)))
		buf = append(buf, r.Data...)
		return TagPut, buf, nil
	case *ReadHeadRecord:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, r.Head)
		return TagReadHead, buf, nil
	case *ReadDoneRecord:
		buf := make([]byte, 8*len(r.IDs))
		for i, id := range r.IDs {
			binary.LittleEndian.PutUint64(buf[i*8:i*8+8], id)
		}
		return TagReadDone, buf, nil
	case *ReservedRecord:
		return r.Tag, r.Payload, nil
	default:
		return 0, nil, errors.Errorf("kestrel: unknown record type %T", rec)
	}
}

// EncodeRecord writes one framed record to w: u32 LE length | u8 tag |
// payload | u64 LE xxhash64(tag||payload). length counts tag+payload
// (not the checksum), matching spec.md's wire definition of "length".
func EncodeRecord(w io.Writer, rec Record) (int, error) {
	tag, payload, err := encodePayload(rec)
	if err != nil {
		return 0, err
	}

	length := uint32(1 + len(payload))
	frame := make([]byte, 4+1+len(payload)+checksumSize)
	binary.LittleEndian.PutUint32(frame[0:4], length)
	frame[4] = byte(tag)
	copy(frame[5:5+len(payload)], payload)

	sum := xxhash.Sum64(frame[4 : 5+len(payload)])
	binary.LittleEndian.PutUint64(frame[5+len(payload):], sum)

	n, err := w.Write(frame)
	return n, err
}

// DecodeRecord reads one framed record from r. It returns io.EOF if r is
// at a clean boundary (no bytes at all could be read), or a
// *CorruptionError wrapping the supplied path if a length prefix runs
// past EOF, an unknown tag appears and dataFile is true, or the trailing
// checksum does not match. n is the number of bytes the record occupied
// on disk, valid even on corruption (best effort, for diagnostics).
func DecodeRecord(r io.Reader, path string, pos int64, dataFile bool) (Record, int64, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, 0, io.EOF
		}
		return nil, 0, newCorruptionError(path, pos)
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length == 0 || int64(length) > maxRecordPayload {
		return nil, 4, newCorruptionError(path, pos)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, 4, newCorruptionError(path, pos)
	}

	var sumBuf [checksumSize]byte
	if _, err := io.ReadFull(r, sumBuf[:]); err != nil {
		return nil, 4 + int64(length), newCorruptionError(path, pos)
	}

	total := 4 + int64(length) + checksumSize

	want := binary.LittleEndian.Uint64(sumBuf[:])
	if xxhash.Sum64(body) != want {
		return nil, total, newCorruptionError(path, pos)
	}

	tag := RecordTag(body[0])
	payload := body[1:]

	switch {
	case tag == TagPut:
		if len(payload) < 24 {
			return nil, total, newCorruptionError(path, pos)
		}
		id := binary.LittleEndian.Uint64(payload[0:8])
		addMs := int64(binary.LittleEndian.Uint64(payload[8:16]))
		expMs := int64(binary.LittleEndian.Uint64(payload[16:24]))
		data := make([]byte, len(payload)-24)
		copy(data, payload[24:])
		return &PutRecord{
			ID:         id,
			AddTime:    millisToTime(addMs),
			ExpireTime: millisToTime(expMs),
			Data:       data,
		}, total, nil
	case tag == TagReadHead:
		if len(payload) != 8 {
			return nil, total, newCorruptionError(path, pos)
		}
		return &ReadHeadRecord{Head: binary.LittleEndian.Uint64(payload)}, total, nil
	case tag == TagReadDone:
		if len(payload)%8 != 0 {
			return nil, total, newCorruptionError(path, pos)
		}
		ids := make([]ItemID, len(payload)/8)
		for i := range ids {
			ids[i] = binary.LittleEndian.Uint64(payload[i*8 : i*8+8])
		}
		return &ReadDoneRecord{IDs: ids}, total, nil
	case tag >= TagReservedLow && tag <= TagReservedHigh:
		return &ReservedRecord{Tag: tag, Payload: append([]byte(nil), payload...)}, total, nil
	default:
		if dataFile {
			return nil, total, newCorruptionError(path, pos)
		}
		// Unknown tag in a reader file: returned for the caller to skip.
		return &ReservedRecord{Tag: tag, Payload: append([]byte(nil), payload...)}, total, nil
	}
}
