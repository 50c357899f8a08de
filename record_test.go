package kestrel

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/require"
)

// buildFrame hand-assembles a frame with an arbitrary tag byte and a
// correctly computed checksum, bypassing EncodeRecord's known-type switch
// so tests can exercise tags this codec does not define.
func buildFrame(tag byte, payload []byte) []byte {
	body := append([]byte{tag}, payload...)
	frame := make([]byte, 4+len(body)+checksumSize)
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(body)))
	copy(frame[4:], body)
	sum := xxhash.Sum64(body)
	binary.LittleEndian.PutUint64(frame[4+len(body):], sum)
	return frame
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	recs := []Record{
		&PutRecord{ID: 42, AddTime: now, ExpireTime: now.Add(time.Hour), Data: []byte("hello")},
		&PutRecord{ID: 43, AddTime: now, Data: []byte{}},
		&ReadHeadRecord{Head: 900},
		&ReadDoneRecord{IDs: []ItemID{902, 903}},
		&ReservedRecord{Tag: TagReservedLow, Payload: []byte{1, 2, 3}},
	}

	var buf bytes.Buffer
	for _, r := range recs {
		_, err := EncodeRecord(&buf, r)
		require.NoError(t, err)
	}

	for _, want := range recs {
		got, _, err := DecodeRecord(&buf, "test", 0, true)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	_, _, err := DecodeRecord(&buf, "test", 0, true)
	require.Equal(t, io.EOF, err)
}

func TestDecodeRecordDetectsChecksumCorruption(t *testing.T) {
	var buf bytes.Buffer
	_, err := EncodeRecord(&buf, &PutRecord{ID: 1, Data: []byte("payload")})
	require.NoError(t, err)

	corrupted := buf.Bytes()
	corrupted[len(corrupted)-1] ^= 0xFF

	_, _, err = DecodeRecord(bytes.NewReader(corrupted), "test", 0, true)
	require.Error(t, err)
	var ce *CorruptionError
	require.ErrorAs(t, err, &ce)
}

func TestDecodeRecordReservedTagIsNotCorruption(t *testing.T) {
	var buf bytes.Buffer
	_, err := EncodeRecord(&buf, &ReservedRecord{Tag: TagReservedHigh, Payload: []byte("x")})
	require.NoError(t, err)

	_, _, err = DecodeRecord(&buf, "test", 0, true)
	require.NoError(t, err) // tags 4-6 are reserved-but-known, not corruption
}

func TestDecodeRecordTrulyUnknownTagInDataFileIsCorruption(t *testing.T) {
	frame := buildFrame(200, []byte("x"))
	_, _, err := DecodeRecord(bytes.NewReader(frame), "test", 0, true)
	require.Error(t, err)
	var ce *CorruptionError
	require.ErrorAs(t, err, &ce)
}

func TestDecodeRecordTrulyUnknownTagInReaderFileIsSkipped(t *testing.T) {
	frame := buildFrame(200, []byte("x"))
	rec, _, err := DecodeRecord(bytes.NewReader(frame), "test", 0, false)
	require.NoError(t, err)
	rr, ok := rec.(*ReservedRecord)
	require.True(t, ok)
	require.Equal(t, RecordTag(200), rr.Tag)
	require.Equal(t, []byte("x"), rr.Payload)
}

func TestDecodeRecordEmptyReaderReturnsEOF(t *testing.T) {
	_, _, err := DecodeRecord(bytes.NewReader(nil), "test", 0, true)
	require.Equal(t, io.EOF, err)
}
