package kestrel

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJournalFileWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "q.1")

	w, err := CreateJournalFileWriter(path, Always())
	require.NoError(t, err)

	for i := ItemID(1); i <= 5; i++ {
		fut, err := w.Put(&PutRecord{ID: i, Data: []byte{byte(i)}})
		require.NoError(t, err)
		require.NoError(t, fut.Wait())
	}
	require.NoError(t, w.Close())

	r, err := OpenJournalFileReader(path)
	require.NoError(t, err)
	defer r.Close()

	for i := ItemID(1); i <= 5; i++ {
		rec, err := r.ReadNext(true)
		require.NoError(t, err)
		p, ok := rec.(*PutRecord)
		require.True(t, ok)
		require.Equal(t, i, p.ID)
	}
	_, err = r.ReadNext(true)
	require.Equal(t, io.EOF, err)
}

func TestJournalFileSyncIntervalCoalesces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "q.1")

	w, err := CreateJournalFileWriter(path, Every(time.Hour))
	require.NoError(t, err)
	defer w.Close()

	fut1, err := w.Put(&PutRecord{ID: 1, Data: []byte("a")})
	require.NoError(t, err)
	fut2, err := w.Put(&PutRecord{ID: 2, Data: []byte("b")})
	require.NoError(t, err)

	require.NotSame(t, fut1, fut2)
	select {
	case <-fut1.Done():
		t.Fatal("future resolved before sync interval elapsed or Close")
	default:
	}

	require.NoError(t, w.Close())
	require.NoError(t, fut1.Wait())
	require.NoError(t, fut2.Wait())
}

func TestJournalFileReopenForAppendPreservesPosition(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "q.1")

	w, err := CreateJournalFileWriter(path, Never())
	require.NoError(t, err)
	_, err = w.Put(&PutRecord{ID: 1, Data: []byte("one")})
	require.NoError(t, err)
	pos := w.Position()
	require.NoError(t, w.Close())

	w2, err := OpenJournalFileWriter(path, pos, Never())
	require.NoError(t, err)
	_, err = w2.Put(&PutRecord{ID: 2, Data: []byte("two")})
	require.NoError(t, err)
	require.NoError(t, w2.Close())

	r, err := OpenJournalFileReader(path)
	require.NoError(t, err)
	defer r.Close()
	rec1, err := r.ReadNext(true)
	require.NoError(t, err)
	require.Equal(t, ItemID(1), rec1.(*PutRecord).ID)
	rec2, err := r.ReadNext(true)
	require.NoError(t, err)
	require.Equal(t, ItemID(2), rec2.(*PutRecord).ID)
}
