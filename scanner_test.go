package kestrel

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeDataFile(t *testing.T, path string, items ...ItemID) FileInfo {
	t.Helper()
	jf, err := CreateJournalFileWriter(path, Never())
	require.NoError(t, err)
	fi := FileInfo{Path: path}
	for i, id := range items {
		data := []byte{byte(i)}
		_, err := jf.Put(&PutRecord{ID: id, Data: data})
		require.NoError(t, err)
		if fi.Items == 0 {
			fi.HeadID = id
		}
		fi.TailID = id
		fi.Items++
		fi.Bytes += int64(len(data))
	}
	require.NoError(t, jf.Close())
	return fi
}

func TestScannerReadsAcrossFileBoundaries(t *testing.T) {
	dir := t.TempDir()
	fi1 := writeDataFile(t, filepath.Join(dir, "q.1"), 1, 2, 3)
	fi2 := writeDataFile(t, filepath.Join(dir, "q.4"), 4, 5)

	idx := NewFileIndex([]FileInfo{fi1, fi2})
	sc, err := newScannerFromSnapshot(idx, 5, 1)
	require.NoError(t, err)
	defer sc.Close()

	var got []ItemID
	for {
		item, ok, err := sc.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, item.ID)
	}
	require.Equal(t, []ItemID{1, 2, 3, 4, 5}, got)
}

func TestScannerStartsMidFile(t *testing.T) {
	dir := t.TempDir()
	fi1 := writeDataFile(t, filepath.Join(dir, "q.1"), 1, 2, 3)

	idx := NewFileIndex([]FileInfo{fi1})
	sc, err := newScannerFromSnapshot(idx, 3, 2)
	require.NoError(t, err)
	defer sc.Close()

	item, ok, err := sc.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ItemID(2), item.ID)

	item, ok, err = sc.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ItemID(3), item.ID)

	_, ok, err = sc.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestScannerIdGap(t *testing.T) {
	dir := t.TempDir()
	fi1 := writeDataFile(t, filepath.Join(dir, "q.1"), 1, 2)

	// tailID implies more data exists beyond what the index covers --
	// simulating a file that was removed out from under the scanner.
	idx := NewFileIndex([]FileInfo{fi1})
	sc, err := newScannerFromSnapshot(idx, 10, 1)
	require.NoError(t, err)
	defer sc.Close()

	_, ok, _ := sc.Next()
	require.True(t, ok)
	_, ok, _ = sc.Next()
	require.True(t, ok)

	_, ok, err = sc.Next()
	require.False(t, ok)
	require.ErrorIs(t, err, ErrIdGap)
}
