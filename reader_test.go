package kestrel

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeJournalHandle struct {
	tailID  ItemID
	earlyID ItemID
}

func (f *fakeJournalHandle) tail() ItemID         { return f.tailID }
func (f *fakeJournalHandle) earliestHead() ItemID { return f.earlyID }
func (f *fakeJournalHandle) enqueueCheckpointWrite(path string, head ItemID, ids []ItemID) *Future {
	return resolved(nil)
}
func (f *fakeJournalHandle) newScanner(startID ItemID) (*Scanner, error) {
	return newScannerFromSnapshot(NewFileIndex(nil), f.tailID, startID)
}
func (f *fakeJournalHandle) removeReader(name string) error { return nil }

func TestReaderCommitSequentialAdvancesHead(t *testing.T) {
	r := newReader(&fakeJournalHandle{}, "c", "/tmp/x", 0)
	r.Commit(1)
	r.Commit(2)
	r.Commit(3)
	require.Equal(t, ItemID(3), r.Head())
	require.Empty(t, r.DoneSet())
}

func TestReaderCommitOutOfOrderConvergesAnyPermutation(t *testing.T) {
	perms := [][]ItemID{
		{1, 2, 3, 4, 5},
		{5, 4, 3, 2, 1},
		{2, 1, 4, 3, 5},
		{3, 1, 5, 2, 4},
		{1, 3, 5, 2, 4},
	}
	for _, order := range perms {
		r := newReader(&fakeJournalHandle{}, "c", "/tmp/x", 0)
		for _, id := range order {
			r.Commit(id)
		}
		require.Equal(t, ItemID(5), r.Head(), "order=%v", order)
		require.Empty(t, r.DoneSet(), "order=%v", order)
	}
}

func TestReaderCommitIdempotentBelowHead(t *testing.T) {
	r := newReader(&fakeJournalHandle{}, "c", "/tmp/x", 5)
	r.Commit(3) // already covered by head
	require.Equal(t, ItemID(5), r.Head())
	require.Empty(t, r.DoneSet())
}

func TestReaderCommitTrackingScenario(t *testing.T) {
	r := newReader(&fakeJournalHandle{}, "c", "/tmp/x", 123)
	r.Commit(125)
	r.Commit(130)
	require.Equal(t, ItemID(123), r.Head())
	require.Equal(t, []ItemID{125, 130}, r.DoneSet())

	r.Commit(124)
	require.Equal(t, ItemID(125), r.Head())
	require.Equal(t, []ItemID{130}, r.DoneSet())
}

func TestLoadReaderStateScenario(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "q.read.c1")

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	require.NoError(t, err)
	_, err = EncodeRecord(f, &ReadHeadRecord{Head: 900})
	require.NoError(t, err)
	_, err = EncodeRecord(f, &ReadDoneRecord{IDs: []ItemID{902, 903}})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	head, doneSet, err := loadReaderState(path, 903)
	require.NoError(t, err)
	require.Equal(t, ItemID(900), head)
	require.Equal(t, map[ItemID]struct{}{902: {}, 903: {}}, doneSet)
}

func TestLoadReaderStateMissingFileIsEmpty(t *testing.T) {
	head, doneSet, err := loadReaderState(filepath.Join(t.TempDir(), "missing"), 10)
	require.NoError(t, err)
	require.Equal(t, ItemID(0), head)
	require.Empty(t, doneSet)
}

func TestClampHead(t *testing.T) {
	require.Equal(t, ItemID(5), clampHead(5, 1, 10))
	require.Equal(t, ItemID(0), clampHead(0, 0, 10))  // no files yet
	require.Equal(t, ItemID(4), clampHead(1, 5, 10))  // pulled up to earliestHead-1
	require.Equal(t, ItemID(10), clampHead(50, 1, 10)) // pulled down to tailID
}

func TestJournalFileIndexDiscoveryScenario(t *testing.T) {
	names := []string{
		"test.901", "test.8000", "test.3leet",
		"test.read.client1", "test.read.client2", "test.readmenot",
		"test.1", "test.5005", "test.read.client1~~",
	}

	var writers []string
	var readers []string
	for _, n := range names {
		if isTempName(n) {
			continue
		}
		if _, ok := parseDataFileName(n, "test"); ok {
			writers = append(writers, n)
			continue
		}
		if name, ok := parseReaderFileName(n, "test"); ok {
			readers = append(readers, name)
		}
	}

	require.ElementsMatch(t, []string{"test.901", "test.8000", "test.1", "test.5005"}, writers)
	require.ElementsMatch(t, []string{"client1", "client2"}, readers)
}
