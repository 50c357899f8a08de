package kestrel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileIndexForIdScenario(t *testing.T) {
	idx := NewFileIndex([]FileInfo{
		{Path: "q.1", HeadID: 1, TailID: 1, Items: 1},
		{Path: "q.901", HeadID: 901, TailID: 901, Items: 1},
		{Path: "q.5005", HeadID: 5005, TailID: 5005, Items: 1},
		{Path: "q.8000", HeadID: 8000, TailID: 8000, Items: 1},
	})

	cases := []struct {
		id   ItemID
		want string
		ok   bool
	}{
		{0, "", false},
		{1, "q.1", true},
		{500, "q.1", true},
		{901, "q.901", true},
		{902, "q.901", true},
		{5005, "q.5005", true},
		{8000, "q.8000", true},
		{9000, "q.8000", true},
	}
	for _, c := range cases {
		fi, ok := idx.FileInfoForID(c.id)
		require.Equal(t, c.ok, ok, "id=%d", c.id)
		if c.ok {
			require.Equal(t, c.want, fi.Path, "id=%d", c.id)
		}
	}
}

func TestFileIndexEarliestHeadAndLast(t *testing.T) {
	idx := NewFileIndex(nil)
	require.Equal(t, ItemID(0), idx.EarliestHead())
	_, ok := idx.Last()
	require.False(t, ok)

	idx = idx.Insert(FileInfo{Path: "q.1", HeadID: 1, TailID: 0})
	idx = idx.Insert(FileInfo{Path: "q.10", HeadID: 10, TailID: 9})
	require.Equal(t, ItemID(1), idx.EarliestHead())
	last, ok := idx.Last()
	require.True(t, ok)
	require.Equal(t, "q.10", last.Path)
}

func TestFileIndexIsImmutable(t *testing.T) {
	idx := NewFileIndex([]FileInfo{{Path: "q.1", HeadID: 1, TailID: 5}})
	idx2 := idx.ReplaceLast(FileInfo{Path: "q.1", HeadID: 1, TailID: 9})

	orig, _ := idx.Last()
	updated, _ := idx2.Last()
	require.Equal(t, ItemID(5), orig.TailID)
	require.Equal(t, ItemID(9), updated.TailID)
}

func TestFileIndexRemove(t *testing.T) {
	idx := NewFileIndex([]FileInfo{
		{Path: "q.1", HeadID: 1, TailID: 900},
		{Path: "q.901", HeadID: 901, TailID: 5004},
	})
	idx = idx.Remove(1)
	require.Equal(t, 1, idx.Len())
	_, ok := idx.FileInfoForID(500)
	require.False(t, ok)
}
