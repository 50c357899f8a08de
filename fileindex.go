package kestrel

import "sort"

// FileInfo describes one data file: the range of item ids it holds, how
// many items, and how many payload bytes. It exists for every data file
// containing at least one item, plus (transiently) the active writer file
// right after a rotation, before its first Put.
type FileInfo struct {
	Path   string
	HeadID ItemID // smallest item id in the file
	TailID ItemID // largest item id in the file
	Items  int64
	Bytes  int64
}

// empty reports whether fi is a just-rotated, not-yet-written file: by
// convention TailID = HeadID - 1, Items = 0, per spec.md section 3.
func (fi FileInfo) empty() bool {
	return fi.Items == 0 && fi.TailID+1 == fi.HeadID
}

// FileIndex is an ordered map from a file's HeadID to its FileInfo,
// maintained as a sorted slice (file counts are small -- bounded by
// maxFileSize -- so a slice beats a tree for cache locality and avoids
// pulling in a generic container just for this).
//
// Per spec.md section 3: keys strictly increase; adjacent entries never
// gap or overlap (f1.TailID+1 == h2); the last entry is the active
// writer file.
//
// FileIndex is immutable: every mutator returns a new *FileIndex, so a
// caller can publish it via a single atomic pointer store and other
// goroutines always observe a self-consistent snapshot (spec.md section
// 9, "mutable index replacement").
type FileIndex struct {
	entries []FileInfo // sorted by HeadID ascending
}

// NewFileIndex builds a FileIndex from a set of FileInfos discovered on
// disk. Entries must already be gap-free and sorted by HeadID; Journal.open
// is responsible for that invariant.
func NewFileIndex(entries []FileInfo) *FileIndex {
	cp := append([]FileInfo(nil), entries...)
	sort.Slice(cp, func(i, j int) bool { return cp[i].HeadID < cp[j].HeadID })
	return &FileIndex{entries: cp}
}

// Len returns the number of files currently indexed.
func (fx *FileIndex) Len() int {
	if fx == nil {
		return 0
	}
	return len(fx.entries)
}

// FileInfoForID returns the file whose range contains id: the entry with
// the largest HeadID <= id. It returns (FileInfo{}, false) if the index
// is empty or id is smaller than the earliest HeadID.
func (fx *FileIndex) FileInfoForID(id ItemID) (FileInfo, bool) {
	if fx.Len() == 0 {
		return FileInfo{}, false
	}
	// last entry with HeadID <= id
	i := sort.Search(len(fx.entries), func(i int) bool {
		return fx.entries[i].HeadID > id
	})
	if i == 0 {
		return FileInfo{}, false
	}
	return fx.entries[i-1], true
}

// FileInfosAfter returns every entry with HeadID >= id, in key order.
func (fx *FileIndex) FileInfosAfter(id ItemID) []FileInfo {
	if fx.Len() == 0 {
		return nil
	}
	i := sort.Search(len(fx.entries), func(i int) bool {
		return fx.entries[i].HeadID >= id
	})
	out := append([]FileInfo(nil), fx.entries[i:]...)
	return out
}

// EarliestHead returns the smallest HeadID in the index, or 0 if empty.
func (fx *FileIndex) EarliestHead() ItemID {
	if fx.Len() == 0 {
		return 0
	}
	return fx.entries[0].HeadID
}

// Last returns the active writer file's FileInfo (the highest-keyed
// entry), or (FileInfo{}, false) if the index is empty.
func (fx *FileIndex) Last() (FileInfo, bool) {
	if fx.Len() == 0 {
		return FileInfo{}, false
	}
	return fx.entries[len(fx.entries)-1], true
}

// Insert adds a new FileInfo, returning a new FileIndex. fi.HeadID must be
// greater than every existing key.
func (fx *FileIndex) Insert(fi FileInfo) *FileIndex {
	cp := append([]FileInfo(nil), fx.entries...)
	cp = append(cp, fi)
	return &FileIndex{entries: cp}
}

// Remove drops the entry keyed by headID, returning a new FileIndex.
func (fx *FileIndex) Remove(headID ItemID) *FileIndex {
	cp := make([]FileInfo, 0, fx.Len())
	for _, e := range fx.entries {
		if e.HeadID != headID {
			cp = append(cp, e)
		}
	}
	return &FileIndex{entries: cp}
}

// ReplaceLast replaces the highest-keyed entry (the active writer file),
// returning a new FileIndex. It panics if the index is empty -- callers
// only ever replace the last entry after confirming it exists.
func (fx *FileIndex) ReplaceLast(fi FileInfo) *FileIndex {
	if fx.Len() == 0 {
		panic("kestrel: ReplaceLast on empty FileIndex")
	}
	cp := append([]FileInfo(nil), fx.entries...)
	cp[len(cp)-1] = fi
	return &FileIndex{entries: cp}
}

// All returns every entry in key order. Callers must not mutate the
// returned slice.
func (fx *FileIndex) All() []FileInfo {
	if fx.Len() == 0 {
		return nil
	}
	return fx.entries
}
