package kestrel

import "io"

// Scanner is a forward-only read-behind cursor: it reads Put items from
// disk across file boundaries for a reader that has fallen outside the
// in-memory window above this layer. It never touches the active writer
// handle; it opens data files with independent handles (spec.md section
// 4.F / section 5).
type Scanner struct {
	index     *FileIndex
	tailID    ItemID
	file      *JournalFile
	curInfo   FileInfo
	id        ItemID // id of the last item returned
	pending   *PutRecord
	exhausted bool
}

// newScannerFromSnapshot positions a Scanner at startID against a
// point-in-time FileIndex/tailID snapshot, per spec.md section 4.F's
// positioning algorithm: find the file that should contain startID (or
// fall back to the earliest file), then read forward until a Put with
// id >= startID is seen.
func newScannerFromSnapshot(index *FileIndex, tailID, startID ItemID) (*Scanner, error) {
	sc := &Scanner{index: index, tailID: tailID}
	if startID > 0 {
		sc.id = startID - 1
	}

	fi, ok := index.FileInfoForID(startID)
	if !ok {
		all := index.All()
		if len(all) == 0 {
			sc.exhausted = true
			sc.id = tailID
			return sc, nil
		}
		fi = all[0]
	}

	f, err := OpenJournalFileReader(fi.Path)
	if err != nil {
		return nil, err
	}
	sc.file = f
	sc.curInfo = fi

	for {
		rec, err := sc.file.ReadNext(true)
		if err == io.EOF {
			sc.file.Close()
			sc.file = nil
			next, found, gapErr := nextFileOrGap(index, sc.curInfo.TailID+1, tailID)
			if gapErr != nil {
				sc.exhausted = true
				return nil, gapErr
			}
			if !found {
				sc.exhausted = true
				sc.id = tailID
				return sc, nil
			}
			nf, err2 := OpenJournalFileReader(next.Path)
			if err2 != nil {
				return nil, err2
			}
			sc.file = nf
			sc.curInfo = next
			continue
		}
		if err != nil {
			return nil, err
		}
		if p, ok := rec.(*PutRecord); ok && p.ID >= startID {
			sc.pending = p
			return sc, nil
		}
	}
}

// nextFileOrGap looks up the file that should hold item id expected. If
// expected is beyond the live tail, there simply is no more data yet
// (found=false, err=nil). If expected is within range but the index has no
// file starting exactly there, the file that should hold it is gone --
// data loss, reported as ErrIdGap, per spec.md section 4.F/7.
func nextFileOrGap(index *FileIndex, expected, tailID ItemID) (fi FileInfo, found bool, err error) {
	if expected > tailID {
		return FileInfo{}, false, nil
	}
	fi, ok := index.FileInfoForID(expected)
	if !ok || fi.HeadID != expected {
		return FileInfo{}, false, ErrIdGap
	}
	return fi, true, nil
}

// Next returns the next item in id order, or ok=false once the scanner
// has caught up to the live tail. An ErrIdGap error means the file that
// should contain id+1 is gone -- data loss, per spec.md section 4.F/7.
func (sc *Scanner) Next() (QueueItem, bool, error) {
	if sc.exhausted || sc.id >= sc.tailID {
		return QueueItem{}, false, nil
	}

	if sc.pending != nil {
		p := sc.pending
		sc.pending = nil
		sc.id = p.ID
		return toQueueItem(p), true, nil
	}

	for {
		rec, err := sc.file.ReadNext(true)
		if err == io.EOF {
			sc.file.Close()
			sc.file = nil
			next, found, gapErr := nextFileOrGap(sc.index, sc.id+1, sc.tailID)
			if gapErr != nil {
				sc.exhausted = true
				return QueueItem{}, false, ErrIdGap
			}
			if !found {
				return QueueItem{}, false, nil
			}
			f, oerr := OpenJournalFileReader(next.Path)
			if oerr != nil {
				return QueueItem{}, false, oerr
			}
			sc.file = f
			sc.curInfo = next
			continue
		}
		if err != nil {
			return QueueItem{}, false, err
		}
		if p, ok := rec.(*PutRecord); ok {
			sc.id = p.ID
			return toQueueItem(p), true, nil
		}
		// non-Put record in a data file: skip.
	}
}

// Close releases the scanner's open file handle, if any.
func (sc *Scanner) Close() error {
	if sc.file != nil {
		err := sc.file.Close()
		sc.file = nil
		return err
	}
	return nil
}

func toQueueItem(p *PutRecord) QueueItem {
	return QueueItem{ID: p.ID, AddTime: p.AddTime, ExpireTime: p.ExpireTime, Data: p.Data}
}
