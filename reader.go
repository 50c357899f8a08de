package kestrel

import (
	"io"
	"os"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// journalHandle is the small capabilities object a Reader needs from its
// owning Journal: its tail and earliest head, a way to schedule a
// checkpoint write on the serialized actor, and a way to open a read-behind
// Scanner. Reader depends on this narrow interface rather than holding a
// full *Journal, per spec.md section 9's guidance to avoid cyclic
// ownership between Journal and Reader.
type journalHandle interface {
	tail() ItemID
	earliestHead() ItemID
	enqueueCheckpointWrite(path string, head ItemID, doneSet []ItemID) *Future
	newScanner(startID ItemID) (*Scanner, error)
	removeReader(name string) error
}

// Reader is one consumer's durable cursor over a Journal: a head (all ids
// <= head are consumed) plus a doneSet of ids > head consumed out of
// order. Per spec.md section 3, doneSet only ever holds ids strictly
// greater than head, with no duplicates.
type Reader struct {
	jh   journalHandle
	name string
	path string

	mu      sync.Mutex
	head    ItemID
	doneSet map[ItemID]struct{}
	scanner *Scanner
}

func newReader(jh journalHandle, name, path string, head ItemID) *Reader {
	return &Reader{
		jh:      jh,
		name:    name,
		path:    path,
		head:    head,
		doneSet: make(map[ItemID]struct{}),
	}
}

// Name returns the reader's name (may be "" for the default reader).
func (r *Reader) Name() string { return r.name }

// Head returns the largest id such that every id <= Head is consumed.
func (r *Reader) Head() ItemID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.head
}

// SetHead forcibly moves the cursor to v, discarding any out-of-order
// commits at or below v. This is a coarser operation than Commit -- used
// for operator fast-forward/rewind, not normal consumption.
func (r *Reader) SetHead(v ItemID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head = v
	for id := range r.doneSet {
		if id <= v {
			delete(r.doneSet, id)
		}
	}
}

// DoneSet returns a sorted snapshot of ids consumed out of order.
func (r *Reader) DoneSet() []ItemID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedIDs(r.doneSet)
}

// Commit records that id has been consumed. If id is exactly head+1, head
// advances, then keeps advancing through any contiguous run already
// present in doneSet. Otherwise id is added to doneSet for later
// convergence. A commit of an id already covered by head is a no-op
// (idempotent retry).
func (r *Reader) Commit(id ItemID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == r.head+1 {
		r.head++
		for {
			if _, ok := r.doneSet[r.head+1]; !ok {
				break
			}
			delete(r.doneSet, r.head+1)
			r.head++
		}
		return
	}
	if id > r.head {
		r.doneSet[id] = struct{}{}
	}
}

// Flush fast-forwards the reader to the journal's current tail and clears
// doneSet, discarding any pending read-behind session.
func (r *Reader) Flush() {
	tail := r.jh.tail()
	r.mu.Lock()
	r.head = tail
	r.doneSet = make(map[ItemID]struct{})
	r.mu.Unlock()
	r.EndReadBehind()
}

// Checkpoint snapshots head/doneSet under the reader's own lock (so
// concurrent commits cannot torn-write the checkpoint, per spec.md
// section 4.E) and schedules the durable rewrite on the journal's
// serialized actor.
func (r *Reader) Checkpoint() *Future {
	r.mu.Lock()
	head := r.head
	ids := sortedIDs(r.doneSet)
	r.mu.Unlock()

	return r.jh.enqueueCheckpointWrite(r.path, head, ids)
}

// StartReadBehind begins a forward scan from startID, for a reader that
// has fallen outside the in-memory buffer above this layer.
func (r *Reader) StartReadBehind(startID ItemID) error {
	sc, err := r.jh.newScanner(startID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	old := r.scanner
	r.scanner = sc
	r.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// NextReadBehind returns the next item from the active read-behind scan.
// ok is false once the scanner has caught up to the live tail. Per
// spec.md's open question on scanner id gaps, an error here ends the
// read-behind session (EndReadBehind runs internally) but does not mark
// the reader permanently failed; callers may retry with StartReadBehind.
func (r *Reader) NextReadBehind() (QueueItem, bool, error) {
	r.mu.Lock()
	sc := r.scanner
	r.mu.Unlock()
	if sc == nil {
		return QueueItem{}, false, errors.New("kestrel: read-behind not started")
	}

	item, ok, err := sc.Next()
	if err != nil {
		r.EndReadBehind()
		return QueueItem{}, false, err
	}
	return item, ok, nil
}

// EndReadBehind closes the active read-behind scan, if any.
func (r *Reader) EndReadBehind() {
	r.mu.Lock()
	sc := r.scanner
	r.scanner = nil
	r.mu.Unlock()
	if sc != nil {
		sc.Close()
	}
}

// Erase permanently removes this reader: its checkpoint file is deleted
// and the Journal forgets it, so it no longer counts toward the GC
// horizon in checkOldFiles.
func (r *Reader) Erase() error {
	r.EndReadBehind()
	return r.jh.removeReader(r.name)
}

func sortedIDs(set map[ItemID]struct{}) []ItemID {
	out := make([]ItemID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// loadReaderState replays a reader file, per spec.md section 4.E
// readState(): the last ReadHead wins, and ReadDone replaces the doneSet
// wholesale (it is always written as a complete snapshot, never a delta),
// filtered to ids <= tailID. An unknown record kind is skipped rather than
// treated as corruption -- reader files are not subject to the "unknown
// tag is fatal" rule data files are; the skip is not logged. A corrupted
// record is returned as a *CorruptionError, so the caller can skip the
// whole file.
func loadReaderState(path string, tailID ItemID) (ItemID, map[ItemID]struct{}, error) {
	jf, err := OpenJournalFileReader(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, make(map[ItemID]struct{}), nil
		}
		return 0, nil, err
	}
	defer jf.Close()

	var head ItemID
	doneSet := make(map[ItemID]struct{})

	for {
		rec, err := jf.ReadNext(false)
		if err != nil {
			if err == io.EOF {
				break
			}
			return 0, nil, err
		}
		switch r := rec.(type) {
		case *ReadHeadRecord:
			head = r.Head
		case *ReadDoneRecord:
			fresh := make(map[ItemID]struct{}, len(r.IDs))
			for _, id := range r.IDs {
				if id <= tailID {
					fresh[id] = struct{}{}
				}
			}
			doneSet = fresh
		default:
			// reserved/unknown record kind: skip.
		}
	}

	return head, doneSet, nil
}

// clampHead applies spec.md section 4.E's post-replay clamp: head is
// pulled into [earliestHead-1, tailID]. This is what makes an
// operator-deleted range of data files, or a fast-forwarded queue,
// recoverable -- see the Open Questions discussion in SPEC_FULL.md.
func clampHead(head, earliestHead, tailID ItemID) ItemID {
	var lower ItemID
	if earliestHead > 0 {
		lower = earliestHead - 1
	}
	if head < lower {
		return lower
	}
	if head > tailID {
		return tailID
	}
	return head
}
