package kestrel

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// journalSnapshot is the point-in-time, immutable view of the state other
// goroutines (Scanner positioning, Tail/JournalSize callers) may read
// without going through the serialized actor -- spec.md section 9's
// "mutable index replacement" published via a single atomic pointer.
type journalSnapshot struct {
	index  *FileIndex
	tailID ItemID
}

// Journal owns the lifecycle of one queue's file set: scan on open,
// rotation, archive/delete, and serialized writes, per spec.md section
// 4.D. All mutating operations run on a single goroutine (the "actor"),
// reached only through enqueue -- this gives a total order on appends and
// file-lifecycle changes without a coarse lock (spec.md section 5/9).
type Journal struct {
	opts   Options
	logger *zap.Logger
	lock   *flock.Flock

	ops        chan func()
	stopCh     chan struct{}
	stopped    chan struct{}
	closedFlag atomic.Bool
	closeOnce  sync.Once

	// actor-owned state: only ever touched from inside the actor
	// goroutine (i.e. from within a closure passed to enqueue).
	index        *FileIndex
	active       *JournalFile
	tailID       ItemID
	currentItems int64
	currentBytes int64
	readers      map[string]*Reader
	healthy      bool
	closed       bool

	snap atomic.Pointer[journalSnapshot]
}

// Open scans queueDir per spec.md section 4.D and returns a ready Journal.
// Opening a directory containing only files conforming to the naming
// scheme in spec.md section 6 always succeeds and yields a state
// equivalent to clean-shutdown-then-recovery.
func Open(opts Options) (*Journal, error) {
	opts.setDefaults()
	logger := opts.Logger

	if opts.QueueDir == "" || opts.QueueName == "" {
		return nil, errors.New("kestrel: QueueDir and QueueName are required")
	}
	if err := os.MkdirAll(opts.QueueDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "kestrel: create queue dir")
	}

	fl := flock.New(lockFileName(opts.QueueDir, opts.QueueName))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "kestrel: lock queue dir")
	}
	if !ok {
		return nil, errors.Errorf("kestrel: queue %q is already open elsewhere", opts.QueueName)
	}

	j, err := openLocked(opts, logger, fl)
	if err != nil {
		_ = fl.Unlock()
		return nil, err
	}

	j.publishSnapshot()
	go j.actorLoop()
	return j, nil
}

func openLocked(opts Options, logger *zap.Logger, fl *flock.Flock) (*Journal, error) {
	entries, err := os.ReadDir(opts.QueueDir)
	if err != nil {
		return nil, errors.Wrap(err, "kestrel: read queue dir")
	}

	// Step 1: delete all temp/staging files.
	for _, e := range entries {
		if e.IsDir() || !isTempName(e.Name()) {
			continue
		}
		_ = os.Remove(filepath.Join(opts.QueueDir, e.Name()))
	}

	// Step 2: enumerate writer and reader files.
	type writerFile struct {
		suffix int64
		path   string
	}
	var writerFiles []writerFile
	var readerPaths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if suffix, ok := parseDataFileName(name, opts.QueueName); ok {
			writerFiles = append(writerFiles, writerFile{suffix, filepath.Join(opts.QueueDir, name)})
			continue
		}
		if _, ok := parseReaderFileName(name, opts.QueueName); ok {
			readerPaths = append(readerPaths, filepath.Join(opts.QueueDir, name))
		}
	}
	sort.Slice(writerFiles, func(i, j int) bool { return writerFiles[i].suffix < writerFiles[j].suffix })

	// Step 3: scan each writer file, repairing tail corruption.
	var fileInfos []FileInfo
	var lastPath string
	var lastRawSize int64
	for _, wf := range writerFiles {
		fi, rawSize, skip, serr := scanJournalFileWithRepair(wf.path, logger)
		if serr != nil {
			return nil, errors.Wrapf(serr, "kestrel: scanning %s", wf.path)
		}
		if skip {
			continue
		}
		fileInfos = append(fileInfos, fi)
		lastPath = wf.path
		lastRawSize = rawSize
	}

	j := &Journal{
		opts:    opts,
		logger:  logger,
		lock:    fl,
		ops:     make(chan func()),
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
		readers: make(map[string]*Reader),
		healthy: true,
		index:   NewFileIndex(fileInfos),
	}

	// Step 4/5: build the index; reopen the last file for append, or
	// rotate a fresh one if the journal is empty.
	if last, ok := j.index.Last(); ok {
		active, aerr := OpenJournalFileWriter(lastPath, lastRawSize, opts.Sync)
		if aerr != nil {
			return nil, aerr
		}
		j.active = active
		j.tailID = last.TailID
		j.currentItems = last.Items
		j.currentBytes = last.Bytes
	} else {
		if err := j.rotateLocked(); err != nil {
			return nil, err
		}
	}

	// Step 6: build the reader map; a corrupt reader file is skipped
	// with a warning, not fatal.
	for _, rp := range readerPaths {
		name, _ := parseReaderFileName(filepath.Base(rp), opts.QueueName)
		head, doneSet, rerr := loadReaderState(rp, j.tailID)
		if rerr != nil {
			logger.Warn("skipping unreadable reader file", zap.String("path", rp), zap.Error(rerr))
			continue
		}
		head = clampHead(head, j.index.EarliestHead(), j.tailID)
		r := newReader(j, name, rp, head)
		r.doneSet = doneSet
		j.readers[name] = r
	}

	// Step 7: if no readers exist, create a default one at the tail.
	if len(j.readers) == 0 {
		path := readerFileName(opts.QueueDir, opts.QueueName, "")
		r := newReader(j, "", path, j.tailID)
		j.readers[""] = r
		if _, err := j.writeCheckpointLocked(path, j.tailID, nil); err != nil {
			return nil, err
		}
	}

	// Step 8: a named reader supersedes the default.
	if len(j.readers) >= 2 {
		if def, ok := j.readers[""]; ok {
			_ = os.Remove(def.path)
			delete(j.readers, "")
		}
	}

	return j, nil
}

func (j *Journal) publishSnapshot() {
	j.snap.Store(&journalSnapshot{index: j.index, tailID: j.tailID})
}

func (j *Journal) actorLoop() {
	for {
		select {
		case fn := <-j.ops:
			fn()
		case <-j.stopCh:
			close(j.stopped)
			return
		}
	}
}

// enqueue runs fn on the actor goroutine and waits for it to finish. It is
// the only way to touch actor-owned state from outside the actor.
func (j *Journal) enqueue(fn func()) error {
	if j.closedFlag.Load() {
		return ErrClosed
	}
	done := make(chan struct{})
	select {
	case j.ops <- func() { fn(); close(done) }:
	case <-j.stopCh:
		return ErrClosed
	}
	select {
	case <-done:
	case <-j.stopCh:
	}
	return nil
}

// Put appends data to the journal, per spec.md section 4.D. The returned
// Future resolves once the record is durable according to the journal's
// SyncPolicy.
func (j *Journal) Put(data []byte, addTime, expireTime time.Time) (QueueItem, *Future, error) {
	var item QueueItem
	var fut *Future
	var perr error
	if err := j.enqueue(func() {
		item, fut, perr = j.putLocked(data, addTime, expireTime)
	}); err != nil {
		return QueueItem{}, nil, err
	}
	return item, fut, perr
}

func (j *Journal) putLocked(data []byte, addTime, expireTime time.Time) (QueueItem, *Future, error) {
	if j.closed {
		return QueueItem{}, nil, ErrClosed
	}
	if !j.healthy {
		return QueueItem{}, nil, ErrUnhealthy
	}

	nextID := j.tailID + 1
	item := QueueItem{ID: nextID, AddTime: addTime, ExpireTime: expireTime, Data: data}

	fut, err := j.active.Put(&PutRecord{ID: nextID, AddTime: addTime, ExpireTime: expireTime, Data: data})
	if err != nil {
		// The record's bytes were not accepted by the OS: roll back
		// the in-memory id, per spec.md section 5's "failure during
		// write" policy, and mark the journal unhealthy.
		j.healthy = false
		return QueueItem{}, nil, err
	}
	j.tailID = nextID

	j.currentItems++
	j.currentBytes += int64(len(data))
	if last, ok := j.index.Last(); ok {
		last.TailID = j.tailID
		last.Items = j.currentItems
		last.Bytes = j.currentBytes
		j.index = j.index.ReplaceLast(last)
	}

	if j.active.Position() >= j.opts.MaxFileSize {
		if rerr := j.rotateLocked(); rerr != nil {
			j.healthy = false
			j.publishSnapshot()
			return item, fut, rerr
		}
	}

	j.publishSnapshot()
	return item, fut, nil
}

// rotateLocked closes the active file and opens a fresh one, per spec.md
// section 4.D's rotate(). It is called both during Open (before the
// actor goroutine exists, so directly) and from putLocked (already on the
// actor goroutine).
func (j *Journal) rotateLocked() error {
	if j.active != nil {
		if err := j.active.Close(); err != nil {
			j.logger.Error("failed to close active journal file", zap.Error(err))
		}
		j.active = nil
	}

	var path string
	for {
		suffix := j.opts.Clock().UnixMilli()
		candidate := dataFileName(j.opts.QueueDir, j.opts.QueueName, suffix)
		f, err := CreateJournalFileWriter(candidate, j.opts.Sync)
		if err == nil {
			j.active = f
			path = candidate
			break
		}
		if os.IsExist(errors.Cause(err)) {
			time.Sleep(time.Millisecond)
			continue
		}
		return err
	}

	j.currentItems = 0
	j.currentBytes = 0

	newInfo := FileInfo{Path: path, HeadID: j.tailID + 1, TailID: j.tailID, Items: 0, Bytes: 0}
	if j.index.Len() == 0 {
		j.index = NewFileIndex([]FileInfo{newInfo})
	} else {
		j.index = j.index.Insert(newInfo)
	}

	return j.checkOldFilesLocked()
}

// checkOldFilesLocked garbage-collects data files whose tail id is at or
// below every reader's head, per spec.md section 4.D's checkOldFiles(). The
// file adjacent to the GC boundary is always kept, even if it otherwise
// qualifies, so the file currently holding (or about to hold) live data
// is never removed.
func (j *Journal) checkOldFilesLocked() error {
	minHead := j.tailID
	for _, r := range j.readers {
		h := r.Head()
		if h+1 < minHead {
			minHead = h + 1
		}
	}

	all := j.index.All()
	m := 0
	for m < len(all) && all[m].HeadID <= minHead {
		m++
	}
	if m > 0 {
		m-- // exclude the last matching entry
	}

	var merr error
	for i := 0; i < m; i++ {
		fi := all[i]
		j.index = j.index.Remove(fi.HeadID)
		if j.opts.ArchiveDir != "" {
			if err := archiveFile(j.opts.ArchiveDir, fi.Path); err != nil {
				merr = multierr.Append(merr, errors.Wrapf(err, "archive %s", fi.Path))
			}
		} else if err := os.Remove(fi.Path); err != nil && !os.IsNotExist(err) {
			merr = multierr.Append(merr, errors.Wrapf(err, "remove %s", fi.Path))
		}
	}
	return merr
}

// writeCheckpointLocked performs the atomic reader-file rewrite described
// in spec.md section 4.E: write to a "~~"-suffixed staging file, fsync,
// then rename over the canonical path.
func (j *Journal) writeCheckpointLocked(path string, head ItemID, ids []ItemID) (*Future, error) {
	tmp := tempCheckpointName(path, j.opts.Clock)

	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "create checkpoint staging file %s", tmp)
	}

	if _, err := EncodeRecord(f, &ReadHeadRecord{Head: head}); err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, err
	}
	if _, err := EncodeRecord(f, &ReadDoneRecord{IDs: ids}); err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, errors.Wrapf(err, "sync checkpoint staging file %s", tmp)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return nil, errors.Wrapf(err, "close checkpoint staging file %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, errors.Wrapf(err, "rename checkpoint file to %s", path)
	}
	return resolved(nil), nil
}

func tempCheckpointName(path string, clock func() time.Time) string {
	return path + "~~" + strconv.FormatInt(clock().UnixMilli(), 10)
}

// Reader returns the named reader, creating it if it does not already
// exist, per spec.md section 4.D's reader(name).
func (j *Journal) Reader(name string) (*Reader, error) {
	var r *Reader
	if err := j.enqueue(func() {
		r = j.readerLocked(name)
	}); err != nil {
		return nil, err
	}
	return r, nil
}

func (j *Journal) readerLocked(name string) *Reader {
	if existing, ok := j.readers[name]; ok {
		return existing
	}

	newPath := readerFileName(j.opts.QueueDir, j.opts.QueueName, name)

	if def, ok := j.readers[""]; ok && name != "" {
		oldPath := def.path
		def.mu.Lock()
		def.name = name
		def.path = newPath
		head := def.head
		ids := sortedIDs(def.doneSet)
		def.mu.Unlock()

		if err := os.Rename(oldPath, newPath); err != nil && !os.IsNotExist(err) {
			j.logger.Warn("rename default reader file", zap.Error(err))
		}
		if _, err := j.writeCheckpointLocked(newPath, head, ids); err != nil {
			j.logger.Warn("checkpoint renamed reader", zap.Error(err))
		}
		_ = os.Remove(oldPath) // best-effort; the rename already removed it on POSIX

		delete(j.readers, "")
		j.readers[name] = def
		return def
	}

	r := newReader(j, name, newPath, j.tailID)
	j.readers[name] = r
	if _, err := j.writeCheckpointLocked(newPath, j.tailID, nil); err != nil {
		j.logger.Warn("checkpoint new reader", zap.Error(err))
	}
	return r
}

func (j *Journal) removeReader(name string) error {
	var err error
	if eerr := j.enqueue(func() {
		r, ok := j.readers[name]
		if !ok {
			return
		}
		if rerr := os.Remove(r.path); rerr != nil && !os.IsNotExist(rerr) {
			err = rerr
		}
		delete(j.readers, name)
	}); eerr != nil {
		return eerr
	}
	return err
}

// Checkpoint checkpoints every reader and returns a Future that resolves
// once all of them have completed.
func (j *Journal) Checkpoint() *Future {
	var readers []*Reader
	if err := j.enqueue(func() {
		readers = make([]*Reader, 0, len(j.readers))
		for _, r := range j.readers {
			readers = append(readers, r)
		}
	}); err != nil {
		return resolved(err)
	}

	futs := make([]*Future, 0, len(readers))
	for _, r := range readers {
		futs = append(futs, r.Checkpoint())
	}
	return joinFutures(futs)
}

// Tail returns the largest item id ever appended.
func (j *Journal) Tail() ItemID { return j.tail() }

func (j *Journal) tail() ItemID {
	s := j.snap.Load()
	if s == nil {
		return 0
	}
	return s.tailID
}

func (j *Journal) earliestHead() ItemID {
	s := j.snap.Load()
	if s == nil {
		return 0
	}
	return s.index.EarliestHead()
}

func (j *Journal) enqueueCheckpointWrite(path string, head ItemID, ids []ItemID) *Future {
	var fut *Future
	var err error
	if eerr := j.enqueue(func() {
		fut, err = j.writeCheckpointLocked(path, head, ids)
	}); eerr != nil {
		return resolved(eerr)
	}
	if err != nil {
		return resolved(err)
	}
	return fut
}

func (j *Journal) newScanner(startID ItemID) (*Scanner, error) {
	s := j.snap.Load()
	return newScannerFromSnapshot(s.index, s.tailID, startID)
}

// JournalSize returns the sum of writer file lengths currently on disk.
func (j *Journal) JournalSize() int64 {
	s := j.snap.Load()
	if s == nil {
		return 0
	}
	var total int64
	for _, fi := range s.index.All() {
		if st, err := os.Stat(fi.Path); err == nil {
			total += st.Size()
		}
	}
	return total
}

// Stats is a plain snapshot of queue health, generalizing the teacher's
// Depth() accessor to multiple readers.
type Stats struct {
	Tail      ItemID
	FileCount int
	SizeBytes int64
	ReaderLag map[string]int64
}

// Stats returns a point-in-time snapshot of queue health.
func (j *Journal) Stats() (Stats, error) {
	var st Stats
	if err := j.enqueue(func() {
		st.Tail = j.tailID
		st.FileCount = j.index.Len()
		st.ReaderLag = make(map[string]int64, len(j.readers))
		for name, r := range j.readers {
			st.ReaderLag[name] = int64(j.tailID - r.Head())
		}
	}); err != nil {
		return Stats{}, err
	}
	st.SizeBytes = j.JournalSize()
	return st, nil
}

// Close flushes the active file and releases the directory lock. It does
// not delete anything.
func (j *Journal) Close() error {
	var err error
	_ = j.enqueue(func() {
		j.closed = true
		if j.active != nil {
			err = j.active.Close()
			j.active = nil
		}
	})
	j.shutdown()
	return err
}

// Erase closes the journal and deletes its data files, reader files, and
// any leftover staging files. The lock file is unlocked but left in place.
func (j *Journal) Erase() error {
	var err error
	_ = j.enqueue(func() {
		j.closed = true
		if j.active != nil {
			_ = j.active.Close()
			j.active = nil
		}
		for _, fi := range j.index.All() {
			if rerr := os.Remove(fi.Path); rerr != nil && !os.IsNotExist(rerr) && err == nil {
				err = rerr
			}
		}
		for _, r := range j.readers {
			_ = os.Remove(r.path)
		}
		if entries, rerr := os.ReadDir(j.opts.QueueDir); rerr == nil {
			for _, e := range entries {
				if isTempName(e.Name()) {
					_ = os.Remove(filepath.Join(j.opts.QueueDir, e.Name()))
				}
			}
		}
		j.index = NewFileIndex(nil)
		j.readers = make(map[string]*Reader)
		j.publishSnapshot()
	})
	j.shutdown()
	return err
}

func (j *Journal) shutdown() {
	j.closeOnce.Do(func() {
		j.closedFlag.Store(true)
		close(j.stopCh)
		<-j.stopped
		if j.lock != nil {
			_ = j.lock.Unlock()
		}
	})
}
