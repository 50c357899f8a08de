package kestrel

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// JournalFile is a handle over one on-disk file, either in writer (append)
// mode or reader (sequential scan) mode. Its internal buffering is opaque
// to callers; they only see typed record read/write plus position
// tracking, per spec.md section 4.B.
type JournalFile struct {
	path     string
	file     *os.File
	isWriter bool

	// writer state
	policy  SyncPolicy
	mu      sync.Mutex
	pending []*Future
	timer   *time.Timer

	// reader state
	br *bufio.Reader

	pos int64
}

// CreateJournalFileWriter creates a new file (it must not already exist)
// and opens it for append.
func CreateJournalFileWriter(path string, policy SyncPolicy) (*JournalFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "create journal file %s", path)
	}
	return &JournalFile{path: path, file: f, isWriter: true, policy: policy}, nil
}

// OpenJournalFileWriter reopens an existing file for append, positioned
// at startPos (the end of its last valid record).
func OpenJournalFileWriter(path string, startPos int64, policy SyncPolicy) (*JournalFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "reopen journal file %s", path)
	}
	if _, err := f.Seek(startPos, io.SeekStart); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "seek journal file %s", path)
	}
	return &JournalFile{path: path, file: f, isWriter: true, policy: policy, pos: startPos}, nil
}

// OpenJournalFileReader opens an existing file for sequential scanning
// from the beginning.
func OpenJournalFileReader(path string) (*JournalFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open journal file %s", path)
	}
	return &JournalFile{path: path, file: f, br: bufio.NewReader(f)}, nil
}

// Position returns the current write (or read) offset within the file.
func (jf *JournalFile) Position() int64 {
	return jf.pos
}

// Put appends one record and returns a durability future per the file's
// SyncPolicy. Only the goroutine that owns this JournalFile may call Put;
// it is not safe to call concurrently with itself.
func (jf *JournalFile) Put(rec Record) (*Future, error) {
	if !jf.isWriter {
		return nil, errors.New("kestrel: Put called on a reader JournalFile")
	}

	var buf bytes.Buffer
	n, err := EncodeRecord(&buf, rec)
	if err != nil {
		return nil, err
	}
	if _, err := jf.file.Write(buf.Bytes()); err != nil {
		return nil, errors.Wrapf(err, "write journal file %s", jf.path)
	}
	jf.pos += int64(n)

	return jf.scheduleSync(), nil
}

func (jf *JournalFile) scheduleSync() *Future {
	switch jf.policy.Mode {
	case SyncAlways:
		return resolved(jf.file.Sync())
	case SyncNever:
		return resolved(nil)
	default: // SyncInterval
		jf.mu.Lock()
		defer jf.mu.Unlock()
		fut := newFuture()
		jf.pending = append(jf.pending, fut)
		if jf.timer == nil {
			jf.timer = time.AfterFunc(jf.policy.Interval, jf.fireSync)
		}
		return fut
	}
}

func (jf *JournalFile) fireSync() {
	jf.mu.Lock()
	pending := jf.pending
	jf.pending = nil
	jf.timer = nil
	jf.mu.Unlock()

	err := jf.file.Sync()
	for _, f := range pending {
		f.complete(err)
	}
}

// ReadNext decodes the next record. dataFile controls whether an unknown
// tag is corruption (true, data files) or merely skipped (false, reader
// files), per spec.md section 6.
func (jf *JournalFile) ReadNext(dataFile bool) (Record, error) {
	if jf.isWriter {
		return nil, errors.New("kestrel: ReadNext called on a writer JournalFile")
	}
	rec, n, err := DecodeRecord(jf.br, jf.path, jf.pos, dataFile)
	jf.pos += n
	return rec, err
}

// Close flushes any pending coalesced fsync (writer mode) and closes the
// underlying file.
func (jf *JournalFile) Close() error {
	if !jf.isWriter {
		return jf.file.Close()
	}

	jf.mu.Lock()
	if jf.timer != nil {
		jf.timer.Stop()
		jf.timer = nil
	}
	pending := jf.pending
	jf.pending = nil
	jf.mu.Unlock()

	syncErr := jf.file.Sync()
	for _, f := range pending {
		f.complete(syncErr)
	}

	closeErr := jf.file.Close()
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

// truncateFile truncates path to pos bytes, used to repair tail
// corruption found during the initial scan.
func truncateFile(path string, pos int64) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return errors.Wrapf(err, "open for truncate %s", path)
	}
	defer f.Close()
	if err := f.Truncate(pos); err != nil {
		return errors.Wrapf(err, "truncate %s to %d", path, pos)
	}
	return nil
}
