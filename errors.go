package kestrel

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors. Use errors.Is against these. Not every error returned
// by this package unwraps to one of them: I/O failures are returned as
// wrapped os errors, and codec failures as *CorruptionError.
var (
	// ErrIdGap is returned by a Scanner when the file containing the next
	// expected id has been removed out from under it -- a sign of data
	// loss, not a recoverable condition.
	ErrIdGap = errors.New("kestrel: id gap in journal, data lost")

	// ErrClosed is returned by operations attempted after Journal.Close
	// or Journal.Erase has run.
	ErrClosed = errors.New("kestrel: journal closed")

	// ErrUnhealthy is returned by Put after a prior I/O failure on the
	// active writer file. The journal does not attempt to self-heal;
	// the process is expected to restart.
	ErrUnhealthy = errors.New("kestrel: journal marked unhealthy after write failure")
)

// CorruptionError reports that the codec found a malformed record: the
// length prefix is zero, too large, or runs past the end of file; the
// trailing checksum does not match; a known record's payload has the
// wrong size; or a tag outside 1-6 appeared in a data file. During the
// initial scan it is repaired by truncating the file at Pos.
type CorruptionError struct {
	Path string
	Pos  int64
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("kestrel: corrupted journal file %s at offset %d", e.Path, e.Pos)
}

func newCorruptionError(path string, pos int64) *CorruptionError {
	return &CorruptionError{Path: path, Pos: pos}
}
