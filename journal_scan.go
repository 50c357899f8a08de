package kestrel

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// scanJournalFile replays every record in path, tracking the Put id range,
// count and byte total. It returns the FileInfo, the on-disk byte offset
// just past the last successfully decoded record (used to reopen the file
// for append, or to truncate on corruption), and a *CorruptionError if
// decoding failed partway through.
func scanJournalFile(path string) (FileInfo, int64, error) {
	jf, err := OpenJournalFileReader(path)
	if err != nil {
		return FileInfo{}, 0, err
	}
	defer jf.Close()

	fi := FileInfo{Path: path}
	var haveFirst bool
	var pos int64

	for {
		rec, err := jf.ReadNext(true)
		if err == io.EOF {
			pos = jf.Position()
			break
		}
		if err != nil {
			return FileInfo{}, 0, err
		}
		if p, ok := rec.(*PutRecord); ok {
			if !haveFirst {
				fi.HeadID = p.ID
				haveFirst = true
			}
			fi.TailID = p.ID
			fi.Items++
			fi.Bytes += int64(len(p.Data))
		}
		pos = jf.Position()
	}

	return fi, pos, nil
}

// scanJournalFileWithRepair implements spec.md section 4.D step 3: scan,
// and on CorruptedJournal(pos), truncate the file to pos and retry once.
// If the file (after truncation, if any) holds zero Put records, it is
// deleted and skip is reported true. A second corruption on the retried
// scan is mid-file corruption, which spec.md treats as unrecoverable --
// it is returned as a fatal error.
func scanJournalFileWithRepair(path string, logger *zap.Logger) (fi FileInfo, rawSize int64, skip bool, err error) {
	fi, rawSize, err = scanJournalFile(path)
	if err != nil {
		ce, ok := err.(*CorruptionError)
		if !ok {
			return FileInfo{}, 0, false, err
		}
		logger.Warn("truncating corrupted journal file tail",
			zap.String("path", path), zap.Int64("pos", ce.Pos))
		if terr := truncateFile(path, ce.Pos); terr != nil {
			return FileInfo{}, 0, false, terr
		}
		fi, rawSize, err = scanJournalFile(path)
		if err != nil {
			// Corruption survived a tail truncation: it was mid-file,
			// not at the tail, and is unrecoverable for this queue.
			return FileInfo{}, 0, false, err
		}
	}

	if fi.Items == 0 {
		if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
			return FileInfo{}, 0, false, rerr
		}
		return FileInfo{}, 0, true, nil
	}

	return fi, rawSize, false, nil
}

// archiveFile moves path into archiveDir, named archive~<basename>. If
// that name is already taken (e.g. a crash re-ran this move), a numeric
// suffix is appended rather than overwriting -- grounded on the teacher's
// rotation retry loop (busy-wait for a unique suffix), applied here to a
// different operation.
func archiveFile(archiveDir, path string) error {
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return err
	}
	base := filepath.Base(path)
	target := archiveFileName(archiveDir, base)
	for i := 0; ; i++ {
		candidate := target
		if i > 0 {
			candidate = fmt.Sprintf("%s.%d", target, i)
		}
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return os.Rename(path, candidate)
		} else if err != nil {
			return err
		}
	}
}
