package kestrel

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultMaxFileSize is used when Options.MaxFileSize is left at zero.
const DefaultMaxFileSize int64 = 128 << 20 // 128MiB

// Options configures a Journal. The teacher's New(...) takes a long flat
// parameter list; grouping them here follows the pack's idiom (e.g.
// andreyvit/journal's Options) and lets the set grow without breaking
// callers.
type Options struct {
	// QueueDir is the directory holding this queue's files. Required.
	QueueDir string
	// QueueName prefixes every file this queue owns. Required.
	QueueName string
	// MaxFileSize triggers rotation once the active file's position
	// reaches it. Zero means DefaultMaxFileSize.
	MaxFileSize int64
	// Sync controls the writer's fsync policy. Zero value is SyncAlways.
	Sync SyncPolicy
	// ArchiveDir, if set, receives fully-consumed data files instead of
	// deleting them.
	ArchiveDir string
	// Logger receives structured diagnostics. Defaults to a no-op
	// logger.
	Logger *zap.Logger
	// Clock is used for rotation filenames and checkpoint staging
	// names; overridable for deterministic tests. Defaults to
	// time.Now.
	Clock func() time.Time
}

func (o *Options) setDefaults() {
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// File naming, per spec.md section 6:
//
//	<queueName>.<unsignedDecimal>          data file
//	<queueName>.read.<readerName>          reader state file
//	anything containing "~~"               temporary/staging file
//	<archiveDir>/archive~<originalBasename> archived data file

func dataFileName(dir, queueName string, suffix int64) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%d", queueName, suffix))
}

func readerFileName(dir, queueName, readerName string) string {
	return filepath.Join(dir, fmt.Sprintf("%s.read.%s", queueName, readerName))
}

func lockFileName(dir, queueName string) string {
	return filepath.Join(dir, fmt.Sprintf("%s.lock", queueName))
}

const tempMarker = "~~"

func isTempName(name string) bool {
	return strings.Contains(name, tempMarker)
}

// parseDataFileName reports whether name matches "<queueName>.<digits>"
// with no "~~", returning the numeric suffix.
func parseDataFileName(name, queueName string) (int64, bool) {
	if isTempName(name) {
		return 0, false
	}
	prefix := queueName + "."
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	rest := name[len(prefix):]
	if rest == "" {
		return 0, false
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseReaderFileName reports whether name matches "<queueName>.read.<name>"
// with no "~~", returning the reader name (which may be empty).
func parseReaderFileName(name, queueName string) (string, bool) {
	if isTempName(name) {
		return "", false
	}
	prefix := queueName + ".read."
	if !strings.HasPrefix(name, prefix) {
		return "", false
	}
	return name[len(prefix):], true
}

func archiveFileName(archiveDir, originalBasename string) string {
	return filepath.Join(archiveDir, "archive~"+originalBasename)
}
