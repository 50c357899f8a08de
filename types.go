package kestrel

import "time"

// ItemID is a monotonically increasing, per-queue unique item identifier.
// Ids start at 1; 0 is never assigned to an item and is used as a sentinel
// for "before the first item".
type ItemID = uint64

// QueueItem is an immutable, opaque payload once it has been appended to
// the journal.
type QueueItem struct {
	ID         ItemID
	AddTime    time.Time
	ExpireTime time.Time // zero value means "no expiry"
	Data       []byte
}

// SyncMode selects how a JournalFile's writer schedules fsync calls.
type SyncMode int

const (
	// SyncAlways fsyncs after every write.
	SyncAlways SyncMode = iota
	// SyncInterval coalesces writes: a single fsync is scheduled
	// Interval after the first unsynced write, and the durability
	// future of every write pending at that point resolves when it
	// completes.
	SyncInterval
	// SyncNever never fsyncs explicitly; durability futures resolve as
	// soon as the write is handed to the OS.
	SyncNever
)

// SyncPolicy configures the JournalFile writer's fsync behavior, per
// spec.md section 4.B.
type SyncPolicy struct {
	Mode     SyncMode
	Interval time.Duration
}

// Always fsyncs every record as soon as it is written.
func Always() SyncPolicy { return SyncPolicy{Mode: SyncAlways} }

// Every coalesces fsyncs: one fsync per d, covering every write queued
// since the previous fsync.
func Every(d time.Duration) SyncPolicy {
	if d <= 0 {
		return Always()
	}
	return SyncPolicy{Mode: SyncInterval, Interval: d}
}

// Never disables explicit fsyncs entirely.
func Never() SyncPolicy { return SyncPolicy{Mode: SyncNever} }
