// Package kestrel implements the journal layer of a durable, multi-reader
// queue: a fanout-capable persistent FIFO. A producer appends opaque byte
// payloads to a Journal; one or more named Readers independently consume
// them, each maintaining its own durable progress cursor. The on-disk
// journal is the source of truth -- after a crash the queue state is
// reconstructed by replaying files.
//
// The package does not implement the in-memory item buffer, expiration
// sweep, fanout multiplexer, configuration loading, command line surface,
// or network protocol that would sit on top of a Journal -- those are the
// caller's concern. It implements the rolling set of append-only data
// files, the index over them, rotation and garbage collection, per-reader
// checkpointing, and read-behind for lagging readers.
package kestrel
