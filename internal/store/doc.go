// Package store is the durable commit log: one append-only, gap-free
// sequence of update blobs per document, kept in SQLite.
//
// Sequence numbers are assigned inside the append transaction as
// MAX(seq)+1 and are visible only after the transaction commits, so a
// reader never observes a gap. All reads order by seq ASC.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=FULL: an acknowledged append survives power loss
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: commits are removed with their document
//
// Update blobs above CompressThreshold bytes are stored zstd compressed.
package store
