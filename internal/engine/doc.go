// Package engine replicates documents between processes.
//
// ARCHITECTURE:
//
// Document owners:
// Every document has one owner goroutine that holds its CRDT state. All
// reads, local edits, remote applies and commit log appends for that
// document run as tasks on the owner's FIFO, which makes the owner the
// single writer of the document's sequence. Owners of different documents
// run concurrently.
//
// Dispatch loop:
// Run drives one loop per process. It receives bus deliveries, connection
// changes and retry ticks, keeps the per-path sync state machine and hands
// document work to owners without waiting for it.
//
// Path state machine:
//
//	Unsubscribed -> Subscribing -> Synced
//	      ^______________|___________|   (disconnect)
//
// On connect every tracked path sends a sync request carrying its state
// vector. Edits that arrive while Subscribing are buffered and applied in
// receipt order right after the sync reply. A disconnect discards the
// buffer; the next connect restarts the handshake from the current state
// vector.
//
// Outbox:
// Publishing happens on a separate goroutine in submission order. Local
// edits stay queued while disconnected and go out after reconnect; sync
// traffic is dropped instead, since a fresh handshake replaces it.
//
// Owner role:
// The serve process answers create requests, sync requests and document
// commands. Clients never answer sync requests.
//
// Durability:
// A failed append is fatal. The configured Fatal handler runs and the
// document owner stops accepting work.
package engine
