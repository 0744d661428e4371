// Package crdt implements the commonplace content model.
//
// Every document is a Doc: a tagged variant over two bodies that share one
// capability surface (Apply, StateVector, Materialize, Diff):
//
//   - sequence: an RGA list of runes, used for text and markup documents
//   - registerMap: last-writer-wins fields, used for structured documents
//
// # Operations and causality
//
// Every operation carries an ID{Replica, Counter}. Counters are contiguous
// per replica starting at 1; an insert of n runes consumes n counters. The
// state vector maps each replica to its highest contiguously integrated
// counter, so "have I seen op X" is a single comparison.
//
// Operations also carry a Lamport stamp. Concurrent inserts after the same
// origin are ordered by descending (Lamport, Replica); concurrent writes to
// the same field are won by the highest (Lamport, Replica). Both orders are
// total and independent of arrival order, which is what makes Materialize
// identical on every replica holding the same operation set.
//
// An operation whose predecessors have not arrived yet (earlier counter of
// the same replica, insert origin, delete target) is parked and integrated
// as soon as they do. Redelivered operations are recognised through the
// state vector and ignored, so Apply is idempotent.
//
// # Wire format
//
// Updates are CBOR encoded with Core Deterministic Encoding (RFC 8949
// §4.2). Malformed bytes are rejected with ErrDecode before any state is
// touched; an update for a different content kind fails with
// ErrKindMismatch.
package crdt
