// Package kv provides a single-node, Pebble-backed transactional key-value
// engine exposing the capabilities a FoundationDB-style client expects:
// snapshot-isolated reads, a monotonic read-version clock, a
// last-key-less-or-equal selector, atomic counter increments, range scans
// with a "more" continuation flag, optimistic commit-time conflict
// detection, and key watches.
//
// It exists so that internal/taskqueue — which is written purely in terms
// of this package's Txn interface — has a real store to run against. The
// durable byte storage itself is internal/storage/pebble; this package adds
// the transactional semantics Pebble does not provide natively (Pebble
// batches are atomic but have no concept of a read version or of detecting
// that a batch's reads were invalidated by another writer).
package kv
