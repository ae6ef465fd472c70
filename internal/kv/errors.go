package kv

import "errors"

// ErrRetryable is returned by Commit when a transaction's reads were
// invalidated by a concurrently committed transaction. Callers should
// re-run the entire transaction closure against a fresh Txn, the same way
// the original store's onError(e) arbitrates a retry.
var ErrRetryable = errors.New("kv: transaction conflict, retry")

// ErrTxnClosed is returned by the Txn read, write and Commit methods when
// called after Commit or Cancel.
var ErrTxnClosed = errors.New("kv: transaction already committed or cancelled")

// ErrNotFound is returned by Get when the key has no value. It is distinct
// from a nil, nil "absent" return so callers can use errors.Is when they
// care about the distinction.
var ErrNotFound = errors.New("kv: key not found")
