package taskqueue

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/rzbill/taskbucket/internal/kv"
)

// retryBackoffBase and retryBackoffMax bound the exponential backoff
// RunTransaction applies between conflict retries. Small values: conflicts
// here are resolved by a single-process commit mutex, so a retry is cheap
// and fast, unlike a networked FoundationDB client's backoff.
const (
	retryBackoffBase = 1 * time.Millisecond
	retryBackoffMax  = 100 * time.Millisecond
)

// RunTransaction opens a transaction, runs fn against it, and commits.
// A commit conflict (kv.ErrRetryable) or a Retryable error returned by fn
// itself restarts the whole attempt with jittered exponential backoff,
// mirroring how every operation in spec.md §4 is described as running
// "inside a retrying transaction". fn is canceled and a fresh one begun on
// every attempt — it must not carry state across attempts other than
// through its closure's ordinary read-only captures.
func RunTransaction[T any](ctx context.Context, db *kv.DB, opts []kv.TxnOption, fn func(tr *kv.Txn) (T, error)) (T, error) {
	backoff := retryBackoffBase
	for {
		if err := ctx.Err(); err != nil {
			var zero T
			return zero, err
		}

		tr := db.Begin()
		for _, o := range opts {
			tr.SetOption(o)
		}
		result, err := fn(tr)
		if err != nil {
			tr.Cancel()
			if IsRetryable(err) {
				if werr := sleepBackoff(ctx, &backoff); werr != nil {
					var zero T
					return zero, werr
				}
				continue
			}
			var zero T
			return zero, err
		}

		if cerr := tr.Commit(); cerr != nil {
			if errors.Is(cerr, kv.ErrRetryable) {
				if werr := sleepBackoff(ctx, &backoff); werr != nil {
					var zero T
					return zero, werr
				}
				continue
			}
			var zero T
			return zero, cerr
		}
		return result, nil
	}
}

func sleepBackoff(ctx context.Context, backoff *time.Duration) error {
	jittered := time.Duration(float64(*backoff) * (0.5 + rand.Float64()))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jittered):
	}
	*backoff *= 2
	if *backoff > retryBackoffMax {
		*backoff = retryBackoffMax
	}
	return nil
}
