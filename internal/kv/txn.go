package kv

import (
	"bytes"
	"sync"

	"github.com/cockroachdb/pebble"
)

type opKind int

const (
	opSet opKind = iota
	opClear
	opClearRange
	opAtomicAdd
)

type writeOp struct {
	kind  opKind
	key   []byte
	end   []byte // opClearRange only: exclusive end
	value []byte // opSet only
	delta int64  // opAtomicAdd only
}

// Txn is a single FoundationDB-style transaction: a consistent snapshot for
// reads, a buffer of pending writes applied only on Commit, and a record of
// everything read so Commit can detect whether those reads were
// invalidated by another transaction that committed first.
//
// Concurrent read-only calls (Get, GetKey, GetRange) from multiple
// goroutines on the same Txn are safe — they only ever append to readKeys
// under t.mu and otherwise touch the snapshot, which pebble permits
// concurrent iterator creation on. Writes (Set, Clear, ClearRange,
// AtomicAdd) are safe to call concurrently with each other and with reads
// too, but callers that need a specific commit-time view of their own
// writes (e.g. reading back a value just set) must not count on ordering
// between goroutines — issue writes from one goroutine if that matters.
type Txn struct {
	db          *DB
	snap        *pebble.Snapshot
	readVersion uint64

	mu       sync.Mutex
	ops      []writeOp
	readKeys [][]byte
	readRngs []keyRange
	done     bool
	options  map[TxnOption]struct{}
}

// TxnOption is a FoundationDB-style transaction option. On this
// single-node engine none of these change Commit's behavior yet — there
// is no cluster to route around or admission queue to prioritize against
// — but SetOption records them so callers written against a
// multi-node-aware API (and the option's presence) are observable via
// HasOption, and so a future clustered backend has a place to read them
// from without changing callers.
type TxnOption int

const (
	// PriorityBatch marks a transaction as deferrable background work,
	// mirroring FDB's TransactionOptions.PRIORITY_BATCH.
	PriorityBatch TxnOption = iota
	// AccessSystemKeys permits reading/writing the store's reserved
	// system keyspace, mirroring FDB's ACCESS_SYSTEM_KEYS.
	AccessSystemKeys
	// LockAware marks a transaction as aware of cluster-wide locks,
	// mirroring FDB's LOCK_AWARE.
	LockAware
)

// SetOption records opt on the transaction. Safe to call at any point
// before Commit or Cancel.
func (t *Txn) SetOption(opt TxnOption) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.options == nil {
		t.options = make(map[TxnOption]struct{})
	}
	t.options[opt] = struct{}{}
}

// HasOption reports whether opt was previously set via SetOption.
func (t *Txn) HasOption(opt TxnOption) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.options[opt]
	return ok
}

// ReadVersion returns the logical version this transaction's snapshot was
// taken at.
func (t *Txn) ReadVersion() uint64 { return t.readVersion }

// bufferedValue looks for key among this transaction's own pending writes,
// scanning from most to least recent so a later write shadows an earlier
// one. The second return value reports whether key was found at all
// (including a pending Clear, which shadows the underlying store with an
// absence).
func (t *Txn) bufferedValue(key []byte) (value []byte, cleared bool, found bool) {
	for i := len(t.ops) - 1; i >= 0; i-- {
		op := t.ops[i]
		switch op.kind {
		case opSet:
			if bytes.Equal(op.key, key) {
				return op.value, false, true
			}
		case opClear:
			if bytes.Equal(op.key, key) {
				return nil, true, true
			}
		case opClearRange:
			if bytes.Compare(key, op.key) >= 0 && (op.end == nil || bytes.Compare(key, op.end) < 0) {
				return nil, true, true
			}
		}
	}
	return nil, false, false
}

// Get returns the value at key, or (nil, ErrNotFound) if absent. Reads
// observe the transaction's own uncommitted writes.
func (t *Txn) Get(key []byte) ([]byte, error) {
	if t.done {
		return nil, ErrTxnClosed
	}
	t.mu.Lock()
	v, cleared, found := t.bufferedValue(key)
	t.mu.Unlock()
	if found {
		if cleared {
			return nil, ErrNotFound
		}
		return v, nil
	}

	t.trackRead(key)
	val, closer, err := t.snap.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

func (t *Txn) trackRead(key []byte) {
	t.mu.Lock()
	t.readKeys = append(t.readKeys, append([]byte(nil), key...))
	t.mu.Unlock()
}

func (t *Txn) trackReadRange(start, end []byte) {
	t.mu.Lock()
	t.readRngs = append(t.readRngs, keyRange{start: append([]byte(nil), start...), end: append([]byte(nil), end...)})
	t.mu.Unlock()
}

// Set buffers a write; it is applied to the store and becomes visible to
// other transactions only when Commit succeeds.
func (t *Txn) Set(key, value []byte) error {
	if t.done {
		return ErrTxnClosed
	}
	t.mu.Lock()
	t.ops = append(t.ops, writeOp{kind: opSet, key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
	t.mu.Unlock()
	return nil
}

// Clear buffers removal of a single key.
func (t *Txn) Clear(key []byte) error {
	if t.done {
		return ErrTxnClosed
	}
	t.mu.Lock()
	t.ops = append(t.ops, writeOp{kind: opClear, key: append([]byte(nil), key...)})
	t.mu.Unlock()
	return nil
}

// ClearRange buffers removal of every key in [start, end).
func (t *Txn) ClearRange(start, end []byte) error {
	if t.done {
		return ErrTxnClosed
	}
	t.mu.Lock()
	t.ops = append(t.ops, writeOp{kind: opClearRange, key: append([]byte(nil), start...), end: append([]byte(nil), end...)})
	t.mu.Unlock()
	return nil
}

// AtomicAdd buffers a little-endian 64-bit add-in-place at key. Unlike Set,
// concurrent AtomicAdds to the same key from different transactions do not
// conflict with each other; the delta is applied against whatever value is
// current at commit time.
func (t *Txn) AtomicAdd(key []byte, delta int64) error {
	if t.done {
		return ErrTxnClosed
	}
	t.mu.Lock()
	t.ops = append(t.ops, writeOp{kind: opAtomicAdd, key: append([]byte(nil), key...), delta: delta})
	t.mu.Unlock()
	return nil
}

// KeyValue is one row returned by GetRange.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// GetRange returns up to limit rows in [start, end) in ascending key order,
// plus whether more rows exist beyond the last one returned. A limit of 0
// means unlimited.
func (t *Txn) GetRange(start, end []byte, limit int) ([]KeyValue, bool, error) {
	if t.done {
		return nil, false, ErrTxnClosed
	}
	t.trackReadRange(start, end)

	it, err := t.snap.NewIter(&pebble.IterOptions{LowerBound: start, UpperBound: end})
	if err != nil {
		return nil, false, err
	}
	defer it.Close()

	// Merge the snapshot's view with this transaction's own buffered writes
	// touching the same range, so a GetRange observes prior Sets/Clears in
	// this same transaction (read-your-writes).
	merged := map[string][]byte{}
	var order [][]byte
	for ok := it.SeekGE(start); ok; ok = it.Next() {
		k := it.Key()
		if end != nil && bytes.Compare(k, end) >= 0 {
			break
		}
		sk := string(k)
		if _, seen := merged[sk]; !seen {
			order = append(order, append([]byte(nil), k...))
		}
		merged[sk] = append([]byte(nil), it.Value()...)
	}

	t.mu.Lock()
	for _, op := range t.ops {
		switch op.kind {
		case opSet:
			if bytes.Compare(op.key, start) >= 0 && (end == nil || bytes.Compare(op.key, end) < 0) {
				sk := string(op.key)
				if _, seen := merged[sk]; !seen {
					order = append(order, op.key)
				}
				merged[sk] = op.value
			}
		case opClear:
			sk := string(op.key)
			if _, seen := merged[sk]; seen {
				delete(merged, sk)
			}
		case opClearRange:
			for i := 0; i < len(order); i++ {
				k := order[i]
				if bytes.Compare(k, op.key) >= 0 && (op.end == nil || bytes.Compare(k, op.end) < 0) {
					delete(merged, string(k))
				}
			}
		}
	}
	t.mu.Unlock()

	sortedKeys := make([][]byte, 0, len(order))
	for _, k := range order {
		if _, ok := merged[string(k)]; ok {
			sortedKeys = append(sortedKeys, k)
		}
	}
	sortByteSlices(sortedKeys)

	more := false
	if limit > 0 && len(sortedKeys) > limit {
		sortedKeys = sortedKeys[:limit]
		more = true
	}

	rows := make([]KeyValue, 0, len(sortedKeys))
	for _, k := range sortedKeys {
		rows = append(rows, KeyValue{Key: k, Value: merged[string(k)]})
	}
	return rows, more, nil
}

// Selector names a key-resolution strategy for GetKey. LastLessOrEqual is
// the only strategy this system's dequeue algorithm needs: the greatest
// key that is <= the given key.
type Selector struct {
	Key             []byte
	LastLessOrEqual bool
}

// LastLessOrEqual builds the selector used by getOne's random probe.
func LastLessOrEqual(key []byte) Selector {
	return Selector{Key: key, LastLessOrEqual: true}
}

// GetKey resolves a Selector to a concrete key, or ErrNotFound if no key
// satisfies it.
func (t *Txn) GetKey(sel Selector) ([]byte, error) {
	if t.done {
		return nil, ErrTxnClosed
	}
	if !sel.LastLessOrEqual {
		return nil, ErrNotFound
	}

	// Greatest key <= sel.Key is the greatest key strictly less than
	// sel.Key followed by a zero byte, since no byte string can sort
	// strictly between k and k+0x00.
	bound := append(append([]byte(nil), sel.Key...), 0x00)

	it, err := t.snap.NewIter(nil)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var best []byte
	if ok := it.SeekLT(bound); ok {
		best = append([]byte(nil), it.Key()...)
	}

	// Reconcile against this transaction's own buffered writes.
	t.mu.Lock()
	for _, op := range t.ops {
		switch op.kind {
		case opSet:
			if bytes.Compare(op.key, sel.Key) <= 0 && (best == nil || bytes.Compare(op.key, best) > 0) {
				best = op.key
			}
		case opClear:
			if best != nil && bytes.Equal(op.key, best) {
				best = nil
			}
		case opClearRange:
			if best != nil && bytes.Compare(best, op.key) >= 0 && (op.end == nil || bytes.Compare(best, op.end) < 0) {
				best = nil
			}
		}
	}
	t.mu.Unlock()

	if best == nil {
		return nil, ErrNotFound
	}
	t.trackRead(best)
	return best, nil
}

// Watch returns a channel that closes the next time key is written by a
// committed transaction (including this one, once it commits). The
// channel is never written to, only closed; callers select on it the same
// way the original selects on a FoundationDB watch future.
func (t *Txn) Watch(key []byte) <-chan struct{} {
	return t.db.addWatch(append([]byte(nil), key...))
}

// Commit applies the transaction's buffered writes atomically. It fails
// with ErrRetryable if any key or range this transaction read was written
// by a transaction that committed after this transaction's snapshot was
// taken.
func (t *Txn) Commit() error {
	if t.done {
		return ErrTxnClosed
	}

	t.mu.Lock()
	ops := append([]writeOp(nil), t.ops...)
	readKeys := append([][]byte(nil), t.readKeys...)
	readRngs := append([]keyRange(nil), t.readRngs...)
	t.mu.Unlock()

	if len(ops) == 0 {
		t.done = true
		t.snap.Close()
		return nil
	}

	t.db.mu.Lock()
	if t.db.conflictsLocked(t.readVersion, readKeys, readRngs) {
		t.db.mu.Unlock()
		t.done = true
		t.snap.Close()
		return ErrRetryable
	}

	// Aggregate same-key atomic adds first: applying them one at a time
	// against the on-disk value would lose all but the last delta, since
	// none of them are visible to each other until the batch commits.
	pendingAdds := map[string]int64{}
	var addOrder [][]byte
	for _, op := range ops {
		if op.kind != opAtomicAdd {
			continue
		}
		sk := string(op.key)
		if _, seen := pendingAdds[sk]; !seen {
			addOrder = append(addOrder, op.key)
		}
		pendingAdds[sk] += op.delta
	}

	batch := t.db.store.NewBatch()
	var writeKeys [][]byte
	for _, op := range ops {
		switch op.kind {
		case opSet:
			if err := batch.Set(op.key, op.value, nil); err != nil {
				batch.Close()
				t.db.mu.Unlock()
				return err
			}
			writeKeys = append(writeKeys, op.key)
		case opClear:
			if err := batch.Delete(op.key, nil); err != nil {
				batch.Close()
				t.db.mu.Unlock()
				return err
			}
			writeKeys = append(writeKeys, op.key)
		case opClearRange:
			end := op.end
			if end == nil {
				end = append(append([]byte(nil), op.key...), 0xff, 0xff, 0xff, 0xff)
			}
			if err := batch.DeleteRange(op.key, end, nil); err != nil {
				batch.Close()
				t.db.mu.Unlock()
				return err
			}
			writeKeys = append(writeKeys, op.key)
			// Record every stored key the range delete removes, so a reader
			// of any of them conflicts, not only a reader of the start key.
			it, err := t.db.store.NewIter(&pebble.IterOptions{LowerBound: op.key, UpperBound: end})
			if err != nil {
				batch.Close()
				t.db.mu.Unlock()
				return err
			}
			for ok := it.First(); ok; ok = it.Next() {
				writeKeys = append(writeKeys, append([]byte(nil), it.Key()...))
			}
			it.Close()
		}
	}
	for _, key := range addOrder {
		cur := readLittleEndianUint64(t.db.store, key)
		next := cur + uint64(pendingAdds[string(key)])
		if err := batch.Set(key, encodeLittleEndianUint64(next), nil); err != nil {
			batch.Close()
			t.db.mu.Unlock()
			return err
		}
		writeKeys = append(writeKeys, key)
	}

	if err := t.db.store.CommitBatch(nil, batch); err != nil {
		t.db.mu.Unlock()
		return err
	}
	t.db.mu.Unlock()

	t.db.recordCommit(writeKeys)
	t.done = true
	t.snap.Close()
	return nil
}

// Cancel discards a transaction's buffered writes without committing.
func (t *Txn) Cancel() {
	if t.done {
		return
	}
	t.done = true
	t.snap.Close()
}

func sortByteSlices(s [][]byte) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && bytes.Compare(s[j-1], s[j]) > 0; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
