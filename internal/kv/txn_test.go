package kv

import (
	"errors"
	"testing"

	pebblestore "github.com/rzbill/taskbucket/internal/storage/pebble"
	"github.com/rzbill/taskbucket/pkg/log"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeNever}, log.NewLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSetGetCommit(t *testing.T) {
	db := newTestDB(t)

	tr := db.Begin()
	if err := tr.Set([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := tr.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tr2 := db.Begin()
	v, err := tr2.Get([]byte("a"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(v) != "1" {
		t.Fatalf("got %q, want %q", v, "1")
	}
	tr2.Cancel()
}

func TestGetNotFound(t *testing.T) {
	db := newTestDB(t)
	tr := db.Begin()
	defer tr.Cancel()
	if _, err := tr.Get([]byte("missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReadYourWrites(t *testing.T) {
	db := newTestDB(t)
	tr := db.Begin()
	defer tr.Cancel()

	if err := tr.Set([]byte("x"), []byte("1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, err := tr.Get([]byte("x"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(v) != "1" {
		t.Fatalf("got %q, want %q", v, "1")
	}

	if err := tr.Clear([]byte("x")); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := tr.Get([]byte("x")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after buffered clear, got %v", err)
	}
}

func TestCommitConflictRetryable(t *testing.T) {
	db := newTestDB(t)

	seed := db.Begin()
	if err := seed.Set([]byte("k"), []byte("0")); err != nil {
		t.Fatalf("seed set: %v", err)
	}
	if err := seed.Commit(); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	reader := db.Begin()
	if _, err := reader.Get([]byte("k")); err != nil {
		t.Fatalf("reader get: %v", err)
	}

	writer := db.Begin()
	if err := writer.Set([]byte("k"), []byte("1")); err != nil {
		t.Fatalf("writer set: %v", err)
	}
	if err := writer.Commit(); err != nil {
		t.Fatalf("writer commit: %v", err)
	}

	if err := reader.Set([]byte("k"), []byte("2")); err != nil {
		t.Fatalf("reader set: %v", err)
	}
	if err := reader.Commit(); !errors.Is(err, ErrRetryable) {
		t.Fatalf("expected ErrRetryable, got %v", err)
	}
}

func TestCommitNoConflictOnDisjointKeys(t *testing.T) {
	db := newTestDB(t)

	a := db.Begin()
	if _, err := a.Get([]byte("a")); err != nil && !errors.Is(err, ErrNotFound) {
		t.Fatalf("a get: %v", err)
	}

	b := db.Begin()
	if err := b.Set([]byte("b"), []byte("1")); err != nil {
		t.Fatalf("b set: %v", err)
	}
	if err := b.Commit(); err != nil {
		t.Fatalf("b commit: %v", err)
	}

	if err := a.Set([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("a set: %v", err)
	}
	if err := a.Commit(); err != nil {
		t.Fatalf("a commit should not conflict on disjoint keys: %v", err)
	}
}

func TestGetRangeOrderAndLimit(t *testing.T) {
	db := newTestDB(t)
	tr := db.Begin()
	for _, k := range []string{"a", "b", "c", "d"} {
		if err := tr.Set([]byte(k), []byte(k)); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}
	if err := tr.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tr2 := db.Begin()
	defer tr2.Cancel()
	rows, more, err := tr2.GetRange([]byte("a"), []byte("d"), 2)
	if err != nil {
		t.Fatalf("getrange: %v", err)
	}
	if !more {
		t.Fatalf("expected more=true")
	}
	if len(rows) != 2 || string(rows[0].Key) != "a" || string(rows[1].Key) != "b" {
		t.Fatalf("unexpected rows: %+v", rows)
	}

	rowsAll, moreAll, err := tr2.GetRange([]byte("a"), []byte("e"), 0)
	if err != nil {
		t.Fatalf("getrange unlimited: %v", err)
	}
	if moreAll {
		t.Fatalf("expected more=false for unlimited scan covering all rows")
	}
	if len(rowsAll) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(rowsAll))
	}
}

func TestGetKeyLastLessOrEqual(t *testing.T) {
	db := newTestDB(t)
	tr := db.Begin()
	for _, k := range []string{"a", "c", "e"} {
		if err := tr.Set([]byte(k), []byte(k)); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}
	if err := tr.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tr2 := db.Begin()
	defer tr2.Cancel()

	// Exact match.
	if k, err := tr2.GetKey(LastLessOrEqual([]byte("c"))); err != nil || string(k) != "c" {
		t.Fatalf("GetKey(c) = %q, %v", k, err)
	}
	// Falls back to the greatest key strictly less than the probe.
	if k, err := tr2.GetKey(LastLessOrEqual([]byte("d"))); err != nil || string(k) != "c" {
		t.Fatalf("GetKey(d) = %q, %v", k, err)
	}
	// Nothing less than or equal to the probe.
	if _, err := tr2.GetKey(LastLessOrEqual([]byte("0"))); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	// Greater than every key in the store still resolves to the max.
	if k, err := tr2.GetKey(LastLessOrEqual([]byte("z"))); err != nil || string(k) != "e" {
		t.Fatalf("GetKey(z) = %q, %v", k, err)
	}
}

func TestAtomicAddAggregatesWithinCommit(t *testing.T) {
	db := newTestDB(t)

	tr := db.Begin()
	if err := tr.AtomicAdd([]byte("cnt"), 3); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := tr.AtomicAdd([]byte("cnt"), 4); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := tr.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tr2 := db.Begin()
	defer tr2.Cancel()
	v, err := tr2.Get([]byte("cnt"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got := decodeLittleEndianUint64(v)
	if got != 7 {
		t.Fatalf("got %d, want 7", got)
	}
}

func TestAtomicAddDoesNotConflictAcrossTransactions(t *testing.T) {
	db := newTestDB(t)

	seed := db.Begin()
	if err := seed.Set([]byte("cnt"), encodeLittleEndianUint64(10)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := seed.Commit(); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	a := db.Begin()
	if err := a.AtomicAdd([]byte("cnt"), 1); err != nil {
		t.Fatalf("a add: %v", err)
	}
	b := db.Begin()
	if err := b.AtomicAdd([]byte("cnt"), 1); err != nil {
		t.Fatalf("b add: %v", err)
	}

	if err := a.Commit(); err != nil {
		t.Fatalf("a commit: %v", err)
	}
	if err := b.Commit(); err != nil {
		t.Fatalf("b commit should not conflict (AtomicAdd is commutative): %v", err)
	}

	check := db.Begin()
	defer check.Cancel()
	v, err := check.Get([]byte("cnt"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := decodeLittleEndianUint64(v); got != 12 {
		t.Fatalf("got %d, want 12", got)
	}
}

func TestWatchFiresOnCommit(t *testing.T) {
	db := newTestDB(t)

	tr := db.Begin()
	ch := tr.Watch([]byte("w"))
	tr.Cancel()

	writer := db.Begin()
	if err := writer.Set([]byte("w"), []byte("1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := writer.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	select {
	case <-ch:
	default:
		t.Fatalf("expected watch channel to be closed after commit")
	}
}

func TestCancelDiscardsBufferedWrites(t *testing.T) {
	db := newTestDB(t)

	tr := db.Begin()
	if err := tr.Set([]byte("ghost"), []byte("1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	tr.Cancel()

	check := db.Begin()
	defer check.Cancel()
	if _, err := check.Get([]byte("ghost")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for discarded write, got %v", err)
	}
}

func TestTxnOptionSetAndHas(t *testing.T) {
	db := newTestDB(t)
	tr := db.Begin()
	defer tr.Cancel()

	if tr.HasOption(AccessSystemKeys) {
		t.Fatalf("expected AccessSystemKeys unset by default")
	}
	tr.SetOption(AccessSystemKeys)
	tr.SetOption(PriorityBatch)
	if !tr.HasOption(AccessSystemKeys) || !tr.HasOption(PriorityBatch) {
		t.Fatalf("expected both options to be set")
	}
	if tr.HasOption(LockAware) {
		t.Fatalf("expected LockAware unset")
	}
}

func decodeLittleEndianUint64(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
