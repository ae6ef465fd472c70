package kv

import (
	"bytes"
	"sync"

	pebblestore "github.com/rzbill/taskbucket/internal/storage/pebble"
	"github.com/rzbill/taskbucket/pkg/log"
)

// commitRecord is kept in a bounded ring buffer so a committing Txn can
// check whether any key it read was touched by a transaction that
// committed after the reader's snapshot was taken.
type commitRecord struct {
	version   uint64
	writeKeys [][]byte
}

// maxCommitHistory bounds the conflict-detection window. A transaction whose
// read version is older than every retained record is conservatively
// treated as conflicting and must retry; in practice transactions in this
// system are short-lived (single getOne/finish/addTask round trips), so a
// few thousand retained commits covers any realistic contention window.
const maxCommitHistory = 4096

// DB is the transactional engine. It owns a single Pebble store and
// serializes commits through one mutex, which both assigns monotonically
// increasing versions and makes conflict detection trivial to reason about.
type DB struct {
	store *pebblestore.DB
	log   log.Logger

	mu      sync.Mutex
	version uint64
	history []commitRecord

	watchMu  sync.Mutex
	watchers map[string][]chan struct{}
}

// Open creates or opens the underlying Pebble store and returns a DB ready
// to begin transactions against it.
func Open(opts pebblestore.Options, logger log.Logger) (*DB, error) {
	store, err := pebblestore.Open(opts)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewLogger()
	}
	return &DB{
		store:    store,
		log:      logger.WithComponent("kv"),
		watchers: make(map[string][]chan struct{}),
	}, nil
}

// Close releases the underlying store.
func (db *DB) Close() error {
	if db == nil || db.store == nil {
		return nil
	}
	return db.store.Close()
}

// Begin opens a new transaction with a consistent snapshot of the store and
// the current read version.
func (db *DB) Begin() *Txn {
	db.mu.Lock()
	rv := db.version
	db.mu.Unlock()

	return &Txn{
		db:          db,
		snap:        db.store.NewSnapshot(),
		readVersion: rv,
	}
}

// ReadVersion returns the current committed version without opening a
// transaction. Used by callers that only need the logical clock (e.g. to
// decide whether a lease has expired) without reading any data.
func (db *DB) ReadVersion() uint64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.version
}

// recordCommit appends a commit to the conflict-detection history and
// notifies any watchers of the keys that changed, then trims the history to
// maxCommitHistory.
func (db *DB) recordCommit(writeKeys [][]byte) uint64 {
	db.mu.Lock()
	db.version++
	v := db.version
	db.history = append(db.history, commitRecord{version: v, writeKeys: writeKeys})
	if len(db.history) > maxCommitHistory {
		db.history = db.history[len(db.history)-maxCommitHistory:]
	}
	db.mu.Unlock()

	db.notifyWatchers(writeKeys)
	return v
}

// conflictsLocked reports whether any of readKeys/readRanges was written by
// a commit strictly newer than sinceVersion. Callers must hold db.mu.
func (db *DB) conflictsLocked(sinceVersion uint64, readKeys [][]byte, readRanges []keyRange) bool {
	// Commits newer than sinceVersion were trimmed from history: their write
	// sets are unknown, so any read is assumed to have been invalidated.
	if len(db.history) > 0 && db.history[0].version > sinceVersion+1 && (len(readKeys) > 0 || len(readRanges) > 0) {
		return true
	}
	for _, rec := range db.history {
		if rec.version <= sinceVersion {
			continue
		}
		for _, wk := range rec.writeKeys {
			for _, rk := range readKeys {
				if bytes.Equal(wk, rk) {
					return true
				}
			}
			for _, rr := range readRanges {
				if rr.contains(wk) {
					return true
				}
			}
		}
	}
	return false
}

type keyRange struct {
	start, end []byte // [start, end)
}

func (r keyRange) contains(k []byte) bool {
	if bytes.Compare(k, r.start) < 0 {
		return false
	}
	if r.end != nil && bytes.Compare(k, r.end) >= 0 {
		return false
	}
	return true
}

func (db *DB) notifyWatchers(writeKeys [][]byte) {
	if len(writeKeys) == 0 {
		return
	}
	db.watchMu.Lock()
	defer db.watchMu.Unlock()
	for _, k := range writeKeys {
		sk := string(k)
		chans := db.watchers[sk]
		if len(chans) == 0 {
			continue
		}
		for _, ch := range chans {
			close(ch)
		}
		delete(db.watchers, sk)
	}
}

// addWatch registers a one-shot channel that closes the next time key is
// written by a committed transaction.
func (db *DB) addWatch(key []byte) <-chan struct{} {
	ch := make(chan struct{})
	sk := string(key)
	db.watchMu.Lock()
	db.watchers[sk] = append(db.watchers[sk], ch)
	db.watchMu.Unlock()
	return ch
}

