package kv

import (
	"encoding/binary"

	"github.com/cockroachdb/pebble"
	pebblestore "github.com/rzbill/taskbucket/internal/storage/pebble"
)

// readLittleEndianUint64 reads the current counter value at key directly
// from the store (not a snapshot), returning 0 if the key is absent or
// shorter than 8 bytes. Only called from within Commit's serialized
// section, so "current" here means "as of the last applied commit".
func readLittleEndianUint64(store *pebblestore.DB, key []byte) uint64 {
	v, err := store.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return 0
		}
		return 0
	}
	if len(v) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(v)
}

func encodeLittleEndianUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}
