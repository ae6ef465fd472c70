package namespace

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/rzbill/taskbucket/internal/kv"
)

// Meta holds a namespace's metadata and per-namespace overrides. A
// namespace is a named group of task buckets sharing one kv.DB but
// isolated by key prefix, the multi-tenancy unit `taskbucket server run`
// and the CLI's `task` subcommands operate against.
type Meta struct {
	Name        string `json:"name"`
	CreatedAtMs int64  `json:"createdAtMs"`
	// Shards is the number of independent TaskBucket/FutureBucket prefixes
	// this namespace opens; getOne probes are issued against a single
	// bucket, so sharding is a way to spread unrelated workloads (or scale
	// a single one) across more than one keyspace without adding
	// cross-shard coordination.
	Shards int `json:"shards"`
	// ParamValueMaxBytes bounds the size of any single task parameter
	// value written through AddTask. It is stored with the namespace only:
	// neither TaskBucket nor the CLI's task enqueue command checks it.
	ParamValueMaxBytes int `json:"paramValueMaxBytes"`
}

// Defaults returns opinionated defaults for new namespaces.
func Defaults() Meta {
	return Meta{
		Shards:             1,
		ParamValueMaxBytes: 1 << 20, // 1 MiB
	}
}

var nsMetaPrefix = []byte("nsmeta/")

func nsMetaKey(ns string) []byte {
	k := make([]byte, 0, len(nsMetaPrefix)+len(ns))
	k = append(k, nsMetaPrefix...)
	k = append(k, ns...)
	return k
}

// BucketPrefix returns the key prefix the shard-th TaskBucket of namespace
// ns should be rooted at.
func BucketPrefix(ns string, shard int) []byte {
	return []byte("ns/" + ns + "/bucket/" + itoa(shard) + "/")
}

// FuturePrefix returns the key prefix the shard-th FutureBucket of
// namespace ns should be rooted at, a sibling of its TaskBucket's prefix.
func FuturePrefix(ns string, shard int) []byte {
	return []byte("ns/" + ns + "/future/" + itoa(shard) + "/")
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// EnsureNamespace creates a namespace meta record if absent, returning the
// effective meta. Idempotent: returns the existing record if one is
// already present, corrupt records are overwritten with fresh defaults.
func EnsureNamespace(db *kv.DB, name string) (Meta, error) {
	key := nsMetaKey(name)

	for {
		tr := db.Begin()

		if b, err := tr.Get(key); err == nil {
			var m Meta
			if jerr := json.Unmarshal(b, &m); jerr == nil {
				tr.Cancel()
				return m, nil
			}
			// Corrupted record: fall through and rewrite below.
		} else if !errors.Is(err, kv.ErrNotFound) {
			tr.Cancel()
			return Meta{}, err
		}

		m := Defaults()
		m.Name = name
		m.CreatedAtMs = time.Now().UnixMilli()
		b, err := json.Marshal(m)
		if err != nil {
			tr.Cancel()
			return Meta{}, err
		}
		if err := tr.Set(key, b); err != nil {
			tr.Cancel()
			return Meta{}, err
		}

		if err := tr.Commit(); err != nil {
			if errors.Is(err, kv.ErrRetryable) {
				continue
			}
			return Meta{}, err
		}
		return m, nil
	}
}
