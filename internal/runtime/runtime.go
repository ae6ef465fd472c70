package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	cfgpkg "github.com/rzbill/taskbucket/internal/config"
	"github.com/rzbill/taskbucket/internal/kv"
	"github.com/rzbill/taskbucket/internal/namespace"
	pebblestore "github.com/rzbill/taskbucket/internal/storage/pebble"
	"github.com/rzbill/taskbucket/internal/taskqueue"
	"github.com/rzbill/taskbucket/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	DataDir       string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Config        cfgpkg.Config
	Logger        log.Logger
}

// Runtime wires storage, config, and the task-queue layer for a single
// node: one kv.DB, any number of namespaces, and one TaskBucket/
// FutureBucket pair per namespace shard, opened lazily and cached.
type Runtime struct {
	db     *kv.DB
	config cfgpkg.Config
	logger log.Logger

	mu      sync.Mutex
	buckets map[string]*bucketPair
}

type bucketPair struct {
	tb *taskqueue.TaskBucket
	fb *taskqueue.FutureBucket
}

// Open initializes the underlying storage and returns a Runtime.
func Open(opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger()
	}
	db, err := kv.Open(pebblestore.Options{DataDir: opts.DataDir, Fsync: opts.Fsync, FsyncInterval: opts.FsyncInterval}, logger)
	if err != nil {
		return nil, err
	}
	return &Runtime{
		db:      db,
		config:  opts.Config,
		logger:  logger.WithComponent("runtime"),
		buckets: map[string]*bucketPair{},
	}, nil
}

// Close closes underlying resources.
func (r *Runtime) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// CheckHealth performs a simple health check: the store answers a
// read-version query.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	tr := r.db.Begin()
	defer tr.Cancel()
	_ = tr.ReadVersion()
	return nil
}

// EnsureNamespace creates a namespace record if absent.
func (r *Runtime) EnsureNamespace(name string) (namespace.Meta, error) {
	return namespace.EnsureNamespace(r.db, name)
}

// OpenBucket returns the TaskBucket and FutureBucket for shard 0 of
// namespace ns, ensuring the namespace exists first and caching the pair
// for subsequent calls.
func (r *Runtime) OpenBucket(ns string) (*taskqueue.TaskBucket, *taskqueue.FutureBucket, error) {
	return r.OpenBucketShard(ns, 0)
}

// OpenBucketShard is OpenBucket for a specific shard index, for namespaces
// configured with more than one TaskBucket shard (namespace.Meta.Shards).
func (r *Runtime) OpenBucketShard(ns string, shard int) (*taskqueue.TaskBucket, *taskqueue.FutureBucket, error) {
	cacheKey := ns + "#" + itoa(shard)

	r.mu.Lock()
	if p, ok := r.buckets[cacheKey]; ok {
		r.mu.Unlock()
		return p.tb, p.fb, nil
	}
	r.mu.Unlock()

	if _, err := namespace.EnsureNamespace(r.db, ns); err != nil {
		return nil, nil, err
	}

	fb := taskqueue.NewFutureBucket(r.db, namespace.FuturePrefix(ns, shard))
	tb := taskqueue.NewTaskBucket(r.db, namespace.BucketPrefix(ns, shard),
		taskqueue.WithLogger(r.logger),
		taskqueue.WithTunables(r.config.TaskQueue.ToTunables()),
	)
	tb.SetFutureBucket(fb)

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.buckets[cacheKey]; ok {
		return p.tb, p.fb, nil
	}
	r.buckets[cacheKey] = &bucketPair{tb: tb, fb: fb}
	return tb, fb, nil
}

// DB exposes the underlying kv.DB for advanced operations (internal use).
func (r *Runtime) DB() *kv.DB { return r.db }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }

// Logger returns the runtime's process-wide logger.
func (r *Runtime) Logger() log.Logger { return r.logger }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
