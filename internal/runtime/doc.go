// Package runtime wires storage, config, and facades into a single-node
// taskbucket instance. It exposes Open/Close, basic health checks, and
// helpers to open per-namespace TaskBucket/FutureBucket pairs.
//
// Example:
//
//	cfg := config.Default()
//	rt, _ := runtime.Open(runtime.Options{DataDir: "./data", Fsync: pebblestore.FsyncModeAlways, Config: cfg})
//	defer rt.Close()
//	// Health
//	_ = rt.CheckHealth(context.Background())
//	// Open a namespace's buckets
//	tb, fb, _ := rt.OpenBucket("default")
//	_, _ = tb.AddTask(context.Background(), taskqueue.NewTask("send-email"))
package runtime
