// Package serverrun exposes a shared Run entrypoint used by the CLI to
// start a taskqueue worker against a data directory, handling lifecycle
// and shutdown.
//
// Example:
//
//	opts := serverrun.Options{DataDir: "./data", Namespace: "default", Fsync: pebblestore.FsyncModeAlways, Config: config.Default()}
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = serverrun.Run(ctx, opts)
package serverrun
