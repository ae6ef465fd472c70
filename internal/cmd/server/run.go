package serverrun

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	cfgpkg "github.com/rzbill/taskbucket/internal/config"
	"github.com/rzbill/taskbucket/internal/runtime"
	"github.com/rzbill/taskbucket/internal/taskqueue"
	pebblestore "github.com/rzbill/taskbucket/internal/storage/pebble"
	logpkg "github.com/rzbill/taskbucket/pkg/log"
)

func getenvDefault(key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}

// small wrapper around os.Getenv; a package variable so tests can replace it
var getenv = func(key string) string { return os.Getenv(key) }

// Options configures a single worker process.
type Options struct {
	DataDir       string
	Namespace     string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Config        cfgpkg.Config
}

// Run opens the runtime, starts a taskqueue.Worker against the configured
// namespace's default bucket, and blocks until ctx is canceled or an
// interrupt/SIGTERM is received.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.DataDir == "" {
		opts.DataDir = cfgpkg.DefaultDataDir()
	}
	if opts.Namespace == "" {
		opts.Namespace = opts.Config.DefaultNamespaceName
	}
	storeDir := filepath.Join(opts.DataDir, "store")

	cfg := &logpkg.Config{
		Level:  getenvDefault("TASKBUCKET_LOG_LEVEL", "info"),
		Format: getenvDefault("TASKBUCKET_LOG_FORMAT", "text"),
	}
	procLogger, err := logpkg.ApplyConfig(cfg)
	if err != nil {
		lvl := logpkg.InfoLevel
		if l, perr := logpkg.ParseLevel(cfg.Level); perr == nil {
			lvl = l
		}
		procLogger = logpkg.NewLogger(logpkg.WithLevel(lvl), logpkg.WithFormatter(&logpkg.TextFormatter{}))
	}
	logpkg.RedirectStdLog(procLogger)

	rt, err := runtime.Open(runtime.Options{
		DataDir:       storeDir,
		Fsync:         opts.Fsync,
		FsyncInterval: opts.FsyncInterval,
		Config:        opts.Config,
		Logger:        procLogger,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	tb, _, err := rt.OpenBucket(opts.Namespace)
	if err != nil {
		return err
	}

	tq := opts.Config.TaskQueue
	worker := taskqueue.NewWorker(tb, tq.WorkerConcurrency, tq.PollInterval())

	procLogger.Info("starting taskbucket worker",
		logpkg.Str("namespace", opts.Namespace),
		logpkg.Str("data_dir", opts.DataDir),
		logpkg.Int("concurrency", tq.WorkerConcurrency),
		logpkg.Str("level", cfg.Level),
		logpkg.Str("format", cfg.Format),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- worker.Run(sctx) }()

	select {
	case <-sctx.Done():
		<-errCh
		return sctx.Err()
	case err := <-errCh:
		return err
	}
}
