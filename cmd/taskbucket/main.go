package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	serverrun "github.com/rzbill/taskbucket/internal/cmd/server"
	cfgpkg "github.com/rzbill/taskbucket/internal/config"
	"github.com/rzbill/taskbucket/internal/runtime"
	"github.com/rzbill/taskbucket/internal/taskqueue"
	pebblestore "github.com/rzbill/taskbucket/internal/storage/pebble"
	logpkg "github.com/rzbill/taskbucket/pkg/log"
	"github.com/spf13/cobra"
)

func main() {
	level := os.Getenv("TASKBUCKET_LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil || level == "" {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
	logpkg.RedirectStdLog(logger)

	rootCmd := &cobra.Command{
		Use:   "taskbucket",
		Short: "taskbucket runtime CLI",
		Long:  "taskbucket is a single-binary durable task queue. This CLI runs the worker process and inspects/enqueues tasks directly against the store.",
	}

	rootCmd.AddCommand(newServerCmd())
	rootCmd.AddCommand(newTaskCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func fsyncModeFromFlag(s string) (pebblestore.FsyncMode, error) {
	switch s {
	case "never":
		return pebblestore.FsyncModeNever, nil
	case "interval":
		return pebblestore.FsyncModeInterval, nil
	case "always":
		return pebblestore.FsyncModeAlways, nil
	default:
		return 0, fmt.Errorf("invalid --fsync; use always|interval|never")
	}
}

func newServerCmd() *cobra.Command {
	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the taskqueue worker against a data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, _ := cmd.Flags().GetString("data-dir")
			namespace, _ := cmd.Flags().GetString("namespace")
			fsyncMode, _ := cmd.Flags().GetString("fsync")
			fsyncIntervalMs, _ := cmd.Flags().GetInt("fsync-interval-ms")
			logLevel, _ := cmd.Flags().GetString("log-level")
			logFormat, _ := cmd.Flags().GetString("log-format")
			concurrency, _ := cmd.Flags().GetInt("worker-concurrency")
			pollMs, _ := cmd.Flags().GetInt("poll-interval-ms")

			mode, err := fsyncModeFromFlag(fsyncMode)
			if err != nil {
				return err
			}

			if logLevel != "" {
				_ = os.Setenv("TASKBUCKET_LOG_LEVEL", logLevel)
			}
			if logFormat != "" {
				_ = os.Setenv("TASKBUCKET_LOG_FORMAT", logFormat)
			}

			cfg := cfgpkg.Default()
			if concurrency > 0 {
				cfg.TaskQueue.WorkerConcurrency = concurrency
			}
			if pollMs > 0 {
				cfg.TaskQueue.PollIntervalMs = pollMs
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := serverrun.Run(ctx, serverrun.Options{
				DataDir:       dataDir,
				Namespace:     namespace,
				Fsync:         mode,
				FsyncInterval: time.Duration(fsyncIntervalMs) * time.Millisecond,
				Config:        cfg,
			}); err != nil {
				return fmt.Errorf("worker error: %w", err)
			}
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	}
	runCmd.Flags().String("data-dir", "", "Data directory (if not specified, uses OS-specific application data directory)")
	runCmd.Flags().String("namespace", "default", "Namespace whose TaskBucket this worker drains")
	runCmd.Flags().String("fsync", "always", "Fsync mode: always|interval|never")
	runCmd.Flags().Int("fsync-interval-ms", 5, "When --fsync=interval, group-commit window in ms (default 5)")
	runCmd.Flags().String("log-level", os.Getenv("TASKBUCKET_LOG_LEVEL"), "Log level: debug|info|warn|error")
	runCmd.Flags().String("log-format", os.Getenv("TASKBUCKET_LOG_FORMAT"), "Log format: text|json (default text)")
	runCmd.Flags().Int("worker-concurrency", 0, "Number of concurrent task handlers (default from config)")
	runCmd.Flags().Int("poll-interval-ms", 0, "Idle poll interval in ms when no task is available (default from config)")
	serverCmd.AddCommand(runCmd)
	return serverCmd
}

// openRuntime opens a Runtime against the CLI's --data-dir/--fsync flags,
// sharing the "store" subdirectory convention serverrun.Run uses so a CLI
// invocation and a running server see the same on-disk state.
func openRuntime(cmd *cobra.Command) (*runtime.Runtime, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	fsyncMode, _ := cmd.Flags().GetString("fsync")
	mode, err := fsyncModeFromFlag(fsyncMode)
	if err != nil {
		return nil, err
	}
	if dataDir == "" {
		dataDir = cfgpkg.DefaultDataDir()
	}
	return runtime.Open(runtime.Options{
		DataDir: dataDir + "/store",
		Fsync:   mode,
		Config:  cfgpkg.Default(),
	})
}

func newTaskCmd() *cobra.Command {
	taskCmd := &cobra.Command{Use: "task", Short: "Task operations against a namespace's TaskBucket"}
	taskCmd.PersistentFlags().String("data-dir", "", "Data directory (if not specified, uses OS-specific application data directory)")
	taskCmd.PersistentFlags().String("namespace", "default", "Namespace to operate on")
	taskCmd.PersistentFlags().String("fsync", "always", "Fsync mode: always|interval|never")

	enqueueCmd := &cobra.Command{
		Use:   "enqueue <type>",
		Short: "Enqueue a task of the given handler type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			namespace, _ := cmd.Flags().GetString("namespace")
			priority, _ := cmd.Flags().GetUint64("priority")
			params, _ := cmd.Flags().GetStringToString("param")
			validKey, _ := cmd.Flags().GetString("valid-key")
			validValue, _ := cmd.Flags().GetString("valid-value")

			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			tb, _, err := rt.OpenBucket(namespace)
			if err != nil {
				return err
			}

			task := taskqueue.NewTask(args[0])
			task.SetPriority(priority, tb.Tunables().MaxPriority)
			for k, v := range params {
				task.SetString(k, v)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			var uid []byte
			if validKey != "" {
				var val []byte
				if cmd.Flags().Changed("valid-value") {
					val = []byte(validValue)
				}
				uid, err = tb.AddTaskWithValidation(ctx, task, []byte(validKey), val)
			} else {
				uid, err = tb.AddTask(ctx, task)
			}
			if err != nil {
				return fmt.Errorf("enqueue: %w", err)
			}
			fmt.Printf("enqueued %x\n", uid)
			return nil
		},
	}
	enqueueCmd.Flags().Uint64("priority", 0, "Priority band (clamped to the bucket's max priority)")
	enqueueCmd.Flags().StringToString("param", nil, "Application parameter, repeatable: --param key=value")
	enqueueCmd.Flags().String("valid-key", "", "Validation key: task is dropped if this key isn't set at enqueue time")
	enqueueCmd.Flags().String("valid-value", "", "Expected value for --valid-key (if empty, the key's current store value is snapshotted)")
	taskCmd.AddCommand(enqueueCmd)

	countCmd := &cobra.Command{
		Use:   "count",
		Short: "Print the task count for a namespace's TaskBucket",
		RunE: func(cmd *cobra.Command, args []string) error {
			namespace, _ := cmd.Flags().GetString("namespace")
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			tb, _, err := rt.OpenBucket(namespace)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			n, err := tb.GetTaskCount(ctx)
			if err != nil {
				return err
			}
			fmt.Println(n)
			return nil
		},
	}
	taskCmd.AddCommand(countCmd)

	inspectCmd := &cobra.Command{
		Use:   "inspect",
		Short: "Dump the available and in-flight rows of a namespace's TaskBucket",
		RunE: func(cmd *cobra.Command, args []string) error {
			namespace, _ := cmd.Flags().GetString("namespace")
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			tb, _, err := rt.OpenBucket(namespace)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return tb.DebugDump(ctx, os.Stdout)
		},
	}
	taskCmd.AddCommand(inspectCmd)

	return taskCmd
}
