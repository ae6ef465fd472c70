package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/rzbill/taskbucket/internal/taskqueue"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	AllowAutoCreateNamespaces bool              `json:"allowAutoCreateNamespaces"`
	DefaultNamespaceName      string            `json:"defaultNamespaceName"`
	NamespaceNameRegex        string            `json:"namespaceNameRegex"`
	NamespaceDefaults         NamespaceDefaults `json:"namespaceDefaults"`
	MaxNamespaces             int               `json:"maxNamespaces"`
	AllowedNamespaces         []string          `json:"allowedNamespaces"`
	TaskQueue                 TaskQueueConfig   `json:"taskQueue"`
}

// NamespaceDefaults captures per-namespace baseline limits. They are loaded
// and defaulted here, but namespace.EnsureNamespace does not read them: an
// auto-created namespace gets namespace.Defaults(). Partitions corresponds
// to namespace.Meta.Shards: the
// number of independent TaskBucket/FutureBucket prefixes a namespace
// opens, spreading getOne's priority probes across more than one physical
// keyspace. PayloadMaxBytes corresponds to namespace.Meta.ParamValueMaxBytes, the
// size limit on a single task parameter's value. HeadersMaxBytes has no
// counterpart in this domain (tasks carry one flat parameter map, not a
// separate headers section) and is accepted for config-file compatibility
// but otherwise unused.
type NamespaceDefaults struct {
	Partitions      int `json:"partitions"`
	PayloadMaxBytes int `json:"payloadMaxBytes"`
	HeadersMaxBytes int `json:"headersMaxBytes"`
}

// TaskQueueConfig is the file/env-configurable form of taskqueue.Tunables,
// plus the worker pool settings a running server needs.
type TaskQueueConfig struct {
	MaxPriority        uint64  `json:"maxPriority"`
	TimeoutVersions    uint64  `json:"timeoutVersions"`
	JitterOffset       float64 `json:"jitterOffset"`
	JitterRange        float64 `json:"jitterRange"`
	CheckTimeoutChance float64 `json:"checkTimeoutChance"`
	CheckActiveAmount  int     `json:"checkActiveAmount"`
	CheckActiveDelayMs int     `json:"checkActiveDelayMs"`
	MaxTaskKeys        int     `json:"maxTaskKeys"`
	VersionsPerSecond  float64 `json:"versionsPerSecond"`

	WorkerConcurrency int `json:"workerConcurrency"`
	PollIntervalMs    int `json:"pollIntervalMs"`
}

// CheckActiveDelay returns CheckActiveDelayMs as a time.Duration.
func (c TaskQueueConfig) CheckActiveDelay() time.Duration {
	return time.Duration(c.CheckActiveDelayMs) * time.Millisecond
}

// PollInterval returns PollIntervalMs as a time.Duration.
func (c TaskQueueConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// ToTunables converts the file/env-friendly config into taskqueue.Tunables.
func (c TaskQueueConfig) ToTunables() taskqueue.Tunables {
	return taskqueue.Tunables{
		MaxPriority:        c.MaxPriority,
		TimeoutVersions:    c.TimeoutVersions,
		JitterOffset:       c.JitterOffset,
		JitterRange:        c.JitterRange,
		CheckTimeoutChance: c.CheckTimeoutChance,
		CheckActiveAmount:  c.CheckActiveAmount,
		CheckActiveDelay:   c.CheckActiveDelay(),
		MaxTaskKeys:        c.MaxTaskKeys,
		VersionsPerSecond:  c.VersionsPerSecond,
	}
}

// DefaultTaskQueueConfig mirrors taskqueue.DefaultTunables' values so a
// Config built via Default() needs no special-casing to drive a worker.
func DefaultTaskQueueConfig() TaskQueueConfig {
	return TaskQueueConfig{
		MaxPriority:        2,
		TimeoutVersions:    50,
		JitterOffset:       0.0,
		JitterRange:        0.2,
		CheckTimeoutChance: 1.0 / 39,
		CheckActiveAmount:  10,
		CheckActiveDelayMs: 5000,
		MaxTaskKeys:        1000,
		VersionsPerSecond:  10,
		WorkerConcurrency:  4,
		PollIntervalMs:     200,
	}
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		AllowAutoCreateNamespaces: true,
		DefaultNamespaceName:      "default",
		NamespaceNameRegex:        "[a-z0-9-_]{1,64}",
		NamespaceDefaults: NamespaceDefaults{
			Partitions:      16,
			PayloadMaxBytes: 1 << 20,
			HeadersMaxBytes: 16 << 10,
		},
		TaskQueue: DefaultTaskQueueConfig(),
	}
}

// Load reads configuration from a JSON file. A .yaml or .yml extension is
// rejected with an error; any other extension is parsed as JSON. If path is
// empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	ext := filepath.Ext(path)
	switch ext {
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	case ".yaml", ".yml":
		// YAML is not parsed; only JSON config files are accepted.
		return Config{}, errors.New("yaml config not supported yet; use JSON for now")
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}
