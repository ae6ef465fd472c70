package config

import (
	"os"
	"strconv"
	"strings"
)

// FromEnv overlays TASKBUCKET_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("TASKBUCKET_ALLOW_AUTO_CREATE_NAMESPACES"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AllowAutoCreateNamespaces = b
		}
	}
	if v := os.Getenv("TASKBUCKET_DEFAULT_NAMESPACE_NAME"); v != "" {
		cfg.DefaultNamespaceName = v
	}
	if v := os.Getenv("TASKBUCKET_NAMESPACE_NAME_REGEX"); v != "" {
		cfg.NamespaceNameRegex = v
	}
	if v := os.Getenv("TASKBUCKET_NAMESPACE_DEFAULTS_PARTITIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NamespaceDefaults.Partitions = n
		}
	}
	if v := os.Getenv("TASKBUCKET_NAMESPACE_DEFAULTS_PAYLOAD_MAX_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NamespaceDefaults.PayloadMaxBytes = n
		}
	}
	if v := os.Getenv("TASKBUCKET_NAMESPACE_DEFAULTS_HEADERS_MAX_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NamespaceDefaults.HeadersMaxBytes = n
		}
	}
	if v := os.Getenv("TASKBUCKET_MAX_NAMESPACES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxNamespaces = n
		}
	}
	if v := os.Getenv("TASKBUCKET_ALLOWED_NAMESPACES"); v != "" {
		parts := strings.Split(v, ",")
		cfg.AllowedNamespaces = nil
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cfg.AllowedNamespaces = append(cfg.AllowedNamespaces, p)
			}
		}
	}

	if v := os.Getenv("TASKBUCKET_MAX_PRIORITY"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.TaskQueue.MaxPriority = n
		}
	}
	if v := os.Getenv("TASKBUCKET_TIMEOUT_VERSIONS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.TaskQueue.TimeoutVersions = n
		}
	}
	if v := os.Getenv("TASKBUCKET_CHECK_TIMEOUT_CHANCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.TaskQueue.CheckTimeoutChance = f
		}
	}
	if v := os.Getenv("TASKBUCKET_MAX_TASK_KEYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TaskQueue.MaxTaskKeys = n
		}
	}
	if v := os.Getenv("TASKBUCKET_WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TaskQueue.WorkerConcurrency = n
		}
	}
	if v := os.Getenv("TASKBUCKET_POLL_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TaskQueue.PollIntervalMs = n
		}
	}
}
