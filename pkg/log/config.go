package log

import (
	"fmt"
	"strings"
)

// Config declaratively describes how to build a process-wide Logger. It is
// the shape consumed by ApplyConfig and typically populated from environment
// variables or a config file.
type Config struct {
	Level  string
	Format string
	// File, if set, additionally writes logs to this path.
	File string
}

// ParseLevel parses a case-insensitive level name into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("log: unknown level %q", s)
	}
}

// ApplyConfig builds a Logger from cfg, defaulting to info/text/console when
// fields are left blank.
func ApplyConfig(cfg *Config) (Logger, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var formatter Formatter
	switch cfg.Format {
	case "json":
		formatter = &JSONFormatter{}
	case "text", "":
		formatter = &TextFormatter{}
	default:
		return nil, fmt.Errorf("log: unknown format %q", cfg.Format)
	}

	opts := []LoggerOption{WithLevel(lvl), WithFormatter(formatter), WithOutput(NewConsoleOutput())}
	if cfg.File != "" {
		fo, err := NewFileOutput(cfg.File)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithOutput(fo))
	}
	return NewLogger(opts...), nil
}
