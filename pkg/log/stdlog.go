package log

import (
	"log"
)

// stdWriter adapts a Logger into an io.Writer suitable for stdlib's log.Logger,
// so third-party packages that only know about *log.Logger (such as Pebble)
// can be routed through our structured pipeline.
type stdWriter struct {
	logger Logger
}

func (w *stdWriter) Write(p []byte) (int, error) {
	msg := string(p)
	for len(msg) > 0 && (msg[len(msg)-1] == '\n' || msg[len(msg)-1] == '\r') {
		msg = msg[:len(msg)-1]
	}
	w.logger.Info(msg)
	return len(p), nil
}

// ToStdLogger wraps logger in a *log.Logger, preserving level/format/output
// routing through our facade.
func ToStdLogger(logger Logger) *log.Logger {
	return log.New(&stdWriter{logger: logger}, "", 0)
}

// RedirectStdLog points the standard library's default logger at logger, so
// calls to log.Printf from dependencies end up formatted and routed the same
// way as the rest of the process's logs.
func RedirectStdLog(logger Logger) {
	log.SetFlags(0)
	log.SetOutput(&stdWriter{logger: logger})
}
