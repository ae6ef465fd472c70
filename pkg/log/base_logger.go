package log

import (
	"context"
	"fmt"
	"os"
)

func (l *BaseLogger) log(level Level, msg string, fields ...Field) {
	if level < l.level {
		return
	}
	attrs := attrsFromFieldSlice(fields)
	ctx := context.Background()
	l.slogLogger.LogAttrs(ctx, toSlogLevel(level), msg, attrs...)
	if level == FatalLevel {
		os.Exit(1)
	}
}

func (l *BaseLogger) Debug(msg string, fields ...Field) { l.log(DebugLevel, msg, fields...) }
func (l *BaseLogger) Info(msg string, fields ...Field)  { l.log(InfoLevel, msg, fields...) }
func (l *BaseLogger) Warn(msg string, fields ...Field)  { l.log(WarnLevel, msg, fields...) }
func (l *BaseLogger) Error(msg string, fields ...Field) { l.log(ErrorLevel, msg, fields...) }
func (l *BaseLogger) Fatal(msg string, fields ...Field) { l.log(FatalLevel, msg, fields...) }

func (l *BaseLogger) Debugf(msg string, args ...interface{}) { l.log(DebugLevel, fmt.Sprintf(msg, args...)) }
func (l *BaseLogger) Infof(msg string, args ...interface{})  { l.log(InfoLevel, fmt.Sprintf(msg, args...)) }
func (l *BaseLogger) Warnf(msg string, args ...interface{})  { l.log(WarnLevel, fmt.Sprintf(msg, args...)) }
func (l *BaseLogger) Errorf(msg string, args ...interface{}) { l.log(ErrorLevel, fmt.Sprintf(msg, args...)) }
func (l *BaseLogger) Fatalf(msg string, args ...interface{}) { l.log(FatalLevel, fmt.Sprintf(msg, args...)) }

func (l *BaseLogger) clone() *BaseLogger {
	nf := make(Fields, len(l.fields))
	for k, v := range l.fields {
		nf[k] = v
	}
	return &BaseLogger{
		level:      l.level,
		fields:     nf,
		formatter:  l.formatter,
		outputs:    l.outputs,
		slogLogger: l.slogLogger,
	}
}

func (l *BaseLogger) WithField(key string, value interface{}) Logger {
	nl := l.clone()
	nl.fields[key] = value
	nl.slogLogger = l.slogLogger.With(key, value)
	return nl
}

func (l *BaseLogger) WithFields(fields Fields) Logger {
	nl := l.clone()
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		nl.fields[k] = v
		args = append(args, k, v)
	}
	nl.slogLogger = l.slogLogger.With(args...)
	return nl
}

func (l *BaseLogger) WithError(err error) Logger {
	return l.WithField("error", err.Error())
}

func (l *BaseLogger) With(fields ...Field) Logger {
	nl := l.clone()
	for _, f := range fields {
		nl.fields[f.Key] = f.Value
	}
	nl.slogLogger = l.slogLogger.With(attrsToAny(attrsFromFieldSlice(fields))...)
	return nl
}

func (l *BaseLogger) WithContext(ctx context.Context) Logger {
	return l.WithFields(ContextExtractor(ctx))
}

func (l *BaseLogger) WithComponent(component string) Logger {
	return l.WithField(ComponentKey, component)
}

func (l *BaseLogger) SetLevel(level Level) { l.level = level }
func (l *BaseLogger) GetLevel() Level      { return l.level }
