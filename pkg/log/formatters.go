package log

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSONFormatter renders entries as single-line JSON objects.
type JSONFormatter struct{}

func (f *JSONFormatter) Format(entry *Entry) ([]byte, error) {
	rec := make(map[string]interface{}, len(entry.Fields)+4)
	for k, v := range entry.Fields {
		rec[k] = v
	}
	rec["level"] = entry.Level.String()
	rec["msg"] = entry.Message
	rec["ts"] = entry.Timestamp.Format("2006-01-02T15:04:05.000Z07:00")
	if entry.Caller != "" {
		rec["caller"] = entry.Caller
	}
	if entry.Error != nil {
		rec["error"] = entry.Error.Error()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// TextFormatter renders entries as human-readable single lines, e.g.:
// 2024-01-02T15:04:05.000Z INFO  server started component=server port=8080
// Fields follow the message in no fixed order.
type TextFormatter struct{}

func (f *TextFormatter) Format(entry *Entry) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(entry.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"))
	buf.WriteByte(' ')
	fmt.Fprintf(&buf, "%-5s", entry.Level.String())
	buf.WriteByte(' ')
	buf.WriteString(entry.Message)
	for k, v := range entry.Fields {
		fmt.Fprintf(&buf, " %s=%v", k, v)
	}
	if entry.Error != nil {
		fmt.Fprintf(&buf, " error=%q", entry.Error.Error())
	}
	if entry.Caller != "" {
		fmt.Fprintf(&buf, " caller=%s", entry.Caller)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
