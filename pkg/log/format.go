package log

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Formatter renders log entries into bytes.
type Formatter interface {
	Format(entry *Entry) ([]byte, error)
}

// JSONFormatter renders entries as single-line JSON objects.
type JSONFormatter struct{}

// Format implements Formatter.
func (f *JSONFormatter) Format(entry *Entry) ([]byte, error) {
	obj := make(map[string]interface{}, len(entry.Fields)+3)
	for k, v := range entry.Fields {
		obj[k] = v
	}
	obj["ts"] = entry.Timestamp.Format("2006-01-02T15:04:05.000Z07:00")
	obj["level"] = entry.Level.String()
	obj["msg"] = entry.Message
	b, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// TextFormatter renders entries as "ts LEVEL msg k=v ..." lines with fields
// in stable (sorted) order.
type TextFormatter struct{}

// Format implements Formatter.
func (f *TextFormatter) Format(entry *Entry) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(entry.Timestamp.Format("2006-01-02T15:04:05.000"))
	buf.WriteByte(' ')
	buf.WriteString(entry.Level.String())
	buf.WriteByte(' ')
	buf.WriteString(entry.Message)
	keys := make([]string, 0, len(entry.Fields))
	for k := range entry.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&buf, " %s=%v", k, entry.Fields[k])
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
