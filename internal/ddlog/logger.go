// Package ddlog provides the structured logging interface used throughout
// the data distributor. Components accept a Logger rather than calling
// log.Printf directly so tests can inject a silent or recording logger.
package ddlog

import (
	"fmt"
	"log"
	"os"
	"sort"
	"time"
)

// Fields is a bag of structured key-value pairs attached to a log line.
type Fields map[string]any

// Logger is the structured logging interface. Modeled on the reranker
// strategy package's Logger interface, generalized with a Warn level.
type Logger interface {
	Debug(msg string, fields Fields)
	Info(msg string, fields Fields)
	Warn(msg string, fields Fields)
	Error(msg string, err error, fields Fields)
	With(fields Fields) Logger
}

// stdLogger writes structured lines to a standard log.Logger.
type stdLogger struct {
	base   Fields
	target *log.Logger
}

// NewStdLogger returns a Logger that writes to os.Stderr with timestamps.
func NewStdLogger(component string) Logger {
	return &stdLogger{
		base:   Fields{"component": component},
		target: log.New(os.Stderr, "", 0),
	}
}

func (l *stdLogger) With(fields Fields) Logger {
	merged := make(Fields, len(l.base)+len(fields))
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &stdLogger{base: merged, target: l.target}
}

func (l *stdLogger) Debug(msg string, fields Fields) { l.emit("DEBUG", msg, nil, fields) }
func (l *stdLogger) Info(msg string, fields Fields)  { l.emit("INFO", msg, nil, fields) }
func (l *stdLogger) Warn(msg string, fields Fields)  { l.emit("WARN", msg, nil, fields) }
func (l *stdLogger) Error(msg string, err error, fields Fields) {
	l.emit("ERROR", msg, err, fields)
}

func (l *stdLogger) emit(level, msg string, err error, fields Fields) {
	all := make(Fields, len(l.base)+len(fields)+1)
	for k, v := range l.base {
		all[k] = v
	}
	for k, v := range fields {
		all[k] = v
	}
	if err != nil {
		all["err"] = err.Error()
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	line := fmt.Sprintf("%s [%s] %s", time.Now().UTC().Format(time.RFC3339Nano), level, msg)
	for _, k := range keys {
		line += fmt.Sprintf(" %s=%v", k, all[k])
	}
	l.target.Println(line)
}

// Nop returns a Logger that discards everything; useful in tests.
func Nop() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Debug(string, Fields)        {}
func (nopLogger) Info(string, Fields)         {}
func (nopLogger) Warn(string, Fields)         {}
func (nopLogger) Error(string, error, Fields) {}
func (nopLogger) With(Fields) Logger          { return nopLogger{} }
