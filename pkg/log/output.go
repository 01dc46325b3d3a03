package log

import (
	"os"
	"sync"
)

// Output is a destination for formatted log entries.
type Output interface {
	Write(entry *Entry, formatted []byte) error
	Close() error
}

// ConsoleOutput writes entries to stderr, serialized by a mutex so that
// concurrent components do not interleave lines.
type ConsoleOutput struct {
	mu sync.Mutex
}

// NewConsoleOutput returns a stderr-backed output.
func NewConsoleOutput() *ConsoleOutput { return &ConsoleOutput{} }

// Write implements Output.
func (o *ConsoleOutput) Write(_ *Entry, formatted []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, err := os.Stderr.Write(formatted)
	return err
}

// Close implements Output.
func (o *ConsoleOutput) Close() error { return nil }

type nopOutput struct{}

func (nopOutput) Write(*Entry, []byte) error { return nil }
func (nopOutput) Close() error               { return nil }
