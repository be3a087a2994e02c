package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// Sink is the append-only log of a single run. Build output, push progress
// and cleanup diagnostics are appended to the same Sink in call order.
type Sink interface {
	Append(line string)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(line string)

// Append calls f(line).
func (f SinkFunc) Append(line string) { f(line) }

// Appendf formats a line and appends it to sink.
func Appendf(sink Sink, format string, args ...any) {
	sink.Append(fmt.Sprintf(format, args...))
}

// AppendText splits text on newlines and appends each non-empty line.
// Engine streams deliver text chunks that may hold several lines.
func AppendText(sink Sink, text string) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		sink.Append(line)
	}
}

// WriterSink writes each line to an io.Writer, newline terminated.
type WriterSink struct {
	w      io.Writer
	redact bool
}

// NewWriterSink creates a sink writing to w. When redact is set every line
// passes through RedactString first.
func NewWriterSink(w io.Writer, redact bool) *WriterSink {
	return &WriterSink{w: w, redact: redact}
}

// Append writes line to the underlying writer.
func (s *WriterSink) Append(line string) {
	if s.redact {
		line = RedactString(line)
	}
	_, _ = io.WriteString(s.w, line+"\n")
}

// BufferSink keeps every appended line in memory.
type BufferSink struct {
	mu    sync.Mutex
	lines []string
}

// NewBufferSink creates an empty BufferSink.
func NewBufferSink() *BufferSink {
	return &BufferSink{}
}

// Append stores line.
func (s *BufferSink) Append(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
}

// Lines returns a copy of the stored lines in append order.
func (s *BufferSink) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.lines))
	copy(out, s.lines)
	return out
}

// String returns the stored lines joined by newlines.
func (s *BufferSink) String() string {
	return strings.Join(s.Lines(), "\n")
}

// Contains reports whether any stored line contains substr.
func (s *BufferSink) Contains(substr string) bool {
	for _, l := range s.Lines() {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

// SlogSink forwards lines to a structured logger at Info level.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink that logs each line as a "run output" record.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = NewDiscardLogger()
	}
	return &SlogSink{logger: logger}
}

// Append logs line.
func (s *SlogSink) Append(line string) {
	s.logger.Info("run output", "line", line)
}

// MultiSink fans every line out to all sinks in order.
type MultiSink []Sink

// Append appends line to each sink.
func (m MultiSink) Append(line string) {
	for _, s := range m {
		if s != nil {
			s.Append(line)
		}
	}
}

// DiscardSink drops every line.
var DiscardSink Sink = SinkFunc(func(string) {})
