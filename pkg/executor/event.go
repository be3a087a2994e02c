package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/gridctl/imagectl/pkg/connection"
	"github.com/gridctl/imagectl/pkg/engine"
	"github.com/gridctl/imagectl/pkg/logging"
)

// EventType distinguishes the events of an operation stream.
type EventType string

const (
	EventLog    EventType = "log"
	EventResult EventType = "result"
	EventError  EventType = "error"
)

// Event is one NDJSON line of an operation stream. A stream is zero or more
// log events followed by exactly one result or error event.
type Event struct {
	Type    EventType  `json:"type"`
	Line    string     `json:"line,omitempty"`
	ImageID string     `json:"image_id,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

// Error kinds carried across the boundary.
const (
	KindNoHostBinding = "no_host_binding"
	KindBuildContext  = "build_context"
	KindPush          = "push"
	KindCanceled      = "canceled"
	KindDeadline      = "deadline"
	KindInternal      = "internal"
)

// ErrorInfo is the serialized form of an operation error.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Tag     string `json:"tag,omitempty"`
	Dir     string `json:"dir,omitempty"`
}

// RemoteError is an error from the far side with no local equivalent.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

// NewErrorInfo classifies err for transport.
func NewErrorInfo(err error) *ErrorInfo {
	var ctxErr *engine.BuildContextError
	var pushErr *engine.PushError
	switch {
	case errors.Is(err, connection.ErrNoHostBinding):
		return &ErrorInfo{Kind: KindNoHostBinding, Message: err.Error()}
	case errors.As(err, &ctxErr):
		return &ErrorInfo{Kind: KindBuildContext, Message: ctxErr.Err.Error(), Dir: ctxErr.Dir}
	case errors.As(err, &pushErr):
		return &ErrorInfo{Kind: KindPush, Message: pushErr.Err.Error(), Tag: pushErr.Tag}
	case errors.Is(err, context.Canceled):
		return &ErrorInfo{Kind: KindCanceled, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return &ErrorInfo{Kind: KindDeadline, Message: err.Error()}
	default:
		return &ErrorInfo{Kind: KindInternal, Message: err.Error()}
	}
}

// Err rebuilds the typed error so errors.Is and errors.As behave as they
// would for a local call.
func (e *ErrorInfo) Err() error {
	switch e.Kind {
	case KindNoHostBinding:
		return connection.ErrNoHostBinding
	case KindBuildContext:
		return &engine.BuildContextError{Dir: e.Dir, Err: errors.New(e.Message)}
	case KindPush:
		return &engine.PushError{Tag: e.Tag, Err: errors.New(e.Message)}
	case KindCanceled:
		return context.Canceled
	case KindDeadline:
		return context.DeadlineExceeded
	default:
		return &RemoteError{Message: e.Message}
	}
}

// EventWriter encodes an operation stream. Its Append makes it the sink of
// the operation being streamed.
type EventWriter struct {
	mu    sync.Mutex
	enc   *json.Encoder
	flush func()
	err   error
}

// NewEventWriter writes NDJSON events to w, calling flush after each one
// when it is non-nil.
func NewEventWriter(w io.Writer, flush func()) *EventWriter {
	return &EventWriter{enc: json.NewEncoder(w), flush: flush}
}

// Append emits a log event.
func (w *EventWriter) Append(line string) {
	w.write(Event{Type: EventLog, Line: line})
}

// Result emits the terminal success event.
func (w *EventWriter) Result(imageID string) {
	w.write(Event{Type: EventResult, ImageID: imageID})
}

// Fail emits the terminal error event.
func (w *EventWriter) Fail(err error) {
	w.write(Event{Type: EventError, Error: NewErrorInfo(err)})
}

// Err returns the first write error.
func (w *EventWriter) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *EventWriter) write(ev Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return
	}
	if err := w.enc.Encode(ev); err != nil {
		w.err = err
		return
	}
	if w.flush != nil {
		w.flush()
	}
}

// ReadEvents forwards log events from r to sink and returns the terminal
// event's image ID or error. A stream that ends without a terminal event
// is an error.
func ReadEvents(r io.Reader, sink logging.Sink) (string, error) {
	decoder := json.NewDecoder(r)
	for {
		var ev Event
		if err := decoder.Decode(&ev); err != nil {
			if err == io.EOF {
				return "", errors.New("event stream ended without a result")
			}
			return "", fmt.Errorf("decoding event: %w", err)
		}

		switch ev.Type {
		case EventLog:
			sink.Append(ev.Line)
		case EventResult:
			return ev.ImageID, nil
		case EventError:
			if ev.Error == nil {
				return "", &RemoteError{Message: "unspecified remote error"}
			}
			return "", ev.Error.Err()
		default:
			return "", fmt.Errorf("unknown event type %q", ev.Type)
		}
	}
}
