package sse

import (
	"fmt"
	"net/http"
	"sync"
)

// StreamStateError reports a write against a sink whose transport is no
// longer usable. The classifier maps these onto the aborted outcome instead
// of surfacing them as failures.
type StreamStateError struct {
	Op     string // "enqueue" or "flush"
	Reason string // short lowercase reason, e.g. "closed sink"
}

func (e *StreamStateError) Error() string {
	return fmt.Sprintf("%s on %s", e.Op, e.Reason)
}

// Sink is the outbound byte destination one client reads as a stream.
//
// Implementations serialize writes internally: frames are emitted in call
// order and never interleave, which is what allows the heartbeat scheduler
// and the orchestrator to share one sink without coordination.
type Sink interface {
	// WriteFrame writes one event/data frame followed by a blank line.
	WriteFrame(event string, data []byte) error

	// WriteComment writes a protocol comment line (ignored by conforming
	// clients) followed by a blank line.
	WriteComment(comment string) error

	// MarkClosed flags the sink as dead after a failed write. Subsequent
	// writes fail fast with a StreamStateError without touching the
	// transport.
	MarkClosed()

	// Closed reports whether the sink has been marked dead.
	Closed() bool
}

// HTTPSink adapts an http.ResponseWriter into a Sink, flushing after every
// frame so intermediaries deliver events immediately.
type HTTPSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
}

// NewHTTPSink wraps a response writer. The writer must support flushing;
// callers check this before accepting the request.
func NewHTTPSink(w http.ResponseWriter, flusher http.Flusher) *HTTPSink {
	return &HTTPSink{w: w, flusher: flusher}
}

// WriteFrame writes "event: <type>\ndata: <json>\n\n" and flushes.
func (s *HTTPSink) WriteFrame(event string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &StreamStateError{Op: "enqueue", Reason: "closed sink"}
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		s.closed = true
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteComment writes ": <comment>\n\n" and flushes.
func (s *HTTPSink) WriteComment(comment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &StreamStateError{Op: "enqueue", Reason: "closed sink"}
	}

	if _, err := fmt.Fprintf(s.w, ": %s\n\n", comment); err != nil {
		s.closed = true
		return err
	}
	s.flusher.Flush()
	return nil
}

// MarkClosed flags the sink as dead. Safe to call multiple times.
func (s *HTTPSink) MarkClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Closed reports whether the sink has been marked dead.
func (s *HTTPSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
