package sse

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/vtlabs/completion-gateway/internal/logger"
	"github.com/vtlabs/completion-gateway/internal/metrics"
)

// Framer converts typed payloads into wire frames, defensively.
//
// Serialization failures never propagate to the caller: the framer
// synthesizes a fallback done frame carrying the thread ids so the client's
// state machine is never left waiting indefinitely.
type Framer struct {
	logger *logger.Logger
}

// NewFramer creates a framer.
func NewFramer(log *logger.Logger) *Framer {
	return &Framer{logger: log.WithComponent("framer")}
}

// Send serializes payload and writes it to the sink as one frame.
// payload must contain a "type" discriminator.
//
// The returned error is non-nil only when the sink write itself failed
// (typically because the client is gone); serialization failures are handled
// internally via the fallback frame.
func (f *Framer) Send(sink Sink, payload map[string]any) error {
	eventType, _ := payload["type"].(string)
	if eventType == "" {
		eventType = string(EventStatus)
	}

	sanitized := sanitizePayload(payload)

	data, err := json.Marshal(sanitized)
	if err != nil {
		f.logger.Error("failed to serialize frame payload",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()))
		return f.sendFallback(sink, payload)
	}

	if err := sink.WriteFrame(eventType, data); err != nil {
		return err
	}
	metrics.FramesTotal.WithLabelValues(eventType).Inc()
	return nil
}

// sendFallback emits a minimal done/error frame after a serialization
// failure. A write error here is swallowed: the caller already lost the race
// against a closing sink.
func (f *Framer) sendFallback(sink Sink, payload map[string]any) error {
	fallback := map[string]any{
		"type":   string(EventDone),
		"status": string(StatusError),
		"error":  "Stream data serialization failed. Please refresh the page and try again.",
	}
	for _, key := range []string{"threadId", "threadItemId", "parentThreadItemId"} {
		if v, ok := payload[key].(string); ok && v != "" {
			fallback[key] = v
		}
	}

	data, err := json.Marshal(fallback)
	if err != nil {
		// Fallback contains only strings; this cannot happen.
		return nil
	}

	if err := sink.WriteFrame(string(EventDone), data); err != nil {
		f.logger.Info("fallback frame dropped, sink already closed",
			slog.String("error", err.Error()))
	}
	return nil
}

// NormalizeEscapedNewlines converts escaped newline sequences into literal
// newlines. Upstream providers may double-escape answer text.
func NormalizeEscapedNewlines(s string) string {
	return strings.ReplaceAll(s, `\n`, "\n")
}

// sanitizePayload walks the payload and normalizes escaped newlines in
// answer-text fields. Maps are copied, not mutated in place.
func sanitizePayload(v any) any {
	switch p := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(p))
		for k, val := range p {
			if s, ok := val.(string); ok && (k == "text" || k == "content") {
				out[k] = NormalizeEscapedNewlines(s)
				continue
			}
			out[k] = sanitizePayload(val)
		}
		return out
	case AnswerPayload:
		p.Text = NormalizeEscapedNewlines(p.Text)
		return p
	case *AnswerPayload:
		if p == nil {
			return p
		}
		cp := *p
		cp.Text = NormalizeEscapedNewlines(cp.Text)
		return &cp
	case []any:
		out := make([]any, len(p))
		for i, val := range p {
			out[i] = sanitizePayload(val)
		}
		return out
	default:
		return v
	}
}
