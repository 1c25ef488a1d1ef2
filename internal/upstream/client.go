// Package upstream implements the generation workflow against the upstream
// generation engine's SSE endpoint.
package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vtlabs/completion-gateway/internal/logger"
	"github.com/vtlabs/completion-gateway/internal/sse"
)

// maxScanTokenSize bounds one SSE line from the engine. Large tool results
// can produce long data lines, so this is well above bufio's default.
const maxScanTokenSize = 1024 * 1024

// Config holds the connection settings for the generation engine.
type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// Engine runs generation requests against the upstream engine and re-emits
// its SSE stream as typed events. It implements sse.Workflow.
type Engine struct {
	cfg    Config
	client *http.Client
	logger *logger.Logger
}

var _ sse.Workflow = (*Engine)(nil)

// NewEngine creates an engine client. Timeout of zero disables the overall
// request timeout; per-request cancellation still applies via context.
func NewEngine(cfg Config, log *logger.Logger) *Engine {
	return &Engine{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: log.WithComponent("upstream"),
	}
}

// enginePayload is the request body sent to the engine.
type enginePayload struct {
	Prompt             string            `json:"prompt"`
	ThreadID           string            `json:"threadId"`
	ThreadItemID       string            `json:"threadItemId"`
	ParentThreadItemID string            `json:"parentThreadItemId,omitempty"`
	Mode               string            `json:"mode"`
	Messages           []sse.Message     `json:"messages,omitempty"`
	WebSearch          bool              `json:"webSearch,omitempty"`
	MathCalculator     bool              `json:"mathCalculator,omitempty"`
	ThinkingMode       *sse.ThinkingMode `json:"thinkingMode,omitempty"`
	APIKeys            map[string]string `json:"apiKeys,omitempty"`
	MaxIterations      int               `json:"maxIterations,omitempty"`
	UserID             string            `json:"userId,omitempty"`
	GeoCountry         string            `json:"geoCountry,omitempty"`
	GeoCity            string            `json:"geoCity,omitempty"`
}

// Run starts a generation task. Events are delivered on the returned channel
// until the engine's stream ends; the wait func then reports the terminal
// error, if any.
func (e *Engine) Run(ctx context.Context, req *sse.Request) (<-chan sse.Event, sse.WaitFunc) {
	events := make(chan sse.Event, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(events)
		errCh <- e.stream(ctx, req, events)
	}()

	return events, func() error { return <-errCh }
}

func (e *Engine) stream(ctx context.Context, req *sse.Request, events chan<- sse.Event) error {
	httpReq, err := e.buildRequest(ctx, req)
	if err != nil {
		return err
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("engine request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return e.statusError(resp)
	}

	return e.readEvents(ctx, resp.Body, events)
}

// buildRequest prepares the engine HTTP request. The request uses the session
// context so cancelling the session tears down the upstream connection.
func (e *Engine) buildRequest(ctx context.Context, req *sse.Request) (*http.Request, error) {
	payload := enginePayload{
		Prompt:             req.Prompt,
		ThreadID:           req.ThreadID,
		ThreadItemID:       req.ThreadItemID,
		ParentThreadItemID: req.ParentThreadItemID,
		Mode:               string(req.Mode),
		Messages:           req.Messages,
		WebSearch:          req.WebSearch,
		MathCalculator:     req.MathCalculator,
		ThinkingMode:       req.ThinkingMode,
		APIKeys:            req.APIKeys,
		MaxIterations:      req.MaxIterations,
		UserID:             req.UserID,
	}
	if req.Geo != nil {
		payload.GeoCountry = req.Geo.Country
		payload.GeoCity = req.Geo.City
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal engine payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.URL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to create engine request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Accept-Encoding", "identity")
	if e.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	return httpReq, nil
}

// statusError converts a non-200 engine response into an error whose message
// carries the status details, so downstream classification sees them.
func (e *Engine) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = resp.Status
	}

	e.logger.Warn("engine returned error status",
		slog.Int("status", resp.StatusCode),
		slog.String("body", msg))

	return fmt.Errorf("engine responded %d: %s", resp.StatusCode, msg)
}

// doneData is the payload of the engine's terminal done event.
type doneData struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Feature string `json:"feature,omitempty"`
}

// readEvents parses the engine's SSE response line by line. Each frame is an
// "event:" line naming the kind followed by a "data:" line with the JSON
// payload. Comment lines (heartbeats) are skipped.
func (e *Engine) readEvents(ctx context.Context, body io.Reader, events chan<- sse.Event) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)

	var kind sse.EventKind
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.HasPrefix(line, "event:"):
			kind = sse.EventKind(strings.TrimSpace(strings.TrimPrefix(line, "event:")))

		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if kind == "" || data == "" {
				continue
			}

			if kind == sse.EventDone {
				return e.settle(data)
			}

			ev, err := decodeEvent(kind, data)
			if err != nil {
				e.logger.Warn("skipping malformed engine event",
					slog.String("event", string(kind)),
					slog.String("error", err.Error()))
				continue
			}

			select {
			case events <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}

		case line == "" || strings.HasPrefix(line, ":"):
			// Frame boundary or heartbeat comment.
			if line == "" {
				kind = ""
			}
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("engine stream read failed: %w", err)
	}

	// Stream ended without a done event.
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("engine stream ended without terminal event")
}

// settle maps the engine's done event into the workflow's terminal error.
// A complete status settles cleanly; anything else is surfaced as an error
// so the caller classifies it.
func (e *Engine) settle(data string) error {
	var done doneData
	if err := json.Unmarshal([]byte(data), &done); err != nil {
		return fmt.Errorf("malformed terminal event from engine: %w", err)
	}

	switch done.Status {
	case string(sse.StatusComplete), "":
		return nil
	case string(sse.StatusQuotaExceeded):
		return &sse.QuotaExceededError{Feature: done.Feature, Msg: done.Message}
	default:
		if done.Message != "" {
			return fmt.Errorf("%s", done.Message)
		}
		return fmt.Errorf("engine reported status %s", done.Status)
	}
}

// decodeEvent unmarshals the data payload for one event kind. Answer deltas
// get a typed payload so the orchestrator can accumulate text; everything
// else passes through as decoded JSON.
func decodeEvent(kind sse.EventKind, data string) (sse.Event, error) {
	if kind == sse.EventAnswer {
		var payload sse.AnswerPayload
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			return sse.Event{}, err
		}
		return sse.Event{Kind: kind, Payload: payload}, nil
	}

	var payload any
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return sse.Event{}, err
	}
	return sse.Event{Kind: kind, Payload: payload}, nil
}
