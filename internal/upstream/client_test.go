package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vtlabs/completion-gateway/internal/logger"
	"github.com/vtlabs/completion-gateway/internal/sse"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
}

func testRequest() *sse.Request {
	return &sse.Request{
		Prompt:       "hello",
		ThreadID:     "t-1",
		ThreadItemID: "ti-1",
		Mode:         sse.ModeChat,
		UserID:       "user-1",
	}
}

func sseServer(t *testing.T, frames string, check func(r *http.Request)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(frames))
	}))
}

func collect(t *testing.T, events <-chan sse.Event) []sse.Event {
	t.Helper()
	var out []sse.Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func TestEngineParsesEventStream(t *testing.T) {
	frames := "" +
		": heartbeat\n\n" +
		"event: steps\ndata: {\"step\":\"search\"}\n\n" +
		"event: answer\ndata: {\"text\":\"Hel\"}\n\n" +
		"event: answer\ndata: {\"text\":\"lo\"}\n\n" +
		"event: done\ndata: {\"status\":\"complete\"}\n\n"

	var gotBody enginePayload
	srv := sseServer(t, frames, func(r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode engine payload: %v", err)
		}
	})
	defer srv.Close()

	engine := NewEngine(Config{URL: srv.URL, APIKey: "secret", Timeout: 5 * time.Second}, testLogger())

	events, wait := engine.Run(context.Background(), testRequest())
	got := collect(t, events)

	if err := wait(); err != nil {
		t.Fatalf("expected clean settle, got %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(got), got)
	}
	if got[0].Kind != sse.EventSteps {
		t.Errorf("first event kind = %s", got[0].Kind)
	}
	answer, ok := got[1].Payload.(sse.AnswerPayload)
	if !ok || answer.Text != "Hel" {
		t.Errorf("unexpected answer payload: %+v", got[1].Payload)
	}

	if gotBody.Prompt != "hello" || gotBody.ThreadID != "t-1" || gotBody.UserID != "user-1" {
		t.Errorf("unexpected engine payload: %+v", gotBody)
	}
}

func TestEngineQuotaDoneBecomesQuotaError(t *testing.T) {
	frames := "event: done\ndata: {\"status\":\"quota_exceeded\",\"feature\":\"deep_research\",\"message\":\"quota exceeded for deep_research\"}\n\n"
	srv := sseServer(t, frames, nil)
	defer srv.Close()

	engine := NewEngine(Config{URL: srv.URL, Timeout: 5 * time.Second}, testLogger())

	events, wait := engine.Run(context.Background(), testRequest())
	collect(t, events)

	err := wait()
	var quotaErr *sse.QuotaExceededError
	if !errors.As(err, &quotaErr) {
		t.Fatalf("expected QuotaExceededError, got %v", err)
	}
	if quotaErr.Feature != "deep_research" {
		t.Errorf("feature = %q", quotaErr.Feature)
	}
}

func TestEngineErrorStatusCarriesDetails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	engine := NewEngine(Config{URL: srv.URL, Timeout: 5 * time.Second}, testLogger())

	events, wait := engine.Run(context.Background(), testRequest())
	collect(t, events)

	err := wait()
	if err == nil {
		t.Fatal("expected an error for a 429 response")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Errorf("error must carry the status code: %v", err)
	}

	// The classifier must land this in the rate-limit bucket.
	if out := sse.Classify(err, false); out.Cause != "rate_limit" {
		t.Errorf("classified as %s, want rate_limit", out.Cause)
	}
}

func TestEngineTruncatedStreamIsAnError(t *testing.T) {
	frames := "event: answer\ndata: {\"text\":\"par\"}\n\n"
	srv := sseServer(t, frames, nil)
	defer srv.Close()

	engine := NewEngine(Config{URL: srv.URL, Timeout: 5 * time.Second}, testLogger())

	events, wait := engine.Run(context.Background(), testRequest())
	got := collect(t, events)

	if len(got) != 1 {
		t.Fatalf("expected the partial event, got %d", len(got))
	}
	if err := wait(); err == nil {
		t.Error("a stream ending without a terminal event must settle with an error")
	}
}

func TestEngineCancellationStopsStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte("event: answer\ndata: {\"text\":\"x\"}\n\n"))
		flusher.Flush()
		// Hold the stream open until the client goes away.
		<-r.Context().Done()
	}))
	defer srv.Close()

	engine := NewEngine(Config{URL: srv.URL}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	events, wait := engine.Run(ctx, testRequest())

	// First event arrives, then the session is cancelled.
	<-events
	cancel()
	collect(t, events)

	err := wait()
	if err == nil || !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestEngineSkipsMalformedEvents(t *testing.T) {
	frames := "" +
		"event: answer\ndata: {not json}\n\n" +
		"event: answer\ndata: {\"text\":\"ok\"}\n\n" +
		"event: done\ndata: {\"status\":\"complete\"}\n\n"
	srv := sseServer(t, frames, nil)
	defer srv.Close()

	engine := NewEngine(Config{URL: srv.URL, Timeout: 5 * time.Second}, testLogger())

	events, wait := engine.Run(context.Background(), testRequest())
	got := collect(t, events)

	if err := wait(); err != nil {
		t.Fatalf("expected clean settle, got %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected the malformed event to be skipped, got %d events", len(got))
	}
}
