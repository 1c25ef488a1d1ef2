package completion

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vtlabs/completion-gateway/internal/logger"
	"github.com/vtlabs/completion-gateway/internal/sse"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
}

// echoWorkflow emits one answer event per request and settles cleanly.
var echoWorkflow = sse.WorkflowFunc(func(ctx context.Context, req *sse.Request) (<-chan sse.Event, sse.WaitFunc) {
	ch := make(chan sse.Event, 1)
	ch <- sse.Event{Kind: sse.EventAnswer, Payload: sse.AnswerPayload{Text: "echo: " + req.Prompt}}
	close(ch)
	return ch, func() error { return nil }
})

func newTestRouter(t *testing.T, workflow sse.Workflow) (*gin.Engine, *sse.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := testLogger()
	registry := sse.NewRegistry(log)
	orchestrator := sse.NewOrchestrator(sse.OrchestratorOptions{
		Registry:          registry,
		Workflow:          workflow,
		HeartbeatInterval: time.Hour,
	}, log)

	h := NewHandler(HandlerOptions{
		Orchestrator:      orchestrator,
		Registry:          registry,
		MaxIterationsCap:  10,
		DefaultIterations: 3,
	}, log)

	router := gin.New()
	api := router.Group("/api/v1")
	h.RegisterRoutes(api)
	return router, registry
}

func postJSON(router *gin.Engine, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestStreamHandlerHappyPath(t *testing.T) {
	router, registry := newTestRouter(t, echoWorkflow)

	body := `{"prompt":"hi","threadId":"t-1","threadItemId":"ti-1","mode":"chat"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/completion", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "user-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200. body: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache, no-transform" {
		t.Errorf("Cache-Control = %q", cc)
	}
	if ab := rec.Header().Get("X-Accel-Buffering"); ab != "no" {
		t.Errorf("X-Accel-Buffering = %q", ab)
	}

	out := rec.Body.String()
	if !strings.Contains(out, "event: answer") {
		t.Errorf("expected an answer frame in %q", out)
	}
	if !strings.Contains(out, "event: done") {
		t.Errorf("expected a done frame in %q", out)
	}
	if !strings.Contains(out, `"status":"complete"`) {
		t.Errorf("expected complete status in %q", out)
	}

	if registry.Len() != 0 {
		t.Errorf("expected registry to be empty after the stream, got %d", registry.Len())
	}
}

func TestStreamHandlerRejectsMissingFields(t *testing.T) {
	router, _ := newTestRouter(t, echoWorkflow)

	rec := postJSON(router, "/api/v1/completion", `{"prompt":"hi"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestStreamHandlerRejectsInvalidMode(t *testing.T) {
	router, _ := newTestRouter(t, echoWorkflow)

	body := `{"prompt":"hi","threadId":"t-1","threadItemId":"ti-1","mode":"turbo"}`
	rec := postJSON(router, "/api/v1/completion", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "invalid mode") {
		t.Errorf("expected invalid mode error, got %s", rec.Body.String())
	}
}

func TestStreamHandlerCapsIterations(t *testing.T) {
	var captured *sse.Request
	workflow := sse.WorkflowFunc(func(ctx context.Context, req *sse.Request) (<-chan sse.Event, sse.WaitFunc) {
		captured = req
		ch := make(chan sse.Event)
		close(ch)
		return ch, func() error { return nil }
	})
	router, _ := newTestRouter(t, workflow)

	body := `{"prompt":"hi","threadId":"t-1","threadItemId":"ti-1","mode":"deep","maxIterations":99}`
	rec := postJSON(router, "/api/v1/completion", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if captured == nil || captured.MaxIterations != 10 {
		t.Errorf("expected iterations capped at 10, got %+v", captured)
	}
}

func TestStreamHandlerDefaultsIterations(t *testing.T) {
	var captured *sse.Request
	workflow := sse.WorkflowFunc(func(ctx context.Context, req *sse.Request) (<-chan sse.Event, sse.WaitFunc) {
		captured = req
		ch := make(chan sse.Event)
		close(ch)
		return ch, func() error { return nil }
	})
	router, _ := newTestRouter(t, workflow)

	body := `{"prompt":"hi","threadId":"t-1","threadItemId":"ti-1","mode":"chat"}`
	postJSON(router, "/api/v1/completion", body)
	if captured == nil || captured.MaxIterations != 3 {
		t.Errorf("expected default iterations 3, got %+v", captured)
	}
}

func TestStreamHandlerPassesGeoHeaders(t *testing.T) {
	var captured *sse.Request
	workflow := sse.WorkflowFunc(func(ctx context.Context, req *sse.Request) (<-chan sse.Event, sse.WaitFunc) {
		captured = req
		ch := make(chan sse.Event)
		close(ch)
		return ch, func() error { return nil }
	})
	router, _ := newTestRouter(t, workflow)

	body := `{"prompt":"hi","threadId":"t-1","threadItemId":"ti-1","mode":"chat","userId":"spoofed"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/completion", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "user-1")
	req.Header.Set("X-Geo-Country", "DE")
	req.Header.Set("X-Geo-City", "Berlin")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if captured == nil {
		t.Fatal("workflow never ran")
	}
	if captured.UserID != "user-1" {
		t.Errorf("user id must come from the header, got %q", captured.UserID)
	}
	if captured.Geo == nil || captured.Geo.Country != "DE" || captured.Geo.City != "Berlin" {
		t.Errorf("unexpected geo: %+v", captured.Geo)
	}
}

func TestAbortHandlerByRequestID(t *testing.T) {
	router, registry := newTestRouter(t, echoWorkflow)

	s := sse.NewSession(context.Background(), "req-1", "user-1", "thread-1")
	registry.Register(s)

	rec := postJSON(router, "/api/v1/completion/abort", `{"requestId":"req-1"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204. body: %s", rec.Code, rec.Body.String())
	}
	if !s.Aborted() {
		t.Error("expected session to be cancelled")
	}

	// The session is gone now.
	rec = postJSON(router, "/api/v1/completion/abort", `{"requestId":"req-1"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestAbortHandlerByThreadID(t *testing.T) {
	router, registry := newTestRouter(t, echoWorkflow)

	s := sse.NewSession(context.Background(), "req-1", "user-1", "thread-7")
	registry.Register(s)

	rec := postJSON(router, "/api/v1/completion/abort", `{"threadId":"thread-7"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if !s.Aborted() {
		t.Error("expected session to be cancelled")
	}
}

func TestAbortHandlerUnknownSession(t *testing.T) {
	router, _ := newTestRouter(t, echoWorkflow)

	rec := postJSON(router, "/api/v1/completion/abort", `{"requestId":"ghost"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestAbortHandlerRejectsEmptyBody(t *testing.T) {
	router, _ := newTestRouter(t, echoWorkflow)

	rec := postJSON(router, "/api/v1/completion/abort", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}

	rec = postJSON(router, "/api/v1/completion/abort", `not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestActiveStreamsHandler(t *testing.T) {
	router, registry := newTestRouter(t, echoWorkflow)
	registry.Register(sse.NewSession(context.Background(), "req-1", "user-1", "thread-1"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/streams", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Count   int              `json:"count"`
		Streams []sse.StreamInfo `json:"streams"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 1 || len(resp.Streams) != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Streams[0].RequestID != "req-1" {
		t.Errorf("unexpected stream info: %+v", resp.Streams[0])
	}
}
