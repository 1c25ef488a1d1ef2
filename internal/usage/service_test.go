package usage

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/vtlabs/completion-gateway/internal/logger"
	"github.com/vtlabs/completion-gateway/internal/sse"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
}

func TestServiceShutdownIdempotent(t *testing.T) {
	s := NewService(nil, Options{WorkerPoolSize: 2, BufferSize: 8}, testLogger())

	done := make(chan struct{})
	go func() {
		s.Shutdown()
		s.Shutdown() // second call is a no-op
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete")
	}
}

func TestServiceIgnoresRecordsAfterShutdown(t *testing.T) {
	s := NewService(nil, Options{WorkerPoolSize: 1, BufferSize: 1}, testLogger())
	s.Shutdown()

	// Must not enqueue (the workers are gone) and must not block or panic.
	s.RecordCompletion(context.Background(), sse.CompletionRecord{
		RequestID: "req-1",
		Status:    sse.StatusComplete,
	})

	if len(s.recordChan) != 0 {
		t.Error("expected no records enqueued after shutdown")
	}
}

func TestServiceDefaultsOptions(t *testing.T) {
	s := NewService(nil, Options{}, testLogger())
	defer s.Shutdown()

	if cap(s.recordChan) != 1000 {
		t.Errorf("buffer size = %d, want default 1000", cap(s.recordChan))
	}
	if s.timeout != 30*time.Second {
		t.Errorf("timeout = %s, want default 30s", s.timeout)
	}
}
