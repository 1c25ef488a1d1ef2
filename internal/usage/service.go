package usage

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vtlabs/completion-gateway/internal/logger"
	"github.com/vtlabs/completion-gateway/internal/metrics"
	"github.com/vtlabs/completion-gateway/internal/sse"
)

// Options sizes the recording pipeline.
type Options struct {
	WorkerPoolSize int
	BufferSize     int
	Timeout        time.Duration
}

// Service queues completion records and writes them to Postgres from a
// worker pool. Enqueueing never blocks: when the buffer is full the record
// is dropped and counted, because losing a usage row is preferable to
// stalling a live stream.
type Service struct {
	storage    *Storage
	recordChan chan recordRow
	workerPool sync.WaitGroup
	shutdown   chan struct{}
	closed     atomic.Bool
	timeout    time.Duration
	logger     *logger.Logger

	droppedTotal atomic.Int64
}

// NewService starts the worker pool.
func NewService(storage *Storage, opts Options, log *logger.Logger) *Service {
	if opts.WorkerPoolSize <= 0 {
		opts.WorkerPoolSize = 5
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1000
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	s := &Service{
		storage:    storage,
		recordChan: make(chan recordRow, opts.BufferSize),
		shutdown:   make(chan struct{}),
		timeout:    opts.Timeout,
		logger:     log.WithComponent("usage-recorder"),
	}

	for i := 0; i < opts.WorkerPoolSize; i++ {
		s.workerPool.Add(1)
		go s.worker()
	}

	return s
}

var _ sse.Recorder = (*Service)(nil)

// RecordCompletion enqueues one completed session for metering.
func (s *Service) RecordCompletion(ctx context.Context, rec sse.CompletionRecord) {
	if s.closed.Load() {
		return
	}

	row := recordRow{
		RequestID:    rec.RequestID,
		ThreadID:     rec.ThreadID,
		ThreadItemID: rec.ThreadItemID,
		Mode:         string(rec.Mode),
		AnswerChars:  rec.AnswerChars,
		DurationMS:   rec.Duration.Milliseconds(),
		Status:       string(rec.Status),
		CompletedAt:  time.Now(),
	}
	if rec.UserID != "" {
		row.UserID = sql.NullString{String: rec.UserID, Valid: true}
	}

	select {
	case s.recordChan <- row:
	default:
		dropped := s.droppedTotal.Add(1)
		metrics.UsageRecordsDropped.Inc()
		s.logger.Warn("usage record dropped, queue full",
			slog.String("request_id", rec.RequestID),
			slog.Int64("dropped_total", dropped))
	}
}

func (s *Service) worker() {
	defer s.workerPool.Done()

	for {
		select {
		case row := <-s.recordChan:
			s.store(row)
		case <-s.shutdown:
			// Drain remaining records before exiting.
			for {
				select {
				case row := <-s.recordChan:
					s.store(row)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) store(row recordRow) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.storage.insertRecord(ctx, row); err != nil {
		s.logger.Error("failed to store usage record",
			slog.String("request_id", row.RequestID),
			slog.String("error", err.Error()))
	}
}

// Shutdown stops accepting records and waits for the workers to drain the
// queue.
func (s *Service) Shutdown() {
	if s.closed.Swap(true) {
		return
	}
	close(s.shutdown)
	s.workerPool.Wait()

	if dropped := s.droppedTotal.Load(); dropped > 0 {
		s.logger.Warn("usage recorder shut down with dropped records",
			slog.Int64("dropped_total", dropped))
	}
}
