package sse

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/vtlabs/completion-gateway/internal/logger"
	"github.com/vtlabs/completion-gateway/internal/metrics"
)

// Heartbeat writes protocol comment frames at a jittered interval to keep
// proxies and browsers from timing out an idle connection. The jitter keeps
// many concurrent sessions from waking in lockstep.
//
// A failed heartbeat write is the primary leak-prevention signal for
// silently dropped connections: the scheduler marks the sink closed, cancels
// the session so the workflow stops doing wasted work, and unregisters the
// session — all exactly once.
type Heartbeat struct {
	sink     Sink
	interval time.Duration
	jitter   time.Duration
	onDead   func()
	logger   *logger.Logger

	stop     chan struct{}
	stopOnce sync.Once
	deadOnce sync.Once
	done     chan struct{}
}

// NewHeartbeat creates a heartbeat scheduler for one session's sink.
// onDead runs exactly once if a heartbeat write ever fails.
func NewHeartbeat(sink Sink, interval, jitter time.Duration, onDead func(), log *logger.Logger) *Heartbeat {
	return &Heartbeat{
		sink:     sink,
		interval: interval,
		jitter:   jitter,
		onDead:   onDead,
		logger:   log.WithComponent("heartbeat"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start arms the first timer and begins the tick loop in a goroutine.
func (h *Heartbeat) Start() {
	go h.run()
}

// Stop halts the tick loop and waits for it to exit. Safe to call multiple
// times and safe to call concurrently with a failing tick.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)
	})
	<-h.done
}

func (h *Heartbeat) run() {
	defer close(h.done)

	timer := time.NewTimer(h.nextInterval())
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			if err := h.sink.WriteComment("heartbeat"); err != nil {
				h.logger.Info("heartbeat write failed, client gone",
					slog.String("error", err.Error()))
				h.sink.MarkClosed()
				h.deadOnce.Do(h.onDead)
				return
			}
			metrics.HeartbeatsTotal.Inc()
			timer.Reset(h.nextInterval())

		case <-h.stop:
			return
		}
	}
}

// nextInterval returns the base interval plus uniform jitter in [0, jitter).
func (h *Heartbeat) nextInterval() time.Duration {
	if h.jitter <= 0 {
		return h.interval
	}
	return h.interval + time.Duration(rand.Int63n(int64(h.jitter)))
}
