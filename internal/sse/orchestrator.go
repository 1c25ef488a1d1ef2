package sse

import (
	"context"
	"log/slog"
	"time"

	"github.com/vtlabs/completion-gateway/internal/logger"
	"github.com/vtlabs/completion-gateway/internal/metrics"
)

// streamState tracks a session's position in its one-directional lifecycle.
// No state is ever revisited.
type streamState int

const (
	stateIdle streamState = iota
	stateStarting
	stateStreaming
	stateDraining
	stateClosed
)

func (s streamState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateStarting:
		return "starting"
	case stateStreaming:
		return "streaming"
	case stateDraining:
		return "draining"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// Orchestrator drives one streaming session end to end: it registers the
// session, starts the generation workflow, forwards workflow events through
// the framer, runs the heartbeat concurrently, computes exactly one terminal
// outcome, and guarantees registry/timer cleanup on every exit path.
//
// Nothing escapes Run: every failure, however caused, is caught, classified,
// optionally framed to the client, logged, and converted into a clean exit.
type Orchestrator struct {
	registry *Registry
	framer   *Framer
	workflow Workflow
	recorder Recorder // optional
	logger   *logger.Logger

	heartbeatInterval time.Duration
	heartbeatJitter   time.Duration
}

// OrchestratorOptions configures an Orchestrator.
type OrchestratorOptions struct {
	Registry          *Registry
	Workflow          Workflow
	Recorder          Recorder // may be nil
	HeartbeatInterval time.Duration
	HeartbeatJitter   time.Duration
}

// NewOrchestrator creates an orchestrator. Zero heartbeat durations fall
// back to the recommended 7s base with 1s jitter.
func NewOrchestrator(opts OrchestratorOptions, log *logger.Logger) *Orchestrator {
	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = 7 * time.Second
	}
	jitter := opts.HeartbeatJitter
	if jitter < 0 {
		jitter = 0
	}

	return &Orchestrator{
		registry:          opts.Registry,
		framer:            NewFramer(log),
		workflow:          opts.Workflow,
		recorder:          opts.Recorder,
		logger:            log.WithComponent("stream-orchestrator"),
		heartbeatInterval: interval,
		heartbeatJitter:   jitter,
	}
}

// Run executes one session against the given sink. ctx is the inbound
// request context; its cancellation (client disconnect) triggers the
// session's cancellation token, as do the abort endpoint and a failed
// heartbeat write. Run returns the session's request id once the session
// reaches its closed state.
func (o *Orchestrator) Run(ctx context.Context, sink Sink, req *Request) string {
	requestID := logger.GenerateRequestID()

	lctx := logger.WithRequestID(ctx, requestID)
	lctx = logger.WithUserID(lctx, req.UserID)
	lctx = logger.WithThreadID(lctx, req.ThreadID)
	log := o.logger.WithContext(lctx)

	state := stateIdle
	advance := func(next streamState) {
		log.Debug("stream state transition",
			slog.String("from", state.String()),
			slog.String("to", next.String()))
		state = next
	}

	// Idle -> Starting: allocate the cancellation token and register.
	session := NewSession(ctx, requestID, req.UserID, req.ThreadID)
	o.registry.Register(session)
	advance(stateStarting)

	heartbeat := NewHeartbeat(sink, o.heartbeatInterval, o.heartbeatJitter, func() {
		session.Cancel()
		o.registry.Unregister(requestID)
	}, o.logger)

	// Draining -> Closed runs unconditionally, even if every prior step
	// failed. The heartbeat stop, registry removal and token trigger are all
	// idempotent, so racing the heartbeat's own dead-sink cleanup is safe.
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in stream orchestrator", slog.Any("panic", r))
		}
		heartbeat.Stop()
		o.registry.Unregister(requestID)
		session.Cancel()
		sink.MarkClosed()
		advance(stateClosed)
		log.Debug("session closed", slog.Duration("duration", time.Since(session.StartTime)))
	}()

	heartbeat.Start()

	events, wait := o.workflow.Run(session.Context(), req)
	advance(stateStreaming)
	log.Info("stream started", slog.String("mode", string(req.Mode)))

	acc := NewAccumulator()

	// Forward workflow events in production order. After any suspension
	// point the session's liveness is re-checked before further work; once
	// the token is triggered, remaining events are discarded so the channel
	// drains and the workflow can settle.
	for ev := range events {
		if session.Aborted() || sink.Closed() {
			continue
		}

		if ev.Kind == EventAnswer {
			switch p := ev.Payload.(type) {
			case AnswerPayload:
				acc.Append(req.ThreadItemID, p.Text)
			case *AnswerPayload:
				if p != nil {
					acc.Append(req.ThreadItemID, p.Text)
				}
			}
		}

		if err := o.framer.Send(sink, o.wireFrame(req, ev)); err != nil {
			log.Info("event write failed, cancelling session",
				slog.String("event", string(ev.Kind)),
				slog.String("error", err.Error()))
			session.Cancel()
		}
	}

	werr := wait()

	// Streaming -> Draining: compute exactly one terminal outcome.
	advance(stateDraining)

	// Stop the heartbeat before the terminal frame so nothing is written
	// after the done frame.
	heartbeat.Stop()

	if werr == nil && !session.Aborted() {
		o.finish(lctx, sink, req, Outcome{
			Status:   StatusComplete,
			LogLevel: slog.LevelInfo,
			Cause:    "complete",
		})
		if o.recorder != nil {
			o.recorder.RecordCompletion(context.Background(), CompletionRecord{
				RequestID:    requestID,
				UserID:       req.UserID,
				ThreadID:     req.ThreadID,
				ThreadItemID: req.ThreadItemID,
				Mode:         req.Mode,
				AnswerChars:  acc.TotalChars(),
				Duration:     time.Since(session.StartTime),
				Status:       StatusComplete,
			})
		}
		return requestID
	}

	outcome := Classify(werr, session.Aborted())
	log.Log(lctx, outcome.LogLevel, "stream settled with failure",
		slog.String("cause", outcome.Cause),
		slog.String("status", string(outcome.Status)),
		slog.Any("error", werr))
	o.finish(lctx, sink, req, outcome)
	return requestID
}

// finish writes the terminal done frame when the sink still accepts writes.
// A failed terminal write is an expected race against a disconnecting
// client, not a bug.
func (o *Orchestrator) finish(ctx context.Context, sink Sink, req *Request, outcome Outcome) {
	metrics.SessionsTotal.WithLabelValues(string(outcome.Status)).Inc()

	if outcome.SkipEmission || sink.Closed() {
		o.logger.WithContext(ctx).Info("terminal frame skipped, sink closed",
			slog.String("status", string(outcome.Status)))
		return
	}

	frame := map[string]any{
		"type":               string(EventDone),
		"status":             string(outcome.Status),
		"threadId":           req.ThreadID,
		"threadItemId":       req.ThreadItemID,
		"parentThreadItemId": req.ParentThreadItemID,
	}
	if outcome.Message != "" && outcome.Status != StatusComplete {
		frame["error"] = outcome.Message
	}

	if err := o.framer.Send(sink, frame); err != nil {
		o.logger.WithContext(ctx).Info("terminal frame dropped, sink already closed",
			slog.String("status", string(outcome.Status)),
			slog.String("error", err.Error()))
	}
}

// wireFrame builds the data payload for one workflow event. Every frame
// carries the discriminator and the correlation ids; the kind-specific
// payload sits under the kind's own key.
func (o *Orchestrator) wireFrame(req *Request, ev Event) map[string]any {
	frame := map[string]any{
		"type":               string(ev.Kind),
		"threadId":           req.ThreadID,
		"threadItemId":       req.ThreadItemID,
		"parentThreadItemId": req.ParentThreadItemID,
		"query":              req.Prompt,
		"mode":               string(req.Mode),
	}
	if ev.Payload != nil {
		frame[string(ev.Kind)] = ev.Payload
	}
	return frame
}
