// Package distributed propagates stream abort requests across gateway
// instances over NATS.
package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/vtlabs/completion-gateway/internal/logger"
	"github.com/vtlabs/completion-gateway/internal/sse"
)

const (
	// NATS subject for stream abort requests.
	streamAbortSubject = "stream.abort"

	// Timeout for distributed abort requests.
	distributedAbortTimeout = 5 * time.Second
)

// AbortRequest is a cross-instance abort, keyed by request id or thread id.
type AbortRequest struct {
	RequestID string `json:"request_id,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
}

// AbortResponse is the result reported by the owning instance.
type AbortResponse struct {
	Found      bool   `json:"found"`
	InstanceID string `json:"instance_id"`
}

// AbortService handles cross-instance stream aborts via NATS request-reply.
//
// Streaming sessions live in the memory of the instance that accepted the
// request. When an abort arrives at a different instance, the abort is
// broadcast on the abort subject; only the instance that finds the session
// locally replies, everyone else stays silent.
type AbortService struct {
	nc           *nats.Conn
	registry     *sse.Registry
	logger       *logger.Logger
	instanceID   string
	subscription *nats.Subscription
}

// NewAbortService creates the service. Returns nil when no NATS connection
// is configured; callers treat a nil service as local-only aborts.
func NewAbortService(nc *nats.Conn, registry *sse.Registry, log *logger.Logger) *AbortService {
	if nc == nil {
		return nil
	}

	return &AbortService{
		nc:         nc,
		registry:   registry,
		logger:     log.WithComponent("distributed-abort"),
		instanceID: logger.GetInstanceID(),
	}
}

// Start begins listening for abort requests from other instances.
func (s *AbortService) Start() error {
	sub, err := s.nc.Subscribe(streamAbortSubject, s.handleAbortRequest)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", streamAbortSubject, err)
	}

	s.subscription = sub
	s.logger.Info("distributed abort service started",
		slog.String("subject", streamAbortSubject),
		slog.String("instance_id", s.instanceID))
	return nil
}

// Stop drains the subscription.
func (s *AbortService) Stop() error {
	if s.subscription != nil {
		if err := s.subscription.Drain(); err != nil {
			return fmt.Errorf("failed to drain subscription: %w", err)
		}
	}
	s.logger.Info("distributed abort service stopped")
	return nil
}

// RequestAbort broadcasts an abort and waits for the owning instance.
// Returns whether any instance found and aborted a session.
func (s *AbortService) RequestAbort(ctx context.Context, requestID, threadID string) (bool, error) {
	req := AbortRequest{RequestID: requestID, ThreadID: threadID}

	data, err := json.Marshal(req)
	if err != nil {
		return false, fmt.Errorf("failed to marshal abort request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, distributedAbortTimeout)
	defer cancel()

	msg, err := s.nc.RequestWithContext(reqCtx, streamAbortSubject, data)
	if err != nil {
		// No subscribers, or no instance owns the session.
		if errors.Is(err, nats.ErrNoResponders) ||
			errors.Is(err, nats.ErrTimeout) ||
			errors.Is(err, context.DeadlineExceeded) {
			return false, nil
		}
		if errors.Is(err, context.Canceled) {
			return false, err
		}
		return false, fmt.Errorf("abort request failed: %w", err)
	}

	var resp AbortResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return false, fmt.Errorf("failed to unmarshal abort response: %w", err)
	}

	s.logger.Info("distributed abort answered",
		slog.String("owner_instance", resp.InstanceID),
		slog.Bool("found", resp.Found))
	return resp.Found, nil
}

// handleAbortRequest processes aborts published by other instances. Replies
// only when the session is owned locally, so the owning instance's answer is
// the one the requester receives.
func (s *AbortService) handleAbortRequest(msg *nats.Msg) {
	var req AbortRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("received invalid abort request", slog.String("error", err.Error()))
		return
	}

	found := false
	switch {
	case req.RequestID != "":
		found = s.registry.Abort(req.RequestID)
	case req.ThreadID != "":
		found = s.registry.AbortByThread(req.ThreadID)
	}

	if !found {
		// Not ours; stay silent so the owning instance can reply.
		return
	}

	data, err := json.Marshal(AbortResponse{Found: true, InstanceID: s.instanceID})
	if err != nil {
		s.logger.Error("failed to marshal abort response", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Error("failed to send abort response", slog.String("error", err.Error()))
	}

	s.logger.Info("processed distributed abort",
		slog.String("request_id", req.RequestID),
		slog.String("thread_id", req.ThreadID))
}
