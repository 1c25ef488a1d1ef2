package sse

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vtlabs/completion-gateway/internal/logger"
	"github.com/vtlabs/completion-gateway/internal/metrics"
)

// Session represents one in-flight streaming response, from request
// acceptance to sink close. A session never outlives its sink: registry
// membership and cancellation-token lifetime are identical.
type Session struct {
	RequestID string
	UserID    string
	ThreadID  string
	StartTime time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSession creates a session whose cancellation token derives from parent.
// Cancelling the parent (e.g. the HTTP request context when the client
// disconnects) cancels the session.
func NewSession(parent context.Context, requestID, userID, threadID string) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		RequestID: requestID,
		UserID:    userID,
		ThreadID:  threadID,
		StartTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Context returns the session's cancellation token for listeners.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Cancel triggers the cancellation token. Idempotent: the token tolerates
// multiple trigger attempts from independent sources (client disconnect,
// abort endpoint, heartbeat write failure) — whichever fires first wins.
func (s *Session) Cancel() {
	s.cancel()
}

// Aborted reports whether the cancellation token has been triggered.
func (s *Session) Aborted() bool {
	return s.ctx.Err() != nil
}

// Info returns observability metadata for this session.
func (s *Session) Info() StreamInfo {
	return StreamInfo{
		RequestID: s.RequestID,
		UserID:    s.UserID,
		ThreadID:  s.ThreadID,
		StartTime: s.StartTime,
		Age:       time.Since(s.StartTime).Round(time.Millisecond).String(),
	}
}

// Registry tracks every in-flight session in this process, keyed by request
// ID. It exists for leak prevention and out-of-band cancellation: a client
// that lost its direct reference to a stream (page reload) can still abort
// it by id, and a janitor can sweep sessions whose cleanup path never ran.
//
// The registry is in-memory and rebuilt empty on restart; sessions are tied
// to a live sink that cannot survive a restart anyway. All methods are safe
// for concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	logger   *logger.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   log.WithComponent("stream-registry"),
	}
}

// Register inserts a session. Overwriting an existing request ID is allowed
// but should not occur under correct use, so it is logged loudly.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	if prev, exists := r.sessions[s.RequestID]; exists {
		r.logger.Error("registering over a live session, cancelling the old one",
			slog.String("request_id", s.RequestID),
			slog.String("thread_id", prev.ThreadID))
		prev.Cancel()
	}
	r.sessions[s.RequestID] = s
	n := len(r.sessions)
	r.mu.Unlock()

	metrics.ActiveSessions.Set(float64(n))
	r.logger.Debug("session registered",
		slog.String("request_id", s.RequestID),
		slog.String("thread_id", s.ThreadID),
		slog.Int("active", n))
}

// Unregister removes a session by id. Idempotent: removing an absent id is a
// no-op, not an error.
func (r *Registry) Unregister(requestID string) {
	r.mu.Lock()
	_, exists := r.sessions[requestID]
	if exists {
		delete(r.sessions, requestID)
	}
	n := len(r.sessions)
	r.mu.Unlock()

	if exists {
		metrics.ActiveSessions.Set(float64(n))
		r.logger.Debug("session unregistered",
			slog.String("request_id", requestID),
			slog.Int("active", n))
	}
}

// Abort triggers the session's cancellation token and unregisters it.
// Returns whether a session was found. Safe to call repeatedly; after the
// first success subsequent calls report false.
func (r *Registry) Abort(requestID string) bool {
	r.mu.Lock()
	s, exists := r.sessions[requestID]
	if exists {
		delete(r.sessions, requestID)
	}
	n := len(r.sessions)
	r.mu.Unlock()

	if !exists {
		return false
	}

	s.Cancel()
	metrics.ActiveSessions.Set(float64(n))
	r.logger.Info("session aborted by request id",
		slog.String("request_id", requestID),
		slog.String("thread_id", s.ThreadID))
	return true
}

// AbortByThread aborts every session attached to a thread. Returns whether
// any session was found. Used by the abort endpoint when the client only
// knows its thread id.
func (r *Registry) AbortByThread(threadID string) bool {
	r.mu.Lock()
	var matched []*Session
	for id, s := range r.sessions {
		if s.ThreadID == threadID {
			matched = append(matched, s)
			delete(r.sessions, id)
		}
	}
	n := len(r.sessions)
	r.mu.Unlock()

	if len(matched) == 0 {
		return false
	}

	for _, s := range matched {
		s.Cancel()
	}
	metrics.ActiveSessions.Set(float64(n))
	r.logger.Info("sessions aborted by thread id",
		slog.String("thread_id", threadID),
		slog.Int("count", len(matched)))
	return true
}

// SweepStale cancels and removes every session older than maxAge. Returns
// the number of sessions swept. Bounds memory from sessions whose cleanup
// path never ran.
func (r *Registry) SweepStale(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	var stale []*Session
	for id, s := range r.sessions {
		if s.StartTime.Before(cutoff) {
			stale = append(stale, s)
			delete(r.sessions, id)
		}
	}
	n := len(r.sessions)
	r.mu.Unlock()

	for _, s := range stale {
		s.Cancel()
		r.logger.Warn("swept stale session",
			slog.String("request_id", s.RequestID),
			slog.String("thread_id", s.ThreadID),
			slog.Duration("age", time.Since(s.StartTime)))
	}

	if len(stale) > 0 {
		metrics.ActiveSessions.Set(float64(n))
		metrics.StaleSessionsSwept.Add(float64(len(stale)))
	}
	return len(stale)
}

// AbortAll cancels and clears every session. Emergency drain for process
// shutdown.
func (r *Registry) AbortAll() int {
	r.mu.Lock()
	drained := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		drained = append(drained, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range drained {
		s.Cancel()
	}

	metrics.ActiveSessions.Set(0)
	if len(drained) > 0 {
		r.logger.Info("aborted all sessions", slog.Int("count", len(drained)))
	}
	return len(drained)
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Infos returns metadata for every registered session.
func (r *Registry) Infos() []StreamInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]StreamInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, s.Info())
	}
	return infos
}
