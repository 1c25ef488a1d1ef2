package sse

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// QuotaExceededError is raised by workflows when a metered feature runs out
// of quota mid-generation. Feature matches the metered feature identifier
// (e.g. "deep_research", "pro_search").
type QuotaExceededError struct {
	Feature string
	Msg     string
}

func (e *QuotaExceededError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return "quota exceeded for " + e.Feature
}

// Outcome is the classifier's verdict for one failed or cancelled session.
type Outcome struct {
	// Status is the terminal status reported on the wire.
	Status TerminalStatus

	// Message is the user-safe error text carried by the done frame.
	// Never contains raw exception text or internal identifiers.
	Message string

	// SkipEmission indicates the sink is known dead and no frame should be
	// attempted.
	SkipEmission bool

	// LogLevel is the server-side severity for the original error: warn for
	// expected or user-caused failures, error for unexpected ones.
	LogLevel slog.Level

	// Cause names the matched category for logs and metrics.
	Cause string
}

// Keyword tables, matched against the lowercased error text. Order inside
// each table does not matter; order ACROSS categories does, and is fixed by
// Classify. Several categories overlap in keyword space (429 sits in both
// the rate-limit and generic-HTTP buckets), so reordering is a behavior
// change.
var (
	networkKeywords = []string{
		"fetch", "network",
		"econnreset", "connection reset",
		"econnrefused", "connection refused",
		"etimedout",
	}
	rateLimitKeywords = []string{"rate limit", "429", "too many requests"}
	authKeywords      = []string{
		"unauthorized", "invalid api key", "forbidden",
		"api key required", "missing api key", "401", "403",
	}
	serviceKeywords = []string{
		"model not found", "service unavailable", "502", "503", "504",
	}
	quotaKeywords = []string{"vt+ quota exceeded", "quota exceeded for"}
)

// Classify maps a failure (or a cancellation) to exactly one terminal
// outcome. First match wins; a triggered cancellation token always takes
// precedence over any concurrently raised error.
//
// The function is pure so the keyword policy is unit-testable away from the
// SDKs that produce these messages.
func Classify(err error, aborted bool) Outcome {
	// 1. Cancellation wins unconditionally.
	if aborted {
		return Outcome{
			Status:   StatusAborted,
			Message:  "Request was cancelled",
			LogLevel: slog.LevelInfo,
			Cause:    "aborted",
		}
	}

	msg := ""
	if err != nil {
		msg = err.Error()
	}
	lower := strings.ToLower(msg)

	var quotaErr *QuotaExceededError
	isQuota := errors.As(err, &quotaErr)

	var stateErr *StreamStateError
	isStreamState := errors.As(err, &stateErr)

	// 2. Quota exhaustion, with a feature-specific message when the feature
	// shows up in the error text.
	if isQuota || containsAny(lower, quotaKeywords) {
		message := "Quota exceeded. Please check your usage limits."
		switch {
		case strings.Contains(lower, "deep_research"):
			message = "Daily Deep Research limit reached. Try Pro Search or regular chat."
		case strings.Contains(lower, "pro_search"):
			message = "Daily Pro Search limit reached. Try regular chat or Deep Research."
		}
		return Outcome{
			Status:   StatusQuotaExceeded,
			Message:  message + " Your quota will reset tomorrow.",
			LogLevel: slog.LevelWarn,
			Cause:    "quota_exceeded",
		}
	}

	// 3. Network/connection failures.
	if containsAny(lower, networkKeywords) {
		return Outcome{
			Status:   StatusError,
			Message:  "Network connection error. Please check your internet connection and try again.",
			LogLevel: slog.LevelError,
			Cause:    "network",
		}
	}

	// 4. Rate limiting.
	if containsAny(lower, rateLimitKeywords) {
		return Outcome{
			Status:   StatusError,
			Message:  "Rate limit exceeded. Please wait a moment before trying again.",
			LogLevel: slog.LevelWarn,
			Cause:    "rate_limit",
		}
	}

	// 5. Authentication, specialized by sub-case.
	if containsAny(lower, authKeywords) {
		message := "API authentication failed. Please check your API keys in Settings."
		switch {
		case strings.Contains(lower, "missing api key"), strings.Contains(lower, "api key required"):
			message = "API key required for this model. Add your API key in Settings to continue."
		case strings.Contains(lower, "invalid api key"), strings.Contains(lower, "401"):
			message = "Invalid API key. Please verify your API key is correct and has not expired in Settings."
		case strings.Contains(lower, "403"):
			message = "API key does not have permission for this model. Check your account billing status or try a different model."
		}
		return Outcome{
			Status:   StatusError,
			Message:  message,
			LogLevel: slog.LevelError,
			Cause:    "auth",
		}
	}

	// 6. Upstream model/service failures.
	if containsAny(lower, serviceKeywords) {
		return Outcome{
			Status:   StatusError,
			Message:  "AI service temporarily unavailable. Please try a different model or try again later.",
			LogLevel: slog.LevelError,
			Cause:    "upstream_service",
		}
	}

	// 7. Transport-layer state errors that name the stream machinery.
	if isStreamState && (strings.Contains(lower, "stream") || strings.Contains(lower, "controller")) {
		return Outcome{
			Status:   StatusError,
			Message:  "Streaming connection interrupted. Please refresh the page and try again.",
			LogLevel: slog.LevelError,
			Cause:    "stream_transport",
		}
	}

	// 8. Timeouts.
	if strings.Contains(lower, "timeout") || strings.Contains(msg, "TIMEOUT") ||
		errors.Is(err, context.DeadlineExceeded) {
		return Outcome{
			Status:   StatusError,
			Message:  "Request timed out. Please try again with a shorter prompt or different model.",
			LogLevel: slog.LevelWarn,
			Cause:    "timeout",
		}
	}

	// 9. Known runtime-compatibility quirk.
	if strings.Contains(lower, "unref") {
		return Outcome{
			Status:   StatusError,
			Message:  "Runtime compatibility issue detected. Please refresh the page and try again.",
			LogLevel: slog.LevelWarn,
			Cause:    "runtime_compat",
		}
	}

	// 10. Writes against an already-closed sink: the client is gone, there
	// is nothing to emit to.
	if isStreamState && (strings.Contains(lower, "enqueue") || strings.Contains(lower, "closed")) {
		return Outcome{
			Status:       StatusAborted,
			Message:      "Connection closed by client",
			SkipEmission: true,
			LogLevel:     slog.LevelInfo,
			Cause:        "sink_closed",
		}
	}

	// 11. Fallback. Full detail stays in server logs.
	return Outcome{
		Status:   StatusError,
		Message:  "An unexpected error occurred. Please try again or contact support if the issue persists.",
		LogLevel: slog.LevelError,
		Cause:    "unknown",
	}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
