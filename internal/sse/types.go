package sse

import (
	"context"
	"time"
)

// EventKind discriminates the typed events a generation workflow emits.
// The kind doubles as the SSE event name and as the payload key inside the
// data frame, so clients can switch on a single field.
type EventKind string

const (
	EventSteps       EventKind = "steps"
	EventSources     EventKind = "sources"
	EventAnswer      EventKind = "answer"
	EventToolCall    EventKind = "toolCall"
	EventToolResult  EventKind = "toolResult"
	EventObject      EventKind = "object"
	EventSuggestions EventKind = "suggestions"
	EventStatus      EventKind = "status"
	EventError       EventKind = "error"

	// EventDone is the terminal frame. It is synthesized by the orchestrator,
	// never emitted by a workflow.
	EventDone EventKind = "done"
)

// Event is one typed message produced by a generation workflow.
//
// Answer events carry cumulative-by-append deltas: each delta's text is
// concatenated onto prior deltas for the same thread item.
type Event struct {
	Kind    EventKind
	Payload any
}

// AnswerPayload is the payload of an EventAnswer delta.
type AnswerPayload struct {
	Text   string `json:"text"`
	Status string `json:"status,omitempty"`
}

// TerminalStatus is the final status reported for a session, carried in the
// done frame's status field. Exactly one terminal status exists per session.
type TerminalStatus string

const (
	StatusComplete      TerminalStatus = "complete"
	StatusAborted       TerminalStatus = "aborted"
	StatusError         TerminalStatus = "error"
	StatusQuotaExceeded TerminalStatus = "quota_exceeded"
)

// Mode selects the generation mode for a request.
type Mode string

const (
	ModeChat Mode = "chat"
	ModePro  Mode = "pro"
	ModeDeep Mode = "deep"
)

// Valid reports whether the mode is one of the known generation modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeChat, ModePro, ModeDeep:
		return true
	}
	return false
}

// Message is one turn of prior conversation history.
type Message struct {
	Role    string `json:"role" binding:"required"`
	Content string `json:"content" binding:"required"`
}

// ThinkingMode configures reasoning effort for models that support it.
type ThinkingMode struct {
	Enabled         bool `json:"enabled"`
	Budget          int  `json:"budget"`
	IncludeThoughts bool `json:"includeThoughts"`
}

// Geo is edge-supplied geolocation metadata, passed through to the workflow
// unchanged. The core never inspects it.
type Geo struct {
	Country string `json:"country,omitempty"`
	City    string `json:"city,omitempty"`
}

// Request is the descriptor for one accepted completion request.
// Validation happens at the HTTP layer before a session is created.
type Request struct {
	Prompt             string            `json:"prompt" binding:"required"`
	ThreadID           string            `json:"threadId" binding:"required"`
	ThreadItemID       string            `json:"threadItemId" binding:"required"`
	ParentThreadItemID string            `json:"parentThreadItemId,omitempty"`
	Mode               Mode              `json:"mode" binding:"required"`
	Messages           []Message         `json:"messages,omitempty"`
	WebSearch          bool              `json:"webSearch,omitempty"`
	MathCalculator     bool              `json:"mathCalculator,omitempty"`
	ThinkingMode       *ThinkingMode     `json:"thinkingMode,omitempty"`
	APIKeys            map[string]string `json:"apiKeys,omitempty"`
	MaxIterations      int               `json:"maxIterations,omitempty"`

	// Set server-side, never from the request body.
	UserID string `json:"-"`
	Geo    *Geo   `json:"-"`
}

// WaitFunc reports the terminal error of a workflow after its event channel
// has been drained. A nil return means the workflow settled successfully.
type WaitFunc func() error

// Workflow is the generation collaborator the orchestrator drives.
//
// Run starts the multi-step generation task. The returned channel yields zero
// or more events and is closed when the workflow settles; the WaitFunc then
// reports how it settled. Implementations must stop producing events promptly
// once ctx is cancelled.
type Workflow interface {
	Run(ctx context.Context, req *Request) (<-chan Event, WaitFunc)
}

// WorkflowFunc adapts a function to the Workflow interface.
type WorkflowFunc func(ctx context.Context, req *Request) (<-chan Event, WaitFunc)

func (f WorkflowFunc) Run(ctx context.Context, req *Request) (<-chan Event, WaitFunc) {
	return f(ctx, req)
}

// CompletionRecord summarizes a successfully completed session for the usage
// recorder collaborator.
type CompletionRecord struct {
	RequestID    string
	UserID       string
	ThreadID     string
	ThreadItemID string
	Mode         Mode
	AnswerChars  int
	Duration     time.Duration
	Status       TerminalStatus
}

// Recorder is invoked once per session that reaches a complete outcome.
// Implementations must not block the streaming path.
type Recorder interface {
	RecordCompletion(ctx context.Context, rec CompletionRecord)
}

// StreamInfo provides metadata about one registered session.
// Used for observability and the streams listing endpoint.
type StreamInfo struct {
	RequestID string    `json:"request_id"`
	UserID    string    `json:"user_id,omitempty"`
	ThreadID  string    `json:"thread_id,omitempty"`
	StartTime time.Time `json:"start_time"`
	Age       string    `json:"age"`
}
