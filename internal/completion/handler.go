// Package completion exposes the HTTP surface for completion streaming:
// starting a stream, aborting one, and listing active sessions.
package completion

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/vtlabs/completion-gateway/internal/distributed"
	"github.com/vtlabs/completion-gateway/internal/logger"
	"github.com/vtlabs/completion-gateway/internal/sse"
)

// Handler wires the streaming endpoints to the orchestrator and registry.
type Handler struct {
	orchestrator *sse.Orchestrator
	registry     *sse.Registry
	distributed  *distributed.AbortService // nil when NATS is not configured
	logger       *logger.Logger

	maxIterationsCap  int
	defaultIterations int
}

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	Orchestrator      *sse.Orchestrator
	Registry          *sse.Registry
	Distributed       *distributed.AbortService
	MaxIterationsCap  int
	DefaultIterations int
}

// NewHandler creates the completion HTTP handler.
func NewHandler(opts HandlerOptions, log *logger.Logger) *Handler {
	return &Handler{
		orchestrator:      opts.Orchestrator,
		registry:          opts.Registry,
		distributed:       opts.Distributed,
		logger:            log.WithComponent("completion-handler"),
		maxIterationsCap:  opts.MaxIterationsCap,
		defaultIterations: opts.DefaultIterations,
	}
}

// RegisterRoutes mounts the completion endpoints on the given router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/completion", h.Stream)
	rg.POST("/completion/abort", h.Abort)
	rg.GET("/streams", h.ActiveStreams)
}

// Stream handles POST /completion: validates the request, switches the
// response to SSE and runs the session to termination. The handler returns
// only after the stream is closed.
func (h *Handler) Stream(c *gin.Context) {
	var req sse.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	if !req.Mode.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid mode: " + string(req.Mode)})
		return
	}

	// Iteration bounds are enforced server-side regardless of what the
	// client asked for.
	if req.MaxIterations <= 0 {
		req.MaxIterations = h.defaultIterations
	}
	if h.maxIterationsCap > 0 && req.MaxIterations > h.maxIterationsCap {
		req.MaxIterations = h.maxIterationsCap
	}

	// Identity and geo come from the edge, never from the body.
	req.UserID = c.GetHeader("X-User-ID")
	if country := c.GetHeader("X-Geo-Country"); country != "" {
		req.Geo = &sse.Geo{
			Country: country,
			City:    c.GetHeader("X-Geo-City"),
		}
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		h.logger.Error("response writer doesn't support flushing")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache, no-transform")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // Disable nginx buffering
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := sse.NewHTTPSink(c.Writer, flusher)
	requestID := h.orchestrator.Run(c.Request.Context(), sink, &req)

	h.logger.Debug("completion request finished",
		slog.String("request_id", requestID),
		slog.String("thread_id", req.ThreadID))
}

// abortRequest identifies the session to abort. Exactly one of the two ids
// must be set.
type abortRequest struct {
	RequestID string `json:"requestId,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
}

// Abort handles POST /completion/abort. Responds 204 when a session was
// found and its cancellation token triggered, 404 when no matching session
// exists anywhere, 400 on a malformed request.
func (h *Handler) Abort(c *gin.Context) {
	var req abortRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	if req.RequestID == "" && req.ThreadID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "requestId or threadId is required"})
		return
	}

	log := h.logger.WithContext(c.Request.Context())

	var found bool
	if req.RequestID != "" {
		found = h.registry.Abort(req.RequestID)
	} else {
		found = h.registry.AbortByThread(req.ThreadID)
	}

	// Not local; maybe another instance owns the session.
	if !found && h.distributed != nil {
		remote, err := h.distributed.RequestAbort(c.Request.Context(), req.RequestID, req.ThreadID)
		if err != nil {
			log.Error("distributed abort failed",
				slog.String("request_id", req.RequestID),
				slog.String("thread_id", req.ThreadID),
				slog.String("error", err.Error()))
		}
		found = remote
	}

	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active stream found"})
		return
	}

	log.Info("stream aborted",
		slog.String("request_id", req.RequestID),
		slog.String("thread_id", req.ThreadID))
	c.Status(http.StatusNoContent)
}

// ActiveStreams handles GET /streams, listing registered sessions on this
// instance.
func (h *Handler) ActiveStreams(c *gin.Context) {
	infos := h.registry.Infos()
	c.JSON(http.StatusOK, gin.H{
		"count":   len(infos),
		"streams": infos,
	})
}
