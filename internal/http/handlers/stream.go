package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	types "github.com/yungbote/relaychat-backend/internal/domain/chat"
	"github.com/yungbote/relaychat-backend/internal/http/response"
	"github.com/yungbote/relaychat-backend/internal/pkg/dbctx"
	"github.com/yungbote/relaychat-backend/internal/pkg/logger"
	"github.com/yungbote/relaychat-backend/internal/services"
	"github.com/yungbote/relaychat-backend/internal/stream"
)

// StreamHandler serves the live generation stream and its resume counterpart.
// Both endpoints speak the same SSE wire format and both replay from fragment
// zero, so a reconnecting client renders the identical final text.
type StreamHandler struct {
	log    *logger.Logger
	chat   services.ChatService
	tailer *stream.Tailer

	HeartbeatInterval time.Duration
}

func NewStreamHandler(log *logger.Logger, chat services.ChatService, tailer *stream.Tailer) *StreamHandler {
	return &StreamHandler{
		log:               log.With("handler", "StreamHandler"),
		chat:              chat,
		tailer:            tailer,
		HeartbeatInterval: 15 * time.Second,
	}
}

type startStreamReq struct {
	ThreadID    uuid.UUID `json:"thread_id" binding:"required"`
	Content     string    `json:"content" binding:"required"`
	Model       string    `json:"model"`
	Temperature *float64  `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

// POST /api/chat/stream
//
// Accepts the user message, starts generation, and streams the assistant
// response. All validation and the rate limit verdict happen before the
// response switches to text/event-stream.
func (h *StreamHandler) StartStream(c *gin.Context) {
	var req startStreamReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	dbc := dbctx.Context{Ctx: c.Request.Context()}
	task, err := h.chat.StartGeneration(dbc, req.ThreadID, services.StartGenerationParams{
		Content:     req.Content,
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		var rle *services.RateLimitError
		if errors.As(err, &rle) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{
					"message":          rle.Error(),
					"code":             "rate_limited",
					"upgrade_required": rle.Decision.UpgradeRequired,
				},
			})
			return
		}
		response.RespondServiceError(c, err)
		return
	}

	h.serveStream(c, task)
}

// GET /api/chat/threads/:id/resume?task_id=...
//
// Re-attaches a consumer to an existing task. Completed and failed tasks
// replay in full and then finish; in-flight tasks replay then go live.
func (h *StreamHandler) Resume(c *gin.Context) {
	threadID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_thread_id", err)
		return
	}
	taskID, err := uuid.Parse(c.Query("task_id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_task_id", err)
		return
	}

	dbc := dbctx.Context{Ctx: c.Request.Context()}
	task, err := h.chat.ResumeTask(dbc, threadID, taskID)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}

	h.serveStream(c, task)
}

func (h *StreamHandler) serveStream(c *gin.Context, task *types.GenerationTask) {
	log := h.log.With("task_id", task.ID.String())

	sse, err := stream.NewSSEWriter(c.Writer)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "streaming_unsupported", err)
		return
	}

	// Attach/detach run on a fresh context: the request context is already
	// canceled by the time the client is gone.
	h.chat.ConsumerAttached(c.Request.Context(), task.ID)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.chat.ConsumerDetached(ctx, task.ID)
	}()

	// The tailer and the heartbeat both write to the response.
	var mu sync.Mutex
	emit := func(ev types.StreamEvent) error {
		mu.Lock()
		defer mu.Unlock()
		return sse.WriteEvent(ev)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(h.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				mu.Lock()
				sse.Ping()
				mu.Unlock()
			}
		}
	}()

	err = h.tailer.Tail(c.Request.Context(), task.ID, h.chat.TaskState(task.ID), emit)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		log.Debug("stream consumer disconnected")
	default:
		log.Warn("stream tail ended with error", "error", err)
	}
}
