package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/insight-agent/server/internal/agent/model"
	"github.com/insight-agent/server/internal/agent/pipeline"
	errx "github.com/insight-agent/server/internal/core/error"
	"github.com/insight-agent/server/internal/store/cachestore"
	"github.com/insight-agent/server/internal/store/convstore"
	logx "github.com/insight-agent/server/pkg/logger"
)

// DatasetLister enumerates warehouse datasets for the catalog endpoint.
type DatasetLister interface {
	ListDatasets(ctx context.Context, limit int) ([]model.DatasetInfo, error)
}

// Handler exposes the pipeline and stores over HTTP.
type Handler struct {
	orchestrator  *pipeline.Orchestrator
	conversations *convstore.Store
	cache         *cachestore.Store
	datasets      DatasetLister
}

func NewHandler(orchestrator *pipeline.Orchestrator, conversations *convstore.Store, cache *cachestore.Store, datasets DatasetLister) *Handler {
	return &Handler{
		orchestrator:  orchestrator,
		conversations: conversations,
		cache:         cache,
		datasets:      datasets,
	}
}

// QueryRequest is the body for both query endpoints.
type QueryRequest struct {
	Query          string `json:"query" binding:"required"`
	OwnerID        string `json:"owner_id" binding:"required"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Query runs one turn in blocking mode.
func (h *Handler) Query(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	completion, err := h.orchestrator.Run(c.Request.Context(), model.QueryInput{
		ConversationID: req.ConversationID,
		OwnerID:        req.OwnerID,
		Query:          req.Query,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, completion)
}

// QueryStream runs one turn and streams its events as SSE. Each pipeline
// stage produces a step_update event; the stream terminates with exactly one
// complete or error event.
func (h *Handler) QueryStream(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	events := h.orchestrator.Stream(c.Request.Context(), model.QueryInput{
		ConversationID: req.ConversationID,
		OwnerID:        req.OwnerID,
		Query:          req.Query,
	})

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		ev, ok := <-events
		if !ok {
			return false
		}
		c.SSEvent(string(ev.Kind), ev)
		return true
	})
}

// ListConversations returns the owner's non-deleted conversations.
func (h *Handler) ListConversations(c *gin.Context) {
	ownerID := c.Query("owner_id")
	if ownerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "owner_id is required"})
		return
	}

	summaries, err := h.conversations.ListConversations(c.Request.Context(), ownerID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": summaries})
}

// GetHistory returns a conversation's messages in chronological order.
func (h *Handler) GetHistory(c *gin.Context) {
	conversationID := c.Param("id")

	limit := 0
	if v, ok := c.GetQuery("limit"); ok {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = parsed
	}

	history, err := h.conversations.GetHistory(c.Request.Context(), conversationID, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": conversationID, "messages": history})
}

// DeleteConversation soft-deletes a conversation.
func (h *Handler) DeleteConversation(c *gin.Context) {
	conversationID := c.Param("id")
	if err := h.conversations.SoftDelete(c.Request.Context(), conversationID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": conversationID, "deleted": true})
}

// ListDatasets returns the warehouse dataset catalog.
func (h *Handler) ListDatasets(c *gin.Context) {
	limit := 50
	if v, ok := c.GetQuery("limit"); ok {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	datasets, err := h.datasets.ListDatasets(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"datasets": datasets})
}

// CacheStats reports aggregate cache metrics.
func (h *Handler) CacheStats(c *gin.Context) {
	stats, err := h.cache.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// CacheSweep removes expired cache entries.
func (h *Handler) CacheSweep(c *gin.Context) {
	removed, err := h.cache.SweepExpired(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// Health is the liveness probe.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// fail maps an error chain to its HTTP status and safe message.
func (h *Handler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var appErr *errx.AppError
	if errors.As(err, &appErr) && appErr.Status != 0 {
		status = appErr.Status
	}

	logx.Error().Err(err).Int("status", status).Str("path", c.FullPath()).Msg("request failed")
	c.JSON(status, gin.H{
		"error":      errx.UserMessage(err),
		"error_kind": string(errx.KindOf(err)),
	})
}
