package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"mrpilot.dev/pipeline/internal/http/dto"
	"mrpilot.dev/pipeline/internal/model"
	"mrpilot.dev/pipeline/internal/service"
	"mrpilot.dev/pipeline/internal/store"
)

type DeadLetterHandler struct {
	deadLetters service.DeadLetterService
}

func NewDeadLetterHandler(deadLetters service.DeadLetterService) *DeadLetterHandler {
	return &DeadLetterHandler{deadLetters: deadLetters}
}

func (h *DeadLetterHandler) List(c *gin.Context) {
	var query dto.ListDeadLettersQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query parameters"})
		return
	}

	filter := store.DeadLetterFilter{
		Dismissed: query.Dismissed,
		Retried:   query.Retried,
		Limit:     query.Limit,
	}
	if query.Reason != nil {
		reason := model.FailureReason(*query.Reason)
		filter.Reason = &reason
	}

	entries, err := h.deadLetters.List(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list dead-letter entries"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": dto.FromDeadLetters(entries)})
}

func (h *DeadLetterHandler) Get(c *gin.Context) {
	entryID, ok := parseIDParam(c, "entry_id")
	if !ok {
		return
	}

	entry, err := h.deadLetters.Get(c.Request.Context(), entryID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "dead-letter entry not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch dead-letter entry"})
		return
	}

	c.JSON(http.StatusOK, dto.FromDeadLetter(entry))
}

func (h *DeadLetterHandler) Retry(c *gin.Context) {
	entryID, ok := parseIDParam(c, "entry_id")
	if !ok {
		return
	}

	var req dto.ResolveDeadLetterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "actor is required"})
		return
	}

	task, err := h.deadLetters.Retry(c.Request.Context(), entryID, req.Actor)
	if err != nil {
		h.resolveError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.RetryDeadLetterResponse{Task: dto.FromTask(task)})
}

func (h *DeadLetterHandler) Dismiss(c *gin.Context) {
	entryID, ok := parseIDParam(c, "entry_id")
	if !ok {
		return
	}

	var req dto.ResolveDeadLetterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "actor is required"})
		return
	}

	if err := h.deadLetters.Dismiss(c.Request.Context(), entryID, req.Actor); err != nil {
		h.resolveError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "dismissed"})
}

func (h *DeadLetterHandler) resolveError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "dead-letter entry not found"})
	case errors.Is(err, service.ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"error": "entry already retried or dismissed"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve dead-letter entry"})
	}
}
