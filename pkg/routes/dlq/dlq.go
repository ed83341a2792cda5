package dlq

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/redis"
)

// Queue is the dead letter queue surface the handler needs.
type Queue interface {
	List(ctx context.Context, count int64) ([]redis.DLQEntry, error)
	Get(ctx context.Context, messageID string) (*redis.DLQEntry, error)
	Delete(ctx context.Context, messageID string) error
	Count(ctx context.Context) (int64, error)
	Retry(ctx context.Context, messageID string, reprocess redis.ReprocessFunc) error
}

// Handler handles dead letter queue API requests
type Handler struct {
	queue     Queue
	reprocess redis.ReprocessFunc
	logger    ectologger.Logger
}

// NewHandler creates a DLQ handler. reprocess runs a retried record through the pipeline.
func NewHandler(queue Queue, reprocess redis.ReprocessFunc, logger ectologger.Logger) *Handler {
	return &Handler{queue: queue, reprocess: reprocess, logger: logger}
}

// ListResponse represents the response for listing DLQ entries
type ListResponse struct {
	Entries []redis.DLQEntry `json:"entries"`
	Count   int              `json:"count"`
	Total   int64            `json:"total"`
}

// List returns dead letter queue entries
// GET /api/v1/dlq
func (h *Handler) List(c echo.Context) error {
	ctx := c.Request().Context()

	count := int64(100)
	if countStr := c.QueryParam("count"); countStr != "" {
		if parsed, err := strconv.ParseInt(countStr, 10, 64); err == nil && parsed > 0 {
			count = parsed
		}
	}

	entries, err := h.queue.List(ctx, count)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to list DLQ entries")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to list DLQ entries")
	}

	total, _ := h.queue.Count(ctx)

	return c.JSON(http.StatusOK, ListResponse{
		Entries: entries,
		Count:   len(entries),
		Total:   total,
	})
}

// Get returns a specific DLQ entry
// GET /api/v1/dlq/:id
func (h *Handler) Get(c echo.Context) error {
	ctx := c.Request().Context()
	messageID := c.Param("id")

	entry, err := h.queue.Get(ctx, messageID)
	if err != nil {
		return h.fail(c, err, "Failed to get DLQ entry")
	}

	return c.JSON(http.StatusOK, entry)
}

// Retry reprocesses a DLQ entry's record
// POST /api/v1/dlq/:id/retry
func (h *Handler) Retry(c echo.Context) error {
	ctx := c.Request().Context()
	messageID := c.Param("id")

	if err := h.queue.Retry(ctx, messageID, h.reprocess); err != nil {
		return h.fail(c, err, "Failed to retry DLQ entry")
	}

	return c.JSON(http.StatusOK, map[string]string{
		"status":  "retried",
		"message": "Record reprocessed successfully",
	})
}

// Delete removes a DLQ entry
// DELETE /api/v1/dlq/:id
func (h *Handler) Delete(c echo.Context) error {
	ctx := c.Request().Context()
	messageID := c.Param("id")

	if err := h.queue.Delete(ctx, messageID); err != nil {
		return h.fail(c, err, "Failed to delete DLQ entry")
	}

	return c.NoContent(http.StatusNoContent)
}

// Stats returns DLQ statistics
// GET /api/v1/dlq/stats
func (h *Handler) Stats(c echo.Context) error {
	ctx := c.Request().Context()

	count, err := h.queue.Count(ctx)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to get DLQ stats")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get DLQ stats")
	}

	return c.JSON(http.StatusOK, map[string]int64{
		"total_entries": count,
	})
}

func (h *Handler) fail(c echo.Context, err error, msg string) error {
	if errors.Is(err, redis.ErrEntryNotFound) {
		return httperror.NewHTTPError(http.StatusNotFound, "DLQ entry not found")
	}
	h.logger.WithContext(c.Request().Context()).WithError(err).Error(msg)
	return httperror.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// RegisterRoutes registers the DLQ routes
func (h *Handler) RegisterRoutes(g *echo.Group) {
	dlq := g.Group("/dlq")
	dlq.GET("", h.List)
	dlq.GET("/stats", h.Stats)
	dlq.GET("/:id", h.Get)
	dlq.POST("/:id/retry", h.Retry)
	dlq.DELETE("/:id", h.Delete)
}
