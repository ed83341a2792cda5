package record

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/models"
)

// Processor resolves a single record.
type Processor interface {
	Process(ctx context.Context, raw models.RawRecord) (*models.Outcome, error)
}

// Handler accepts records over HTTP and resolves them synchronously on the stream path.
type Handler struct {
	processor Processor
	logger    ectologger.Logger
}

func NewHandler(processor Processor, logger ectologger.Logger) *Handler {
	return &Handler{processor: processor, logger: logger}
}

// Submit resolves one record and returns the outcome.
// POST /api/v1/records
func (h *Handler) Submit(c echo.Context) error {
	ctx := c.Request().Context()

	var raw models.RawRecord
	if err := c.Bind(&raw); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid record body")
	}
	if err := models.ValidateRecord(&raw); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	outcome, err := h.processor.Process(ctx, raw)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"source_record_id": raw.SourceRecordID,
		}).Error("Failed to resolve submitted record")
		return httperror.NewHTTPError(http.StatusServiceUnavailable, "failed to resolve record")
	}

	status := http.StatusOK
	if outcome.IsNew {
		status = http.StatusCreated
	}
	return c.JSON(status, outcome)
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/records", h.Submit)
}
