package entity

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/entitystore"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Handler serves read access to golden entities and their audit trail.
type Handler struct {
	manager *entitystore.Manager
	logger  ectologger.Logger
}

func NewHandler(manager *entitystore.Manager, logger ectologger.Logger) *Handler {
	return &Handler{manager: manager, logger: logger}
}

// SearchResponse is the body of an entity search.
type SearchResponse struct {
	Entities []*models.GoldenEntity `json:"entities"`
	Count    int                    `json:"count"`
}

// AuditsResponse is the body of an audit listing.
type AuditsResponse struct {
	Audits []*models.MatchAudit `json:"audits"`
	Count  int                  `json:"count"`
}

// Get returns one entity.
// GET /api/v1/entities/:id
func (h *Handler) Get(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	entity, err := h.manager.Get(ctx, id)
	if errors.Is(err, entitystore.ErrEntityNotFound) {
		return httperror.NewHTTPError(http.StatusNotFound, "entity not found")
	}
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to get entity")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get entity")
	}

	return c.JSON(http.StatusOK, entity)
}

// Search finds entities by email and/or phone. Both values are cleaned the same way
// incoming records are before they are compared.
// GET /api/v1/entities?email=&phone=
func (h *Handler) Search(c echo.Context) error {
	ctx := c.Request().Context()

	var lookup models.EntityLookup
	if err := c.Bind(&lookup); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid search parameters")
	}

	std := normalizers.Standardize(models.RawRecord{Email: lookup.Email, Phone: lookup.Phone})
	lookup.Email = std.EmailClean
	lookup.Phone = std.PhoneClean
	if lookup.Email == "" && lookup.Phone == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "email or phone is required")
	}

	entities, err := h.manager.Search(ctx, lookup, parseLimit(c))
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to search entities")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to search entities")
	}
	if entities == nil {
		entities = []*models.GoldenEntity{}
	}

	return c.JSON(http.StatusOK, SearchResponse{Entities: entities, Count: len(entities)})
}

// Audits lists the newest audits that resolved to or matched the entity.
// GET /api/v1/entities/:id/audits
func (h *Handler) Audits(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	audits, err := h.manager.ListAudits(ctx, id, parseLimit(c))
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to list audits")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to list audits")
	}
	if audits == nil {
		audits = []*models.MatchAudit{}
	}

	return c.JSON(http.StatusOK, AuditsResponse{Audits: audits, Count: len(audits)})
}

func parseLimit(c echo.Context) int {
	limit := defaultLimit
	if raw := c.QueryParam("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	return min(limit, maxLimit)
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	entities := g.Group("/entities")
	entities.GET("", h.Search)
	entities.GET("/:id", h.Get)
	entities.GET("/:id/audits", h.Audits)
}
