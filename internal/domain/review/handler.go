package review

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/recordmerge/internal/platform/auth"
	"github.com/ehr/recordmerge/pkg/pagination"
)

// Handler exposes the review queue over HTTP.
type Handler struct {
	queue *MemoryQueue
}

// NewHandler creates a review queue handler.
func NewHandler(q *MemoryQueue) *Handler {
	return &Handler{queue: q}
}

// RegisterRoutes registers the review queue routes.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole("admin", "reviewer"))
	g.GET("/review-queue", h.List)
	g.GET("/review-queue/:id", h.Get)
	g.POST("/review-queue/:id/ack", h.Acknowledge)
}

// List handles GET /review-queue?patient_id=&kind=&pending=true.
func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := Filter{
		PatientID: c.QueryParam("patient_id"),
		Kind:      Kind(c.QueryParam("kind")),
		Pending:   c.QueryParam("pending") == "true",
	}
	items, total := h.queue.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL.Path, pg))
}

func (h *Handler) Get(c echo.Context) error {
	n, err := h.queue.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) Acknowledge(c echo.Context) error {
	reviewer := auth.UserIDFromContext(c.Request().Context())
	n, err := h.queue.Acknowledge(c.Request().Context(), c.Param("id"), reviewer)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, n)
}
