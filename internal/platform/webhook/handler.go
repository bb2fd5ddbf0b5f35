package webhook

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/recordmerge/internal/platform/auth"
	"github.com/ehr/recordmerge/pkg/pagination"
)

// Handler exposes endpoint management over HTTP.
type Handler struct {
	manager *Manager
	store   Store
}

// NewHandler creates a webhook handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager, store: manager.store}
}

// RegisterRoutes binds the webhook admin routes under /webhooks.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/webhooks", auth.RequireRole("admin"))
	g.POST("", h.RegisterEndpoint)
	g.GET("", h.ListEndpoints)
	g.GET("/:id", h.GetEndpoint)
	g.DELETE("/:id", h.DeleteEndpoint)
	g.GET("/:id/deliveries", h.GetDeliveryLogs)
	g.POST("/:id/pause", h.PauseEndpoint)
	g.POST("/:id/resume", h.ResumeEndpoint)
	g.POST("/deliveries/:id/retry", h.RetryDelivery)
}

type registerRequest struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Events []string `json:"events"`
}

func httpError(err error) error {
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// RegisterEndpoint handles POST /webhooks.
func (h *Handler) RegisterEndpoint(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ep, err := h.manager.RegisterEndpoint(c.Request().Context(), req.URL, req.Secret, req.Events)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, ep)
}

// ListEndpoints handles GET /webhooks.
func (h *Handler) ListEndpoints(c echo.Context) error {
	pg := pagination.FromContext(c)
	eps, total, err := h.store.ListEndpoints(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(eps, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetEndpoint(c echo.Context) error {
	ep, err := h.store.GetEndpoint(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ep)
}

func (h *Handler) DeleteEndpoint(c echo.Context) error {
	if err := h.store.DeleteEndpoint(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// GetDeliveryLogs handles GET /webhooks/:id/deliveries.
func (h *Handler) GetDeliveryLogs(c echo.Context) error {
	pg := pagination.FromContext(c)
	logs, total, err := h.manager.GetDeliveryLogs(c.Request().Context(), c.Param("id"), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(logs, total, pg.Limit, pg.Offset))
}

func (h *Handler) PauseEndpoint(c echo.Context) error {
	if err := h.manager.PauseEndpoint(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "paused"})
}

func (h *Handler) ResumeEndpoint(c echo.Context) error {
	if err := h.manager.ResumeEndpoint(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "active"})
}

// RetryDelivery handles POST /webhooks/deliveries/:id/retry.
func (h *Handler) RetryDelivery(c echo.Context) error {
	attempt, err := h.manager.RetryDelivery(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, attempt)
}
