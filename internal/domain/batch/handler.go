package batch

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/recordmerge/internal/domain/merge"
	"github.com/ehr/recordmerge/internal/domain/record"
	"github.com/ehr/recordmerge/internal/platform/auth"
)

// retryAfterSeconds is sent with 503 responses for busy patients.
const retryAfterSeconds = 5

// Handler exposes merge submission, batch, status and rollback endpoints.
type Handler struct {
	orch *Orchestrator
}

// NewHandler creates a batch handler.
func NewHandler(orch *Orchestrator) *Handler {
	return &Handler{orch: orch}
}

// RegisterRoutes registers merge routes on api.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	write := api.Group("", auth.RequireRole("admin", "physician", "reviewer", "integration"))
	write.POST("/deltas", h.Submit)
	write.POST("/deltas\\:sync", h.SubmitSync)
	write.POST("/batches", h.RunBatch)
	write.GET("/transactions/:id", h.GetTransaction)

	review := api.Group("", auth.RequireRole("admin", "reviewer"))
	review.POST("/transactions/:id/rollback", h.Rollback)
}

type submitResponse struct {
	TxID   string `json:"tx_id"`
	State  State  `json:"state"`
	Status string `json:"status_url"`
}

// Submit queues a delta and answers 202 with its transaction id.
func (h *Handler) Submit(c echo.Context) error {
	var d record.ResourceDelta
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	txID, err := h.orch.Submit(c.Request().Context(), &d)
	if err != nil {
		return httpError(c, err)
	}
	loc := "/api/v1/transactions/" + txID
	c.Response().Header().Set("Location", loc)
	return c.JSON(http.StatusAccepted, submitResponse{TxID: txID, State: StateQueued, Status: loc})
}

// SubmitSync merges a delta and returns the MergeResult. A failed merge
// answers 409 with the failed result so callers never mistake it for a
// commit.
func (h *Handler) SubmitSync(c echo.Context) error {
	var d record.ResourceDelta
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := h.orch.SubmitSync(c.Request().Context(), &d)
	if errors.Is(err, merge.ErrMergeFailed) && res != nil {
		return c.JSON(http.StatusConflict, res)
	}
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

type batchRequest struct {
	Deltas []*record.ResourceDelta `json:"deltas"`
}

type batchResponse struct {
	Items []Item `json:"items"`
}

// RunBatch merges a set of deltas and reports one item per delta.
func (h *Handler) RunBatch(c echo.Context) error {
	var req batchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Deltas) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "deltas is required")
	}
	for i, d := range req.Deltas {
		if d == nil {
			return echo.NewHTTPError(http.StatusBadRequest, "deltas["+strconv.Itoa(i)+"] is null")
		}
	}
	items, err := h.orch.RunBatch(c.Request().Context(), req.Deltas)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, batchResponse{Items: items})
}

// GetTransaction reports the state of a submitted or stored transaction.
func (h *Handler) GetTransaction(c echo.Context) error {
	st, err := h.orch.Lookup(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

type rollbackRequest struct {
	Reason string `json:"reason"`
}

// Rollback reverts a committed transaction on behalf of the calling
// reviewer.
func (h *Handler) Rollback(c echo.Context) error {
	var req rollbackRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	actor := record.Actor{Kind: record.ActorHuman, ID: auth.UserIDFromContext(c.Request().Context())}
	res, err := h.orch.Rollback(c.Request().Context(), c.Param("id"), actor)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// httpError maps orchestration errors onto HTTP responses.
func httpError(c echo.Context, err error) error {
	var ve *record.ValidationError
	switch {
	case errors.As(err, &ve):
		return c.JSON(http.StatusUnprocessableEntity, map[string]interface{}{
			"message":  "invalid delta",
			"problems": ve.Problems,
		})
	case errors.Is(err, record.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, record.ErrAlreadyRolledBack), errors.Is(err, record.ErrRollbackNotApplicable),
		errors.Is(err, merge.ErrMergeFailed):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case IsBusy(err):
		c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
