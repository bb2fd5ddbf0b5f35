package record

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/recordmerge/internal/platform/auth"
	"github.com/ehr/recordmerge/pkg/pagination"
)

// Handler serves the read side of the record store.
type Handler struct {
	store Store
}

// NewHandler creates a record read handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes registers record read routes.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("admin", "physician", "nurse", "reviewer"))
	read.GET("/patients/:patient_id/record", h.GetRecord)
	read.GET("/patients/:patient_id/transactions", h.ListTransactions)
}

// GetRecord returns the patient's record. ?status= and ?type= filter the
// facts; ?history=true keeps each fact's revision list.
func (h *Handler) GetRecord(c echo.Context) error {
	rec, err := h.store.Read(c.Request().Context(), c.Param("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	status := Status(c.QueryParam("status"))
	factType := FactType(c.QueryParam("type"))
	withHistory := c.QueryParam("history") == "true"

	facts := make([]*Fact, 0, len(rec.Facts))
	for _, f := range rec.Facts {
		if status != "" && f.Status != status {
			continue
		}
		if factType != "" && f.Type != factType {
			continue
		}
		if !withHistory {
			f.History = nil
		}
		facts = append(facts, f)
	}
	rec.Facts = facts
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) ListTransactions(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.store.ListTransactions(c.Request().Context(), c.Param("patient_id"), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL.Path, pg))
}
