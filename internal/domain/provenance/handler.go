package provenance

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/recordmerge/internal/domain/record"
	"github.com/ehr/recordmerge/internal/platform/auth"
	"github.com/ehr/recordmerge/pkg/pagination"
)

// Handler provides HTTP handlers for the provenance ledger.
type Handler struct {
	svc *Service
}

// NewHandler creates a new provenance handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers the ledger read routes.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("admin", "physician", "nurse", "reviewer"))
	read.GET("/patients/:patient_id/facts/:fact_id/history", h.GetFactHistory)
	read.GET("/patients/:patient_id/provenance", h.ListEntries)
	read.GET("/patients/:patient_id/provenance/verify", h.VerifyLedger)
}

func (h *Handler) GetFactHistory(c echo.Context) error {
	hist, err := h.svc.FactHistory(c.Request().Context(), c.Param("patient_id"), c.Param("fact_id"))
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "fact not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, hist)
}

// ListEntries lists ledger entries, filtered by ?fact_id=, ?kind=,
// ?source_document_id= and ?tx_id=.
func (h *Handler) ListEntries(c echo.Context) error {
	pg := pagination.FromContext(c)
	filter := Filter{
		FactID:           c.QueryParam("fact_id"),
		Kind:             record.ProvenanceKind(c.QueryParam("kind")),
		SourceDocumentID: c.QueryParam("source_document_id"),
		TxID:             c.QueryParam("tx_id"),
	}
	items, total, err := h.svc.SearchEntries(c.Request().Context(), c.Param("patient_id"), filter, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL.Path, pg))
}

func (h *Handler) VerifyLedger(c echo.Context) error {
	err := h.svc.Verify(c.Request().Context(), c.Param("patient_id"))
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, map[string]interface{}{"consistent": true})
	case errors.Is(err, ErrLedger):
		return c.JSON(http.StatusOK, map[string]interface{}{"consistent": false, "problems": err.Error()})
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
