package record

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func newTestHandler(t *testing.T) (*Handler, *MemoryStore, *echo.Echo) {
	t.Helper()
	s := NewMemoryStore()
	ctx := context.Background()
	if _, err := s.Commit(ctx, "p1", 0, buildCreateTx("tx1", "p1", "fact-1", "Asthma", 0)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Commit(ctx, "p1", 1, buildCreateTx("tx2", "p1", "fact-2", "Gout", 1)); err != nil {
		t.Fatal(err)
	}
	return NewHandler(s), s, echo.New()
}

func TestHandler_GetRecord(t *testing.T) {
	h, _, e := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/?history=true", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("patient_id")
	c.SetParamValues("p1")
	if err := h.GetRecord(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got Record
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Version != 2 || len(got.Facts) != 2 {
		t.Fatalf("expected 2 facts at version 2, got %d at %d", len(got.Facts), got.Version)
	}
	if len(got.Facts[0].History) != 1 {
		t.Errorf("expected history to be included")
	}
	if _, ok := got.Facts[0].Payload.(ConditionPayload); !ok {
		t.Errorf("expected typed payload, got %T", got.Facts[0].Payload)
	}
}

func TestHandler_GetRecord_Filters(t *testing.T) {
	h, _, e := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/?type=medication", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("patient_id")
	c.SetParamValues("p1")
	if err := h.GetRecord(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got Record
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Facts) != 0 {
		t.Errorf("expected no medication facts, got %d", len(got.Facts))
	}
}

func TestHandler_ListTransactions(t *testing.T) {
	h, _, e := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/?limit=1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("patient_id")
	c.SetParamValues("p1")
	if err := h.ListTransactions(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Data    []Transaction `json:"data"`
		Total   int           `json:"total"`
		HasMore bool          `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 2 || len(body.Data) != 1 || !body.HasMore {
		t.Errorf("unexpected page: total=%d len=%d more=%v", body.Total, len(body.Data), body.HasMore)
	}
	if body.Data[0].ID != "tx2" {
		t.Errorf("expected newest transaction first, got %s", body.Data[0].ID)
	}
}
