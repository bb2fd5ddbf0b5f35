package batch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/recordmerge/internal/domain/merge"
	"github.com/ehr/recordmerge/internal/domain/record"
	"github.com/ehr/recordmerge/internal/platform/auth"
)

const deltaJSON = `{
	"patient_id": "p1",
	"source_document_id": "doc-1",
	"extraction_confidence": 0.96,
	"extractor_id": "extractor-v1",
	"candidates": [
		{"type": "condition", "payload": {"name": "Asthma"}},
		{"type": "allergy", "payload": {"substance": "Peanut"}}
	]
}`

func newTestHandler(t *testing.T, cfg Config) (*Handler, *Orchestrator, *echo.Echo) {
	t.Helper()
	o, _ := newTestOrchestrator(t, cfg, true)
	return NewHandler(o), o, echo.New()
}

func jsonContext(e *echo.Echo, method, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func httpCode(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	return he.Code
}

func TestHandler_SubmitSync(t *testing.T) {
	h, _, e := newTestHandler(t, Config{})
	c, rec := jsonContext(e, http.MethodPost, deltaJSON)
	if err := h.SubmitSync(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var res merge.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Status != merge.StatusCommitted || len(res.Created) != 2 || res.RecordVersion != 1 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestHandler_SubmitAsync(t *testing.T) {
	h, o, e := newTestHandler(t, Config{})
	c, rec := jsonContext(e, http.MethodPost, deltaJSON)
	if err := h.Submit(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var resp submitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.TxID == "" || rec.Header().Get("Location") != "/api/v1/transactions/"+resp.TxID {
		t.Errorf("unexpected response %+v", resp)
	}
	waitState(t, o, resp.TxID, StateCommitted)

	c, rec = jsonContext(e, http.MethodGet, "")
	c.SetParamNames("id")
	c.SetParamValues(resp.TxID)
	if err := h.GetTransaction(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var st Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.State != StateCommitted || st.Result == nil {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestHandler_ValidationProblems(t *testing.T) {
	h, _, e := newTestHandler(t, Config{})
	body := `{"patient_id":"p1","source_document_id":"d","extraction_confidence":1.5,
		"candidates":[{"type":"medication","payload":{}}]}`

	for name, fn := range map[string]echo.HandlerFunc{"async": h.Submit, "sync": h.SubmitSync} {
		c, rec := jsonContext(e, http.MethodPost, body)
		if err := fn(c); err != nil {
			t.Fatalf("%s: unexpected error: %v", name, err)
		}
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("%s: expected 422, got %d", name, rec.Code)
		}
		var got struct {
			Problems []record.FieldProblem `json:"problems"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatal(err)
		}
		if len(got.Problems) != 2 {
			t.Errorf("%s: expected 2 problems, got %+v", name, got.Problems)
		}
	}
}

func TestHandler_BadBody(t *testing.T) {
	h, _, e := newTestHandler(t, Config{})
	c, _ := jsonContext(e, http.MethodPost, "{not json")
	if code := httpCode(t, h.Submit(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
	c, _ = jsonContext(e, http.MethodPost, `{"deltas":[]}`)
	if code := httpCode(t, h.RunBatch(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_Busy(t *testing.T) {
	h, o, e := newTestHandler(t, Config{LockWait: 5 * time.Millisecond, MaxRequeues: 0})
	release, _ := o.locks.Acquire(context.Background(), "p1", 0)
	defer release()

	c, rec := jsonContext(e, http.MethodPost, deltaJSON)
	if code := httpCode(t, h.SubmitSync(c)); code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestHandler_Rollback(t *testing.T) {
	h, o, e := newTestHandler(t, Config{})
	var d record.ResourceDelta
	if err := json.Unmarshal([]byte(deltaJSON), &d); err != nil {
		t.Fatal(err)
	}
	res, err := o.SubmitSync(context.Background(), &d)
	if err != nil {
		t.Fatal(err)
	}

	rollback := func() (*httptest.ResponseRecorder, error) {
		c, rec := jsonContext(e, http.MethodPost, `{"reason":"wrong patient"}`)
		c.SetParamNames("id")
		c.SetParamValues(res.TxID)
		return rec, h.Rollback(c)
	}

	rec, err := rollback()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var rb merge.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &rb); err != nil {
		t.Fatal(err)
	}
	if rb.Status != merge.StatusRolledBack || rb.RollbackOf != res.TxID {
		t.Errorf("unexpected rollback %+v", rb)
	}

	if _, err := rollback(); httpCode(t, err) != http.StatusConflict {
		t.Errorf("expected 409 on the second rollback")
	}

	c, _ := jsonContext(e, http.MethodPost, "")
	c.SetParamNames("id")
	c.SetParamValues("missing")
	if code := httpCode(t, h.Rollback(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestHandler_RunBatch(t *testing.T) {
	h, _, e := newTestHandler(t, Config{})
	body := `{"deltas":[` + deltaJSON + `,{"patient_id":"p2"}]}`
	c, rec := jsonContext(e, http.MethodPost, body)
	if err := h.RunBatch(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp batchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Items) != 2 || resp.Items[0].State != StateCommitted || resp.Items[1].State != StateRejected {
		t.Errorf("unexpected items %+v", resp.Items)
	}
}

func TestHandler_Routes(t *testing.T) {
	h, _, e := newTestHandler(t, Config{})
	api := e.Group("/api/v1", auth.DevAuthMiddleware())
	h.RegisterRoutes(api)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/deltas:sync", strings.NewReader(deltaJSON))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from the sync route, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/transactions/nope", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_RollbackRequiresReviewer(t *testing.T) {
	h, _, e := newTestHandler(t, Config{})
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := context.WithValue(c.Request().Context(), auth.UserRolesKey, []string{"integration"})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	h.RegisterRoutes(api)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/transactions/tx1/rollback", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for an integration client, got %d", rec.Code)
	}
}
