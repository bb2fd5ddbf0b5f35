package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func newTestManager(opts ...ManagerOption) *Manager {
	opts = append([]ManagerOption{WithRetryDelays(time.Millisecond)}, opts...)
	return NewManager(NewInMemoryStore(), opts...)
}

func mustRegister(t *testing.T, m *Manager, url string, events []string) *Endpoint {
	t.Helper()
	ep, err := m.RegisterEndpoint(context.Background(), url, "test-secret-key", events)
	if err != nil {
		t.Fatalf("failed to register endpoint: %v", err)
	}
	return ep
}

// ===================== Endpoint Management =====================

func TestManager_RegisterEndpoint(t *testing.T) {
	m := newTestManager()
	ep, err := m.RegisterEndpoint(context.Background(), "https://example.com/hook", "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ep.ID == "" || ep.Status != "active" {
		t.Errorf("unexpected endpoint %+v", ep)
	}
	if len(ep.Secret) < 32 {
		t.Errorf("expected generated secret, got %q", ep.Secret)
	}
	if len(ep.Events) != 1 || ep.Events[0] != "*" {
		t.Errorf("expected catch-all subscription, got %v", ep.Events)
	}
}

func TestManager_RegisterEndpoint_InvalidURL(t *testing.T) {
	m := newTestManager()
	for _, u := range []string{"", "ftp://example.com", "://bad"} {
		if _, err := m.RegisterEndpoint(context.Background(), u, "s", nil); err == nil {
			t.Errorf("expected error for %q", u)
		}
	}
}

func TestManager_PauseResume(t *testing.T) {
	m := newTestManager()
	ep := mustRegister(t, m, "https://example.com/hook", nil)
	if err := m.PauseEndpoint(context.Background(), ep.ID); err != nil {
		t.Fatal(err)
	}
	if ep.Status != "paused" {
		t.Errorf("expected paused, got %s", ep.Status)
	}
	if err := m.ResumeEndpoint(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// ===================== Matching and signing =====================

func TestEventMatches(t *testing.T) {
	tests := []struct {
		pattern, event string
		want           bool
	}{
		{"*", "audit.fact.created", true},
		{"review.conflict_review", "review.conflict_review", true},
		{"review.*", "review.quality_flag", true},
		{"review.*", "audit.fact.created", false},
		{"*.rolled_back", "audit.transaction.rolled_back", true},
		{"audit.fact.created", "audit.fact.status_changed", false},
	}
	for _, tt := range tests {
		if got := eventMatches(tt.pattern, tt.event); got != tt.want {
			t.Errorf("eventMatches(%q, %q) = %v, want %v", tt.pattern, tt.event, got, tt.want)
		}
	}
}

func TestSignPayload_Verify(t *testing.T) {
	sig := SignPayload([]byte(`{"a":1}`), "secret")
	if !VerifySignature([]byte(`{"a":1}`), "secret", sig) {
		t.Error("expected signature to verify")
	}
	if VerifySignature([]byte(`{"a":2}`), "secret", sig) {
		t.Error("expected tampered payload to fail")
	}
}

// ===================== Delivery =====================

func TestManager_Deliver_SignsAndMatches(t *testing.T) {
	var mu sync.Mutex
	var got []*http.Request
	var bodies [][]byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, r)
		bodies = append(bodies, b)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m := newTestManager()
	mustRegister(t, m, srv.URL, []string{"review.*"})
	mustRegister(t, m, srv.URL, []string{"audit.*"})

	results := m.Deliver(context.Background(), Event{ID: "e1", Type: "review.quality_flag", PatientID: "p1", TxID: "tx1"})
	if len(results) != 1 || !results[0].Success || results[0].Attempts != 1 {
		t.Fatalf("unexpected results %+v", results)
	}
	if len(got) != 1 {
		t.Fatalf("expected one request, got %d", len(got))
	}
	sig := strings.TrimPrefix(got[0].Header.Get("X-Webhook-Signature"), "sha256=")
	if !VerifySignature(bodies[0], "test-secret-key", sig) {
		t.Error("signature does not verify")
	}
	if got[0].Header.Get("X-Webhook-Event") != "review.quality_flag" {
		t.Errorf("unexpected event header %q", got[0].Header.Get("X-Webhook-Event"))
	}
}

func TestManager_Deliver_RetriesUntilSuccess(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := newTestManager(WithMaxAttempts(3))
	ep := mustRegister(t, m, srv.URL, nil)

	results := m.Deliver(context.Background(), Event{ID: "e1", Type: "audit.fact.created"})
	if len(results) != 1 || !results[0].Success || results[0].Attempts != 3 {
		t.Fatalf("unexpected results %+v", results)
	}
	logs, total, _ := m.GetDeliveryLogs(context.Background(), ep.ID, 10, 0)
	if total != 3 || logs[0].Status != "failed" || logs[2].Status != "success" {
		t.Errorf("unexpected delivery log (%d entries)", total)
	}
}

func TestManager_Deliver_GivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := newTestManager(WithMaxAttempts(2))
	mustRegister(t, m, srv.URL, nil)

	results := m.Deliver(context.Background(), Event{ID: "e1", Type: "audit.fact.created"})
	if len(results) != 1 || results[0].Success || results[0].Attempts != 2 {
		t.Fatalf("unexpected results %+v", results)
	}
	if !strings.Contains(results[0].Error, "500") {
		t.Errorf("expected status in error, got %q", results[0].Error)
	}
}

func TestManager_Deliver_SkipsPaused(t *testing.T) {
	m := newTestManager()
	ep := mustRegister(t, m, "http://127.0.0.1:1/hook", nil)
	m.PauseEndpoint(context.Background(), ep.ID)
	if results := m.Deliver(context.Background(), Event{Type: "audit.fact.created"}); len(results) != 0 {
		t.Errorf("expected no deliveries to a paused endpoint, got %+v", results)
	}
}

func TestManager_Send_Background(t *testing.T) {
	received := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e Event
		json.NewDecoder(r.Body).Decode(&e)
		received <- e
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := newTestManager()
	mustRegister(t, m, srv.URL, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Send(ctx, "review.conflict_review", "p1", "tx9", map[string]string{"conflict_id": "c1"}); err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := m.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case e := <-received:
		if e.Type != "review.conflict_review" || e.TxID != "tx9" || e.PatientID != "p1" {
			t.Errorf("unexpected event %+v", e)
		}
		if !strings.Contains(string(e.Payload), `"conflict_id":"c1"`) {
			t.Errorf("unexpected payload %s", e.Payload)
		}
	default:
		t.Fatal("expected the event to be delivered before Close returned")
	}
}

func TestManager_Send_EncodeError(t *testing.T) {
	m := newTestManager()
	if err := m.Send(context.Background(), "x", "p", "t", make(chan int)); err == nil {
		t.Error("expected encoding error")
	}
}

func TestManager_RetryDelivery(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := newTestManager(WithMaxAttempts(1))
	ep := mustRegister(t, m, srv.URL, nil)
	m.Deliver(context.Background(), Event{ID: "e1", Type: "audit.fact.created"})

	logs, _, _ := m.GetDeliveryLogs(context.Background(), ep.ID, 10, 0)
	retried, err := m.RetryDelivery(context.Background(), logs[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if retried.Status != "success" || retried.Attempt != 2 {
		t.Errorf("unexpected retry %+v", retried)
	}
}

// ===================== Handler =====================

func TestHandler_RegisterAndList(t *testing.T) {
	m := newTestManager()
	h := NewHandler(m)
	e := echo.New()

	body := `{"url":"https://example.com/hook","events":["review.*"]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := h.RegisterEndpoint(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/webhooks", nil)
	rec = httptest.NewRecorder()
	if err := h.ListEndpoints(e.NewContext(req, rec)); err != nil {
		t.Fatal(err)
	}
	var list struct {
		Total int `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &list)
	if list.Total != 1 {
		t.Errorf("expected 1 endpoint, got %d", list.Total)
	}
}

func TestHandler_GetEndpoint_NotFound(t *testing.T) {
	h := NewHandler(newTestManager())
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("missing")
	err := h.GetEndpoint(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}
