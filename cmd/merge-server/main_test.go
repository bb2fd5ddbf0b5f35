package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/recordmerge/internal/config"
	"github.com/ehr/recordmerge/internal/domain/merge"
	"github.com/ehr/recordmerge/internal/domain/record"
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

// run executes the CLI with args and returns stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	err := cmd.Execute()
	return out.String(), err
}

func sqliteEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ENV", "development")
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "records.db"))
	t.Setenv("METRICS_ENABLED", "false")
	t.Setenv("WEBHOOK_URLS", "")
}

func activeFacts(t *testing.T) int {
	t.Helper()
	out, err := run(t, "record", "p1", "--active")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	var rec record.Record
	if err := json.Unmarshal([]byte(out), &rec); err != nil {
		t.Fatalf("decode record: %v\n%s", err, out)
	}
	return len(rec.Facts)
}

func TestCLI_MergeThenRollback(t *testing.T) {
	sqliteEnv(t)
	path := filepath.Join(t.TempDir(), "delta.json")
	if err := os.WriteFile(path, []byte(deltaJSON), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, "merge", path)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	var res merge.Result
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode result: %v\n%s", err, out)
	}
	if res.TxID == "" || len(res.Created) != 2 || res.RecordVersion != 1 {
		t.Fatalf("unexpected merge result %+v", res)
	}

	// A second process sees the same durable record.
	if n := activeFacts(t); n != 2 {
		t.Fatalf("expected 2 active facts, got %d", n)
	}

	out, err = run(t, "rollback", res.TxID, "--actor", "reviewer-7")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	var rb merge.Result
	if err := json.Unmarshal([]byte(out), &rb); err != nil {
		t.Fatal(err)
	}
	if rb.RollbackOf != res.TxID || rb.RecordVersion != 2 {
		t.Errorf("unexpected rollback result %+v", rb)
	}
	if n := activeFacts(t); n != 0 {
		t.Errorf("expected no active facts after rollback, got %d", n)
	}

	if _, err := run(t, "rollback", res.TxID); err == nil {
		t.Error("second rollback of the same transaction must fail")
	}
}

func TestCLI_MergeRejectsInvalidDelta(t *testing.T) {
	sqliteEnv(t)
	path := filepath.Join(t.TempDir(), "bad.json")
	os.WriteFile(path, []byte(`{"patient_id": "p1", "candidates": []}`), 0o600)

	if _, err := run(t, "merge", path); !record.IsValidation(err) {
		t.Fatalf("expected a validation error, got %v", err)
	}
	if _, err := run(t, "merge", filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestCLI_PolicyShow(t *testing.T) {
	t.Setenv("MERGE_POLICY_FILE", "")
	out, err := run(t, "policy", "show")
	if err != nil {
		t.Fatalf("policy show: %v", err)
	}
	for _, want := range []string{"dedup:", "resolver:", "quality:", "min_confidence: 0.7"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
	if _, err := config.ParsePolicy([]byte(out)); err != nil {
		t.Errorf("printed policy must load back: %v", err)
	}
}

func testEngine(t *testing.T) *engine {
	t.Helper()
	cfg := &config.Config{
		Env:            "development",
		StoreBackend:   config.BackendMemory,
		MetricsEnabled: true,
	}
	eng, err := newEngine(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.close(ctx)
	})
	return eng
}

func TestServer_Routes(t *testing.T) {
	eng := testEngine(t)
	e := newServer(eng)
	eng.orch.Start()

	do := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		if body != "" {
			req.Header.Set("Content-Type", "application/json")
		}
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}

	rec := do(http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"backend":"memory"`) {
		t.Fatalf("health: %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id on every response")
	}

	rec = do(http.MethodPost, "/api/v1/deltas:sync", deltaJSON)
	if rec.Code != http.StatusOK {
		t.Fatalf("sync merge: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(http.MethodGet, "/api/v1/patients/p1/record", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Asthma") {
		t.Errorf("record: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(http.MethodGet, "/api/v1/patients/p1/provenance/verify", "")
	if rec.Code != http.StatusOK {
		t.Errorf("verify: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "recordmerge_transactions_total") {
		t.Errorf("metrics: %d", rec.Code)
	}
}
