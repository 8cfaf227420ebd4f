package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/scarson/paidqueue/internal/api"
	"github.com/scarson/paidqueue/internal/auth"
	"github.com/scarson/paidqueue/internal/config"
	"github.com/scarson/paidqueue/internal/ledger"
	"github.com/scarson/paidqueue/internal/payment"
	"github.com/scarson/paidqueue/internal/queue"
	"github.com/scarson/paidqueue/internal/submit"
	"github.com/scarson/paidqueue/internal/testutil"
)

// TestSmokePostgres starts a real Postgres container, builds the HTTP handler
// over Postgres tables, and pushes one job from submission to completion.
//
// This is a coarse integration test: if it passes, the router wiring, the
// migrations, the Postgres table backend and the Prometheus handler are all
// operational together.
func TestSmokePostgres(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := testutil.NewTestDB(t)
	l := ledger.New(st.Table(ledger.Schema))
	q := queue.New(st.Table(queue.Schema))
	if _, err := l.CreateAccount(ctx, "acct", "", 100); err != nil {
		t.Fatalf("create account: %v", err)
	}

	cfg := &config.Config{JWTSecret: jwtSecret} //nolint:exhaustruct // test: only JWT secret needed
	apiSrv := api.NewServer(api.Deps{
		Queue:      q,
		Ledger:     l,
		Submitter:  submit.New(l, q, 10, nil),
		Reconciler: payment.NewReconciler(l, st.Table(payment.EventsSchema), nil, project, nil),
		Ping:       st.Ping,
	}, cfg, nil)
	t.Cleanup(apiSrv.Close)
	srv := httptest.NewServer(apiSrv.Handler())
	t.Cleanup(srv.Close)

	call := func(role auth.Role, method, path string, body any) *http.Response {
		t.Helper()
		var buf bytes.Buffer
		if body != nil {
			if err := json.NewEncoder(&buf).Encode(body); err != nil {
				t.Fatalf("encode body: %v", err)
			}
		}
		req, err := http.NewRequestWithContext(ctx, method, srv.URL+path, &buf)
		if err != nil {
			t.Fatalf("new request %s: %v", path, err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if role != "" {
			tok, err := auth.IssueToken([]byte(jwtSecret), "smoke", role, time.Minute)
			if err != nil {
				t.Fatalf("issue token: %v", err)
			}
			req.Header.Set("Authorization", "Bearer "+tok)
		}
		resp, err := srv.Client().Do(req) //nolint:gosec // G704 false positive: srv.URL is httptest.Server, not user input
		if err != nil {
			t.Fatalf("%s %s: %v", method, path, err)
		}
		t.Cleanup(func() { resp.Body.Close() }) //nolint:errcheck,gosec // G104: body close in test
		return resp
	}

	// ── /healthz and /metrics ────────────────────────────────────────────────
	if resp := call("", http.MethodGet, "/healthz", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("/healthz: got %d, want 200", resp.StatusCode)
	}
	if resp := call("", http.MethodGet, "/metrics", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("/metrics: got %d, want 200", resp.StatusCode)
	}

	// ── submit, claim, complete ──────────────────────────────────────────────
	resp := call(auth.RoleProducer, http.MethodPost, "/api/v1/jobs",
		map[string]any{"account_id": "acct", "payload": map[string]any{"prompt": "smoke"}})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit: got %d, want 201", resp.StatusCode)
	}
	var submitted struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		t.Fatalf("decode submit: %v", err)
	}

	resp = call(auth.RoleWorker, http.MethodPost, "/api/v1/jobs/claim", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim: got %d, want 200", resp.StatusCode)
	}
	var claimed struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&claimed); err != nil {
		t.Fatalf("decode claim: %v", err)
	}
	if claimed.ID != submitted.ID || claimed.Status != "processing" {
		t.Fatalf("claimed %+v, want id %s processing", claimed, submitted.ID)
	}

	resp = call(auth.RoleWorker, http.MethodPost, "/api/v1/jobs/"+submitted.ID+"/resolve",
		map[string]any{"status": "completed", "result_urls": []string{"https://cdn.example/smoke.png"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve: got %d, want 200", resp.StatusCode)
	}

	j, err := q.Get(ctx, submitted.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if j.Status != queue.StatusCompleted || len(j.ResultURLs) != 1 {
		t.Errorf("job = %+v, want completed with one result", j)
	}
	if bal, err := l.Balance(ctx, "acct"); err != nil || bal != 90 {
		t.Errorf("balance = %d (%v), want 90", bal, err)
	}
}
