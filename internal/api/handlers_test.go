package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/oversightgw/oversightgw/internal/auth"
	"github.com/oversightgw/oversightgw/internal/config"
	"github.com/oversightgw/oversightgw/internal/dispatch"
	"github.com/oversightgw/oversightgw/internal/engine"
	"github.com/oversightgw/oversightgw/internal/policy"
	"github.com/oversightgw/oversightgw/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestServer builds a Server wired to a real SQLite store, a real
// policy.Store backed by a temp file, and a real dispatcher — the same
// approach internal/engine's tests take, since the HTTP layer's behavior
// depends on how these concrete pieces compose. operatorTokensEnabled
// mirrors the config flag of the same name: most tests leave it off,
// matching the zero-config default, and only the operator-token tests
// turn it on.
func newTestServer(t *testing.T, operatorTokensEnabled bool) (*Server, func()) {
	t.Helper()
	dir := t.TempDir()

	st, err := store.NewSQLiteStore(filepath.Join(dir, "gw.db"))
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	if err := st.Initialize(); err != nil {
		t.Fatalf("initialize store: %v", err)
	}

	policyPath := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(policyPath, []byte("{}\n"), 0644); err != nil {
		t.Fatalf("write policy file: %v", err)
	}
	policies, err := policy.NewStore(policyPath, testLogger())
	if err != nil {
		t.Fatalf("new policy store: %v", err)
	}

	disp := dispatch.NewDispatcher(st, testLogger())
	eng := engine.New(policies, st, disp, testLogger())

	cfgLoader := config.NewLoader()
	if operatorTokensEnabled {
		configPath := filepath.Join(dir, "oversightgw.yaml")
		if err := os.WriteFile(configPath, []byte("auth:\n  operator_tokens_enabled: true\n"), 0644); err != nil {
			t.Fatalf("write config file: %v", err)
		}
		if err := cfgLoader.Load(configPath); err != nil {
			t.Fatalf("load config: %v", err)
		}
	}
	keys := auth.NewKeyStore(map[string]string{"test-key": "test-client"})
	tokens := auth.NewTokenManager(0, testLogger())

	srv := NewServer(config.ServerConfig{Port: 8001}, eng, cfgLoader, keys, tokens, disp, testLogger())

	return srv, func() {
		eng.Close()
		policies.Close()
		st.Close()
	}
}

func doRequest(srv *Server, method, path string, body any, apiKey string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if apiKey != "" {
		req.Header.Set(auth.HeaderName, apiKey)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHandleHealthNeedsNoAPIKey(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()

	rec := doRequest(srv, http.MethodGet, "/health", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleEvaluateRequiresAPIKey(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()

	rec := doRequest(srv, http.MethodPost, "/evaluate", evaluateRequest{
		SessionID: "sess-1",
		Action:    "read_file",
		Target:    "/tmp/x",
	}, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without API key, got %d", rec.Code)
	}
}

func TestHandleEvaluateRejectsInvalidAPIKey(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()

	rec := doRequest(srv, http.MethodPost, "/evaluate", evaluateRequest{
		SessionID: "sess-1",
		Action:    "read_file",
	}, "wrong-key")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with invalid API key, got %d", rec.Code)
	}
}

func TestHandleEvaluateSuccess(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()

	rec := doRequest(srv, http.MethodPost, "/evaluate", evaluateRequest{
		SessionID: "sess-1",
		Action:    "read_file",
		Target:    "/tmp/x",
		Metadata:  map[string]any{"path": "/tmp/x"},
	}, "test-key")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["action_id"] == "" || resp["action_id"] == nil {
		t.Error("expected non-empty action_id")
	}
	if resp["session_id"] != "sess-1" {
		t.Errorf("session_id = %v, want sess-1", resp["session_id"])
	}
}

func TestHandleEvaluateMissingFieldsReturns422(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()

	rec := doRequest(srv, http.MethodPost, "/evaluate", evaluateRequest{Target: "x"}, "test-key")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestHandleEvaluateMalformedBodyReturns422(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "/evaluate", strings.NewReader("{not json"))
	req.Header.Set(auth.HeaderName, "test-key")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestHandleApproveRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()

	evalRec := doRequest(srv, http.MethodPost, "/evaluate", evaluateRequest{
		SessionID: "sess-approve",
		Action:    "delete_file",
		Target:    "/data",
	}, "test-key")
	var evalResp map[string]any
	json.Unmarshal(evalRec.Body.Bytes(), &evalResp)
	actionID := evalResp["action_id"].(string)

	rec := doRequest(srv, http.MethodPost, "/approve", approveRequest{
		ActionID: actionID,
		Approved: true,
		Channel:  "slack",
		Notes:    "looks fine",
	}, "test-key")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["approved"] != true {
		t.Errorf("approved = %v, want true", resp["approved"])
	}
}

func TestHandleApproveUnknownActionReturns404(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()

	rec := doRequest(srv, http.MethodPost, "/approve", approveRequest{
		ActionID: "does-not-exist",
		Approved: true,
	}, "test-key")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleApproveTwiceReturns409(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()

	evalRec := doRequest(srv, http.MethodPost, "/evaluate", evaluateRequest{
		SessionID: "sess-conflict",
		Action:    "delete_file",
		Target:    "/data",
	}, "test-key")
	var evalResp map[string]any
	json.Unmarshal(evalRec.Body.Bytes(), &evalResp)
	actionID := evalResp["action_id"].(string)

	first := doRequest(srv, http.MethodPost, "/approve", approveRequest{ActionID: actionID, Approved: true}, "test-key")
	if first.Code != http.StatusOK {
		t.Fatalf("expected first approve to succeed, got %d", first.Code)
	}

	second := doRequest(srv, http.MethodPost, "/approve", approveRequest{ActionID: actionID, Approved: false}, "test-key")
	if second.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second decision, got %d", second.Code)
	}
}

func TestHandleNearMissRejectsUnknownType(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()

	rec := doRequest(srv, http.MethodPost, "/near-miss", nearMissRequest{
		SessionID:      "sess-nm",
		Action:         "delete_file",
		NearMissType:   "not_a_real_type",
		ActualSeverity: 0.5,
	}, "test-key")

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestHandleNearMissRejectsOutOfRangeSeverity(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()

	rec := doRequest(srv, http.MethodPost, "/near-miss", nearMissRequest{
		SessionID:      "sess-nm",
		Action:         "delete_file",
		NearMissType:   string(store.NearMissBoundaryViolation),
		ActualSeverity: 1.5,
	}, "test-key")

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestHandleNearMissSuccess(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()

	rec := doRequest(srv, http.MethodPost, "/near-miss", nearMissRequest{
		SessionID:      "sess-nm",
		Action:         "delete_file",
		NearMissType:   string(store.NearMissBoundaryViolation),
		ActualSeverity: 0.8,
	}, "test-key")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleBudgetUnseenSessionReturns404(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()

	rec := doRequest(srv, http.MethodGet, "/budget/never-seen", nil, "test-key")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleBudgetAfterEvaluate(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()

	doRequest(srv, http.MethodPost, "/evaluate", evaluateRequest{
		SessionID: "sess-budget",
		Action:    "read_file",
		Target:    "/tmp/x",
	}, "test-key")

	rec := doRequest(srv, http.MethodGet, "/budget/sess-budget", nil, "test-key")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["session_id"] != "sess-budget" {
		t.Errorf("session_id = %v, want sess-budget", resp["session_id"])
	}
}

func TestHandleStats(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()

	doRequest(srv, http.MethodPost, "/evaluate", evaluateRequest{
		SessionID: "sess-stats",
		Action:    "read_file",
	}, "test-key")

	rec := doRequest(srv, http.MethodGet, "/stats", nil, "test-key")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var stats store.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.TotalActions != 1 {
		t.Errorf("TotalActions = %d, want 1", stats.TotalActions)
	}
}

func TestHandleAuditExport(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()

	doRequest(srv, http.MethodPost, "/evaluate", evaluateRequest{
		SessionID: "sess-audit",
		Action:    "read_file",
	}, "test-key")

	rec := doRequest(srv, http.MethodGet, "/audit/export?session_id=sess-audit", nil, "test-key")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	actions, ok := resp["actions"].([]any)
	if !ok || len(actions) != 1 {
		t.Fatalf("expected 1 action in export, got %v", resp["actions"])
	}
}

func TestHandleAuditExportRejectsBadDate(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()

	rec := doRequest(srv, http.MethodGet, "/audit/export?from_date=not-a-date", nil, "test-key")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestHandleConfigReloadReachableWithJustAPIKeyByDefault(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()

	// operator_tokens_enabled defaults to false, so these admin-only
	// routes fall back to the plain X-API-Key check like every other
	// endpoint, per spec.md §6 — otherwise they'd be unreachable in any
	// deployment that never issues an operator token.
	rec := doRequest(srv, http.MethodPost, "/config/reload", nil, "test-key")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with just an API key when operator tokens are disabled, got %d", rec.Code)
	}
}

func TestHandleConfigRoutesRequireOperatorTokenWhenEnabled(t *testing.T) {
	srv, cleanup := newTestServer(t, true)
	defer cleanup()

	rec := doRequest(srv, http.MethodPost, "/config/reload", nil, "test-key")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer token, got %d", rec.Code)
	}
}

func TestHandleConfigReloadWithOperatorToken(t *testing.T) {
	srv, cleanup := newTestServer(t, true)
	defer cleanup()

	token, err := srv.tokens.CreateToken(auth.RoleAdmin, "", "")
	if err != nil {
		t.Fatalf("create token: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/config/reload", nil)
	req.Header.Set(auth.HeaderName, "test-key")
	req.Header.Set("Authorization", "Bearer "+token.Secret)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleWebhookCRUDWithOperatorToken(t *testing.T) {
	srv, cleanup := newTestServer(t, true)
	defer cleanup()

	token, err := srv.tokens.CreateToken(auth.RoleAdmin, "", "")
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	addAuthHeaders := func(req *http.Request) {
		req.Header.Set("X-API-Key", "test-key")
		req.Header.Set("Authorization", "Bearer "+token.Secret)
	}

	createBody, _ := json.Marshal(webhookRequest{
		URL:    "https://example.test/hook",
		Secret: "s3cr3t",
		Events: []string{dispatch.EventActionEvaluated},
	})
	createReq := httptest.NewRequest(http.MethodPost, "/config/webhooks", bytes.NewReader(createBody))
	addAuthHeaders(createReq)
	createRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(createRec, createReq)
	if createRec.Code != http.StatusOK {
		t.Fatalf("expected 200 creating webhook, got %d: %s", createRec.Code, createRec.Body.String())
	}

	var created store.Webhook
	json.Unmarshal(createRec.Body.Bytes(), &created)
	if created.ID == "" {
		t.Fatal("expected webhook id to be assigned")
	}

	listReq := httptest.NewRequest(http.MethodGet, "/config/webhooks", nil)
	addAuthHeaders(listReq)
	listRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(listRec, listReq)
	if listRec.Code != http.StatusOK {
		t.Fatalf("expected 200 listing webhooks, got %d", listRec.Code)
	}

	deleteReq := httptest.NewRequest(http.MethodDelete, "/config/webhooks/"+created.ID, nil)
	addAuthHeaders(deleteReq)
	deleteRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(deleteRec, deleteReq)
	if deleteRec.Code != http.StatusOK {
		t.Fatalf("expected 200 deleting webhook, got %d", deleteRec.Code)
	}
}

func TestHandleDeleteWebhookUnknownIDReturns404(t *testing.T) {
	srv, cleanup := newTestServer(t, true)
	defer cleanup()

	token, err := srv.tokens.CreateToken(auth.RoleAdmin, "", "")
	if err != nil {
		t.Fatalf("create token: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/config/webhooks/does-not-exist", nil)
	req.Header.Set("X-API-Key", "test-key")
	req.Header.Set("Authorization", "Bearer "+token.Secret)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 deleting an unknown webhook, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestQueryIntFallsBackOnMissingOrInvalid(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/audit/export?limit=not-a-number", nil)
	if got := queryInt(req, "limit", 42); got != 42 {
		t.Errorf("queryInt with invalid value = %d, want fallback 42", got)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/audit/export?limit=7", nil)
	if got := queryInt(req2, "limit", 42); got != 7 {
		t.Errorf("queryInt = %d, want 7", got)
	}
}
