package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"orangecat/governance/internal/auth"
	"orangecat/governance/internal/dispatch"
	"orangecat/governance/internal/scheduler"
	"orangecat/governance/internal/store"
)

var testSecret = []byte("test-secret")

type httpEnv struct {
	*env
	handler http.Handler
}

func newHTTPEnv(t *testing.T) *httpEnv {
	t.Helper()
	e := newEnv(t, Options{EarlyResolution: true})
	server := NewHTTPServer(e.service, testSecret, "*", zaptest.NewLogger(t))
	return &httpEnv{env: e, handler: server.Handler()}
}

func token(t *testing.T, actorID string) string {
	t.Helper()
	signed, err := auth.IssueToken(testSecret, auth.NewClaims(actorID, actorID, time.Hour))
	require.NoError(t, err)
	return signed
}

func (h *httpEnv) do(t *testing.T, method, path, actorID string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if actorID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, actorID))
	}
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload), rr.Body.String())
	}
	return rr, payload
}

func TestHealthEndpoint(t *testing.T) {
	h := newHTTPEnv(t)

	rr, payload := h.do(t, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, payload["ok"])
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
}

type failingPingStore struct {
	*store.MemoryStore
}

func (failingPingStore) Ping(context.Context) error {
	return errors.New("connection refused")
}

func TestReadyEndpoint(t *testing.T) {
	h := newHTTPEnv(t)
	rr, payload := h.do(t, http.MethodGet, "/api/ready", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ready", payload["status"])

	s := failingPingStore{store.NewMemoryStore()}
	logger := zaptest.NewLogger(t)
	d := dispatch.New(s, nil, logger)
	svc := New(s, scheduler.NewEvaluator(s, d, nil, logger), d, nil, logger, Options{})
	handler := NewHTTPServer(svc, testSecret, "*", logger).Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, false, payload["ok"])
	checks := payload["checks"].(map[string]any)
	assert.Equal(t, "error", checks["database"].(map[string]any)["status"])
}

func TestRequestIDIsEchoed(t *testing.T) {
	h := newHTTPEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	assert.Equal(t, "req-123", rr.Header().Get("X-Request-ID"))
}

func TestPreflightAndRouting(t *testing.T) {
	h := newHTTPEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/groups", nil)
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))

	rr, payload := h.do(t, http.MethodGet, "/api/nowhere", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", payload["code"])

	rr, payload = h.do(t, http.MethodDelete, "/api/health", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	assert.Equal(t, "METHOD_NOT_ALLOWED", payload["code"])
}

func TestAuthRequired(t *testing.T) {
	h := newHTTPEnv(t)

	rr, payload := h.do(t, http.MethodPost, "/api/groups", "", map[string]any{"name": "x", "governance_mode": "democratic"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "UNAUTHORIZED", payload["code"])

	req := httptest.NewRequest(http.MethodGet, "/api/proposals/prp_1", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, err := auth.IssueToken(testSecret, auth.NewClaims("act_ann", "Ann", -time.Minute))
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/proposals/prp_1", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProposalLifecycleOverHTTP(t *testing.T) {
	h := newHTTPEnv(t)

	rr, payload := h.do(t, http.MethodPost, "/api/groups", "act_founder", map[string]any{"name": "Garden", "governance_mode": "democratic"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	groupID := payload["group"].(map[string]any)["id"].(string)
	_, err := h.service.AddMember(context.Background(), AddMemberInput{GroupID: groupID, ActorID: "act_bea"})
	require.NoError(t, err)

	rr, payload = h.do(t, http.MethodPost, "/api/groups/"+groupID+"/actions/spend_funds/resolve", "act_bea", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "require_proposal", payload["decision"])

	rr, payload = h.do(t, http.MethodPost, "/api/groups/"+groupID+"/proposals", "act_bea", map[string]any{
		"title":  "Seeds",
		"action": map[string]any{"kind": "spend_funds", "params": map[string]any{"amount": 20}},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	proposalID := payload["id"].(string)
	assert.Equal(t, "draft", payload["status"])

	rr, payload = h.do(t, http.MethodPost, "/api/proposals/"+proposalID+"/activate", "act_bea", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "active", payload["status"])
	assert.Equal(t, 2.0, payload["eligible_weight"])

	rr, payload = h.do(t, http.MethodGet, "/api/groups/"+groupID+"/proposals?status=active,passed", "act_bea", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, payload["items"], 1)

	rr, payload = h.do(t, http.MethodPost, "/api/proposals/"+proposalID+"/votes", "act_bea", map[string]any{"choice": "perhaps"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "VALIDATION_ERROR", payload["code"])

	rr, payload = h.do(t, http.MethodPost, "/api/proposals/"+proposalID+"/votes", "act_bea", map[string]any{"choice": "yes"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	proposal := payload["proposal"].(map[string]any)
	assert.Equal(t, "passed", proposal["status"])
	assert.Contains(t, payload["execution_error"], "no handler registered")

	rr, payload = h.do(t, http.MethodPost, "/api/proposals/"+proposalID+"/execute", "act_bea", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "FORBIDDEN", payload["code"])

	rr, payload = h.do(t, http.MethodPost, "/api/proposals/"+proposalID+"/execute", "act_founder", nil)
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Equal(t, "EXECUTION_ERROR", payload["code"])
	assert.Equal(t, "spend_funds", payload["details"].(map[string]any)["action_kind"])

	rr, payload = h.do(t, http.MethodPost, "/api/proposals/"+proposalID+"/cancel", "act_bea", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "INVALID_STATE", payload["code"])
	assert.Equal(t, "passed", payload["details"].(map[string]any)["status"])

	rr, payload = h.do(t, http.MethodGet, "/api/proposals/"+proposalID, "act_founder", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, payload["votes"], 1)
	assert.Equal(t, 0.5, payload["tally"].(map[string]any)["participation"])

	rr, _ = h.do(t, http.MethodPost, "/api/proposals/"+proposalID+"/resolve", "act_founder", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestErrorMappingOverHTTP(t *testing.T) {
	h := newHTTPEnv(t)
	groupID, _ := h.democratic(t, 2)

	rr, payload := h.do(t, http.MethodGet, "/api/proposals/prp_missing", "act_founder", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", payload["code"])

	rr, _ = h.do(t, http.MethodPost, "/api/groups/"+groupID+"/proposals", "act_stranger", map[string]any{"title": "Hi"})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr, _ = h.do(t, http.MethodGet, "/api/groups/grp_missing", "act_founder", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr, payload = h.do(t, http.MethodGet, "/api/groups/"+groupID+"/proposals", "act_stranger", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "FORBIDDEN", payload["code"])
	rr, _ = h.do(t, http.MethodGet, "/api/groups/"+groupID, "act_stranger", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/groups/"+groupID+"/proposals", bytes.NewBufferString("{nope"))
	req.Header.Set("Authorization", "Bearer "+token(t, "act_founder"))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rr, payload = h.do(t, http.MethodPost, "/api/groups/"+groupID+"/proposals", "act_founder", map[string]any{"title": "Hi", "surprise": true})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_BODY", payload["code"])
}

func TestMapErrorFallsBackToServerError(t *testing.T) {
	status, code, _, _ := mapError(errors.New("disk on fire"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "SERVER_ERROR", code)

	status, code, message, _ := mapError(validation("bad"))
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "VALIDATION_ERROR", code)
	assert.Equal(t, "bad", message)
}
