package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/basket/orchestra/internal/agentpool"
	"github.com/basket/orchestra/internal/coordination"
	"github.com/basket/orchestra/internal/events"
	"github.com/basket/orchestra/internal/execmanager"
	"github.com/basket/orchestra/internal/executor"
	"github.com/basket/orchestra/internal/gateway"
	"github.com/basket/orchestra/internal/orchestrator"
	"github.com/basket/orchestra/internal/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoAgent struct{}

func (echoAgent) Execute(ctx context.Context, actx agentpool.AgentContext, sink events.Sink, audit agentpool.AuditLogger) (agentpool.AgentResult, error) {
	return agentpool.AgentResult{Output: "handled: " + actx.Description}, nil
}

func newTestServer(t *testing.T, token string) (*gateway.Server, *execmanager.Manager) {
	t.Helper()

	pool := agentpool.New()
	pool.Register(agentpool.AgentDefinition{AgentID: "coding-agent"}, echoAgent{})
	exec := executor.New(executor.Config{Pool: pool, Coordination: coordination.New()})
	orch := orchestrator.New(pool, exec)

	mgr := execmanager.New(execmanager.Config{})

	srv := gateway.New(gateway.Config{
		ExecManager:  mgr,
		Orchestrator: orch,
		AuthToken:    token,
	})
	return srv, mgr
}

func newTestServerWithStore(t *testing.T, token string, store *persistence.Store) *gateway.Server {
	t.Helper()

	pool := agentpool.New()
	pool.Register(agentpool.AgentDefinition{AgentID: "coding-agent"}, echoAgent{})
	exec := executor.New(executor.Config{Pool: pool, Coordination: coordination.New()})
	orch := orchestrator.New(pool, exec)

	return gateway.New(gateway.Config{
		ExecManager:  execmanager.New(execmanager.Config{}),
		Orchestrator: orch,
		Store:        store,
		AuthToken:    token,
	})
}

func doRequest(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleSubscribe_RequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t, "secret")
	rec := doRequest(t, srv.Handler(), http.MethodPost, "/subscribe", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleSubscribe_CreatesSubscription(t *testing.T) {
	srv, _ := newTestServer(t, "secret")
	rec := doRequest(t, srv.Handler(), http.MethodPost, "/subscribe", "secret", map[string]string{"client_id": "client-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["subscription_id"])
	assert.NotEmpty(t, resp["created_at"])
	assert.NotEmpty(t, resp["expires_at"])
}

func TestHandleExecute_UnknownSubscriptionReturns404(t *testing.T) {
	srv, _ := newTestServer(t, "secret")
	rec := doRequest(t, srv.Handler(), http.MethodPost, "/execute", "secret", map[string]string{
		"subscription_id": "does-not-exist",
		"query":           "fix the bug",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
}

func TestHandleExecute_MissingQueryReturns400(t *testing.T) {
	srv, mgr := newTestServer(t, "secret")
	sub := mgr.CreateOrResume("client-1")

	rec := doRequest(t, srv.Handler(), http.MethodPost, "/execute", "secret", map[string]string{
		"subscription_id": sub.ID,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleExecute_AcceptsAndStartsRun(t *testing.T) {
	srv, mgr := newTestServer(t, "secret")
	sub := mgr.CreateOrResume("client-1")

	rec := doRequest(t, srv.Handler(), http.MethodPost, "/execute", "secret", map[string]string{
		"subscription_id": sub.ID,
		"query":           "fix the bug",
	})
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

func TestHandleSubscriptionStatus_UnknownReturns404(t *testing.T) {
	srv, _ := newTestServer(t, "secret")
	rec := doRequest(t, srv.Handler(), http.MethodGet, "/subscriptions/does-not-exist", "secret", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleSubscriptionStatus_KnownReturns200(t *testing.T) {
	srv, mgr := newTestServer(t, "secret")
	sub := mgr.CreateOrResume("client-1")

	rec := doRequest(t, srv.Handler(), http.MethodGet, "/subscriptions/"+sub.ID, "secret", nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHandleHITLDecide_ModifyWithoutContentReturns422(t *testing.T) {
	srv, _ := newTestServer(t, "secret")
	rec := doRequest(t, srv.Handler(), http.MethodPost, "/hitl/decide", "secret", map[string]string{
		"request_id": "req-1",
		"decision":   "modify",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandleHITLDecide_ApproveSucceeds(t *testing.T) {
	srv, _ := newTestServer(t, "secret")
	rec := doRequest(t, srv.Handler(), http.MethodPost, "/hitl/decide", "secret", map[string]string{
		"request_id": "req-1",
		"decision":   "approve",
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHandleHITLDecide_KnownRequestRecordsAgainstStore(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.RecordHITLRequest(context.Background(), "req-1", "task-1", "medium"))

	srv := newTestServerWithStore(t, "secret", store)

	rec := doRequest(t, srv.Handler(), http.MethodPost, "/hitl/decide", "secret", map[string]string{
		"request_id": "req-1",
		"decision":   "approve",
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHandleHITLDecide_UnknownRequestIDReturns404(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	defer store.Close()

	srv := newTestServerWithStore(t, "secret", store)

	rec := doRequest(t, srv.Handler(), http.MethodPost, "/hitl/decide", "secret", map[string]string{
		"request_id": "does-not-exist",
		"decision":   "approve",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
}

func TestHandleHealth_NoAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t, "secret")
	rec := doRequest(t, srv.Handler(), http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleCapabilities_NoAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t, "secret")
	rec := doRequest(t, srv.Handler(), http.MethodGet, "/capabilities", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
