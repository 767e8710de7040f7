package auth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddleware_AttachesDecision(t *testing.T) {
	store := NewMemoryStore()
	token := "sk-middleware-ok"
	store.PutKey(&KeyRecord{TokenHash: HashToken(token)})
	engine := newTestEngine(store, nil)

	var got *AuthDecision
	handler := Middleware(engine, discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = DecisionFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/models/info", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, HashToken(token), got.KeyHash)
	assert.Equal(t, got.RequestID, rec.Header().Get("X-Request-Id"))
}

func TestMiddleware_RendersAuthErrorAsJSON(t *testing.T) {
	engine := newTestEngine(NewMemoryStore(), nil)

	handler := Middleware(engine, discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Fatal("handler must not run on rejection")
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer sk-unknown-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unknown_token", body.Error.Kind)
	assert.NotContains(t, rec.Body.String(), "sk-unknown-token", "raw credential must never appear in responses")
}

func TestMiddleware_BudgetErrorCarriesScope(t *testing.T) {
	store := NewMemoryStore()
	token := "sk-broke"
	store.PutKey(&KeyRecord{TokenHash: HashToken(token), MaxBudget: 1, Spend: 2})
	engine := newTestEngine(store, nil)

	handler := Middleware(engine, discardLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "budget_exceeded", body.Error.Kind)
	assert.Equal(t, "key", body.Error.Scope)
}

func TestFromHTTP_BodyPeekAndRestore(t *testing.T) {
	payload := `{"model":"gpt-4o","user":"customer-9","fallbacks":["claude-3"],"messages":[{"role":"user","content":"hi"}]}`
	httpReq := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(payload))
	httpReq.Header.Set("Content-Type", "application/json")

	req := newParserForTest().FromHTTP(httpReq)
	assert.Equal(t, "gpt-4o", req.Model)
	assert.Equal(t, "customer-9", req.EndUserID)
	assert.Equal(t, []string{"claude-3"}, req.FallbackModels)

	// Downstream handlers must still see the whole body.
	rest, err := io.ReadAll(httpReq.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, string(rest))
}

func TestFromHTTP_ClientIP(t *testing.T) {
	p := newParserForTest()
	httpReq := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	httpReq.RemoteAddr = "192.0.2.10:55555"
	assert.Equal(t, "192.0.2.10", p.FromHTTP(httpReq).ClientIP)

	httpReq.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", p.FromHTTP(httpReq).ClientIP)
}
