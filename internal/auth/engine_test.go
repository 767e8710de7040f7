package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prismgate/prismgate/caches"
	autherrors "github.com/prismgate/prismgate/pkg/errors"
)

func requireKind(t *testing.T, err error, kind autherrors.Kind) *autherrors.AuthError {
	t.Helper()
	require.Error(t, err)
	ae, ok := autherrors.As(err)
	require.True(t, ok, "expected AuthError, got %v", err)
	require.Equal(t, kind, ae.Kind)
	return ae
}

func TestEngine_VirtualKeyHappyPath(t *testing.T) {
	store := NewMemoryStore()
	token := "sk-happy-path-token"
	store.PutKey(&KeyRecord{
		TokenHash: HashToken(token),
		KeyPrefix: "sk-happy",
		UserID:    strPtr("user-1"),
		TeamID:    strPtr("team-1"),
		Models:    []string{"gpt-4o"},
		MaxBudget: 100,
		Spend:     10,
		RPMLimit:  int64Ptr(1000),
	})
	store.PutTeam(&TeamRecord{
		ID:        "team-1",
		OrgID:     strPtr("org-1"),
		Models:    []string{"gpt-4o", "claude-3"},
		MaxBudget: 500,
		Spend:     50,
	})
	store.PutOrganization(&OrganizationRecord{ID: "org-1"})
	store.PutEndUser(&EndUserRecord{UserID: "customer-1", AllowedModelRegion: "eu"})

	engine := newTestEngine(store, nil)

	req := bearerRequest("/v1/chat/completions", token)
	req.Model = "gpt-4o"
	req.EndUserID = "customer-1"

	dec, err := engine.Authenticate(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, SubjectVirtualKey, dec.SubjectKind)
	assert.Equal(t, HashToken(token), dec.KeyHash)
	assert.Equal(t, "user-1", dec.UserID)
	assert.Equal(t, "team-1", dec.TeamID)
	assert.Equal(t, "org-1", dec.OrgID)
	assert.Equal(t, "customer-1", dec.EndUserID)
	assert.Equal(t, "eu", dec.AllowedModelRegion)
	assert.Equal(t, []string{"gpt-4o"}, dec.AllowedModels)
	assert.Equal(t, int64(1000), *dec.KeyLimits.RPM)
	assert.Equal(t, float64(100), dec.KeyBudget.MaxBudget)
	assert.Equal(t, float64(500), dec.TeamBudget.MaxBudget)
	assert.NotEmpty(t, dec.RequestID)
	assert.False(t, dec.Degraded)
}

func TestEngine_MasterKey(t *testing.T) {
	engine := newTestEngine(NewMemoryStore(), nil)

	dec, err := engine.Authenticate(context.Background(), bearerRequest("/admin/keys/list", testMasterKey))
	require.NoError(t, err)
	assert.Equal(t, SubjectMaster, dec.SubjectKind)
	assert.Equal(t, RoleAdmin, dec.Role)
}

func TestEngine_PublicRoute(t *testing.T) {
	engine := newTestEngine(NewMemoryStore(), nil)

	dec, err := engine.Authenticate(context.Background(), bearerRequest("/health", ""))
	require.NoError(t, err)
	assert.Equal(t, SubjectPublic, dec.SubjectKind)

	_, err = engine.Authenticate(context.Background(), bearerRequest("/v1/chat/completions", ""))
	requireKind(t, err, autherrors.KindMalformedCredential)
}

func TestEngine_UnknownToken(t *testing.T) {
	engine := newTestEngine(NewMemoryStore(), nil)

	_, err := engine.Authenticate(context.Background(), bearerRequest("/v1/chat/completions", "sk-nobody-issued-this"))
	requireKind(t, err, autherrors.KindUnknownToken)
}

func TestEngine_BlockedAndExpiredKeys(t *testing.T) {
	store := NewMemoryStore()
	blocked := "sk-blocked"
	store.PutKey(&KeyRecord{TokenHash: HashToken(blocked), Blocked: true})
	expired := "sk-expired"
	store.PutKey(&KeyRecord{
		TokenHash: HashToken(expired),
		ExpiresAt: timePtr(time.Now().Add(-time.Hour)),
	})

	engine := newTestEngine(store, nil)

	_, err := engine.Authenticate(context.Background(), bearerRequest("/v1/chat/completions", blocked))
	ae := requireKind(t, err, autherrors.KindBlockedKey)
	assert.Equal(t, 403, ae.HTTPStatusCode())

	_, err = engine.Authenticate(context.Background(), bearerRequest("/v1/chat/completions", expired))
	ae = requireKind(t, err, autherrors.KindExpiredKey)
	assert.Equal(t, 401, ae.HTTPStatusCode())
}

func TestEngine_BlockedTeam(t *testing.T) {
	store := NewMemoryStore()
	token := "sk-team-blocked"
	store.PutKey(&KeyRecord{TokenHash: HashToken(token), TeamID: strPtr("team-x")})
	store.PutTeam(&TeamRecord{ID: "team-x", Blocked: true})

	engine := newTestEngine(store, nil)

	_, err := engine.Authenticate(context.Background(), bearerRequest("/v1/chat/completions", token))
	requireKind(t, err, autherrors.KindBlockedTeam)
}

func TestEngine_ModelAndFallbackPermissions(t *testing.T) {
	store := NewMemoryStore()
	token := "sk-model-check"
	store.PutKey(&KeyRecord{TokenHash: HashToken(token), Models: []string{"gpt-4o"}})

	engine := newTestEngine(store, nil)

	req := bearerRequest("/v1/chat/completions", token)
	req.Model = "claude-3"
	_, err := engine.Authenticate(context.Background(), req)
	requireKind(t, err, autherrors.KindModelNotAllowed)

	// The primary model is allowed but a fallback is not.
	req.Model = "gpt-4o"
	req.FallbackModels = []string{"claude-3"}
	_, err = engine.Authenticate(context.Background(), req)
	requireKind(t, err, autherrors.KindModelNotAllowed)

	req.FallbackModels = nil
	_, err = engine.Authenticate(context.Background(), req)
	require.NoError(t, err)
}

func TestEngine_BudgetExceededEndToEnd(t *testing.T) {
	store := NewMemoryStore()
	token := "sk-overspent"
	store.PutKey(&KeyRecord{TokenHash: HashToken(token), MaxBudget: 10, Spend: 10.5})

	engine := newTestEngine(store, nil)

	req := bearerRequest("/v1/chat/completions", token)
	req.Model = "gpt-4o"
	_, err := engine.Authenticate(context.Background(), req)
	ae := requireKind(t, err, autherrors.KindBudgetExceeded)
	assert.Equal(t, autherrors.ScopeKey, ae.Scope)
	assert.Equal(t, 10.5, ae.Spend)
	assert.Equal(t, float64(10), ae.MaxBudget)
}

func TestEngine_RotationGraceEndToEnd(t *testing.T) {
	store := NewMemoryStore()
	oldToken := "sk-pre-rotation"
	store.PutKey(&KeyRecord{
		TokenHash:            HashToken("sk-post-rotation"),
		PreviousToken:        HashToken(oldToken),
		PreviousTokenExpires: timePtr(time.Now().Add(time.Hour)),
	})

	engine := newTestEngine(store, nil)

	dec, err := engine.Authenticate(context.Background(), bearerRequest("/v1/chat/completions", oldToken))
	require.NoError(t, err)
	assert.Equal(t, HashToken("sk-post-rotation"), dec.KeyHash)
}

func TestEngine_StoreOutageFailClosed(t *testing.T) {
	store := NewMemoryStore()
	store.FailWith(10, errors.New("connection refused"))

	engine := newTestEngine(store, nil)

	_, err := engine.Authenticate(context.Background(), bearerRequest("/v1/chat/completions", "sk-whatever"))
	ae := requireKind(t, err, autherrors.KindStoreUnavailable)
	assert.Equal(t, 503, ae.HTTPStatusCode())
}

func TestEngine_StoreOutageFailOpen(t *testing.T) {
	store := NewMemoryStore()
	store.FailWith(10, errors.New("connection refused"))

	engine := newTestEngine(store, func(o *EngineOptions) {
		o.AllowOnStoreUnavailable = true
	})

	dec, err := engine.Authenticate(context.Background(), bearerRequest("/v1/chat/completions", "sk-whatever"))
	require.NoError(t, err)
	assert.True(t, dec.Degraded)
	assert.Equal(t, SubjectVirtualKey, dec.SubjectKind)
	assert.Equal(t, HashToken("sk-whatever"), dec.KeyHash)
}

func TestEngine_RouteGating(t *testing.T) {
	store := NewMemoryStore()
	token := "sk-ordinary"
	store.PutKey(&KeyRecord{TokenHash: HashToken(token)})

	engine := newTestEngine(store, nil)

	// Master-only route rejects a virtual key.
	_, err := engine.Authenticate(context.Background(), bearerRequest("/admin/keys/generate", token))
	requireKind(t, err, autherrors.KindRouteNotAllowed)

	// Admin-prefixed route rejects a non-admin role too.
	_, err = engine.Authenticate(context.Background(), bearerRequest("/admin/teams", token))
	requireKind(t, err, autherrors.KindRouteNotAllowed)

	_, err = engine.Authenticate(context.Background(), bearerRequest("/v1/chat/completions", token))
	require.NoError(t, err)
}

func TestEngine_RateLimit(t *testing.T) {
	store := NewMemoryStore()
	token := "sk-rate-limited"
	store.PutKey(&KeyRecord{TokenHash: HashToken(token), RPMLimit: int64Ptr(2)})

	engine := newTestEngine(store, nil)
	ctx := context.Background()

	// The bucket starts full with a burst equal to the limit.
	_, err := engine.Authenticate(ctx, bearerRequest("/v1/chat/completions", token))
	require.NoError(t, err)
	_, err = engine.Authenticate(ctx, bearerRequest("/v1/chat/completions", token))
	require.NoError(t, err)

	_, err = engine.Authenticate(ctx, bearerRequest("/v1/chat/completions", token))
	ae := requireKind(t, err, autherrors.KindRateLimited)
	assert.Equal(t, 429, ae.HTTPStatusCode())
}

func TestEngine_IPAllowlist(t *testing.T) {
	store := NewMemoryStore()
	token := "sk-ip-bound"
	store.PutKey(&KeyRecord{TokenHash: HashToken(token), AllowedIPs: []string{"10.1.2.3"}})

	engine := newTestEngine(store, func(o *EngineOptions) {
		o.EnforceIPAllowlist = true
	})

	req := bearerRequest("/v1/chat/completions", token)
	req.ClientIP = "10.9.9.9"
	_, err := engine.Authenticate(context.Background(), req)
	requireKind(t, err, autherrors.KindBlockedKey)

	req.ClientIP = "10.1.2.3"
	_, err = engine.Authenticate(context.Background(), req)
	require.NoError(t, err)
}

func TestEngine_ExternalHookDecision(t *testing.T) {
	engine := newTestEngine(NewMemoryStore(), func(o *EngineOptions) {
		o.External = func(_ context.Context, _ *Request, credential string) (*ExternalResult, error) {
			if credential == "partner-token" {
				return &ExternalResult{Decision: &AuthDecision{Role: RoleViewer}}, nil
			}
			return nil, nil
		}
	})

	dec, err := engine.Authenticate(context.Background(), bearerRequest("/v1/chat/completions", "partner-token"))
	require.NoError(t, err)
	assert.Equal(t, SubjectExternal, dec.SubjectKind)

	_, err = engine.Authenticate(context.Background(), bearerRequest("/v1/chat/completions", "stranger-token"))
	requireKind(t, err, autherrors.KindUnknownToken)
}

func TestEngine_ExternalHookReplacement(t *testing.T) {
	store := NewMemoryStore()
	realToken := "sk-exchanged"
	store.PutKey(&KeyRecord{TokenHash: HashToken(realToken)})

	engine := newTestEngine(store, func(o *EngineOptions) {
		o.External = func(_ context.Context, _ *Request, credential string) (*ExternalResult, error) {
			if credential == "exchange-me" {
				return &ExternalResult{ReplacementCredential: realToken}, nil
			}
			return nil, nil
		}
	})

	dec, err := engine.Authenticate(context.Background(), bearerRequest("/v1/chat/completions", "exchange-me"))
	require.NoError(t, err)
	assert.Equal(t, HashToken(realToken), dec.KeyHash)
}

func TestEngine_JWTTeamDecisionOnNonModelRoute(t *testing.T) {
	env := newJWTTestEnv(t)
	env.store.PutTeam(&TeamRecord{ID: "my-team"})

	engine := newTestEngine(env.store, func(o *EngineOptions) {
		o.JWT = env.verifier
	})

	raw := env.sign(t, jwt.MapClaims{
		"sub":    "teammate",
		"scope":  "gateway_team",
		"groups": []string{"my-team"},
	})

	// No model in the request: team assignment must not depend on one.
	dec, err := engine.Authenticate(context.Background(), bearerRequest("/v1/tools/list", raw))
	require.NoError(t, err)
	assert.Equal(t, SubjectJWTTeam, dec.SubjectKind)
	assert.Equal(t, "my-team", dec.TeamID)
	assert.Equal(t, "teammate", dec.UserID)
}

func TestEngine_JWTSkipsDanglingGroups(t *testing.T) {
	env := newJWTTestEnv(t)
	env.store.PutTeam(&TeamRecord{ID: "team-real"})

	engine := newTestEngine(env.store, func(o *EngineOptions) {
		o.JWT = env.verifier
	})

	// The first group has no team record; the token still binds to the
	// first group that resolves.
	raw := env.sign(t, jwt.MapClaims{
		"sub":    "erin",
		"scope":  "gateway_team",
		"groups": []string{"team-ghost", "team-real"},
	})
	dec, err := engine.Authenticate(context.Background(), bearerRequest("/v1/tools/list", raw))
	require.NoError(t, err)
	assert.Equal(t, "team-real", dec.TeamID)

	raw = env.sign(t, jwt.MapClaims{
		"sub":    "erin",
		"scope":  "gateway_team",
		"groups": []string{"team-ghost"},
	})
	_, err = engine.Authenticate(context.Background(), bearerRequest("/v1/tools/list", raw))
	requireKind(t, err, autherrors.KindUnknownToken)
}

func TestEngine_JWTMappedKeyStoreOutage(t *testing.T) {
	env := newJWTTestEnv(t)
	mappedHash := HashToken("sk-mapped")
	env.store.PutJWTClaimMapping(&JWTClaimMapping{
		ClaimValue: "frank@example.com",
		KeyHash:    mappedHash,
	})

	raw := env.sign(t, jwt.MapClaims{
		"sub":   "frank",
		"email": "frank@example.com",
	})

	// Warm the claim mapping so only the key lookup hits the store.
	_, err := env.verifier.Identify(context.Background(), raw)
	require.NoError(t, err)
	env.store.FailWith(10, errStoreDown)

	closed := newTestEngine(env.store, func(o *EngineOptions) {
		o.JWT = env.verifier
	})
	_, err = closed.Authenticate(context.Background(), bearerRequest("/v1/chat/completions", raw))
	ae := requireKind(t, err, autherrors.KindStoreUnavailable)
	assert.Equal(t, 503, ae.HTTPStatusCode())

	open := newTestEngine(env.store, func(o *EngineOptions) {
		o.JWT = env.verifier
		o.AllowOnStoreUnavailable = true
	})
	dec, err := open.Authenticate(context.Background(), bearerRequest("/v1/chat/completions", raw))
	require.NoError(t, err)
	assert.True(t, dec.Degraded)
	assert.Equal(t, mappedHash, dec.KeyHash)
	assert.Equal(t, "frank", dec.UserID)
}

func TestEngine_AdvertisedModelsRespectTeam(t *testing.T) {
	store := NewMemoryStore()
	token := "sk-narrowed"
	store.PutKey(&KeyRecord{
		TokenHash: HashToken(token),
		TeamID:    strPtr("team-n"),
		Models:    []string{"gpt-4o", "gpt-5"},
	})
	store.PutTeam(&TeamRecord{ID: "team-n", Models: []string{"gpt-4o"}})

	engine := newTestEngine(store, nil)

	req := bearerRequest("/v1/chat/completions", token)
	req.Model = "gpt-4o"
	dec, err := engine.Authenticate(context.Background(), req)
	require.NoError(t, err)

	// The key lists gpt-5 but the team does not; the decision must not
	// advertise a model the team would reject.
	assert.Equal(t, []string{"gpt-4o"}, dec.AllowedModels)
	assert.NotContains(t, dec.AllowedModels, "gpt-5")
}

func TestEngine_JWTAdminSkipsBudget(t *testing.T) {
	env := newJWTTestEnv(t)
	engine := newTestEngine(env.store, func(o *EngineOptions) {
		o.JWT = env.verifier
		// A global cap that would reject any budgeted subject.
		loader := o.Loader
		store := env.store
		store.SetAggregateSpend(1e9)
		o.Budget = NewBudgetChecker(loader, nil, BudgetCheckerConfig{GlobalMaxBudget: 1})
	})

	raw := env.sign(t, jwt.MapClaims{
		"sub":   "root",
		"scope": "gateway_admin",
	})
	dec, err := engine.Authenticate(context.Background(), bearerRequest("/v1/chat/completions", raw))
	require.NoError(t, err, "admin JWTs are exempt from budget checks")
	assert.Equal(t, SubjectJWTAdmin, dec.SubjectKind)
}

func TestEngine_ConcurrentGlobalBudgetQuery(t *testing.T) {
	store := newCountingStore()
	token := "sk-concurrent"
	store.PutKey(&KeyRecord{TokenHash: HashToken(token)})
	store.SetAggregateSpend(100)

	logger := discardLogger()
	c := caches.NewDualLocalOnly()
	loader := NewLoader(c, store, logger)
	engine := newTestEngine(store, func(o *EngineOptions) {
		o.Loader = loader
		o.Perms = NewPermissionResolver(loader, 30*time.Second, nil)
		o.Budget = NewBudgetChecker(loader, nil, BudgetCheckerConfig{GlobalMaxBudget: 1000})
	})

	// Warm the key record so only the aggregate query is contended.
	_, err := engine.Authenticate(context.Background(), bearerRequest("/v1/chat/completions", token))
	require.NoError(t, err)

	const n = 50
	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = engine.Authenticate(context.Background(), bearerRequest("/v1/chat/completions", token))
		}(i)
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "request %d", i)
	}
	assert.LessOrEqual(t, store.aggregateLoads.Load(), int64(2),
		"concurrent requests must share the cached aggregate")
}
