package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prismgate/prismgate/caches"
	autherrors "github.com/prismgate/prismgate/pkg/errors"
)

func newBudgetCheckerForTest(store Store, cfg BudgetCheckerConfig) *BudgetChecker {
	loader := NewLoader(caches.NewDualLocalOnly(), store, discardLogger())
	return NewBudgetChecker(loader, nil, cfg)
}

func scopeOf(t *testing.T, err error) autherrors.BudgetScope {
	t.Helper()
	ae, ok := autherrors.As(err)
	require.True(t, ok, "expected an AuthError, got %v", err)
	require.Equal(t, autherrors.KindBudgetExceeded, ae.Kind)
	return ae.Scope
}

func TestBudget_StrictlyGreaterOperator(t *testing.T) {
	b := newBudgetCheckerForTest(NewMemoryStore(), BudgetCheckerConfig{})
	now := time.Now()
	ctx := context.Background()

	// Spend equal to the budget is still within it at every scope.
	key := &KeyRecord{Spend: 10, MaxBudget: 10}
	require.NoError(t, b.Check(ctx, "gpt-4o", nil, key, nil, nil, nil, now))

	key.Spend = 10.01
	err := b.Check(ctx, "gpt-4o", nil, key, nil, nil, nil, now)
	require.Error(t, err)
	assert.Equal(t, autherrors.ScopeKey, scopeOf(t, err))
}

func TestBudget_ZeroMeansUnlimited(t *testing.T) {
	b := newBudgetCheckerForTest(NewMemoryStore(), BudgetCheckerConfig{})
	ctx := context.Background()

	key := &KeyRecord{Spend: 1e9, MaxBudget: 0}
	team := &TeamRecord{Spend: 1e9, MaxBudget: 0}
	require.NoError(t, b.Check(ctx, "gpt-4o", nil, key, nil, team, nil, time.Now()))
}

func TestBudget_NarrowestScopeReportedFirst(t *testing.T) {
	b := newBudgetCheckerForTest(NewMemoryStore(), BudgetCheckerConfig{})
	now := time.Now()
	ctx := context.Background()

	endUser := &EndUserRecord{UserID: "eu", Spend: 5, MaxBudget: 1}
	key := &KeyRecord{Spend: 5, MaxBudget: 1}
	team := &TeamRecord{ID: "t", Spend: 5, MaxBudget: 1}

	// Every scope is violated; the end user, being narrowest, is reported.
	err := b.Check(ctx, "gpt-4o", endUser, key, nil, team, nil, now)
	assert.Equal(t, autherrors.ScopeEndUser, scopeOf(t, err))

	// Without the end user, the key comes next.
	err = b.Check(ctx, "gpt-4o", nil, key, nil, team, nil, now)
	assert.Equal(t, autherrors.ScopeKey, scopeOf(t, err))

	// Then the team-member scope.
	member := &TeamMembership{TeamID: "t", UserID: "u", Spend: 5, MaxBudget: 1}
	err = b.Check(ctx, "gpt-4o", nil, &KeyRecord{}, member, team, nil, now)
	assert.Equal(t, autherrors.ScopeTeamMember, scopeOf(t, err))

	err = b.Check(ctx, "gpt-4o", nil, &KeyRecord{}, nil, team, nil, now)
	assert.Equal(t, autherrors.ScopeTeam, scopeOf(t, err))

	org := &OrganizationRecord{ID: "o", Spend: 5, MaxBudget: 1}
	err = b.Check(ctx, "gpt-4o", nil, &KeyRecord{}, nil, nil, org, now)
	assert.Equal(t, autherrors.ScopeOrg, scopeOf(t, err))
}

func TestBudget_ZeroCostModelSkipsAllChecks(t *testing.T) {
	b := newBudgetCheckerForTest(NewMemoryStore(), BudgetCheckerConfig{
		ZeroCostModels: []string{"local-llama"},
		ModelCosts:     map[string]float64{"free-model": 0, "gpt-4o": 0.03},
	})
	ctx := context.Background()

	key := &KeyRecord{Spend: 100, MaxBudget: 1}
	require.NoError(t, b.Check(ctx, "local-llama", nil, key, nil, nil, nil, time.Now()))
	require.NoError(t, b.Check(ctx, "free-model", nil, key, nil, nil, nil, time.Now()))
	require.Error(t, b.Check(ctx, "gpt-4o", nil, key, nil, nil, nil, time.Now()))
}

func TestBudget_TemporaryIncrease(t *testing.T) {
	b := newBudgetCheckerForTest(NewMemoryStore(), BudgetCheckerConfig{})
	now := time.Now()
	ctx := context.Background()

	key := &KeyRecord{
		Spend:                 15,
		MaxBudget:             10,
		BudgetIncrease:        10,
		BudgetIncreaseExpires: timePtr(now.Add(time.Hour)),
	}
	require.NoError(t, b.Check(ctx, "gpt-4o", nil, key, nil, nil, nil, now))

	// The increase stops counting once expired.
	key.BudgetIncreaseExpires = timePtr(now.Add(-time.Hour))
	err := b.Check(ctx, "gpt-4o", nil, key, nil, nil, nil, now)
	require.Error(t, err)
	assert.Equal(t, autherrors.ScopeKey, scopeOf(t, err))
}

func TestBudget_GlobalCap(t *testing.T) {
	store := NewMemoryStore()
	store.SetAggregateSpend(1500)
	b := newBudgetCheckerForTest(store, BudgetCheckerConfig{GlobalMaxBudget: 1000})
	ctx := context.Background()

	err := b.Check(ctx, "gpt-4o", nil, &KeyRecord{}, nil, nil, nil, time.Now())
	require.Error(t, err)
	assert.Equal(t, autherrors.ScopeGlobal, scopeOf(t, err))

	store2 := NewMemoryStore()
	store2.SetAggregateSpend(900)
	b2 := newBudgetCheckerForTest(store2, BudgetCheckerConfig{GlobalMaxBudget: 1000})
	require.NoError(t, b2.Check(ctx, "gpt-4o", nil, &KeyRecord{}, nil, nil, nil, time.Now()))
}

func TestBudget_SoftBudgetFiresAlert(t *testing.T) {
	loader := NewLoader(caches.NewDualLocalOnly(), NewMemoryStore(), discardLogger())
	alerts := NewDispatcher(DispatcherConfig{QueueSize: 8}, discardLogger())
	defer alerts.Close()

	b := NewBudgetChecker(loader, alerts, BudgetCheckerConfig{})

	key := &KeyRecord{TokenHash: "hash", Spend: 8, MaxBudget: 10, SoftBudget: floatPtr(5)}
	require.NoError(t, b.Check(context.Background(), "gpt-4o", nil, key, nil, nil, nil, time.Now()),
		"crossing the soft budget must not reject the request")
}

func TestBudget_ExceededFiresAlert(t *testing.T) {
	var mu sync.Mutex
	var got []Alert
	server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		var a Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&a))
		mu.Lock()
		got = append(got, a)
		mu.Unlock()
	}))
	defer server.Close()

	loader := NewLoader(caches.NewDualLocalOnly(), NewMemoryStore(), discardLogger())
	alerts := NewDispatcher(DispatcherConfig{QueueSize: 8, WebhookURL: server.URL}, discardLogger())
	b := NewBudgetChecker(loader, alerts, BudgetCheckerConfig{})

	key := &KeyRecord{TokenHash: "hash", Spend: 15, MaxBudget: 10}
	err := b.Check(context.Background(), "gpt-4o", nil, key, nil, nil, nil, time.Now())
	require.Error(t, err)
	assert.Equal(t, autherrors.ScopeKey, scopeOf(t, err))

	// Close drains the queue, so the webhook has the alert afterwards.
	alerts.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, SeverityExceeded, got[0].Severity)
	assert.Equal(t, autherrors.ScopeKey, got[0].Scope)
	assert.Equal(t, 15.0, got[0].Spend)
	assert.Equal(t, 10.0, got[0].MaxBudget)
}
