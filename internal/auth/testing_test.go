package auth

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/prismgate/prismgate/caches"
)

const testMasterKey = "master-key-for-tests"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingStore wraps MemoryStore to count store round trips.
type countingStore struct {
	*MemoryStore
	keyLoads       atomic.Int64
	aggregateLoads atomic.Int64
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryStore: NewMemoryStore()}
}

func (s *countingStore) GetKeyByHash(ctx context.Context, tokenHash string) (*KeyRecord, error) {
	s.keyLoads.Add(1)
	return s.MemoryStore.GetKeyByHash(ctx, tokenHash)
}

func (s *countingStore) GetAggregateSpend(ctx context.Context) (float64, error) {
	s.aggregateLoads.Add(1)
	return s.MemoryStore.GetAggregateSpend(ctx)
}

// newTestEngine builds an engine over a local-only cache with a permissive
// default configuration; mutate adjusts options before construction.
func newTestEngine(store Store, mutate func(*EngineOptions)) *Engine {
	logger := discardLogger()
	c := caches.NewDualLocalOnly()
	loader := NewLoader(c, store, logger)
	opts := EngineOptions{
		Parser: NewParser(ParserConfig{
			MasterKey:        testMasterKey,
			VirtualKeyPrefix: "sk-",
		}),
		Routes:  NewRouteChecker([]string{"/health"}, []string{"/admin/keys*"}, []string{"/admin*"}),
		Loader:  loader,
		Perms:   NewPermissionResolver(loader, 30*time.Second, nil),
		Budget:  NewBudgetChecker(loader, nil, BudgetCheckerConfig{}),
		Limiter: NewRateLimiter(0),
		TTLs:    DefaultLoaderTTLs(),
		Logger:  logger,
		Tracer:  noop.NewTracerProvider().Tracer("test"),
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewEngine(opts)
}

func bearerRequest(route, token string) *Request {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return &Request{
		Route:   route,
		Headers: h,
		Query:   url.Values{},
	}
}

func strPtr(s string) *string       { return &s }
func int64Ptr(v int64) *int64       { return &v }
func floatPtr(v float64) *float64   { return &v }
func timePtr(t time.Time) *time.Time { return &t }
