// Command server runs the authentication gateway: it terminates credentials,
// enforces permissions and budgets, and exposes the resulting decision to
// downstream handlers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/prismgate/prismgate/caches"
	"github.com/prismgate/prismgate/internal/auth"
	"github.com/prismgate/prismgate/internal/config"
	"github.com/prismgate/prismgate/internal/observability"
	"github.com/prismgate/prismgate/internal/secret"
	"github.com/prismgate/prismgate/internal/secret/env"
	"github.com/prismgate/prismgate/internal/secret/vault"
	"github.com/prismgate/prismgate/internal/store/postgres"
	"github.com/prismgate/prismgate/pkg/cache"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	bootLogger := observability.NewLogger(observability.LoggerConfig{
		Level: "info", Output: os.Stderr, JSONFormat: true,
	})

	manager, err := config.NewManager(configPath, bootLogger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer manager.Close()
	cfg := manager.Get()

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      cfg.Logging.Level,
		Output:     os.Stderr,
		JSONFormat: cfg.Logging.Format == "json",
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracerProvider, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracerProvider.Shutdown(shutdownCtx)
	}()

	secrets := newSecretManager(logger)
	defer secrets.Close()

	masterKey, err := secrets.Get(ctx, cfg.Auth.MasterKey)
	if err != nil {
		return fmt.Errorf("resolve master key: %w", err)
	}

	tier, err := newCacheTier(cfg)
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}
	defer tier.Close()

	store, err := newStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer store.Close()

	alerts := auth.NewDispatcher(auth.DispatcherConfig{
		QueueSize:  cfg.Alerting.QueueSize,
		WebhookURL: cfg.Alerting.WebhookURL,
		Timeout:    cfg.Alerting.Timeout,
	}, logger)
	defer alerts.Close()

	loader := auth.NewLoader(tier, store, logger)

	var engine atomic.Pointer[auth.Engine]
	engine.Store(buildEngine(cfg, masterKey, loader, tier, store, alerts, logger, tracerProvider.Tracer()))

	// Hot reload rebuilds the engine snapshot; the cache, store, and alert
	// dispatcher survive across reloads.
	manager.OnChange(func(newCfg *config.Config) {
		key := masterKey
		if newCfg.Auth.MasterKey != cfg.Auth.MasterKey {
			resolved, err := secrets.Get(context.Background(), newCfg.Auth.MasterKey)
			if err != nil {
				logger.Error("master key re-resolution failed, keeping current engine", "error", err)
				return
			}
			key = resolved
		}
		engine.Store(buildEngine(newCfg, key, loader, tier, store, alerts, logger, tracerProvider.Tracer()))
		logger.Info("auth engine rebuilt from new configuration")
	})
	if err := manager.Watch(ctx); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "store unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", authenticated(&engine, logger, http.HandlerFunc(decisionHandler)))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// authenticated applies the auth middleware against the current engine
// snapshot, so config reloads take effect without dropping connections.
func authenticated(engine *atomic.Pointer[auth.Engine], logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Middleware(engine.Load(), logger)(next).ServeHTTP(w, r)
	})
}

// decisionHandler echoes the decision; real deployments replace this with
// the proxy and routing layers.
func decisionHandler(w http.ResponseWriter, r *http.Request) {
	dec, ok := auth.DecisionFromContext(r.Context())
	if !ok {
		http.Error(w, "no decision", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(dec)
}

func newSecretManager(logger *slog.Logger) *secret.Manager {
	m := secret.NewManager()
	m.Register("env", secret.NewCachedProvider(env.New(), 5*time.Minute))

	if addr := os.Getenv("VAULT_ADDR"); addr != "" {
		p, err := vault.New(vault.Config{
			Address:    addr,
			Token:      os.Getenv("VAULT_TOKEN"),
			AuthMethod: os.Getenv("VAULT_AUTH_METHOD"),
			RoleID:     os.Getenv("VAULT_ROLE_ID"),
			SecretID:   os.Getenv("VAULT_SECRET_ID"),
		})
		if err != nil {
			logger.Warn("vault provider unavailable", "error", err)
		} else {
			m.Register("vault", secret.NewCachedProvider(p, 5*time.Minute))
		}
	}
	return m
}

func newCacheTier(cfg *config.Config) (cache.Cache, error) {
	switch cfg.Cache.Type {
	case "redis", "dual":
		remote, err := caches.NewRedis(caches.RedisConfig{
			Addr:         cfg.Cache.Redis.Addr,
			Password:     cfg.Cache.Redis.Password,
			DB:           cfg.Cache.Redis.DB,
			ClusterAddrs: cfg.Cache.Redis.ClusterAddrs,
			Namespace:    cfg.Cache.Redis.Namespace,
		})
		if err != nil {
			return nil, err
		}
		if cfg.Cache.Type == "redis" {
			return remote, nil
		}
		return caches.NewDual(caches.NewMemoryDefault(), remote, caches.DefaultDualConfig()), nil
	default:
		return caches.NewDualLocalOnly(), nil
	}
}

func newStore(ctx context.Context, cfg *config.Config) (auth.Store, error) {
	switch cfg.Store.Type {
	case "postgres":
		return postgres.New(ctx, postgres.Config{
			Host:         cfg.Store.Postgres.Host,
			Port:         cfg.Store.Postgres.Port,
			User:         cfg.Store.Postgres.User,
			Password:     cfg.Store.Postgres.Password,
			Database:     cfg.Store.Postgres.Database,
			SSLMode:      cfg.Store.Postgres.SSLMode,
			MaxOpenConns: cfg.Store.Postgres.MaxOpenConns,
			MaxIdleConns: cfg.Store.Postgres.MaxIdleConns,
			ConnLifetime: cfg.Store.Postgres.ConnLifetime,
			QueryTimeout: cfg.Store.Postgres.QueryTimeout,
		})
	default:
		return auth.NewMemoryStore(), nil
	}
}

func buildEngine(cfg *config.Config, masterKey string, loader *auth.Loader, tier cache.Cache, store auth.Store, alerts *auth.Dispatcher, logger *slog.Logger, tracer trace.Tracer) *auth.Engine {
	ttls := auth.LoaderTTLs{
		Key:        cfg.Cache.KeyTTL,
		Team:       cfg.Cache.TeamTTL,
		Org:        cfg.Cache.OrgTTL,
		EndUser:    cfg.Cache.EndUserTTL,
		Membership: cfg.Cache.MembershipTTL,
		Aggregate:  cfg.Cache.AggregateTTL,
	}

	var verifier *auth.JWTVerifier
	if cfg.JWT.Enabled {
		verifier = auth.NewJWTVerifier(auth.JWTVerifierConfig{
			JWKSURL:          cfg.JWT.JWKSURL,
			JWKSCacheTTL:     cfg.JWT.JWKSCacheTTL,
			Audience:         cfg.JWT.Audience,
			Issuer:           cfg.JWT.Issuer,
			FetchTimeout:     cfg.JWT.FetchTimeout,
			OAuth2Enabled:    cfg.JWT.OAuth2Enabled,
			ClientID:         cfg.JWT.ClientID,
			AdminScopeClaim:  cfg.JWT.AdminScopeClaim,
			AdminScopeValue:  cfg.JWT.AdminScopeValue,
			TeamScopeValue:   cfg.JWT.TeamScopeValue,
			TeamIDsClaim:     cfg.JWT.TeamIDsClaim,
			EndUserIDClaim:   cfg.JWT.EndUserIDClaim,
			RoleClaim:        cfg.JWT.RoleClaim,
			KeyMappingClaim:  cfg.JWT.KeyMappingClaim,
			MappingCacheTTL:  cfg.JWT.MappingCacheTTL,
			NegativeCacheTTL: cfg.JWT.NegativeCacheTTL,
		}, tier, store, logger)
	}

	return auth.NewEngine(auth.EngineOptions{
		Parser: auth.NewParser(auth.ParserConfig{
			MasterKey:          masterKey,
			VirtualKeyPrefix:   cfg.Auth.VirtualKeyPrefix,
			CustomHeaderName:   cfg.Auth.CustomHeaderName,
			QueryParamRoutes:   cfg.Auth.QueryParamRoutes,
			PassThroughHeaders: cfg.Auth.PassThroughHeaders,
		}),
		Routes: auth.NewRouteChecker(cfg.Auth.PublicRoutes, cfg.Auth.MasterOnlyRoutes, cfg.Auth.AdminOnlyRoutes),
		Loader: loader,
		JWT:    verifier,
		Perms:  auth.NewPermissionResolver(loader, cfg.Cache.TeamTTL, nil),
		Budget: auth.NewBudgetChecker(loader, alerts, auth.BudgetCheckerConfig{
			GlobalMaxBudget: cfg.Budget.GlobalMaxBudget,
			AggregateTTL:    cfg.Cache.AggregateTTL,
			ZeroCostModels:  cfg.Budget.ZeroCostModels,
			ModelCosts:      cfg.Budget.ModelCosts,
		}),
		Limiter:                 auth.NewRateLimiter(cfg.Auth.DefaultRPM),
		TTLs:                    ttls,
		EnforceIPAllowlist:      cfg.Auth.EnforceIPAllowlist,
		AllowOnStoreUnavailable: cfg.Auth.AllowOnStoreUnavailable,
		Logger:                  logger,
		Tracer:                  tracer,
	})
}
