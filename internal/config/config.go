// Package config provides configuration management for the gateway auth core,
// with hot-reload support via fsnotify and atomic pointer swaps.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete auth core configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	JWT      JWTConfig      `yaml:"jwt"`
	Cache    CacheConfig    `yaml:"cache"`
	Store    StoreConfig    `yaml:"store"`
	Budget   BudgetConfig   `yaml:"budget"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Alerting AlertingConfig `yaml:"alerting"`
}

// ServerConfig contains HTTP server settings for the demo binary.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// AuthConfig contains credential parsing and gating settings.
type AuthConfig struct {
	// MasterKey is the operator key. May be a literal value or a secret
	// reference of the form "env://NAME" or "vault://mount/path#field".
	MasterKey string `yaml:"master_key"`

	// VirtualKeyPrefix marks credentials issued by this gateway (default "sk-").
	VirtualKeyPrefix string `yaml:"virtual_key_prefix"`

	// CustomHeaderName is an operator-configured extra credential header.
	CustomHeaderName string `yaml:"custom_header_name"`

	// QueryParamRoutes lists routes that may carry the credential in the
	// "key" query parameter.
	QueryParamRoutes []string `yaml:"query_param_routes"`

	// PassThroughHeaders maps a pass-through route to the header carrying
	// its credential.
	PassThroughHeaders map[string]string `yaml:"pass_through_headers"`

	// PublicRoutes require no credential at all.
	PublicRoutes []string `yaml:"public_routes"`

	// MasterOnlyRoutes accept only the master key.
	MasterOnlyRoutes []string `yaml:"master_only_routes"`

	// AdminOnlyRoutes accept the master key or an admin-role JWT.
	AdminOnlyRoutes []string `yaml:"admin_only_routes"`

	// EnforceIPAllowlist enables per-key source IP checks using
	// x-forwarded-for style headers.
	EnforceIPAllowlist bool `yaml:"enforce_ip_allowlist"`

	// AllowOnStoreUnavailable enables the fail-open degraded decision when
	// the credential store is unreachable. Default is fail-closed.
	AllowOnStoreUnavailable bool `yaml:"allow_on_store_unavailable"`

	// DefaultRPM applies when a resolved identity carries no RPM limit.
	// Zero disables the engine-side rate gate.
	DefaultRPM int `yaml:"default_rpm"`
}

// JWTConfig contains JWT/OIDC verification settings.
type JWTConfig struct {
	Enabled       bool          `yaml:"enabled"`
	JWKSURL       string        `yaml:"jwks_url"`
	JWKSCacheTTL  time.Duration `yaml:"jwks_cache_ttl"` // default 10 minutes
	Audience      string        `yaml:"audience"`
	Issuer        string        `yaml:"issuer"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout"` // JWKS HTTP timeout

	// OAuth2Enabled switches on OIDC discovery-based verification using the
	// issuer URL instead of a static JWKS endpoint.
	OAuth2Enabled bool   `yaml:"oauth2_enabled"`
	ClientID      string `yaml:"client_id"`

	// Claim field names.
	AdminScopeClaim  string `yaml:"admin_scope_claim"`  // e.g. "scope"
	AdminScopeValue  string `yaml:"admin_scope_value"`  // e.g. "gateway_admin"
	TeamScopeValue   string `yaml:"team_scope_value"`   // scope granting team auth
	TeamIDsClaim     string `yaml:"team_ids_claim"`     // e.g. "groups"
	EndUserIDClaim   string `yaml:"end_user_id_claim"`  // e.g. "sub"
	RoleClaim        string `yaml:"role_claim"`         // generic RBAC role
	KeyMappingClaim  string `yaml:"key_mapping_claim"`  // claim looked up in the claim->key table
	MappingCacheTTL  time.Duration `yaml:"mapping_cache_ttl"`  // positive hits
	NegativeCacheTTL time.Duration `yaml:"negative_cache_ttl"` // "no mapping" entries
}

// CacheConfig contains record cache TTLs and tier settings.
type CacheConfig struct {
	Type      string        `yaml:"type"` // local, redis, dual
	KeyTTL    time.Duration `yaml:"key_ttl"`
	TeamTTL   time.Duration `yaml:"team_ttl"`
	OrgTTL    time.Duration `yaml:"org_ttl"`
	EndUserTTL time.Duration `yaml:"end_user_ttl"`
	MembershipTTL time.Duration `yaml:"membership_ttl"`
	AggregateTTL  time.Duration `yaml:"aggregate_ttl"`
	Redis     RedisConfig   `yaml:"redis"`
}

// RedisConfig mirrors the shared tier settings.
type RedisConfig struct {
	Addr         string   `yaml:"addr"`
	Password     string   `yaml:"password"`
	DB           int      `yaml:"db"`
	ClusterAddrs []string `yaml:"cluster_addrs"`
	Namespace    string   `yaml:"namespace"`
}

// StoreConfig selects and configures the credential store backend.
type StoreConfig struct {
	Type     string         `yaml:"type"` // memory, postgres
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	User         string        `yaml:"user"`
	Password     string        `yaml:"password"`
	Database     string        `yaml:"database"`
	SSLMode      string        `yaml:"ssl_mode"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnLifetime time.Duration `yaml:"conn_lifetime"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// BudgetConfig contains budget enforcement settings.
type BudgetConfig struct {
	// GlobalMaxBudget is the operator-wide spend cap. Zero disables the
	// global scope check.
	GlobalMaxBudget float64 `yaml:"global_max_budget"`

	// ZeroCostModels are exempt from all budget checks.
	ZeroCostModels []string `yaml:"zero_cost_models"`

	// ModelCosts is the router's per-model cost table (USD per 1k tokens).
	// Models with an explicit zero entry are treated as zero-cost.
	ModelCosts map[string]float64 `yaml:"model_costs"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`     // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string  `yaml:"service_name"` // Service name for traces
	SampleRate  float64 `yaml:"sample_rate"`  // Sampling rate (0.0 to 1.0)
	Insecure    bool    `yaml:"insecure"`     // Use insecure connection (no TLS)
}

// AlertingConfig controls the fire-and-forget budget alert dispatcher.
type AlertingConfig struct {
	Enabled    bool          `yaml:"enabled"`
	QueueSize  int           `yaml:"queue_size"`
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Default returns a configuration with sensible defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout <= 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}
	if c.Auth.VirtualKeyPrefix == "" {
		c.Auth.VirtualKeyPrefix = "sk-"
	}
	if len(c.Auth.PublicRoutes) == 0 {
		c.Auth.PublicRoutes = []string{"/health", "/metrics", "/v1/models"}
	}
	if c.JWT.JWKSCacheTTL <= 0 {
		c.JWT.JWKSCacheTTL = 10 * time.Minute
	}
	if c.JWT.FetchTimeout <= 0 {
		c.JWT.FetchTimeout = 5 * time.Second
	}
	if c.JWT.MappingCacheTTL <= 0 {
		c.JWT.MappingCacheTTL = 5 * time.Minute
	}
	if c.JWT.NegativeCacheTTL <= 0 {
		c.JWT.NegativeCacheTTL = 30 * time.Second
	}
	if c.Cache.Type == "" {
		c.Cache.Type = "local"
	}
	if c.Cache.KeyTTL <= 0 {
		c.Cache.KeyTTL = 30 * time.Second
	}
	if c.Cache.TeamTTL <= 0 {
		c.Cache.TeamTTL = 30 * time.Second
	}
	if c.Cache.OrgTTL <= 0 {
		c.Cache.OrgTTL = 60 * time.Second
	}
	if c.Cache.EndUserTTL <= 0 {
		c.Cache.EndUserTTL = 30 * time.Second
	}
	if c.Cache.MembershipTTL <= 0 {
		c.Cache.MembershipTTL = 15 * time.Second
	}
	if c.Cache.AggregateTTL <= 0 {
		c.Cache.AggregateTTL = 10 * time.Second
	}
	if c.Store.Type == "" {
		c.Store.Type = "memory"
	}
	if c.Store.Postgres.QueryTimeout <= 0 {
		c.Store.Postgres.QueryTimeout = 3 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Alerting.QueueSize <= 0 {
		c.Alerting.QueueSize = 256
	}
	if c.Alerting.Timeout <= 0 {
		c.Alerting.Timeout = 5 * time.Second
	}
}

// Validate checks the configuration for operator mistakes that would make
// authentication undecidable at request time.
func (c *Config) Validate() error {
	if c.JWT.Enabled && !c.JWT.OAuth2Enabled && c.JWT.JWKSURL == "" {
		return fmt.Errorf("jwt auth enabled but jwks_url is empty")
	}
	if c.JWT.OAuth2Enabled && c.JWT.Issuer == "" {
		return fmt.Errorf("oauth2 enabled but issuer is empty")
	}
	if c.Budget.GlobalMaxBudget < 0 {
		return fmt.Errorf("global_max_budget must not be negative")
	}
	switch c.Store.Type {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown store type %q", c.Store.Type)
	}
	switch c.Cache.Type {
	case "local", "redis", "dual":
	default:
		return fmt.Errorf("unknown cache type %q", c.Cache.Type)
	}
	return nil
}

// LoadFromFile loads and validates a YAML configuration file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}
