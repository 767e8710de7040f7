// Package postgres implements the credential store against PostgreSQL. The
// auth core only reads; every query is a point lookup on an indexed column.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/prismgate/prismgate/internal/auth"
)

// Config holds connection settings.
type Config struct {
	Host         string
	Port         int
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
	QueryTimeout time.Duration
}

// Store implements auth.Store on PostgreSQL via lib/pq.
type Store struct {
	db           *sql.DB
	queryTimeout time.Duration
}

// New opens a connection pool and verifies connectivity.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 3 * time.Second
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db, queryTimeout: cfg.QueryTimeout}, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.queryTimeout)
}

const keyColumns = `token_hash, key_prefix, key_alias, user_id, team_id, organization_id,
	models, object_permission_id, allowed_ips, tpm_limit, rpm_limit,
	max_budget, soft_budget, spend, budget_increase, budget_increase_expires,
	blocked, expires_at, previous_token, previous_token_expires, last_refreshed_at`

func (s *Store) scanKey(row *sql.Row) (*auth.KeyRecord, error) {
	var (
		k          auth.KeyRecord
		keyPrefix  sql.NullString
		prevToken  sql.NullString
		maxBudget  sql.NullFloat64
		budgetInc  sql.NullFloat64
	)
	err := row.Scan(
		&k.TokenHash, &keyPrefix, &k.Alias, &k.UserID, &k.TeamID, &k.OrgID,
		pq.Array(&k.Models), &k.ObjectPermissionID, pq.Array(&k.AllowedIPs),
		&k.TPMLimit, &k.RPMLimit,
		&maxBudget, &k.SoftBudget, &k.Spend, &budgetInc, &k.BudgetIncreaseExpires,
		&k.Blocked, &k.ExpiresAt, &prevToken, &k.PreviousTokenExpires, &k.LastRefreshedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, fmt.Errorf("scan key: %w", err)
	}
	k.KeyPrefix = keyPrefix.String
	k.PreviousToken = prevToken.String
	k.MaxBudget = maxBudget.Float64
	k.BudgetIncrease = budgetInc.Float64
	return &k, nil
}

func (s *Store) GetKeyByHash(ctx context.Context, tokenHash string) (*auth.KeyRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM virtual_keys WHERE token_hash = $1`, tokenHash)
	return s.scanKey(row)
}

func (s *Store) GetKeyByPreviousToken(ctx context.Context, tokenHash string) (*auth.KeyRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM virtual_keys WHERE previous_token = $1`, tokenHash)
	return s.scanKey(row)
}

func (s *Store) GetTeam(ctx context.Context, teamID string) (*auth.TeamRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		t         auth.TeamRecord
		maxBudget sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT team_id, team_alias, organization_id, members, models,
			object_permission_id, tpm_limit, rpm_limit,
			max_budget, soft_budget, spend, blocked, last_refreshed_at
		 FROM teams WHERE team_id = $1`, teamID).Scan(
		&t.ID, &t.Alias, &t.OrgID, pq.Array(&t.Members), pq.Array(&t.Models),
		&t.ObjectPermissionID, &t.TPMLimit, &t.RPMLimit,
		&maxBudget, &t.SoftBudget, &t.Spend, &t.Blocked, &t.LastRefreshedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, fmt.Errorf("scan team: %w", err)
	}
	t.MaxBudget = maxBudget.Float64
	return &t, nil
}

func (s *Store) GetOrganization(ctx context.Context, orgID string) (*auth.OrganizationRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		o         auth.OrganizationRecord
		maxBudget sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT organization_id, models, max_budget, spend
		 FROM organizations WHERE organization_id = $1`, orgID).Scan(
		&o.ID, pq.Array(&o.Models), &maxBudget, &o.Spend,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, fmt.Errorf("scan organization: %w", err)
	}
	o.MaxBudget = maxBudget.Float64
	return &o, nil
}

func (s *Store) GetEndUser(ctx context.Context, userID string) (*auth.EndUserRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		u         auth.EndUserRecord
		maxBudget sql.NullFloat64
		region    sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, max_budget, spend, blocked, allowed_model_region
		 FROM end_users WHERE user_id = $1`, userID).Scan(
		&u.UserID, &maxBudget, &u.Spend, &u.Blocked, &region,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, fmt.Errorf("scan end user: %w", err)
	}
	u.MaxBudget = maxBudget.Float64
	u.AllowedModelRegion = region.String
	return &u, nil
}

func (s *Store) GetObjectPermission(ctx context.Context, permID string) (*auth.ObjectPermissionRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var p auth.ObjectPermissionRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT object_permission_id, agents, mcp_servers, vector_stores, access_groups
		 FROM object_permissions WHERE object_permission_id = $1`, permID).Scan(
		&p.ID, pq.Array(&p.Agents), pq.Array(&p.MCPServers),
		pq.Array(&p.VectorStores), pq.Array(&p.AccessGroups),
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, fmt.Errorf("scan object permission: %w", err)
	}
	return &p, nil
}

func (s *Store) GetAccessGroup(ctx context.Context, name string) (*auth.AccessGroupRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var g auth.AccessGroupRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT name, agents, mcp_servers, vector_stores
		 FROM access_groups WHERE name = $1`, name).Scan(
		&g.Name, pq.Array(&g.Agents), pq.Array(&g.MCPServers), pq.Array(&g.VectorStores),
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, fmt.Errorf("scan access group: %w", err)
	}
	return &g, nil
}

func (s *Store) GetTeamMembership(ctx context.Context, teamID, userID string) (*auth.TeamMembership, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		m         auth.TeamMembership
		maxBudget sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT team_id, user_id, spend, max_budget
		 FROM team_memberships WHERE team_id = $1 AND user_id = $2`, teamID, userID).Scan(
		&m.TeamID, &m.UserID, &m.Spend, &maxBudget,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, fmt.Errorf("scan team membership: %w", err)
	}
	m.MaxBudget = maxBudget.Float64
	return &m, nil
}

func (s *Store) GetJWTClaimMapping(ctx context.Context, claimValue string) (*auth.JWTClaimMapping, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var m auth.JWTClaimMapping
	err := s.db.QueryRowContext(ctx,
		`SELECT claim_value, key_hash FROM jwt_claim_mappings WHERE claim_value = $1`,
		claimValue).Scan(&m.ClaimValue, &m.KeyHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, fmt.Errorf("scan claim mapping: %w", err)
	}
	return &m, nil
}

func (s *Store) GetAggregateSpend(ctx context.Context) (float64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `SELECT SUM(spend) FROM virtual_keys`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("aggregate spend: %w", err)
	}
	return total.Float64, nil
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
