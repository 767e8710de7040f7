// Package auth implements the request-authentication and budget-enforcement
// core of the gateway: credential parsing, identity resolution through the
// tiered cache, hierarchical permission and budget checks, and the final
// per-request decision.
package auth

import (
	"time"
)

// SubjectKind classifies who the resolved caller is.
type SubjectKind string

const (
	SubjectMaster     SubjectKind = "master"
	SubjectVirtualKey SubjectKind = "virtual_key"
	SubjectJWTAdmin   SubjectKind = "jwt_admin"
	SubjectJWTTeam    SubjectKind = "jwt_team"
	SubjectExternal   SubjectKind = "external"
	SubjectPublic     SubjectKind = "public"
)

// Role defines the role attached to a decision.
type Role string

const (
	RoleAdmin        Role = "admin"
	RoleInternalUser Role = "internal_user"
	RoleTeam         Role = "team"
	RoleViewer       Role = "viewer"
)

// ResourceKind names a permission-controlled resource class.
type ResourceKind string

const (
	ResourceModels       ResourceKind = "models"
	ResourceAgents       ResourceKind = "agents"
	ResourceMCPServers   ResourceKind = "mcp_servers"
	ResourceVectorStores ResourceKind = "vector_stores"
)

// ScopeLimits carries the rate limits resolved for one scope.
type ScopeLimits struct {
	TPM *int64 `json:"tpm,omitempty"`
	RPM *int64 `json:"rpm,omitempty"`
}

// ScopeBudget carries the budget state resolved for one scope.
type ScopeBudget struct {
	Spend      float64  `json:"spend"`
	MaxBudget  float64  `json:"max_budget"`            // 0 = unlimited
	SoftBudget *float64 `json:"soft_budget,omitempty"` // alert threshold
}

// AuthDecision is the canonical output of one authentication pass. It is
// immutable once produced; downstream routing and cost tracking read it from
// the request context.
type AuthDecision struct {
	SubjectKind SubjectKind `json:"subject_kind"`
	Role        Role        `json:"role"`

	KeyHash   string `json:"key_hash,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	TeamID    string `json:"team_id,omitempty"`
	OrgID     string `json:"organization_id,omitempty"`
	EndUserID string `json:"end_user_id,omitempty"`

	AllowedModels      []string `json:"allowed_models,omitempty"` // empty = no restriction
	AllowedModelRegion string   `json:"allowed_model_region,omitempty"`
	ObjectPermissionID string   `json:"object_permission_id,omitempty"`

	KeyLimits  ScopeLimits `json:"key_limits"`
	TeamLimits ScopeLimits `json:"team_limits"`

	KeyBudget  ScopeBudget `json:"key_budget"`
	TeamBudget ScopeBudget `json:"team_budget"`

	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// Degraded marks a fail-open decision produced while the credential
	// store was unreachable. Downstream applies its own fallback policy.
	Degraded bool `json:"degraded,omitempty"`

	// RequestID and TraceID tie the decision back to its tracing span.
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// KeyRecord is a virtual key as stored by the management plane. This engine
// only reads it.
type KeyRecord struct {
	TokenHash string  `json:"token_hash"` // primary key, never the raw token
	KeyPrefix string  `json:"key_prefix,omitempty"`
	Alias     *string `json:"key_alias,omitempty"`

	// Ownership
	UserID *string `json:"user_id,omitempty"`
	TeamID *string `json:"team_id,omitempty"`
	OrgID  *string `json:"organization_id,omitempty"`

	// Access control
	Models             []string `json:"models,omitempty"` // empty = no restriction
	ObjectPermissionID *string  `json:"object_permission_id,omitempty"`
	AllowedIPs         []string `json:"allowed_ips,omitempty"`

	// Rate limiting
	TPMLimit *int64 `json:"tpm_limit,omitempty"`
	RPMLimit *int64 `json:"rpm_limit,omitempty"`

	// Budget
	MaxBudget             float64    `json:"max_budget,omitempty"` // 0 = unlimited
	SoftBudget            *float64   `json:"soft_budget,omitempty"`
	Spend                 float64    `json:"spend"`
	BudgetIncrease        float64    `json:"budget_increase,omitempty"` // temporary grant
	BudgetIncreaseExpires *time.Time `json:"budget_increase_expires,omitempty"`

	// Status
	Blocked   bool       `json:"blocked"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// Rotation grace
	PreviousToken        string     `json:"previous_token,omitempty"` // hash of the pre-rotation token
	PreviousTokenExpires *time.Time `json:"previous_token_expires,omitempty"`

	LastRefreshedAt time.Time `json:"last_refreshed_at"`
}

// TeamRecord is a team as stored by the management plane.
type TeamRecord struct {
	ID    string  `json:"team_id"`
	Alias *string `json:"team_alias,omitempty"`
	OrgID *string `json:"organization_id,omitempty"`

	Members []string `json:"members,omitempty"`

	Models             []string `json:"models,omitempty"` // empty = no restriction
	ObjectPermissionID *string  `json:"object_permission_id,omitempty"`

	TPMLimit *int64 `json:"tpm_limit,omitempty"`
	RPMLimit *int64 `json:"rpm_limit,omitempty"`

	MaxBudget  float64  `json:"max_budget,omitempty"`
	SoftBudget *float64 `json:"soft_budget,omitempty"`
	Spend      float64  `json:"spend"`

	Blocked bool `json:"blocked"`

	LastRefreshedAt time.Time `json:"last_refreshed_at"`
}

// TeamMembership is the per-user-within-team budget record.
type TeamMembership struct {
	TeamID    string  `json:"team_id"`
	UserID    string  `json:"user_id"`
	Spend     float64 `json:"spend"`
	MaxBudget float64 `json:"max_budget,omitempty"` // 0 = unlimited
}

// OrganizationRecord is an organization as stored by the management plane.
type OrganizationRecord struct {
	ID        string   `json:"organization_id"`
	Models    []string `json:"models,omitempty"`
	MaxBudget float64  `json:"max_budget,omitempty"`
	Spend     float64  `json:"spend"`
}

// EndUserRecord is the budget/region record for the `user` field LLM API
// clients pass with their requests.
type EndUserRecord struct {
	UserID             string  `json:"user_id"`
	MaxBudget          float64 `json:"max_budget,omitempty"`
	Spend              float64 `json:"spend"`
	Blocked            bool    `json:"blocked"`
	AllowedModelRegion string  `json:"allowed_model_region,omitempty"`
}

// ObjectPermissionRecord holds direct allow-sets plus named access groups
// that expand to further allow-sets at resolution time.
type ObjectPermissionRecord struct {
	ID           string   `json:"object_permission_id"`
	Agents       []string `json:"agents,omitempty"`
	MCPServers   []string `json:"mcp_servers,omitempty"`
	VectorStores []string `json:"vector_stores,omitempty"`
	AccessGroups []string `json:"access_groups,omitempty"`
}

// AccessGroupRecord is the expansion of one named access group.
type AccessGroupRecord struct {
	Name         string   `json:"name"`
	Agents       []string `json:"agents,omitempty"`
	MCPServers   []string `json:"mcp_servers,omitempty"`
	VectorStores []string `json:"vector_stores,omitempty"`
}

// JWTClaimMapping maps a configured claim value (e.g. an email) to an
// existing key hash.
type JWTClaimMapping struct {
	ClaimValue string `json:"claim_value"`
	KeyHash    string `json:"key_hash"`
}

// normalizeUTC treats naive timestamps as UTC before comparison. Records
// written by other runtimes may carry zero-offset local times.
func normalizeUTC(t time.Time) time.Time {
	if t.Location() == time.Local {
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
	}
	return t.UTC()
}

// IsExpired checks whether the key is past its expiry at the given instant.
func (k *KeyRecord) IsExpired(now time.Time) bool {
	if k.ExpiresAt == nil {
		return false
	}
	return now.UTC().After(normalizeUTC(*k.ExpiresAt))
}

// EffectiveMaxBudget returns the hard budget cap including any unexpired
// temporary increase. Zero means unlimited.
func (k *KeyRecord) EffectiveMaxBudget(now time.Time) float64 {
	if k.MaxBudget <= 0 {
		return 0
	}
	max := k.MaxBudget
	if k.BudgetIncrease > 0 && k.BudgetIncreaseExpires != nil && now.UTC().Before(normalizeUTC(*k.BudgetIncreaseExpires)) {
		max += k.BudgetIncrease
	}
	return max
}

// InGracePeriod reports whether the previous token still authenticates.
func (k *KeyRecord) InGracePeriod(now time.Time) bool {
	if k.PreviousToken == "" || k.PreviousTokenExpires == nil {
		return false
	}
	return now.UTC().Before(normalizeUTC(*k.PreviousTokenExpires))
}

// AllowsModel checks the key's own model list (empty = no restriction).
func (k *KeyRecord) AllowsModel(model string) bool {
	return allowsModel(k.Models, model)
}

// AllowsModel checks the team's model list (empty = no restriction).
func (t *TeamRecord) AllowsModel(model string) bool {
	return allowsModel(t.Models, model)
}

// AllowsModel checks the organization's model list (empty = no restriction).
func (o *OrganizationRecord) AllowsModel(model string) bool {
	return allowsModel(o.Models, model)
}

func allowsModel(models []string, model string) bool {
	if len(models) == 0 {
		return true
	}
	for _, m := range models {
		if m == model || m == "*" {
			return true
		}
	}
	return false
}
