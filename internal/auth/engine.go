package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/prismgate/prismgate/internal/metrics"
	"github.com/prismgate/prismgate/internal/observability"
	autherrors "github.com/prismgate/prismgate/pkg/errors"
)

// Engine runs one authentication pass end to end: extract, classify,
// resolve, gate, and price-check. It holds only immutable snapshot state;
// on config reload the caller builds a fresh engine and swaps the pointer.
type Engine struct {
	parser  *Parser
	routes  *RouteChecker
	loader  *Loader
	jwt     *JWTVerifier
	perms   *PermissionResolver
	budget  *BudgetChecker
	limiter *RateLimiter

	external ExternalAuthFunc
	ttls     LoaderTTLs

	enforceIP bool
	failOpen  bool

	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// EngineOptions wires the engine's collaborators.
type EngineOptions struct {
	Parser   *Parser
	Routes   *RouteChecker
	Loader   *Loader
	JWT      *JWTVerifier // nil disables JWT auth
	Perms    *PermissionResolver
	Budget   *BudgetChecker
	Limiter  *RateLimiter
	External ExternalAuthFunc // nil disables the external hook
	TTLs     LoaderTTLs

	EnforceIPAllowlist      bool
	AllowOnStoreUnavailable bool

	Logger *slog.Logger
	Tracer trace.Tracer
}

// NewEngine creates an engine from its collaborators.
func NewEngine(opts EngineOptions) *Engine {
	return &Engine{
		parser:    opts.Parser,
		routes:    opts.Routes,
		loader:    opts.Loader,
		jwt:       opts.JWT,
		perms:     opts.Perms,
		budget:    opts.Budget,
		limiter:   opts.Limiter,
		external:  opts.External,
		ttls:      opts.TTLs,
		enforceIP: opts.EnforceIPAllowlist,
		failOpen:  opts.AllowOnStoreUnavailable,
		logger:    opts.Logger,
		tracer:    opts.Tracer,
		now:       time.Now,
	}
}

// Authenticate decides whether the request may proceed and under which
// identity. The returned error, when non-nil, is always an
// *autherrors.AuthError carrying the HTTP status to send.
func (e *Engine) Authenticate(ctx context.Context, req *Request) (*AuthDecision, error) {
	start := e.now()
	ctx, span := observability.StartAuthSpan(ctx, e.tracer, req.Route)
	defer span.End()

	decision, err := e.authenticate(ctx, req, 0)

	metrics.AuthDuration.Observe(e.now().Sub(start).Seconds())
	if err != nil {
		observability.RecordError(span, err)
		if ae, ok := autherrors.As(err); ok {
			metrics.AuthRejections.WithLabelValues(string(ae.Kind)).Inc()
		}
		return nil, err
	}

	decision.RequestID = uuid.NewString()
	if sc := span.SpanContext(); sc.HasTraceID() {
		decision.TraceID = sc.TraceID().String()
	}
	observability.RecordDecision(span, string(decision.SubjectKind))
	metrics.AuthDecisions.WithLabelValues(string(decision.SubjectKind)).Inc()
	return decision, nil
}

// authenticate is the recursion target for external-hook credential
// replacement. depth guards against a hook that loops forever.
func (e *Engine) authenticate(ctx context.Context, req *Request, depth int) (*AuthDecision, error) {
	if depth > 1 {
		return nil, autherrors.NewMisconfiguredAuthError("external auth hook replaced the credential more than once")
	}

	cred := e.parser.Extract(req)

	if cred.Kind == KindNone {
		if e.routes.IsPublic(req.Route) {
			return &AuthDecision{SubjectKind: SubjectPublic, Role: RoleViewer}, nil
		}
		return nil, autherrors.NewMalformedCredentialError("no credential found in request")
	}

	switch cred.Kind {
	case KindMaster:
		return &AuthDecision{SubjectKind: SubjectMaster, Role: RoleAdmin}, nil
	case KindJWT:
		return e.authenticateJWT(ctx, req, cred)
	default:
		return e.authenticateKey(ctx, req, cred, depth)
	}
}

func (e *Engine) authenticateKey(ctx context.Context, req *Request, cred Credential, depth int) (*AuthDecision, error) {
	// Route gating is a pure function of (route, role); a key can never
	// satisfy a master-only route, so reject before touching the store.
	if err := e.routes.Check(req.Route, SubjectVirtualKey, RoleTeam); err != nil {
		return nil, err
	}

	tokenHash := HashToken(cred.Raw)

	key, err := e.loader.GetKey(ctx, tokenHash, e.ttls.Key)
	if err != nil && IsNotFound(err) {
		// Rotation grace: the pre-rotation token may still be valid.
		if rotated := resolveRotated(ctx, e.loader, tokenHash, e.ttls.Key, e.now(), e.logger); rotated != nil {
			key, err = rotated, nil
		}
	}
	if err != nil {
		if IsNotFound(err) {
			return e.tryExternal(ctx, req, cred, depth)
		}
		if e.failOpen {
			e.logger.Error("credential store unavailable, allowing degraded",
				"route", req.Route, "credential", MaskToken(cred.Raw))
			// Admin-equivalent so downstream applies its own fallback
			// policy; Degraded is the signal.
			return &AuthDecision{
				SubjectKind: SubjectVirtualKey,
				Role:        RoleAdmin,
				KeyHash:     tokenHash,
				Degraded:    true,
			}, nil
		}
		return nil, autherrors.NewStoreUnavailableError("credential store is unreachable").
			WithCredential(MaskToken(cred.Raw))
	}

	return e.resolveKeyDecision(ctx, req, key, SubjectVirtualKey, RoleTeam, MaskToken(cred.Raw))
}

// resolveKeyDecision runs the full gate sequence for a resolved key record:
// status, route, hierarchy records, permissions, budgets, rate.
func (e *Engine) resolveKeyDecision(ctx context.Context, req *Request, key *KeyRecord, kind SubjectKind, role Role, maskedCred string) (*AuthDecision, error) {
	now := e.now()

	if key.Blocked {
		return nil, autherrors.NewBlockedKeyError("key is blocked").WithCredential(maskedCred)
	}
	if key.IsExpired(now) {
		return nil, autherrors.NewExpiredKeyError("key is expired").WithCredential(maskedCred)
	}
	if e.enforceIP {
		if err := ValidateIPAllowlist(req.ClientIP, key.AllowedIPs); err != nil {
			return nil, err
		}
	}
	if err := e.routes.Check(req.Route, kind, role); err != nil {
		return nil, err
	}

	team, org, membership, err := e.loadHierarchy(ctx, key)
	if err != nil {
		return nil, err
	}
	if team != nil && team.Blocked {
		return nil, autherrors.NewBlockedTeamError(fmt.Sprintf("team %q is blocked", team.ID))
	}
	// A team edited after the key record was cached may carry changes the
	// key snapshot has not seen. Drop the stale key entry so the next
	// request reloads it; this request proceeds on the team's fresh state.
	if team != nil && team.LastRefreshedAt.After(key.LastRefreshedAt) {
		_ = e.loader.Invalidate(ctx, "key:"+key.TokenHash)
	}

	var endUser *EndUserRecord
	if req.EndUserID != "" {
		endUser, err = e.loadEndUser(ctx, req.EndUserID)
		if err != nil {
			return nil, err
		}
		if endUser != nil && endUser.Blocked {
			return nil, autherrors.NewBlockedEndUserError(fmt.Sprintf("end user %q is blocked", req.EndUserID))
		}
	}

	for _, model := range append([]string{req.Model}, req.FallbackModels...) {
		if err := e.perms.CheckModel(model, key, team, org); err != nil {
			return nil, err
		}
	}

	if err := e.budget.Check(ctx, req.Model, endUser, key, membership, team, org, now); err != nil {
		return nil, err
	}

	rateID := key.TokenHash
	if !e.limiter.Allow(rateID, key.RPMLimit) {
		return nil, autherrors.NewRateLimitedError("key request rate exceeded")
	}

	return e.buildDecision(kind, role, key, team, org, endUser), nil
}

func (e *Engine) authenticateJWT(ctx context.Context, req *Request, cred Credential) (*AuthDecision, error) {
	if e.jwt == nil {
		return nil, autherrors.NewJWTInvalidError("jwt authentication is not enabled")
	}
	id, err := e.jwt.Identify(ctx, cred.Raw)
	if err != nil {
		return nil, err
	}

	// A claim mapping routes the JWT subject onto an existing virtual key
	// and its whole budget hierarchy.
	if id.MappedKeyHash != "" {
		kind := SubjectJWTTeam
		if id.IsAdmin {
			kind = SubjectJWTAdmin
		}
		key, err := e.loader.GetKey(ctx, id.MappedKeyHash, e.ttls.Key)
		if err != nil {
			if IsNotFound(err) {
				return nil, autherrors.NewUnknownTokenError("claim mapping points at a missing key")
			}
			if e.failOpen {
				e.logger.Error("credential store unavailable, allowing degraded",
					"route", req.Route, "subject", id.Subject)
				// Same degraded stance as the virtual-key path: the token
				// itself verified, only the mapped record is unreachable.
				return &AuthDecision{
					SubjectKind: kind,
					Role:        RoleAdmin,
					KeyHash:     id.MappedKeyHash,
					UserID:      id.Subject,
					Degraded:    true,
				}, nil
			}
			return nil, autherrors.NewStoreUnavailableError("credential store is unreachable")
		}
		dec, err := e.resolveKeyDecision(ctx, req, key, kind, id.Role, id.Subject)
		if err != nil {
			return nil, err
		}
		if dec.EndUserID == "" {
			dec.EndUserID = id.EndUserID
		}
		dec.UserID = id.Subject
		return dec, nil
	}

	if id.IsAdmin {
		if err := e.routes.Check(req.Route, SubjectJWTAdmin, RoleAdmin); err != nil {
			return nil, err
		}
		return &AuthDecision{
			SubjectKind: SubjectJWTAdmin,
			Role:        RoleAdmin,
			UserID:      id.Subject,
			EndUserID:   id.EndUserID,
		}, nil
	}

	team, err := e.firstResolvableTeam(ctx, id.TeamIDs)
	if err != nil {
		return nil, err
	}
	if team == nil {
		return nil, autherrors.NewUnknownTokenError("token maps to no known team")
	}
	if team.Blocked {
		return nil, autherrors.NewBlockedTeamError(fmt.Sprintf("team %q is blocked", team.ID))
	}
	if err := e.routes.Check(req.Route, SubjectJWTTeam, id.Role); err != nil {
		return nil, err
	}

	var org *OrganizationRecord
	if team.OrgID != nil && *team.OrgID != "" {
		org, err = e.loadOrg(ctx, *team.OrgID)
		if err != nil {
			return nil, err
		}
	}

	var endUser *EndUserRecord
	endUserID := req.EndUserID
	if endUserID == "" {
		endUserID = id.EndUserID
	}
	if endUserID != "" {
		endUser, err = e.loadEndUser(ctx, endUserID)
		if err != nil {
			return nil, err
		}
		if endUser != nil && endUser.Blocked {
			return nil, autherrors.NewBlockedEndUserError(fmt.Sprintf("end user %q is blocked", endUserID))
		}
	}

	for _, model := range append([]string{req.Model}, req.FallbackModels...) {
		if err := e.perms.CheckModel(model, nil, team, org); err != nil {
			return nil, err
		}
	}
	if err := e.budget.Check(ctx, req.Model, endUser, nil, nil, team, org, e.now()); err != nil {
		return nil, err
	}
	if !e.limiter.Allow("team:"+team.ID, team.RPMLimit) {
		return nil, autherrors.NewRateLimitedError("team request rate exceeded")
	}

	dec := e.buildDecision(SubjectJWTTeam, id.Role, nil, team, org, endUser)
	dec.UserID = id.Subject
	if dec.EndUserID == "" {
		dec.EndUserID = endUserID
	}
	return dec, nil
}

// tryExternal consults the operator hook for tokens the store does not know.
func (e *Engine) tryExternal(ctx context.Context, req *Request, cred Credential, depth int) (*AuthDecision, error) {
	if e.external == nil {
		return nil, autherrors.NewUnknownTokenError("no record matches this token").
			WithCredential(MaskToken(cred.Raw))
	}
	res, err := e.external(ctx, req, cred.Raw)
	if err != nil {
		if _, ok := autherrors.As(err); ok {
			return nil, err
		}
		return nil, autherrors.NewUnknownTokenError(fmt.Sprintf("external auth rejected the credential: %v", err))
	}
	switch {
	case res == nil:
		return nil, autherrors.NewUnknownTokenError("no record matches this token").
			WithCredential(MaskToken(cred.Raw))
	case res.Decision != nil:
		dec := *res.Decision
		if dec.SubjectKind == "" {
			dec.SubjectKind = SubjectExternal
		}
		return &dec, nil
	case res.ReplacementCredential != "":
		replaced := *req
		replaced.Headers = req.Headers.Clone()
		replaced.Headers.Set("Authorization", "Bearer "+res.ReplacementCredential)
		return e.authenticate(ctx, &replaced, depth+1)
	default:
		return nil, autherrors.NewMisconfiguredAuthError("external auth hook returned an empty result")
	}
}

func (e *Engine) loadHierarchy(ctx context.Context, key *KeyRecord) (*TeamRecord, *OrganizationRecord, *TeamMembership, error) {
	var (
		team       *TeamRecord
		org        *OrganizationRecord
		membership *TeamMembership
		err        error
	)

	if key.TeamID != nil && *key.TeamID != "" {
		team, err = e.loadTeam(ctx, *key.TeamID)
		if err != nil {
			return nil, nil, nil, err
		}
		if team != nil && key.UserID != nil && *key.UserID != "" {
			membership, err = e.loadMembership(ctx, team.ID, *key.UserID)
			if err != nil {
				return nil, nil, nil, err
			}
		}
	}

	orgID := ""
	if key.OrgID != nil && *key.OrgID != "" {
		orgID = *key.OrgID
	} else if team != nil && team.OrgID != nil {
		orgID = *team.OrgID
	}
	if orgID != "" {
		org, err = e.loadOrg(ctx, orgID)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	return team, org, membership, nil
}

// firstResolvableTeam walks the token's group claims in order and returns
// the first team the store knows. Groups without a matching team record are
// skipped; when every group dangles the result is nil.
func (e *Engine) firstResolvableTeam(ctx context.Context, teamIDs []string) (*TeamRecord, error) {
	for _, teamID := range teamIDs {
		team, err := e.loadTeam(ctx, teamID)
		if err != nil {
			return nil, err
		}
		if team != nil {
			return team, nil
		}
	}
	return nil, nil
}

// The hierarchy loads below treat a missing record as absence of that scope
// rather than an error: a key may reference a team deleted after issuance,
// and the narrower scopes still bind.

func (e *Engine) loadTeam(ctx context.Context, teamID string) (*TeamRecord, error) {
	team, err := e.loader.GetTeam(ctx, teamID, e.ttls.Team)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, autherrors.NewStoreUnavailableError("team lookup failed")
	}
	return team, nil
}

func (e *Engine) loadOrg(ctx context.Context, orgID string) (*OrganizationRecord, error) {
	org, err := e.loader.GetOrganization(ctx, orgID, e.ttls.Org)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, autherrors.NewStoreUnavailableError("organization lookup failed")
	}
	return org, nil
}

func (e *Engine) loadEndUser(ctx context.Context, userID string) (*EndUserRecord, error) {
	eu, err := e.loader.GetEndUser(ctx, userID, e.ttls.EndUser)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, autherrors.NewStoreUnavailableError("end user lookup failed")
	}
	return eu, nil
}

func (e *Engine) loadMembership(ctx context.Context, teamID, userID string) (*TeamMembership, error) {
	m, err := e.loader.GetTeamMembership(ctx, teamID, userID, e.ttls.Membership)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, autherrors.NewStoreUnavailableError("team membership lookup failed")
	}
	return m, nil
}

func (e *Engine) buildDecision(kind SubjectKind, role Role, key *KeyRecord, team *TeamRecord, org *OrganizationRecord, endUser *EndUserRecord) *AuthDecision {
	dec := &AuthDecision{
		SubjectKind:        kind,
		Role:               role,
		AllowedModels:      e.perms.EffectiveModels(key, team, org),
		ObjectPermissionID: EffectivePermissionID(key, team),
	}
	now := e.now()

	if key != nil {
		dec.KeyHash = key.TokenHash
		dec.KeyPrefix = key.KeyPrefix
		if key.UserID != nil {
			dec.UserID = *key.UserID
		}
		dec.KeyLimits = ScopeLimits{TPM: key.TPMLimit, RPM: key.RPMLimit}
		dec.KeyBudget = ScopeBudget{
			Spend:      key.Spend,
			MaxBudget:  key.EffectiveMaxBudget(now),
			SoftBudget: key.SoftBudget,
		}
		dec.ExpiresAt = key.ExpiresAt
	}
	if team != nil {
		dec.TeamID = team.ID
		dec.TeamLimits = ScopeLimits{TPM: team.TPMLimit, RPM: team.RPMLimit}
		dec.TeamBudget = ScopeBudget{
			Spend:      team.Spend,
			MaxBudget:  team.MaxBudget,
			SoftBudget: team.SoftBudget,
		}
		if team.OrgID != nil {
			dec.OrgID = *team.OrgID
		}
	}
	if org != nil {
		dec.OrgID = org.ID
	}
	if endUser != nil {
		dec.EndUserID = endUser.UserID
		dec.AllowedModelRegion = endUser.AllowedModelRegion
	}
	return dec
}
