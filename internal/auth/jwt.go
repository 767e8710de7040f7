package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	oidc "github.com/coreos/go-oidc/v3/oidc"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/goccy/go-json"
	jwt "github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/prismgate/prismgate/internal/metrics"
	"github.com/prismgate/prismgate/pkg/cache"
	autherrors "github.com/prismgate/prismgate/pkg/errors"
)

// negativeMapping marks a cached "no claim mapping exists" answer so the
// store is not hammered for every request from an unmapped subject.
var negativeMapping = []byte{0x00}

// JWTIdentity is the outcome of verifying a bearer JWT and interpreting its
// claims under the operator's mapping configuration.
type JWTIdentity struct {
	Subject       string
	Role          Role
	IsAdmin       bool
	TeamIDs       []string
	EndUserID     string
	MappedKeyHash string
	Claims        jwt.MapClaims
}

// JWTVerifierConfig mirrors the jwt section of the gateway config.
type JWTVerifierConfig struct {
	JWKSURL      string
	JWKSCacheTTL time.Duration
	Audience     string
	Issuer       string
	FetchTimeout time.Duration

	OAuth2Enabled bool
	ClientID      string

	AdminScopeClaim  string
	AdminScopeValue  string
	TeamScopeValue   string
	TeamIDsClaim     string
	EndUserIDClaim   string
	RoleClaim        string
	KeyMappingClaim  string
	MappingCacheTTL  time.Duration
	NegativeCacheTTL time.Duration
}

// JWTVerifier validates bearer JWTs against a cached JWKS document and maps
// verified claims to gateway roles, teams, and optionally to virtual keys.
type JWTVerifier struct {
	cfg    JWTVerifierConfig
	cache  cache.Cache
	store  Store
	client *http.Client
	logger *slog.Logger
	group  singleflight.Group

	mu           sync.Mutex
	oidcVerifier *oidc.IDTokenVerifier
}

// NewJWTVerifier creates a verifier. The cache is shared with the record
// loader; JWKS documents live under their own key namespace.
func NewJWTVerifier(cfg JWTVerifierConfig, c cache.Cache, store Store, logger *slog.Logger) *JWTVerifier {
	if cfg.JWKSCacheTTL <= 0 {
		cfg.JWKSCacheTTL = 10 * time.Minute
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	if cfg.MappingCacheTTL <= 0 {
		cfg.MappingCacheTTL = 5 * time.Minute
	}
	if cfg.NegativeCacheTTL <= 0 {
		cfg.NegativeCacheTTL = 30 * time.Second
	}
	return &JWTVerifier{
		cfg:    cfg,
		cache:  c,
		store:  store,
		client: &http.Client{Timeout: cfg.FetchTimeout},
		logger: logger,
	}
}

// Identify verifies the token and assembles the gateway-level identity from
// its claims.
func (v *JWTVerifier) Identify(ctx context.Context, raw string) (*JWTIdentity, error) {
	claims, err := v.verify(ctx, raw)
	if err != nil {
		return nil, err
	}

	id := &JWTIdentity{Claims: claims}
	if sub, ok := claims["sub"].(string); ok {
		id.Subject = sub
	}

	scopes, err := v.scopeValues(claims)
	if err != nil {
		return nil, err
	}
	switch {
	case v.cfg.AdminScopeValue != "" && containsString(scopes, v.cfg.AdminScopeValue):
		id.IsAdmin = true
		id.Role = RoleAdmin
	case v.cfg.TeamScopeValue != "" && containsString(scopes, v.cfg.TeamScopeValue):
		id.Role = RoleTeam
	default:
		id.Role = v.roleFromClaim(claims)
	}

	if v.cfg.TeamIDsClaim != "" {
		ids, err := stringListClaim(claims, v.cfg.TeamIDsClaim)
		if err != nil {
			return nil, err
		}
		id.TeamIDs = ids
	}
	if v.cfg.EndUserIDClaim != "" {
		if s, ok := claims[v.cfg.EndUserIDClaim].(string); ok {
			id.EndUserID = s
		}
	}
	if v.cfg.KeyMappingClaim != "" {
		if claimVal, ok := claims[v.cfg.KeyMappingClaim].(string); ok && claimVal != "" {
			hash, err := v.mappedKeyHash(ctx, claimVal)
			if err != nil {
				return nil, err
			}
			id.MappedKeyHash = hash
		}
	}
	return id, nil
}

// verify checks the signature and the registered claims, returning the
// claim set. Expiry and all other validation failures map to distinct
// error kinds so callers can tell a stale token from a forged one.
func (v *JWTVerifier) verify(ctx context.Context, raw string) (jwt.MapClaims, error) {
	if v.cfg.OAuth2Enabled {
		return v.verifyOIDC(ctx, raw)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384"}),
		jwt.WithExpirationRequired(),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.NewParser(opts...).ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		return v.signingKey(ctx, kid)
	})
	if err != nil {
		var ae *autherrors.AuthError
		if errors.As(err, &ae) {
			return nil, ae
		}
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, autherrors.NewJWTExpiredError("token is expired")
		}
		return nil, autherrors.NewJWTInvalidError(fmt.Sprintf("token validation failed: %v", err))
	}
	return claims, nil
}

func (v *JWTVerifier) verifyOIDC(ctx context.Context, raw string) (jwt.MapClaims, error) {
	verifier, err := v.getOIDCVerifier(ctx)
	if err != nil {
		return nil, autherrors.NewJWKSUnavailableError(fmt.Sprintf("oidc discovery failed: %v", err))
	}
	idToken, err := verifier.Verify(ctx, raw)
	if err != nil {
		var expired *oidc.TokenExpiredError
		if errors.As(err, &expired) {
			return nil, autherrors.NewJWTExpiredError("token is expired")
		}
		return nil, autherrors.NewJWTInvalidError(fmt.Sprintf("token validation failed: %v", err))
	}
	claims := jwt.MapClaims{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, autherrors.NewJWTInvalidError(fmt.Sprintf("claim decoding failed: %v", err))
	}
	return claims, nil
}

func (v *JWTVerifier) getOIDCVerifier(ctx context.Context) (*oidc.IDTokenVerifier, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.oidcVerifier != nil {
		return v.oidcVerifier, nil
	}
	provider, err := oidc.NewProvider(ctx, v.cfg.Issuer)
	if err != nil {
		return nil, err
	}
	cfg := &oidc.Config{ClientID: v.cfg.ClientID}
	if v.cfg.ClientID == "" {
		cfg.SkipClientIDCheck = true
	}
	v.oidcVerifier = provider.Verifier(cfg)
	return v.oidcVerifier, nil
}

// signingKey resolves a kid to its public key through the cached JWKS
// document.
func (v *JWTVerifier) signingKey(ctx context.Context, kid string) (any, error) {
	set, err := v.jwks(ctx)
	if err != nil {
		return nil, err
	}
	if kid != "" {
		if keys := set.Key(kid); len(keys) > 0 {
			return keys[0].Key, nil
		}
		return nil, autherrors.NewJWTInvalidError(fmt.Sprintf("no signing key with kid %q", kid))
	}
	// Tokens without kid are accepted only against a single-key set.
	if len(set.Keys) == 1 {
		return set.Keys[0].Key, nil
	}
	return nil, autherrors.NewJWTInvalidError("token has no kid and the key set is ambiguous")
}

func (v *JWTVerifier) jwks(ctx context.Context) (*jose.JSONWebKeySet, error) {
	cacheKey := "jwks:" + v.cfg.JWKSURL
	if data, err := v.cache.Get(ctx, cacheKey); err == nil && data != nil {
		var set jose.JSONWebKeySet
		if err := json.Unmarshal(data, &set); err == nil {
			return &set, nil
		}
		_ = v.cache.Delete(ctx, cacheKey)
	}

	val, err, _ := v.group.Do(cacheKey, func() (any, error) {
		data, err := v.fetchJWKS(context.WithoutCancel(ctx))
		if err != nil {
			metrics.JWKSFetches.WithLabelValues("error").Inc()
			return nil, err
		}
		metrics.JWKSFetches.WithLabelValues("success").Inc()
		if err := v.cache.Set(ctx, cacheKey, data, v.cfg.JWKSCacheTTL); err != nil {
			v.logger.Warn("jwks cache write failed", "error", err)
		}
		return data, nil
	})
	if err != nil {
		return nil, autherrors.NewJWKSUnavailableError(fmt.Sprintf("jwks fetch failed: %v", err))
	}

	var set jose.JSONWebKeySet
	if err := json.Unmarshal(val.([]byte), &set); err != nil {
		return nil, autherrors.NewJWKSUnavailableError(fmt.Sprintf("jwks document invalid: %v", err))
	}
	return &set, nil
}

func (v *JWTVerifier) fetchJWKS(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	// Validate before caching.
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parse jwks: %w", err)
	}
	return data, nil
}

// mappedKeyHash looks the claim value up in the claim-to-key table, with
// positive and negative caching. An absent mapping returns "" with no error.
func (v *JWTVerifier) mappedKeyHash(ctx context.Context, claimValue string) (string, error) {
	cacheKey := "jwtmap:" + claimValue
	if data, err := v.cache.Get(ctx, cacheKey); err == nil && data != nil {
		if len(data) == 1 && data[0] == negativeMapping[0] {
			return "", nil
		}
		return string(data), nil
	}

	mapping, err := v.store.GetJWTClaimMapping(ctx, claimValue)
	if err != nil {
		if IsNotFound(err) {
			if cerr := v.cache.Set(ctx, cacheKey, negativeMapping, v.cfg.NegativeCacheTTL); cerr != nil {
				v.logger.Warn("negative mapping cache write failed", "error", cerr)
			}
			return "", nil
		}
		return "", autherrors.NewStoreUnavailableError(fmt.Sprintf("claim mapping lookup failed: %v", err))
	}
	if cerr := v.cache.Set(ctx, cacheKey, []byte(mapping.KeyHash), v.cfg.MappingCacheTTL); cerr != nil {
		v.logger.Warn("mapping cache write failed", "error", cerr)
	}
	return mapping.KeyHash, nil
}

// scopeValues reads the configured scope claim, accepting the two shapes
// identity providers emit: a space-separated string or a list of strings.
// Anything else is an operator configuration problem, not a caller error.
func (v *JWTVerifier) scopeValues(claims jwt.MapClaims) ([]string, error) {
	if v.cfg.AdminScopeClaim == "" {
		return nil, nil
	}
	raw, ok := claims[v.cfg.AdminScopeClaim]
	if !ok {
		return nil, nil
	}
	switch val := raw.(type) {
	case string:
		return strings.Fields(val), nil
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, autherrors.NewMisconfiguredAuthError(
					fmt.Sprintf("scope claim %q contains a non-string element", v.cfg.AdminScopeClaim))
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, autherrors.NewMisconfiguredAuthError(
			fmt.Sprintf("scope claim %q has unsupported type %T", v.cfg.AdminScopeClaim, raw))
	}
}

func (v *JWTVerifier) roleFromClaim(claims jwt.MapClaims) Role {
	if v.cfg.RoleClaim == "" {
		return RoleViewer
	}
	s, _ := claims[v.cfg.RoleClaim].(string)
	switch s {
	case string(RoleAdmin):
		return RoleAdmin
	case string(RoleInternalUser):
		return RoleInternalUser
	case string(RoleTeam):
		return RoleTeam
	default:
		return RoleViewer
	}
}

func stringListClaim(claims jwt.MapClaims, field string) ([]string, error) {
	raw, ok := claims[field]
	if !ok {
		return nil, nil
	}
	switch val := raw.(type) {
	case string:
		if val == "" {
			return nil, nil
		}
		return []string{val}, nil
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, autherrors.NewMisconfiguredAuthError(
					fmt.Sprintf("claim %q contains a non-string element", field))
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, autherrors.NewMisconfiguredAuthError(
			fmt.Sprintf("claim %q has unsupported type %T", field, raw))
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
