// Package errors defines the structured error types returned by the
// authentication and budget-enforcement core. Every rejection surfaced to the
// HTTP layer is an *AuthError with a stable machine-readable kind and an HTTP
// status code.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies the class of authentication failure.
type Kind string

const (
	KindMalformedCredential Kind = "malformed_credential"
	KindUnknownToken        Kind = "unknown_token"
	KindExpiredKey          Kind = "expired_key"
	KindBlockedKey          Kind = "blocked_key"
	KindBlockedTeam         Kind = "blocked_team"
	KindBlockedEndUser      Kind = "blocked_end_user"
	KindModelNotAllowed     Kind = "model_not_allowed"
	KindRouteNotAllowed     Kind = "route_not_allowed"
	KindBudgetExceeded      Kind = "budget_exceeded"
	KindRateLimited         Kind = "rate_limited"
	KindJWTExpired          Kind = "jwt_expired"
	KindJWTInvalid          Kind = "jwt_invalid"
	KindJWKSUnavailable     Kind = "jwks_unavailable"
	KindStoreUnavailable    Kind = "store_unavailable"
	KindMisconfiguredAuth   Kind = "misconfigured_auth"
)

// BudgetScope names the hierarchy level at which a budget violation occurred.
type BudgetScope string

const (
	ScopeEndUser    BudgetScope = "end_user"
	ScopeKey        BudgetScope = "key"
	ScopeTeamMember BudgetScope = "team_member"
	ScopeTeam       BudgetScope = "team"
	ScopeOrg        BudgetScope = "organization"
	ScopeGlobal     BudgetScope = "global"
)

// AuthError is the canonical rejection value. Credential always holds an
// abbreviated representation, never the raw secret.
type AuthError struct {
	Kind       Kind        `json:"kind"`
	StatusCode int         `json:"status_code"`
	Message    string      `json:"message"`
	Scope      BudgetScope `json:"scope,omitempty"`
	Spend      float64     `json:"spend,omitempty"`
	MaxBudget  float64     `json:"max_budget,omitempty"`
	Credential string      `json:"credential,omitempty"`
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	if e.Kind == KindBudgetExceeded {
		return fmt.Sprintf("[%s] %s (scope=%s, spend=%.4f, max=%.4f)",
			e.Kind, e.Message, e.Scope, e.Spend, e.MaxBudget)
	}
	return fmt.Sprintf("[%s] %s (code=%d)", e.Kind, e.Message, e.StatusCode)
}

// HTTPStatusCode returns the status code the HTTP layer should send.
func (e *AuthError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// WithCredential attaches an abbreviated credential for log correlation.
// The caller is responsible for masking before calling this.
func (e *AuthError) WithCredential(masked string) *AuthError {
	e.Credential = masked
	return e
}

// As unwraps err into an *AuthError if possible.
func As(err error) (*AuthError, bool) {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// IsKind reports whether err is an AuthError of the given kind.
func IsKind(err error, kind Kind) bool {
	ae, ok := As(err)
	return ok && ae.Kind == kind
}

// NewMalformedCredentialError creates a 401 for unparseable credentials.
func NewMalformedCredentialError(message string) *AuthError {
	return &AuthError{Kind: KindMalformedCredential, StatusCode: http.StatusUnauthorized, Message: message}
}

// NewUnknownTokenError creates a 401 for tokens with no matching record.
func NewUnknownTokenError(message string) *AuthError {
	return &AuthError{Kind: KindUnknownToken, StatusCode: http.StatusUnauthorized, Message: message}
}

// NewExpiredKeyError creates a 401 for keys past their expiry.
func NewExpiredKeyError(message string) *AuthError {
	return &AuthError{Kind: KindExpiredKey, StatusCode: http.StatusUnauthorized, Message: message}
}

// NewBlockedKeyError creates a 403 for explicitly blocked keys.
func NewBlockedKeyError(message string) *AuthError {
	return &AuthError{Kind: KindBlockedKey, StatusCode: http.StatusForbidden, Message: message}
}

// NewBlockedTeamError creates a 403 for blocked teams.
func NewBlockedTeamError(message string) *AuthError {
	return &AuthError{Kind: KindBlockedTeam, StatusCode: http.StatusForbidden, Message: message}
}

// NewBlockedEndUserError creates a 403 for blocked end users.
func NewBlockedEndUserError(message string) *AuthError {
	return &AuthError{Kind: KindBlockedEndUser, StatusCode: http.StatusForbidden, Message: message}
}

// NewModelNotAllowedError creates a 403 for model permission violations.
func NewModelNotAllowedError(model string) *AuthError {
	return &AuthError{
		Kind:       KindModelNotAllowed,
		StatusCode: http.StatusForbidden,
		Message:    fmt.Sprintf("model %q is not in the allowed model list", model),
	}
}

// NewRouteNotAllowedError creates a 403 for route gating violations.
func NewRouteNotAllowedError(route string) *AuthError {
	return &AuthError{
		Kind:       KindRouteNotAllowed,
		StatusCode: http.StatusForbidden,
		Message:    fmt.Sprintf("route %q is not permitted for this credential", route),
	}
}

// NewBudgetExceededError creates a 403 carrying the violated scope and amounts.
func NewBudgetExceededError(scope BudgetScope, spend, maxBudget float64) *AuthError {
	return &AuthError{
		Kind:       KindBudgetExceeded,
		StatusCode: http.StatusForbidden,
		Message:    fmt.Sprintf("%s budget exceeded", scope),
		Scope:      scope,
		Spend:      spend,
		MaxBudget:  maxBudget,
	}
}

// NewRateLimitedError creates a 429 for identities over their request rate.
func NewRateLimitedError(message string) *AuthError {
	return &AuthError{Kind: KindRateLimited, StatusCode: http.StatusTooManyRequests, Message: message}
}

// NewJWTExpiredError creates a 401 for expired JWT signatures.
func NewJWTExpiredError(message string) *AuthError {
	return &AuthError{Kind: KindJWTExpired, StatusCode: http.StatusUnauthorized, Message: message}
}

// NewJWTInvalidError creates a 401 for JWTs failing validation.
func NewJWTInvalidError(message string) *AuthError {
	return &AuthError{Kind: KindJWTInvalid, StatusCode: http.StatusUnauthorized, Message: message}
}

// NewJWKSUnavailableError creates a 503 for JWKS fetch failures.
func NewJWKSUnavailableError(message string) *AuthError {
	return &AuthError{Kind: KindJWKSUnavailable, StatusCode: http.StatusServiceUnavailable, Message: message}
}

// NewStoreUnavailableError creates a 503 for credential store outages.
func NewStoreUnavailableError(message string) *AuthError {
	return &AuthError{Kind: KindStoreUnavailable, StatusCode: http.StatusServiceUnavailable, Message: message}
}

// NewMisconfiguredAuthError creates a 500 for operator configuration problems.
func NewMisconfiguredAuthError(message string) *AuthError {
	return &AuthError{Kind: KindMisconfiguredAuth, StatusCode: http.StatusInternalServerError, Message: message}
}
