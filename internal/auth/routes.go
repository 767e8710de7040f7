package auth

import (
	"strings"

	autherrors "github.com/prismgate/prismgate/pkg/errors"
)

// RouteChecker gates routes by resolved role. Matching is exact, or by
// prefix when a pattern ends in "*".
type RouteChecker struct {
	public     []string
	masterOnly []string
	adminOnly  []string
}

// NewRouteChecker builds a checker from route pattern lists.
func NewRouteChecker(public, masterOnly, adminOnly []string) *RouteChecker {
	return &RouteChecker{public: public, masterOnly: masterOnly, adminOnly: adminOnly}
}

// IsPublic reports whether the route requires no credential.
func (rc *RouteChecker) IsPublic(route string) bool {
	return matchAny(rc.public, route)
}

// Check enforces route gating for an already-resolved subject. Public
// routes never reach this point.
func (rc *RouteChecker) Check(route string, kind SubjectKind, role Role) error {
	if matchAny(rc.masterOnly, route) && kind != SubjectMaster {
		return autherrors.NewRouteNotAllowedError(route)
	}
	if matchAny(rc.adminOnly, route) && kind != SubjectMaster && role != RoleAdmin {
		return autherrors.NewRouteNotAllowedError(route)
	}
	return nil
}

func matchAny(patterns []string, route string) bool {
	for _, p := range patterns {
		if matchRoute(p, route) {
			return true
		}
	}
	return false
}

func matchRoute(pattern, route string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(route, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == route
}
