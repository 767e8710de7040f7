package auth

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Store lookups when no record exists. The loader
// distinguishes it from transport failures: a missing record is a definitive
// answer, an unreachable store is not.
var ErrNotFound = errors.New("record not found")

// Store is the system-of-record interface for identity, permission and
// budget records. The auth core only reads; all writes happen in the
// management plane.
type Store interface {
	// GetKeyByHash looks a virtual key up by its SHA-256 token hash.
	GetKeyByHash(ctx context.Context, tokenHash string) (*KeyRecord, error)

	// GetKeyByPreviousToken looks a key up by the hash of its pre-rotation
	// token, for the rotation grace window.
	GetKeyByPreviousToken(ctx context.Context, tokenHash string) (*KeyRecord, error)

	GetTeam(ctx context.Context, teamID string) (*TeamRecord, error)
	GetOrganization(ctx context.Context, orgID string) (*OrganizationRecord, error)
	GetEndUser(ctx context.Context, userID string) (*EndUserRecord, error)
	GetObjectPermission(ctx context.Context, permID string) (*ObjectPermissionRecord, error)
	GetAccessGroup(ctx context.Context, name string) (*AccessGroupRecord, error)
	GetTeamMembership(ctx context.Context, teamID, userID string) (*TeamMembership, error)
	GetJWTClaimMapping(ctx context.Context, claimValue string) (*JWTClaimMapping, error)

	// GetAggregateSpend returns the operator-wide spend total used by the
	// global budget check.
	GetAggregateSpend(ctx context.Context) (float64, error)

	Ping(ctx context.Context) error
	Close() error
}
