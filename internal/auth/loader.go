package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"

	"github.com/prismgate/prismgate/internal/metrics"
	"github.com/prismgate/prismgate/pkg/cache"
)

// Loader resolves identity records through the tiered cache with stampede
// protection: concurrent misses for the same record coalesce into a single
// store load via singleflight, and error results are never cached.
type Loader struct {
	cache  cache.Cache
	store  Store
	group  singleflight.Group
	logger *slog.Logger

	// LoadTimeout bounds the detached store load. The load outlives the
	// triggering request so a client disconnect cannot poison waiters.
	LoadTimeout time.Duration
}

// LoaderTTLs carries the per-record cache TTLs.
type LoaderTTLs struct {
	Key        time.Duration
	Team       time.Duration
	Org        time.Duration
	EndUser    time.Duration
	Membership time.Duration
	Aggregate  time.Duration
}

// DefaultLoaderTTLs returns the TTLs used when config leaves them unset.
func DefaultLoaderTTLs() LoaderTTLs {
	return LoaderTTLs{
		Key:        30 * time.Second,
		Team:       30 * time.Second,
		Org:        60 * time.Second,
		EndUser:    30 * time.Second,
		Membership: 15 * time.Second,
		Aggregate:  10 * time.Second,
	}
}

// NewLoader creates a loader over the given cache and store.
func NewLoader(c cache.Cache, store Store, logger *slog.Logger) *Loader {
	return &Loader{
		cache:       c,
		store:       store,
		logger:      logger,
		LoadTimeout: 5 * time.Second,
	}
}

// getOrLoad runs the cache-then-store resolution for one record. The load
// function must return ErrNotFound for definitive misses; any other error is
// treated as a store failure and surfaces to every coalesced waiter without
// entering the cache.
func (l *Loader) getOrLoad(ctx context.Context, cacheKey, record string, ttl time.Duration, dst any, load func(context.Context) (any, error)) error {
	if data, err := l.cache.Get(ctx, cacheKey); err == nil && data != nil {
		if err := json.Unmarshal(data, dst); err == nil {
			return nil
		}
		// Corrupt entry: drop it and fall through to a fresh load.
		_ = l.cache.Delete(ctx, cacheKey)
	}

	v, err, shared := l.group.Do(cacheKey, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.LoadTimeout)
		defer cancel()

		metrics.StoreLoads.WithLabelValues(record).Inc()
		rec, err := load(loadCtx)
		if err != nil {
			return nil, err
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		if err := l.cache.Set(loadCtx, cacheKey, data, ttl); err != nil {
			l.logger.Warn("cache write failed", "key", cacheKey, "error", err)
		}
		return data, nil
	})
	if shared {
		metrics.StampedeSuppressed.Inc()
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(v.([]byte), dst)
}

// GetKey resolves a key record by token hash.
func (l *Loader) GetKey(ctx context.Context, tokenHash string, ttl time.Duration) (*KeyRecord, error) {
	var rec KeyRecord
	err := l.getOrLoad(ctx, "key:"+tokenHash, "key", ttl, &rec, func(ctx context.Context) (any, error) {
		return l.store.GetKeyByHash(ctx, tokenHash)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetKeyByPreviousToken resolves a key by its pre-rotation token hash. The
// result is cached under the previous hash so repeated grace-window requests
// skip the store.
func (l *Loader) GetKeyByPreviousToken(ctx context.Context, tokenHash string, ttl time.Duration) (*KeyRecord, error) {
	var rec KeyRecord
	err := l.getOrLoad(ctx, "prevkey:"+tokenHash, "key_previous", ttl, &rec, func(ctx context.Context) (any, error) {
		return l.store.GetKeyByPreviousToken(ctx, tokenHash)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetTeam resolves a team record.
func (l *Loader) GetTeam(ctx context.Context, teamID string, ttl time.Duration) (*TeamRecord, error) {
	var rec TeamRecord
	err := l.getOrLoad(ctx, "team:"+teamID, "team", ttl, &rec, func(ctx context.Context) (any, error) {
		return l.store.GetTeam(ctx, teamID)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetOrganization resolves an organization record.
func (l *Loader) GetOrganization(ctx context.Context, orgID string, ttl time.Duration) (*OrganizationRecord, error) {
	var rec OrganizationRecord
	err := l.getOrLoad(ctx, "org:"+orgID, "organization", ttl, &rec, func(ctx context.Context) (any, error) {
		return l.store.GetOrganization(ctx, orgID)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetEndUser resolves an end-user record.
func (l *Loader) GetEndUser(ctx context.Context, userID string, ttl time.Duration) (*EndUserRecord, error) {
	var rec EndUserRecord
	err := l.getOrLoad(ctx, "enduser:"+userID, "end_user", ttl, &rec, func(ctx context.Context) (any, error) {
		return l.store.GetEndUser(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetObjectPermission resolves an object permission record. It shares the
// team TTL; permission edits take effect within one team refresh window.
func (l *Loader) GetObjectPermission(ctx context.Context, permID string, ttl time.Duration) (*ObjectPermissionRecord, error) {
	var rec ObjectPermissionRecord
	err := l.getOrLoad(ctx, "objperm:"+permID, "object_permission", ttl, &rec, func(ctx context.Context) (any, error) {
		return l.store.GetObjectPermission(ctx, permID)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetAccessGroup resolves a named access group expansion.
func (l *Loader) GetAccessGroup(ctx context.Context, name string, ttl time.Duration) (*AccessGroupRecord, error) {
	var rec AccessGroupRecord
	err := l.getOrLoad(ctx, "accessgroup:"+name, "access_group", ttl, &rec, func(ctx context.Context) (any, error) {
		return l.store.GetAccessGroup(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetTeamMembership resolves the per-member budget record for a user in a
// team. Deliberately short TTL: member budget edits should bite quickly.
func (l *Loader) GetTeamMembership(ctx context.Context, teamID, userID string, ttl time.Duration) (*TeamMembership, error) {
	var rec TeamMembership
	err := l.getOrLoad(ctx, "member:"+teamID+":"+userID, "team_membership", ttl, &rec, func(ctx context.Context) (any, error) {
		return l.store.GetTeamMembership(ctx, teamID, userID)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetAggregateSpend resolves the operator-wide spend total.
func (l *Loader) GetAggregateSpend(ctx context.Context, ttl time.Duration) (float64, error) {
	var total float64
	err := l.getOrLoad(ctx, "aggregate:spend", "aggregate_spend", ttl, &total, func(ctx context.Context) (any, error) {
		v, err := l.store.GetAggregateSpend(ctx)
		if err != nil {
			return nil, err
		}
		return v, nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// Invalidate drops a record from the cache, for management-plane webhooks.
func (l *Loader) Invalidate(ctx context.Context, cacheKey string) error {
	return l.cache.Delete(ctx, cacheKey)
}

// IsNotFound reports whether an error is a definitive record miss rather
// than a store failure.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
