package auth

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter applies per-identity request-per-minute gates using token
// buckets. It only covers RPM; TPM needs the response token counts and is
// enforced downstream.
type RateLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	defaultRPM int
}

// NewRateLimiter creates a limiter. defaultRPM applies to identities with no
// limit of their own; zero disables the default gate.
func NewRateLimiter(defaultRPM int) *RateLimiter {
	return &RateLimiter{
		limiters:   make(map[string]*rate.Limiter),
		defaultRPM: defaultRPM,
	}
}

// Allow checks one request against the identity's bucket. rpm nil falls back
// to the default; an explicit zero or negative limit means unlimited.
func (rl *RateLimiter) Allow(id string, rpm *int64) bool {
	limit := int64(rl.defaultRPM)
	if rpm != nil {
		limit = *rpm
	}
	if limit <= 0 {
		return true
	}

	rl.mu.Lock()
	lim, ok := rl.limiters[id]
	if !ok || lim.Limit() != perMinute(limit) {
		lim = rate.NewLimiter(perMinute(limit), int(limit))
		rl.limiters[id] = lim
	}
	rl.mu.Unlock()

	return lim.Allow()
}

func perMinute(rpm int64) rate.Limit {
	return rate.Limit(float64(rpm) / 60.0)
}
