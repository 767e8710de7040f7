package auth

import (
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// routeNormalizer memoizes normalized route strings. Route cardinality is
// tiny in practice, but pass-through routes can embed deployment names; the
// TTL keeps an adversarial client from growing the memo without bound.
type routeNormalizer struct {
	memo *gocache.Cache
}

func newRouteNormalizer() *routeNormalizer {
	return &routeNormalizer{memo: gocache.New(10*time.Minute, 20*time.Minute)}
}

func (n *routeNormalizer) normalize(path string) string {
	if v, ok := n.memo.Get(path); ok {
		return v.(string)
	}
	norm := NormalizeRoute(path)
	n.memo.Set(path, norm, gocache.DefaultExpiration)
	return norm
}

// NormalizeRoute canonicalizes a request path for gating: trailing slash
// stripped, duplicate slashes collapsed. The empty path maps to "/".
func NormalizeRoute(path string) string {
	if path == "" {
		return "/"
	}
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}
