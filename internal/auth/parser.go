package auth

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	autherrors "github.com/prismgate/prismgate/pkg/errors"
)

// GatewayKeyHeader is checked before any generic credential header so that
// pass-through routes can carry both a gateway key and a provider key.
const GatewayKeyHeader = "X-Prismgate-Api-Key"

// credentialHeaders are the generic provider-compatible headers, scanned in
// order after Authorization.
var credentialHeaders = []string{
	"api-key",
	"x-api-key",
	"x-goog-api-key",
	"Ocp-Apim-Subscription-Key",
}

// CredentialKind is the syntactic class of an extracted credential.
type CredentialKind string

const (
	KindNone    CredentialKind = "none"
	KindMaster  CredentialKind = "master"
	KindJWT     CredentialKind = "jwt"
	KindVirtual CredentialKind = "virtual"
	// KindOpaque covers tokens without the virtual prefix; they are still
	// hashed and looked up, since older keys may predate the prefix.
	KindOpaque CredentialKind = "opaque"
)

// Request is the slice of an incoming HTTP request the auth core needs.
type Request struct {
	Route          string
	Model          string
	FallbackModels []string
	EndUserID      string
	ClientIP       string
	Headers        http.Header
	Query          url.Values
}

// Credential is the result of extraction and classification.
type Credential struct {
	Raw    string
	Source string // header or query parameter the value came from
	Kind   CredentialKind
}

// ExternalResult is what a custom authentication hook may return: either a
// complete decision, or a replacement credential to feed back through the
// normal pipeline. Exactly one field is set.
type ExternalResult struct {
	Decision              *AuthDecision
	ReplacementCredential string
}

// ExternalAuthFunc is an operator-supplied hook consulted for credentials
// the built-in pipeline cannot resolve.
type ExternalAuthFunc func(ctx context.Context, req *Request, credential string) (*ExternalResult, error)

// Parser extracts and classifies credentials. It holds only immutable
// snapshot state; the engine rebuilds it on config reload.
type Parser struct {
	masterKey          string
	virtualPrefix      string
	customHeader       string
	queryParamRoutes   map[string]struct{}
	passThroughHeaders map[string]string
	routeNorm          *routeNormalizer
}

// ParserConfig configures credential extraction.
type ParserConfig struct {
	MasterKey          string
	VirtualKeyPrefix   string
	CustomHeaderName   string
	QueryParamRoutes   []string
	PassThroughHeaders map[string]string
}

// NewParser creates a parser from a config snapshot.
func NewParser(cfg ParserConfig) *Parser {
	qp := make(map[string]struct{}, len(cfg.QueryParamRoutes))
	for _, r := range cfg.QueryParamRoutes {
		qp[r] = struct{}{}
	}
	prefix := cfg.VirtualKeyPrefix
	if prefix == "" {
		prefix = "sk-"
	}
	return &Parser{
		masterKey:          cfg.MasterKey,
		virtualPrefix:      prefix,
		customHeader:       cfg.CustomHeaderName,
		queryParamRoutes:   qp,
		passThroughHeaders: cfg.PassThroughHeaders,
		routeNorm:          newRouteNormalizer(),
	}
}

// NormalizeRoute is the memoized form of the package function; the memo
// lives on the parser so it is rebuilt, not shared, across config reloads.
func (p *Parser) NormalizeRoute(path string) string {
	return p.routeNorm.normalize(path)
}

// Extract scans the request for a credential following a fixed priority
// order. It returns a zero-kind credential when nothing is present; deciding
// whether that is acceptable is the engine's job.
func (p *Parser) Extract(req *Request) Credential {
	if v := req.Headers.Get(GatewayKeyHeader); v != "" {
		return p.classify(stripScheme(v), GatewayKeyHeader)
	}
	if v := req.Headers.Get("Authorization"); v != "" {
		return p.classify(stripScheme(v), "Authorization")
	}
	for _, h := range credentialHeaders {
		if v := req.Headers.Get(h); v != "" {
			return p.classify(stripScheme(v), h)
		}
	}
	if _, ok := p.queryParamRoutes[req.Route]; ok {
		if v := req.Query.Get("key"); v != "" {
			return p.classify(v, "query:key")
		}
	}
	if h, ok := p.passThroughHeaders[req.Route]; ok {
		if v := req.Headers.Get(h); v != "" {
			return p.classify(stripScheme(v), h)
		}
	}
	if p.customHeader != "" {
		if v := req.Headers.Get(p.customHeader); v != "" {
			return p.classify(stripScheme(v), p.customHeader)
		}
	}
	return Credential{Kind: KindNone}
}

func (p *Parser) classify(raw, source string) Credential {
	c := Credential{Raw: raw, Source: source}
	switch {
	case raw == "":
		c.Kind = KindNone
	case p.masterKey != "" && constantTimeEqual(raw, p.masterKey):
		c.Kind = KindMaster
	case strings.Count(raw, ".") == 2 && !strings.HasPrefix(raw, p.virtualPrefix):
		c.Kind = KindJWT
	case strings.HasPrefix(raw, p.virtualPrefix):
		c.Kind = KindVirtual
	default:
		c.Kind = KindOpaque
	}
	return c
}

// stripScheme removes a recognized authorization scheme prefix. SigV4
// signatures embed the gateway token inside the Credential component; it is
// extracted so SDKs that sign requests still authenticate.
func stripScheme(v string) string {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "AWS4-HMAC-SHA256") {
		return extractSigV4Token(v)
	}
	for _, scheme := range []string{"Bearer ", "bearer ", "Basic "} {
		if strings.HasPrefix(v, scheme) {
			return strings.TrimSpace(v[len(scheme):])
		}
	}
	return v
}

// extractSigV4Token pulls the token out of
// "AWS4-HMAC-SHA256 Credential=Bearer <token>/<date>/...". Anything that
// does not match yields the empty credential.
func extractSigV4Token(v string) string {
	const marker = "Credential=Bearer "
	i := strings.Index(v, marker)
	if i < 0 {
		return ""
	}
	rest := v[i+len(marker):]
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		rest = rest[:j]
	}
	return strings.TrimSpace(rest)
}

// ValidateIPAllowlist checks the client IP against a key's allow-list.
// Empty list means no restriction.
func ValidateIPAllowlist(clientIP string, allowed []string) error {
	if len(allowed) == 0 {
		return nil
	}
	for _, ip := range allowed {
		if ip == clientIP {
			return nil
		}
	}
	return autherrors.NewBlockedKeyError("request source IP is not in the key allow-list")
}
