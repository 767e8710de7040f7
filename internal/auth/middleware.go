package auth

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	autherrors "github.com/prismgate/prismgate/pkg/errors"
)

type contextKey struct{}

var decisionKey contextKey

// DecisionFromContext retrieves the decision attached by Middleware.
func DecisionFromContext(ctx context.Context) (*AuthDecision, bool) {
	dec, ok := ctx.Value(decisionKey).(*AuthDecision)
	return dec, ok
}

// WithDecision attaches a decision to a context, mainly for tests.
func WithDecision(ctx context.Context, dec *AuthDecision) context.Context {
	return context.WithValue(ctx, decisionKey, dec)
}

// maxBodyPeek bounds how much of the request body is read to find the
// model and user fields. Chat bodies larger than this are unusual but
// legal; the fields of interest sit at the top level.
const maxBodyPeek = 1 << 20

// requestBody is the subset of an LLM API request body the auth core reads.
type requestBody struct {
	Model     string   `json:"model"`
	User      string   `json:"user"`
	Fallbacks []string `json:"fallbacks"`
}

// Middleware adapts the engine to net/http. Rejections render as JSON with
// the status code the error carries; successes attach the decision to the
// request context and pass through.
func Middleware(engine *Engine, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := engine.parser.FromHTTP(r)

			dec, err := engine.Authenticate(r.Context(), req)
			if err != nil {
				writeAuthError(w, logger, err)
				return
			}

			ctx := WithDecision(r.Context(), dec)
			if dec.RequestID != "" {
				w.Header().Set("X-Request-Id", dec.RequestID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// FromHTTP projects an *http.Request onto the engine's request shape,
// peeking at the JSON body for the model and end-user fields. The body is
// restored so downstream handlers can read it in full.
func (p *Parser) FromHTTP(r *http.Request) *Request {
	req := &Request{
		Route:    p.NormalizeRoute(r.URL.Path),
		ClientIP: clientIP(r),
		Headers:  r.Header,
		Query:    r.URL.Query(),
	}

	if r.Body != nil && r.Method == http.MethodPost &&
		strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyPeek))
		if err == nil {
			rest, _ := io.ReadAll(r.Body)
			r.Body.Close()
			r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(data), bytes.NewReader(rest)))

			var body requestBody
			if json.Unmarshal(data, &body) == nil {
				req.Model = body.Model
				req.EndUserID = body.User
				req.FallbackModels = body.Fallbacks
			}
		}
	}
	return req
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First address is the originating client.
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
		Scope   string `json:"scope,omitempty"`
	} `json:"error"`
}

func writeAuthError(w http.ResponseWriter, logger *slog.Logger, err error) {
	ae, ok := autherrors.As(err)
	if !ok {
		logger.Error("non-auth error from engine", "error", err)
		ae = autherrors.NewMisconfiguredAuthError("internal authentication error")
	}

	var body errorBody
	body.Error.Kind = string(ae.Kind)
	body.Error.Message = ae.Message
	body.Error.Scope = string(ae.Scope)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.HTTPStatusCode())
	if encodeErr := json.NewEncoder(w).Encode(body); encodeErr != nil {
		logger.Error("error response write failed", "error", encodeErr)
	}
}
