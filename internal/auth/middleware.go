package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/mosaic-app/mosaic/internal/audit"
)

// Claims represents the parsed token claims.
type Claims struct {
	Subject string   `json:"sub"`
	Roles   []string `json:"roles,omitempty"`
	Scopes  []string `json:"scopes"`
}

type claimsKey struct{}

// Roles.
const (
	RoleViewer     = "viewer"
	RoleController = "controller"
)

// Scopes.
const (
	ScopeRead      = "read"
	ScopeControl   = "control"
	ScopeTelemetry = "telemetry"
)

// HealthPath is served without authentication.
const HealthPath = "/api/v1/health"

// TokenVerifier validates a bearer token.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (*Claims, error)
}

var _ TokenVerifier = (*Verifier)(nil)

// Middleware handles authentication and authorization.
type Middleware struct {
	verifier TokenVerifier
	logger   *slog.Logger
}

// NewMiddleware creates auth middleware. A nil verifier disables
// authentication: every request acts as the local operator with all scopes.
func NewMiddleware(verifier TokenVerifier, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{verifier: verifier, logger: logger.With("component", "auth")}
}

// Enabled reports whether tokens are checked.
func (m *Middleware) Enabled() bool {
	return m.verifier != nil
}

var localOperator = &Claims{
	Subject: "local",
	Roles:   []string{RoleController},
	Scopes:  []string{ScopeRead, ScopeControl, ScopeTelemetry},
}

// RequireAuth authenticates the request and stores its claims and audit
// actor in the request context.
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == HealthPath {
			next.ServeHTTP(w, r)
			return
		}

		claims := localOperator
		if m.verifier != nil {
			token, ok := bearerToken(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
				return
			}
			var err error
			claims, err = m.verifier.VerifyToken(r.Context(), token)
			if err != nil {
				m.logger.Warn("token rejected", "path", r.URL.Path, "err", err)
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token")
				return
			}
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		ctx = audit.WithActor(ctx, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScope rejects requests whose claims lack any of scopes.
func (m *Middleware) RequireScope(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
				return
			}
			if !HasScopes(claims, scopes...) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", false
	}
	return token, true
}

// HasScopes reports whether claims carry every one of scopes.
func HasScopes(claims *Claims, scopes ...string) bool {
	if claims == nil {
		return false
	}
	for _, s := range scopes {
		if !slices.Contains(claims.Scopes, s) {
			return false
		}
	}
	return true
}

// ClaimsFromContext returns the claims stored by RequireAuth.
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsKey{}).(*Claims)
	return claims
}

// writeError writes an error response in the API envelope.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"result":        "error",
		"code":          code,
		"message":       message,
		"correlationId": uuid.NewString(),
	})
}
