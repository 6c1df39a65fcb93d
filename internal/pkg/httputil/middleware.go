package httputil

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/groeimetai/certminter/internal/domain"
	"github.com/groeimetai/certminter/internal/pkg/ctxlog"
)

const (
	corsAllowMethods = "GET, POST, OPTIONS"
	corsAllowHeaders = "Content-Type, Authorization, X-Request-Id"
	corsMaxAge       = 24 * time.Hour
)

// CORSMiddleware answers preflight requests and sets CORS headers for the
// listed origins. "*" allows any origin.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	_, anyOrigin := allowed["*"]

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				if _, ok := allowed[origin]; ok || anyOrigin {
					h := w.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h := w.Header()
				h.Set("Access-Control-Allow-Methods", corsAllowMethods)
				h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
				h.Set("Access-Control-Max-Age", strconv.Itoa(int(corsMaxAge.Seconds())))
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID string
	Role   domain.Role
}

type principalKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the caller stored by AuthMiddleware.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// TokenValidator validates bearer tokens.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (userID string, role domain.Role, err error)
}

// AuthMiddleware requires a valid bearer token and stores the caller in the
// request context. The request logger gains the caller's user_id.
func AuthMiddleware(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			switch {
			case r.Header.Get("Authorization") == "":
				unauthorized(w, "missing authorization header")
				return
			case !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "":
				unauthorized(w, "invalid authorization header format")
				return
			}

			userID, role, err := validator.ValidateToken(r.Context(), strings.TrimSpace(token))
			if err != nil {
				ctxlog.FromContext(r.Context()).Debug("token rejected", "error", err)
				unauthorized(w, "invalid or expired token")
				return
			}

			ctx := WithPrincipal(r.Context(), Principal{UserID: userID, Role: role})
			ctx = ctxlog.With(ctx, "user_id", userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects callers below minRole. It must run after AuthMiddleware.
func RequireRole(minRole domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFrom(r.Context())
			if !ok {
				unauthorized(w, "unauthorized")
				return
			}
			if !p.Role.HasPermission(minRole) {
				Error(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetUserID returns the caller's user ID, or "" for anonymous requests.
func GetUserID(ctx context.Context) string {
	p, _ := PrincipalFrom(ctx)
	return p.UserID
}

// GetRole returns the caller's role, or "" for anonymous requests.
func GetRole(ctx context.Context) domain.Role {
	p, _ := PrincipalFrom(ctx)
	return p.Role
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="certminter"`)
	Error(w, http.StatusUnauthorized, message)
}
