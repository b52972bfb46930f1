package middleware

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/good-yellow-bee/blazeguard/internal/api/auth"
)

// Context keys for storing caller information.
type contextKey string

const (
	subjectKey contextKey = "subject"
	roleKey    contextKey = "role"
	claimsKey  contextKey = "claims"
)

// AuthFailureFunc is called for every rejected token with the client IP and
// a short reason.
type AuthFailureFunc func(r *http.Request, ip, reason string)

// AuthOptions configures JWTAuth.
type AuthOptions struct {
	Lockout   *auth.LockoutTracker // optional
	OnFailure AuthFailureFunc      // optional
	OnSuccess func(r *http.Request, claims *auth.Claims)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

func jsonUnauthorized(w http.ResponseWriter) {
	writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired token")
}

func jsonForbidden(w http.ResponseWriter) {
	writeError(w, http.StatusForbidden, "FORBIDDEN", "access denied")
}

// JWTAuth returns middleware that validates bearer tokens. Clients locked
// out after repeated failures get 429 without their token being checked.
func JWTAuth(jwtService *auth.JWTService, opts AuthOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)

			if opts.Lockout != nil {
				if remaining := opts.Lockout.RemainingLockoutTime(ip); remaining > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(remaining.Seconds())+1))
					writeError(w, http.StatusTooManyRequests, "ACCOUNT_LOCKED", "too many failed authentication attempts")
					return
				}
			}

			fail := func(reason string) {
				if opts.Lockout != nil {
					opts.Lockout.RecordFailure(ip)
				}
				if opts.OnFailure != nil {
					opts.OnFailure(r, ip, reason)
				}
				jsonUnauthorized(w)
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				fail("missing token")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				fail("malformed authorization header")
				return
			}

			claims, err := jwtService.ValidateToken(parts[1])
			if err != nil {
				fail(err.Error())
				return
			}

			if opts.Lockout != nil {
				opts.Lockout.ClearFailures(ip)
			}
			if opts.OnSuccess != nil {
				opts.OnSuccess(r, claims)
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// WithClaims stores claims on ctx the way JWTAuth does.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	ctx = context.WithValue(ctx, subjectKey, claims.Subject)
	ctx = context.WithValue(ctx, roleKey, claims.Role)
	return context.WithValue(ctx, claimsKey, claims)
}

// GetSubject returns the token subject from context.
func GetSubject(ctx context.Context) string {
	if s, ok := ctx.Value(subjectKey).(string); ok {
		return s
	}
	return ""
}

// GetRole returns the caller role from context.
func GetRole(ctx context.Context) auth.Role {
	if r, ok := ctx.Value(roleKey).(auth.Role); ok {
		return r
	}
	return ""
}

// GetClaims returns the JWT claims from context.
func GetClaims(ctx context.Context) *auth.Claims {
	if c, ok := ctx.Value(claimsKey).(*auth.Claims); ok {
		return c
	}
	return nil
}

// ClientIP returns the host part of r.RemoteAddr. Put chi's RealIP in front
// when the API runs behind a trusted proxy.
func ClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
