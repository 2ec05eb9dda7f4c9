package rest

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/medmate/portal/internal/platform/errors"
	"github.com/medmate/portal/internal/services/auth/identity"
	"github.com/medmate/portal/internal/services/auth/token"
)

type contextKey string

const callerKey contextKey = "caller"

// Caller is the authenticated identity attached to a request.
type Caller struct {
	Account identity.Identity
	Claims  token.Claims
}

// CallerFromContext returns the authenticated caller, if any.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	caller, ok := ctx.Value(callerKey).(Caller)
	return caller, ok
}

// requireAuth wraps a handler with bearer authentication and an optional
// role allowlist. An empty allowlist admits any authenticated caller.
func (a *API) requireAuth(next http.HandlerFunc, roles ...identity.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := extractBearerToken(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, err)
			return
		}

		claims, err := token.Verify(raw, token.UseAccess, a.tokenConfig)
		if err != nil {
			writeError(w, err)
			return
		}

		account, err := a.identities.GetIdentity(r.Context(), claims.Subject)
		if err != nil {
			writeError(w, apperrors.New(apperrors.CodeUnauthorized, "account no longer exists"))
			return
		}
		if !account.Active {
			writeError(w, apperrors.New(apperrors.CodeIdentityInactive, "account is deactivated"))
			return
		}

		if len(roles) > 0 && !roleAllowed(account.Role, roles) {
			writeError(w, apperrors.New(apperrors.CodeForbidden, "insufficient role"))
			return
		}

		ctx := context.WithValue(r.Context(), callerKey, Caller{Account: account, Claims: claims})
		next(w, r.WithContext(ctx))
	}
}

func roleAllowed(role identity.Role, allowed []identity.Role) bool {
	for _, candidate := range allowed {
		if role == candidate {
			return true
		}
	}
	return false
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", apperrors.New(apperrors.CodeUnauthorized, "authorization header is required")
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", apperrors.New(apperrors.CodeUnauthorized, "authorization header must use the Bearer scheme")
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if raw == "" {
		return "", apperrors.New(apperrors.CodeUnauthorized, "bearer token is empty")
	}
	return raw, nil
}

// RateLimit applies a coarse token bucket per client address.
//
// This fronts the anonymous endpoints as transport-level protection; the
// semantic login lockout in the throttle package is separate.
func RateLimit(next http.Handler, perSecond, burst int) http.Handler {
	type bucket struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}
	var (
		mu      sync.Mutex
		buckets = make(map[string]*bucket)
	)
	const staleAfter = 5 * time.Minute

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := clientIP(r)
		if addr == "" {
			addr = "unknown"
		}

		now := time.Now()
		mu.Lock()
		b, ok := buckets[addr]
		if !ok {
			b = &bucket{limiter: rate.NewLimiter(rate.Limit(perSecond), burst), lastSeen: now}
			buckets[addr] = b
			// Opportunistic reaping keeps the map bounded without a
			// background goroutine.
			for key, stale := range buckets {
				if now.Sub(stale.lastSeen) > staleAfter {
					delete(buckets, key)
				}
			}
		}
		b.lastSeen = now
		allowed := b.limiter.Allow()
		mu.Unlock()

		if !allowed {
			writeError(w, apperrors.New(apperrors.CodeRateLimited, "too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
