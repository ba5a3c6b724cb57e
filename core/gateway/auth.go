package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/lumohq/lumo/core/quota"
)

// AuthContext is the authenticated identity attached to a request.
type AuthContext struct {
	UserID string
	Plan   quota.Plan
	APIKey string
}

// AuthProvider authenticates incoming HTTP requests.
type AuthProvider interface {
	AuthenticateHTTP(r *http.Request) (*AuthContext, error)
}

type authContextKey struct{}

func authFrom(r *http.Request) *AuthContext {
	if ctx, ok := r.Context().Value(authContextKey{}).(*AuthContext); ok {
		return ctx
	}
	return nil
}

var errUnauthorized = errors.New("unauthorized")

// HeaderAuthProvider trusts identity headers set by the fronting proxy.
// When API keys are configured, X-API-Key must also match one of them.
type HeaderAuthProvider struct {
	keys map[string]struct{}
}

// NewHeaderAuthProviderFromEnv reads GATEWAY_API_KEYS (comma separated).
// An empty list means identity headers alone are sufficient.
func NewHeaderAuthProviderFromEnv() *HeaderAuthProvider {
	p := &HeaderAuthProvider{}
	raw := strings.TrimSpace(os.Getenv("GATEWAY_API_KEYS"))
	if raw == "" {
		return p
	}
	p.keys = make(map[string]struct{})
	for _, key := range strings.Split(raw, ",") {
		if key = strings.TrimSpace(key); key != "" {
			p.keys[key] = struct{}{}
		}
	}
	return p
}

func (p *HeaderAuthProvider) AuthenticateHTTP(r *http.Request) (*AuthContext, error) {
	if r == nil {
		return nil, errUnauthorized
	}
	key := strings.TrimSpace(r.Header.Get("X-API-Key"))
	if len(p.keys) > 0 && !p.validKey(key) {
		return nil, errUnauthorized
	}
	userID := strings.TrimSpace(r.Header.Get("X-User-Id"))
	if userID == "" {
		return nil, errUnauthorized
	}
	plan := quota.PlanFree
	if v := strings.ToLower(strings.TrimSpace(r.Header.Get("X-User-Plan"))); v == string(quota.PlanPro) {
		plan = quota.PlanPro
	}
	return &AuthContext{UserID: userID, Plan: plan, APIKey: key}, nil
}

func (p *HeaderAuthProvider) validKey(key string) bool {
	if key == "" {
		return false
	}
	for candidate := range p.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

func authMiddleware(auth AuthProvider, next http.Handler) http.Handler {
	if auth == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		authCtx, err := auth.AuthenticateHTTP(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, authCtx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
