package gateway

import (
	"context"
	"net/http"
	"strings"

	"github.com/basket/taskhub/internal/registry"
)

// callerKey is the context key for the authenticated caller's agent name.
type callerKey struct{}

// AuthMiddleware resolves Bearer tokens to agent identities via the
// registry's reverse index.
type AuthMiddleware struct {
	registry *registry.Registry
}

func NewAuthMiddleware(reg *registry.Registry) *AuthMiddleware {
	return &AuthMiddleware{registry: reg}
}

// Wrap enforces Bearer auth on every request reaching next. Callers mount
// unauthenticated routes (health, webhook) outside this wrapper.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ExtractBearer(r)
		if token == "" {
			http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
			return
		}
		name, ok := am.registry.LookupByToken(token)
		if !ok {
			http.Error(w, `{"error":"无效的 token"}`, http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), callerKey{}, name)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ExtractBearer pulls the token from Authorization: Bearer <token>.
func ExtractBearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// CallerFromContext returns the authenticated caller's agent name.
func CallerFromContext(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(callerKey{}).(string)
	return name, ok
}
