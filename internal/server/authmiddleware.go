package server

import (
	"context"
	"net/http"

	"github.com/tjfontaine/travel-agent-relay/internal/core/ports"
)

// principalKey is the context key for the authenticated principal.
type principalKey struct{}

// AuthMiddleware resolves the request principal through provider and
// injects it into the context. Unauthenticated requests get a 401.
// If the provider is nil, the middleware is a no-op.
func AuthMiddleware(provider ports.AuthProvider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if provider == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx, err := provider.Authenticate(r.Context(), r)
			if err != nil {
				AddError(r.Context(), err)
				w.Header().Set("WWW-Authenticate", `Bearer realm="relay"`)
				WriteErrorStatus(w, http.StatusUnauthorized, err)
				return
			}

			AddLogField(r.Context(), "principal", authCtx.PrincipalID)
			ctx := context.WithValue(r.Context(), principalKey{}, authCtx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetPrincipal returns the authenticated principal id, or "" if the request
// was not authenticated.
func GetPrincipal(ctx context.Context) string {
	if a := GetAuthContext(ctx); a != nil {
		return a.PrincipalID
	}
	return ""
}

// GetAuthContext retrieves the auth context. Returns nil if none is set.
func GetAuthContext(ctx context.Context) *ports.AuthContext {
	if a, ok := ctx.Value(principalKey{}).(*ports.AuthContext); ok {
		return a
	}
	return nil
}
