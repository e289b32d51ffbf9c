package http

import (
	"context"
	"net/http"

	"github.com/example/presence-engine/internal/application"
)

type principalKey struct{}

// ContextWithPrincipal returns a derived context containing the authenticated principal.
func ContextWithPrincipal(ctx context.Context, principal application.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// PrincipalFromContext extracts the authenticated principal from context if available.
func PrincipalFromContext(ctx context.Context) (application.Principal, bool) {
	principal, ok := ctx.Value(principalKey{}).(application.Principal)
	return principal, ok
}

// requestPrincipal returns the caller bound by RequirePrincipal. Outside that middleware it is
// the zero principal, which every service rejects as unauthenticated.
func requestPrincipal(r *http.Request) application.Principal {
	principal, _ := PrincipalFromContext(r.Context())
	return principal
}
