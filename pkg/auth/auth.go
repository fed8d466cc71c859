// Package auth resolves an opaque bearer credential into a Principal. The
// Principal is a per-request snapshot: it is re-resolved from the identity
// provider on every request so role and status changes take effect on the
// next call, and it is never cached across requests.
package auth

import (
	"context"
	"net/http"
	"strings"

	"medgate/pkg/faults"
	"medgate/pkg/httpx"
	"medgate/pkg/models"
)

// Principal is the verified identity used for one authorization decision.
type Principal struct {
	ID     string
	Email  string
	Role   models.Role
	Status models.Status
}

// Resolver verifies a credential against the identity provider. A missing,
// invalid, or expired credential, and a credential whose backing account no
// longer exists, must fail with faults.Unauthenticated.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (Principal, error)
}

type ResolverFunc func(ctx context.Context, credential string) (Principal, error)

func (f ResolverFunc) Resolve(ctx context.Context, credential string) (Principal, error) {
	return f(ctx, credential)
}

type contextKey string

const principalContextKey contextKey = "medgate.principal"

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v := ctx.Value(principalContextKey)
	if v == nil {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

// BearerToken extracts the credential from an Authorization header. The empty
// string means no credential was presented.
func BearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[len("Bearer "):])
}

// Middleware resolves the bearer credential on every request and stores the
// Principal in the request context. An absent or unverifiable credential is
// 401; a resolved but inactive principal is 403 (status is re-checked per
// request since it can change after a session was issued).
func Middleware(resolver Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
				return
			}
			principal, err := resolver.Resolve(r.Context(), token)
			if err != nil {
				httpx.Error(w, faults.HTTPStatus(err), faults.Message(err))
				return
			}
			if principal.Status != models.StatusActive {
				httpx.Error(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}
