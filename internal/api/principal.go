package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/ignite/emailsched/internal/identity"
	"github.com/ignite/emailsched/internal/pkg/httputil"
)

type principalKeyType struct{}

var principalKey principalKeyType

// Principal is the authenticated caller resolved from a session token.
type Principal struct {
	UserID string
	Email  string
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the caller attached by RequireAuth.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// RequireAuth verifies a bearer session token minted by issuer and attaches
// the resolved Principal to the request context for downstream handlers.
func RequireAuth(issuer *identity.TokenIssuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				httputil.Unauthenticated(w, "missing bearer token")
				return
			}
			claims, err := issuer.Parse(token)
			if err != nil {
				httputil.Unauthenticated(w, "invalid or expired token")
				return
			}
			ctx := withPrincipal(r.Context(), Principal{UserID: claims.UserID, Email: claims.Email})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
