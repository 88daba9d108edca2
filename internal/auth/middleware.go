package auth

import (
	"context"
	"net/http"

	"msisdn-gateway/internal/model"
)

type contextKey struct{}

// ErrorWriter renders an authentication failure.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Middleware authenticates each request and stores the principal in its
// context.
func Middleware(v *RequestVerifier, lookup LookupFunc, onError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := v.Verify(r, lookup)
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

func WithPrincipal(ctx context.Context, p *model.Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*model.Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(*model.Principal)
	return p, ok && p != nil
}
