package auth

import (
	"context"
	"net/http"
	"strings"
)

// Actor is the authenticated caller as seen by a service: who they are and
// the role the auth collaborator granted them.
type Actor struct {
	Sub  string
	Role string
}

type actorCtxKey struct{}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorCtxKey{}).(Actor)
	return a, ok
}

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorCtxKey{}, a)
}

// Middleware verifies a Bearer token and stores the Actor in the request
// context. When secret is empty, verification is disabled and an anonymous
// dispatcher actor is injected (dev mode).
func Middleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				ctx := WithActor(r.Context(), Actor{Sub: "anonymous", Role: "dispatcher"})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			raw := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(raw, "Bearer ") {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			claims, err := ParseAndVerifyHS256(strings.TrimPrefix(raw, "Bearer "), secret)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			ctx := WithActor(r.Context(), Actor{Sub: claims.Sub, Role: claims.Role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
