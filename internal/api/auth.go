package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// Authenticator resolves a bearer token to the user it belongs to.
type Authenticator interface {
	Authenticate(token string) (userID string, ok bool)
}

// TokenMap is a static token -> user id table.
type TokenMap map[string]string

func (m TokenMap) Authenticate(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	var user string
	found := 0
	for t, u := range m {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			user = u
			found = 1
		}
	}
	return user, found == 1
}

type userKey struct{}

// WithUser returns ctx carrying userID.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserID returns the authenticated user of the request context.
func UserID(ctx context.Context) string {
	u, _ := ctx.Value(userKey{}).(string)
	return u
}

func BearerAuth(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(header, prefix) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			user, ok := auth.Authenticate(header[len(prefix):])
			if !ok || user == "" {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}
