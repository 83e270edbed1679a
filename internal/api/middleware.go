package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/argus-nvr/argus/internal/auth"
	"github.com/argus-nvr/argus/internal/store"
)

type contextKey string

const userKey contextKey = "user"

// requireAuth validates the bearer access token and loads the caller.
// Tokens issued before the user's logout-all watermark are rejected.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			unauthorized(w)
			return
		}

		claims, err := s.tokens.Validate(token, auth.Access)
		if err != nil {
			unauthorized(w)
			return
		}

		user, err := s.store.Users.Get(r.Context(), claims.Subject)
		if err != nil {
			unauthorized(w)
			return
		}
		if claims.IssuedAt == nil || claims.IssuedAt.Time.Before(user.TokensValidFrom) {
			unauthorized(w)
			return
		}

		next.ServeHTTP(w, r.WithContext(
			context.WithValue(r.Context(), userKey, user)))
	})
}

// currentUser returns the authenticated caller. Only valid below
// requireAuth.
func currentUser(r *http.Request) *store.User {
	return r.Context().Value(userKey).(*store.User)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return header[len(prefix):]
}
