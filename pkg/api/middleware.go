package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ethpandaops/squad/pkg/store"
)

type contextKey string

const userContextKey contextKey = "user"

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", r.RemoteAddr).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// authenticate injects the user of the request's credentials into its
// context. Anonymous requests pass through; bad credentials are rejected.
func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		creds := requestCredentials(r)
		if creds.empty() {
			next.ServeHTTP(w, r)

			return
		}

		user, err := s.userFor(r.Context(), creds)
		if errors.Is(err, errInvalidCredentials) {
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"invalid credentials"})

			return
		}

		if err != nil {
			s.internalError(w, r, err)

			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireStaff only lets staff users through.
func (s *server) requireStaff(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := userFromContext(r.Context())
		if user == nil || !user.IsStaff {
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"staff access required"})

			return
		}

		next.ServeHTTP(w, r)
	})
}

// userFromContext extracts the authenticated user from the request context.
func userFromContext(ctx context.Context) *store.User {
	user, _ := ctx.Value(userContextKey).(*store.User)

	return user
}
