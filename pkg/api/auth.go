package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/ethpandaops/squad/pkg/store"
)

var errInvalidCredentials = errors.New("invalid credentials")

// credentials are the secrets a request carries.
type credentials struct {
	token    string
	username string
	password string
	basic    bool
}

func (c credentials) empty() bool {
	return c.token == "" && !c.basic
}

// requestCredentials reads "Auth-Token: <token>", "Authorization: Token
// <token>", "Authorization: Bearer <token>" or HTTP basic auth.
func requestCredentials(r *http.Request) credentials {
	if token := r.Header.Get("Auth-Token"); token != "" {
		return credentials{token: token}
	}

	header := r.Header.Get("Authorization")

	for _, scheme := range []string{"Token ", "Bearer "} {
		if strings.HasPrefix(header, scheme) {
			return credentials{token: strings.TrimSpace(header[len(scheme):])}
		}
	}

	if username, password, ok := r.BasicAuth(); ok {
		return credentials{username: username, password: password, basic: true}
	}

	return credentials{}
}

// userFor resolves credentials to a user.
func (s *server) userFor(ctx context.Context, c credentials) (*store.User, error) {
	if c.token != "" {
		user, err := s.store.GetUserByToken(ctx, c.token)
		if errors.Is(err, store.ErrNotFound) {
			return nil, errInvalidCredentials
		}

		return user, err
	}

	user, err := s.store.GetUserByUsername(ctx, c.username)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errInvalidCredentials
	}

	if err != nil {
		return nil, err
	}

	if user.PasswordHash == "" ||
		bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(c.password)) != nil {
		return nil, errInvalidCredentials
	}

	return user, nil
}
