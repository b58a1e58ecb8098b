// Package auth resolves the identity of an incoming connection before it is upgraded.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Identifier returns the user id a request is made on behalf of.
type Identifier interface {
	Identify(r *http.Request) (string, error)
}

// HeaderIdentifier trusts a header set by an upstream authenticating proxy.
type HeaderIdentifier struct {
	Header string
}

func (h HeaderIdentifier) Identify(r *http.Request) (string, error) {
	name := h.Header
	if name == "" {
		name = "X-User-Id"
	}
	user := strings.TrimSpace(r.Header.Get(name))
	if user == "" {
		return "", ErrUnauthenticated
	}
	return user, nil
}

// TokenIdentifier maps static bearer tokens to user ids. Browsers cannot set headers on websocket requests,
// so the token may also be passed as the access_token query parameter.
type TokenIdentifier struct {
	// Tokens maps token to user id.
	Tokens map[string]string
}

func (t TokenIdentifier) Identify(r *http.Request) (string, error) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		token = r.URL.Query().Get("access_token")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrUnauthenticated
	}
	for candidate, user := range t.Tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return user, nil
		}
	}
	return "", ErrUnauthenticated
}
