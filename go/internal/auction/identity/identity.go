// Package identity resolves the already-authenticated user behind an incoming connection.
package identity

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthenticated is returned when a request carries no usable identity.
var ErrUnauthenticated = errors.New("unauthenticated")

// DefaultHeader is the header a trusted upstream proxy sets to the authenticated user id.
const DefaultHeader = "X-User-ID"

// Resolver maps a request to a user id.
type Resolver interface {
	Resolve(r *http.Request) (string, error)
}

// HeaderResolver trusts a header set by an authenticating proxy in front of the engine.
type HeaderResolver struct {
	Header string
}

func NewHeaderResolver(header string) *HeaderResolver {
	if header == "" {
		header = DefaultHeader
	}
	return &HeaderResolver{Header: header}
}

func (h *HeaderResolver) Resolve(r *http.Request) (string, error) {
	userID := strings.TrimSpace(r.Header.Get(h.Header))
	if userID == "" {
		return "", ErrUnauthenticated
	}
	return userID, nil
}

// TokenResolver looks bearer tokens up in a static table. Browsers cannot set headers on a
// WebSocket handshake, so the token is also accepted as the "token" query parameter.
type TokenResolver struct {
	tokens map[string]string // token -> user id
}

func NewTokenResolver(tokens map[string]string) *TokenResolver {
	t := make(map[string]string, len(tokens))
	for token, user := range tokens {
		if token != "" && user != "" {
			t[token] = user
		}
	}
	return &TokenResolver{tokens: t}
}

func (t *TokenResolver) Resolve(r *http.Request) (string, error) {
	token := bearerToken(r)
	if token == "" {
		return "", ErrUnauthenticated
	}
	for known, user := range t.tokens {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			return user, nil
		}
	}
	return "", ErrUnauthenticated
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// Chain tries each resolver in order and returns the first identity found.
type Chain []Resolver

func (c Chain) Resolve(r *http.Request) (string, error) {
	for _, res := range c {
		userID, err := res.Resolve(r)
		if err == nil {
			return userID, nil
		}
		if !errors.Is(err, ErrUnauthenticated) {
			return "", err
		}
	}
	return "", ErrUnauthenticated
}
