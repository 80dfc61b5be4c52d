// Package auth checks bearer tokens for connectors and administrators.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
)

// Validator maps bearer tokens to a principal name (connector id or admin name).
// Comparison is constant time and tokens are never logged.
type Validator struct {
	mu     sync.RWMutex
	tokens []tokenEntry
}

type tokenEntry struct {
	token     []byte
	principal string
}

// NewValidator builds a validator from token -> principal.
func NewValidator(tokens map[string]string) *Validator {
	v := &Validator{}
	v.Update(tokens)
	return v
}

// Update replaces the token set.
func (v *Validator) Update(tokens map[string]string) {
	entries := make([]tokenEntry, 0, len(tokens))
	for token, principal := range tokens {
		if token == "" {
			continue
		}
		entries = append(entries, tokenEntry{token: []byte(token), principal: principal})
	}
	v.mu.Lock()
	v.tokens = entries
	v.mu.Unlock()
}

// Len is the number of configured tokens.
func (v *Validator) Len() int {
	if v == nil {
		return 0
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.tokens)
}

// Validate returns the principal for token, or "" when it is unknown.
func (v *Validator) Validate(token string) string {
	if v == nil || token == "" {
		return ""
	}
	b := []byte(token)
	v.mu.RLock()
	defer v.mu.RUnlock()
	// scan every entry so timing does not reveal the match position
	principal := ""
	for _, e := range v.tokens {
		if subtle.ConstantTimeCompare(e.token, b) == 1 {
			principal = e.principal
		}
	}
	return principal
}

// BearerToken extracts the token of an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if len(authz) < 7 || !strings.EqualFold(authz[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(authz[7:])
}

// Authenticate validates the request's bearer token.
func (v *Validator) Authenticate(r *http.Request) string {
	return v.Validate(BearerToken(r))
}
