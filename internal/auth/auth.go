// Package auth validates the token a peer presents in its hello frame.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator validates an authentication token.
type Validator interface {
	Validate(token string) error
}

// Open accepts every token. It is the server default when no token is configured.
type Open struct{}

func (Open) Validate(string) error {
	return nil
}

// StaticToken accepts a single shared token.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// Tokens accepts any one of several shared tokens, which allows rotation
// without dropping peers still on the old token.
type Tokens []string

func (ts Tokens) Validate(token string) error {
	ok := 0
	for _, candidate := range ts {
		if candidate == "" {
			continue
		}
		ok |= subtle.ConstantTimeCompare([]byte(candidate), []byte(token))
	}
	if ok != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// FromTokens picks the validator for a configured token list: Open when the list is
// empty, StaticToken for one entry, Tokens otherwise.
func FromTokens(tokens []string) Validator {
	clean := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if tok = strings.TrimSpace(tok); tok != "" {
			clean = append(clean, tok)
		}
	}
	switch len(clean) {
	case 0:
		return Open{}
	case 1:
		return StaticToken{Token: clean[0]}
	default:
		return Tokens(clean)
	}
}
