package auth

import (
	"errors"
	"testing"

	"github.com/danmuck/rpcbridge/internal/testutil/testlog"
)

func TestStaticTokenValidate(t *testing.T) {
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			testlog.Start(t)
			err := (StaticToken{Token: tc.stored}).Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestTokensAcceptsAnyConfigured(t *testing.T) {
	testlog.Start(t)
	v := Tokens{"old", "new"}
	if err := v.Validate("old"); err != nil {
		t.Fatalf("old token: %v", err)
	}
	if err := v.Validate("new"); err != nil {
		t.Fatalf("new token: %v", err)
	}
	if err := v.Validate(""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for empty token, got %v", err)
	}
}

func TestFromTokens(t *testing.T) {
	testlog.Start(t)
	if _, ok := FromTokens(nil).(Open); !ok {
		t.Fatalf("expected Open for no tokens")
	}
	if _, ok := FromTokens([]string{" ", "abc"}).(StaticToken); !ok {
		t.Fatalf("expected StaticToken for one token")
	}
	if _, ok := FromTokens([]string{"a", "b"}).(Tokens); !ok {
		t.Fatalf("expected Tokens for two tokens")
	}
}

func TestFuncValidator(t *testing.T) {
	testlog.Start(t)
	validator := FuncValidator(func(token string) error {
		if token != "ok" {
			return ErrUnauthorized
		}
		return nil
	})

	if err := validator.Validate("bad"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for bad token, got %v", err)
	}
	if err := validator.Validate("ok"); err != nil {
		t.Fatalf("expected success for ok token, got %v", err)
	}
}
