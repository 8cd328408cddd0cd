package auth

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func TestHashAndVerifyAPIKey(t *testing.T) {
	t.Parallel()

	hash, err := HashAPIKey("scheduler-key-123")
	if err != nil {
		t.Fatalf("hash api key: %v", err)
	}
	if hash == "" {
		t.Fatalf("expected non-empty hash")
	}
	if !VerifyAPIKey(" scheduler-key-123 ", hash) {
		t.Fatalf("expected api key verification to succeed")
	}
	if VerifyAPIKey("wrong-key", hash) {
		t.Fatalf("did not expect wrong key to verify")
	}
	if _, err := HashAPIKey("  "); err == nil {
		t.Fatalf("expected error for blank key")
	}
}

func TestGenerateAPIKeyIsRandom(t *testing.T) {
	t.Parallel()

	first, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("generate api key: %v", err)
	}
	second, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("generate api key: %v", err)
	}
	if first == second || len(first) < 40 {
		t.Fatalf("unexpected keys: %q %q", first, second)
	}
}

func TestAuthorizeAcceptsAdminToken(t *testing.T) {
	t.Parallel()

	token, err := IssueToken("secret", "user-1", RoleAdmin, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	principal, err := NewAuthorizer("secret", "").Authorize("Bearer " + token)
	if err != nil {
		t.Fatalf("Authorize returned error: %v", err)
	}
	if principal.Subject != "user-1" || principal.Role != RoleAdmin {
		t.Fatalf("unexpected principal: got %+v", principal)
	}
}

func TestAuthorizeRejectsNonAdminToken(t *testing.T) {
	t.Parallel()

	token, err := IssueToken("secret", "user-2", "viewer", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	_, err = NewAuthorizer("secret", "").Authorize("Bearer " + token)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("unexpected error: got %v want %v", err, ErrForbidden)
	}
}

func TestAuthorizeRejectsExpiredAndForeignTokens(t *testing.T) {
	t.Parallel()

	expired, err := IssueToken("secret", "user-1", RoleAdmin, -time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	foreign, err := IssueToken("other-secret", "user-1", RoleAdmin, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	authorizer := NewAuthorizer("secret", "")
	for _, token := range []string{expired, foreign} {
		if _, err := authorizer.Authorize("Bearer " + token); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("unexpected error: got %v want %v", err, ErrUnauthorized)
		}
	}
}

func TestAuthorizeAcceptsSchedulerKey(t *testing.T) {
	t.Parallel()

	hash, err := bcrypt.GenerateFromPassword([]byte("cron-key"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash key: %v", err)
	}
	authorizer := NewAuthorizer("secret", string(hash))

	principal, err := authorizer.Authorize("bearer cron-key")
	if err != nil {
		t.Fatalf("Authorize returned error: %v", err)
	}
	if principal.Role != RoleScheduler {
		t.Fatalf("unexpected role: got %q want %q", principal.Role, RoleScheduler)
	}
	if _, err := authorizer.Authorize("Bearer other-key"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("unexpected error for wrong key: got %v", err)
	}
	if _, err := authorizer.Authorize(""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("unexpected error for missing header: got %v", err)
	}
}
