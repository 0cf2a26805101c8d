package httpapi

import (
	"strings"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"restocost/backend/internal/domain"
)

func newTestAuth(t *testing.T) *AuthManager {
	t.Helper()
	return NewAuthManager(testSecret, time.Hour, mustHashPassword(t, ownerPassword), mustHashPassword(t, staffPassword))
}

func TestLoginIssuesRoleToken(t *testing.T) {
	auth := newTestAuth(t)

	resp, err := auth.Login(domain.LoginRequest{Username: " Owner ", Password: ownerPassword})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if resp.Role != domain.RoleOwner {
		t.Fatalf("expected owner role, got %s", resp.Role)
	}

	actor, err := auth.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Username != "owner" || actor.Role != domain.RoleOwner {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	auth := newTestAuth(t)

	if _, err := auth.Login(domain.LoginRequest{Username: "staff", Password: ownerPassword}); err == nil {
		t.Fatalf("expected wrong password to fail")
	}
	if _, err := auth.Login(domain.LoginRequest{Username: "manager", Password: ownerPassword}); err == nil {
		t.Fatalf("expected unknown user to fail")
	}
}

func TestAccountWithoutHashCannotLogin(t *testing.T) {
	auth := NewAuthManager(testSecret, time.Hour, mustHashPassword(t, ownerPassword), "plain-text")

	if _, err := auth.Login(domain.LoginRequest{Username: "staff", Password: "plain-text"}); err == nil {
		t.Fatalf("expected staff without bcrypt hash to be disabled")
	}
}

func TestParseTokenRejectsExpiredAndForeignTokens(t *testing.T) {
	auth := newTestAuth(t)
	auth.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := auth.sign("owner", domain.RoleOwner, auth.now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := auth.ParseToken(expired); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}

	other := NewAuthManager(strings.Repeat("x", 32), time.Hour, "", "")
	foreign, err := other.sign("owner", domain.RoleOwner, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := auth.ParseToken(foreign); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
}

func TestParseTokenRejectsUnknownRole(t *testing.T) {
	auth := newTestAuth(t)
	token, err := auth.sign("owner", "admin", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := auth.ParseToken(token); err == nil {
		t.Fatalf("expected unknown role to be rejected")
	}
}

func TestParseTokenRejectsNoneAlgorithm(t *testing.T) {
	auth := newTestAuth(t)
	claims := accessClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   "owner",
			Issuer:    tokenIssuer,
			ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: domain.RoleOwner,
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodNone, claims).SignedString(jwtlib.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := auth.ParseToken(token); err == nil {
		t.Fatalf("expected unsigned token to be rejected")
	}
}
