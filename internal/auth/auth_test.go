package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "unit-test-secret"

func issueToken(t *testing.T, secret string, mutate func(*jwt.RegisteredClaims) jwt.Claims) string {
	t.Helper()
	registered := jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	var claims jwt.Claims = registered
	if mutate != nil {
		claims = mutate(&registered)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

type fullClaims struct {
	Roles  []string `json:"roles,omitempty"`
	ClanID string   `json:"clan_id,omitempty"`
	Wallet string   `json:"wallet,omitempty"`
	jwt.RegisteredClaims
}

func TestVerifyExtractsPrincipal(t *testing.T) {
	verifier, err := NewVerifier(testSecret, 0)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	token := issueToken(t, testSecret, func(reg *jwt.RegisteredClaims) jwt.Claims {
		return fullClaims{
			Roles:            []string{"member", "moderator"},
			ClanID:           "clan-9",
			Wallet:           "0xabc",
			RegisteredClaims: *reg,
		}
	})

	principal, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if principal.UserID != "u1" {
		t.Fatalf("unexpected user id %q", principal.UserID)
	}
	if !principal.HasRole(RoleModerator) || principal.HasRole(RoleAdmin) {
		t.Fatalf("unexpected roles %v", principal.RoleNames())
	}
	if principal.ClanID != "clan-9" || principal.WalletAddress != "0xabc" {
		t.Fatalf("unexpected claims %+v", principal)
	}
	if principal.Anonymous {
		t.Fatal("verified principal must not be anonymous")
	}
}

func TestVerifyBadSignature(t *testing.T) {
	verifier, _ := NewVerifier(testSecret, 0)
	token := issueToken(t, "another-secret", nil)

	if _, err := verifier.Verify(token); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
	if _, err := verifier.Verify("not-a-token"); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for garbage, got %v", err)
	}
}

func TestVerifyExpired(t *testing.T) {
	verifier, _ := NewVerifier(testSecret, 0)
	token := issueToken(t, testSecret, func(reg *jwt.RegisteredClaims) jwt.Claims {
		reg.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
		return *reg
	})

	if _, err := verifier.Verify(token); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestVerifyLeewayTolerated(t *testing.T) {
	verifier, _ := NewVerifier(testSecret, 2*time.Minute)
	token := issueToken(t, testSecret, func(reg *jwt.RegisteredClaims) jwt.Claims {
		reg.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
		return *reg
	})

	if _, err := verifier.Verify(token); err != nil {
		t.Fatalf("expected leeway to cover recent expiry, got %v", err)
	}
}

type staticRevocations struct {
	revoked map[string]bool
	err     error
}

func (s staticRevocations) Revoked(userID string) (bool, error) {
	return s.revoked[userID], s.err
}

func TestVerifyRevokedSession(t *testing.T) {
	verifier, _ := NewVerifier(testSecret, 0)
	verifier.WithRevocations(staticRevocations{revoked: map[string]bool{"u1": true}})

	if _, err := verifier.Verify(issueToken(t, testSecret, nil)); !errors.Is(err, ErrUnknown) {
		t.Fatalf("expected ErrUnknown for revoked session, got %v", err)
	}
}

func TestVerifyLookupFailureIsTimeout(t *testing.T) {
	verifier, _ := NewVerifier(testSecret, 0)
	verifier.WithRevocations(staticRevocations{err: errors.New("cache busy")})

	if _, err := verifier.Verify(issueToken(t, testSecret, nil)); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestVerifyWalletChallenge(t *testing.T) {
	verifier, _ := NewVerifier(testSecret, 0)
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte("0xabc:nonce-1"))
	signature := hex.EncodeToString(mac.Sum(nil))

	if err := verifier.VerifyWalletChallenge("0xabc", "nonce-1", signature); err != nil {
		t.Fatalf("expected wallet challenge to verify, got %v", err)
	}
	if err := verifier.VerifyWalletChallenge("0xabc", "nonce-1", "deadbeef"); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestAnonymousPrincipal(t *testing.T) {
	principal := Anonymous()
	if !principal.Anonymous || principal.UserID != "" || len(principal.Roles) != 0 {
		t.Fatalf("unexpected anonymous principal %+v", principal)
	}
}
