package token

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"authmesh.org/internal/identity"
	"authmesh.org/internal/keys"
)

func testUser() *identity.User {
	return &identity.User{
		ID:    42,
		Email: "a@example.com",
		Roles: []identity.Role{identity.RoleUser},
	}
}

func TestIssueAndVerify(t *testing.T) {
	ks, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	issuer := NewIssuer(ks, "http://auth.local", WithAccessTTL(time.Hour))

	signed, exp, err := issuer.Issue(testUser())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Fatalf("expected future expiry, got %v", exp)
	}

	verifier := NewVerifierForKeyStore(ks, "http://auth.local")
	claims, err := verifier.Verify(signed)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "a@example.com" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.UserID != 42 {
		t.Fatalf("unexpected uid: %d", claims.UserID)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "ROLE_USER" {
		t.Fatalf("unexpected roles: %v", claims.Roles)
	}
	if claims.Issuer != "http://auth.local" {
		t.Fatalf("unexpected issuer: %s", claims.Issuer)
	}
	if got := claims.ExpiresAt.Sub(claims.IssuedAt.Time); got != time.Hour {
		t.Fatalf("exp-iat = %v, want 1h", got)
	}
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	issuerKeys, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	otherKeys, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	signed, _, err := NewIssuer(otherKeys, "http://auth.local").Issue(testUser())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	verifier := NewVerifierForKeyStore(issuerKeys, "http://auth.local")
	if _, err := verifier.Verify(signed); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	ks, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	issuedAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	issuer := NewIssuer(ks, "http://auth.local",
		WithAccessTTL(time.Hour),
		WithClock(func() time.Time { return issuedAt }),
	)
	signed, _, err := issuer.Issue(testUser())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	verifier := NewVerifierForKeyStore(ks, "http://auth.local",
		WithVerifierClock(func() time.Time { return issuedAt.Add(2 * time.Hour) }),
	)
	if _, err := verifier.Verify(signed); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestVerifyRejectsMalformed(t *testing.T) {
	ks, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	verifier := NewVerifierForKeyStore(ks, "http://auth.local")
	for _, bad := range []string{"", "garbage", "a.b", "a.b.c.d"} {
		if _, err := verifier.Verify(bad); !errors.Is(err, ErrMalformed) {
			t.Fatalf("Verify(%q): expected ErrMalformed, got %v", bad, err)
		}
	}
}

func TestVerifyRejectsAlgorithmConfusion(t *testing.T) {
	ks, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	// An HS256 token signed with the public key bytes must never verify.
	claims := Claims{
		UserID: 42,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "a@example.com",
			Issuer:    "http://auth.local",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = ks.KeyID()
	signed, err := tok.SignedString(ks.Public().N.Bytes())
	if err != nil {
		t.Fatalf("sign HS256 token: %v", err)
	}

	verifier := NewVerifierForKeyStore(ks, "http://auth.local")
	if _, err := verifier.Verify(signed); err == nil {
		t.Fatal("expected verification failure for HS256 token")
	}
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	ks, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	signed, _, err := NewIssuer(ks, "http://evil.local").Issue(testUser())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	verifier := NewVerifierForKeyStore(ks, "http://auth.local")
	if _, err := verifier.Verify(signed); err == nil {
		t.Fatal("expected verification failure for wrong issuer")
	}
}
