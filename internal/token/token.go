// Package token mints and verifies the RS256 access tokens issued for
// authenticated principals.
package token

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"authmesh.org/internal/identity"
	"authmesh.org/internal/keys"
)

const defaultAccessTTL = time.Hour

var (
	// ErrExpired indicates the token is past its expiry.
	ErrExpired = errors.New("token: expired")
	// ErrInvalidSignature indicates the signature does not verify.
	ErrInvalidSignature = errors.New("token: invalid signature")
	// ErrMalformed indicates the token is structurally invalid or uses a
	// signing algorithm other than RS256.
	ErrMalformed = errors.New("token: malformed")
)

// Claims is the signed access-token payload.
type Claims struct {
	UserID int64    `json:"uid"`
	Roles  []string `json:"roles"`
	jwt.RegisteredClaims
}

// Issuer signs access tokens with the process key pair.
type Issuer struct {
	keys   *keys.KeyStore
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// IssuerOption configures Issuer behavior.
type IssuerOption func(*Issuer)

// WithAccessTTL overrides the access-token lifetime.
func WithAccessTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) IssuerOption {
	return func(i *Issuer) {
		if fn != nil {
			i.now = fn
		}
	}
}

// NewIssuer constructs an Issuer bound to the shared key store.
func NewIssuer(ks *keys.KeyStore, issuer string, opts ...IssuerOption) *Issuer {
	i := &Issuer{
		keys:   ks,
		issuer: issuer,
		ttl:    defaultAccessTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// TTL returns the configured access-token lifetime.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue signs an access token for the user. The subject carries the email,
// roles are rendered in wire form, and expiry is issued-at plus the
// configured lifetime.
func (i *Issuer) Issue(user *identity.User) (string, time.Time, error) {
	now := i.now().UTC()
	exp := now.Add(i.ttl)
	claims := Claims{
		UserID: user.ID,
		Roles:  identity.WireRoles(user.Roles),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Email,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = i.keys.KeyID()
	signed, err := tok.SignedString(i.keys.Private())
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verifier checks access-token signatures against the issuer's public keys.
// It holds only public material, so consuming services can construct one
// from the JWKS endpoint without access to the signing key.
type Verifier struct {
	publicKeys map[string]*rsa.PublicKey
	issuer     string
	now        func() time.Time
}

// VerifierOption configures Verifier behavior.
type VerifierOption func(*Verifier)

// WithVerifierClock overrides the verifier time source.
func WithVerifierClock(fn func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if fn != nil {
			v.now = fn
		}
	}
}

// NewVerifier constructs a Verifier from public keys indexed by kid.
func NewVerifier(publicKeys map[string]*rsa.PublicKey, issuer string, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		publicKeys: publicKeys,
		issuer:     issuer,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// NewVerifierForKeyStore builds a Verifier sharing the issuer's key store.
func NewVerifierForKeyStore(ks *keys.KeyStore, issuer string, opts ...VerifierOption) *Verifier {
	return NewVerifier(map[string]*rsa.PublicKey{ks.KeyID(): ks.Public()}, issuer, opts...)
}

// Verify parses the token and checks signature, algorithm, expiry and issuer.
// Only RS256 is accepted; any other algorithm is rejected as malformed.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	)
	parsed, err := parser.ParseWithClaims(tokenString, &Claims{}, v.keyFunc)
	if err != nil {
		return nil, classifyParseError(err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrMalformed
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, ErrInvalidSignature
	}
	return claims, nil
}

func (v *Verifier) keyFunc(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, ErrMalformed
	}
	if kid, ok := t.Header["kid"].(string); ok {
		if key, found := v.publicKeys[kid]; found {
			return key, nil
		}
	}
	// No kid or unknown kid: fall back only when a single key is held.
	if len(v.publicKeys) == 1 {
		for _, key := range v.publicKeys {
			return key, nil
		}
	}
	return nil, ErrInvalidSignature
}

func classifyParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrInvalidSignature
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformed
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrInvalidSignature
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}
