package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const modulusBits = 2048

// KeyStore holds the process-wide RSA signing key pair. The key material is
// read-only after construction and safe to share across goroutines.
type KeyStore struct {
	private *rsa.PrivateKey
	kid     string
}

// Generate creates a fresh 2048-bit RSA key pair for the process lifetime.
func Generate() (*KeyStore, error) {
	key, err := rsa.GenerateKey(rand.Reader, modulusBits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	return newKeyStore(key)
}

// FromPEM loads the key pair from a PEM-encoded private key, so deployments
// running more than one node can share signing material via configuration.
func FromPEM(privatePEM string) (*KeyStore, error) {
	key, err := parseRSAPrivateKey(privatePEM)
	if err != nil {
		return nil, err
	}
	return newKeyStore(key)
}

func newKeyStore(key *rsa.PrivateKey) (*KeyStore, error) {
	kid, err := deriveKeyID(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	return &KeyStore{private: key, kid: kid}, nil
}

// Private returns the signing key.
func (k *KeyStore) Private() *rsa.PrivateKey { return k.private }

// Public returns the verification key.
func (k *KeyStore) Public() *rsa.PublicKey { return &k.private.PublicKey }

// KeyID returns the key identifier. It is derived from the public key
// material, so remote verifiers can cache by kid: the same key always
// produces the same identifier.
func (k *KeyStore) KeyID() string { return k.kid }

// PrivatePEM exports the private key in PKCS#8 PEM form.
func (k *KeyStore) PrivatePEM() (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.private)
	if err != nil {
		return "", err
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// JWK is a single RFC 7517 key entry.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS is the key-set document served on the discovery endpoint.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// MarshalJWKS renders the current public key as an RFC 7517 key set.
func (k *KeyStore) MarshalJWKS() ([]byte, error) {
	pub := k.Public()
	set := JWKS{Keys: []JWK{{
		Kty: "RSA",
		Use: "sig",
		Alg: "RS256",
		Kid: k.kid,
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}}}
	return json.Marshal(set)
}

// ParseJWKS extracts RSA public keys from a key-set document, keyed by kid.
// Consumers use it to build a verifier from the issuer's discovery endpoint.
func ParseJWKS(data []byte) (map[string]*rsa.PublicKey, error) {
	var set JWKS
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}
	if len(set.Keys) == 0 {
		return nil, errors.New("jwks contains no keys")
	}
	out := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, key := range set.Keys {
		if key.Kty != "RSA" || key.Use != "sig" {
			continue
		}
		nBytes, err := base64.RawURLEncoding.DecodeString(key.N)
		if err != nil {
			return nil, fmt.Errorf("decode modulus for kid %s: %w", key.Kid, err)
		}
		eBytes, err := base64.RawURLEncoding.DecodeString(key.E)
		if err != nil {
			return nil, fmt.Errorf("decode exponent for kid %s: %w", key.Kid, err)
		}
		e := new(big.Int).SetBytes(eBytes)
		out[key.Kid] = &rsa.PublicKey{
			N: new(big.Int).SetBytes(nBytes),
			E: int(e.Int64()),
		}
	}
	if len(out) == 0 {
		return nil, errors.New("jwks contains no usable RSA signing keys")
	}
	return out, nil
}

func deriveKeyID(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:16]), nil
}

func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(pemData)))
	if block == nil {
		return nil, errors.New("invalid PEM private key")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, errors.New("unsupported private key type")
	default:
		return nil, fmt.Errorf("unsupported private key type %s", block.Type)
	}
}
