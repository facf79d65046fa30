package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Supported signing algorithms.
const (
	AlgHS256 = "HS256"
	AlgRS256 = "RS256"
	AlgEdDSA = "EdDSA"
)

const (
	minHMACSecretBytes = 32
	minRSABits         = 2048
)

// SigningKey pins one algorithm to one key. A key built from public material
// only can verify but not sign.
type SigningKey struct {
	Algorithm string
	KeyID     string
	private   any
	public    any
}

// CanSign reports whether the key holds private material.
func (k SigningKey) CanSign() bool { return k.private != nil }

func (k SigningKey) method() jwt.SigningMethod {
	switch k.Algorithm {
	case AlgHS256:
		return jwt.SigningMethodHS256
	case AlgRS256:
		return jwt.SigningMethodRS256
	case AlgEdDSA:
		return jwt.SigningMethodEdDSA
	}
	return nil
}

// NewHMACKey returns an HS256 key. The secret must carry at least 256 bits.
func NewHMACKey(secret []byte, kid string) (SigningKey, error) {
	if len(secret) < minHMACSecretBytes {
		return SigningKey{}, fmt.Errorf("auth: HS256 secret must be at least %d bytes", minHMACSecretBytes)
	}
	buf := append([]byte(nil), secret...)
	return SigningKey{Algorithm: AlgHS256, KeyID: kid, private: buf, public: buf}, nil
}

// NewRSAKey parses a PKCS#1 or PKCS#8 PEM private key for RS256.
func NewRSAKey(privatePEM []byte, kid string) (SigningKey, error) {
	priv, err := jwt.ParseRSAPrivateKeyFromPEM(privatePEM)
	if err != nil {
		return SigningKey{}, fmt.Errorf("auth: parse RSA private key: %w", err)
	}
	if priv.N.BitLen() < minRSABits {
		return SigningKey{}, fmt.Errorf("auth: RSA key is %d bits, need at least %d", priv.N.BitLen(), minRSABits)
	}
	return SigningKey{Algorithm: AlgRS256, KeyID: kid, private: priv, public: &priv.PublicKey}, nil
}

// NewEd25519Key parses a PKCS#8 PEM Ed25519 private key for EdDSA.
func NewEd25519Key(privatePEM []byte, kid string) (SigningKey, error) {
	priv, err := jwt.ParseEdPrivateKeyFromPEM(privatePEM)
	if err != nil {
		return SigningKey{}, fmt.Errorf("auth: parse Ed25519 private key: %w", err)
	}
	edKey, ok := priv.(ed25519.PrivateKey)
	if !ok {
		return SigningKey{}, errors.New("auth: not an Ed25519 private key")
	}
	return SigningKey{Algorithm: AlgEdDSA, KeyID: kid, private: edKey, public: edKey.Public()}, nil
}

// NewVerificationKey builds a verify-only key for a trusted foreign issuer.
// For HS256 material is the shared secret, otherwise a PEM public key.
func NewVerificationKey(alg string, material []byte) (SigningKey, error) {
	switch alg {
	case AlgHS256:
		key, err := NewHMACKey(material, "")
		if err != nil {
			return SigningKey{}, err
		}
		key.private = nil
		return key, nil
	case AlgRS256:
		pub, err := jwt.ParseRSAPublicKeyFromPEM(material)
		if err != nil {
			return SigningKey{}, fmt.Errorf("auth: parse RSA public key: %w", err)
		}
		if pub.N.BitLen() < minRSABits {
			return SigningKey{}, fmt.Errorf("auth: RSA key is %d bits, need at least %d", pub.N.BitLen(), minRSABits)
		}
		return SigningKey{Algorithm: AlgRS256, public: pub}, nil
	case AlgEdDSA:
		pub, err := jwt.ParseEdPublicKeyFromPEM(material)
		if err != nil {
			return SigningKey{}, fmt.Errorf("auth: parse Ed25519 public key: %w", err)
		}
		return SigningKey{Algorithm: AlgEdDSA, public: pub}, nil
	}
	return SigningKey{}, fmt.Errorf("auth: unsupported algorithm %q", alg)
}

// LoadSigningKey dispatches on alg. For HS256 material is the raw secret,
// otherwise a PEM private key.
func LoadSigningKey(alg string, material []byte, kid string) (SigningKey, error) {
	switch strings.TrimSpace(alg) {
	case AlgHS256:
		return NewHMACKey(material, kid)
	case AlgRS256:
		return NewRSAKey(material, kid)
	case AlgEdDSA:
		return NewEd25519Key(material, kid)
	}
	return SigningKey{}, fmt.Errorf("auth: unsupported algorithm %q", alg)
}

// GenerateKeyMaterial creates fresh key material for alg. For HS256 the
// private part is a base64url secret and public is nil.
func GenerateKeyMaterial(alg string) (private, public []byte, err error) {
	switch alg {
	case AlgHS256:
		secret := make([]byte, minHMACSecretBytes)
		if _, err := rand.Read(secret); err != nil {
			return nil, nil, err
		}
		return []byte(base64.RawURLEncoding.EncodeToString(secret)), nil, nil
	case AlgRS256:
		key, err := rsa.GenerateKey(rand.Reader, 3072)
		if err != nil {
			return nil, nil, err
		}
		return encodeKeyPair(key, &key.PublicKey)
	case AlgEdDSA:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		return encodeKeyPair(priv, pub)
	}
	return nil, nil, fmt.Errorf("auth: unsupported algorithm %q", alg)
}

func encodeKeyPair(priv, pub any) ([]byte, []byte, error) {
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}),
		pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}),
		nil
}
