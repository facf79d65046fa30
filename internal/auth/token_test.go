package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func newHMACIssuer(t *testing.T, issuer string, clock *testClock, opts ...TokenOption) *TokenIssuer {
	t.Helper()
	key, err := NewHMACKey(testSecret, "k1")
	if err != nil {
		t.Fatalf("NewHMACKey: %v", err)
	}
	opts = append(opts, WithTokenClock(clock.Now))
	ti, err := NewTokenIssuer(issuer, key, opts...)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	return ti
}

var alice = Identity{UserID: "u-alice", TenantID: "t-acme", Role: RoleOwner}

func TestIssueAndVerifyAllAlgorithms(t *testing.T) {
	for _, alg := range []string{AlgHS256, AlgRS256, AlgEdDSA} {
		t.Run(alg, func(t *testing.T) {
			priv, _, err := GenerateKeyMaterial(alg)
			if err != nil {
				t.Fatalf("GenerateKeyMaterial: %v", err)
			}
			key, err := LoadSigningKey(alg, priv, "kid-1")
			if err != nil {
				t.Fatalf("LoadSigningKey: %v", err)
			}
			ti, err := NewTokenIssuer("docgate", key)
			if err != nil {
				t.Fatalf("NewTokenIssuer: %v", err)
			}
			raw, exp, err := ti.IssueAccess(alice)
			if err != nil {
				t.Fatalf("IssueAccess: %v", err)
			}
			if d := time.Until(exp); d <= 14*time.Minute || d > 15*time.Minute {
				t.Fatalf("unexpected expiry in %s", d)
			}
			id, err := ti.VerifyAccess(raw)
			if err != nil {
				t.Fatalf("VerifyAccess: %v", err)
			}
			if id.UserID != alice.UserID || id.TenantID != alice.TenantID || id.Role != RoleOwner || id.Issuer != "docgate" {
				t.Fatalf("unexpected identity %+v", id)
			}
			if id.TokenID == "" {
				t.Fatal("expected jti")
			}
		})
	}
}

func TestVerifyExpired(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	ti := newHMACIssuer(t, "docgate", clock)
	raw, _, err := ti.IssueAccess(alice)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	clock.now = clock.now.Add(16 * time.Minute)
	if _, err := ti.VerifyAccess(raw); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected Expired, got %v", err)
	}
}

func TestVerifyTamperedIsBadSignatureEvenWhenExpired(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	ti := newHMACIssuer(t, "docgate", clock)
	raw, _, _ := ti.IssueAccess(alice)

	// re-sign the same claims with another tenant under a different key
	forger := newHMACIssuerWithSecret(t, "docgate", clock, []byte("ffffffffffffffffffffffffffffffff"))
	forged, _, _ := forger.IssueAccess(Identity{UserID: alice.UserID, TenantID: "t-victim", Role: RoleOwner})
	parts := strings.Split(raw, ".")
	forgedParts := strings.Split(forged, ".")
	spliced := parts[0] + "." + forgedParts[1] + "." + parts[2]

	if _, err := ti.VerifyAccess(spliced); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected BadSignature for spliced payload, got %v", err)
	}
	if _, err := ti.VerifyAccess(forged); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected BadSignature for foreign key, got %v", err)
	}

	clock.now = clock.now.Add(time.Hour)
	if _, err := ti.VerifyAccess(spliced); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("signature must be checked before expiry, got %v", err)
	}
}

func newHMACIssuerWithSecret(t *testing.T, issuer string, clock *testClock, secret []byte) *TokenIssuer {
	t.Helper()
	key, err := NewHMACKey(secret, "")
	if err != nil {
		t.Fatalf("NewHMACKey: %v", err)
	}
	ti, err := NewTokenIssuer(issuer, key, WithTokenClock(clock.Now))
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	return ti
}

func TestVerifyRejectsAlgorithmSubstitution(t *testing.T) {
	priv, pub, err := GenerateKeyMaterial(AlgEdDSA)
	if err != nil {
		t.Fatalf("GenerateKeyMaterial: %v", err)
	}
	key, err := NewEd25519Key(priv, "")
	if err != nil {
		t.Fatalf("NewEd25519Key: %v", err)
	}
	ti, err := NewTokenIssuer("docgate", key)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}

	now := time.Now()
	claims := AccessClaims{
		UserID: alice.UserID, TenantID: alice.TenantID, Role: alice.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "docgate", Subject: alice.UserID,
			IssuedAt: jwt.NewNumericDate(now), ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
	}
	// HMAC keyed with the public key bytes
	hsToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(pub)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ti.VerifyAccess(hsToken); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected BadSignature for HS256 substitution, got %v", err)
	}

	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := ti.VerifyAccess(noneToken); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected BadSignature for alg=none, got %v", err)
	}
}

func TestVerifyIssuerPinning(t *testing.T) {
	clock := &testClock{now: time.Now()}
	partner := newHMACIssuerWithSecret(t, "partner", clock, []byte("pppppppppppppppppppppppppppppppp"))
	partnerToken, _, _ := partner.IssueAccess(alice)

	ti := newHMACIssuer(t, "docgate", clock)
	if _, err := ti.VerifyAccess(partnerToken); !errors.Is(err, ErrIssuerMismatch) {
		t.Fatalf("expected IssuerMismatch, got %v", err)
	}

	verifier, err := NewVerificationKey(AlgHS256, []byte("pppppppppppppppppppppppppppppppp"))
	if err != nil {
		t.Fatalf("NewVerificationKey: %v", err)
	}
	if verifier.CanSign() {
		t.Fatal("verification key must not sign")
	}
	trusting := newHMACIssuer(t, "docgate", clock, WithTrustedIssuer("partner", verifier))
	id, err := trusting.VerifyAccess(partnerToken)
	if err != nil {
		t.Fatalf("trusted issuer rejected: %v", err)
	}
	if id.Issuer != "partner" {
		t.Fatalf("unexpected issuer %q", id.Issuer)
	}

	// partner pinned to EdDSA: an HS256 token claiming to be partner fails
	_, edPub, _ := GenerateKeyMaterial(AlgEdDSA)
	edVerifier, err := NewVerificationKey(AlgEdDSA, edPub)
	if err != nil {
		t.Fatalf("NewVerificationKey: %v", err)
	}
	pinned := newHMACIssuer(t, "docgate", clock, WithTrustedIssuer("partner", edVerifier))
	if _, err := pinned.VerifyAccess(partnerToken); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected BadSignature under pinned algorithm, got %v", err)
	}
}

func TestVerifyMalformed(t *testing.T) {
	ti := newHMACIssuer(t, "docgate", &testClock{now: time.Now()})
	for _, raw := range []string{"", "abc", "a.b.c", "eyJhbGciOiJIUzI1NiJ9.bm90LWpzb24.c2ln"} {
		if _, err := ti.VerifyAccess(raw); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%q: expected Malformed, got %v", raw, err)
		}
	}
}

func TestIssueRefresh(t *testing.T) {
	ti := newHMACIssuer(t, "docgate", &testClock{now: time.Now()})
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		raw, hash, err := ti.IssueRefresh()
		if err != nil {
			t.Fatalf("IssueRefresh: %v", err)
		}
		if len(raw) != 43 {
			t.Fatalf("expected 43 base64url chars for 32 bytes, got %d", len(raw))
		}
		if hash != HashRefreshToken(raw) || len(hash) != 64 {
			t.Fatalf("unexpected hash %q", hash)
		}
		if seen[raw] {
			t.Fatal("duplicate refresh token")
		}
		seen[raw] = true
	}
	if _, err := NewTokenIssuer("docgate", mustHMAC(t), WithRefreshEntropy(16)); err == nil {
		t.Fatal("entropy below 256 bits must be rejected")
	}
}

func TestKeyValidation(t *testing.T) {
	if _, err := NewHMACKey([]byte("short"), ""); err == nil {
		t.Fatal("short HMAC secret accepted")
	}
	if _, err := LoadSigningKey("RS512", nil, ""); err == nil {
		t.Fatal("unsupported algorithm accepted")
	}
	verifier, _ := NewVerificationKey(AlgHS256, testSecret)
	if _, err := NewTokenIssuer("docgate", verifier); err == nil {
		t.Fatal("verify-only key accepted for signing")
	}
	if _, err := NewTokenIssuer(" ", mustHMAC(t)); err == nil {
		t.Fatal("empty issuer accepted")
	}
}

func mustHMAC(t *testing.T) SigningKey {
	t.Helper()
	key, err := NewHMACKey(testSecret, "")
	if err != nil {
		t.Fatalf("NewHMACKey: %v", err)
	}
	return key
}
