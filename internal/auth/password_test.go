package auth

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func testParams() Argon2Params {
	return Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}
}

func newTestHasher(t *testing.T, buf *bytes.Buffer) *PasswordHasher {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(buf, nil))
	h, err := NewPasswordHasher(testParams(), logger)
	if err != nil {
		t.Fatalf("NewPasswordHasher: %v", err)
	}
	return h
}

func TestHashVerifyRoundTrip(t *testing.T) {
	var logs bytes.Buffer
	h := newTestHasher(t, &logs)

	encoded, err := h.Hash("correct horse battery staple")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$v=19$m=1024,t=1,p=1$") {
		t.Fatalf("unexpected encoding %q", encoded)
	}
	if !h.Verify(encoded, "correct horse battery staple") {
		t.Fatal("expected password to verify")
	}
	if h.Verify(encoded, "correct horse battery stapler") {
		t.Fatal("wrong password verified")
	}
	if logs.Len() != 0 {
		t.Fatalf("unexpected log output: %s", logs.String())
	}
}

func TestHashUsesFreshSalt(t *testing.T) {
	var logs bytes.Buffer
	h := newTestHasher(t, &logs)
	a, _ := h.Hash("same")
	b, _ := h.Hash("same")
	if a == b {
		t.Fatal("two hashes of the same password must differ")
	}
}

func TestVerifyMalformedNeverPanics(t *testing.T) {
	var logs bytes.Buffer
	h := newTestHasher(t, &logs)
	for _, enc := range []string{
		"",
		"plaintext",
		"$argon2id$v=19$m=1024,t=1,p=1$onlyfive",
		"$argon2id$v=18$m=1024,t=1,p=1$c2FsdHNhbHRzYWx0$aGFzaA",
		"$argon2id$v=19$m=1024,t=0,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaGhhc2hoYXNoaGFzaA",
		"$argon2id$v=19$m=1024,t=1,p=0$c2FsdHNhbHRzYWx0c2FsdA$aGFzaGhhc2hoYXNoaGFzaA",
		"$argon2id$v=19$m=1024,t=1,p=1$!!!$aGFzaGhhc2hoYXNoaGFzaA",
		"$2b$04$short",
	} {
		if h.Verify(enc, "password") {
			t.Fatalf("malformed hash %q verified", enc)
		}
	}
	if !strings.Contains(logs.String(), "password_hash_malformed") {
		t.Fatal("malformed hashes must be logged as data-integrity events")
	}
}

func TestVerifyLegacyBcrypt(t *testing.T) {
	var logs bytes.Buffer
	h := newTestHasher(t, &logs)
	legacy, err := bcrypt.GenerateFromPassword([]byte("hunter22"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	if !h.Verify(string(legacy), "hunter22") {
		t.Fatal("legacy bcrypt hash should verify")
	}
	if h.Verify(string(legacy), "hunter23") {
		t.Fatal("wrong password verified against bcrypt")
	}
	if !h.NeedsRehash(string(legacy)) {
		t.Fatal("bcrypt hashes always need rehash")
	}
	if logs.Len() != 0 {
		t.Fatalf("mismatch must not be logged as malformed: %s", logs.String())
	}
}

func TestNeedsRehashOnParamChange(t *testing.T) {
	var logs bytes.Buffer
	h := newTestHasher(t, &logs)
	enc, _ := h.Hash("pw")
	if h.NeedsRehash(enc) {
		t.Fatal("fresh hash should not need rehash")
	}
	stronger := testParams()
	stronger.Iterations = 2
	h2, err := NewPasswordHasher(stronger, nil)
	if err != nil {
		t.Fatalf("NewPasswordHasher: %v", err)
	}
	if !h2.NeedsRehash(enc) {
		t.Fatal("expected rehash after iteration bump")
	}
	if !h2.Verify(enc, "pw") {
		t.Fatal("old parameters must still verify")
	}
}

func TestInvalidParamsRejected(t *testing.T) {
	p := testParams()
	p.Parallelism = 0
	if _, err := NewPasswordHasher(p, nil); err == nil {
		t.Fatal("expected error for zero parallelism")
	}
}

func TestVerifyRejectsHashAboveCostBudget(t *testing.T) {
	var logs bytes.Buffer
	h := newTestHasher(t, &logs)

	start := time.Now()
	planted := "$argon2id$v=19$m=4194304,t=64,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaGhhc2hoYXNoaGFzaGhhc2hoYXNoaGFzaGhhc2g"
	if h.Verify(planted, "password") {
		t.Fatal("oversized hash verified")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("oversized hash was computed: took %s", time.Since(start))
	}
	if !strings.Contains(logs.String(), "verify budget") {
		t.Fatalf("expected budget rejection to be logged, got %s", logs.String())
	}

	logs.Reset()
	within := testParams()
	within.Iterations = argonVerifyFactor
	h2, err := NewPasswordHasher(within, nil)
	if err != nil {
		t.Fatalf("NewPasswordHasher: %v", err)
	}
	enc, _ := h2.Hash("pw")
	if !h.Verify(enc, "pw") {
		t.Fatal("hash within the budget must still verify")
	}
}

func TestVerifyRejectsExcessiveBcryptCost(t *testing.T) {
	var logs bytes.Buffer
	h := newTestHasher(t, &logs)
	// cost 31 with a syntactically valid body; comparing it would take days
	planted := "$2b$31$abcdefghijklmnopqrstuuN2b1XUYbe8hsSmZlAeo9P8f0sPqNnSi"
	if h.Verify(planted, "password") {
		t.Fatal("bcrypt hash above the cost limit verified")
	}
	if !strings.Contains(logs.String(), "above limit") {
		t.Fatalf("expected cost rejection to be logged, got %s", logs.String())
	}
}
