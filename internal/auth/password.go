package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"

	"docgate.io/internal/obs"
)

// Argon2Params are the cost parameters embedded in every encoded hash.
type Argon2Params struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultArgon2Params returns the parameters used when none are configured.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Memory:      64 * 1024,
		Iterations:  2,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// upper bounds accepted when decoding stored hashes
const (
	maxArgonMemory     = 4 * 1024 * 1024
	maxArgonIterations = 64
	maxArgonKeyLength  = 1024

	// a stored hash may cost at most this multiple of the configured params
	argonVerifyFactor = 4
	maxBcryptCost     = 14
)

func (p Argon2Params) validate() error {
	switch {
	case p.Memory < 8*uint32(p.Parallelism) || p.Memory > maxArgonMemory:
		return fmt.Errorf("argon2 memory %d KiB out of range", p.Memory)
	case p.Iterations == 0 || p.Iterations > maxArgonIterations:
		return fmt.Errorf("argon2 iterations %d out of range", p.Iterations)
	case p.Parallelism == 0:
		return errors.New("argon2 parallelism must be at least 1")
	case p.SaltLength < 8:
		return errors.New("argon2 salt must be at least 8 bytes")
	case p.KeyLength < 16 || p.KeyLength > maxArgonKeyLength:
		return fmt.Errorf("argon2 key length %d out of range", p.KeyLength)
	}
	return nil
}

// PasswordHasher produces and verifies self-describing argon2id hashes.
// Legacy bcrypt hashes are accepted by Verify so imported accounts keep
// working until they are rehashed.
type PasswordHasher struct {
	params Argon2Params
	logger *slog.Logger
}

// NewPasswordHasher validates params and returns a hasher. A nil logger
// falls back to obs.Logger().
func NewPasswordHasher(params Argon2Params, logger *slog.Logger) (*PasswordHasher, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = obs.Logger()
	}
	return &PasswordHasher{params: params, logger: logger}, nil
}

// Hash returns $argon2id$v=19$m=..,t=..,p=..$salt$digest with a fresh salt.
func (h *PasswordHasher) Hash(password string) (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	start := time.Now()
	key := argon2.IDKey([]byte(password), salt, h.params.Iterations, h.params.Memory, h.params.Parallelism, h.params.KeyLength)
	obs.ObservePasswordHash(time.Since(start))

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.params.Memory,
		h.params.Iterations,
		h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether password matches encoded. Malformed encodings are
// logged as data-integrity events and treated as a mismatch.
func (h *PasswordHasher) Verify(encoded, password string) bool {
	if isBcrypt(encoded) {
		if cost, err := bcrypt.Cost([]byte(encoded)); err == nil && cost > maxBcryptCost {
			h.malformed("bcrypt", fmt.Errorf("cost %d above limit %d", cost, maxBcryptCost))
			return false
		}
		err := bcrypt.CompareHashAndPassword([]byte(encoded), []byte(password))
		if err != nil && !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			h.malformed("bcrypt", err)
		}
		return err == nil
	}

	params, salt, want, err := decodeArgon2id(encoded)
	if err != nil {
		h.malformed("argon2id", err)
		return false
	}
	if err := h.withinBudget(params); err != nil {
		h.malformed("argon2id", err)
		return false
	}
	start := time.Now()
	got := argon2.IDKey([]byte(password), salt, params.Iterations, params.Memory, params.Parallelism, uint32(len(want)))
	obs.ObservePasswordHash(time.Since(start))
	return subtle.ConstantTimeCompare(got, want) == 1
}

// withinBudget rejects stored parameters far above the configured cost so a
// corrupted row cannot make one login allocate gigabytes.
func (h *PasswordHasher) withinBudget(p Argon2Params) error {
	switch {
	case uint64(p.Memory) > argonVerifyFactor*uint64(h.params.Memory):
		return fmt.Errorf("argon2 memory %d KiB exceeds verify budget", p.Memory)
	case uint64(p.Iterations) > argonVerifyFactor*uint64(h.params.Iterations):
		return fmt.Errorf("argon2 iterations %d exceed verify budget", p.Iterations)
	case uint64(p.Parallelism) > argonVerifyFactor*uint64(h.params.Parallelism):
		return fmt.Errorf("argon2 parallelism %d exceeds verify budget", p.Parallelism)
	}
	return nil
}

// NeedsRehash reports whether encoded was produced with a different algorithm
// or different parameters than the hasher's current configuration.
func (h *PasswordHasher) NeedsRehash(encoded string) bool {
	params, salt, key, err := decodeArgon2id(encoded)
	if err != nil {
		return true
	}
	return params.Memory != h.params.Memory ||
		params.Iterations != h.params.Iterations ||
		params.Parallelism != h.params.Parallelism ||
		uint32(len(salt)) != h.params.SaltLength ||
		uint32(len(key)) != h.params.KeyLength
}

func (h *PasswordHasher) malformed(scheme string, err error) {
	h.logger.Error("stored password hash is malformed",
		slog.String("event", "password_hash_malformed"),
		slog.String("scheme", scheme),
		slog.String("error", err.Error()),
	)
}

func isBcrypt(encoded string) bool {
	return strings.HasPrefix(encoded, "$2a$") ||
		strings.HasPrefix(encoded, "$2b$") ||
		strings.HasPrefix(encoded, "$2y$")
}

func decodeArgon2id(encoded string) (Argon2Params, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return Argon2Params{}, nil, nil, errors.New("unrecognised hash format")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return Argon2Params{}, nil, nil, fmt.Errorf("parse version: %w", err)
	}
	if version != argon2.Version {
		return Argon2Params{}, nil, nil, fmt.Errorf("unsupported argon2 version %d", version)
	}
	var (
		memory, iterations uint32
		parallelism        uint8
	)
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return Argon2Params{}, nil, nil, fmt.Errorf("parse params: %w", err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return Argon2Params{}, nil, nil, fmt.Errorf("decode salt: %w", err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return Argon2Params{}, nil, nil, fmt.Errorf("decode digest: %w", err)
	}
	params := Argon2Params{
		Memory:      memory,
		Iterations:  iterations,
		Parallelism: parallelism,
		SaltLength:  uint32(len(salt)),
		KeyLength:   uint32(len(key)),
	}
	if err := params.validate(); err != nil {
		return Argon2Params{}, nil, nil, err
	}
	return params, salt, key, nil
}
