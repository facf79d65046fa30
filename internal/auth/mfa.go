package auth

import (
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const totpDigits = 6

// RFC 6238 with HMAC-SHA1, six digits, 30 second step and one step of skew.
var totpOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// MFAGate decides whether a login needs a second factor and checks TOTP
// codes.
type MFAGate struct {
	requiredRoles map[Role]struct{}
}

// NewMFAGate returns a gate that additionally requires MFA for every user
// holding one of roles, enrolled or not.
func NewMFAGate(roles ...Role) *MFAGate {
	g := &MFAGate{requiredRoles: make(map[Role]struct{}, len(roles))}
	for _, r := range roles {
		g.requiredRoles[r] = struct{}{}
	}
	return g
}

// RequiresMFA is a pure function of the user record and the gate policy.
func (g *MFAGate) RequiresMFA(u User) bool {
	if u.MFAEnabled {
		return true
	}
	_, ok := g.requiredRoles[u.Role]
	return ok
}

// VerifyCode accepts code if it matches the step containing now or one step
// either side of it. Malformed secrets or codes return false.
func (g *MFAGate) VerifyCode(secret, code string, now time.Time) bool {
	code = strings.TrimSpace(code)
	if len(code) != totpDigits {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	secret = normalizeTOTPSecret(secret)
	if secret == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, now.UTC(), totpOpts)
	return err == nil && ok
}

// GenerateSecret enrolls account: it returns a new 160-bit base32 secret and
// the otpauth:// URI authenticator apps import.
func GenerateSecret(issuer, account string) (secret, uri string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      totpOpts.Period,
		SecretSize:  20,
		Digits:      totpOpts.Digits,
		Algorithm:   totpOpts.Algorithm,
	})
	if err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

// Code returns the code for secret at t.
func Code(secret string, t time.Time) (string, error) {
	return totp.GenerateCodeCustom(normalizeTOTPSecret(secret), t.UTC(), totpOpts)
}

// normalizeTOTPSecret accepts secrets as users type them: any case, with
// spaces, with or without padding.
func normalizeTOTPSecret(secret string) string {
	s := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(secret), " ", ""))
	return strings.TrimRight(s, "=")
}
