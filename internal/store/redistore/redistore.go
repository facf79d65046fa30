// Package redistore keeps refresh token chains in Redis so several docgate
// replicas can share rotation state while users and tenants stay in
// PostgreSQL.
package redistore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"docgate.io/internal/auth"
)

const (
	defaultPrefix    = "docgate"
	defaultRetention = 24 * time.Hour

	errNotActive = "not_active"
	errNotFound  = "not_found"
	errDuplicate = "duplicate"
)

// Tokens implements auth.RefreshTokenStore.
//
// Layout: <prefix>:rt:<hash> holds the JSON record, <prefix>:chain:<session>
// is a set of the hashes issued in that session. Records outlive their
// expiry by the retention window so a replayed token is still recognised as
// reuse rather than as unknown.
type Tokens struct {
	rdb       redis.UniversalClient
	prefix    string
	retention time.Duration
	now       func() time.Time
}

var _ auth.RefreshTokenStore = (*Tokens)(nil)

type Option func(*Tokens)

func WithPrefix(p string) Option {
	return func(t *Tokens) {
		if p = strings.TrimSuffix(p, ":"); p != "" {
			t.prefix = p
		}
	}
}

// WithRetention sets how long a record is kept after it expires.
func WithRetention(d time.Duration) Option {
	return func(t *Tokens) {
		if d > 0 {
			t.retention = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tokens) {
		if now != nil {
			t.now = now
		}
	}
}

func New(rdb redis.UniversalClient, opts ...Option) *Tokens {
	t := &Tokens{rdb: rdb, prefix: defaultPrefix, retention: defaultRetention, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Ping reports whether Redis is reachable.
func (t *Tokens) Ping(ctx context.Context) error {
	return t.rdb.Ping(ctx).Err()
}

func (t *Tokens) tokenKey(hash string) string    { return t.prefix + ":rt:" + hash }
func (t *Tokens) chainKey(session string) string { return t.prefix + ":chain:" + session }

// ttl is the lifetime of a record expiring at exp.
func (t *Tokens) ttl(exp time.Time) time.Duration {
	d := exp.Sub(t.now()) + t.retention
	if d < t.retention {
		return t.retention
	}
	return d
}

type record struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	ParentID  string     `json:"parent_id"`
	UserID    string     `json:"user_id"`
	TenantID  string     `json:"tenant_id"`
	TokenHash string     `json:"token_hash"`
	Status    string     `json:"status"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
}

func toRecord(tok *auth.RefreshToken) record {
	return record{
		ID:        tok.ID,
		SessionID: tok.SessionID,
		ParentID:  tok.ParentID,
		UserID:    tok.UserID,
		TenantID:  tok.TenantID,
		TokenHash: tok.TokenHash,
		Status:    string(tok.Status),
		IssuedAt:  tok.IssuedAt.UTC(),
		ExpiresAt: tok.ExpiresAt.UTC(),
		UsedAt:    tok.UsedAt,
	}
}

func (r record) token() *auth.RefreshToken {
	return &auth.RefreshToken{
		ID:        r.ID,
		SessionID: r.SessionID,
		ParentID:  r.ParentID,
		UserID:    r.UserID,
		TenantID:  r.TenantID,
		TokenHash: r.TokenHash,
		Status:    auth.TokenStatus(r.Status),
		IssuedAt:  r.IssuedAt,
		ExpiresAt: r.ExpiresAt,
		UsedAt:    r.UsedAt,
	}
}

func decode(raw string) (*auth.RefreshToken, error) {
	var r record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("redistore: decode record: %w", err)
	}
	return r.token(), nil
}

// KEYS: token, chain. ARGV: record, ttl ms, hash.
var insertScript = redis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2], 'NX') == false then
  return redis.error_reply('duplicate')
end
redis.call('SADD', KEYS[2], ARGV[3])
if redis.call('PTTL', KEYS[2]) < tonumber(ARGV[2]) then
  redis.call('PEXPIRE', KEYS[2], ARGV[2])
end
return 'OK'
`)

// KEYS: old token, successor token, chain. ARGV: used_at, successor record,
// successor ttl ms, successor hash.
var rotateScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if raw == false then
  return redis.error_reply('not_found')
end
local rec = cjson.decode(raw)
if rec['status'] ~= 'active' then
  return redis.error_reply('not_active')
end
if redis.call('EXISTS', KEYS[2]) == 1 then
  return redis.error_reply('duplicate')
end
rec['status'] = 'rotated'
rec['used_at'] = ARGV[1]
local updated = cjson.encode(rec)
redis.call('SET', KEYS[1], updated, 'KEEPTTL')
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
redis.call('SADD', KEYS[3], ARGV[4])
if redis.call('PTTL', KEYS[3]) < tonumber(ARGV[3]) then
  redis.call('PEXPIRE', KEYS[3], ARGV[3])
end
return updated
`)

// KEYS: chain. ARGV: token key prefix. Returns the number revoked.
var revokeScript = redis.NewScript(`
local n = 0
for _, hash in ipairs(redis.call('SMEMBERS', KEYS[1])) do
  local key = ARGV[1] .. hash
  local raw = redis.call('GET', key)
  if raw then
    local rec = cjson.decode(raw)
    if rec['status'] == 'active' then
      rec['status'] = 'revoked'
      redis.call('SET', key, cjson.encode(rec), 'KEEPTTL')
      n = n + 1
    end
  end
end
return n
`)

func (t *Tokens) Insert(ctx context.Context, tok *auth.RefreshToken) error {
	if tok == nil || tok.TokenHash == "" {
		return errors.New("redistore: refresh token hash is required")
	}
	body, err := json.Marshal(toRecord(tok))
	if err != nil {
		return err
	}
	keys := []string{t.tokenKey(tok.TokenHash), t.chainKey(tok.SessionID)}
	err = insertScript.Run(ctx, t.rdb, keys, string(body), t.ttl(tok.ExpiresAt).Milliseconds(), tok.TokenHash).Err()
	return scriptError(err)
}

func (t *Tokens) Find(ctx context.Context, tokenHash string) (*auth.RefreshToken, error) {
	raw, err := t.rdb.Get(ctx, t.tokenKey(tokenHash)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(raw)
}

func (t *Tokens) MarkUsedAndIssueSuccessor(ctx context.Context, oldHash string, successor *auth.RefreshToken) (*auth.RefreshToken, error) {
	if successor == nil || successor.TokenHash == "" {
		return nil, errors.New("redistore: successor hash is required")
	}
	body, err := json.Marshal(toRecord(successor))
	if err != nil {
		return nil, err
	}
	keys := []string{t.tokenKey(oldHash), t.tokenKey(successor.TokenHash), t.chainKey(successor.SessionID)}
	usedAt := t.now().UTC().Format(time.RFC3339Nano)
	raw, err := rotateScript.Run(ctx, t.rdb, keys, usedAt, string(body),
		t.ttl(successor.ExpiresAt).Milliseconds(), successor.TokenHash).Text()
	if err != nil {
		return nil, scriptError(err)
	}
	return decode(raw)
}

func (t *Tokens) RevokeChain(ctx context.Context, sessionID string) error {
	return revokeScript.Run(ctx, t.rdb, []string{t.chainKey(sessionID)}, t.prefix+":rt:").Err()
}

// scriptError maps the script's error replies onto the auth store sentinels.
func scriptError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, errNotActive):
		return auth.ErrTokenNotActive
	case strings.Contains(msg, errNotFound):
		return auth.ErrNotFound
	case strings.Contains(msg, errDuplicate):
		return errors.New("redistore: duplicate refresh token hash")
	}
	return err
}
