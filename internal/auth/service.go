package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"docgate.io/internal/audit"
	"docgate.io/internal/obs"
)

const defaultOperationTimeout = 5 * time.Second

// LoginInput carries the credentials of a login attempt. MFACode is only
// consulted when the gate requires a second factor.
type LoginInput struct {
	Email    string
	Password string
	MFACode  string
}

// Service is the public authentication surface: login, registration,
// refresh, logout and access token verification.
type Service struct {
	store      Store
	tokens     *TokenIssuer
	hasher     *PasswordHasher
	mfa        *MFAGate
	refresh    RefreshTokenStore
	sessions   *SessionManager
	registrar  *TenantRegistrar
	refreshTTL time.Duration
	opTimeout  time.Duration
	now        func() time.Time
	logger     *slog.Logger
	tracer     trace.Tracer

	// verified when the email is unknown so both paths cost one hash
	dummyHash string
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithHasher replaces the default argon2id hasher.
func WithHasher(h *PasswordHasher) ServiceOption {
	return func(s *Service) error {
		if h == nil {
			return errors.New("auth: nil password hasher")
		}
		s.hasher = h
		return nil
	}
}

// WithMFAGate sets the MFA policy. The default gate only challenges users
// who enrolled.
func WithMFAGate(g *MFAGate) ServiceOption {
	return func(s *Service) error {
		if g != nil {
			s.mfa = g
		}
		return nil
	}
}

// WithRefreshTokenStore stores refresh tokens outside the primary store.
func WithRefreshTokenStore(rs RefreshTokenStore) ServiceOption {
	return func(s *Service) error {
		if rs != nil {
			s.refresh = rs
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithOperationTimeout bounds every public operation. Zero disables the
// bound; the caller's context still applies.
func WithOperationTimeout(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d < 0 {
			return fmt.Errorf("auth: negative operation timeout %s", d)
		}
		s.opTimeout = d
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithLogger overrides the structured logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.logger = l
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, tokens *TokenIssuer, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if tokens == nil {
		return nil, errors.New("auth: token issuer is required")
	}
	svc := &Service{
		store:      store,
		tokens:     tokens,
		mfa:        NewMFAGate(),
		refreshTTL: defaultRefreshTTL,
		opTimeout:  defaultOperationTimeout,
		now:        time.Now,
		logger:     obs.Logger(),
		tracer:     otel.Tracer("docgate.io/internal/auth"),
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.hasher == nil {
		h, err := NewPasswordHasher(DefaultArgon2Params(), svc.logger)
		if err != nil {
			return nil, err
		}
		svc.hasher = h
	}
	if svc.refresh == nil {
		svc.refresh = store.RefreshTokens()
	}
	if svc.refresh == nil {
		return nil, errors.New("auth: refresh token store is required")
	}

	filler := make([]byte, 24)
	if _, err := rand.Read(filler); err != nil {
		return nil, err
	}
	dummy, err := svc.hasher.Hash(base64.RawStdEncoding.EncodeToString(filler))
	if err != nil {
		return nil, err
	}
	svc.dummyHash = dummy

	svc.sessions = NewSessionManager(tokens, svc.refresh, store, svc.refreshTTL, svc.now, svc.logger)
	svc.registrar = NewTenantRegistrar(store, svc.hasher, svc.now, svc.logger)
	return svc, nil
}

// Login authenticates credentials and opens a new session. Unknown emails
// and wrong passwords are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, in LoginInput) (pair TokenPair, err error) {
	ctx, finish := s.begin(ctx, "auth.Login")
	defer func() {
		err = s.end(ctx, finish, err)
		obs.RecordAuthOutcome("login", outcomeOf(err))
	}()

	email := normalizeEmail(in.Email)
	user, err := s.store.FindUserByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return TokenPair{}, fmt.Errorf("find user: %w", err)
	}
	encoded := s.dummyHash
	if user != nil {
		encoded = user.PasswordHash
	}
	ok, err := bounded(ctx, func() (bool, error) { return s.hasher.Verify(encoded, in.Password), nil })
	if err != nil {
		return TokenPair{}, err
	}
	if user == nil || !ok {
		s.auditLogin(ctx, email, user, "invalid_credentials")
		return TokenPair{}, ErrInvalidCredentials
	}
	if !user.IsActive {
		s.auditLogin(ctx, email, user, "account_disabled")
		return TokenPair{}, ErrAccountDisabled
	}
	if s.mfa.RequiresMFA(*user) {
		if in.MFACode == "" || !s.mfa.VerifyCode(user.MFASecret, in.MFACode, s.now()) {
			s.auditLogin(ctx, email, user, "mfa_required")
			return TokenPair{}, ErrMFARequired
		}
	}

	s.upgradeHash(ctx, user, in.Password)

	pair, err = s.sessions.Create(ctx, *user)
	if err != nil {
		return TokenPair{}, err
	}
	s.auditLogin(ctx, email, user, "success")
	return pair, nil
}

// Register creates a tenant with its owner and opens the owner's first
// session. Tokens are issued after the registration commits; if that fails
// the registration still succeeds with LoginRequired set, since repeating
// it could only conflict.
func (s *Service) Register(ctx context.Context, in RegisterInput) (reg Registration, err error) {
	ctx, finish := s.begin(ctx, "auth.Register")
	defer func() {
		err = s.end(ctx, finish, err)
		obs.RecordAuthOutcome("register", outcomeOf(err))
	}()

	tenant, user, err := s.registrar.Register(ctx, in)
	if err != nil {
		return Registration{}, err
	}
	reg = Registration{UserID: user.ID, TenantID: tenant.ID, Role: user.Role}
	_ = audit.LogEvent(ctx, "auth.register", map[string]any{
		"tenant_id": tenant.ID,
		"user_id":   user.ID,
	})

	pair, err := s.sessions.Create(ctx, *user)
	if err != nil {
		s.logger.WarnContext(ctx, "registration committed without a session",
			slog.String("user_id", user.ID),
			slog.String("tenant_id", tenant.ID),
			slog.Any("error", err),
		)
		reg.LoginRequired = true
		return reg, nil
	}
	reg.Tokens = pair
	return reg, nil
}

// Refresh rotates a refresh token. See SessionManager.Rotate.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (pair TokenPair, err error) {
	ctx, finish := s.begin(ctx, "auth.Refresh")
	defer func() {
		err = s.end(ctx, finish, err)
		obs.RecordAuthOutcome("refresh", outcomeOf(err))
	}()

	pair, err = s.sessions.Rotate(ctx, refreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	_ = audit.LogEvent(ctx, "auth.refresh", map[string]any{"session_id": pair.SessionID})
	return pair, nil
}

// Logout revokes the session the refresh token belongs to. It is idempotent.
func (s *Service) Logout(ctx context.Context, refreshToken string) (err error) {
	ctx, finish := s.begin(ctx, "auth.Logout")
	defer func() {
		err = s.end(ctx, finish, err)
		obs.RecordAuthOutcome("logout", outcomeOf(err))
	}()
	return s.sessions.RevokeToken(ctx, refreshToken)
}

// VerifyAccessToken validates an access token and returns its identity.
func (s *Service) VerifyAccessToken(ctx context.Context, token string) (id Identity, err error) {
	ctx, finish := s.begin(ctx, "auth.VerifyAccessToken")
	defer func() { err = s.end(ctx, finish, err) }()

	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	return s.tokens.VerifyAccess(token)
}

func (s *Service) upgradeHash(ctx context.Context, user *User, password string) {
	updater, ok := s.store.(PasswordUpdater)
	if !ok || !s.hasher.NeedsRehash(user.PasswordHash) {
		return
	}
	hash, err := bounded(ctx, func() (string, error) { return s.hasher.Hash(password) })
	if err == nil {
		err = updater.UpdatePasswordHash(ctx, user.ID, hash)
	}
	if err != nil {
		s.logger.Warn("password rehash failed",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) auditLogin(ctx context.Context, email string, user *User, outcome string) {
	fields := map[string]any{"email": email, "outcome": outcome}
	if user != nil {
		fields["user_id"] = user.ID
		fields["tenant_id"] = user.TenantID
	}
	_ = audit.LogEvent(ctx, "auth.login", fields)
}

type spanFinisher struct {
	span   trace.Span
	cancel context.CancelFunc
	op     string
}

func (s *Service) begin(ctx context.Context, op string) (context.Context, spanFinisher) {
	var cancel context.CancelFunc
	if s.opTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.opTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	ctx, span := s.tracer.Start(ctx, op)
	return ctx, spanFinisher{span: span, cancel: cancel, op: op}
}

// end classifies err into the public taxonomy, records it on the span and
// releases the operation context.
func (s *Service) end(ctx context.Context, f spanFinisher, err error) error {
	defer f.cancel()
	defer f.span.End()
	if err == nil {
		f.span.SetStatus(otelcodes.Ok, "")
		return nil
	}

	var (
		authErr *AuthError
		regErr  *RegistrationError
	)
	switch {
	case errors.As(err, &authErr):
	case errors.As(err, &regErr):
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), ctx.Err() != nil:
		err = newAuthError(KindUnavailable, err)
	default:
		s.logger.Error("auth operation failed",
			slog.String("op", f.op),
			slog.String("error", err.Error()),
		)
		err = newAuthError(KindUnavailable, err)
	}
	f.span.SetAttributes(attribute.String("auth.outcome", outcomeOf(err)))
	f.span.SetStatus(otelcodes.Error, err.Error())
	return err
}

func outcomeOf(err error) string {
	if err == nil {
		return "success"
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Kind.Code()
	}
	var regErr *RegistrationError
	if errors.As(err, &regErr) {
		return regErr.Kind.Code()
	}
	return "error"
}

// bounded runs fn on its own goroutine and gives up when ctx is done. fn
// keeps running to completion in the background.
func bounded[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
