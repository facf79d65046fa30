package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"docgate.io/internal/auth"
	"docgate.io/internal/config"
	"docgate.io/internal/httpapi"
	"docgate.io/internal/migrate"
	"docgate.io/internal/obs"
	"docgate.io/internal/store/memory"
	"docgate.io/internal/store/pg"
	"docgate.io/internal/store/redistore"
)

func newServeCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

// backend holds the stores chosen by configuration and their cleanup.
type backend struct {
	store   auth.Store
	refresh auth.RefreshTokenStore
	checks  map[string]httpapi.Pinger
	closers []func() error
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i]()
	}
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	logger := obs.Logger()
	b := &backend{checks: make(map[string]httpapi.Pinger)}

	if cfg.Database.DSN == "" {
		logger.Warn("no database configured; using in-memory store")
		b.store = memory.New()
	} else {
		st, err := pg.Open(cfg.Database.DSN, pg.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		b.closers = append(b.closers, st.Close)
		if cfg.Database.AutoMigrate {
			applied, err := migrate.NewManager(st.DB(), pg.Migrations(), migrate.WithLogger(logger)).Up(ctx)
			if err != nil {
				b.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
			logger.Info("schema up to date", "applied", len(applied))
		}
		b.store = st
		b.checks["postgres"] = st
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		b.closers = append(b.closers, rdb.Close)
		tokens := redistore.New(rdb,
			redistore.WithPrefix(cfg.Redis.Prefix),
			redistore.WithRetention(cfg.Redis.Retention),
		)
		b.refresh = tokens
		b.checks["redis"] = tokens
	}
	return b, nil
}

func buildTokenIssuer(cfg config.Auth) (*auth.TokenIssuer, error) {
	key, err := auth.LoadSigningKey(cfg.Algorithm, []byte(cfg.Key), cfg.KeyID)
	if err != nil {
		return nil, err
	}
	opts := []auth.TokenOption{
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshEntropy(cfg.RefreshEntropy),
	}
	for _, ti := range cfg.TrustedIssuers {
		vk, err := auth.NewVerificationKey(ti.Algorithm, []byte(ti.Key))
		if err != nil {
			return nil, fmt.Errorf("trusted issuer %s: %w", ti.Issuer, err)
		}
		opts = append(opts, auth.WithTrustedIssuer(ti.Issuer, vk))
	}
	return auth.NewTokenIssuer(cfg.Issuer, key, opts...)
}

func buildService(cfg *config.Config, b *backend) (*auth.Service, error) {
	tokens, err := buildTokenIssuer(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("token issuer: %w", err)
	}
	hasher, err := auth.NewPasswordHasher(auth.Argon2Params{
		Memory:      cfg.Auth.Argon2.Memory,
		Iterations:  cfg.Auth.Argon2.Iterations,
		Parallelism: cfg.Auth.Argon2.Parallelism,
		SaltLength:  cfg.Auth.Argon2.SaltLength,
		KeyLength:   cfg.Auth.Argon2.KeyLength,
	}, obs.Logger())
	if err != nil {
		return nil, fmt.Errorf("password hasher: %w", err)
	}
	roles := make([]auth.Role, 0, len(cfg.Auth.MFARequiredRoles))
	for _, r := range cfg.Auth.MFARequiredRoles {
		roles = append(roles, auth.Role(strings.TrimSpace(r)))
	}
	opts := []auth.ServiceOption{
		auth.WithHasher(hasher),
		auth.WithMFAGate(auth.NewMFAGate(roles...)),
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL),
		auth.WithOperationTimeout(cfg.Auth.OperationTimeout),
		auth.WithLogger(obs.Logger()),
	}
	if b.refresh != nil {
		opts = append(opts, auth.WithRefreshTokenStore(b.refresh))
	}
	return auth.NewService(b.store, tokens, opts...)
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := obs.Logger()
	obs.Init()
	obs.InitBuildInfo(version, commit)

	shutdownTracing, err := obs.SetupTracing(ctx, cfg.Tracing.ServiceName, version, cfg.Tracing.Endpoint, cfg.Tracing.SampleRatio)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(tctx)
	}()

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	svc, err := buildService(cfg, b)
	if err != nil {
		return err
	}

	opts := []httpapi.Option{
		httpapi.WithVersion(version),
		httpapi.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		httpapi.WithLogger(logger),
	}
	proxies, err := httpapi.ParseTrustedProxies(cfg.RateLimit.TrustedProxies)
	if err != nil {
		return err
	}
	opts = append(opts, httpapi.WithTrustedProxies(proxies))
	var limiter *httpapi.RateLimiter
	if cfg.RateLimit.RPS > 0 {
		limiter = httpapi.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
		opts = append(opts, httpapi.WithRateLimiter(limiter))
	}
	for name, p := range b.checks {
		opts = append(opts, httpapi.WithReadiness(name, p))
	}
	api := httpapi.New(svc, opts...)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting docgate", "version", version, "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	if limiter != nil {
		g.Go(func() error { return limiter.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("stopped")
	return nil
}
