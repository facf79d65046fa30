// Package config loads docgate settings from defaults, an optional YAML
// file and DOCGATE_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	EnvPrefix     = "DOCGATE_"
	envConfigPath = "DOCGATE_CONFIG"
)

type Config struct {
	Server    Server    `yaml:"server" envPrefix:"SERVER_"`
	Database  Database  `yaml:"database" envPrefix:"DATABASE_"`
	Redis     Redis     `yaml:"redis" envPrefix:"REDIS_"`
	Auth      Auth      `yaml:"auth" envPrefix:"AUTH_"`
	Log       Log       `yaml:"log" envPrefix:"LOG_"`
	Tracing   Tracing   `yaml:"tracing" envPrefix:"TRACING_"`
	RateLimit RateLimit `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
}

type Server struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
}

// Database selects PostgreSQL when DSN is set; otherwise the in-memory store
// is used and nothing survives a restart.
type Database struct {
	DSN             string        `yaml:"dsn" env:"DSN"`
	DSNFile         string        `yaml:"dsn_file" env:"DSN_FILE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	AutoMigrate     bool          `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// Redis moves refresh token chains out of the database when Addr is set.
type Redis struct {
	Addr         string        `yaml:"addr" env:"ADDR"`
	Password     string        `yaml:"password" env:"PASSWORD"`
	PasswordFile string        `yaml:"password_file" env:"PASSWORD_FILE"`
	DB           int           `yaml:"db" env:"DB"`
	Prefix       string        `yaml:"prefix" env:"PREFIX"`
	Retention    time.Duration `yaml:"retention" env:"RETENTION"`
}

type Auth struct {
	Issuer           string          `yaml:"issuer" env:"ISSUER"`
	Algorithm        string          `yaml:"algorithm" env:"ALGORITHM"`
	KeyID            string          `yaml:"key_id" env:"KEY_ID"`
	Key              string          `yaml:"key" env:"KEY"`
	KeyFile          string          `yaml:"key_file" env:"KEY_FILE"`
	AccessTTL        time.Duration   `yaml:"access_ttl" env:"ACCESS_TTL"`
	RefreshTTL       time.Duration   `yaml:"refresh_ttl" env:"REFRESH_TTL"`
	RefreshEntropy   int             `yaml:"refresh_entropy" env:"REFRESH_ENTROPY"`
	OperationTimeout time.Duration   `yaml:"operation_timeout" env:"OPERATION_TIMEOUT"`
	MFARequiredRoles []string        `yaml:"mfa_required_roles" env:"MFA_REQUIRED_ROLES" envSeparator:","`
	Argon2           Argon2          `yaml:"argon2" envPrefix:"ARGON2_"`
	TrustedIssuers   []TrustedIssuer `yaml:"trusted_issuers"`
}

type Argon2 struct {
	Memory      uint32 `yaml:"memory_kib" env:"MEMORY_KIB"`
	Iterations  uint32 `yaml:"iterations" env:"ITERATIONS"`
	Parallelism uint8  `yaml:"parallelism" env:"PARALLELISM"`
	SaltLength  uint32 `yaml:"salt_length" env:"SALT_LENGTH"`
	KeyLength   uint32 `yaml:"key_length" env:"KEY_LENGTH"`
}

// TrustedIssuer pins a foreign issuer to one algorithm and public key.
type TrustedIssuer struct {
	Issuer    string `yaml:"issuer"`
	Algorithm string `yaml:"algorithm"`
	Key       string `yaml:"key"`
	KeyFile   string `yaml:"key_file"`
}

type Log struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

type Tracing struct {
	Endpoint    string  `yaml:"endpoint" env:"ENDPOINT"`
	SampleRatio float64 `yaml:"sample_ratio" env:"SAMPLE_RATIO"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
}

// RateLimit applies per client IP to the /v1/auth endpoints.
type RateLimit struct {
	RPS   float64 `yaml:"rps" env:"RPS"`
	Burst int     `yaml:"burst" env:"BURST"`
	// Addresses or CIDR ranges allowed to set X-Forwarded-For. Empty means
	// the socket peer is the client.
	TrustedProxies []string `yaml:"trusted_proxies" env:"TRUSTED_PROXIES" envSeparator:","`
}

func Defaults() Config {
	return Config{
		Server: Server{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Database: Database{
			MaxOpenConns:    20,
			MaxIdleConns:    10,
			ConnMaxLifetime: 15 * time.Minute,
		},
		Redis: Redis{
			Prefix:    "docgate",
			Retention: 24 * time.Hour,
		},
		Auth: Auth{
			Issuer:           "docgate",
			Algorithm:        "HS256",
			AccessTTL:        15 * time.Minute,
			RefreshTTL:       14 * 24 * time.Hour,
			RefreshEntropy:   32,
			OperationTimeout: 5 * time.Second,
			Argon2: Argon2{
				Memory:      64 * 1024,
				Iterations:  2,
				Parallelism: 1,
				SaltLength:  16,
				KeyLength:   32,
			},
		},
		Log: Log{
			Level:  "info",
			Format: "json",
		},
		Tracing: Tracing{
			SampleRatio: 1,
			ServiceName: "docgate",
		},
		RateLimit: RateLimit{
			RPS:   5,
			Burst: 10,
		},
	}
}

// Load builds the configuration. path may be empty, in which case
// DOCGATE_CONFIG and then ./docgate.yaml are tried.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if file := discoverConfigFile(path); file != "" {
		if err := loadYAMLFile(file, &cfg); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", file, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolve file references: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &cfg, nil
}

func discoverConfigFile(path string) string {
	if path != "" {
		return path
	}
	if p := os.Getenv(envConfigPath); p != "" {
		return p
	}
	if _, err := os.Stat("docgate.yaml"); err == nil {
		return "docgate.yaml"
	}
	return ""
}

func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// resolveFileReferences fills a secret from its *_file companion when the
// value itself is empty.
func resolveFileReferences(cfg *Config) error {
	refs := []struct {
		name  string
		file  string
		value *string
	}{
		{"database.dsn_file", cfg.Database.DSNFile, &cfg.Database.DSN},
		{"redis.password_file", cfg.Redis.PasswordFile, &cfg.Redis.Password},
		{"auth.key_file", cfg.Auth.KeyFile, &cfg.Auth.Key},
	}
	for i := range cfg.Auth.TrustedIssuers {
		ti := &cfg.Auth.TrustedIssuers[i]
		refs = append(refs, struct {
			name  string
			file  string
			value *string
		}{fmt.Sprintf("auth.trusted_issuers[%d].key_file", i), ti.KeyFile, &ti.Key})
	}
	for _, ref := range refs {
		if ref.file == "" || *ref.value != "" {
			continue
		}
		val, err := readSecretFile(ref.file)
		if err != nil {
			return fmt.Errorf("%s: %w", ref.name, err)
		}
		*ref.value = val
	}
	return nil
}

// readSecretFile keeps PEM bodies intact and trims single-line secrets.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	s := string(data)
	if strings.Contains(s, "-----BEGIN") {
		return s, nil
	}
	return strings.TrimSpace(s), nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Auth.Issuer == "" {
		errs = append(errs, errors.New("auth.issuer is required"))
	}
	switch c.Auth.Algorithm {
	case "HS256", "RS256", "EdDSA":
	default:
		errs = append(errs, fmt.Errorf("auth.algorithm %q is not supported", c.Auth.Algorithm))
	}
	if c.Auth.Key == "" {
		errs = append(errs, errors.New("auth.key or auth.key_file is required"))
	}
	if c.Auth.AccessTTL <= 0 {
		errs = append(errs, errors.New("auth.access_ttl must be positive"))
	}
	if c.Auth.RefreshTTL <= c.Auth.AccessTTL {
		errs = append(errs, errors.New("auth.refresh_ttl must exceed auth.access_ttl"))
	}
	if c.Auth.RefreshEntropy < 32 {
		errs = append(errs, errors.New("auth.refresh_entropy must be at least 32 bytes"))
	}
	if c.Auth.OperationTimeout <= 0 {
		errs = append(errs, errors.New("auth.operation_timeout must be positive"))
	}
	for _, r := range c.Auth.MFARequiredRoles {
		switch strings.TrimSpace(r) {
		case "owner", "admin", "user":
		default:
			errs = append(errs, fmt.Errorf("auth.mfa_required_roles: unknown role %q", r))
		}
	}
	for i, ti := range c.Auth.TrustedIssuers {
		if ti.Issuer == "" || ti.Key == "" {
			errs = append(errs, fmt.Errorf("auth.trusted_issuers[%d]: issuer and key are required", i))
		}
		if ti.Issuer == c.Auth.Issuer {
			errs = append(errs, fmt.Errorf("auth.trusted_issuers[%d]: duplicates auth.issuer", i))
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing.sample_ratio must be within [0, 1]"))
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit values must not be negative"))
	}
	for _, p := range c.RateLimit.TrustedProxies {
		if !validProxyEntry(strings.TrimSpace(p)) {
			errs = append(errs, fmt.Errorf("rate_limit.trusted_proxies: %q is not an address or CIDR", p))
		}
	}
	return errors.Join(errs...)
}

func validProxyEntry(s string) bool {
	if _, err := netip.ParsePrefix(s); err == nil {
		return true
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}
