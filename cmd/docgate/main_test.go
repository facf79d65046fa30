package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docgate.io/internal/auth"
	"docgate.io/internal/config"
	"docgate.io/internal/store/memory"
)

func TestKeygenWritesUsableKey(t *testing.T) {
	dir := t.TempDir()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"keygen", "--alg", "EdDSA", "--out", dir})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "signing.pub")

	priv, err := os.ReadFile(filepath.Join(dir, "signing.key"))
	require.NoError(t, err)
	_, err = auth.LoadSigningKey(auth.AlgEdDSA, priv, "k1")
	require.NoError(t, err)
}

func TestKeygenRejectsUnknownAlgorithm(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"keygen", "--alg", "none"})
	assert.Error(t, root.Execute())
}

func TestBuildServiceFromConfig(t *testing.T) {
	secret, _, err := auth.GenerateKeyMaterial(auth.AlgHS256)
	require.NoError(t, err)

	cfg := config.Defaults()
	cfg.Auth.Key = string(secret)
	cfg.Auth.MFARequiredRoles = []string{" owner "}
	cfg.Auth.Argon2.Memory = 1024
	cfg.Auth.Argon2.Iterations = 1
	require.NoError(t, cfg.Validate())

	svc, err := buildService(&cfg, &backend{store: memory.New()})
	require.NoError(t, err)
	require.NotNil(t, svc)
}

func TestBuildTokenIssuerRejectsBadTrustedIssuer(t *testing.T) {
	cfg := config.Defaults().Auth
	cfg.Key = strings.Repeat("k", 32)
	cfg.TrustedIssuers = []config.TrustedIssuer{{Issuer: "partner", Algorithm: "RS256", Key: "not pem"}}
	_, err := buildTokenIssuer(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "partner")
}

func TestMigrateSeedRequiresDirectory(t *testing.T) {
	for _, args := range [][]string{
		{"migrate", "seed"},
		{"migrate", "seed", "--dir", filepath.Join(t.TempDir(), "absent")},
	} {
		root := newRootCmd()
		root.SetOut(&bytes.Buffer{})
		root.SetArgs(args)
		err := root.Execute()
		require.Error(t, err, "%v", args)
		assert.Contains(t, err.Error(), "dir")
	}
}

func TestMFAEnrollThenCode(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"mfa", "enroll", "--account", "owner@acme.io"})
	require.NoError(t, root.Execute())

	var secret string
	for _, line := range strings.Split(out.String(), "\n") {
		if v, ok := strings.CutPrefix(line, "secret: "); ok {
			secret = v
		}
	}
	require.NotEmpty(t, secret)
	assert.Contains(t, out.String(), "otpauth://totp/docgate:owner@acme.io")

	root = newRootCmd()
	out.Reset()
	root.SetOut(&out)
	root.SetArgs([]string{"mfa", "code", "--secret", secret})
	require.NoError(t, root.Execute())
	code := strings.TrimSpace(out.String())
	assert.True(t, auth.NewMFAGate().VerifyCode(secret, code, time.Now()))
}

func TestMFAEnrollRequiresAccount(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"mfa", "enroll"})
	assert.Error(t, root.Execute())
}
