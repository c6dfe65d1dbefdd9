package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadJSONDeployment(t *testing.T) {
	path := writeFile(t, "deployments.json", `{
		"chainId": 137,
		"contracts": {"DropERC1155": "0x00000000000000000000000000000000000d0d0d"},
		"nativeCurrency": {"name": "Polygon", "symbol": "MATIC", "decimals": 18}
	}`)
	t.Setenv("API_HTTP_PORT", "8080")
	t.Setenv("HMAC_CLOCK_SKEW", "90s")

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, int64(137), cfg.Deployment.ChainID)
	assert.Equal(t, "MATIC", cfg.Deployment.NativeCurrency.Symbol)
	assert.Equal(t, cfg.Deployment.Contracts.DropERC1155, cfg.Deployment.Contracts.TokenERC1155)
	assert.Equal(t, 8080, cfg.Service.HTTPPort)
	assert.Equal(t, 90*time.Second, cfg.Service.HMACClockSkew)
	assert.Equal(t, "rpc", cfg.Chain.Backend)
	assert.Equal(t, 8, cfg.Service.ReadConcurrency)
}

func TestLoadYAMLDeployment(t *testing.T) {
	path := writeFile(t, "deployments.yaml", `
chainId: 8453
contracts:
  DropERC1155: "0x00000000000000000000000000000000000d0d0d"
  TokenERC1155: "0x0000000000000000000000000000000000001155"
`)
	t.Setenv("IDEMPOTENCY_WINDOW", "3600")
	t.Setenv("LOG_DEVELOPMENT", "true")

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, int64(8453), cfg.Deployment.ChainID)
	assert.Equal(t, "0x0000000000000000000000000000000000001155", cfg.Deployment.Contracts.TokenERC1155)
	assert.Equal(t, "ETH", cfg.Deployment.NativeCurrency.Symbol)
	assert.Equal(t, time.Hour, cfg.Service.IdempotencyWindow)
	assert.True(t, cfg.Log.Development)
}

func TestLoadWithoutFileUsesEnvironment(t *testing.T) {
	t.Setenv("CHAIN_BACKEND", "fake")
	t.Setenv("CHAIN_ID", "1337")

	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, int64(1337), cfg.Deployment.ChainID)
	assert.Equal(t, "fake", cfg.Chain.Backend)
}

func TestValidate(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.json")

	_, err := LoadFrom(missing)
	assert.ErrorContains(t, err, "drop contract address")

	t.Setenv("CHAIN_BACKEND", "fake")
	t.Setenv("IDEMPOTENCY_BACKEND", "postgres")
	_, err = LoadFrom(missing)
	assert.ErrorContains(t, err, "IDEMPOTENCY_DATABASE_URL")

	t.Setenv("IDEMPOTENCY_BACKEND", "redis")
	_, err = LoadFrom(missing)
	assert.ErrorContains(t, err, "unknown idempotency backend")
}

func TestSigningKeyRequiresHMACSecret(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.json")
	t.Setenv("CHAIN_BACKEND", "fake")
	t.Setenv("CHAIN_PRIVATE_KEY", "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")

	_, err := LoadFrom(missing)
	assert.ErrorContains(t, err, "HMAC_SECRET is required")

	t.Setenv("HMAC_SECRET", "s3cret")
	cfg, err := LoadFrom(missing)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Service.HMACSecret)
}

func TestMalformedDeployment(t *testing.T) {
	path := writeFile(t, "deployments.json", `{"chainId": "not a number"`)
	_, err := LoadFrom(path)
	assert.ErrorContains(t, err, "load deployments")
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("X_INT", "abc")
	t.Setenv("X_BOOL", "maybe")
	t.Setenv("X_DUR", "5m")
	assert.Equal(t, 7, envOrInt("X_INT", 7))
	assert.False(t, envOrBool("X_BOOL", false))
	assert.Equal(t, 5*time.Minute, envOrDuration("X_DUR", time.Second))
	assert.Equal(t, "fallback", envOr("X_UNSET_FOR_TEST", "fallback"))
}
