package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DeploymentConfig describes the contracts dropgate talks to. It is read from
// deployments.json or deployments.yaml.
type DeploymentConfig struct {
	ChainID   int64 `json:"chainId" yaml:"chainId"`
	Contracts struct {
		DropERC1155  string `json:"DropERC1155" yaml:"DropERC1155"`
		TokenERC1155 string `json:"TokenERC1155" yaml:"TokenERC1155"`
	} `json:"contracts" yaml:"contracts"`
	NativeCurrency struct {
		Name     string `json:"name" yaml:"name"`
		Symbol   string `json:"symbol" yaml:"symbol"`
		Decimals uint8  `json:"decimals" yaml:"decimals"`
	} `json:"nativeCurrency" yaml:"nativeCurrency"`
}

// AppConfig ties together deployment info and environment settings.
type AppConfig struct {
	Deployment DeploymentConfig
	Service    ServiceConfig
	Chain      ChainConfig
	Storage    StorageConfig
	Log        LogConfig
}

type ServiceConfig struct {
	HTTPPort             int
	HMACSecret           string
	HMACClockSkew        time.Duration
	IdempotencyWindow    time.Duration
	IdempotencyBackend   string
	IdempotencyStorePath string
	IdempotencyDSN       string
	ReadConcurrency      int
	// RateLimit uses ulule/limiter's formatted rate, e.g. "100-M".
	RateLimit string
}

type ChainConfig struct {
	// Backend is "rpc" or "fake". The fake backend keeps all contract state in memory.
	Backend    string
	RPCURL     string
	PrivateKey string
}

type StorageConfig struct {
	Backend     string
	Dir         string
	PostgresDSN string
	CacheTTL    time.Duration
	S3          S3Config
}

type S3Config struct {
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	Endpoint  string
}

type LogConfig struct {
	Level       string
	Development bool
}

const defaultDeploymentsPath = "deployments.json"

// Load aggregates configuration from disk and environment.
func Load() (*AppConfig, error) {
	return LoadFrom(envOr("DEPLOYMENTS_PATH", defaultDeploymentsPath))
}

// LoadFrom reads the deployment file at path and layers the environment on
// top. A missing file leaves every deployment value to the environment.
func LoadFrom(path string) (*AppConfig, error) {
	deployCfg, err := loadDeployments(path)
	if err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}
	deployCfg.ChainID = int64(envOrInt("CHAIN_ID", int(deployCfg.ChainID)))
	deployCfg.Contracts.DropERC1155 = envOr("DROP_CONTRACT_ADDRESS", deployCfg.Contracts.DropERC1155)
	deployCfg.Contracts.TokenERC1155 = envOr("TOKEN_CONTRACT_ADDRESS", deployCfg.Contracts.TokenERC1155)
	if deployCfg.Contracts.TokenERC1155 == "" {
		deployCfg.Contracts.TokenERC1155 = deployCfg.Contracts.DropERC1155
	}
	if deployCfg.NativeCurrency.Symbol == "" {
		deployCfg.NativeCurrency.Name = "Ether"
		deployCfg.NativeCurrency.Symbol = "ETH"
		deployCfg.NativeCurrency.Decimals = 18
	}

	serviceCfg := ServiceConfig{
		HTTPPort:             envOrInt("API_HTTP_PORT", 3000),
		HMACSecret:           envOr("HMAC_SECRET", ""),
		HMACClockSkew:        envOrDuration("HMAC_CLOCK_SKEW", 60*time.Second),
		IdempotencyWindow:    envOrDuration("IDEMPOTENCY_WINDOW", 24*time.Hour),
		IdempotencyBackend:   envOr("IDEMPOTENCY_BACKEND", "file"),
		IdempotencyStorePath: envOr("IDEMPOTENCY_STORE_PATH", filepath.Join(os.TempDir(), "dropgate-idem.json")),
		IdempotencyDSN:       envOr("IDEMPOTENCY_DATABASE_URL", ""),
		ReadConcurrency:      envOrInt("READ_CONCURRENCY", 8),
		RateLimit:            envOr("READ_RATE_LIMIT", "300-M"),
	}

	chainCfg := ChainConfig{
		Backend:    envOr("CHAIN_BACKEND", "rpc"),
		RPCURL:     envOr("CHAIN_RPC_URL", "http://127.0.0.1:8545"),
		PrivateKey: envOr("CHAIN_PRIVATE_KEY", ""),
	}

	storageCfg := StorageConfig{
		Backend:     envOr("STORAGE_BACKEND", "file"),
		Dir:         envOr("STORAGE_DIR", filepath.Join(os.TempDir(), "dropgate-blobs")),
		PostgresDSN: envOr("STORAGE_DATABASE_URL", ""),
		CacheTTL:    envOrDuration("STORAGE_CACHE_TTL", 10*time.Minute),
		S3: S3Config{
			AccessKey: envOr("S3_ACCESS_KEY", ""),
			SecretKey: envOr("S3_SECRET_KEY", ""),
			Region:    envOr("S3_REGION", "us-east-1"),
			Bucket:    envOr("S3_BUCKET", ""),
			Endpoint:  envOr("S3_ENDPOINT", ""),
		},
	}

	logCfg := LogConfig{
		Level:       envOr("LOG_LEVEL", "info"),
		Development: envOrBool("LOG_DEVELOPMENT", false),
	}

	cfg := &AppConfig{
		Deployment: *deployCfg,
		Service:    serviceCfg,
		Chain:      chainCfg,
		Storage:    storageCfg,
		Log:        logCfg,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that cannot be defaulted.
func (c *AppConfig) Validate() error {
	switch c.Chain.Backend {
	case "fake":
	case "rpc":
		if c.Deployment.Contracts.DropERC1155 == "" {
			return errors.New("config: drop contract address is required for the rpc backend")
		}
	default:
		return fmt.Errorf("config: unknown chain backend %q", c.Chain.Backend)
	}
	switch c.Service.IdempotencyBackend {
	case "memory", "file":
	case "postgres":
		if c.Service.IdempotencyDSN == "" {
			return errors.New("config: IDEMPOTENCY_DATABASE_URL is required for the postgres idempotency backend")
		}
	default:
		return fmt.Errorf("config: unknown idempotency backend %q", c.Service.IdempotencyBackend)
	}
	if c.Chain.PrivateKey != "" && c.Service.HMACSecret == "" {
		return errors.New("config: HMAC_SECRET is required when CHAIN_PRIVATE_KEY is set")
	}
	if c.Service.ReadConcurrency <= 0 {
		return errors.New("config: READ_CONCURRENCY must be positive")
	}
	return nil
}

func loadDeployments(path string) (*DeploymentConfig, error) {
	var cfg DeploymentConfig
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &cfg, nil
	}
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &cfg)
	default:
		err = json.Unmarshal(raw, &cfg)
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return fallback
}

// envOrDuration accepts Go durations ("90s") or a bare number of seconds.
func envOrDuration(key string, fallback time.Duration) time.Duration {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
