package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// fileSchema models the YAML configuration file.
type fileSchema struct {
	Service struct {
		HTTPPort             int    `yaml:"httpPort"`
		SubmitTimeoutSeconds int    `yaml:"submitTimeoutSeconds"`
		StoreBackend         string `yaml:"storeBackend"`
		StorePath            string `yaml:"storePath"`
		PostgresDSN          string `yaml:"postgresDsn"`
		PostgresDSNEnv       string `yaml:"postgresDsnEnv"`
		OpsSecret            string `yaml:"opsSecret"`
		OpsSecretEnv         string `yaml:"opsSecretEnv"`
		OpsClockSkewSeconds  int    `yaml:"opsClockSkewSeconds"`
		RefreshSchedule      string `yaml:"refreshSchedule"`
	} `yaml:"service"`
	Chains map[string]chainSchema `yaml:"chains"`
}

type chainSchema struct {
	Endpoint         string `yaml:"endpoint"`
	CooldownHours    int    `yaml:"cooldownHours"`
	TransferAmount   string `yaml:"transferAmount"`
	FundingSecret    string `yaml:"fundingSecret"`
	FundingSecretEnv string `yaml:"fundingSecretEnv"`
}

// ServiceConfig holds process-wide settings.
type ServiceConfig struct {
	HTTPPort        int
	SubmitTimeout   time.Duration
	ReserveTTL      time.Duration
	StoreBackend    string
	StorePath       string
	PostgresDSN     string
	OpsSecret       string
	OpsClockSkew    time.Duration
	RefreshSchedule string
}

// ChainConfig is the distribution setup for one chain. FundingSecret may be
// left empty; claims against such a chain fail with a fixed pool error.
type ChainConfig struct {
	Endpoint       string
	CooldownHours  int
	TransferAmount *big.Int
	FundingSecret  string
}

// AppConfig ties the service settings to the per-chain blocks.
type AppConfig struct {
	Service ServiceConfig
	Chains  map[string]ChainConfig
}

const (
	defaultConfigPath    = "faucetd.yaml"
	defaultSubmitTimeout = 90 * time.Second
)

// Load reads the YAML file named by FAUCETD_CONFIG (default ./faucetd.yaml)
// and applies environment overrides.
func Load() (*AppConfig, error) {
	return LoadFile(envOr("FAUCETD_CONFIG", defaultConfigPath))
}

// LoadFile reads and validates one configuration file.
func LoadFile(path string) (*AppConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var schema fileSchema
	if err := yaml.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	submitTimeout := defaultSubmitTimeout
	if schema.Service.SubmitTimeoutSeconds > 0 {
		submitTimeout = time.Duration(schema.Service.SubmitTimeoutSeconds) * time.Second
	}

	postgresDSN := schema.Service.PostgresDSN
	if schema.Service.PostgresDSNEnv != "" {
		postgresDSN = envOr(schema.Service.PostgresDSNEnv, postgresDSN)
	}
	opsSecret := schema.Service.OpsSecret
	if schema.Service.OpsSecretEnv != "" {
		opsSecret = envOr(schema.Service.OpsSecretEnv, opsSecret)
	}

	service := ServiceConfig{
		HTTPPort:      envOrInt("FAUCETD_HTTP_PORT", orDefaultInt(schema.Service.HTTPPort, 8080)),
		SubmitTimeout: submitTimeout,
		// A reservation must outlive the claim it protects.
		ReserveTTL:      2 * submitTimeout,
		StoreBackend:    envOr("FAUCETD_STORE_BACKEND", orDefaultStr(schema.Service.StoreBackend, "leveldb")),
		StorePath:       envOr("FAUCETD_STORE_PATH", orDefaultStr(schema.Service.StorePath, filepath.Join(os.TempDir(), "faucetd-throttle"))),
		PostgresDSN:     envOr("FAUCETD_POSTGRES_DSN", postgresDSN),
		OpsSecret:       envOr("FAUCETD_OPS_SECRET", opsSecret),
		OpsClockSkew:    time.Duration(orDefaultInt(schema.Service.OpsClockSkewSeconds, 60)) * time.Second,
		RefreshSchedule: orDefaultStr(schema.Service.RefreshSchedule, "@every 1m"),
	}

	switch service.StoreBackend {
	case "memory", "leveldb", "postgres":
	default:
		return nil, fmt.Errorf("unknown store backend %q", service.StoreBackend)
	}
	if service.StoreBackend == "postgres" && service.PostgresDSN == "" {
		return nil, fmt.Errorf("postgres backend requires a DSN")
	}

	if len(schema.Chains) == 0 {
		return nil, fmt.Errorf("no chains configured")
	}

	chains := make(map[string]ChainConfig, len(schema.Chains))
	for name, chain := range schema.Chains {
		parsed, err := parseChain(name, chain)
		if err != nil {
			return nil, err
		}
		chains[name] = parsed
	}

	return &AppConfig{Service: service, Chains: chains}, nil
}

func parseChain(name string, chain chainSchema) (ChainConfig, error) {
	if chain.Endpoint == "" {
		return ChainConfig{}, fmt.Errorf("chain %s: endpoint is required", name)
	}
	if chain.CooldownHours <= 0 {
		return ChainConfig{}, fmt.Errorf("chain %s: cooldownHours must be positive", name)
	}

	amount, ok := new(big.Int).SetString(chain.TransferAmount, 10)
	if !ok || amount.Sign() <= 0 {
		return ChainConfig{}, fmt.Errorf("chain %s: invalid transferAmount %q", name, chain.TransferAmount)
	}

	secret := chain.FundingSecret
	if chain.FundingSecretEnv != "" {
		secret = envOr(chain.FundingSecretEnv, secret)
	}

	return ChainConfig{
		Endpoint:       chain.Endpoint,
		CooldownHours:  chain.CooldownHours,
		TransferAmount: amount,
		FundingSecret:  secret,
	}, nil
}

func orDefaultInt(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func orDefaultStr(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
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
