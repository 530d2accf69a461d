// Package config loads and validates the gateway configuration from a YAML
// file with environment overrides, and watches the file for payment-term
// changes.
package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AssetConfig describes the accepted payment token.
type AssetConfig struct {
	// Address of the token contract.
	Address string `yaml:"address"`
	// Name and Version parameterize the token's EIP-712 domain
	// (e.g. "USDC" / "2").
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	// Decimals of the token (6 for USDC).
	Decimals int `yaml:"decimals"`
}

// RewardConfig describes the minted reward.
type RewardConfig struct {
	// Token is the reward token contract address.
	Token string `yaml:"token"`
	// Amount minted per settlement, in base units as a decimal string.
	Amount string `yaml:"amount"`
}

// RedisConfig selects the Redis idempotency backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// IdempotencyConfig selects and parameterizes the idempotency store.
type IdempotencyConfig struct {
	// Backend is "memory" or "redis". The memory backend loses dedup state
	// on restart and is only acceptable when that risk is accepted.
	Backend        string        `yaml:"backend"`
	ReservationTTL time.Duration `yaml:"reservation_ttl"`
	Redis          RedisConfig   `yaml:"redis"`
}

// Config is the full gateway configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	RPCURL     string `yaml:"rpc_url"`
	ChainID    int64  `yaml:"chain_id"`
	// Network is the human-readable network name advertised in challenges
	// (e.g. "base-sepolia").
	Network string `yaml:"network"`

	Asset AssetConfig `yaml:"asset"`
	// PayTo is the address payments must be sent to.
	PayTo string `yaml:"pay_to"`
	// RequiredAmount is the minimum payment in base units, decimal string.
	RequiredAmount string `yaml:"required_amount"`

	Reward RewardConfig `yaml:"reward"`

	// Resource and Description are echoed in the 402 challenge.
	Resource          string `yaml:"resource"`
	Description       string `yaml:"description"`
	MaxTimeoutSeconds int    `yaml:"max_timeout_seconds"`

	// RequestTimeout bounds every chain and ledger call.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	Idempotency IdempotencyConfig `yaml:"idempotency"`

	// OperatorKey is never read from the file; it comes from
	// MINTGATE_OPERATOR_KEY.
	OperatorKey string `yaml:"-"`
}

// Load reads path, applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := &Config{
		ListenAddr:        ":8080",
		MaxTimeoutSeconds: 60,
		RequestTimeout:    30 * time.Second,
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MINTGATE_RPC_URL"); v != "" {
		cfg.RPCURL = v
	}
	if v := os.Getenv("MINTGATE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("MINTGATE_PAY_TO"); v != "" {
		cfg.PayTo = v
	}
	if v := os.Getenv("MINTGATE_REDIS_ADDR"); v != "" {
		cfg.Idempotency.Redis.Addr = v
	}
	cfg.OperatorKey = os.Getenv("MINTGATE_OPERATOR_KEY")
}

// Validate checks the fields every component depends on.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("rpc_url is required")
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("chain_id must be positive")
	}
	if !isHexAddress(c.PayTo) {
		return fmt.Errorf("pay_to %q is not an address", c.PayTo)
	}
	if !isHexAddress(c.Asset.Address) {
		return fmt.Errorf("asset.address %q is not an address", c.Asset.Address)
	}
	if !isHexAddress(c.Reward.Token) {
		return fmt.Errorf("reward.token %q is not an address", c.Reward.Token)
	}
	if _, ok := new(big.Int).SetString(c.RequiredAmount, 10); !ok {
		return fmt.Errorf("required_amount %q is not a decimal string", c.RequiredAmount)
	}
	if _, ok := new(big.Int).SetString(c.Reward.Amount, 10); !ok {
		return fmt.Errorf("reward.amount %q is not a decimal string", c.Reward.Amount)
	}
	switch c.Idempotency.Backend {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("idempotency.backend must be memory or redis, got %q", c.Idempotency.Backend)
	}
	if c.Idempotency.Backend == "redis" && c.Idempotency.Redis.Addr == "" {
		return fmt.Errorf("idempotency.redis.addr is required for the redis backend")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	return nil
}

// RequiredAmountInt returns the minimum payment as a big integer.
func (c *Config) RequiredAmountInt() *big.Int {
	v, _ := new(big.Int).SetString(c.RequiredAmount, 10)
	return v
}

// RewardAmountInt returns the per-settlement mint amount as a big integer.
func (c *Config) RewardAmountInt() *big.Int {
	v, _ := new(big.Int).SetString(c.Reward.Amount, 10)
	return v
}

func isHexAddress(s string) bool {
	if !strings.HasPrefix(s, "0x") || len(s) != 42 {
		return false
	}
	for _, c := range s[2:] {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
