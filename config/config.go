// Package config loads the facilitatord runtime configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"facilitatord/protocol"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for facilitatord.
type Config struct {
	ListenAddress     string          `yaml:"listen"`
	DatabasePath      string          `yaml:"database"`
	Grace             Duration        `yaml:"grace"`
	SweepInterval     Duration        `yaml:"sweep_interval"`
	ConsumedRetention Duration        `yaml:"consumed_retention"`
	RateLimits        RateLimits      `yaml:"rate_limits"`
	Networks          []NetworkConfig `yaml:"networks"`
}

// RateLimits tunes the per-client token buckets on the payment endpoints.
type RateLimits struct {
	Verify RateLimit `yaml:"verify"`
	Settle RateLimit `yaml:"settle"`
}

// RateLimit is one token-bucket configuration.
type RateLimit struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// NetworkConfig wires one chain deployment.
type NetworkConfig struct {
	Network       string      `yaml:"network"`
	RPCURL        string      `yaml:"rpc_url"`
	SignerKeyEnv  string      `yaml:"signer_key_env"`
	Confirmations uint64      `yaml:"confirmations"`
	Token         TokenConfig `yaml:"token"`
	Vault         VaultConfig `yaml:"vault"`
	GasLimit      uint64      `yaml:"gas_limit"`
	GasBudget     uint64      `yaml:"gas_budget"`
}

// TokenConfig describes an EVM token contract and its EIP-712 domain.
type TokenConfig struct {
	Address string `yaml:"address"`
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// VaultConfig describes the Move vault package for Sui-style networks.
type VaultConfig struct {
	Package  string `yaml:"package"`
	Module   string `yaml:"module"`
	Function string `yaml:"function"`
	CoinType string `yaml:"coin_type"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8402"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/var/data/facilitatord.sqlite"
	}
	if cfg.Grace.Duration == 0 {
		cfg.Grace.Duration = 6 * time.Second
	}
	if cfg.SweepInterval.Duration == 0 {
		cfg.SweepInterval.Duration = time.Minute
	}
	if cfg.ConsumedRetention.Duration == 0 {
		cfg.ConsumedRetention.Duration = 24 * time.Hour
	}
	if cfg.RateLimits.Verify.RequestsPerMinute == 0 {
		cfg.RateLimits.Verify = RateLimit{RequestsPerMinute: 600, Burst: 30}
	}
	if cfg.RateLimits.Settle.RequestsPerMinute == 0 {
		cfg.RateLimits.Settle = RateLimit{RequestsPerMinute: 120, Burst: 10}
	}
}

func validate(cfg Config) error {
	if len(cfg.Networks) == 0 {
		return fmt.Errorf("at least one network must be configured")
	}
	seen := make(map[string]bool, len(cfg.Networks))
	for _, nc := range cfg.Networks {
		network, family, err := protocol.ParseNetwork(nc.Network)
		if err != nil {
			return fmt.Errorf("network %q: %w", nc.Network, err)
		}
		if seen[string(network)] {
			return fmt.Errorf("network %s configured twice", network)
		}
		seen[string(network)] = true
		if strings.TrimSpace(nc.RPCURL) == "" {
			return fmt.Errorf("network %s: rpc_url required", network)
		}
		if strings.TrimSpace(nc.SignerKeyEnv) == "" {
			return fmt.Errorf("network %s: signer_key_env required", network)
		}
		switch family {
		case protocol.FamilyEVM:
			if strings.TrimSpace(nc.Token.Address) == "" {
				return fmt.Errorf("network %s: token.address required", network)
			}
			if nc.Token.Name == "" || nc.Token.Version == "" {
				return fmt.Errorf("network %s: token EIP-712 domain name and version required", network)
			}
		case protocol.FamilySui:
			if strings.TrimSpace(nc.Vault.Package) == "" {
				return fmt.Errorf("network %s: vault.package required", network)
			}
			if strings.TrimSpace(nc.Vault.CoinType) == "" {
				return fmt.Errorf("network %s: vault.coin_type required", network)
			}
		}
	}
	return nil
}
