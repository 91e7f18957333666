package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validConfig = `
listen: ":9000"
database: /tmp/facilitator-test.sqlite
grace: 10s
sweep_interval: 30s
networks:
  - network: eip155:84532
    rpc_url: https://sepolia.base.org
    signer_key_env: EVM_SIGNER_KEY
    confirmations: 2
    token:
      address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
      name: USDC
      version: "2"
  - network: sui:testnet
    rpc_url: https://fullnode.testnet.sui.io
    signer_key_env: SUI_SIGNER_KEY
    vault:
      package: "0x7a3f"
      coin_type: "0x2::sui::SUI"
`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":9000" {
		t.Fatalf("listen = %s", cfg.ListenAddress)
	}
	if cfg.Grace.Duration != 10*time.Second {
		t.Fatalf("grace = %s", cfg.Grace.Duration)
	}
	if cfg.SweepInterval.Duration != 30*time.Second {
		t.Fatalf("sweep interval = %s", cfg.SweepInterval.Duration)
	}
	// Unset knobs fall back to defaults.
	if cfg.ConsumedRetention.Duration != 24*time.Hour {
		t.Fatalf("consumed retention = %s", cfg.ConsumedRetention.Duration)
	}
	if cfg.RateLimits.Verify.RequestsPerMinute != 600 || cfg.RateLimits.Settle.Burst != 10 {
		t.Fatalf("rate limits = %+v", cfg.RateLimits)
	}
	if len(cfg.Networks) != 2 {
		t.Fatalf("networks = %d", len(cfg.Networks))
	}
	if cfg.Networks[0].Confirmations != 2 {
		t.Fatalf("confirmations = %d", cfg.Networks[0].Confirmations)
	}
	if cfg.Networks[1].Vault.CoinType != "0x2::sui::SUI" {
		t.Fatalf("coin type = %s", cfg.Networks[1].Vault.CoinType)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"no networks", `listen: ":9000"`},
		{"bad network id", `
networks:
  - network: eip155:notanumber
    rpc_url: https://example.org
    signer_key_env: KEY
    token: {address: "0x1", name: T, version: "1"}
`},
		{"missing rpc url", `
networks:
  - network: eip155:1
    signer_key_env: KEY
    token: {address: "0x1", name: T, version: "1"}
`},
		{"missing signer env", `
networks:
  - network: eip155:1
    rpc_url: https://example.org
    token: {address: "0x1", name: T, version: "1"}
`},
		{"evm without domain", `
networks:
  - network: eip155:1
    rpc_url: https://example.org
    signer_key_env: KEY
    token: {address: "0x1"}
`},
		{"sui without vault", `
networks:
  - network: sui:testnet
    rpc_url: https://example.org
    signer_key_env: KEY
`},
		{"duplicate network", `
networks:
  - network: sui:testnet
    rpc_url: https://example.org
    signer_key_env: KEY
    vault: {package: "0x1", coin_type: "0x2::sui::SUI"}
  - network: sui:testnet
    rpc_url: https://example.org
    signer_key_env: KEY
    vault: {package: "0x1", coin_type: "0x2::sui::SUI"}
`},
	}
	for _, tc := range cases {
		if _, err := Load(writeConfig(t, tc.body)); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestDurationUnmarshal(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
grace: 1m30s
networks:
  - network: sui:devnet
    rpc_url: https://example.org
    signer_key_env: KEY
    vault: {package: "0x1", coin_type: "0x2::sui::SUI"}
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Grace.Duration != 90*time.Second {
		t.Fatalf("grace = %s", cfg.Grace.Duration)
	}
	if _, err := Load(writeConfig(t, "grace: notaduration")); err == nil {
		t.Fatalf("malformed duration must fail")
	}
}
