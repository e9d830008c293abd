package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleConfig = `
dry_run: true
api:
  binance:
    api_key: testkey
    api_secret: testsecret
    base_url: https://fapi.binance.com
    rate_limit:
      requests_per_second: 10
      orders_per_second: 5
strategy:
  funding_arbitrage:
    top_n_instruments: 5
    position_size_usd: 1000
    tick_interval: 10s
risk:
  limits:
    max_position_size: 5000
    max_total_positions: 20000
`

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadAndValidate(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !cfg.DryRun {
		t.Error("expected dry_run true")
	}
	if cfg.API.Binance.APIKey != "testkey" {
		t.Errorf("APIKey = %q, want testkey", cfg.API.Binance.APIKey)
	}
	if cfg.Strategy.FundingArbitrage.TopNInstruments != 5 {
		t.Errorf("TopNInstruments = %d, want 5", cfg.Strategy.FundingArbitrage.TopNInstruments)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error: %v", err)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)

	t.Setenv("FUNDARB_API_KEY", "envkey")
	t.Setenv("FUNDARB_API_SECRET", "envsecret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.API.Binance.APIKey != "envkey" {
		t.Errorf("APIKey = %q, want envkey (env override)", cfg.API.Binance.APIKey)
	}
	if cfg.API.Binance.APISecret != "envsecret" {
		t.Errorf("APISecret = %q, want envsecret (env override)", cfg.API.Binance.APISecret)
	}
}

func TestValidateMissingRequired(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing api key", Config{}},
		{"missing base url", Config{API: APIConfig{Binance: BinanceConfig{APIKey: "k", APISecret: "s"}}}},
	}
	for _, c := range cases {
		if err := c.cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error, got nil", c.name)
		}
	}
}
