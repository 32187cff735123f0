// Package config loads the faucet's TOML configuration file.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the root of the faucet's TOML configuration file.
type Config struct {
	ListenAddr        string   `toml:"listen_addr"`
	MetricsAddr       string   `toml:"metrics_addr"`
	SeedPath          string   `toml:"seed_path"`
	LogLevel          string   `toml:"log_level"`
	LogFormat         string   `toml:"log_format"`
	ChallengeTTL      Duration `toml:"challenge_ttl"`
	RateLimitCooldown Duration `toml:"rate_limit_cooldown"`
	AllowIPv6         bool     `toml:"allow_ipv6"`

	L1 L1Config `toml:"l1"`
	L2 L2Config `toml:"l2"`
}

// L1Config configures the Bitcoin-family payout chain.
type L1Config struct {
	Network       string   `toml:"network"`
	EsploraURL    string   `toml:"esplora_url"`
	WalletDBPath  string   `toml:"wallet_db_path"`
	ClaimAmount   uint64   `toml:"claim_amount_sats"`
	MinDifficulty uint8    `toml:"min_difficulty"`
	LowBalance    uint64   `toml:"low_balance_sats"`
	HighBalance   uint64   `toml:"high_balance_sats"`
	BatchPeriod   Duration `toml:"batch_period"`
	MaxPerTx      int      `toml:"max_per_tx"`
	MaxInFlight   int      `toml:"max_in_flight"`
}

// L2Config configures the EVM payout chain.
type L2Config struct {
	RPCURL        string `toml:"rpc_url"`
	ClaimAmount   string `toml:"claim_amount_wei"`
	MinDifficulty uint8  `toml:"min_difficulty"`
	LowBalance    string `toml:"low_balance_wei"`
	HighBalance   string `toml:"high_balance_wei"`
}

// Duration wraps time.Duration so it can be decoded from a TOML string
// like "180s" rather than a raw integer of nanoseconds.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler, which BurntSushi/toml
// uses for any field type that isn't natively representable in TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("config: parsing duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

// Default returns the configuration the reference deployment ships with,
// before any overrides from a loaded file.
func Default() Config {
	return Config{
		ListenAddr:        "0.0.0.0:3000",
		MetricsAddr:       "127.0.0.1:7300",
		SeedPath:          "faucet.seed",
		LogLevel:          "info",
		LogFormat:         "terminal",
		ChallengeTTL:      Duration{5 * time.Minute},
		RateLimitCooldown: Duration{24 * time.Hour},
		AllowIPv6:         false,
		L1: L1Config{
			Network:       "signet",
			EsploraURL:    "https://mutinynet.com/api",
			WalletDBPath:  "wallet.sqlite",
			ClaimAmount:   10_000_000,
			MinDifficulty: 8,
			LowBalance:    1_000_000,
			HighBalance:   1_000_000_000,
			BatchPeriod:   Duration{180 * time.Second},
			MaxPerTx:      250,
			MaxInFlight:   2500,
		},
		L2: L2Config{
			ClaimAmount:   "100000000000000000",
			MinDifficulty: 8,
			LowBalance:    "1000000000000000000",
			HighBalance:   "1000000000000000000000",
		},
	}
}

// Load reads and parses the TOML file at path, starting from Default()
// so a config file only needs to specify the keys it wants to override.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: loading %s: %w", path, err)
	}
	return cfg, nil
}
