// Package config loads the matcher's runtime configuration (spec.md §6)
// from a YAML file with environment variable overrides, and from a
// .env file in development via godotenv.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"duskex/internal/common"
)

// Config is the top-level matcher configuration. Maps directly onto the
// recognized options in spec.md §6.
type Config struct {
	Enable bool   `mapstructure:"enable"`
	Account string `mapstructure:"account"` // hex-encoded matcher signing key

	BindAddress string `mapstructure:"bind_address"`
	Port        int    `mapstructure:"port"`

	MinOrderFee     int64 `mapstructure:"min_order_fee"`
	OrderMatchTxFee int64 `mapstructure:"order_match_tx_fee"`

	JournalDataDir    string        `mapstructure:"journal_data_dir"`
	SnapshotsDataDir  string        `mapstructure:"snapshots_data_dir"`
	SnapshotsInterval time.Duration `mapstructure:"snapshots_interval"`
	OrderHistoryFile  string        `mapstructure:"order_history_file"`

	MaxOpenOrders     int           `mapstructure:"max_open_orders"`
	MaxTimestampDiff  time.Duration `mapstructure:"max_timestamp_diff"`

	PriceAssets       []string `mapstructure:"price_assets"`
	PredefinedPairs   []string `mapstructure:"predefined_pairs"` // "amountAsset/priceAsset"
	BlacklistedAssets []string `mapstructure:"blacklisted_assets"`
}

// Load reads config from a YAML file at path, applying DUSKEX_* environment
// overrides. A .env file in the working directory (if present) is loaded
// first so local development doesn't need exported shell variables.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("DUSKEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("enable", true)
	v.SetDefault("bind_address", "0.0.0.0")
	v.SetDefault("port", 6886)
	v.SetDefault("min_order_fee", 300000)
	v.SetDefault("order_match_tx_fee", 300000)
	v.SetDefault("journal_data_dir", "./data/journal")
	v.SetDefault("snapshots_data_dir", "./data/snapshots")
	v.SetDefault("snapshots_interval", "5m")
	v.SetDefault("order_history_file", "./data/history.db")
	v.SetDefault("max_open_orders", 200)
	v.SetDefault("max_timestamp_diff", "24h")
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Account == "" {
		return fmt.Errorf("account is required (set DUSKEX_ACCOUNT or account in config)")
	}
	if c.Port <= 0 {
		return fmt.Errorf("port must be > 0")
	}
	if c.MinOrderFee < 0 {
		return fmt.Errorf("min_order_fee must be >= 0")
	}
	if c.OrderMatchTxFee < 0 {
		return fmt.Errorf("order_match_tx_fee must be >= 0")
	}
	if c.MaxOpenOrders <= 0 {
		return fmt.Errorf("max_open_orders must be > 0")
	}
	if c.MaxTimestampDiff <= 0 {
		return fmt.Errorf("max_timestamp_diff must be > 0")
	}
	for _, raw := range c.PredefinedPairs {
		if _, err := ParsePair(raw); err != nil {
			return fmt.Errorf("predefined_pairs: %w", err)
		}
	}
	return nil
}

// ParsePair parses a "amountAsset/priceAsset" string into an AssetPair,
// where each leg is "WAVES" (native) or a hex-encoded asset id.
func ParsePair(raw string) (common.AssetPair, error) {
	parts := strings.SplitN(raw, "/", 2)
	if len(parts) != 2 {
		return common.AssetPair{}, fmt.Errorf("invalid pair %q, want amountAsset/priceAsset", raw)
	}
	amount, err := ParseAsset(parts[0])
	if err != nil {
		return common.AssetPair{}, fmt.Errorf("invalid pair %q: %w", raw, err)
	}
	price, err := ParseAsset(parts[1])
	if err != nil {
		return common.AssetPair{}, fmt.Errorf("invalid pair %q: %w", raw, err)
	}
	return common.AssetPair{AmountAsset: amount, PriceAsset: price}, nil
}

// ParseAsset parses "WAVES" or a hex-encoded asset id into an Asset.
func ParseAsset(raw string) (common.Asset, error) {
	if raw == "WAVES" || raw == "" {
		return common.NativeAsset(), nil
	}
	return common.AssetFromHex(raw)
}

// ResolvedPriceAssets resolves the configured price-asset allowlist into
// Assets, in configuration order. The dispatcher's orientation check
// consults only membership in this list, not its order.
func (c *Config) ResolvedPriceAssets() ([]common.Asset, error) {
	out := make([]common.Asset, 0, len(c.PriceAssets))
	for _, raw := range c.PriceAssets {
		a, err := ParseAsset(raw)
		if err != nil {
			return nil, fmt.Errorf("price_assets: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}

// ResolvedPredefinedPairs parses every configured predefined pair.
func (c *Config) ResolvedPredefinedPairs() ([]common.AssetPair, error) {
	out := make([]common.AssetPair, 0, len(c.PredefinedPairs))
	for _, raw := range c.PredefinedPairs {
		p, err := ParsePair(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// ResolvedBlacklistedAssets parses every configured blacklisted asset.
func (c *Config) ResolvedBlacklistedAssets() ([]common.Asset, error) {
	out := make([]common.Asset, 0, len(c.BlacklistedAssets))
	for _, raw := range c.BlacklistedAssets {
		a, err := ParseAsset(raw)
		if err != nil {
			return nil, fmt.Errorf("blacklisted_assets: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}
