// Package config loads a node's unified configuration from a YAML file
// plus environment overrides, using viper's SetConfigName/AddConfigPath
// plus AutomaticEnv and Unmarshal into a mapstructure-tagged struct
// rather than hand-rolling a flag parser.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a nodalync node. It mirrors
// the structure of the YAML file under cmd/nodalyncd/config.
type Config struct {
	Identity struct {
		KeyFile string `mapstructure:"key_file" json:"key_file"`
	} `mapstructure:"identity" json:"identity"`

	Storage struct {
		DBPath     string `mapstructure:"db_path" json:"db_path"`
		ContentDir string `mapstructure:"content_dir" json:"content_dir"`
		CacheDir   string `mapstructure:"cache_dir" json:"cache_dir"`
		CacheCap   int    `mapstructure:"cache_cap" json:"cache_cap"`
	} `mapstructure:"storage" json:"storage"`

	Overlay struct {
		ListenAddr     string        `mapstructure:"listen_addr" json:"listen_addr"`
		BootstrapPeers []string      `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		DiscoveryTag   string        `mapstructure:"discovery_tag" json:"discovery_tag"`
		RequestTimeout time.Duration `mapstructure:"request_timeout" json:"request_timeout"`
		PeerStoreFile  string        `mapstructure:"peer_store_file" json:"peer_store_file"`
		SeedStoreFile  string        `mapstructure:"seed_store_file" json:"seed_store_file"`
	} `mapstructure:"overlay" json:"overlay"`

	Channel struct {
		MinDeposit            uint64        `mapstructure:"min_deposit" json:"min_deposit"`
		DepositMultiplier     uint64        `mapstructure:"deposit_multiplier" json:"deposit_multiplier"`
		MaxAcceptDeposit      uint64        `mapstructure:"max_accept_deposit" json:"max_accept_deposit"`
		AutoDepositEnabled    bool          `mapstructure:"auto_deposit_enabled" json:"auto_deposit_enabled"`
		AutoDepositMinBalance uint64        `mapstructure:"auto_deposit_min_balance" json:"auto_deposit_min_balance"`
		AutoDepositAmount     uint64        `mapstructure:"auto_deposit_amount" json:"auto_deposit_amount"`
		AutoDepositCooldown   time.Duration `mapstructure:"auto_deposit_cooldown" json:"auto_deposit_cooldown"`
		SettlementTimeout     time.Duration `mapstructure:"settlement_timeout" json:"settlement_timeout"`
		MaxSettlementAttempts int           `mapstructure:"max_settlement_attempts" json:"max_settlement_attempts"`
		SettlementBackoffBase time.Duration `mapstructure:"settlement_backoff_base" json:"settlement_backoff_base"`
	} `mapstructure:"channel" json:"channel"`

	Ops struct {
		MaxHops                     int           `mapstructure:"max_hops" json:"max_hops"`
		SearchFanout                int           `mapstructure:"search_fanout" json:"search_fanout"`
		SearchHopTimeout            time.Duration `mapstructure:"search_hop_timeout" json:"search_hop_timeout"`
		StrictSignatureVerification bool          `mapstructure:"strict_signature_verification" json:"strict_signature_verification"`
		RequestTimeout              time.Duration `mapstructure:"request_timeout" json:"request_timeout"`
	} `mapstructure:"ops" json:"ops"`

	RateLimit struct {
		Burst  int           `mapstructure:"burst" json:"burst"`
		Window time.Duration `mapstructure:"window" json:"window"`
	} `mapstructure:"rate_limit" json:"rate_limit"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`

	Settlement struct {
		Enabled bool `mapstructure:"enabled" json:"enabled"`
		Mock    bool `mapstructure:"mock" json:"mock"`
	} `mapstructure:"settlement" json:"settlement"`
}

// setDefaults gives every knob a sane value so a node can start from an
// empty or partial YAML file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("identity.key_file", "identity/node.key")

	v.SetDefault("storage.db_path", "nodalync.db")
	v.SetDefault("storage.content_dir", "content")
	v.SetDefault("storage.cache_dir", "cache")
	v.SetDefault("storage.cache_cap", 10_000)

	v.SetDefault("overlay.listen_addr", "/ip4/0.0.0.0/tcp/0")
	v.SetDefault("overlay.discovery_tag", "nodalync-mdns")
	v.SetDefault("overlay.request_timeout", 15*time.Second)
	v.SetDefault("overlay.peer_store_file", "peers.json")
	v.SetDefault("overlay.seed_store_file", "seeds.json")

	v.SetDefault("channel.min_deposit", 100)
	v.SetDefault("channel.deposit_multiplier", 10)
	v.SetDefault("channel.max_accept_deposit", 1_000_000)
	v.SetDefault("channel.auto_deposit_enabled", false)
	v.SetDefault("channel.auto_deposit_min_balance", 10_000)
	v.SetDefault("channel.auto_deposit_amount", 50_000)
	v.SetDefault("channel.auto_deposit_cooldown", 10*time.Minute)
	v.SetDefault("channel.settlement_timeout", 10*time.Second)
	v.SetDefault("channel.max_settlement_attempts", 3)
	v.SetDefault("channel.settlement_backoff_base", 200*time.Millisecond)

	v.SetDefault("ops.max_hops", 3)
	v.SetDefault("ops.search_fanout", 3)
	v.SetDefault("ops.search_hop_timeout", 3*time.Second)
	v.SetDefault("ops.strict_signature_verification", false)
	v.SetDefault("ops.request_timeout", 15*time.Second)

	v.SetDefault("rate_limit.burst", 50)
	v.SetDefault("rate_limit.window", 10*time.Second)

	v.SetDefault("logging.level", "info")

	v.SetDefault("settlement.enabled", false)
	v.SetDefault("settlement.mock", true)
}

// Load reads configuration from configPath when it is non-empty, and
// otherwise from a "nodalyncd" YAML file found in "." or "./config";
// the search path is not consulted when configPath is set. It merges environment
// variable overrides under the NODALYNC_ prefix, and unmarshals into a
// Config. Missing files are not an error: defaults apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("nodalyncd")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	v.SetEnvPrefix("NODALYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}
