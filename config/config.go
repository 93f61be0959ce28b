package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int `yaml:"port"`
	ReadTimeoutMS     int `yaml:"read_timeout_ms"`
	WriteTimeoutMS    int `yaml:"write_timeout_ms"`
	ShutdownTimeoutMS int `yaml:"shutdown_timeout_ms"`
}

// VenueConfig holds the upstream API endpoints.
type VenueConfig struct {
	ClobURL   string `yaml:"clob_url"`
	DataURL   string `yaml:"data_url"`
	GammaURL  string `yaml:"gamma_url"`
	SearchURL string `yaml:"search_url"`
	WSURL     string `yaml:"ws_url"`
}

// CopyTradingConfig holds watcher/executor defaults.
type CopyTradingConfig struct {
	BasePollIntervalSec int     `yaml:"base_poll_interval_sec"`
	ActivityFetchLimit  int     `yaml:"activity_fetch_limit"`
	DefaultFixedAmount  float64 `yaml:"default_fixed_amount"`
}

// StrategyConfig holds engine-wide runner cadence settings.
type StrategyConfig struct {
	TickIntervalSec        int `yaml:"tick_interval_sec"`
	DiscoveryIntervalSec   int `yaml:"discovery_interval_sec"`
	BroadcastMinIntervalMS int `yaml:"broadcast_min_interval_ms"`
}

// DataConfig contains persistence-related settings.
type DataConfig struct {
	DBPath string `yaml:"db_path"`
}

// Config aggregates all app configuration knobs.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Venue       VenueConfig       `yaml:"venue"`
	CopyTrading CopyTradingConfig `yaml:"copy_trading"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Data        DataConfig        `yaml:"data"`
}

// Load reads configuration from disk, falling back to defaults. The
// DATABASE_PATH and PORT environment variables override the file values.
func Load(path string) (*Config, error) {
	cfg := Default()

	configPath := path
	if configPath == "" {
		configPath = filepath.Join("config", "default.yaml")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg.applyEnv()
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: unable to read %s: %w", configPath, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: unable to parse %s: %w", configPath, err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return &cfg, nil
}

// Default returns baseline configuration values.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:              8081,
			ReadTimeoutMS:     10000,
			WriteTimeoutMS:    10000,
			ShutdownTimeoutMS: 5000,
		},
		Venue: VenueConfig{
			ClobURL:   "https://clob.polymarket.com",
			DataURL:   "https://data-api.polymarket.com",
			GammaURL:  "https://gamma-api.polymarket.com",
			SearchURL: "https://search-api.polymarket.com",
			WSURL:     "wss://ws-subscriptions-clob.polymarket.com/ws/market",
		},
		CopyTrading: CopyTradingConfig{
			BasePollIntervalSec: 3,
			ActivityFetchLimit:  100,
			DefaultFixedAmount:  10,
		},
		Strategy: StrategyConfig{
			TickIntervalSec:        5,
			DiscoveryIntervalSec:   120,
			BroadcastMinIntervalMS: 250,
		},
		Data: DataConfig{
			DBPath: "data/tradingengine.db",
		},
	}
}

func (c *Config) applyDefaults() {
	def := Default()

	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Server.ReadTimeoutMS == 0 {
		c.Server.ReadTimeoutMS = def.Server.ReadTimeoutMS
	}
	if c.Server.WriteTimeoutMS == 0 {
		c.Server.WriteTimeoutMS = def.Server.WriteTimeoutMS
	}
	if c.Server.ShutdownTimeoutMS == 0 {
		c.Server.ShutdownTimeoutMS = def.Server.ShutdownTimeoutMS
	}

	if c.Venue.ClobURL == "" {
		c.Venue.ClobURL = def.Venue.ClobURL
	}
	if c.Venue.DataURL == "" {
		c.Venue.DataURL = def.Venue.DataURL
	}
	if c.Venue.GammaURL == "" {
		c.Venue.GammaURL = def.Venue.GammaURL
	}
	if c.Venue.SearchURL == "" {
		c.Venue.SearchURL = def.Venue.SearchURL
	}
	if c.Venue.WSURL == "" {
		c.Venue.WSURL = def.Venue.WSURL
	}

	if c.CopyTrading.BasePollIntervalSec == 0 {
		c.CopyTrading.BasePollIntervalSec = def.CopyTrading.BasePollIntervalSec
	}
	if c.CopyTrading.ActivityFetchLimit == 0 {
		c.CopyTrading.ActivityFetchLimit = def.CopyTrading.ActivityFetchLimit
	}
	if c.CopyTrading.DefaultFixedAmount == 0 {
		c.CopyTrading.DefaultFixedAmount = def.CopyTrading.DefaultFixedAmount
	}

	if c.Strategy.TickIntervalSec == 0 {
		c.Strategy.TickIntervalSec = def.Strategy.TickIntervalSec
	}
	if c.Strategy.DiscoveryIntervalSec == 0 {
		c.Strategy.DiscoveryIntervalSec = def.Strategy.DiscoveryIntervalSec
	}
	if c.Strategy.BroadcastMinIntervalMS == 0 {
		c.Strategy.BroadcastMinIntervalMS = def.Strategy.BroadcastMinIntervalMS
	}

	if c.Data.DBPath == "" {
		c.Data.DBPath = def.Data.DBPath
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		c.Data.DBPath = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Server.Port = port
		}
	}
}
