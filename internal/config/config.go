package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration loaded from YAML with
// environment overrides for connection strings.
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway"`
	HotStore HotStoreConfig `yaml:"hot_store"`
	Database DatabaseConfig `yaml:"database"`
	Engine   EngineConfig   `yaml:"engine"`
	Orders   OrdersConfig   `yaml:"orders"`
	Ops      OpsConfig      `yaml:"ops"`
}

// GatewayConfig configures the market data gateway.
type GatewayConfig struct {
	Markets        []MarketConfig `yaml:"markets"`
	ReconnectDelay time.Duration  `yaml:"reconnect_delay"`
	MaxReconnects  int            `yaml:"max_reconnects"`
	PingInterval   time.Duration  `yaml:"ping_interval"`
	PongTimeout    time.Duration  `yaml:"pong_timeout"`
	SubscribeRate  float64        `yaml:"subscribe_rate"`
	SubscribeBurst int            `yaml:"subscribe_burst"`
}

// MarketConfig configures one vendor market feed.
type MarketConfig struct {
	Name        string `yaml:"name"`
	WSEndpoint  string `yaml:"ws_endpoint"`
	APIKey      string `yaml:"api_key"`
	PoolSize    int    `yaml:"pool_size"`
	Enabled     bool   `yaml:"enabled"`
	TickChannel string `yaml:"tick_channel"`
}

// HotStoreConfig configures the Redis working-set cache.
type HotStoreConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Timeout  time.Duration `yaml:"timeout"`
}

// DatabaseConfig configures the durable Postgres record store.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// EngineConfig configures the risk and order engine.
type EngineConfig struct {
	Workers       int     `yaml:"workers"`
	TickBuffer    int     `yaml:"tick_buffer"`
	MinProfitDays float64 `yaml:"min_profit_day_fraction"`
}

// OrdersConfig configures order placement behavior.
type OrdersConfig struct {
	SpreadRate float64 `yaml:"spread_rate"`
}

// OpsConfig configures the operational HTTP server.
type OpsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a configuration with reasonable defaults for every
// component. Load applies YAML and env on top of these.
func Default() Config {
	return Config{
		Gateway: GatewayConfig{
			ReconnectDelay: 5 * time.Second,
			MaxReconnects:  5,
			PingInterval:   30 * time.Second,
			PongTimeout:    90 * time.Second,
			SubscribeRate:  10,
			SubscribeBurst: 20,
		},
		HotStore: HotStoreConfig{
			Addr:    "localhost:6379",
			Timeout: 500 * time.Millisecond,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			QueryTimeout:    10 * time.Second,
		},
		Engine: EngineConfig{
			Workers:       8,
			TickBuffer:    1024,
			MinProfitDays: 0.005,
		},
		Orders: OrdersConfig{
			SpreadRate: 0.0001,
		},
		Ops: OpsConfig{
			Addr: ":8080",
		},
	}
}

// Load reads a YAML config file and applies environment overrides.
// A missing path returns defaults with env overrides only.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.HotStore.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.HotStore.Password = v
	}
	if v := os.Getenv("PG_DSN"); v != "" {
		cfg.Database.DSN = v
	}
}
