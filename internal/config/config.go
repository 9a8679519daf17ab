// Package config loads and validates the server's YAML configuration.
// Files are read with ${VAR} environment expansion; every optional field
// has a default applied before validation.
package config

import "time"

// ServerConfig is the root configuration for a tickwatch instance.
type ServerConfig struct {
	Server      HTTPConfig        `yaml:"server"`
	Market      MarketConfig      `yaml:"market"`
	Feed        FeedConfig        `yaml:"feed"`
	Stream      StreamConfig      `yaml:"stream"`
	Session     SessionConfig     `yaml:"session"`
	Paper       PaperConfig       `yaml:"paper"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Broker      BrokerConfig      `yaml:"broker"`
	Scrip       ScripConfig       `yaml:"scrip"`
	Log         LogConfig         `yaml:"log"`
}

// HTTPConfig holds the listener settings for the API and stream endpoints.
type HTTPConfig struct {
	ListenAddr  string   `yaml:"listen_addr"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// MarketConfig holds the exchange calendar settings.
type MarketConfig struct {
	Timezone       string `yaml:"timezone"`
	SquareOffStart string `yaml:"square_off_start"` // "HH:MM" in market tz
	SquareOffEnd   string `yaml:"square_off_end"`
	AutoSquareOff  bool   `yaml:"auto_square_off"`
}

// FeedConfig holds the upstream broker websocket settings.
type FeedConfig struct {
	URL                     string        `yaml:"url"`
	HeartbeatInterval       time.Duration `yaml:"heartbeat_interval"` // text ping cadence
	ReadDeadline            time.Duration `yaml:"read_deadline"`
	ReconnectBackoffBase    time.Duration `yaml:"reconnect_backoff_base"`
	ReconnectBackoffMax     time.Duration `yaml:"reconnect_backoff_max"`
	ReconnectJitter         float64       `yaml:"reconnect_jitter"` // fraction, 0.2 = ±20%
	SubscriptionBatchWindow time.Duration `yaml:"subscription_batch_window"`
	DecodeErrorThreshold    int           `yaml:"decode_error_threshold"`
	Linger                  time.Duration `yaml:"linger"` // hold the socket after the ledger empties
}

// StreamConfig holds the downstream client channel settings.
type StreamConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	WriteDeadline     time.Duration `yaml:"write_deadline"`
	SendQueue         int           `yaml:"send_queue"`
}

// SessionConfig holds per-session command loop and lifecycle settings.
type SessionConfig struct {
	CommandQueue int           `yaml:"command_queue"`
	TTLWarm      time.Duration `yaml:"ttl_warm"` // idle eviction of in-memory sessions
	TTLCold      time.Duration `yaml:"ttl_cold"` // snapshot expiry
	AlertLogCap  int           `yaml:"alert_log_cap"`
}

// PaperConfig holds the paper trade engine settings.
type PaperConfig struct {
	PerTradeCap float64 `yaml:"per_trade_cap"` // fraction of virtual balance per entry
	EntryStyle  string  `yaml:"entry_style"`   // mean_reversion or breakout
	Averaging   bool    `yaml:"averaging"`
}

// PersistenceConfig selects and configures the snapshot store.
type PersistenceConfig struct {
	Mode          string        `yaml:"mode"` // postgres, redis, or none
	FlushInterval time.Duration `yaml:"flush_interval"`
	Postgres      DBConfig      `yaml:"postgres"`
	Redis         RedisConfig   `yaml:"redis"`
}

// DBConfig holds a single Postgres connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// RedisConfig holds a Redis connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// BrokerConfig holds the broker REST API settings and login credentials.
type BrokerConfig struct {
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	ClientCode   string        `yaml:"client_code"`
	Password     string        `yaml:"password"`
	TOTPSecret   string        `yaml:"totp_secret"`
	RateLimitRPS float64       `yaml:"rate_limit_rps"`
	Timeout      time.Duration `yaml:"timeout"`
}

// ScripConfig holds the scrip-master directory settings.
type ScripConfig struct {
	MasterURL   string        `yaml:"master_url"`
	CachePath   string        `yaml:"cache_path"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	SearchLimit int           `yaml:"search_limit"`
	MinQuery    int           `yaml:"min_query"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}
