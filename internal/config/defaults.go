package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultListenAddr = ":8080"

	DefaultTimezone       = "Asia/Kolkata"
	DefaultSquareOffStart = "15:15"
	DefaultSquareOffEnd   = "15:29"

	DefaultFeedURL              = "wss://smartapisocket.angelone.in/smart-stream"
	DefaultFeedHeartbeat        = 30 * time.Second
	DefaultFeedReadDeadline     = 40 * time.Second
	DefaultReconnectBase        = 1 * time.Second
	DefaultReconnectMax         = 30 * time.Second
	DefaultReconnectJitter      = 0.2
	DefaultSubscriptionWindow   = 100 * time.Millisecond
	DefaultDecodeErrorThreshold = 25
	DefaultFeedLinger           = 30 * time.Second

	DefaultStreamHeartbeat = 10 * time.Second
	DefaultWriteDeadline   = 10 * time.Second
	DefaultSendQueue       = 256

	DefaultCommandQueue = 1024
	DefaultTTLWarm      = 30 * time.Minute
	DefaultTTLCold      = 7 * 24 * time.Hour
	DefaultAlertLogCap  = 500

	DefaultPerTradeCap = 1.0
	DefaultEntryStyle  = "mean_reversion"

	DefaultPersistenceMode = "none"
	DefaultFlushInterval   = 5 * time.Second
	DefaultDBPort          = 5432
	DefaultDBSSLMode       = "prefer"
	DefaultMaxConns        = 10
	DefaultMinConns        = 2
	DefaultRedisAddr       = "localhost:6379"

	DefaultBrokerBaseURL = "https://apiconnect.angelbroking.com"
	DefaultBrokerRPS     = 3.0
	DefaultBrokerTimeout = 10 * time.Second

	DefaultScripMasterURL = "https://margincalculator.angelone.in/OpenAPI_File/files/OpenAPIScripMaster.json"
	DefaultScripCachePath = "data/scrip_master.json"
	DefaultScripCacheTTL  = 24 * time.Hour
	DefaultSearchLimit    = 15
	DefaultMinQuery       = 3

	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"
)

func (c *ServerConfig) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}

	if c.Market.Timezone == "" {
		c.Market.Timezone = DefaultTimezone
	}
	if c.Market.SquareOffStart == "" {
		c.Market.SquareOffStart = DefaultSquareOffStart
	}
	if c.Market.SquareOffEnd == "" {
		c.Market.SquareOffEnd = DefaultSquareOffEnd
	}

	if c.Feed.URL == "" {
		c.Feed.URL = DefaultFeedURL
	}
	if c.Feed.HeartbeatInterval == 0 {
		c.Feed.HeartbeatInterval = DefaultFeedHeartbeat
	}
	if c.Feed.ReadDeadline == 0 {
		c.Feed.ReadDeadline = DefaultFeedReadDeadline
	}
	if c.Feed.ReconnectBackoffBase == 0 {
		c.Feed.ReconnectBackoffBase = DefaultReconnectBase
	}
	if c.Feed.ReconnectBackoffMax == 0 {
		c.Feed.ReconnectBackoffMax = DefaultReconnectMax
	}
	if c.Feed.ReconnectJitter == 0 {
		c.Feed.ReconnectJitter = DefaultReconnectJitter
	}
	if c.Feed.SubscriptionBatchWindow == 0 {
		c.Feed.SubscriptionBatchWindow = DefaultSubscriptionWindow
	}
	if c.Feed.DecodeErrorThreshold == 0 {
		c.Feed.DecodeErrorThreshold = DefaultDecodeErrorThreshold
	}
	if c.Feed.Linger == 0 {
		c.Feed.Linger = DefaultFeedLinger
	}

	if c.Stream.HeartbeatInterval == 0 {
		c.Stream.HeartbeatInterval = DefaultStreamHeartbeat
	}
	if c.Stream.WriteDeadline == 0 {
		c.Stream.WriteDeadline = DefaultWriteDeadline
	}
	if c.Stream.SendQueue == 0 {
		c.Stream.SendQueue = DefaultSendQueue
	}

	if c.Session.CommandQueue == 0 {
		c.Session.CommandQueue = DefaultCommandQueue
	}
	if c.Session.TTLWarm == 0 {
		c.Session.TTLWarm = DefaultTTLWarm
	}
	if c.Session.TTLCold == 0 {
		c.Session.TTLCold = DefaultTTLCold
	}
	if c.Session.AlertLogCap == 0 {
		c.Session.AlertLogCap = DefaultAlertLogCap
	}

	if c.Paper.PerTradeCap == 0 {
		c.Paper.PerTradeCap = DefaultPerTradeCap
	}
	if c.Paper.EntryStyle == "" {
		c.Paper.EntryStyle = DefaultEntryStyle
	}

	if c.Persistence.Mode == "" {
		c.Persistence.Mode = DefaultPersistenceMode
	}
	if c.Persistence.FlushInterval == 0 {
		c.Persistence.FlushInterval = DefaultFlushInterval
	}
	applyDBDefaults(&c.Persistence.Postgres)
	if c.Persistence.Redis.Addr == "" {
		c.Persistence.Redis.Addr = DefaultRedisAddr
	}

	if c.Broker.BaseURL == "" {
		c.Broker.BaseURL = DefaultBrokerBaseURL
	}
	if c.Broker.RateLimitRPS == 0 {
		c.Broker.RateLimitRPS = DefaultBrokerRPS
	}
	if c.Broker.Timeout == 0 {
		c.Broker.Timeout = DefaultBrokerTimeout
	}

	if c.Scrip.MasterURL == "" {
		c.Scrip.MasterURL = DefaultScripMasterURL
	}
	if c.Scrip.CachePath == "" {
		c.Scrip.CachePath = DefaultScripCachePath
	}
	if c.Scrip.CacheTTL == 0 {
		c.Scrip.CacheTTL = DefaultScripCacheTTL
	}
	if c.Scrip.SearchLimit == 0 {
		c.Scrip.SearchLimit = DefaultSearchLimit
	}
	if c.Scrip.MinQuery == 0 {
		c.Scrip.MinQuery = DefaultMinQuery
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
