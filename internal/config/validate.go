package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *ServerConfig) Validate() error {
	if c.Server.ListenAddr == "" {
		return errors.New("server.listen_addr is required")
	}

	if c.Feed.URL == "" {
		return errors.New("feed.url is required")
	}
	if c.Feed.ReconnectJitter < 0 || c.Feed.ReconnectJitter >= 1 {
		return fmt.Errorf("feed.reconnect_jitter must be in [0, 1), got %v", c.Feed.ReconnectJitter)
	}
	if c.Feed.ReconnectBackoffBase > c.Feed.ReconnectBackoffMax {
		return errors.New("feed.reconnect_backoff_base cannot exceed reconnect_backoff_max")
	}
	if c.Feed.DecodeErrorThreshold < 1 {
		return errors.New("feed.decode_error_threshold must be >= 1")
	}

	if c.Stream.SendQueue < 1 {
		return errors.New("stream.send_queue must be >= 1")
	}

	if c.Session.CommandQueue < 1 {
		return errors.New("session.command_queue must be >= 1")
	}
	if c.Session.TTLWarm > c.Session.TTLCold {
		return errors.New("session.ttl_warm cannot exceed ttl_cold")
	}
	if c.Session.AlertLogCap < 1 {
		return errors.New("session.alert_log_cap must be >= 1")
	}

	if c.Paper.PerTradeCap <= 0 || c.Paper.PerTradeCap > 1 {
		return fmt.Errorf("paper.per_trade_cap must be in (0, 1], got %v", c.Paper.PerTradeCap)
	}
	if c.Paper.EntryStyle != "mean_reversion" && c.Paper.EntryStyle != "breakout" {
		return fmt.Errorf("paper.entry_style must be mean_reversion or breakout, got %q", c.Paper.EntryStyle)
	}

	switch c.Persistence.Mode {
	case "postgres":
		if err := c.Persistence.Postgres.validate("persistence.postgres"); err != nil {
			return err
		}
	case "redis":
		if c.Persistence.Redis.Addr == "" {
			return errors.New("persistence.redis.addr is required")
		}
	case "none":
	default:
		return fmt.Errorf("persistence.mode must be postgres, redis, or none, got %q", c.Persistence.Mode)
	}

	if c.Broker.APIKey == "" {
		return errors.New("broker.api_key is required")
	}
	if c.Broker.RateLimitRPS <= 0 {
		return errors.New("broker.rate_limit_rps must be > 0")
	}

	if c.Scrip.MinQuery < 1 {
		return errors.New("scrip.min_query must be >= 1")
	}
	if c.Scrip.SearchLimit < 1 {
		return errors.New("scrip.search_limit must be >= 1")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
