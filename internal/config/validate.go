package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/rickgao/site-monitor/internal/model"
)

// Validate checks that all required fields are set and values are valid.
func (c *MonitorConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if len(c.Sites) == 0 {
		return errors.New("sites must list at least one site id")
	}
	seen := make(map[string]bool, len(c.Sites))
	for i, id := range c.Sites {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("sites[%d] is empty", i)
		}
		if seen[id] {
			return fmt.Errorf("sites[%d] duplicates %q", i, id)
		}
		seen[id] = true
	}

	if _, err := model.ParseAppMode(c.InitialMode); err != nil {
		return fmt.Errorf("initial_mode: %w", err)
	}

	if err := c.Connections.validate(); err != nil {
		return err
	}

	if c.Auth.KeyID != "" && c.Auth.PrivateKeyPath == "" {
		return errors.New("auth.private_key_path is required when auth.key_id is set")
	}

	for name, s := range c.Recovery.Strategies {
		if err := s.validate(name); err != nil {
			return err
		}
	}

	if c.History.Enabled {
		if err := c.Database.History.validate("database.history"); err != nil {
			return err
		}
		if c.History.BatchSize < 1 {
			return errors.New("history.batch_size must be >= 1")
		}
		if c.History.BufferSize < 1 {
			return errors.New("history.buffer_size must be >= 1")
		}
	}

	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}

	if _, err := c.Logging.SlogLevel(); err != nil {
		return err
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

func (cc *ConnectionsConfig) validate() error {
	if cc.BaseURL == "" {
		return errors.New("connections.base_url is required")
	}
	u, err := url.Parse(cc.BaseURL)
	if err != nil {
		return fmt.Errorf("connections.base_url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("connections.base_url must use ws or wss, got %q", u.Scheme)
	}
	if cc.ConnectTimeout <= 0 {
		return errors.New("connections.connect_timeout must be > 0")
	}
	if cc.ReconnectBaseDelay <= 0 {
		return errors.New("connections.reconnect_base_delay must be > 0")
	}
	if cc.ReconnectMaxDelay < cc.ReconnectBaseDelay {
		return fmt.Errorf("connections.reconnect_max_delay (%s) cannot be less than reconnect_base_delay (%s)",
			cc.ReconnectMaxDelay, cc.ReconnectBaseDelay)
	}
	if cc.MaxReconnectAttempts < 1 {
		return errors.New("connections.max_reconnect_attempts must be >= 1")
	}
	if cc.BufferSize < 1 {
		return errors.New("connections.buffer_size must be >= 1")
	}
	if cc.DialConcurrency < 1 {
		return errors.New("connections.dial_concurrency must be >= 1")
	}
	return nil
}

func (s *StrategyConfig) validate(mode string) error {
	prefix := "recovery.strategies." + mode
	if _, err := model.ParseAppMode(mode); err != nil {
		return fmt.Errorf("%s: %w", prefix, err)
	}
	if s.RestartDelay < 0 {
		return fmt.Errorf("%s.restart_delay must be >= 0", prefix)
	}
	if s.ConnectionMode != "" && !model.SocketState(s.ConnectionMode).Valid() {
		return fmt.Errorf("%s.connection_mode must be summary, full or paused, got %q", prefix, s.ConnectionMode)
	}
	for i, a := range s.Actions {
		if a == "" {
			return fmt.Errorf("%s.actions[%d] is empty", prefix, i)
		}
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

// SlogLevel maps logging.level to a slog level.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logging.level must be debug, info, warn or error, got %q", l.Level)
	}
}
