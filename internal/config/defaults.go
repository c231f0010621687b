package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultInitialMode          = "dashboard"
	DefaultConnectTimeout       = 10 * time.Second
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultPingInterval         = 30 * time.Second
	DefaultPingTimeout          = 60 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultBufferSize           = 1000
	DefaultDialConcurrency      = 8
	DefaultAPITimeout           = 30 * time.Second
	DefaultMaxRetries           = 3
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultMaxConns             = 10
	DefaultMinConns             = 2
	DefaultBatchSize            = 500
	DefaultFlushInterval        = 1 * time.Second
	DefaultSnapshotInterval     = 30 * time.Second
	DefaultHistoryBufferSize    = 10000
	DefaultHTTPPort             = 8080
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
)

func (c *MonitorConfig) applyDefaults() {
	if c.InitialMode == "" {
		c.InitialMode = DefaultInitialMode
	}

	// Connections defaults
	if c.Connections.ConnectTimeout == 0 {
		c.Connections.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Connections.ReconnectBaseDelay == 0 {
		c.Connections.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Connections.ReconnectMaxDelay == 0 {
		c.Connections.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Connections.MaxReconnectAttempts == 0 {
		c.Connections.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Connections.PingInterval == 0 {
		c.Connections.PingInterval = DefaultPingInterval
	}
	if c.Connections.PingTimeout == 0 {
		c.Connections.PingTimeout = DefaultPingTimeout
	}
	if c.Connections.WriteTimeout == 0 {
		c.Connections.WriteTimeout = DefaultWriteTimeout
	}
	if c.Connections.BufferSize == 0 {
		c.Connections.BufferSize = DefaultBufferSize
	}
	if c.Connections.DialConcurrency == 0 {
		c.Connections.DialConcurrency = DefaultDialConcurrency
	}

	// Status API defaults
	if c.StatusAPI.Timeout == 0 {
		c.StatusAPI.Timeout = DefaultAPITimeout
	}
	if c.StatusAPI.MaxRetries == 0 {
		c.StatusAPI.MaxRetries = DefaultMaxRetries
	}

	// Database defaults
	applyDBDefaults(&c.Database.History)

	// History defaults
	if c.History.BatchSize == 0 {
		c.History.BatchSize = DefaultBatchSize
	}
	if c.History.FlushInterval == 0 {
		c.History.FlushInterval = DefaultFlushInterval
	}
	if c.History.SnapshotInterval == 0 {
		c.History.SnapshotInterval = DefaultSnapshotInterval
	}
	if c.History.BufferSize == 0 {
		c.History.BufferSize = DefaultHistoryBufferSize
	}

	if c.HTTP.Port == 0 {
		c.HTTP.Port = DefaultHTTPPort
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
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
