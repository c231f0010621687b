package config

import "time"

// MonitorConfig is the root configuration for a monitor instance.
type MonitorConfig struct {
	Instance    InstanceConfig    `yaml:"instance"`
	Sites       []string          `yaml:"sites"`
	InitialMode string            `yaml:"initial_mode"`
	Connections ConnectionsConfig `yaml:"connections"`
	StatusAPI   StatusAPIConfig   `yaml:"status_api"`
	Auth        AuthConfig        `yaml:"auth"`
	Recovery    RecoveryConfig    `yaml:"recovery"`
	Database    DatabaseConfig    `yaml:"database"`
	History     HistoryConfig     `yaml:"history"`
	HTTP        HTTPConfig        `yaml:"http"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// InstanceConfig identifies this monitor.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ConnectionsConfig holds WebSocket pool settings.
type ConnectionsConfig struct {
	BaseURL              string        `yaml:"base_url"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PingTimeout          time.Duration `yaml:"ping_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	BufferSize           int           `yaml:"buffer_size"`
	DialConcurrency      int           `yaml:"dial_concurrency"`
}

// StatusAPIConfig holds the status REST API settings.
type StatusAPIConfig struct {
	URL        string        `yaml:"url"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// AuthConfig holds request signing settings. Signing is off when KeyID is
// empty.
type AuthConfig struct {
	KeyID          string `yaml:"key_id"`          // sent as X-Monitor-Key
	PrivateKeyPath string `yaml:"private_key_path"` // Path to RSA private key PEM file
}

// Enabled reports whether requests should be signed.
func (a AuthConfig) Enabled() bool {
	return a.KeyID != ""
}

// RecoveryConfig holds per-mode recovery playbooks keyed by mode name.
// Modes left out keep the built-in playbook.
type RecoveryConfig struct {
	Strategies map[string]StrategyConfig `yaml:"strategies"`
}

// StrategyConfig is one recovery playbook.
type StrategyConfig struct {
	RestartDelay   time.Duration `yaml:"restart_delay"`
	ConnectionMode string        `yaml:"connection_mode"`
	Actions        []string      `yaml:"actions"`
	Notice         string        `yaml:"notice"`
}

// DatabaseConfig holds the history store connection.
type DatabaseConfig struct {
	History DBConfig `yaml:"history"`
}

// DBConfig holds a single database connection.
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

// HistoryConfig holds history writer settings.
type HistoryConfig struct {
	Enabled          bool          `yaml:"enabled"`
	BatchSize        int           `yaml:"batch_size"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	BufferSize       int           `yaml:"buffer_size"`
}

// HTTPConfig holds health and debug server settings.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds slog handler settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}
