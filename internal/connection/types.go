package connection

import (
	"errors"
	"time"

	"github.com/rickgao/site-monitor/internal/model"
)

// Errors
var (
	ErrNotConnected       = errors.New("not connected")
	ErrStaleConnection    = errors.New("connection stale (no ping)")
	ErrAlreadyClosed      = errors.New("already closed")
	ErrMalformedFrame     = errors.New("malformed frame")
	ErrUnknownMode        = errors.New("unknown app mode")
	ErrNoMode             = errors.New("no app mode selected")
	ErrSelectionRequired  = errors.New("monitoring mode requires a selected site")
	ErrUnknownSite        = errors.New("unknown site")
	ErrPaused             = errors.New("site connections are paused")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrNoActiveConnection = errors.New("no active connection")
	ErrPoolClosed         = errors.New("pool closed")
)

// TimestampedMessage wraps raw frame data with its receive timestamp.
type TimestampedMessage struct {
	Type       int       // websocket.TextMessage or websocket.BinaryMessage
	Data       []byte    // Raw frame bytes
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// ClientConfig configures a single site WebSocket client.
type ClientConfig struct {
	URL              string            // Full site URL including cadence query
	Header           map[string]string // Extra handshake headers (signing, etc.)
	HandshakeTimeout time.Duration     // Upper bound on the opening handshake
	PingInterval     time.Duration     // How often a keepalive ping is written
	PingTimeout      time.Duration     // Max time without ping/pong before the socket is stale
	WriteTimeout     time.Duration     // Write deadline for sends
	BufferSize       int               // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1000,
	}
}

// PoolConfig configures the site connection pool.
type PoolConfig struct {
	BaseURL              string        // ws(s)://host[:port] of the telemetry backend
	ConnectTimeout       time.Duration // Per-dial deadline
	ReconnectBaseDelay   time.Duration // First backoff step
	ReconnectMaxDelay    time.Duration // Backoff ceiling
	MaxReconnectAttempts int           // Consecutive failures before a site is left in ERROR
	DialConcurrency      int           // Parallel dials during a mode switch
	Client               ClientConfig  // Template for every site client; URL and Header are filled per dial
}

// DefaultPoolConfig returns sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		ConnectTimeout:       10 * time.Second,
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 10,
		DialConcurrency:      8,
		Client:               DefaultClientConfig(),
	}
}

// Cadence plans per mode.
var (
	DashboardCadence       = model.Cadence{Type: model.SubscriptionSummary, Interval: 30 * time.Second}
	MonitoringFocusCadence = model.Cadence{Type: model.SubscriptionFull, Interval: 10 * time.Second}
	MonitoringOtherCadence = model.Cadence{Type: model.SubscriptionSummary, Interval: 60 * time.Second}
)

// ConnectionInfo is a point-in-time view of one live site socket.
type ConnectionInfo struct {
	ID          string    `json:"id"`
	SiteID      string    `json:"site_id"`
	Type        string    `json:"type"`
	IntervalMs  int64     `json:"interval_ms"`
	URL         string    `json:"url"`
	OpenedAt    time.Time `json:"opened_at"`
	Connected   bool      `json:"connected"`
	Paused      bool      `json:"paused"`
	Messages    int64     `json:"messages"`
	ParseErrors int64     `json:"parse_errors"`
	Dropped     int64     `json:"dropped"`
	Bytes       int64     `json:"bytes"`
}
