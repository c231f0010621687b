package api

import (
	"context"
	"errors"
	"fmt"
)

// Status API paths.
const (
	ConnectionModePath = "/api/v1/status/connection-mode"
	HealthPath         = "/api/v1/status/health"
)

// ErrEmptyMode is returned when SwitchConnectionMode is called without a mode.
var ErrEmptyMode = errors.New("connection mode is required")

// SwitchConnectionMode moves the status-reporting channel to mode
// ("summary", "full" or "paused").
func (c *Client) SwitchConnectionMode(ctx context.Context, mode string) error {
	if mode == "" {
		return ErrEmptyMode
	}

	var resp ConnectionModeResponse
	if err := c.post(ctx, ConnectionModePath, ConnectionModeRequest{Mode: mode}, &resp); err != nil {
		return fmt.Errorf("switch connection mode to %s: %w", mode, err)
	}

	c.logger.Debug("status connection mode switched", "mode", mode, "previous", resp.Previous)
	return nil
}

// Health returns the backend's health report.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, HealthPath, nil, &resp); err != nil {
		return nil, fmt.Errorf("get health: %w", err)
	}
	return &resp, nil
}
