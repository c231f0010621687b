package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/site-monitor/internal/config"
)

// ErrNoPool is returned by Ping when the history pool was never opened.
var ErrNoPool = errors.New("history pool not connected")

// Pools holds database connections for a monitor.
type Pools struct {
	// History holds state transitions, reconnect failures and snapshots.
	History *pgxpool.Pool
}

// NewPools creates the history connection pool.
func NewPools(ctx context.Context, cfg config.DatabaseConfig) (*Pools, error) {
	history, err := Connect(ctx, cfg.History)
	if err != nil {
		return nil, fmt.Errorf("connect history: %w", err)
	}

	return &Pools{
		History: history,
	}, nil
}

// Connect creates a single connection pool.
func Connect(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	connStr := BuildConnString(cfg)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// Close closes the connection pool.
func (p *Pools) Close() {
	if p == nil {
		return
	}
	if p.History != nil {
		p.History.Close()
	}
}

// Ping verifies the connection is healthy.
func (p *Pools) Ping(ctx context.Context) error {
	if p == nil || p.History == nil {
		return ErrNoPool
	}
	if err := p.History.Ping(ctx); err != nil {
		return fmt.Errorf("ping history: %w", err)
	}
	return nil
}
