package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/site-monitor/internal/api"
	"github.com/rickgao/site-monitor/internal/auth"
	"github.com/rickgao/site-monitor/internal/config"
	"github.com/rickgao/site-monitor/internal/connection"
	"github.com/rickgao/site-monitor/internal/connstate"
	"github.com/rickgao/site-monitor/internal/database"
	"github.com/rickgao/site-monitor/internal/eventbus"
	"github.com/rickgao/site-monitor/internal/model"
	"github.com/rickgao/site-monitor/internal/recovery"
	"github.com/rickgao/site-monitor/internal/subscription"
	"github.com/rickgao/site-monitor/internal/tracker"
	"github.com/rickgao/site-monitor/internal/version"
	"github.com/rickgao/site-monitor/internal/writer"
)

func main() {
	configPath := flag.String("config", "configs/monitor.local.yaml", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "config", *configPath)
		os.Exit(1)
	}

	// Set up structured logging
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting monitor",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
		"instance_id", cfg.Instance.ID,
		"sites", len(cfg.Sites),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("monitor failed", "error", err)
		os.Exit(1)
	}

	logger.Info("monitor stopped")
}

// run builds every component, serves until ctx is done and shuts down.
func run(ctx context.Context, cfg *config.MonitorConfig, logger *slog.Logger) error {
	// Request signing
	var signer func(method, path string) (map[string]string, error)
	if cfg.Auth.Enabled() {
		creds, err := auth.LoadCredentials(cfg.Auth.KeyID, cfg.Auth.PrivateKeyPath)
		if err != nil {
			return fmt.Errorf("load credentials: %w", err)
		}
		signer = creds.SignRequest
		logger.Info("request signing enabled", "key_id", cfg.Auth.KeyID)
	}

	bus := eventbus.New(logger)
	sites := tracker.New(logger)

	// Connection pool
	poolOpts := []connection.Option{}
	if signer != nil {
		poolOpts = append(poolOpts, connection.WithHeaderFunc(signer))
	}
	pool := connection.NewPool(poolConfig(cfg.Connections), cfg.Sites, sites, bus, logger, poolOpts...)

	// Subscription levels follow the pool's mode; directives go out over the pool.
	subs := subscription.New(pool, bus, logger)
	unsubMode := eventbus.Subscribe(bus, eventbus.ModeChanged, func(evt eventbus.ModeChange) {
		if err := subs.SwitchMode(evt.Mode); err != nil {
			logger.Warn("subscription mode not updated", "mode", evt.Mode, "error", err)
		}
	})
	defer unsubMode()

	unsubNotice := eventbus.Subscribe(bus, eventbus.NoticeRequested, func(n eventbus.Notice) {
		logger.Info("notice", "level", n.Level, "message", n.Message, "site", n.SiteID)
	})
	defer unsubNotice()

	// Status API
	var statusClient *api.Client
	if cfg.StatusAPI.URL != "" {
		apiOpts := []api.ClientOption{
			api.WithLogger(logger),
			api.WithTimeout(cfg.StatusAPI.Timeout),
			api.WithRetries(cfg.StatusAPI.MaxRetries, time.Second),
		}
		if signer != nil {
			apiOpts = append(apiOpts, api.WithSigner(signer))
		}
		statusClient = api.NewClient(cfg.StatusAPI.URL, cfg.StatusAPI.APIKey, apiOpts...)
	}

	// Recovery
	recoveryCfg := recovery.Config{
		Strategies: strategies(cfg.Recovery, logger),
		Mode:       pool.Mode,
		Actions:    recoveryActions(pool, subs, statusClient, logger),
	}
	if statusClient != nil {
		recoveryCfg.Status = statusClient
	}
	recoverer := recovery.NewHandler(recoveryCfg, bus, logger)
	recoverer.Start(ctx)

	// History store
	var pools *database.Pools
	var history *writer.HistoryWriter
	if cfg.History.Enabled {
		logger.Info("connecting to database",
			"host", cfg.Database.History.Host,
			"port", cfg.Database.History.Port,
			"database", cfg.Database.History.Name,
		)

		p, err := database.NewPools(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer p.Close()
		pools = p

		if err := database.EnsureSchema(ctx, pools.History); err != nil {
			return err
		}
		logger.Info("database connected")

		history = writer.NewHistoryWriter(writer.WriterConfig{
			InstanceID:       cfg.Instance.ID,
			BatchSize:        cfg.History.BatchSize,
			FlushInterval:    cfg.History.FlushInterval,
			SnapshotInterval: cfg.History.SnapshotInterval,
			BufferSize:       cfg.History.BufferSize,
		}, bus, pools.History, sites.Summary, logger)
		if err := history.Start(ctx); err != nil {
			return fmt.Errorf("start history writer: %w", err)
		}
	}

	// Health and debug server
	srv := &server{
		pool:    pool,
		tracker: sites,
		subs:    subs,
		pools:   pools,
		logger:  logger,
	}
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: srv.handler(),
	}
	go func() {
		logger.Info("starting http server", "port", cfg.HTTP.Port)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Initial mode
	mode := model.AppMode(cfg.InitialMode)
	selected := ""
	if mode == model.ModeMonitoring {
		selected = cfg.Sites[0]
	}
	if err := pool.SwitchMode(ctx, mode, selected); err != nil {
		return fmt.Errorf("initial mode %s: %w", mode, err)
	}

	logger.Info("monitor running",
		"instance_id", cfg.Instance.ID,
		"mode", mode,
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.HTTP.Port),
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	httpServer.Shutdown(shutdownCtx)
	if err := recoverer.Stop(shutdownCtx); err != nil {
		logger.Warn("recovery handler stop", "error", err)
	}
	if err := pool.Close(shutdownCtx); err != nil {
		logger.Warn("pool close", "error", err)
	}
	if history != nil {
		history.Stop(shutdownCtx)
	}

	return nil
}

// newLogger builds the slog handler named by the logging config.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level, _ := cfg.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// poolConfig maps the connections section onto the pool.
func poolConfig(cc config.ConnectionsConfig) connection.PoolConfig {
	client := connection.DefaultClientConfig()
	client.HandshakeTimeout = cc.ConnectTimeout
	client.PingInterval = cc.PingInterval
	client.PingTimeout = cc.PingTimeout
	client.WriteTimeout = cc.WriteTimeout
	client.BufferSize = cc.BufferSize

	return connection.PoolConfig{
		BaseURL:              cc.BaseURL,
		ConnectTimeout:       cc.ConnectTimeout,
		ReconnectBaseDelay:   cc.ReconnectBaseDelay,
		ReconnectMaxDelay:    cc.ReconnectMaxDelay,
		MaxReconnectAttempts: cc.MaxReconnectAttempts,
		DialConcurrency:      cc.DialConcurrency,
		Client:               client,
	}
}

// strategies overlays configured playbooks on the built-in ones.
func strategies(rc config.RecoveryConfig, logger *slog.Logger) map[model.AppMode]recovery.Strategy {
	if logger == nil {
		logger = slog.Default()
	}
	out := recovery.DefaultStrategies()
	for name, s := range rc.Strategies {
		out[model.AppMode(name)] = recovery.Strategy{
			RestartDelay:   s.RestartDelay,
			ConnectionMode: s.ConnectionMode,
			Actions:        s.Actions,
			Notice:         s.Notice,
		}
		logger.Debug("recovery strategy overridden", "mode", name, "actions", s.Actions)
	}
	return out
}

// recoveryActions binds the named recovery steps to the live components.
// status may be nil when no status API is configured.
func recoveryActions(pool *connection.Pool, subs *subscription.Manager, status *api.Client, logger *slog.Logger) map[string]recovery.Action {
	if logger == nil {
		logger = slog.Default()
	}
	return map[string]recovery.Action{
		recovery.ActionRefreshBackendStatus: func(ctx context.Context, siteID string) error {
			if status == nil {
				return nil
			}
			health, err := status.Health(ctx)
			if err != nil {
				return err
			}
			if !health.Healthy() {
				return fmt.Errorf("backend status %q", health.Status)
			}
			logger.Debug("backend status refreshed", "site", siteID, "status", health.Status)
			return nil
		},
		recovery.ActionReconnectSelectedSite: func(ctx context.Context, siteID string) error {
			selected := pool.SelectedSite()
			if selected == "" {
				return nil
			}
			info, ok := pool.Tracker().Get(selected)
			if !ok {
				return nil
			}
			// A focused socket that is up, or one being dialled, is left alone.
			switch state := info.State(); state {
			case connstate.ConnectedFull, connstate.Connecting:
				logger.Debug("selected site healthy, not reconnecting",
					"site", siteID,
					"selected", selected,
					"state", state,
				)
				return nil
			}
			return pool.Reconnect(ctx, selected)
		},
		recovery.ActionResyncSubscription: func(ctx context.Context, siteID string) error {
			err := subs.Resync()
			if errors.Is(err, subscription.ErrNoMode) {
				return nil
			}
			return err
		},
	}
}
