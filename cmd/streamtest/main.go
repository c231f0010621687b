// streamtest connects to one or more sites and streams decoded frames to the console.
// Usage: go run ./cmd/streamtest --config configs/monitor.local.yaml --site S1 --mode monitoring
//
// Signing uses auth.key_id and auth.private_key_path from the config when set.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/site-monitor/internal/auth"
	"github.com/rickgao/site-monitor/internal/config"
	"github.com/rickgao/site-monitor/internal/connection"
	"github.com/rickgao/site-monitor/internal/eventbus"
	"github.com/rickgao/site-monitor/internal/model"
	"github.com/rickgao/site-monitor/internal/tracker"
)

func main() {
	configPath := flag.String("config", "configs/monitor.example.yaml", "path to config file")
	site := flag.String("site", "", "site to stream (default: every configured site)")
	modeName := flag.String("mode", "dashboard", "dashboard or monitoring")
	verbose := flag.Bool("verbose", false, "print full message JSON")
	flag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	// Load config
	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	mode, err := model.ParseAppMode(*modeName)
	if err != nil || mode == model.ModeAnalysis {
		logger.Error("mode must be dashboard or monitoring", "mode", *modeName)
		os.Exit(1)
	}

	sites := cfg.Sites
	if *site != "" {
		sites = []string{*site}
	}
	if len(sites) == 0 {
		logger.Error("no sites to stream")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	// Load authentication credentials
	var opts []connection.Option
	if cfg.Auth.Enabled() {
		creds, err := auth.LoadCredentials(cfg.Auth.KeyID, cfg.Auth.PrivateKeyPath)
		if err != nil {
			logger.Error("failed to load credentials", "error", err)
			os.Exit(1)
		}
		opts = append(opts, connection.WithHeaderFunc(creds.SignRequest))
		logger.Info("using credentials", "key_id", creds.KeyID)
	}

	poolCfg := connection.DefaultPoolConfig()
	poolCfg.BaseURL = cfg.Connections.BaseURL
	poolCfg.MaxReconnectAttempts = cfg.Connections.MaxReconnectAttempts

	tr := tracker.New(logger)
	pool := connection.NewPool(poolCfg, sites, tr, nil, logger, opts...)

	// Console printers
	connection.On(pool, eventbus.MessageReceived, func(msg eventbus.Message) {
		printMessage(msg, *verbose)
	})
	connection.On(pool, eventbus.StateChanged, func(sc eventbus.StateChange) {
		fmt.Printf("[STATE] site=%s %s -> %s\n", sc.SiteID, sc.From, sc.To)
	})
	connection.On(pool, eventbus.ReconnectFailed, func(f eventbus.ReconnectFailure) {
		fmt.Printf("[GAVE UP] site=%s attempts=%d err=%v\n", f.SiteID, f.Attempts, f.Err)
	})

	selected := ""
	if mode == model.ModeMonitoring {
		selected = sites[0]
	}
	logger.Info("connecting", "sites", len(sites), "mode", mode, "selected", selected)
	if err := pool.SwitchMode(ctx, mode, selected); err != nil {
		logger.Error("failed to switch mode", "error", err)
		os.Exit(1)
	}

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				summary := tr.Summary()
				var messages, parseErrors int64
				for _, c := range pool.Connections() {
					messages += c.Messages
					parseErrors += c.ParseErrors
				}
				logger.Info("stats",
					"connected", summary.Connected,
					"total", summary.Total,
					"quality", summary.Quality,
					"messages", messages,
					"parse_errors", parseErrors,
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop")

	// Wait for shutdown
	<-ctx.Done()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down...")
	pool.Close(shutdownCtx)

	logger.Info("shutdown complete")
}

func printMessage(msg eventbus.Message, verbose bool) {
	if verbose {
		data, _ := json.MarshalIndent(msg, "", "  ")
		fmt.Printf("[MESSAGE] %s\n", data)
		return
	}
	fmt.Printf("[MESSAGE] site=%s type=%s bytes=%d at=%s\n",
		msg.SiteID, msg.Type, len(msg.Data), msg.ReceivedAt.Format(time.RFC3339Nano))
}
