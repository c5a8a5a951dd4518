package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/chatsync/internal/api"
	"github.com/alexjbarnes/chatsync/internal/config"
	"github.com/alexjbarnes/chatsync/internal/logging"
	"github.com/alexjbarnes/chatsync/internal/mcpserver"
	"github.com/alexjbarnes/chatsync/internal/messenger"
	"github.com/alexjbarnes/chatsync/internal/metrics"
	"github.com/alexjbarnes/chatsync/internal/netwatch"
	"github.com/alexjbarnes/chatsync/internal/realtime"
	"github.com/alexjbarnes/chatsync/internal/server"
	"github.com/alexjbarnes/chatsync/internal/spool"
	"github.com/alexjbarnes/chatsync/internal/state"
	"github.com/alexjbarnes/chatsync/internal/syncer"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("chatsync starting",
		slog.String("version", Version),
		slog.String("server", cfg.ServerURL),
		slog.String("user_id", cfg.UserID),
		slog.Bool("mcp", cfg.EnableMCP),
		slog.Bool("spool", cfg.SpoolDir != ""),
		slog.Bool("metrics", cfg.MetricsAddr != ""),
	)

	statePath := cfg.StatePath
	if statePath == "" {
		statePath, err = state.DefaultPath()
		if err != nil {
			return err
		}
	}

	appState, err := state.LoadAt(statePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	monitor, err := netwatch.New(cfg.ServerURL, netwatch.Config{
		Interval: cfg.NetworkProbeInterval,
	}, logger.With(slog.String("component", "netwatch")))
	if err != nil {
		return fmt.Errorf("creating network monitor: %w", err)
	}

	conn := realtime.New(realtime.Config{
		ServerURL:         cfg.ServerURL,
		ConnectTimeout:    cfg.ConnectTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		PongTimeout:       cfg.PongTimeout,
		BaseDelay:         cfg.ReconnectBaseDelay,
		MaxDelay:          cfg.ReconnectMaxDelay,
		MaxAttempts:       cfg.MaxReconnectAttempts,
	}, logger.With(slog.String("component", "realtime")))

	registry := prometheus.NewRegistry()

	session := messenger.New(messenger.Options{
		Identity: cfg.Identity(),
		Store:    appState,
		API:      api.NewClient(cfg.ServerURL, cfg.Token, nil),
		Realtime: conn,
		Network:  monitor,
		Sync: syncer.Config{
			MaxRetries:  cfg.SyncMaxRetries,
			BatchSize:   cfg.SyncBatchSize,
			BatchDelay:  cfg.SyncBatchDelay,
			ItemTimeout: cfg.SyncItemTimeout,
		},
		Metrics: metrics.New(registry),
		Logger:  logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return monitor.Run(gctx)
	})

	g.Go(func() error {
		if err := session.Start(gctx); err != nil {
			return err
		}

		<-gctx.Done()
		session.Stop()

		return nil
	})

	if cfg.SpoolDir != "" {
		g.Go(func() error {
			w := spool.New(cfg.SpoolDir, session, logger.With(slog.String("component", "spool")))
			return w.Watch(gctx)
		})
	}

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, session, logger)
		})
	}

	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			mux := server.NewMux(server.MuxConfig{
				MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
				Health:         session.Status,
				Logger:         logger,
			})

			return serveHTTP(gctx, "metrics", cfg.MetricsAddr, mux, logger)
		})
	}

	return g.Wait()
}

// runMCP starts the MCP HTTP server exposing the session's tools.
func runMCP(ctx context.Context, cfg *config.Config, session *messenger.Messenger, logger *slog.Logger) error {
	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "chatsync", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, session)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		MCPHandler: mcpHandler,
		Health:     session.Status,
		Token:      cfg.MCPToken,
		Logger:     logger,
	})

	return serveHTTP(ctx, "mcp", cfg.MCPListenAddr, mux, logger)
}

// serveHTTP runs an HTTP server until ctx is cancelled, then shuts it
// down gracefully.
func serveHTTP(ctx context.Context, name, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down server", slog.String("server", name))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()

	logger.Info("starting server", slog.String("server", name), slog.String("listen", addr))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server error: %w", name, err)
	}

	return nil
}
