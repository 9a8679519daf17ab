// Command tickwatch runs the market watch server: broker login, tick
// feed fan-in, per-user watchlists, alert evaluation, paper trades, and
// the client stream endpoint.
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

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/tickwatch/tickwatch/internal/broker"
	"github.com/tickwatch/tickwatch/internal/clock"
	"github.com/tickwatch/tickwatch/internal/config"
	"github.com/tickwatch/tickwatch/internal/feed"
	"github.com/tickwatch/tickwatch/internal/httpapi"
	"github.com/tickwatch/tickwatch/internal/metrics"
	"github.com/tickwatch/tickwatch/internal/model"
	"github.com/tickwatch/tickwatch/internal/paper"
	"github.com/tickwatch/tickwatch/internal/scrip"
	"github.com/tickwatch/tickwatch/internal/session"
	"github.com/tickwatch/tickwatch/internal/store"
	"github.com/tickwatch/tickwatch/internal/stream"
	"github.com/tickwatch/tickwatch/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/tickwatch.yaml", "path to config file")
	flag.Parse()

	bootstrap := slog.New(slog.NewTextHandler(os.Stdout, nil))

	// .env is optional; deployments usually set the environment directly.
	if err := godotenv.Load(); err != nil {
		bootstrap.Debug("no .env file found, using process environment")
	}

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		bootstrap.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting tickwatch",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
		"listen", cfg.Server.ListenAddr,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("tickwatch exited", "error", err)
		os.Exit(1)
	}
	logger.Info("tickwatch stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(cfg *config.ServerConfig, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	clk, err := clock.New(clock.Config{
		Timezone:       cfg.Market.Timezone,
		SquareOffStart: cfg.Market.SquareOffStart,
		SquareOffEnd:   cfg.Market.SquareOffEnd,
	})
	if err != nil {
		return fmt.Errorf("market clock: %w", err)
	}

	m := metrics.NewRegistry()

	snapshots, err := store.Open(ctx, cfg.Persistence, cfg.Session.TTLCold, logger)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	defer snapshots.Close()
	logger.Info("snapshot store ready", "mode", cfg.Persistence.Mode)

	engine, err := paper.NewEngine(cfg.Paper, cfg.Market, logger)
	if err != nil {
		return fmt.Errorf("paper engine: %w", err)
	}

	// The feed and the registry reference each other: the registry is
	// the feed's dispatcher and credential source, the feed is the
	// registry's subscription sink. The func adapters break the cycle;
	// the registry exists before the feed can possibly call back.
	var registry *session.Registry
	feedClient := feed.NewClient(cfg.Feed,
		feed.CredentialSourceFunc(func() (feed.Credentials, error) {
			return registry.FeedCredentials()
		}),
		feed.DispatcherFunc(func(sessionIDs []string, tick model.Tick) {
			registry.DispatchTick(sessionIDs, tick)
		}),
		m, logger)
	registry = session.NewRegistry(cfg.Session, feedClient, snapshots, engine, clk, m, logger)

	flushCfg := store.DefaultFlushConfig()
	if cfg.Persistence.FlushInterval > 0 {
		flushCfg.Interval = cfg.Persistence.FlushInterval
	}
	flusher := store.NewFlushWorker(flushCfg, snapshots, registry, m, logger)
	registry.SetDirty(flusher)

	streams := stream.NewManager(cfg.Stream, registry, m, logger)
	scrips := scrip.NewDirectory(cfg.Scrip, logger)
	brokerClient := newBrokerClient(cfg.Broker, logger)
	ohlc := scrip.NewOHLCFetcher(brokerClient, clk, logger)

	api := httpapi.NewServer(httpapi.Deps{
		Config:    cfg.Server,
		BrokerCfg: cfg.Broker,
		Broker:    brokerClient,
		Registry:  registry,
		Scrips:    scrips,
		OHLC:      ohlc,
		Streams:   streams,
		Feed:      feedClient,
		Flush:     flusher,
		Metrics:   m,
		Logger:    logger,
	})
	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start order: persistence first, sessions before anything that can
	// reach them, feed last so no tick arrives before a dispatcher.
	if err := flusher.Start(ctx); err != nil {
		return fmt.Errorf("flush worker: %w", err)
	}
	if err := registry.Start(ctx); err != nil {
		return fmt.Errorf("session registry: %w", err)
	}
	if err := streams.Start(ctx); err != nil {
		return fmt.Errorf("stream manager: %w", err)
	}
	if err := scrips.Start(ctx); err != nil {
		return fmt.Errorf("scrip directory: %w", err)
	}
	if err := feedClient.Start(ctx); err != nil {
		return fmt.Errorf("feed client: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.Server.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	// Teardown: client channels first, then the feed, then the flush
	// drain while sessions are still resident, then the registry's own
	// final snapshots.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if serr := streams.Stop(shutdownCtx); serr != nil {
		logger.Warn("stream manager stop", "error", serr)
	}
	if serr := feedClient.Stop(shutdownCtx); serr != nil {
		logger.Warn("feed client stop", "error", serr)
	}
	if serr := flusher.Stop(shutdownCtx); serr != nil {
		logger.Warn("flush worker stop", "error", serr)
	}
	if serr := registry.Stop(shutdownCtx); serr != nil {
		logger.Warn("session registry stop", "error", serr)
	}
	if serr := scrips.Stop(shutdownCtx); serr != nil {
		logger.Warn("scrip directory stop", "error", serr)
	}

	return err
}

func newBrokerClient(cfg config.BrokerConfig, logger *slog.Logger) *broker.Client {
	opts := []broker.ClientOption{broker.WithLogger(logger)}
	if cfg.Timeout > 0 {
		opts = append(opts, broker.WithTimeout(cfg.Timeout))
	}
	if cfg.RateLimitRPS > 0 {
		opts = append(opts, broker.WithRateLimit(cfg.RateLimitRPS))
	}
	return broker.NewClient(cfg.BaseURL, opts...)
}
