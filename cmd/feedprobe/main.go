// feedprobe logs in to the broker, subscribes the tick feed to the
// instruments named on the command line, and prints every decoded tick.
// Usage: go run ./cmd/feedprobe --config configs/tickwatch.yaml RELIANCE-EQ TCS-EQ
//
// Instruments are equity symbols resolved through the scrip master, or
// raw token:EXCHANGE pairs (e.g. 26009:NSE) when the catalog is stale.
// Credentials come from the config file; pass --totp when no TOTP
// secret is configured.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tickwatch/tickwatch/internal/broker"
	"github.com/tickwatch/tickwatch/internal/config"
	"github.com/tickwatch/tickwatch/internal/feed"
	"github.com/tickwatch/tickwatch/internal/model"
	"github.com/tickwatch/tickwatch/internal/scrip"
)

func main() {
	configPath := flag.String("config", "configs/tickwatch.yaml", "path to config file")
	totp := flag.String("totp", "", "one-time code when no TOTP secret is configured")
	verbose := flag.Bool("verbose", false, "print full tick JSON")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file found, using process environment")
	}

	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if flag.NArg() == 0 {
		logger.Error("no instruments given",
			"usage", "feedprobe --config <file> SYMBOL [SYMBOL|token:EXCHANGE ...]")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	// Login with the configured credentials.
	creds := broker.Credentials{
		APIKey:     cfg.Broker.APIKey,
		ClientCode: cfg.Broker.ClientCode,
		Password:   cfg.Broker.Password,
		TOTPSecret: cfg.Broker.TOTPSecret,
		TOTP:       *totp,
	}
	if err := creds.Validate(); err != nil {
		logger.Error("incomplete broker credentials", "error", err)
		logger.Info("set broker.api_key, broker.client_code, broker.password and either broker.totp_secret or --totp")
		os.Exit(1)
	}

	client := broker.NewClient(cfg.Broker.BaseURL,
		broker.WithLogger(logger),
		broker.WithTimeout(cfg.Broker.Timeout),
	)
	bs, err := client.Login(ctx, creds)
	if err != nil {
		logger.Error("broker login failed", "error", err)
		os.Exit(1)
	}
	logger.Info("logged in", "client_code", bs.ClientCode)
	defer func() {
		logoutCtx, logoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer logoutCancel()
		if err := client.Logout(logoutCtx, bs); err != nil {
			logger.Warn("broker logout failed", "error", err)
		}
	}()

	// Resolve the command line into subscription keys.
	keys, err := resolveArgs(ctx, cfg.Scrip, flag.Args(), logger)
	if err != nil {
		logger.Error("resolve instruments", "error", err)
		os.Exit(1)
	}
	for _, k := range keys {
		logger.Info("subscribing", "exchange", k.Exchange, "token", k.Token)
	}

	// The probe is its own credential source and dispatcher: one static
	// session, ticks straight to stdout.
	source := feed.CredentialSourceFunc(func() (feed.Credentials, error) {
		return feed.Credentials{
			JWT:        bs.Tokens.JWT,
			APIKey:     bs.APIKey,
			ClientCode: bs.ClientCode,
			FeedToken:  bs.Tokens.Feed,
		}, nil
	})
	dispatch := feed.DispatcherFunc(func(_ []string, tick model.Tick) {
		printTick(tick, *verbose)
	})

	feedClient := feed.NewClient(cfg.Feed, source, dispatch, nil, logger)
	if err := feedClient.Start(ctx); err != nil {
		logger.Error("failed to start feed client", "error", err)
		os.Exit(1)
	}
	feedClient.Subscribe("probe", keys)

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st := feedClient.Stats()
				logger.Info("stats",
					"state", st.State,
					"frames", st.FramesReceived,
					"ticks", st.TicksDecoded,
					"decode_errors", st.DecodeErrors,
					"reconnects", st.Reconnects,
					"tokens", st.Tokens,
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop")
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down...")
	if err := feedClient.Stop(shutdownCtx); err != nil {
		logger.Warn("feed client stop", "error", err)
	}
	logger.Info("shutdown complete")
}

// resolveArgs maps symbols and token:EXCHANGE pairs to subscription keys.
func resolveArgs(ctx context.Context, cfg config.ScripConfig, args []string, logger *slog.Logger) ([]model.InstrumentKey, error) {
	var needCatalog bool
	for _, arg := range args {
		if !strings.Contains(arg, ":") {
			needCatalog = true
		}
	}

	var dir *scrip.Directory
	if needCatalog {
		dir = scrip.NewDirectory(cfg, logger)
		if err := dir.Load(ctx); err != nil {
			return nil, fmt.Errorf("load scrip master: %w", err)
		}
	}

	keys := make([]model.InstrumentKey, 0, len(args))
	for _, arg := range args {
		if token, exch, found := strings.Cut(arg, ":"); found {
			keys = append(keys, model.InstrumentKey{
				Exchange: model.Exchange(strings.ToUpper(exch)),
				Token:    token,
			})
			continue
		}
		entry, ok := dir.Resolve(arg)
		if !ok {
			return nil, fmt.Errorf("unknown symbol %q", arg)
		}
		keys = append(keys, entry.Instrument().Key())
	}
	return keys, nil
}

func printTick(tick model.Tick, verbose bool) {
	if verbose {
		data, _ := json.MarshalIndent(tick, "", "  ")
		fmt.Printf("[TICK] %s\n", data)
		return
	}
	fmt.Printf("[TICK] %s:%s ltp=%.2f exchange_ts=%s\n",
		tick.Exchange, tick.Token, tick.LTP, tick.ExchangeTS.Format("15:04:05.000"))
}
