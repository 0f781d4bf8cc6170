// Command Dispatcher daemon: polls Telegram and routes operator
// messages per the 3-tier pipeline (§4.8).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/btcperp/core/internal/adaptive"
	"github.com/btcperp/core/internal/compliance"
	"github.com/btcperp/core/internal/config"
	"github.com/btcperp/core/internal/dispatcher"
	"github.com/btcperp/core/internal/domain"
	"github.com/btcperp/core/internal/exchange"
	"github.com/btcperp/core/internal/marketdata"
	"github.com/btcperp/core/internal/metrics"
	"github.com/btcperp/core/internal/storage"
	"github.com/btcperp/core/internal/telegram"
)

const version = "1.0.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().Str("version", version).Str("symbol", cfg.Symbol).Msg("command dispatcher starting")
	metrics.Serve(cfg.MetricsAddr)

	store, err := storage.New(dsn(cfg))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}

	bot, err := telegram.New(cfg.TelegramToken, cfg.TelegramChatID)
	if err != nil {
		log.Warn().Err(err).Msg("telegram bot unavailable; command dispatcher idle until shutdown")
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		return
	}

	client := exchange.NewClient("https://api.bybit.com", cfg.BybitAPIKey, cfg.BybitSecret, 5.0)
	marketCache := compliance.NewMarketCache(client, cfg.MarketInfoTTL)
	complianceLayer := compliance.New(marketCache, noopPositionQty{}, compliance.Config{
		RateLimitSec:              cfg.RateLimitSec,
		ConsecutiveErrorThreshold: cfg.ConsecutiveErrorThreshold,
		ConsecutiveErrorBlockSec:  cfg.ConsecutiveErrorBlockSec,
		ProtectionModeWindowSec:   cfg.ProtectionModeWindowSec,
		ProtectionModeThreshold:   cfg.ProtectionModeThreshold,
		ProtectionModeDurationSec: cfg.ProtectionModeDurationSec,
	})
	layers := adaptive.NewLayers(adaptive.DefaultConfig())
	builder := marketdata.NewBuilder(client, cfg.Symbol)

	// classifier degrades to IntentNone on every call when no API key is
	// configured (§6 credential-missing degradation) rather than being nil.
	classifier := dispatcher.NewOpenAIClassifier(cfg.OpenAIAPIKey, cfg.OpenAIModel)

	d := dispatcher.New(dispatcher.Config{
		Symbol:     cfg.Symbol,
		Bot:        bot,
		Store:      store,
		Snapshots:  snapshotAdapter{builder: builder},
		Compliance: complianceLayer,
		Layers:     layers,
		Classifier: classifier,
		DailyCap:   cfg.DailyDeepCallCap,
		DebugMode:  cfg.Debug,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go d.Run(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down command dispatcher")
	d.Stop()
	cancel()
}

func dsn(cfg *config.Config) string {
	if cfg.DBHost == "" || cfg.DBHost == "localhost" && cfg.DBPass == "" {
		return "dispatcher.db"
	}
	return "postgres://" + cfg.DBUser + ":" + cfg.DBPass + "@" + cfg.DBHost + "/" + cfg.DBName + "?sslmode=disable"
}

// noopPositionQty satisfies compliance.PositionQtySource; the dispatcher
// never places orders, so the compliance layer only needs it wired for
// the protection-mode status in /health and /audit reports.
type noopPositionQty struct{}

func (noopPositionQty) PositionQty(symbol string) decimal.Decimal { return decimal.Zero }

// snapshotAdapter implements dispatcher.SnapshotReader over the
// indicator-backed Builder.
type snapshotAdapter struct {
	builder *marketdata.Builder
}

func (a snapshotAdapter) Snapshot(symbol string) (domain.Snapshot, error) {
	return a.builder.Build(time.Now())
}
