// Position Manager daemon: the adaptive control loop that turns market
// snapshots and position state into execution_queue rows (§4.2).
package main

import (
	"context"
	"fmt"
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
	"github.com/btcperp/core/internal/domain"
	"github.com/btcperp/core/internal/events"
	"github.com/btcperp/core/internal/exchange"
	"github.com/btcperp/core/internal/marketdata"
	"github.com/btcperp/core/internal/metrics"
	"github.com/btcperp/core/internal/positionmanager"
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

	log.Info().Str("version", version).Str("symbol", cfg.Symbol).Msg("position manager starting")
	metrics.Serve(cfg.MetricsAddr)

	store, err := storage.New(dsn(cfg))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}

	client := exchange.NewClient("https://api.bybit.com", cfg.BybitAPIKey, cfg.BybitSecret, 5.0)
	marketCache := compliance.NewMarketCache(client, cfg.MarketInfoTTL)
	complianceLayer := compliance.New(marketCache, positionQtyAdapter{store: store}, compliance.Config{
		RateLimitSec:              cfg.RateLimitSec,
		ConsecutiveErrorThreshold: cfg.ConsecutiveErrorThreshold,
		ConsecutiveErrorBlockSec:  cfg.ConsecutiveErrorBlockSec,
		ProtectionModeWindowSec:   cfg.ProtectionModeWindowSec,
		ProtectionModeThreshold:   cfg.ProtectionModeThreshold,
		ProtectionModeDurationSec: cfg.ProtectionModeDurationSec,
	})

	layers := adaptive.NewLayers(adaptive.DefaultConfig())
	triggers := events.NewEngine(events.Config{
		BundleWindow:        cfg.BundleWindowSec,
		DedupWindow:         cfg.EventDedupWindow,
		FFEventDecisionMode: cfg.FFEventDecisionMode,
	})

	builder := marketdata.NewBuilder(client, cfg.Symbol)
	provider := events.NewOpenAIDeepAnalysisProvider(cfg.OpenAIAPIKey, cfg.OpenAIModel)

	var notifier *telegram.Bot
	if cfg.TelegramToken != "" {
		bot, err := telegram.New(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			log.Warn().Err(err).Msg("telegram bot unavailable; HARD STOP SET FAILED alerts disabled")
		} else {
			notifier = bot
		}
	}

	engine := positionmanager.NewEngine(positionmanager.Config{
		Symbol:         cfg.Symbol,
		Store:          store,
		Snapshots:      snapshotAdapter{builder: builder},
		Triggers:       triggers,
		Compliance:     complianceLayer,
		Layers:         layers,
		Exchange:       client,
		Provider:       provider,
		Notifier:       notifierOrNil(notifier),
		SleepFast:      cfg.SleepFast,
		SleepNormal:    cfg.SleepNormal,
		SleepSlow:      cfg.SleepSlow,
		KillSwitchPath: cfg.KillSwitchPath,
		PausedFlagPath: cfg.PausePath,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go engine.Start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down position manager")
	engine.Stop()
	cancel()
}

func dsn(cfg *config.Config) string {
	if cfg.DBHost == "" || cfg.DBHost == "localhost" && cfg.DBPass == "" {
		return "positionmanager.db"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
}

// positionQtyAdapter implements compliance.PositionQtySource over the store.
type positionQtyAdapter struct {
	store *storage.Store
}

func (a positionQtyAdapter) PositionQty(symbol string) decimal.Decimal {
	pos, err := a.store.GetPositionState(symbol)
	if err != nil {
		return decimal.Zero
	}
	return pos.TotalQty
}

// snapshotAdapter implements positionmanager.SnapshotSource over the
// indicator-backed Builder.
type snapshotAdapter struct {
	builder *marketdata.Builder
}

func (a snapshotAdapter) Snapshot(symbol string) (domain.Snapshot, error) {
	return a.builder.Build(time.Now())
}

// notifierOrNil avoids storing a typed-nil *telegram.Bot inside the
// positionmanager.Notifier interface, which would make a nil check on
// the interface value itself useless.
func notifierOrNil(bot *telegram.Bot) positionmanager.Notifier {
	if bot == nil {
		return nil
	}
	return bot
}
