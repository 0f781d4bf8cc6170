// Fill Watcher daemon: polls in-flight orders to terminal state and
// folds fills into position_state, with an embedded reconciler pass
// against exchange truth every few cycles (§4.4).
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

	"github.com/btcperp/core/internal/config"
	"github.com/btcperp/core/internal/domain"
	"github.com/btcperp/core/internal/exchange"
	"github.com/btcperp/core/internal/fillwatcher"
	"github.com/btcperp/core/internal/metrics"
	"github.com/btcperp/core/internal/storage"
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

	log.Info().Str("version", version).Str("symbol", cfg.Symbol).Msg("fill watcher starting")
	metrics.Serve(cfg.MetricsAddr)

	store, err := storage.New(dsn(cfg))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}

	client := exchange.NewClient("https://api.bybit.com", cfg.BybitAPIKey, cfg.BybitSecret, 5.0)

	watcher := fillwatcher.NewWatcher(cfg.Symbol, store, client)
	reconciler := fillwatcher.NewReconciler(client, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go watcher.Start(ctx)
	go runReconcileLoop(ctx, reconciler, store, cfg)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down fill watcher")
	watcher.Stop()
	cancel()
}

// runReconcileLoop runs the embedded reconciler every
// ReconcileEveryNCycles poll intervals, healing MISMATCH.HEAL verdicts
// immediately and logging everything else for visibility.
func runReconcileLoop(ctx context.Context, r *fillwatcher.Reconciler, store *storage.Store, cfg *config.Config) {
	interval := fillwatcher.PollInterval * time.Duration(cfg.ReconcileEveryNCycles)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logs, err := store.OpenExecutionLogs(cfg.Symbol)
			lastOrderSentAt := time.Time{}
			if err == nil {
				for _, row := range logs {
					if row.OrderSentAt.After(lastOrderSentAt) {
						lastOrderSentAt = row.OrderSentAt
					}
				}
			}

			result := r.Reconcile(cfg.Symbol, lastOrderSentAt, time.Now())
			metrics.ReconcileVerdictTotal.WithLabelValues(cfg.Symbol, string(result.Verdict)).Inc()

			logEvt := log.Info()
			if result.Verdict == domain.ReconcileMismatchHeal {
				logEvt = log.Warn()
			}
			logEvt.Str("verdict", string(result.Verdict)).Str("reason", result.Reason).Msg("reconcile pass")

			if result.Verdict == domain.ReconcileMismatchHeal {
				if err := r.Heal(result, time.Now()); err != nil {
					log.Error().Err(err).Msg("reconcile heal failed")
				}
			}
		}
	}
}

func dsn(cfg *config.Config) string {
	if cfg.DBHost == "" || cfg.DBHost == "localhost" && cfg.DBPass == "" {
		return "fillwatcher.db"
	}
	return "postgres://" + cfg.DBUser + ":" + cfg.DBPass + "@" + cfg.DBHost + "/" + cfg.DBName + "?sslmode=disable"
}
