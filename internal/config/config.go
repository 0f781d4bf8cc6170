package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIG - environment-driven settings for every daemon
// ═══════════════════════════════════════════════════════════════════════════════

// Config holds every tunable named across spec §4/§6. Missing values fall
// through to documented defaults; credential-missing states degrade to
// local-only mode rather than crashing (§6).
type Config struct {
	// Exchange credentials
	BybitAPIKey string
	BybitSecret string

	// Database
	DBHost string
	DBPort int
	DBName string
	DBUser string
	DBPass string

	Symbol string

	// LiveTrading holds LIVE_TRADING; LiveTradingArmed reports whether it
	// equals YES_I_UNDERSTAND. No daemon calls LiveTradingArmed: the
	// exchange client reads LIVE_TRADING itself to choose dry-run mode.
	LiveTrading string

	NewsPollSec   time.Duration
	NewsFeedAgent string

	OpenAIAPIKey string
	OpenAIModel  string

	TelegramToken  string
	TelegramChatID int64

	Debug bool

	// Exchange Compliance Layer (§4.1)
	RateLimitSec              time.Duration
	ConsecutiveErrorThreshold int
	ConsecutiveErrorBlockSec  time.Duration
	ProtectionModeWindowSec   time.Duration
	ProtectionModeThreshold   int
	ProtectionModeDurationSec time.Duration
	MarketInfoTTL             time.Duration

	// Fill Watcher (§4.3)
	PollSec                time.Duration
	MaxPollsPerOrder       int
	OrderTimeoutSec        time.Duration
	PositionVerifyDelaySec time.Duration
	ReconcileEveryNCycles  int

	// Reconciler (§4.4)
	DriftTTL time.Duration

	// Event trigger engine (§4.5)
	BundleWindowSec     time.Duration
	EventDedupWindow    time.Duration
	FFEventDecisionMode bool

	// Adaptive layers (§4.7)
	CombinedPenaltyFloor decimal.Decimal

	// Daily deep-analysis call budget (§4.5)
	DailyDeepCallCap int

	// Position Manager loop periods (§4.2)
	SleepFast   time.Duration
	SleepNormal time.Duration
	SleepSlow   time.Duration

	// Filesystem toggles (§5/§6)
	KillSwitchPath     string
	PausePath          string
	BackfillEnablePath string
	BackfillPausePath  string
	BackfillStopPath   string
	TelegramOffsetPath string

	// MetricsAddr is the listen address for the daemon's /metrics
	// endpoint (ambient observability, §A).
	MetricsAddr string
}

func Load() (*Config, error) {
	cfg := &Config{
		BybitAPIKey: os.Getenv("BYBIT_API_KEY"),
		BybitSecret: os.Getenv("BYBIT_SECRET"),

		DBHost: getEnv("DB_HOST", "localhost"),
		DBPort: getEnvInt("DB_PORT", 5432),
		DBName: getEnv("DB_NAME", "trading"),
		DBUser: getEnv("DB_USER", "trading"),
		DBPass: os.Getenv("DB_PASS"),

		Symbol: getEnv("SYMBOL", "BTCUSDT"),

		LiveTrading: getEnv("LIVE_TRADING", ""),

		NewsPollSec:   getEnvDuration("NEWS_POLL_SEC", 60*time.Second),
		NewsFeedAgent: getEnv("NEWS_FEED_AGENT", ""),

		OpenAIAPIKey: os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:  getEnv("OPENAI_MODEL", "gpt-4o-mini"),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		Debug: getEnvBool("DEBUG", false),

		RateLimitSec:              getEnvDuration("RATE_LIMIT_SEC", 1*time.Second),
		ConsecutiveErrorThreshold: getEnvInt("CONSECUTIVE_ERROR_THRESHOLD", 3),
		ConsecutiveErrorBlockSec:  getEnvDuration("CONSECUTIVE_ERROR_BLOCK_SEC", 300*time.Second),
		ProtectionModeWindowSec:   getEnvDuration("PROTECTION_MODE_WINDOW_SEC", 120*time.Second),
		ProtectionModeThreshold:   getEnvInt("PROTECTION_MODE_THRESHOLD", 3),
		ProtectionModeDurationSec: getEnvDuration("PROTECTION_MODE_DURATION_SEC", 300*time.Second),
		MarketInfoTTL:             getEnvDuration("MARKET_INFO_TTL_SEC", 10*time.Minute),

		PollSec:                getEnvDuration("POLL_SEC", 5*time.Second),
		MaxPollsPerOrder:       getEnvInt("MAX_POLLS_PER_ORDER", 30),
		OrderTimeoutSec:        getEnvDuration("ORDER_TIMEOUT_SEC", 60*time.Second),
		PositionVerifyDelaySec: getEnvDuration("POSITION_VERIFY_DELAY_SEC", 2*time.Second),
		ReconcileEveryNCycles:  getEnvInt("RECONCILE_EVERY_N_CYCLES", 5),

		DriftTTL: getEnvDuration("RECONCILE_DRIFT_TTL_SEC", 10*time.Minute),

		BundleWindowSec:     getEnvDuration("BUNDLE_WINDOW_SEC", 30*time.Second),
		EventDedupWindow:    getEnvDuration("EVENT_DEDUP_WINDOW_SEC", 30*time.Minute),
		FFEventDecisionMode: getEnvBool("FF_EVENT_DECISION_MODE", false),

		CombinedPenaltyFloor: getEnvDecimal("ADAPTIVE_PENALTY_FLOOR", decimal.NewFromFloat(0.55)),

		DailyDeepCallCap: getEnvInt("DAILY_DEEP_CALL_CAP", 40),

		SleepFast:   getEnvDuration("SLEEP_FAST_SEC", 10*time.Second),
		SleepNormal: getEnvDuration("SLEEP_NORMAL_SEC", 15*time.Second),
		SleepSlow:   getEnvDuration("SLEEP_SLOW_SEC", 30*time.Second),

		KillSwitchPath:     getEnv("KILL_SWITCH_PATH", "/tmp/trading-core/KILL_SWITCH"),
		PausePath:          getEnv("PAUSE_PATH", "/tmp/trading-core/PAUSE"),
		BackfillEnablePath: getEnv("BACKFILL_ENABLE_PATH", "/tmp/trading-core/BACKFILL_ENABLE"),
		BackfillPausePath:  getEnv("BACKFILL_PAUSE_PATH", "/tmp/trading-core/BACKFILL_PAUSE"),
		BackfillStopPath:   getEnv("BACKFILL_STOP_PATH", "/tmp/trading-core/BACKFILL_STOP"),
		TelegramOffsetPath: getEnv("TELEGRAM_OFFSET_PATH", offsetDefaultPath()),

		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	return cfg, nil
}

// LiveTradingArmed reports whether the operator has explicitly opted into
// placing risk-increasing orders (§6).
func (c *Config) LiveTradingArmed() bool {
	return c.LiveTrading == "YES_I_UNDERSTAND"
}

func offsetDefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".telegram_offset"
	}
	return home + "/.telegram_offset"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs, err := strconv.ParseFloat(value, 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
