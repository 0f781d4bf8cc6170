// Package dispatcher implements the Command Dispatcher (§4.8): a
// Telegram-fronted natural-language router that never enqueues orders
// itself. It dispatches explicit slash commands directly, routes
// everything else through a budget-gated LLM intent classifier, and
// fans `local` intents out to a table of pure-read query handlers.
//
// Grounded on bot/telegram.go's command-loop/handleCommand structure,
// generalized from a fixed switch over known commands to the three-tier
// slash-command → classifier → handler-table pipeline of
// original_source/app/dispatcher.py.
package dispatcher

import (
	"context"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/btcperp/core/internal/adaptive"
	"github.com/btcperp/core/internal/compliance"
	"github.com/btcperp/core/internal/korean"
	"github.com/btcperp/core/internal/telegram"
)

// Config bundles the dispatcher's construction-time dependencies.
type Config struct {
	Symbol     string
	Bot        *telegram.Bot
	Store      LocalStore
	Snapshots  SnapshotReader
	Compliance *compliance.Layer
	Layers     *adaptive.Layers
	Classifier Classifier
	DailyCap   int

	// DebugMode, when true, appends an intent/route footer to
	// local-handler responses (§4.8 step 3).
	DebugMode bool
}

// Dispatcher routes operator Telegram messages per §4.8.
type Dispatcher struct {
	symbol     string
	bot        *telegram.Bot
	store      LocalStore
	snapshots  SnapshotReader
	compliance *compliance.Layer
	layers     *adaptive.Layers
	classifier Classifier
	budget     *Budget

	debugMode bool

	stopCh chan struct{}
}

// New constructs a Dispatcher.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		symbol:     cfg.Symbol,
		bot:        cfg.Bot,
		store:      cfg.Store,
		snapshots:  cfg.Snapshots,
		compliance: cfg.Compliance,
		layers:     cfg.Layers,
		classifier: cfg.Classifier,
		budget:     NewBudget(cfg.DailyCap),
		debugMode:  cfg.DebugMode,
		stopCh:     make(chan struct{}),
	}
}

// Run blocks on the Telegram update stream until ctx is canceled. This
// is the dispatcher's only suspension point (§5): getUpdates blocks with
// a short server-side timeout between messages.
func (d *Dispatcher) Run(ctx context.Context) {
	updates := d.bot.Updates()
	log.Info().Str("symbol", d.symbol).Msg("command dispatcher started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			d.handleUpdate(ctx, update)
		}
	}
}

// Stop halts the dispatcher.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
}

func (d *Dispatcher) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil {
		return
	}
	if !d.bot.AuthorizedChat(update.Message.Chat.ID) {
		return
	}

	text := strings.TrimSpace(update.Message.Text)
	if text == "" {
		return
	}

	now := time.Now()

	// Step 1: explicit slash commands, no LLM involved.
	if update.Message.IsCommand() {
		reply := d.routeSlashCommand(update.Message.Command(), update.Message.CommandArguments(), now)
		d.bot.SendMarkdown(reply)
		return
	}

	// Step 2: LLM intent classifier, gated by the daily budget.
	if d.classifier == nil {
		return
	}
	if !d.budget.Allow(DayKey(now)) {
		log.Warn().Str("symbol", d.symbol).Msg("daily deep-analysis budget exhausted; dropping free-text message")
		d.bot.Send("오늘의 분석 호출 한도를 초과했습니다")
		return
	}

	intent, err := d.classifier.Classify(ctx, text)
	if err != nil {
		log.Error().Err(err).Msg("intent classification failed")
		return
	}

	reply := d.routeIntent(intent)
	if reply != "" {
		d.bot.SendMarkdown(reply)
	}
}

func (d *Dispatcher) routeSlashCommand(cmd, args string, now time.Time) string {
	switch strings.ToLower(cmd) {
	case "help":
		return helpText
	case "status":
		return d.handleStatusFull(args)
	case "health":
		return d.handleHealth(now)
	case "audit":
		return d.handleAudit(now)
	case "risk":
		return d.handleRiskMode(args)
	case "keywords":
		return "키워드 관리는 현재 읽기 전용 경로에서 지원하지 않습니다"
	case "debug":
		return d.handleDebugToggle(args)
	case "force":
		// §4.8: /force bypasses the strategy cooldown but still goes
		// through the same advisory pipeline and enqueue-with-safety
		// path — the dispatcher itself never enqueues, so it only
		// forwards the free-text portion to the classifier path.
		if args == "" {
			return "사용법: /force <텍스트>"
		}
		return d.forceAdvisory(args)
	default:
		return "알 수 없는 명령입니다. /help를 참고하세요"
	}
}

func (d *Dispatcher) routeIntent(intent Intent) string {
	switch intent.Class {
	case IntentLocal:
		handler, ok := localHandlers[intent.Query]
		if !ok {
			return ""
		}
		reply := handler(d, "")
		if d.debugMode {
			reply += "\n\n_intent=local route=" + intent.Query + "_"
		}
		return korean.Sanitize(reply)
	case IntentDirective:
		// Structured side effects (e.g. changing risk mode) still flow
		// through the same explicit handlers a slash command would use;
		// the classifier only identifies intent, it never mutates state
		// directly.
		return "지시 사항은 명시적 명령어로 실행해주세요 (예: /risk defensive)"
	case IntentClaude:
		return "분석 경로는 현재 세션에서 사용할 수 없습니다"
	default:
		return ""
	}
}

func (d *Dispatcher) forceAdvisory(text string) string {
	if d.classifier == nil {
		return "분석 경로를 사용할 수 없습니다"
	}
	if !d.budget.Allow(DayKey(time.Now())) {
		return "오늘의 분석 호출 한도를 초과했습니다"
	}
	intent, err := d.classifier.Classify(context.Background(), text)
	if err != nil {
		return "분석 요청 처리 중 오류가 발생했습니다"
	}
	return d.routeIntent(intent)
}

func (d *Dispatcher) handleRiskMode(args string) string {
	mode := strings.TrimSpace(args)
	if mode == "" {
		return "사용법: /risk <mode>"
	}
	// Risk-mode changes are a directive, not a local query; absent a
	// wired risk-mode store this acknowledges the request without
	// silently pretending to have applied it.
	return "위험 모드 변경 요청을 받았습니다: " + mode
}

func (d *Dispatcher) handleDebugToggle(args string) string {
	switch strings.ToLower(strings.TrimSpace(args)) {
	case "on":
		d.debugMode = true
		return "디버그 모드: ON"
	case "off":
		d.debugMode = false
		return "디버그 모드: OFF"
	default:
		return "사용법: /debug on|off"
	}
}

// parseDebugN parses the `--n=<int>` argument capped at 200 (§4.8).
func parseDebugN(args string, defaultN int) int {
	for _, tok := range strings.Fields(args) {
		if strings.HasPrefix(tok, "--n=") {
			if n, err := strconv.Atoi(strings.TrimPrefix(tok, "--n=")); err == nil {
				if n > 200 {
					return 200
				}
				if n > 0 {
					return n
				}
			}
		}
	}
	return defaultN
}

const helpText = `명령어 목록
/status — 현재 상태
/health — 보호 모드 상태
/audit — 상태 감사
/risk <mode> — 위험 모드 변경
/debug on|off — 디버그 모드 전환
/force <텍스트> — 쿨다운 우회 분석 요청`
