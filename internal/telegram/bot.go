// Package telegram is a thin wrapper over the Telegram Bot API used by
// the Command Dispatcher (§4.8) to poll updates and send operator-facing
// notifications. Grounded on bot/telegram.go's BotAPI/GetUpdatesChan
// usage, generalized from a fixed command table to the dispatcher's
// routing pipeline and adapted to the §6 Korean output-language guard.
package telegram

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/btcperp/core/internal/korean"
)

// Bot wraps the Telegram Bot API client, restricting all traffic to a
// single authorized chat (§4.8).
type Bot struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// New constructs a Bot. Returns an error if the token is invalid;
// callers degrade to local-only mode rather than crash on this error
// (§6 credential-missing degradation).
func New(token string, chatID int64) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	log.Info().Str("username", api.Self.UserName).Msg("telegram bot initialized")
	return &Bot{api: api, chatID: chatID}, nil
}

// Updates returns a channel of incoming updates with a short getUpdates
// timeout, matching the §5 suspension-point model: the dispatcher
// blocks here between commands rather than polling in a tight loop.
func (b *Bot) Updates() tgbotapi.UpdatesChannel {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	return b.api.GetUpdatesChan(u)
}

// AuthorizedChat reports whether an update came from the operator's
// authorized chat (§4.8); everything else is silently dropped.
func (b *Bot) AuthorizedChat(chatID int64) bool {
	return chatID == b.chatID
}

// Send sends plain text, running it through the Korean output-language
// guard first (§6).
func (b *Bot) Send(text string) {
	b.send(korean.Sanitize(text), "")
}

// SendMarkdown sends Markdown-formatted text through the same guard.
func (b *Bot) SendMarkdown(text string) {
	b.send(korean.Sanitize(text), "Markdown")
}

func (b *Bot) send(text, parseMode string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = parseMode
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("telegram: send failed")
	}
}

// NotifyOrderRejected sends the §7 user-visible order-rejection alert.
func (b *Bot) NotifyOrderRejected(symbol, cause, suggestion, errorCode string, debugRaw string, debugMode bool) {
	msg := fmt.Sprintf("❌ 주문 거부\n\nsymbol: %s\ncause: %s\nsuggestion: %s\nerror_code: %s",
		symbol, cause, suggestion, errorCode)
	if debugMode && debugRaw != "" {
		msg += fmt.Sprintf("\n\nraw: `%s`", debugRaw)
	}
	b.SendMarkdown(msg)
}

// NotifyReconcileHealed sends the §7 reconciliation auto-heal alert.
func (b *Bot) NotifyReconcileHealed(symbol, reason string) {
	b.SendMarkdown(fmt.Sprintf("⚠ RECONCILE 자동복구\n\nsymbol: %s\nreason: %s", symbol, reason))
}

// NotifyProtectionModeActivated sends the §7 protection-mode report.
func (b *Bot) NotifyProtectionModeActivated(symbol string, errorsInWindow int, releaseInSec float64) {
	b.SendMarkdown(fmt.Sprintf("🛡 보호 모드 활성화\n\nsymbol: %s\nrecent_errors: %d\nrelease_in: %.0fs",
		symbol, errorsInWindow, releaseInSec))
}

// NotifyHardStopSetFailed sends the §4.6 "HARD STOP SET FAILED" alert
// when the venue rejects or fails to confirm a server-side stop order
// demanded by an event-decision's safety_checks.stop_order_required.
func (b *Bot) NotifyHardStopSetFailed(symbol, reason string) {
	b.SendMarkdown(fmt.Sprintf("🚨 HARD STOP SET FAILED\n\nsymbol: %s\nreason: %s", symbol, reason))
}
