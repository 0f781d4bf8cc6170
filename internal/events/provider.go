package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/btcperp/core/internal/domain"
)

// VerdictParams carries the action-specific sizing parameters a deep
// analysis provider may return (§4.6). Only the field matching Action is
// meaningful; the rest are zero.
type VerdictParams struct {
	ReduceRatio      decimal.Decimal
	ReverseSizeRatio decimal.Decimal
	HedgeSizeRatio   decimal.Decimal
	FreezeMinutes    int
}

// SafetyChecks is the provider's own read of conditions that can force a
// downgrade regardless of its chosen action (§4.6).
type SafetyChecks struct {
	SpreadOK          bool
	LiquidityOK       bool
	StopOrderRequired bool
}

// ProviderVerdict is the deep analysis provider's parsed response (§4.6
// wire contract): event_class, confidence, action, params,
// reasoning_short, safety_checks, fallback_used.
type ProviderVerdict struct {
	EventClass     string
	Confidence     decimal.Decimal
	Action         domain.EventDecisionAction
	Params         VerdictParams
	ReasoningShort string
	SafetyChecks   SafetyChecks
	FallbackUsed   bool
}

// fallbackVerdict is returned whenever the provider is unreachable,
// misconfigured, or returns text Decide cannot parse (§4.6 "parse
// failure → HOLD, fallback_used:true").
func fallbackVerdict(reason string) ProviderVerdict {
	return ProviderVerdict{Action: domain.EDAHold, ReasoningShort: reason, FallbackUsed: true}
}

// DeepAnalysisProvider is the §4.5/§4.6 escalation target: given the
// classified bundle, the triggering snapshot, and current position state,
// it returns a parsed verdict for Decide to clamp and map.
type DeepAnalysisProvider interface {
	Analyze(ctx context.Context, symbol string, snap domain.Snapshot, bundle domain.EventBundle, pos domain.PositionState) (ProviderVerdict, error)
}

// OpenAIDeepAnalysisProvider implements DeepAnalysisProvider against the
// OpenAI chat completions endpoint, following dispatcher.OpenAIClassifier's
// precedent: there is no OpenAI SDK in the pack, so this talks to the
// documented HTTP surface directly with net/http.
type OpenAIDeepAnalysisProvider struct {
	apiKey string
	model  string
	http   *http.Client
}

// NewOpenAIDeepAnalysisProvider constructs a provider. An empty apiKey
// degrades every Analyze call to the HOLD fallback rather than erroring
// (§6 credential-missing degradation).
func NewOpenAIDeepAnalysisProvider(apiKey, model string) *OpenAIDeepAnalysisProvider {
	return &OpenAIDeepAnalysisProvider{apiKey: apiKey, model: model, http: &http.Client{Timeout: 30 * time.Second}}
}

type deepChatRequest struct {
	Model    string            `json:"model"`
	Messages []deepChatMessage `json:"messages"`
}

type deepChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type deepChatResponse struct {
	Choices []struct {
		Message deepChatMessage `json:"message"`
	} `json:"choices"`
}

const deepAnalysisSystemPrompt = `You are a risk-desk assistant for a BTC/USDT perpetual futures position.
Given the triggering event and current snapshot, reply with exactly one JSON object:
{"event_class": "<short>", "confidence": 0.0-1.0, "action": "HOLD"|"RISK_OFF_REDUCE"|"HARD_EXIT"|"FREEZE_NEW_ENTRY"|"REVERSE"|"HEDGE",
 "params": {"reduce_ratio": 0.0-1.0, "reverse_size_ratio": 0.0-1.0, "hedge_size_ratio": 0.0-1.0, "freeze_minutes": 0},
 "reasoning_short": "<one sentence>",
 "safety_checks": {"spread_ok": true|false, "liquidity_ok": true|false, "stop_order_required": true|false}}
Default to HOLD whenever the evidence is ambiguous.`

// Analyze sends the event context to the model and parses its JSON
// verdict. Any transport, status, or parse failure degrades to the HOLD
// fallback rather than propagating an error to the caller (§4.6 "parse
// failure → HOLD").
func (p *OpenAIDeepAnalysisProvider) Analyze(ctx context.Context, symbol string, snap domain.Snapshot, bundle domain.EventBundle, pos domain.PositionState) (ProviderVerdict, error) {
	if p.apiKey == "" {
		return fallbackVerdict("no API key configured"), nil
	}

	prompt := fmt.Sprintf("symbol=%s side=%s qty=%s entry=%s price=%s triggers=%s spread_ok=%t liquidity_ok=%t",
		symbol, pos.Side, pos.TotalQty.String(), pos.AvgEntryPrice.String(), snap.Price.String(),
		TriggerSetKey(bundle.Triggers, pos.Side), snap.SpreadOK, snap.LiquidityOK)

	body, err := json.Marshal(deepChatRequest{
		Model: p.model,
		Messages: []deepChatMessage{
			{Role: "system", Content: deepAnalysisSystemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return fallbackVerdict("marshal request failed"), fmt.Errorf("marshal deep analysis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"https://api.openai.com/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return fallbackVerdict("build request failed"), fmt.Errorf("build deep analysis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.http.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("deep analysis request failed; falling back to hold")
		return fallbackVerdict("transport error"), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Warn().Int("status", resp.StatusCode).Str("symbol", symbol).
			Msg("deep analysis non-200 response; falling back to hold")
		return fallbackVerdict("non-200 response"), nil
	}

	var out deepChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || len(out.Choices) == 0 {
		return fallbackVerdict("malformed response"), nil
	}

	return parseVerdictJSON(out.Choices[0].Message.Content), nil
}

type rawVerdict struct {
	EventClass string  `json:"event_class"`
	Confidence float64 `json:"confidence"`
	Action     string  `json:"action"`
	Params     struct {
		ReduceRatio      float64 `json:"reduce_ratio"`
		ReverseSizeRatio float64 `json:"reverse_size_ratio"`
		HedgeSizeRatio   float64 `json:"hedge_size_ratio"`
		FreezeMinutes    int     `json:"freeze_minutes"`
	} `json:"params"`
	ReasoningShort string `json:"reasoning_short"`
	SafetyChecks   struct {
		SpreadOK          bool `json:"spread_ok"`
		LiquidityOK       bool `json:"liquidity_ok"`
		StopOrderRequired bool `json:"stop_order_required"`
	} `json:"safety_checks"`
	FallbackUsed bool `json:"fallback_used"`
}

// parseVerdictJSON extracts and parses the provider's JSON object,
// degrading to the HOLD fallback on any parse error or unrecognized
// action (§4.6).
func parseVerdictJSON(text string) ProviderVerdict {
	text = strings.TrimSpace(text)
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return fallbackVerdict("fallback_used")
	}

	var raw rawVerdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return fallbackVerdict("fallback_used")
	}

	action := domain.EventDecisionAction(raw.Action)
	if !action.Valid() {
		return fallbackVerdict("unrecognized action")
	}

	return ProviderVerdict{
		EventClass: raw.EventClass,
		Confidence: decimal.NewFromFloat(raw.Confidence),
		Action:     action,
		Params: VerdictParams{
			ReduceRatio:      decimal.NewFromFloat(raw.Params.ReduceRatio),
			ReverseSizeRatio: decimal.NewFromFloat(raw.Params.ReverseSizeRatio),
			HedgeSizeRatio:   decimal.NewFromFloat(raw.Params.HedgeSizeRatio),
			FreezeMinutes:    raw.Params.FreezeMinutes,
		},
		ReasoningShort: raw.ReasoningShort,
		SafetyChecks: SafetyChecks{
			SpreadOK:          raw.SafetyChecks.SpreadOK,
			LiquidityOK:       raw.SafetyChecks.LiquidityOK,
			StopOrderRequired: raw.SafetyChecks.StopOrderRequired,
		},
		FallbackUsed: raw.FallbackUsed,
	}
}
