package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// IntentClass is the LLM intent classifier's closed output set (§4.8).
type IntentClass string

const (
	IntentLocal     IntentClass = "local"
	IntentClaude    IntentClass = "claude"
	IntentDirective IntentClass = "directive"
	IntentNone      IntentClass = "none"
)

// Intent is the classifier's structured verdict.
type Intent struct {
	Class    IntentClass
	Query    string // the local query-type name, when Class == local
	Reason   string
}

// Budget is the §4.5/§4.8 daily deep-analysis call cap: a simple
// calendar-day counter, reset on UTC day rollover. It is the single gate
// every `claude`-routed request and every LLM intent classification must
// pass through.
type Budget struct {
	mu      sync.Mutex
	cap     int
	used    int
	dayKey  string
}

// NewBudget constructs a Budget with the configured daily cap.
func NewBudget(dailyCap int) *Budget {
	return &Budget{cap: dailyCap}
}

// Allow reports whether a call may proceed, consuming one unit of budget
// if so. The day key is passed in by the caller (derived from wall-clock
// time) rather than computed internally, keeping Budget free of direct
// time calls for testability.
func (b *Budget) Allow(dayKey string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if dayKey != b.dayKey {
		b.dayKey = dayKey
		b.used = 0
	}
	if b.used >= b.cap {
		return false
	}
	b.used++
	return true
}

// Remaining reports how many calls are left today.
func (b *Budget) Remaining(dayKey string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if dayKey != b.dayKey {
		return b.cap
	}
	return b.cap - b.used
}

// DayKey formats now into the calendar-day bucket Budget expects.
func DayKey(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// Classifier turns free-form operator text into an Intent. The cheap
// classifier runs inside the dispatcher's own budget gate — unlike the
// `claude` analytical path, it never has a no-budget fallback other than
// IntentNone (§4.8 step 2).
type Classifier interface {
	Classify(ctx context.Context, text string) (Intent, error)
}

// knownLocalQueries is the closed set of pure-read query types the
// classifier may route to (§4.8 step 3).
var knownLocalQueries = map[string]bool{
	"status_full": true, "btc_price": true, "news_summary": true,
	"score_summary": true, "reconcile": true, "snapshot": true,
	"fact_snapshot": true,
}

// OpenAIClassifier implements Classifier against the OpenAI chat
// completions endpoint — there is no OpenAI SDK among the pack's
// dependencies, so this talks to the documented HTTP surface directly
// with net/http (an ecosystem client would be preferred and swapped in
// here if one were available).
type OpenAIClassifier struct {
	apiKey string
	model  string
	http   *http.Client
}

// NewOpenAIClassifier constructs a classifier. An empty apiKey degrades
// every Classify call to IntentNone rather than erroring (§6
// credential-missing degradation).
func NewOpenAIClassifier(apiKey, model string) *OpenAIClassifier {
	return &OpenAIClassifier{apiKey: apiKey, model: model, http: &http.Client{Timeout: 30 * time.Second}}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

const classifierSystemPrompt = `Classify the operator's message into exactly one JSON object:
{"class": "local"|"claude"|"directive"|"none", "query": "<local query type or empty>", "reason": "<short>"}
Known local query types: status_full, btc_price, news_summary, score_summary, reconcile, snapshot, fact_snapshot.
Use "directive" only for explicit structured side effects such as changing risk mode.
Use "claude" for open-ended analytical questions. Use "none" when the message is not a request.`

// Classify sends the operator text to the model and parses its JSON
// verdict. Malformed model output maps to IntentNone rather than
// propagating a parse error to the caller (§7 parse-error policy).
func (c *OpenAIClassifier) Classify(ctx context.Context, text string) (Intent, error) {
	if c.apiKey == "" {
		return Intent{Class: IntentNone, Reason: "no API key configured"}, nil
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: classifierSystemPrompt},
			{Role: "user", Content: text},
		},
	})
	if err != nil {
		return Intent{Class: IntentNone}, fmt.Errorf("marshal classifier request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"https://api.openai.com/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Intent{Class: IntentNone}, fmt.Errorf("build classifier request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		log.Warn().Err(err).Msg("intent classifier request failed; falling back to none")
		return Intent{Class: IntentNone, Reason: "transport error"}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Warn().Int("status", resp.StatusCode).Msg("intent classifier non-200 response; falling back to none")
		return Intent{Class: IntentNone, Reason: "non-200 response"}, nil
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || len(out.Choices) == 0 {
		return Intent{Class: IntentNone, Reason: "malformed response"}, nil
	}

	return parseIntentJSON(out.Choices[0].Message.Content), nil
}

type rawIntent struct {
	Class  string `json:"class"`
	Query  string `json:"query"`
	Reason string `json:"reason"`
}

func parseIntentJSON(text string) Intent {
	text = strings.TrimSpace(text)
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return Intent{Class: IntentNone, Reason: "fallback_used"}
	}

	var parsed rawIntent
	if err := json.Unmarshal([]byte(text[start:end+1]), &parsed); err != nil {
		return Intent{Class: IntentNone, Reason: "fallback_used"}
	}

	class := IntentClass(parsed.Class)
	switch class {
	case IntentLocal:
		if !knownLocalQueries[parsed.Query] {
			return Intent{Class: IntentNone, Reason: "unknown local query type"}
		}
	case IntentClaude, IntentDirective, IntentNone:
	default:
		return Intent{Class: IntentNone, Reason: "fallback_used"}
	}

	return Intent{Class: class, Query: parsed.Query, Reason: parsed.Reason}
}
