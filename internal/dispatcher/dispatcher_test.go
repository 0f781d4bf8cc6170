package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btcperp/core/internal/domain"
)

func TestBudget_AllowsUpToCapThenDenies(t *testing.T) {
	b := NewBudget(2)
	day := "2026-07-30"
	assert.True(t, b.Allow(day))
	assert.True(t, b.Allow(day))
	assert.False(t, b.Allow(day))
}

func TestBudget_ResetsOnNewDay(t *testing.T) {
	b := NewBudget(1)
	assert.True(t, b.Allow("2026-07-30"))
	assert.False(t, b.Allow("2026-07-30"))
	assert.True(t, b.Allow("2026-07-31"))
}

func TestParseIntentJSON_ValidLocal(t *testing.T) {
	intent := parseIntentJSON(`{"class": "local", "query": "status_full", "reason": "asked for status"}`)
	assert.Equal(t, IntentLocal, intent.Class)
	assert.Equal(t, "status_full", intent.Query)
}

func TestParseIntentJSON_UnknownLocalQueryFallsBackToNone(t *testing.T) {
	intent := parseIntentJSON(`{"class": "local", "query": "not_a_real_query"}`)
	assert.Equal(t, IntentNone, intent.Class)
}

func TestParseIntentJSON_MalformedJSONFallsBackToNone(t *testing.T) {
	intent := parseIntentJSON(`not json at all`)
	assert.Equal(t, IntentNone, intent.Class)
	assert.Equal(t, "fallback_used", intent.Reason)
}

func TestParseIntentJSON_UnknownClassFallsBackToNone(t *testing.T) {
	intent := parseIntentJSON(`{"class": "banana"}`)
	assert.Equal(t, IntentNone, intent.Class)
}

type fakeLocalStore struct {
	pos domain.PositionState
}

func (f fakeLocalStore) GetPositionState(symbol string) (domain.PositionState, error) {
	return f.pos, nil
}

func (f fakeLocalStore) TradingEnabled(symbol string) (bool, error) {
	return true, nil
}

func TestHandleStatusFull_FlatPosition(t *testing.T) {
	d := &Dispatcher{symbol: "BTCUSDT", store: fakeLocalStore{pos: domain.PositionState{Symbol: "BTCUSDT", Side: domain.SideFlat}}}
	out := d.handleStatusFull("")
	assert.Contains(t, out, "flat")
}

func TestHandleStatusFull_OpenPosition(t *testing.T) {
	pos := domain.PositionState{
		Symbol: "BTCUSDT", Side: domain.SideLong,
		TotalQty: decimal.RequireFromString("0.1"), AvgEntryPrice: decimal.RequireFromString("60000"), Stage: 2,
	}
	d := &Dispatcher{symbol: "BTCUSDT", store: fakeLocalStore{pos: pos}}
	out := d.handleStatusFull("")
	assert.Contains(t, out, "long")
	assert.Contains(t, out, "2/7")
}

func TestRouteSlashCommand_Help(t *testing.T) {
	d := &Dispatcher{symbol: "BTCUSDT", store: fakeLocalStore{}}
	out := d.routeSlashCommand("help", "", time.Now())
	assert.Contains(t, out, "/status")
}

func TestRouteSlashCommand_UnknownCommand(t *testing.T) {
	d := &Dispatcher{symbol: "BTCUSDT", store: fakeLocalStore{}}
	out := d.routeSlashCommand("nonsense", "", time.Now())
	assert.Contains(t, out, "알 수 없는")
}

type stubClassifier struct {
	intent Intent
}

func (s stubClassifier) Classify(ctx context.Context, text string) (Intent, error) {
	return s.intent, nil
}

func TestRouteIntent_LocalDispatchesToHandlerTable(t *testing.T) {
	d := &Dispatcher{symbol: "BTCUSDT", store: fakeLocalStore{pos: domain.PositionState{Side: domain.SideFlat}}}
	out := d.routeIntent(Intent{Class: IntentLocal, Query: "status_full"})
	assert.NotEmpty(t, out)
}

func TestRouteIntent_NoneProducesNoReply(t *testing.T) {
	d := &Dispatcher{}
	out := d.routeIntent(Intent{Class: IntentNone})
	assert.Empty(t, out)
}

func TestParseDebugN_CapsAt200(t *testing.T) {
	require.Equal(t, 200, parseDebugN("--n=500", 10))
	require.Equal(t, 50, parseDebugN("--n=50", 10))
	require.Equal(t, 10, parseDebugN("", 10))
}
