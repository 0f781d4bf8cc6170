package marketdata

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btcperp/core/internal/exchange"
)

type fakeCandleSource struct {
	candles []exchange.Candle
	err     error
}

func (f fakeCandleSource) FetchOHLCV(symbol, interval string, limit int) ([]exchange.Candle, error) {
	return f.candles, f.err
}

func (f fakeCandleSource) FetchTicker(symbol string) (*exchange.Ticker, error) {
	return &exchange.Ticker{Symbol: symbol}, nil
}

func (f fakeCandleSource) FetchOrderBook(symbol string, depth int) (*exchange.OrderBook, error) {
	return &exchange.OrderBook{
		Symbol: symbol,
		Bids:   []exchange.OrderBookLevel{{Price: decimal.RequireFromString("59990"), Size: decimal.RequireFromString("1")}},
		Asks:   []exchange.OrderBookLevel{{Price: decimal.RequireFromString("60010"), Size: decimal.RequireFromString("1")}},
	}, nil
}

func uptrendCandles(n int, start float64) []exchange.Candle {
	out := make([]exchange.Candle, n)
	price := start
	for i := 0; i < n; i++ {
		price += 10
		out[i] = exchange.Candle{
			Ts: time.Now().Add(time.Duration(i) * time.Minute),
			Open: decimal.NewFromFloat(price - 5), High: decimal.NewFromFloat(price + 5),
			Low: decimal.NewFromFloat(price - 10), Close: decimal.NewFromFloat(price),
			Volume: decimal.NewFromFloat(100),
		}
	}
	return out
}

func TestBuild_InsufficientHistoryErrors(t *testing.T) {
	b := NewBuilder(fakeCandleSource{candles: uptrendCandles(5, 60000)}, "BTCUSDT")
	_, err := b.Build(time.Now())
	require.Error(t, err)
}

func TestBuild_ProducesValidSnapshotWithEnoughHistory(t *testing.T) {
	b := NewBuilder(fakeCandleSource{candles: uptrendCandles(70, 60000)}, "BTCUSDT")
	snap, err := b.Build(time.Now())
	require.NoError(t, err)
	assert.True(t, snap.Valid())
	assert.True(t, snap.Price.IsPositive())
}

func TestBuild_FetchErrorPropagates(t *testing.T) {
	b := NewBuilder(fakeCandleSource{err: errors.New("network down")}, "BTCUSDT")
	_, err := b.Build(time.Now())
	require.Error(t, err)
}

func TestClassifyRegime_Uptrend(t *testing.T) {
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 60000 + float64(i)*20
	}
	regime := classifyRegime(closes)
	assert.Contains(t, []string{"uptrend", "strong_uptrend"}, regime)
}

func TestVolumeRatio_ZeroWhenInsufficientHistory(t *testing.T) {
	assert.True(t, volumeRatio([]float64{1, 2, 3}).IsZero())
}
