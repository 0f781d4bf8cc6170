// Package marketdata builds the point-in-time domain.Snapshot (§3) the
// Position Manager and event-trigger engine consume, from raw exchange
// OHLCV candles and the indicator library.
//
// Grounded on internal/predictor/predictor.go's candle-to-indicator
// pipeline, generalized from its 0-100 scoring output to the population
// of every field domain.Snapshot.Valid() requires, and adapted to
// perpetual-futures 1m/5m/15m return windows per original_source's
// snapshot builder.
package marketdata

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/btcperp/core/internal/domain"
	"github.com/btcperp/core/internal/exchange"
	"github.com/btcperp/core/internal/indicators"
)

// CandleSource is the subset of exchange.Client the builder needs.
type CandleSource interface {
	FetchOHLCV(symbol, interval string, limit int) ([]exchange.Candle, error)
	FetchTicker(symbol string) (*exchange.Ticker, error)
	FetchOrderBook(symbol string, depth int) (*exchange.OrderBook, error)
}

// Builder constructs snapshots for one symbol from 1-minute candles.
type Builder struct {
	client CandleSource
	symbol string
}

// NewBuilder constructs a snapshot Builder.
func NewBuilder(client CandleSource, symbol string) *Builder {
	return &Builder{client: client, symbol: symbol}
}

// minCandlesRequired is the lookback the indicator set needs (RSI14,
// ATR14, Bollinger, Ichimoku-52, plus 15m return window on 1m candles).
const minCandlesRequired = 60

// Build fetches fresh candles and assembles a Snapshot. Returns an
// invalid (zero) snapshot on any fetch error — callers must check
// Valid() rather than treat a returned error as exhaustive, since a
// stale-but-present snapshot is worse than a visibly invalid one (§7
// snapshot validation fails closed).
func (b *Builder) Build(now time.Time) (domain.Snapshot, error) {
	candles, err := b.client.FetchOHLCV(b.symbol, "1", minCandlesRequired)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("fetch candles: %w", err)
	}
	if len(candles) < minCandlesRequired {
		return domain.Snapshot{}, fmt.Errorf("insufficient candle history: got %d, need %d", len(candles), minCandlesRequired)
	}

	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = indicators.DecimalToFloat(c.Close)
		highs[i] = indicators.DecimalToFloat(c.High)
		lows[i] = indicators.DecimalToFloat(c.Low)
		volumes[i] = indicators.DecimalToFloat(c.Volume)
	}

	last := candles[len(candles)-1]
	price := last.Close

	snap := domain.Snapshot{
		Price:  price,
		Ret1m:  returnOverN(closes, 1),
		Ret5m:  returnOverN(closes, 5),
		Ret15m: returnOverN(closes, 15),

		RSI14: indicators.FloatToDecimal(indicators.RSI(closes, 14)),
		ATR14: indicators.FloatToDecimal(indicators.ATR(highs, lows, closes, 14)),

		VolumeRatio: volumeRatio(volumes),

		TakenAt: now,
	}

	upper, _, lower := indicators.BollingerBands(closes, 20, 2.0)
	snap.BollingerUpper = indicators.FloatToDecimal(upper)
	snap.BollingerLower = indicators.FloatToDecimal(lower)

	tenkan, kijun, cloudTop, cloudBot := ichimoku(highs, lows)
	snap.IchimokuTenkan = indicators.FloatToDecimal(tenkan)
	snap.IchimokuKijun = indicators.FloatToDecimal(kijun)
	snap.IchimokuCloudTop = indicators.FloatToDecimal(cloudTop)
	snap.IchimokuCloudBot = indicators.FloatToDecimal(cloudBot)

	snap.Regime = classifyRegime(closes)
	snap.Confidence = decimal.NewFromFloat(indicators.TrendStrength(closes, 20))

	if book, err := b.client.FetchOrderBook(b.symbol, 5); err == nil {
		snap.SpreadOK, snap.LiquidityOK = spreadAndLiquidityOK(book)
	}

	return snap, nil
}

func returnOverN(closes []float64, n int) decimal.Decimal {
	if len(closes) <= n {
		return decimal.Zero
	}
	last := closes[len(closes)-1]
	prior := closes[len(closes)-1-n]
	if prior == 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat((last - prior) / prior)
}

func volumeRatio(volumes []float64) decimal.Decimal {
	if len(volumes) < 20 {
		return decimal.Zero
	}
	window := volumes[len(volumes)-20:]
	sum := 0.0
	for _, v := range window[:len(window)-1] {
		sum += v
	}
	avg := sum / float64(len(window)-1)
	if avg == 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(volumes[len(volumes)-1] / avg)
}

// ichimoku computes the Tenkan-sen (9), Kijun-sen (26), and cloud edges
// from Senkou spans built on the latest candles; the spans are not
// displaced by 26 periods.
func ichimoku(highs, lows []float64) (tenkan, kijun, cloudTop, cloudBot float64) {
	tenkan = midpoint(highs, lows, 9)
	kijun = midpoint(highs, lows, 26)
	senkouA := (tenkan + kijun) / 2
	senkouB := midpoint(highs, lows, 52)
	if senkouA > senkouB {
		return tenkan, kijun, senkouA, senkouB
	}
	return tenkan, kijun, senkouB, senkouA
}

func midpoint(highs, lows []float64, period int) float64 {
	if len(highs) < period {
		period = len(highs)
	}
	if period == 0 {
		return 0
	}
	h := highs[len(highs)-period:]
	l := lows[len(lows)-period:]
	hi, lo := h[0], l[0]
	for i := range h {
		if h[i] > hi {
			hi = h[i]
		}
		if l[i] < lo {
			lo = l[i]
		}
	}
	return (hi + lo) / 2
}

// classifyRegime labels the dominant trend direction/strength using the
// same trend-strength scoring the teacher's predictor applies to score
// confidence, thresholded into the strings positionmanager.Decide's
// reversalSignal/addSignal expect.
func classifyRegime(closes []float64) string {
	strength := math.Abs(indicators.TrendStrength(closes, 20))
	momentum := indicators.Momentum(closes, 14)

	switch {
	case strength > 60 && momentum > 0:
		return "strong_uptrend"
	case strength > 60 && momentum < 0:
		return "strong_downtrend"
	case momentum > 0:
		return "uptrend"
	case momentum < 0:
		return "downtrend"
	default:
		return "ranging"
	}
}

// spreadAndLiquidityOK applies simple venue-agnostic sanity thresholds:
// a spread under 10 bps of mid and non-empty depth on both sides.
func spreadAndLiquidityOK(book *exchange.OrderBook) (spreadOK, liquidityOK bool) {
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return false, false
	}
	bestBid := book.Bids[0].Price
	bestAsk := book.Asks[0].Price
	if bestBid.IsZero() || bestAsk.IsZero() || bestAsk.LessThanOrEqual(bestBid) {
		return false, false
	}
	mid := bestBid.Add(bestAsk).Div(decimal.NewFromInt(2))
	spread := bestAsk.Sub(bestBid).Div(mid)
	spreadOK = spread.LessThan(decimal.NewFromFloat(0.001))
	liquidityOK = len(book.Bids) > 0 && len(book.Asks) > 0
	return spreadOK, liquidityOK
}
