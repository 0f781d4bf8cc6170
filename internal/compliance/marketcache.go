package compliance

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/btcperp/core/internal/domain"
	"github.com/btcperp/core/internal/exchange"
)

// MarketLoader is the subset of exchange.Client the cache needs.
type MarketLoader interface {
	LoadMarkets(symbol string) (exchange.RawMarketInfo, error)
}

// MarketCache is a process-local MarketInfoSource: a TTL-refreshed,
// version+hash-tracked cache over the exchange's loadMarkets call (§3
// "Market info", §9 "process-local caches with visibility logging").
type MarketCache struct {
	mu      sync.Mutex
	loader  MarketLoader
	ttl     time.Duration
	entries map[string]domain.MarketInfo
}

// NewMarketCache builds a cache with the given TTL (§3 default ≈10 min).
func NewMarketCache(loader MarketLoader, ttl time.Duration) *MarketCache {
	return &MarketCache{loader: loader, ttl: ttl, entries: make(map[string]domain.MarketInfo)}
}

// Get returns the cached MarketInfo, refreshing it if the TTL elapsed.
func (c *MarketCache) Get(symbol string) (domain.MarketInfo, error) {
	c.mu.Lock()
	entry, ok := c.entries[symbol]
	stale := !ok || time.Since(entry.LoadedAt) > c.ttl
	c.mu.Unlock()

	if !stale {
		return entry, nil
	}
	return c.ForceRefresh(symbol)
}

// ForceRefresh always reloads from the exchange, bumping markets_version
// and logging a change when the content hash differs (§3).
func (c *MarketCache) ForceRefresh(symbol string) (domain.MarketInfo, error) {
	raw, err := c.loader.LoadMarkets(symbol)
	if err != nil {
		return domain.MarketInfo{}, fmt.Errorf("refresh market info for %s: %w", symbol, err)
	}

	info := parseRawMarketInfo(symbol, raw)

	c.mu.Lock()
	defer c.mu.Unlock()

	prev, existed := c.entries[symbol]
	info.MarketsVersion = 1
	if existed {
		info.MarketsVersion = prev.MarketsVersion + 1
	}
	info.LoadedAt = time.Now()

	if existed && prev.MarketsHash != info.MarketsHash {
		log.Info().Str("symbol", symbol).Str("old_hash", prev.MarketsHash).
			Str("new_hash", info.MarketsHash).Int64("markets_version", info.MarketsVersion).
			Msg("market info changed")
	}
	c.entries[symbol] = info
	return info, nil
}

func parseRawMarketInfo(symbol string, raw exchange.RawMarketInfo) domain.MarketInfo {
	info := domain.MarketInfo{Symbol: symbol}
	info.MinQty = decimalField(raw, "minQty")
	info.MaxQty = decimalField(raw, "maxQty")
	info.StepSize = decimalField(raw, "stepSize")
	info.TickSize = decimalField(raw, "tickSize")
	info.MinPrice = decimalField(raw, "minPrice")
	info.MaxPrice = decimalField(raw, "maxPrice")
	info.MinNotional = decimalField(raw, "minNotional")
	info.ContractSize = decimalField(raw, "contractSize")
	info.MarketsHash = hashMarketInfo(info)
	return info
}

func decimalField(raw exchange.RawMarketInfo, key string) decimal.Decimal {
	v, ok := raw[key]
	if !ok {
		return decimal.Zero
	}
	switch t := v.(type) {
	case string:
		d, err := decimal.NewFromString(t)
		if err == nil {
			return d
		}
	case float64:
		return decimal.NewFromFloat(t)
	}
	return decimal.Zero
}

// hashMarketInfo produces a content digest over the canonical field
// ordering so a change in venue rules is detectable (§3, SPEC_FULL §C).
func hashMarketInfo(info domain.MarketInfo) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%s|%s",
		info.MinQty.String(), info.MaxQty.String(), info.StepSize.String(),
		info.TickSize.String(), info.MinPrice.String(), info.MaxPrice.String(),
		info.MinNotional.String(), info.ContractSize.String())
	return fmt.Sprintf("%x", h.Sum64())
}
