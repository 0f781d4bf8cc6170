// Package exchange is the generic perpetual-futures REST client
// abstraction consumed by the core (§6 "Exchange (outbound)"). Order
// placement itself lives in the external executor; this client exposes
// the read surface the Position Manager, Fill Watcher, and Reconciler
// need, plus the raw request/response machinery the Exchange Compliance
// Layer's error mapper consumes.
package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Client is a generic HMAC-authenticated perpetual-futures REST client.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	limiter    *rate.Limiter
	dryRun     bool
}

// NewClient builds a client from BYBIT_API_KEY / BYBIT_SECRET, matching
// the teacher's env-driven bootstrap style.
func NewClient(baseURL, apiKey, apiSecret string, maxRPS float64) *Client {
	if baseURL == "" {
		baseURL = "https://api.bybit.com"
	}
	dryRun := os.Getenv("LIVE_TRADING") != "YES_I_UNDERSTAND"
	if maxRPS <= 0 {
		maxRPS = 5
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		httpClient: &http.Client{Timeout: 20 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(maxRPS), 1),
		dryRun:     dryRun,
	}
}

// Ticker is the last-price/bid-ask snapshot for the symbol.
type Ticker struct {
	Symbol    string
	LastPrice decimal.Decimal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Timestamp time.Time
}

// Candle is one OHLCV row.
type Candle struct {
	Ts     time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

// FundingRate is the current perpetual funding rate.
type FundingRate struct {
	Symbol      string
	Rate        decimal.Decimal
	NextFunding time.Time
}

// Balance is the account's available/used margin for one currency.
type Balance struct {
	Currency string
	Free     decimal.Decimal
	Used     decimal.Decimal
	Total    decimal.Decimal
}

// OrderBookLevel is one price/size level.
type OrderBookLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderBook is a depth snapshot.
type OrderBook struct {
	Symbol string
	Bids   []OrderBookLevel
	Asks   []OrderBookLevel
}

// ExchangePosition is the live exchange-side position truth.
type ExchangePosition struct {
	Symbol        string
	Side          string // "long" | "short" | ""
	Qty           decimal.Decimal
	AvgEntryPrice decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Leverage      decimal.Decimal
	MarginMode    string
	StopLoss      decimal.Decimal // zero means no server-side stop is set
}

// HasServerSideStop reports whether the venue currently holds a
// server-side stop-loss order against this position (§4.6 stop
// enforcement precondition).
func (p *ExchangePosition) HasServerSideStop() bool {
	return p != nil && p.StopLoss.IsPositive()
}

// ExchangeOrder is one order as reported by the venue.
type ExchangeOrder struct {
	OrderID    string
	Symbol     string
	Status     string // "open" | "closed" | "canceled" | "filled" | ...
	FilledQty  decimal.Decimal
	AvgPrice   decimal.Decimal
	Fee        decimal.Decimal
	FeeAsset   string
	RawPayload string
}

// RawMarketInfo is the unparsed venue response for loadMarkets, fed to
// the compliance layer's MarketInfo builder.
type RawMarketInfo map[string]any

// FetchPositions returns the live position for symbol.
func (c *Client) FetchPositions(symbol string) (*ExchangePosition, error) {
	body, err := c.get("/v5/position/list", url.Values{"symbol": {symbol}})
	if err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}
	var out ExchangePosition
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("parse position response: %w", err)
	}
	return &out, nil
}

// FetchOpenOrders lists open orders for symbol.
func (c *Client) FetchOpenOrders(symbol string) ([]ExchangeOrder, error) {
	body, err := c.get("/v5/order/realtime", url.Values{"symbol": {symbol}})
	if err != nil {
		return nil, fmt.Errorf("fetch open orders: %w", err)
	}
	var out []ExchangeOrder
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("parse open orders response: %w", err)
	}
	return out, nil
}

// FetchClosedOrder prefers the closed-orders endpoint; FetchAnyOrder
// falls back to the general order lookup when the closed endpoint
// doesn't (yet) carry the order, matching §4.3 step 4.
func (c *Client) FetchClosedOrder(symbol, orderID string) (*ExchangeOrder, error) {
	body, err := c.get("/v5/order/history", url.Values{"symbol": {symbol}, "orderId": {orderID}})
	if err != nil {
		return nil, err
	}
	var out ExchangeOrder
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) FetchAnyOrder(symbol, orderID string) (*ExchangeOrder, error) {
	body, err := c.get("/v5/order/realtime", url.Values{"symbol": {symbol}, "orderId": {orderID}})
	if err != nil {
		return nil, err
	}
	var out ExchangeOrder
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchTicker returns the current price for symbol.
func (c *Client) FetchTicker(symbol string) (*Ticker, error) {
	body, err := c.get("/v5/market/tickers", url.Values{"symbol": {symbol}})
	if err != nil {
		return nil, err
	}
	var out Ticker
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchOHLCV returns up to limit candles at the given interval.
func (c *Client) FetchOHLCV(symbol, interval string, limit int) ([]Candle, error) {
	body, err := c.get("/v5/market/kline", url.Values{
		"symbol":   {symbol},
		"interval": {interval},
		"limit":    {strconv.Itoa(limit)},
	})
	if err != nil {
		return nil, err
	}
	var out []Candle
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchFundingRate returns the current funding rate for symbol.
func (c *Client) FetchFundingRate(symbol string) (*FundingRate, error) {
	body, err := c.get("/v5/market/funding/history", url.Values{"symbol": {symbol}, "limit": {"1"}})
	if err != nil {
		return nil, err
	}
	var out FundingRate
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchBalance returns account balances.
func (c *Client) FetchBalance() ([]Balance, error) {
	body, err := c.get("/v5/account/wallet-balance", url.Values{"accountType": {"UNIFIED"}})
	if err != nil {
		return nil, err
	}
	var out []Balance
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchOrderBook returns depth for symbol.
func (c *Client) FetchOrderBook(symbol string, depth int) (*OrderBook, error) {
	body, err := c.get("/v5/market/orderbook", url.Values{"symbol": {symbol}, "limit": {strconv.Itoa(depth)}})
	if err != nil {
		return nil, err
	}
	var out OrderBook
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LoadMarkets force- or TTL-refreshes venue rules. The returned payload
// is handed to the compliance layer, which owns market_info caching,
// versioning, and hashing (§4.1).
func (c *Client) LoadMarkets(symbol string) (RawMarketInfo, error) {
	body, err := c.get("/v5/market/instruments-info", url.Values{"category": {"linear"}, "symbol": {symbol}})
	if err != nil {
		return nil, fmt.Errorf("load markets: %w", err)
	}
	var out RawMarketInfo
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("parse market info: %w", err)
	}
	return out, nil
}

// IsDryRun reports whether the client refuses to carry live orders.
func (c *Client) IsDryRun() bool { return c.dryRun }

// PlaceOrderRequest is the generic order-placement payload (§6).
type PlaceOrderRequest struct {
	Symbol        string
	Side          string // "Buy" | "Sell"
	OrderType     string // "Market" | "Limit"
	Qty           decimal.Decimal
	Price         decimal.Decimal
	ReduceOnly    bool
	ClientOrderID string
}

// PlaceOrderResponse carries the venue-assigned order id.
type PlaceOrderResponse struct {
	OrderID       string
	ClientOrderID string
}

// PlaceOrder submits a new order. In dry-run mode (the default unless
// LIVE_TRADING=YES_I_UNDERSTAND is set) it synthesizes a response rather
// than hitting the venue, matching §6's "never places a live order
// without the explicit arming env var" requirement.
func (c *Client) PlaceOrder(req PlaceOrderRequest) (*PlaceOrderResponse, error) {
	if c.dryRun {
		log.Info().Str("symbol", req.Symbol).Str("side", req.Side).
			Str("qty", req.Qty.String()).Msg("dry-run: order not sent to exchange")
		return &PlaceOrderResponse{OrderID: "DRYRUN-" + req.ClientOrderID, ClientOrderID: req.ClientOrderID}, nil
	}

	body, err := c.post("/v5/order/create", map[string]any{
		"category":        "linear",
		"symbol":          req.Symbol,
		"side":            req.Side,
		"orderType":       req.OrderType,
		"qty":             req.Qty.String(),
		"price":           req.Price.String(),
		"reduceOnly":      req.ReduceOnly,
		"orderLinkId":     req.ClientOrderID,
	})
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	var out PlaceOrderResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("parse place order response: %w", err)
	}
	return &out, nil
}

// SetTradingStop sets (or replaces) the venue's server-side stop-loss
// order for symbol, the mechanism §4.6's safety_checks.stop_order_required
// enforces before a HARD_EXIT/REVERSE/HEDGE is allowed to stand unguarded.
func (c *Client) SetTradingStop(symbol string, stopPrice decimal.Decimal) error {
	if c.dryRun {
		log.Info().Str("symbol", symbol).Str("stop_price", stopPrice.String()).
			Msg("dry-run: trading stop not sent to exchange")
		return nil
	}
	_, err := c.post("/v5/position/trading-stop", map[string]any{
		"category":  "linear",
		"symbol":    symbol,
		"stopLoss":  stopPrice.String(),
	})
	if err != nil {
		return fmt.Errorf("set trading stop: %w", err)
	}
	return nil
}

// CancelOrder cancels an open order by venue order id (§4.3 timeout
// handling).
func (c *Client) CancelOrder(symbol, orderID string) error {
	if c.dryRun {
		log.Info().Str("symbol", symbol).Str("order_id", orderID).Msg("dry-run: cancel not sent to exchange")
		return nil
	}
	_, err := c.post("/v5/order/cancel", map[string]any{
		"category": "linear",
		"symbol":   symbol,
		"orderId":  orderID,
	})
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// TRANSPORT
// ═══════════════════════════════════════════════════════════════════════════════

func (c *Client) get(path string, query url.Values) ([]byte, error) {
	if err := c.limiter.Wait(context.Background()); err != nil {
		return nil, err
	}
	full := c.baseURL + path
	if len(query) > 0 {
		full += "?" + query.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, full, nil)
	if err != nil {
		return nil, err
	}
	c.addHeaders(req, "")
	return c.doRequest(req)
}

func (c *Client) post(path string, body any) ([]byte, error) {
	if err := c.limiter.Wait(context.Background()); err != nil {
		return nil, err
	}
	raw, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.addHeaders(req, string(raw))
	return c.doRequest(req)
}

func (c *Client) addHeaders(req *http.Request, body string) {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req.Header.Set("X-BAPI-API-KEY", c.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	if c.apiSecret != "" {
		message := timestamp + c.apiKey + body
		req.Header.Set("X-BAPI-SIGN", c.hmacSign(message))
	}
}

func (c *Client) hmacSign(message string) string {
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Client) doRequest(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		log.Debug().Int("status", resp.StatusCode).Str("body", string(body)).Msg("exchange request returned an error status")
		return body, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
