// Package exchange implements the REST and WebSocket clients against a
// Binance-style perpetual-futures venue: funding rate, mark/spot/last
// price, order placement and cancellation, position and balance queries,
// leverage/margin-mode control, and a typed streaming feed. Every request
// is rate-limited, retried on transient status codes with exponential
// backoff, and authenticated with an HMAC-SHA256 signature over the
// canonical query string.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"fundingarb/internal/config"
	"fundingarb/internal/ratelimit"
	"fundingarb/pkg/types"
)

// Client is the REST API client for the perpetual-futures venue. It wraps
// a resty HTTP client with rate limiting, retry-with-backoff, and request
// signing.
type Client struct {
	http      *resty.Client
	auth      *Auth
	limiter   *ratelimit.Limiter
	dryRun    bool
	logger    *slog.Logger
	retryCfg  config.RetryConfig
}

// NewClient creates a REST client wired from configuration.
func NewClient(cfg config.Config, limiter *ratelimit.Limiter, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.API.Binance.BaseURL).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:     httpClient,
		auth:     NewAuth(cfg.API.Binance.APIKey, cfg.API.Binance.APISecret),
		limiter:  limiter,
		dryRun:   cfg.DryRun,
		logger:   logger,
		retryCfg: cfg.API.Binance.Retry,
	}
}

// doSigned executes a signed request against path with the given HTTP
// method and query params, retrying transient failures with exponential
// backoff per the configured retry policy.
func (c *Client) doSigned(ctx context.Context, op, method, path string, params url.Values, result interface{}) error {
	if err := c.limiter.General.Acquire(ctx); err != nil {
		return &Error{Kind: KindTransport, Op: op, Cause: err}
	}

	signed := c.auth.Sign(params)

	delay := time.Duration(c.retryCfg.RetryDelayMs) * time.Millisecond
	if delay <= 0 {
		delay = time.Second
	}
	mult := c.retryCfg.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	maxAttempts := c.retryCfg.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		req := c.http.R().
			SetContext(ctx).
			SetHeader("X-MBX-APIKEY", c.auth.APIKey()).
			SetResult(result)

		url := path + "?" + signed
		var resp *resty.Response
		var err error
		switch method {
		case http.MethodGet:
			resp, err = req.Get(url)
		case http.MethodPost:
			resp, err = req.Post(url)
		case http.MethodDelete:
			resp, err = req.Delete(url)
		default:
			return &Error{Kind: KindInvariant, Op: op, Cause: fmt.Errorf("unsupported method %s", method)}
		}

		if err != nil {
			lastErr = &Error{Kind: KindTransport, Op: op, Cause: err, Retriable: true}
		} else if resp.StatusCode() >= 300 {
			lastErr = classifyStatus(op, resp.StatusCode(), fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
		} else {
			return nil
		}

		exErr, ok := lastErr.(*Error)
		if !ok || !exErr.Retriable || attempt == maxAttempts-1 {
			return lastErr
		}

		wait := time.Duration(float64(delay) * math.Pow(mult, float64(attempt)))
		select {
		case <-ctx.Done():
			return &Error{Kind: KindTransport, Op: op, Cause: ctx.Err()}
		case <-time.After(wait):
		}
	}
	return lastErr
}

type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol     string `json:"symbol"`
		Status     string `json:"status"`
		QuoteAsset string `json:"quoteAsset"`
	} `json:"symbols"`
}

// ListSymbols returns every tradable perpetual-futures symbol quoted in
// USDT, grounded on the exchange's exchangeInfo precision-discovery
// endpoint (used here just for the symbol universe, not tick/step size).
func (c *Client) ListSymbols(ctx context.Context) ([]string, error) {
	var resp exchangeInfoResponse
	if err := c.doSigned(ctx, "ListSymbols", http.MethodGet, "/fapi/v1/exchangeInfo", url.Values{}, &resp); err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(resp.Symbols))
	for _, s := range resp.Symbols {
		if s.Status == "TRADING" && s.QuoteAsset == "USDT" {
			symbols = append(symbols, s.Symbol)
		}
	}
	return symbols, nil
}

type premiumIndexResponse struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
}

// GetFundingRate returns the last published funding rate for symbol.
func (c *Client) GetFundingRate(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var resp premiumIndexResponse
	if err := c.doSigned(ctx, "GetFundingRate", http.MethodGet, "/fapi/v1/premiumIndex",
		url.Values{"symbol": {symbol}}, &resp); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(resp.LastFundingRate)
}

// GetMarkPrice returns the current mark (futures) price for symbol.
func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var resp premiumIndexResponse
	if err := c.doSigned(ctx, "GetMarkPrice", http.MethodGet, "/fapi/v1/premiumIndex",
		url.Values{"symbol": {symbol}}, &resp); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(resp.MarkPrice)
}

// GetNextFundingTime returns the next scheduled funding settlement time.
func (c *Client) GetNextFundingTime(ctx context.Context, symbol string) (time.Time, error) {
	var resp premiumIndexResponse
	if err := c.doSigned(ctx, "GetNextFundingTime", http.MethodGet, "/fapi/v1/premiumIndex",
		url.Values{"symbol": {symbol}}, &resp); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(resp.NextFundingTime), nil
}

type tickerPriceResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// GetSpotPrice returns the current spot ticker price for symbol.
func (c *Client) GetSpotPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var resp tickerPriceResponse
	if err := c.doSigned(ctx, "GetSpotPrice", http.MethodGet, "/api/v3/ticker/price",
		url.Values{"symbol": {symbol}}, &resp); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(resp.Price)
}

// GetLastPrice returns the last traded perpetual-futures price for symbol.
func (c *Client) GetLastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var resp tickerPriceResponse
	if err := c.doSigned(ctx, "GetLastPrice", http.MethodGet, "/fapi/v1/ticker/price",
		url.Values{"symbol": {symbol}}, &resp); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(resp.Price)
}

type ticker24hResponse struct {
	Volume      string `json:"volume"`
	QuoteVolume string `json:"quoteVolume"`
}

// Get24hVolume returns the rolling 24-hour quote volume for symbol.
func (c *Client) Get24hVolume(ctx context.Context, symbol string) (float64, error) {
	var resp ticker24hResponse
	if err := c.doSigned(ctx, "Get24hVolume", http.MethodGet, "/fapi/v1/ticker/24hr",
		url.Values{"symbol": {symbol}}, &resp); err != nil {
		return 0, err
	}
	vol, err := strconv.ParseFloat(resp.QuoteVolume, 64)
	if err != nil {
		return 0, &Error{Kind: KindTransport, Op: "Get24hVolume", Cause: err}
	}
	return vol, nil
}

type bookTickerResponse struct {
	BidPrice string `json:"bidPrice"`
	AskPrice string `json:"askPrice"`
}

// GetBestBidAsk returns the best bid and ask for symbol.
func (c *Client) GetBestBidAsk(ctx context.Context, symbol string) (bid, ask decimal.Decimal, err error) {
	var resp bookTickerResponse
	if err := c.doSigned(ctx, "GetBestBidAsk", http.MethodGet, "/fapi/v1/ticker/bookTicker",
		url.Values{"symbol": {symbol}}, &resp); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	bid, errB := decimal.NewFromString(resp.BidPrice)
	ask, errA := decimal.NewFromString(resp.AskPrice)
	if errB != nil {
		return decimal.Zero, decimal.Zero, &Error{Kind: KindTransport, Op: "GetBestBidAsk", Cause: errB}
	}
	if errA != nil {
		return decimal.Zero, decimal.Zero, &Error{Kind: KindTransport, Op: "GetBestBidAsk", Cause: errA}
	}
	return bid, ask, nil
}

type depthResponse struct {
	Bids [][2]string `json:"bids"`
	Asks [][2]string `json:"asks"`
}

// GetOrderBookDepth returns up to 20 levels of book depth from best
// inward on both sides, for the spot or futures surface per isSpot.
func (c *Client) GetOrderBookDepth(ctx context.Context, symbol string, isSpot bool) (bids, asks []types.PriceLevel, err error) {
	path := "/fapi/v1/depth"
	if isSpot {
		path = "/api/v3/depth"
	}
	var resp depthResponse
	if err := c.doSigned(ctx, "GetOrderBookDepth", http.MethodGet, path,
		url.Values{"symbol": {symbol}, "limit": {"20"}}, &resp); err != nil {
		return nil, nil, err
	}
	return decodeLevels(resp.Bids), decodeLevels(resp.Asks), nil
}

func decodeLevels(raw [][2]string) []types.PriceLevel {
	levels := make([]types.PriceLevel, 0, len(raw))
	for _, r := range raw {
		price, err := decimal.NewFromString(r[0])
		if err != nil {
			continue
		}
		qty, err := decimal.NewFromString(r[1])
		if err != nil {
			continue
		}
		levels = append(levels, types.PriceLevel{Price: price, Qty: qty})
	}
	return levels
}

type balanceResponse struct {
	Asset   string `json:"asset"`
	Balance string `json:"balance"`
}

// GetBalance returns the available balance for asset.
func (c *Client) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	var resp []balanceResponse
	if err := c.doSigned(ctx, "GetBalance", http.MethodGet, "/fapi/v2/balance", url.Values{}, &resp); err != nil {
		return decimal.Zero, err
	}
	for _, b := range resp {
		if b.Asset == asset {
			return decimal.NewFromString(b.Balance)
		}
	}
	return decimal.Zero, nil
}

type orderResponse struct {
	OrderID       int64  `json:"orderId"`
	Status        string `json:"status"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
}

// PlaceOrder places req against the spot or futures surface depending on
// req.IsSpot. On success it returns the exchange-assigned order id. If
// dry-run mode is configured, it short-circuits with a synthetic id and no
// network call.
func (c *Client) PlaceOrder(ctx context.Context, req types.OrderRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", &Error{Kind: KindInvalidRequest, Op: "PlaceOrder", Cause: err}
	}
	if c.dryRun {
		c.logger.Info("dry-run: would place order", "symbol", req.Symbol, "side", req.Side, "qty", req.Quantity)
		return fmt.Sprintf("dry-run-%d", time.Now().UnixNano()), nil
	}
	if err := c.limiter.Orders.Acquire(ctx); err != nil {
		return "", &Error{Kind: KindRateLimited, Op: "PlaceOrder", Cause: err}
	}

	path := "/fapi/v1/order"
	if req.IsSpot {
		path = "/api/v3/order"
	}

	params := url.Values{
		"symbol":   {req.Symbol},
		"side":     {string(req.Side)},
		"type":     {string(req.Type)},
		"quantity": {req.Quantity.String()},
	}
	if req.Type != types.Market {
		params.Set("price", req.Price.String())
		params.Set("timeInForce", string(req.TimeInForce))
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if req.ClosePosition {
		params.Set("closePosition", "true")
	}
	if req.PositionSide != "" {
		params.Set("positionSide", string(req.PositionSide))
	}

	var resp orderResponse
	if err := c.doSigned(ctx, "PlaceOrder", http.MethodPost, path, params, &resp); err != nil {
		return "", err
	}
	return strconv.FormatInt(resp.OrderID, 10), nil
}

// CancelOrder cancels an open order by id.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if c.dryRun {
		c.logger.Info("dry-run: would cancel order", "symbol", symbol, "order_id", orderID)
		return nil
	}
	var resp orderResponse
	return c.doSigned(ctx, "CancelOrder", http.MethodDelete, "/fapi/v1/order",
		url.Values{"symbol": {symbol}, "orderId": {orderID}}, &resp)
}

// GetOrderStatus fetches the current status of an order.
func (c *Client) GetOrderStatus(ctx context.Context, symbol, orderID string) (types.OrderRecord, error) {
	var resp orderResponse
	if err := c.doSigned(ctx, "GetOrderStatus", http.MethodGet, "/fapi/v1/order",
		url.Values{"symbol": {symbol}, "orderId": {orderID}}, &resp); err != nil {
		return types.OrderRecord{}, err
	}
	return toOrderRecord(symbol, resp), nil
}

// GetOpenOrders lists open orders for symbol, or every symbol if empty.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]types.OrderRecord, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	var resp []orderResponse
	if err := c.doSigned(ctx, "GetOpenOrders", http.MethodGet, "/fapi/v1/openOrders", params, &resp); err != nil {
		return nil, err
	}
	records := make([]types.OrderRecord, len(resp))
	for i, r := range resp {
		records[i] = toOrderRecord(symbol, r)
	}
	return records, nil
}

func toOrderRecord(symbol string, r orderResponse) types.OrderRecord {
	executed, _ := decimal.NewFromString(r.ExecutedQty)
	avg, _ := decimal.NewFromString(r.AvgPrice)
	return types.OrderRecord{
		OrderRequest: types.OrderRequest{Symbol: symbol},
		OrderID:      strconv.FormatInt(r.OrderID, 10),
		Status:       types.OrderStatus(r.Status),
		ExecutedQuantity: executed,
		AvgFillPrice: avg,
		UpdatedAt:    time.Now(),
	}
}

type positionRiskResponse struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	LiquidationPrice string `json:"liquidationPrice"`
	Leverage         string `json:"leverage"`
	MarginType       string `json:"marginType"`
}

// GetOpenPositions lists all currently open positions.
func (c *Client) GetOpenPositions(ctx context.Context) ([]types.PositionRecord, error) {
	var resp []positionRiskResponse
	if err := c.doSigned(ctx, "GetOpenPositions", http.MethodGet, "/fapi/v2/positionRisk", url.Values{}, &resp); err != nil {
		return nil, err
	}

	var records []types.PositionRecord
	for _, r := range resp {
		size, _ := decimal.NewFromString(r.PositionAmt)
		if size.IsZero() {
			continue
		}
		entry, _ := decimal.NewFromString(r.EntryPrice)
		mark, _ := decimal.NewFromString(r.MarkPrice)
		pnl, _ := decimal.NewFromString(r.UnRealizedProfit)
		liq, _ := decimal.NewFromString(r.LiquidationPrice)
		leverage, _ := strconv.Atoi(r.Leverage)
		records = append(records, types.PositionRecord{
			Symbol:           r.Symbol,
			Size:             size,
			EntryPrice:       entry,
			MarkPrice:        mark,
			UnrealizedPnL:    pnl,
			LiquidationPrice: liq,
			Leverage:         leverage,
			MarginMode:       types.MarginType(r.MarginType),
			UpdatedAt:        time.Now(),
		})
	}
	return records, nil
}

// SetLeverage sets the futures leverage multiplier for symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	var resp struct{}
	return c.doSigned(ctx, "SetLeverage", http.MethodPost, "/fapi/v1/leverage",
		url.Values{"symbol": {symbol}, "leverage": {strconv.Itoa(leverage)}}, &resp)
}

// SetMarginType sets the margin mode (isolated/cross) for symbol.
func (c *Client) SetMarginType(ctx context.Context, symbol string, mode types.MarginType) error {
	var resp struct{}
	err := c.doSigned(ctx, "SetMarginType", http.MethodPost, "/fapi/v1/marginType",
		url.Values{"symbol": {symbol}, "marginType": {string(mode)}}, &resp)
	if exErr, ok := err.(*Error); ok && exErr.Kind == KindRejected {
		// Exchange returns a rejection when the mode is already set; treat as success.
		return nil
	}
	return err
}
