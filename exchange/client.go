package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const (
	mainnetURL = "https://api.bybit.com"
	testnetURL = "https://api-testnet.bybit.com"

	recvWindowMS     = 5000
	maxAttempts      = 3
	retCodeOK        = 0
	retCodeRateLimit = 10006
)

// Client is the Bybit v5 REST gateway. All calls are rate limited through a
// shared token bucket and retried with exponential backoff on transient
// failures; exhausted retries surface as an error result, never a panic.
type Client struct {
	apiKey    string
	apiSecret []byte
	baseURL   string
	http      *http.Client
	limiter   *rateLimiter
	logger    *zap.Logger
}

// NewClient creates a gateway against testnet or mainnet.
func NewClient(apiKey, apiSecret string, testnet bool, logger *zap.Logger) *Client {
	base := mainnetURL
	if testnet {
		base = testnetURL
	}
	return &Client{
		apiKey:    apiKey,
		apiSecret: []byte(apiSecret),
		baseURL:   base,
		http:      &http.Client{Timeout: 10 * time.Second},
		limiter:   newRateLimiter(5, 10),
		logger:    logger,
	}
}

// SetBaseURL points the client at a different host. Used by tests.
func (c *Client) SetBaseURL(u string) { c.baseURL = u }

type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// sign computes the HMAC-SHA256 signature over the url-encoded,
// key-sorted parameter set.
func (c *Client) sign(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	q := url.Values{}
	for _, k := range keys {
		q.Set(k, params[k])
	}

	mac := hmac.New(sha256.New, c.apiSecret)
	mac.Write([]byte(q.Encode()))
	return hex.EncodeToString(mac.Sum(nil))
}

// request performs one signed (or public) call with bounded retries.
// Rate-limit responses and transport timeouts back off exponentially;
// other API errors return after a single short pause, and tolerated
// business rejections return immediately as typed errors.
func (c *Client) request(ctx context.Context, method, endpoint string, params map[string]string, signed bool) (json.RawMessage, error) {
	if params == nil {
		params = map[string]string{}
	}
	if signed {
		params["api_key"] = c.apiKey
		params["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
		params["recv_window"] = strconv.Itoa(recvWindowMS)
		params["sign"] = c.sign(params)
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		c.limiter.wait()

		resp, err := c.do(ctx, method, endpoint, params)
		if err != nil {
			lastErr = err
			c.logger.Warn("exchange request failed",
				zap.String("endpoint", endpoint),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			if !sleepCtx(ctx, retryBackoff(attempt)) {
				return nil, ctx.Err()
			}
			continue
		}

		if resp.RetCode == retCodeOK {
			return resp.Result, nil
		}

		apiErr := &APIError{Code: resp.RetCode, Msg: resp.RetMsg}
		if apiErr.Tolerated() {
			return nil, apiErr
		}
		if apiErr.Retryable() {
			c.logger.Warn("exchange rate limit hit",
				zap.String("endpoint", endpoint),
				zap.Int("attempt", attempt+1))
			lastErr = apiErr
			if !sleepCtx(ctx, retryBackoff(attempt)) {
				return nil, ctx.Err()
			}
			continue
		}

		c.logger.Error("exchange API error",
			zap.String("endpoint", endpoint),
			zap.Int("retCode", resp.RetCode),
			zap.String("retMsg", resp.RetMsg))
		return nil, apiErr
	}

	return nil, fmt.Errorf("max retries exceeded for %s: %w", endpoint, lastErr)
}

func (c *Client) do(ctx context.Context, method, endpoint string, params map[string]string) (*apiResponse, error) {
	var req *http.Request
	var err error

	switch method {
	case http.MethodGet:
		q := url.Values{}
		for k, v := range params {
			q.Set(k, v)
		}
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+endpoint+"?"+q.Encode(), nil)
	case http.MethodPost:
		body, merr := json.Marshal(params)
		if merr != nil {
			return nil, fmt.Errorf("marshal request body: %w", merr)
		}
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, bytes.NewReader(body))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	default:
		return nil, fmt.Errorf("unsupported method %s", method)
	}
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// ---- market data ----

type listResult[T any] struct {
	List []T `json:"list"`
}

func decodeList[T any](raw json.RawMessage) ([]T, error) {
	var res listResult[T]
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode list result: %w", err)
	}
	return res.List, nil
}

// GetTicker returns the latest ticker for a symbol.
func (c *Client) GetTicker(ctx context.Context, symbol, category string) (*Ticker, error) {
	raw, err := c.request(ctx, http.MethodGet, "/v5/market/tickers", map[string]string{
		"category": category,
		"symbol":   symbol,
	}, false)
	if err != nil {
		return nil, err
	}
	tickers, err := decodeList[Ticker](raw)
	if err != nil {
		return nil, err
	}
	if len(tickers) == 0 {
		return nil, fmt.Errorf("no ticker returned for %s", symbol)
	}
	return &tickers[0], nil
}

// GetMarkPrice returns the current mark price for a symbol.
func (c *Client) GetMarkPrice(ctx context.Context, symbol, category string) (float64, error) {
	t, err := c.GetTicker(ctx, symbol, category)
	if err != nil {
		return 0, err
	}
	p := Float(t.MarkPrice)
	if p <= 0 {
		return 0, fmt.Errorf("non-positive mark price %q for %s", t.MarkPrice, symbol)
	}
	return p, nil
}

type instrumentInfo struct {
	Symbol        string `json:"symbol"`
	LotSizeFilter struct {
		MinOrderQty      string `json:"minOrderQty"`
		QtyStep          string `json:"qtyStep"`
		MinNotionalValue string `json:"minNotionalValue"`
	} `json:"lotSizeFilter"`
	PriceFilter struct {
		TickSize string `json:"tickSize"`
	} `json:"priceFilter"`
}

// ResolveInstrument fetches the trading constraints for a symbol. Called once
// at engine initialization; the result is treated as immutable afterwards.
func (c *Client) ResolveInstrument(ctx context.Context, symbol, category string) (InstrumentSpec, error) {
	raw, err := c.request(ctx, http.MethodGet, "/v5/market/instruments-info", map[string]string{
		"category": category,
		"symbol":   symbol,
	}, false)
	if err != nil {
		return InstrumentSpec{}, err
	}
	infos, err := decodeList[instrumentInfo](raw)
	if err != nil {
		return InstrumentSpec{}, err
	}
	if len(infos) == 0 {
		return InstrumentSpec{}, fmt.Errorf("instrument %s not found", symbol)
	}
	info := infos[0]

	spec := InstrumentSpec{
		MinOrderQty: Float(info.LotSizeFilter.MinOrderQty),
		QtyStep:     info.LotSizeFilter.QtyStep,
		TickSize:    info.PriceFilter.TickSize,
		MinNotional: Float(info.LotSizeFilter.MinNotionalValue),
	}
	if spec.QtyStep == "" {
		spec.QtyStep = "1"
	}
	if spec.TickSize == "" {
		spec.TickSize = "0.0001"
	}
	if spec.MinNotional <= 0 {
		spec.MinNotional = 5
	}
	return spec, nil
}

// ---- account ----

// GetWalletBalance returns the unified-account equity snapshot.
func (c *Client) GetWalletBalance(ctx context.Context) (*WalletBalance, error) {
	raw, err := c.request(ctx, http.MethodGet, "/v5/account/wallet-balance", map[string]string{
		"accountType": "UNIFIED",
	}, true)
	if err != nil {
		return nil, err
	}
	wallets, err := decodeList[WalletBalance](raw)
	if err != nil {
		return nil, err
	}
	if len(wallets) == 0 {
		return nil, fmt.Errorf("empty wallet balance response")
	}
	return &wallets[0], nil
}

// GetPositions returns open positions for a symbol.
func (c *Client) GetPositions(ctx context.Context, symbol, category string) ([]Position, error) {
	params := map[string]string{
		"category":   category,
		"settleCoin": "USDT",
	}
	if symbol != "" {
		params["symbol"] = symbol
	}
	raw, err := c.request(ctx, http.MethodGet, "/v5/position/list", params, true)
	if err != nil {
		return nil, err
	}
	return decodeList[Position](raw)
}

// SetLeverage sets buy and sell leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol, category string, leverage int) error {
	lev := strconv.Itoa(leverage)
	_, err := c.request(ctx, http.MethodPost, "/v5/position/set-leverage", map[string]string{
		"category":     category,
		"symbol":       symbol,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}, true)
	var apiErr *APIError
	if err != nil {
		// Bybit rejects a no-op leverage change; tolerate it.
		if asAPIError(err, &apiErr) && apiErr.Tolerated() {
			return nil
		}
		return err
	}
	return nil
}

func asAPIError(err error, target **APIError) bool {
	var e *APIError
	if errors.As(err, &e) {
		*target = e
		return true
	}
	return false
}

// ---- orders ----

// PlaceOrder submits a new order and returns its exchange ID. Placement is
// never retried internally; a failed attempt surfaces so the caller can
// decide about deduplication.
func (c *Client) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	params := map[string]string{
		"category":    req.Category,
		"symbol":      req.Symbol,
		"side":        req.Side,
		"orderType":   req.OrderType,
		"qty":         req.Qty,
		"timeInForce": req.TimeInForce,
		"positionIdx": "0",
	}
	if req.Price != "" {
		params["price"] = req.Price
	}
	if req.OrderLinkID != "" {
		params["orderLinkId"] = req.OrderLinkID
	}
	if req.ReduceOnly {
		params["reduceOnly"] = "true"
	}

	raw, err := c.placeOnce(ctx, params)
	if err != nil {
		return nil, err
	}
	var result PlaceOrderResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode order result: %w", err)
	}
	if result.OrderID == "" {
		return nil, fmt.Errorf("order accepted without an orderId")
	}
	return &result, nil
}

// placeOnce is the single-attempt variant of request, used only for order
// creation where blind retries risk duplicate fills.
func (c *Client) placeOnce(ctx context.Context, params map[string]string) (json.RawMessage, error) {
	params["api_key"] = c.apiKey
	params["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
	params["recv_window"] = strconv.Itoa(recvWindowMS)
	params["sign"] = c.sign(params)

	c.limiter.wait()
	resp, err := c.do(ctx, http.MethodPost, "/v5/order/create", params)
	if err != nil {
		return nil, err
	}
	if resp.RetCode != retCodeOK {
		return nil, &APIError{Code: resp.RetCode, Msg: resp.RetMsg}
	}
	return resp.Result, nil
}

// CancelOrder cancels a single order by ID.
func (c *Client) CancelOrder(ctx context.Context, symbol, category, orderID string) error {
	_, err := c.request(ctx, http.MethodPost, "/v5/order/cancel", map[string]string{
		"category": category,
		"symbol":   symbol,
		"orderId":  orderID,
	}, true)
	return err
}

// CancelAllOrders cancels every resting order on the symbol.
func (c *Client) CancelAllOrders(ctx context.Context, symbol, category string) error {
	_, err := c.request(ctx, http.MethodPost, "/v5/order/cancel-all", map[string]string{
		"category": category,
		"symbol":   symbol,
	}, true)
	var apiErr *APIError
	if err != nil && asAPIError(err, &apiErr) && apiErr.Tolerated() {
		return nil
	}
	return err
}

// GetOpenOrders returns the currently resting orders for a symbol. This is
// the source of truth for the recenter decision, never the bot's own cache.
func (c *Client) GetOpenOrders(ctx context.Context, symbol, category string) ([]Order, error) {
	raw, err := c.request(ctx, http.MethodGet, "/v5/order/realtime", map[string]string{
		"category": category,
		"symbol":   symbol,
		"limit":    "50",
	}, true)
	if err != nil {
		return nil, err
	}
	return decodeList[Order](raw)
}

// GetExecutions returns recent fills for a symbol.
func (c *Client) GetExecutions(ctx context.Context, symbol, category string, limit int) ([]Execution, error) {
	raw, err := c.request(ctx, http.MethodGet, "/v5/execution/list", map[string]string{
		"category": category,
		"symbol":   symbol,
		"limit":    strconv.Itoa(limit),
	}, true)
	if err != nil {
		return nil, err
	}
	return decodeList[Execution](raw)
}

// ClosePosition flattens the current position with an IOC market order.
func (c *Client) ClosePosition(ctx context.Context, symbol, category string) error {
	positions, err := c.GetPositions(ctx, symbol, category)
	if err != nil {
		return err
	}
	for _, pos := range positions {
		size := Float(pos.Size)
		if pos.Symbol != symbol || size <= 0 {
			continue
		}
		side := SideSell
		if pos.Side == SideSell {
			side = SideBuy
		}
		_, err := c.PlaceOrder(ctx, PlaceOrderRequest{
			Symbol:      symbol,
			Side:        side,
			OrderType:   OrderTypeMarket,
			Qty:         pos.Size,
			TimeInForce: TimeInForceIOC,
			Category:    category,
			ReduceOnly:  true,
		})
		if err != nil {
			return fmt.Errorf("close %s position: %w", pos.Side, err)
		}
	}
	return nil
}
