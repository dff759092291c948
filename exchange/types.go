package exchange

import (
	"fmt"
	"strconv"
)

// Bybit reports every numeric field as a string. Fields stay strings at the
// wire boundary and are converted with Float where the caller needs math, so
// a blank or malformed field degrades to zero instead of failing a whole
// response.
func Float(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// APIError is a terminal (or explicitly tolerated) exchange response. Loops
// must check for it before treating a gateway result as data; transient
// failures are retried inside the client and never surface unless retries
// are exhausted.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bybit error %d: %s", e.Code, e.Msg)
}

// Retryable reports whether the caller may safely re-issue the request.
// Order placement must still be deduplicated by the caller when retried.
func (e *APIError) Retryable() bool {
	return e.Code == retCodeRateLimit
}

// Tolerated codes are business-level rejections the bot handles inline
// (duplicate cancel, nothing to cancel, order already gone).
func (e *APIError) Tolerated() bool {
	switch e.Code {
	case 10001, 110043, 100028:
		return true
	}
	return false
}

const (
	SideBuy  = "Buy"
	SideSell = "Sell"

	OrderTypeLimit  = "Limit"
	OrderTypeMarket = "Market"

	TimeInForcePostOnly = "PostOnly"
	TimeInForceIOC      = "IOC"
	TimeInForceGTC      = "GTC"
)

// InstrumentSpec holds the exchange-enforced trading constraints for one
// symbol. Immutable once resolved; refreshed only at engine initialization.
type InstrumentSpec struct {
	MinOrderQty float64
	QtyStep     string
	TickSize    string
	MinNotional float64
}

// Ticker is the best-bid/ask and mark price snapshot for a symbol.
type Ticker struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	MarkPrice string `json:"markPrice"`
	Bid1Price string `json:"bid1Price"`
	Ask1Price string `json:"ask1Price"`
}

// Order is a resting or historical order as reported by the exchange.
type Order struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Price       string `json:"price"`
	Qty         string `json:"qty"`
	OrderStatus string `json:"orderStatus"`
	TimeInForce string `json:"timeInForce"`
	CreatedTime string `json:"createdTime"`
}

// Position is one leg of exposure on a symbol.
type Position struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	MarkPrice     string `json:"markPrice"`
	PositionValue string `json:"positionValue"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	Leverage      string `json:"leverage"`
}

// Execution is a single fill.
type Execution struct {
	ExecID    string `json:"execId"`
	OrderID   string `json:"orderId"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	ExecPrice string `json:"execPrice"`
	ExecQty   string `json:"execQty"`
	ExecFee   string `json:"execFee"`
	FeeRate   string `json:"feeRate"`
	IsMaker   bool   `json:"isMaker"`
	ExecTime  string `json:"execTime"`
}

// CoinBalance is the per-coin slice of a unified wallet.
type CoinBalance struct {
	Coin                string `json:"coin"`
	WalletBalance       string `json:"walletBalance"`
	AvailableToWithdraw string `json:"availableToWithdraw"`
	Equity              string `json:"equity"`
	UnrealisedPnl       string `json:"unrealisedPnl"`
	CumRealisedPnl      string `json:"cumRealisedPnl"`
}

// WalletBalance is the unified-account equity snapshot.
type WalletBalance struct {
	AccountType           string        `json:"accountType"`
	TotalEquity           string        `json:"totalEquity"`
	TotalWalletBalance    string        `json:"totalWalletBalance"`
	TotalMarginBalance    string        `json:"totalMarginBalance"`
	TotalAvailableBalance string        `json:"totalAvailableBalance"`
	TotalPerpUPL          string        `json:"totalPerpUPL"`
	Coin                  []CoinBalance `json:"coin"`
}

// CoinBalanceFor picks one coin out of the wallet, zero-valued if absent.
func (w *WalletBalance) CoinBalanceFor(coin string) CoinBalance {
	for _, c := range w.Coin {
		if c.Coin == coin {
			return c
		}
	}
	return CoinBalance{Coin: coin}
}

// PlaceOrderRequest captures everything the create-order endpoint needs.
type PlaceOrderRequest struct {
	Symbol      string
	Side        string
	OrderType   string
	Qty         string
	Price       string
	TimeInForce string
	Category    string
	OrderLinkID string
	ReduceOnly  bool
}

// PlaceOrderResult is the acknowledgment for a placed order.
type PlaceOrderResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}
