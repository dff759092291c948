// Package grid computes and maintains the ladder of resting limit orders
// around a center price, and decides when the ladder must be torn down and
// rebuilt.
package grid

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/elisei1202/botgrid/config"
	"github.com/elisei1202/botgrid/exchange"
	"github.com/elisei1202/botgrid/store"
)

// Gateway is the slice of the exchange client the engine needs.
type Gateway interface {
	GetTicker(ctx context.Context, symbol, category string) (*exchange.Ticker, error)
	PlaceOrder(ctx context.Context, req exchange.PlaceOrderRequest) (*exchange.PlaceOrderResult, error)
	CancelAllOrders(ctx context.Context, symbol, category string) error
	GetOpenOrders(ctx context.Context, symbol, category string) ([]exchange.Order, error)
}

// Recorder persists orders, grid rebuilds, and events.
type Recorder interface {
	SaveOrder(ctx context.Context, o store.OrderRecord) error
	SaveGridHistory(ctx context.Context, g store.GridSnapshot) error
	LogEvent(ctx context.Context, eventType, severity, message string, details map[string]any) error
}

// Recenter reasons, in the priority order they are evaluated.
const (
	ReasonNoActiveOrders = "no_active_orders"
	ReasonPriceDeviation = "price_deviation"
	ReasonTimeBased      = "time_based"
	ReasonOneSided       = "one_sided_market"
	ReasonPumpDump       = "pump_dump"
	ReasonInitialSetup   = "initial_setup"
)

var (
	// ErrInsufficientCapital means the configured capital cannot fund even
	// one buy and one sell level at the instrument's minimum notional.
	ErrInsufficientCapital = errors.New("insufficient capital for grid")

	// ErrNoValidLevels means every computed level fell below the minimum
	// notional after quantity flooring.
	ErrNoValidLevels = errors.New("no valid grid levels")
)

const (
	maxHistoryPoints   = 720 // 12h of 1-minute samples
	volatilityWindow   = 14  // lookback pairs; 2x points consumed
	minSamplesRequired = 60  // market-shape signals need a full hour of data
	highVolThreshold   = 0.005
	spacingWidenFactor = 1.2
	notionalReserve    = 1.1 // headroom over min notional per level
	oneSidedHighFrac   = 0.8
	oneSidedLowFrac    = 0.2
)

// Level is one computed rung of the ladder.
type Level struct {
	Side  string
	Index int // 1-based distance from center
	Price float64
	Qty   float64
}

type pricePoint struct {
	price float64
	ts    time.Time
}

// Stats is a read-only snapshot of the engine state.
type Stats struct {
	CenterPrice  float64
	LowestBuy    float64
	HighestSell  float64
	BuyLevels    int
	SellLevels   int
	Spacing      float64
	LastRecenter time.Time
}

// Engine owns the grid state for a single symbol.
type Engine struct {
	gateway Gateway
	rec     Recorder
	cfg     *config.Config
	profile config.Profile
	spec    exchange.InstrumentSpec
	logger  *zap.Logger

	mu           sync.Mutex
	centerPrice  float64
	spacing      float64
	buyLevels    []Level
	sellLevels   []Level
	lastRecenter time.Time
	history      []pricePoint
}

// NewEngine builds an engine around a resolved instrument spec.
func NewEngine(cfg *config.Config, profile config.Profile, spec exchange.InstrumentSpec, gw Gateway, rec Recorder, logger *zap.Logger) *Engine {
	return &Engine{
		gateway: gw,
		rec:     rec,
		cfg:     cfg,
		profile: profile,
		spec:    spec,
		logger:  logger.Named("grid"),
	}
}

// RecordPrice appends a price sample to the rolling history. Called once per
// tick from the market data stream or the polling loop.
func (e *Engine) RecordPrice(price float64, ts time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, pricePoint{price: price, ts: ts})
	if len(e.history) > maxHistoryPoints {
		e.history = e.history[len(e.history)-maxHistoryPoints:]
	}
}

// Stats returns a snapshot of the current grid.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Stats{
		CenterPrice:  e.centerPrice,
		BuyLevels:    len(e.buyLevels),
		SellLevels:   len(e.sellLevels),
		Spacing:      e.spacing,
		LastRecenter: e.lastRecenter,
	}
	if len(e.buyLevels) > 0 {
		s.LowestBuy = e.buyLevels[len(e.buyLevels)-1].Price
	}
	if len(e.sellLevels) > 0 {
		s.HighestSell = e.sellLevels[len(e.sellLevels)-1].Price
	}
	return s
}

// CalculateLevels computes the buy and sell ladders around center without
// touching the exchange. The spacing widens when recent volatility is high.
func (e *Engine) CalculateLevels(center float64) (buys, sells []Level, spacing float64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calculateLevelsLocked(center)
}

func (e *Engine) calculateLevelsLocked(center float64) (buys, sells []Level, spacing float64, err error) {
	if center <= 0 {
		return nil, nil, 0, fmt.Errorf("invalid center price %v", center)
	}

	spacing = e.profile.GridSpacing
	if vol := e.volatilityLocked(center); vol > highVolThreshold {
		spacing = math.Min(spacing*spacingWidenFactor, e.cfg.Grid.SpacingMax)
	}

	capital := e.cfg.Trading.InitialCapital
	maxLevels := int(capital / (e.spec.MinNotional * notionalReserve))
	if maxLevels < 2 {
		return nil, nil, 0, fmt.Errorf("%w: capital %.2f funds %d levels at min notional %.2f",
			ErrInsufficientCapital, capital, maxLevels, e.spec.MinNotional)
	}

	perSide := e.profile.TargetLevels
	if maxLevels < 2*perSide {
		perSide = maxLevels / 2
	}
	budget := capital / float64(2*perSide)

	for i := 1; i <= perSide; i++ {
		if lvl, ok := e.buildLevel(exchange.SideBuy, i, center*(1-spacing*float64(i)), budget); ok {
			buys = append(buys, lvl)
		}
		if lvl, ok := e.buildLevel(exchange.SideSell, i, center*(1+spacing*float64(i)), budget); ok {
			sells = append(sells, lvl)
		}
	}
	if len(buys) == 0 && len(sells) == 0 {
		return nil, nil, 0, ErrNoValidLevels
	}
	return buys, sells, spacing, nil
}

func (e *Engine) buildLevel(side string, index int, rawPrice, budget float64) (Level, bool) {
	price := exchange.Float(exchange.FormatPrice(rawPrice, e.spec.TickSize))
	if price <= 0 {
		return Level{}, false
	}
	qty := budget / price
	if qty < e.spec.MinOrderQty {
		qty = e.spec.MinOrderQty
	}
	if minQty := e.spec.MinNotional / price; qty < minQty {
		qty = minQty
	}
	qty = exchange.Float(exchange.FormatQuantity(qty, e.spec.QtyStep))
	if qty*price < e.spec.MinNotional {
		return Level{}, false
	}
	return Level{Side: side, Index: index, Price: price, Qty: qty}, true
}

// volatilityLocked estimates recent volatility as the mean absolute price
// change over the last two windows of history, as a fraction of center.
func (e *Engine) volatilityLocked(center float64) float64 {
	n := len(e.history)
	points := 2 * volatilityWindow
	if n < points || center <= 0 {
		return 0
	}
	recent := e.history[n-points:]
	var sum float64
	for i := 1; i < len(recent); i++ {
		sum += math.Abs(recent[i].price - recent[i-1].price)
	}
	return sum / float64(len(recent)-1) / center
}

// ShouldRecenter evaluates the rebuild triggers in fixed priority order
// against the resting orders fetched from the exchange and returns the first
// that fires. The band check reads the live orders, not the engine's last
// computed ladder: filled rungs shrink the real band and the cached one would
// be stale.
func (e *Engine) ShouldRecenter(currentPrice float64, open []exchange.Order, now time.Time) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(open) == 0 {
		return ReasonNoActiveOrders, true
	}

	// Band check only applies while both sides still rest on the book.
	lowestBuy, highestSell := liveBounds(open)
	if lowestBuy > 0 && highestSell > 0 {
		devPct := e.cfg.Recenter.PriceDeviationPct
		if upper := highestSell * (1 + devPct); currentPrice > upper {
			return fmt.Sprintf("%s: price %.4f above highest sell %.4f by %.2f%% (threshold %.1f%%)",
				ReasonPriceDeviation, currentPrice, highestSell,
				(currentPrice/highestSell-1)*100, devPct*100), true
		}
		if lower := lowestBuy * (1 - devPct); currentPrice < lower {
			return fmt.Sprintf("%s: price %.4f below lowest buy %.4f by %.2f%% (threshold %.1f%%)",
				ReasonPriceDeviation, currentPrice, lowestBuy,
				(1-currentPrice/lowestBuy)*100, devPct*100), true
		}
	}

	if !e.lastRecenter.IsZero() {
		age := now.Sub(e.lastRecenter)
		if age >= time.Duration(e.cfg.Recenter.TimeBasedHours*float64(time.Hour)) {
			return fmt.Sprintf("%s: %.1fh since last rebuild (limit %.0fh)",
				ReasonTimeBased, age.Hours(), e.cfg.Recenter.TimeBasedHours), true
		}
	}

	if frac, total, ok := e.oneSidedLocked(now); ok {
		return fmt.Sprintf("%s: %.0f%% of %d samples above center %.4f",
			ReasonOneSided, frac*100, total, e.centerPrice), true
	}
	if movePct, ok := e.pumpDumpLocked(now); ok {
		return fmt.Sprintf("%s: %.2f%% range over the last hour (threshold %.1f%%)",
			ReasonPumpDump, movePct*100, e.cfg.Recenter.PumpDumpPct*100), true
	}
	return "", false
}

// liveBounds derives the band edges from the resting orders. A zero edge
// means that side has no live orders.
func liveBounds(open []exchange.Order) (lowestBuy, highestSell float64) {
	for _, o := range open {
		price := exchange.Float(o.Price)
		if price <= 0 {
			continue
		}
		switch o.Side {
		case exchange.SideBuy:
			if lowestBuy == 0 || price < lowestBuy {
				lowestBuy = price
			}
		case exchange.SideSell:
			if price > highestSell {
				highestSell = price
			}
		}
	}
	return lowestBuy, highestSell
}

// oneSidedLocked reports whether price has stayed persistently on one side
// of center for the configured window, returning the above-center fraction
// and sample count for the trigger reason.
func (e *Engine) oneSidedLocked(now time.Time) (frac float64, total int, ok bool) {
	if e.centerPrice <= 0 {
		return 0, 0, false
	}
	cutoff := now.Add(-time.Duration(e.cfg.Recenter.OneSideHours * float64(time.Hour)))
	var above int
	for _, p := range e.history {
		if p.ts.Before(cutoff) {
			continue
		}
		total++
		if p.price > e.centerPrice {
			above++
		}
	}
	if total < minSamplesRequired {
		return 0, total, false
	}
	frac = float64(above) / float64(total)
	return frac, total, frac > oneSidedHighFrac || frac < oneSidedLowFrac
}

// pumpDumpLocked reports a fast vertical move: the min-to-max range over the
// last hour exceeding the configured fraction. Returns the observed range.
func (e *Engine) pumpDumpLocked(now time.Time) (movePct float64, ok bool) {
	cutoff := now.Add(-time.Hour)
	lo, hi := math.Inf(1), math.Inf(-1)
	var total int
	for _, p := range e.history {
		if p.ts.Before(cutoff) {
			continue
		}
		total++
		lo = math.Min(lo, p.price)
		hi = math.Max(hi, p.price)
	}
	if total < minSamplesRequired || lo <= 0 {
		return 0, false
	}
	movePct = (hi - lo) / lo
	return movePct, movePct >= e.cfg.Recenter.PumpDumpPct
}

// Setup builds the initial grid around the current market price, clearing
// any stray resting orders from a previous run first.
func (e *Engine) Setup(ctx context.Context) error {
	return e.rebuild(ctx, ReasonInitialSetup)
}

// Recenter tears down the ladder and rebuilds it around the current price.
// The new ladder is computed before any order is cancelled, so a computation
// failure leaves the existing grid untouched.
func (e *Engine) Recenter(ctx context.Context, reason string) error {
	return e.rebuild(ctx, reason)
}

// settleDelay gives the exchange time to process the cancel-all before the
// replacement ladder arrives.
const settleDelay = 500 * time.Millisecond

func (e *Engine) rebuild(ctx context.Context, reason string) error {
	symbol, category := e.cfg.Trading.Symbol, e.cfg.Trading.Category

	ticker, err := e.gateway.GetTicker(ctx, symbol, category)
	if err != nil {
		return fmt.Errorf("fetch ticker: %w", err)
	}
	center := exchange.Float(ticker.MarkPrice)
	if center <= 0 {
		center = exchange.Float(ticker.LastPrice)
	}

	e.mu.Lock()
	buys, sells, spacing, err := e.calculateLevelsLocked(center)
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("compute levels at %.6f: %w", center, err)
	}

	if err := e.gateway.CancelAllOrders(ctx, symbol, category); err != nil {
		return fmt.Errorf("cancel existing grid: %w", err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(settleDelay):
	}

	placed := e.placeLevels(ctx, append(append([]Level{}, buys...), sells...))
	if placed == 0 {
		return fmt.Errorf("placed no orders for grid at %.6f", center)
	}

	e.mu.Lock()
	e.centerPrice = center
	e.spacing = spacing
	e.buyLevels = buys
	e.sellLevels = sells
	e.lastRecenter = time.Now()
	snap := store.GridSnapshot{
		CenterPrice:   center,
		NumBuyLevels:  len(buys),
		NumSellLevels: len(sells),
		GridSpacing:   spacing,
		Reason:        reason,
	}
	if len(buys) > 0 {
		snap.LowestBuy = buys[len(buys)-1].Price
	}
	if len(sells) > 0 {
		snap.HighestSell = sells[len(sells)-1].Price
	}
	e.mu.Unlock()

	if err := e.rec.SaveGridHistory(ctx, snap); err != nil {
		e.logger.Warn("persist grid history failed", zap.Error(err))
	}
	if err := e.rec.LogEvent(ctx, "recenter", "INFO", "grid rebuilt", map[string]any{
		"reason": reason, "center": center, "buys": len(buys), "sells": len(sells),
	}); err != nil {
		e.logger.Warn("persist recenter event failed", zap.Error(err))
	}

	e.logger.Info("grid rebuilt",
		zap.String("reason", reason),
		zap.Float64("center", center),
		zap.Float64("spacing", spacing),
		zap.Int("buys", len(buys)),
		zap.Int("sells", len(sells)),
		zap.Int("placed", placed))
	return nil
}

// placeLevels submits one PostOnly limit order per level. Individual
// rejections (e.g. a sell leg crossing the book) are logged and skipped so a
// single bad level does not abort the whole ladder.
func (e *Engine) placeLevels(ctx context.Context, levels []Level) int {
	symbol, category := e.cfg.Trading.Symbol, e.cfg.Trading.Category
	placed := 0
	for _, lvl := range levels {
		res, err := e.gateway.PlaceOrder(ctx, exchange.PlaceOrderRequest{
			Symbol:      symbol,
			Category:    category,
			Side:        lvl.Side,
			OrderType:   exchange.OrderTypeLimit,
			Price:       exchange.FormatPrice(lvl.Price, e.spec.TickSize),
			Qty:         exchange.FormatQuantity(lvl.Qty, e.spec.QtyStep),
			TimeInForce: exchange.TimeInForcePostOnly,
		})
		if err != nil {
			e.logger.Warn("grid order rejected",
				zap.String("side", lvl.Side),
				zap.Int("level", lvl.Index),
				zap.Float64("price", lvl.Price),
				zap.Error(err))
			continue
		}
		placed++
		if err := e.rec.SaveOrder(ctx, store.OrderRecord{
			OrderID:   res.OrderID,
			Symbol:    symbol,
			Side:      lvl.Side,
			Price:     lvl.Price,
			Qty:       lvl.Qty,
			OrderType: exchange.OrderTypeLimit,
			Status:    "New",
			GridLevel: lvl.Index,
		}); err != nil {
			e.logger.Warn("persist order failed", zap.String("orderId", res.OrderID), zap.Error(err))
		}
	}
	return placed
}
