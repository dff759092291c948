// Package risk enforces the account-level safety rails: the daily-drawdown
// kill-switch, the exposure cap on new grid orders, per-order size limits,
// and the maker-price sanity check.
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/elisei1202/botgrid/config"
	"github.com/elisei1202/botgrid/exchange"
)

// Gateway is the slice of the exchange client the controller needs.
type Gateway interface {
	GetTicker(ctx context.Context, symbol, category string) (*exchange.Ticker, error)
	GetWalletBalance(ctx context.Context) (*exchange.WalletBalance, error)
	GetPositions(ctx context.Context, symbol, category string) ([]exchange.Position, error)
	CancelAllOrders(ctx context.Context, symbol, category string) error
}

// EventLogger persists risk events.
type EventLogger interface {
	LogEvent(ctx context.Context, eventType, severity, message string, details map[string]any) error
}

// Controller tracks the daily equity high-water mark and latches the
// kill-switch when drawdown from it breaches the configured limit. Once
// latched, only an explicit operator call releases it.
type Controller struct {
	gateway Gateway
	events  EventLogger
	cfg     *config.Config
	logger  *zap.Logger

	mu             sync.Mutex
	killSwitch     bool
	killReason     string
	dailyMaxEquity float64
	day            time.Time // UTC midnight of the tracked day
	lastEquity     float64
	lastDrawdown   float64
	lastExposure   float64
}

// Snapshot is a point-in-time view of the controller state for logging.
type Snapshot struct {
	KillSwitchActive bool
	KillReason       string
	Equity           float64
	DailyMaxEquity   float64
	Drawdown         float64
	Exposure         float64
}

// NewController builds a controller. The high-water mark starts at zero and
// seeds itself from the first equity update.
func NewController(cfg *config.Config, gw Gateway, events EventLogger, logger *zap.Logger) *Controller {
	return &Controller{
		gateway: gw,
		events:  events,
		cfg:     cfg,
		logger:  logger.Named("risk"),
	}
}

// KillSwitchActive reports whether trading is halted.
func (c *Controller) KillSwitchActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.killSwitch
}

// UpdateEquity folds a fresh equity reading into the daily high-water mark
// and returns the current drawdown fraction plus whether it breaches the
// kill-switch threshold. Crossing into a new UTC calendar day resets the
// high-water mark to the current equity.
func (c *Controller) UpdateEquity(equity float64, now time.Time) (drawdown float64, breached bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	day := now.UTC().Truncate(24 * time.Hour)
	if !day.Equal(c.day) {
		c.day = day
		c.dailyMaxEquity = equity
	}
	if equity > c.dailyMaxEquity {
		c.dailyMaxEquity = equity
	}
	if c.dailyMaxEquity > 0 {
		drawdown = (c.dailyMaxEquity - equity) / c.dailyMaxEquity
	}

	c.lastEquity = equity
	c.lastDrawdown = drawdown

	metricEquity.Set(equity)
	metricDailyMaxEquity.Set(c.dailyMaxEquity)
	metricDailyDrawdown.Set(drawdown)

	return drawdown, drawdown >= c.cfg.Risk.KillSwitchDrawdownPct
}

// Metrics returns the current controller state for the risk monitor log line.
func (c *Controller) Metrics() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		KillSwitchActive: c.killSwitch,
		KillReason:       c.killReason,
		Equity:           c.lastEquity,
		DailyMaxEquity:   c.dailyMaxEquity,
		Drawdown:         c.lastDrawdown,
		Exposure:         c.lastExposure,
	}
}

// CheckDrawdown fetches equity, updates the high-water mark, and latches the
// kill-switch if the daily drawdown limit is breached. Returns the drawdown.
func (c *Controller) CheckDrawdown(ctx context.Context, now time.Time) (float64, error) {
	wallet, err := c.gateway.GetWalletBalance(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch wallet balance: %w", err)
	}
	equity := exchange.Float(wallet.TotalEquity)

	drawdown, breached := c.UpdateEquity(equity, now)
	if breached {
		c.TriggerKillSwitch(ctx, fmt.Sprintf("daily drawdown %.2f%% breached limit %.2f%%",
			drawdown*100, c.cfg.Risk.KillSwitchDrawdownPct*100))
	}
	return drawdown, nil
}

// TriggerKillSwitch halts trading: cancels all resting orders and records a
// critical event. Idempotent; a latched switch triggers nothing further and
// keeps the reason it latched with.
func (c *Controller) TriggerKillSwitch(ctx context.Context, reason string) {
	c.mu.Lock()
	if c.killSwitch {
		c.mu.Unlock()
		return
	}
	c.killSwitch = true
	c.killReason = reason
	c.mu.Unlock()

	metricKillSwitch.Set(1)
	metricKillTriggers.Inc()
	c.logger.Error("kill switch triggered", zap.String("reason", reason))

	if err := c.gateway.CancelAllOrders(ctx, c.cfg.Trading.Symbol, c.cfg.Trading.Category); err != nil {
		c.logger.Error("cancel all during kill switch failed", zap.Error(err))
	}
	if err := c.events.LogEvent(ctx, "kill_switch", "CRITICAL", reason, nil); err != nil {
		c.logger.Error("persist kill switch event failed", zap.Error(err))
	}
}

// DeactivateKillSwitch releases the latch after operator review and resets
// the daily high-water mark to current equity so the bot does not re-trip on
// the drawdown that caused the halt. No-op when the switch is not active.
func (c *Controller) DeactivateKillSwitch(ctx context.Context) error {
	c.mu.Lock()
	if !c.killSwitch {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	wallet, err := c.gateway.GetWalletBalance(ctx)
	if err != nil {
		return fmt.Errorf("fetch wallet balance: %w", err)
	}
	equity := exchange.Float(wallet.TotalEquity)

	c.mu.Lock()
	c.killSwitch = false
	c.killReason = ""
	c.dailyMaxEquity = equity
	c.day = time.Now().UTC().Truncate(24 * time.Hour)
	c.mu.Unlock()

	metricKillSwitch.Set(0)
	c.logger.Warn("kill switch deactivated", zap.Float64("equity", equity))
	if err := c.events.LogEvent(ctx, "kill_switch_reset", "WARNING", "kill switch manually deactivated",
		map[string]any{"equity": equity}); err != nil {
		c.logger.Error("persist reset event failed", zap.Error(err))
	}
	return nil
}

// CheckMaxExposure reports whether new grid orders may be placed: total open
// position value must not exceed the configured fraction of equity. Exposure
// exactly at the cap still passes.
func (c *Controller) CheckMaxExposure(ctx context.Context) (bool, error) {
	wallet, err := c.gateway.GetWalletBalance(ctx)
	if err != nil {
		return false, fmt.Errorf("fetch wallet balance: %w", err)
	}
	equity := exchange.Float(wallet.TotalEquity)
	if equity <= 0 {
		return false, nil
	}

	positions, err := c.gateway.GetPositions(ctx, c.cfg.Trading.Symbol, c.cfg.Trading.Category)
	if err != nil {
		return false, fmt.Errorf("fetch positions: %w", err)
	}
	var value float64
	for _, p := range positions {
		value += exchange.Float(p.PositionValue)
	}

	exposure := value / equity
	c.mu.Lock()
	c.lastExposure = exposure
	c.mu.Unlock()
	metricExposure.Set(exposure)

	if exposure > c.cfg.Risk.MaxExposurePct {
		metricOrdersBlocked.Inc()
		c.logger.Warn("max exposure reached",
			zap.Float64("exposure", exposure),
			zap.Float64("limit", c.cfg.Risk.MaxExposurePct))
		if err := c.events.LogEvent(ctx, "max_exposure", "WARNING", "exposure cap reached, new orders blocked",
			map[string]any{"exposure": exposure, "limit": c.cfg.Risk.MaxExposurePct}); err != nil {
			c.logger.Error("persist exposure event failed", zap.Error(err))
		}
		return false, nil
	}
	return true, nil
}

// ValidateOrderSize reports whether a single order's notional stays under
// the per-order cap relative to equity.
func (c *Controller) ValidateOrderSize(qty, price, equity float64) bool {
	if equity <= 0 {
		return false
	}
	if qty*price > equity*c.cfg.Risk.MaxPositionSizePct {
		metricOrdersBlocked.Inc()
		return false
	}
	return true
}

// CheckOrderAsMaker reports whether a limit order at price would rest on the
// book rather than cross it. A ticker fetch failure returns true: the
// PostOnly flag on the order itself is the hard guarantee, this check only
// saves a round trip.
func (c *Controller) CheckOrderAsMaker(ctx context.Context, side string, price float64) bool {
	ticker, err := c.gateway.GetTicker(ctx, c.cfg.Trading.Symbol, c.cfg.Trading.Category)
	if err != nil {
		c.logger.Debug("maker check skipped, ticker unavailable", zap.Error(err))
		return true
	}
	switch side {
	case exchange.SideBuy:
		ask := exchange.Float(ticker.Ask1Price)
		return ask <= 0 || price < ask
	case exchange.SideSell:
		bid := exchange.Float(ticker.Bid1Price)
		return bid <= 0 || price > bid
	}
	return false
}
