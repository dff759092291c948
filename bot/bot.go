// Package bot wires the grid engine, risk controller, exchange gateway, and
// state store together and runs the monitoring loops.
package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/elisei1202/botgrid/config"
	"github.com/elisei1202/botgrid/exchange"
	"github.com/elisei1202/botgrid/grid"
	"github.com/elisei1202/botgrid/risk"
	"github.com/elisei1202/botgrid/store"
)

// Gateway is the full exchange surface the orchestrator needs.
type Gateway interface {
	grid.Gateway
	GetWalletBalance(ctx context.Context) (*exchange.WalletBalance, error)
	GetPositions(ctx context.Context, symbol, category string) ([]exchange.Position, error)
	GetExecutions(ctx context.Context, symbol, category string, limit int) ([]exchange.Execution, error)
	SetLeverage(ctx context.Context, symbol, category string, leverage int) error
}

// Bot runs the trading loops for a single symbol.
type Bot struct {
	cfg     *config.Config
	profile config.Profile
	spec    exchange.InstrumentSpec
	gateway Gateway
	engine  *grid.Engine
	risk    *risk.Controller
	store   *store.Store
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// tradeMu serializes grid rebuilds against fill handling so a recenter
	// never interleaves its cancel-all with a take-profit placement.
	tradeMu sync.Mutex

	sampleMu     sync.Mutex
	lastSampleAt time.Time
}

// New assembles a bot from already-constructed components.
func New(cfg *config.Config, profile config.Profile, spec exchange.InstrumentSpec, gw Gateway, engine *grid.Engine, riskCtl *risk.Controller, st *store.Store, logger *zap.Logger) *Bot {
	return &Bot{
		cfg:     cfg,
		profile: profile,
		spec:    spec,
		gateway: gw,
		engine:  engine,
		risk:    riskCtl,
		store:   st,
		logger:  logger.Named("bot"),
	}
}

// Start sets leverage, persists the active configuration, builds the initial
// grid, and launches the monitoring loops. Refuses to start while the
// kill-switch is latched.
func (b *Bot) Start(ctx context.Context) error {
	if b.risk.KillSwitchActive() {
		return fmt.Errorf("kill switch active, refusing to start")
	}
	b.ctx, b.cancel = context.WithCancel(ctx)

	symbol, category := b.cfg.Trading.Symbol, b.cfg.Trading.Category
	if err := b.gateway.SetLeverage(b.ctx, symbol, category, b.cfg.Trading.Leverage); err != nil {
		return fmt.Errorf("set leverage: %w", err)
	}

	if err := b.store.SaveConfig(b.ctx, store.ConfigRecord{
		ProfileName:    b.cfg.Trading.Profile,
		Symbol:         symbol,
		GridSpacing:    b.profile.GridSpacing,
		TargetLevels:   b.profile.TargetLevels,
		ProfitTarget:   b.profile.ProfitTarget,
		MaxExposurePct: b.cfg.Risk.MaxExposurePct,
		Leverage:       b.cfg.Trading.Leverage,
	}); err != nil {
		return fmt.Errorf("persist active config: %w", err)
	}

	if prev, err := b.store.GetLatestGrid(b.ctx); err == nil && prev != nil {
		b.logger.Info("previous grid on record",
			zap.Float64("center", prev.CenterPrice),
			zap.String("reason", prev.Reason))
	}

	if err := b.engine.Setup(b.ctx); err != nil {
		b.cancel()
		return fmt.Errorf("initial grid setup: %w", err)
	}

	b.runLoop("fills", b.cfg.Monitoring.FillInterval, b.checkFills)
	b.runLoop("grid", b.cfg.Monitoring.GridInterval, b.checkGrid)
	b.runLoop("risk", b.cfg.Monitoring.RiskInterval, b.checkRisk)
	b.runLoop("snapshot", b.cfg.Monitoring.SnapshotInterval, b.takeSnapshot)

	b.logger.Info("bot started",
		zap.String("symbol", symbol),
		zap.Int("leverage", b.cfg.Trading.Leverage),
		zap.Float64("capital", b.cfg.Trading.InitialCapital))
	return nil
}

// Stop halts the loops and cancels all resting orders. Safe to call once
// after a successful Start.
func (b *Bot) Stop() {
	b.cancel()
	b.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if !b.risk.KillSwitchActive() {
		if err := b.gateway.CancelAllOrders(ctx, b.cfg.Trading.Symbol, b.cfg.Trading.Category); err != nil {
			b.logger.Error("cancel all on shutdown failed", zap.Error(err))
		}
	}
	if err := b.store.LogEvent(ctx, "shutdown", "INFO", "bot stopped", nil); err != nil {
		b.logger.Warn("persist shutdown event failed", zap.Error(err))
	}
	b.logger.Info("bot stopped")
}

// HandleTick is the market data stream callback. Samples are throttled to
// one per minute so the rolling history keeps its intended resolution.
func (b *Bot) HandleTick(symbol string, price float64, ts time.Time) {
	if symbol != b.cfg.Trading.Symbol || price <= 0 {
		return
	}
	b.recordSample(price, ts)
}

func (b *Bot) recordSample(price float64, ts time.Time) {
	b.sampleMu.Lock()
	defer b.sampleMu.Unlock()
	if ts.Sub(b.lastSampleAt) < time.Minute {
		return
	}
	b.lastSampleAt = ts
	b.engine.RecordPrice(price, ts)
}

// runLoop runs fn on a fixed interval until the bot context is cancelled.
// A panic in one iteration is logged and the loop keeps going.
func (b *Bot) runLoop(name string, interval time.Duration, fn func(ctx context.Context)) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-b.ctx.Done():
				return
			case <-ticker.C:
				func() {
					defer func() {
						if r := recover(); r != nil {
							b.logger.Error("loop iteration panicked",
								zap.String("loop", name), zap.Any("panic", r))
						}
					}()
					fn(b.ctx)
				}()
			}
		}
	}()
}

// checkFills picks up new executions, records them, and places the
// take-profit counter-order for each fresh fill.
func (b *Bot) checkFills(ctx context.Context) {
	if b.risk.KillSwitchActive() {
		return
	}
	symbol, category := b.cfg.Trading.Symbol, b.cfg.Trading.Category

	execs, err := b.gateway.GetExecutions(ctx, symbol, category, 50)
	if err != nil {
		b.logger.Warn("fetch executions failed", zap.Error(err))
		return
	}

	for _, ex := range execs {
		inserted, err := b.store.SaveTrade(ctx, store.TradeRecord{
			TradeID:     ex.ExecID,
			OrderID:     ex.OrderID,
			Symbol:      ex.Symbol,
			Side:        ex.Side,
			Price:       exchange.Float(ex.ExecPrice),
			Qty:         exchange.Float(ex.ExecQty),
			Fee:         exchange.Float(ex.ExecFee),
			FeeCurrency: "USDT",
			IsMaker:     ex.IsMaker,
		})
		if err != nil {
			b.logger.Warn("persist trade failed", zap.String("execId", ex.ExecID), zap.Error(err))
			continue
		}
		if !inserted {
			continue
		}

		now := time.Now()
		if err := b.store.UpdateOrderStatus(ctx, ex.OrderID, "Filled", &now); err != nil {
			b.logger.Warn("update order status failed", zap.String("orderId", ex.OrderID), zap.Error(err))
		}
		b.logger.Info("fill detected",
			zap.String("side", ex.Side),
			zap.String("price", ex.ExecPrice),
			zap.String("qty", ex.ExecQty),
			zap.Bool("maker", ex.IsMaker))

		b.placeTakeProfit(ctx, ex)
	}
}

// placeTakeProfit submits the opposite-side limit order one profit-target
// away from the fill price.
func (b *Bot) placeTakeProfit(ctx context.Context, ex exchange.Execution) {
	fillPrice := exchange.Float(ex.ExecPrice)
	qty := exchange.Float(ex.ExecQty)
	if fillPrice <= 0 || qty <= 0 {
		return
	}

	side := exchange.SideSell
	tpPrice := fillPrice * (1 + b.profile.ProfitTarget)
	if ex.Side == exchange.SideSell {
		side = exchange.SideBuy
		tpPrice = fillPrice * (1 - b.profile.ProfitTarget)
	}
	tpPrice = exchange.Float(exchange.FormatPrice(tpPrice, b.spec.TickSize))

	if qty*tpPrice < b.spec.MinNotional {
		b.logger.Debug("take profit below min notional, skipping",
			zap.Float64("notional", qty*tpPrice))
		return
	}
	if wallet, err := b.gateway.GetWalletBalance(ctx); err == nil {
		if !b.risk.ValidateOrderSize(qty, tpPrice, exchange.Float(wallet.TotalEquity)) {
			b.logger.Warn("take profit exceeds per-order size cap, skipping",
				zap.Float64("price", tpPrice), zap.Float64("qty", qty))
			return
		}
	}
	if !b.risk.CheckOrderAsMaker(ctx, side, tpPrice) {
		b.logger.Warn("take profit would cross the book, skipping",
			zap.String("side", side), zap.Float64("price", tpPrice))
		return
	}

	b.tradeMu.Lock()
	defer b.tradeMu.Unlock()

	res, err := b.gateway.PlaceOrder(ctx, exchange.PlaceOrderRequest{
		Symbol:      b.cfg.Trading.Symbol,
		Category:    b.cfg.Trading.Category,
		Side:        side,
		OrderType:   exchange.OrderTypeLimit,
		Price:       exchange.FormatPrice(tpPrice, b.spec.TickSize),
		Qty:         exchange.FormatQuantity(qty, b.spec.QtyStep),
		TimeInForce: exchange.TimeInForcePostOnly,
	})
	if err != nil {
		b.logger.Warn("take profit placement failed", zap.Error(err))
		return
	}
	if err := b.store.SaveOrder(ctx, store.OrderRecord{
		OrderID:   res.OrderID,
		Symbol:    b.cfg.Trading.Symbol,
		Side:      side,
		Price:     tpPrice,
		Qty:       qty,
		OrderType: exchange.OrderTypeLimit,
		Status:    "New",
	}); err != nil {
		b.logger.Warn("persist take profit order failed", zap.Error(err))
	}
	b.logger.Info("take profit placed",
		zap.String("side", side), zap.Float64("price", tpPrice), zap.Float64("qty", qty))
}

// checkGrid samples the price, evaluates the recenter triggers, and rebuilds
// the ladder when one fires and exposure allows it.
func (b *Bot) checkGrid(ctx context.Context) {
	if b.risk.KillSwitchActive() {
		return
	}
	symbol, category := b.cfg.Trading.Symbol, b.cfg.Trading.Category

	ticker, err := b.gateway.GetTicker(ctx, symbol, category)
	if err != nil {
		b.logger.Warn("fetch ticker failed", zap.Error(err))
		return
	}
	price := exchange.Float(ticker.MarkPrice)
	if price <= 0 {
		price = exchange.Float(ticker.LastPrice)
	}
	if price <= 0 {
		return
	}
	// Fallback sampling path when the websocket stream is down; the
	// throttle in recordSample dedups against live ticks.
	b.recordSample(price, time.Now())

	open, err := b.gateway.GetOpenOrders(ctx, symbol, category)
	if err != nil {
		b.logger.Warn("fetch open orders failed", zap.Error(err))
		return
	}

	reason, ok := b.engine.ShouldRecenter(price, open, time.Now())
	if !ok {
		return
	}

	allowed, err := b.risk.CheckMaxExposure(ctx)
	if err != nil {
		b.logger.Warn("exposure check failed", zap.Error(err))
		return
	}
	if !allowed {
		b.logger.Warn("recenter deferred, exposure cap reached", zap.String("reason", reason))
		return
	}

	b.tradeMu.Lock()
	defer b.tradeMu.Unlock()
	if err := b.engine.Recenter(ctx, reason); err != nil {
		b.logger.Error("recenter failed", zap.String("reason", reason), zap.Error(err))
	}
}

// checkRisk refreshes equity and exposure and lets the controller latch the
// kill-switch on a drawdown breach.
func (b *Bot) checkRisk(ctx context.Context) {
	wasActive := b.risk.KillSwitchActive()
	dd, err := b.risk.CheckDrawdown(ctx, time.Now())
	if err != nil {
		b.logger.Warn("drawdown check failed", zap.Error(err))
		return
	}
	if !wasActive && b.risk.KillSwitchActive() {
		b.logger.Error("trading halted by kill switch",
			zap.Float64("drawdown", dd),
			zap.String("reason", b.risk.Metrics().KillReason))
		return
	}
	if _, err := b.risk.CheckMaxExposure(ctx); err != nil {
		b.logger.Warn("exposure check failed", zap.Error(err))
	}

	snap := b.risk.Metrics()
	b.logger.Info("risk check",
		zap.Float64("equity", snap.Equity),
		zap.Float64("dailyMax", snap.DailyMaxEquity),
		zap.Float64("drawdown", snap.Drawdown),
		zap.Float64("exposure", snap.Exposure))
}

// takeSnapshot persists an equity snapshot and refreshes the PnL rollups.
func (b *Bot) takeSnapshot(ctx context.Context) {
	wallet, err := b.gateway.GetWalletBalance(ctx)
	if err != nil {
		b.logger.Warn("fetch wallet for snapshot failed", zap.Error(err))
		return
	}

	positions, err := b.gateway.GetPositions(ctx, b.cfg.Trading.Symbol, b.cfg.Trading.Category)
	if err != nil {
		b.logger.Warn("fetch positions for snapshot failed", zap.Error(err))
		return
	}
	var posValue float64
	for _, p := range positions {
		posValue += exchange.Float(p.PositionValue)
	}

	if err := b.store.SaveEquitySnapshot(ctx, store.EquitySnapshot{
		TotalEquity:         exchange.Float(wallet.TotalEquity),
		AvailableBalance:    exchange.Float(wallet.TotalAvailableBalance),
		UnrealizedPnL:       exchange.Float(wallet.TotalPerpUPL),
		TotalPositionsValue: posValue,
	}); err != nil {
		b.logger.Warn("persist equity snapshot failed", zap.Error(err))
	}

	for _, period := range []string{"24h", "7d", "30d"} {
		if err := b.store.CalcAndSavePnL(ctx, period); err != nil {
			b.logger.Warn("pnl rollup failed", zap.String("period", period), zap.Error(err))
		}
	}

	trades, err := b.store.GetTradeCount(ctx, 24)
	if err != nil {
		return
	}
	stats := b.engine.Stats()
	b.logger.Info("snapshot",
		zap.Float64("equity", exchange.Float(wallet.TotalEquity)),
		zap.Float64("positionsValue", posValue),
		zap.Int("trades24h", trades),
		zap.Float64("gridCenter", stats.CenterPrice))
}
