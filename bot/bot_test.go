package bot

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/elisei1202/botgrid/config"
	"github.com/elisei1202/botgrid/exchange"
	"github.com/elisei1202/botgrid/grid"
	"github.com/elisei1202/botgrid/risk"
	"github.com/elisei1202/botgrid/store"
)

// fakeGateway implements the full Gateway surface for orchestrator tests.
type fakeGateway struct {
	mu        sync.Mutex
	markPrice string
	bid, ask  string
	equity    string
	positions []exchange.Position
	execs     []exchange.Execution
	open      []exchange.Order
	placed    []exchange.PlaceOrderRequest
	cancelled int
	leverage  int
	nextID    int
}

func (g *fakeGateway) GetTicker(ctx context.Context, symbol, category string) (*exchange.Ticker, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return &exchange.Ticker{
		Symbol: symbol, MarkPrice: g.markPrice, LastPrice: g.markPrice,
		Bid1Price: g.bid, Ask1Price: g.ask,
	}, nil
}

func (g *fakeGateway) PlaceOrder(ctx context.Context, req exchange.PlaceOrderRequest) (*exchange.PlaceOrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.placed = append(g.placed, req)
	g.nextID++
	return &exchange.PlaceOrderResult{OrderID: fmt.Sprintf("ord-%d", g.nextID)}, nil
}

func (g *fakeGateway) CancelAllOrders(ctx context.Context, symbol, category string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled++
	return nil
}

func (g *fakeGateway) GetOpenOrders(ctx context.Context, symbol, category string) ([]exchange.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open, nil
}

func (g *fakeGateway) GetWalletBalance(ctx context.Context) (*exchange.WalletBalance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return &exchange.WalletBalance{TotalEquity: g.equity, TotalAvailableBalance: g.equity}, nil
}

func (g *fakeGateway) GetPositions(ctx context.Context, symbol, category string) ([]exchange.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.positions, nil
}

func (g *fakeGateway) GetExecutions(ctx context.Context, symbol, category string, limit int) ([]exchange.Execution, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.execs, nil
}

func (g *fakeGateway) SetLeverage(ctx context.Context, symbol, category string, leverage int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.leverage = leverage
	return nil
}

func (g *fakeGateway) placedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.placed)
}

func newTestBot(t *testing.T, gw *fakeGateway) *Bot {
	t.Helper()

	cfg := config.Default()
	cfg.Trading.Symbol = "XRPUSDT"
	cfg.Trading.InitialCapital = 100
	cfg.Trading.Leverage = 3
	cfg.Trading.Profile = "Normal"

	profile := config.Profile{GridSpacing: 0.01, TargetLevels: 3, ProfitTarget: 0.01}
	spec := exchange.InstrumentSpec{MinOrderQty: 0.01, QtyStep: "0.01", TickSize: "0.01", MinNotional: 5}
	logger := zap.NewNop()

	st, err := store.Open(filepath.Join(t.TempDir(), "bot.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	engine := grid.NewEngine(cfg, profile, spec, gw, st, logger)
	riskCtl := risk.NewController(cfg, gw, st, logger)

	return New(cfg, profile, spec, gw, engine, riskCtl, st, logger)
}

func TestStartBuildsGridAndSetsLeverage(t *testing.T) {
	gw := &fakeGateway{markPrice: "100", equity: "100"}
	b := newTestBot(t, gw)

	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	assert.Equal(t, 3, gw.leverage)
	assert.Equal(t, 6, gw.placedCount(), "three levels per side")

	active, err := b.store.GetActiveConfig(context.Background())
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "Normal", active.ProfileName)
}

func TestStartRefusedWhileKillSwitchActive(t *testing.T) {
	gw := &fakeGateway{markPrice: "100", equity: "100"}
	b := newTestBot(t, gw)

	b.risk.TriggerKillSwitch(context.Background(), "test")
	require.Error(t, b.Start(context.Background()))
	assert.Zero(t, gw.placedCount())
}

func TestCheckFillsPlacesTakeProfit(t *testing.T) {
	gw := &fakeGateway{
		markPrice: "100", equity: "100",
		bid: "99.9", ask: "100.1",
		execs: []exchange.Execution{{
			ExecID: "e1", OrderID: "o1", Symbol: "XRPUSDT",
			Side: exchange.SideBuy, ExecPrice: "99.00", ExecQty: "0.20",
			ExecFee: "0.001", IsMaker: true,
		}},
	}
	b := newTestBot(t, gw)
	ctx := context.Background()

	b.checkFills(ctx)

	require.Equal(t, 1, gw.placedCount())
	tp := gw.placed[0]
	assert.Equal(t, exchange.SideSell, tp.Side)
	assert.Equal(t, "99.99", tp.Price, "fill price plus 1% profit target")
	assert.Equal(t, "0.20", tp.Qty)
	assert.Equal(t, exchange.TimeInForcePostOnly, tp.TimeInForce)

	// Same execution seen again next poll: no duplicate take profit.
	b.checkFills(ctx)
	assert.Equal(t, 1, gw.placedCount())
}

func TestCheckFillsSellFillBuysBack(t *testing.T) {
	gw := &fakeGateway{
		markPrice: "100", equity: "100",
		bid: "99.9", ask: "100.1",
		execs: []exchange.Execution{{
			ExecID: "e2", OrderID: "o2", Symbol: "XRPUSDT",
			Side: exchange.SideSell, ExecPrice: "101.00", ExecQty: "0.20",
			ExecFee: "0.001", IsMaker: true,
		}},
	}
	b := newTestBot(t, gw)

	b.checkFills(context.Background())

	require.Equal(t, 1, gw.placedCount())
	tp := gw.placed[0]
	assert.Equal(t, exchange.SideBuy, tp.Side)
	assert.Equal(t, "99.99", tp.Price, "fill price minus 1% profit target")
}

func TestTakeProfitSkippedOverSizeCap(t *testing.T) {
	gw := &fakeGateway{
		markPrice: "100", equity: "100",
		bid: "99.9", ask: "100.1",
		execs: []exchange.Execution{{
			ExecID: "e9", OrderID: "o9", Symbol: "XRPUSDT",
			Side: exchange.SideBuy, ExecPrice: "99.00", ExecQty: "0.50",
			ExecFee: "0.001", IsMaker: true,
		}},
	}
	b := newTestBot(t, gw)

	// 0.50 * ~100 is half the account, over the 25% per-order cap.
	b.checkFills(context.Background())
	assert.Zero(t, gw.placedCount())
}

func TestCheckFillsSkippedWhileHalted(t *testing.T) {
	gw := &fakeGateway{
		markPrice: "100", equity: "100",
		execs: []exchange.Execution{{
			ExecID: "e3", OrderID: "o3", Symbol: "XRPUSDT",
			Side: exchange.SideBuy, ExecPrice: "99", ExecQty: "1",
		}},
	}
	b := newTestBot(t, gw)
	b.risk.TriggerKillSwitch(context.Background(), "test")
	gw.mu.Lock()
	gw.cancelled = 0
	gw.mu.Unlock()

	b.checkFills(context.Background())
	assert.Zero(t, gw.placedCount())
}

func TestCheckGridRecentersOnDeviation(t *testing.T) {
	gw := &fakeGateway{
		markPrice: "100", equity: "100",
		open: []exchange.Order{
			{OrderID: "o1", Side: exchange.SideBuy, Price: "97.00"},
			{OrderID: "o2", Side: exchange.SideSell, Price: "103.00"},
		},
	}
	b := newTestBot(t, gw)
	ctx := context.Background()

	require.NoError(t, b.engine.Setup(ctx))
	before := gw.placedCount()

	// Price blows through the top of the band.
	gw.mu.Lock()
	gw.markPrice = "110"
	setupCancels := gw.cancelled
	gw.mu.Unlock()

	b.checkGrid(ctx)

	gw.mu.Lock()
	defer gw.mu.Unlock()
	assert.Equal(t, setupCancels+1, gw.cancelled, "old ladder torn down")
	assert.Greater(t, len(gw.placed), before, "new ladder placed")
	assert.Equal(t, 110.0, b.engine.Stats().CenterPrice)
}

func TestCheckGridDeferredAtExposureCap(t *testing.T) {
	gw := &fakeGateway{
		markPrice: "100", equity: "100",
		open: []exchange.Order{
			{OrderID: "o1", Side: exchange.SideBuy, Price: "97.00"},
			{OrderID: "o2", Side: exchange.SideSell, Price: "103.00"},
		},
		positions: []exchange.Position{{PositionValue: "85"}},
	}
	b := newTestBot(t, gw)
	ctx := context.Background()

	require.NoError(t, b.engine.Setup(ctx))
	gw.mu.Lock()
	gw.markPrice = "110"
	before := len(gw.placed)
	setupCancels := gw.cancelled
	gw.mu.Unlock()

	b.checkGrid(ctx)

	gw.mu.Lock()
	defer gw.mu.Unlock()
	assert.Equal(t, setupCancels, gw.cancelled, "85% exposure blocks the rebuild")
	assert.Equal(t, before, len(gw.placed))
}

func TestCheckRiskLatchesKillSwitch(t *testing.T) {
	gw := &fakeGateway{markPrice: "100", equity: "100"}
	b := newTestBot(t, gw)
	ctx := context.Background()

	b.checkRisk(ctx)
	assert.False(t, b.risk.KillSwitchActive())

	gw.mu.Lock()
	gw.equity = "90"
	gw.mu.Unlock()

	b.checkRisk(ctx)
	assert.True(t, b.risk.KillSwitchActive())

	gw.mu.Lock()
	cancelled := gw.cancelled
	gw.mu.Unlock()
	assert.Equal(t, 1, cancelled, "kill switch cancels resting orders")
}

func TestSnapshotPersistsEquity(t *testing.T) {
	gw := &fakeGateway{
		markPrice: "100", equity: "123.45",
		positions: []exchange.Position{{PositionValue: "40"}},
	}
	b := newTestBot(t, gw)
	ctx := context.Background()

	b.takeSnapshot(ctx)

	snaps, err := b.store.GetEquitySnapshots(ctx, 1)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, 123.45, snaps[0].TotalEquity)
	assert.Equal(t, 40.0, snaps[0].TotalPositionsValue)
}

func TestHandleTickThrottlesSamples(t *testing.T) {
	gw := &fakeGateway{markPrice: "100", equity: "100"}
	b := newTestBot(t, gw)

	now := time.Now()
	b.HandleTick("XRPUSDT", 100, now)
	b.HandleTick("XRPUSDT", 100.5, now.Add(5*time.Second))
	b.HandleTick("XRPUSDT", 101, now.Add(61*time.Second))
	b.HandleTick("BTCUSDT", 50000, now.Add(2*time.Minute)) // wrong symbol

	b.sampleMu.Lock()
	last := b.lastSampleAt
	b.sampleMu.Unlock()
	assert.Equal(t, now.Add(61*time.Second), last)
}

func TestStopCancelsOrders(t *testing.T) {
	gw := &fakeGateway{markPrice: "100", equity: "100"}
	b := newTestBot(t, gw)

	require.NoError(t, b.Start(context.Background()))
	gw.mu.Lock()
	startCancels := gw.cancelled
	gw.mu.Unlock()

	b.Stop()

	gw.mu.Lock()
	defer gw.mu.Unlock()
	assert.Equal(t, startCancels+1, gw.cancelled)
}
