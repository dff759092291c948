package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/elisei1202/botgrid/config"
	"github.com/elisei1202/botgrid/exchange"
)

type fakeGateway struct {
	equity    string
	walletErr error
	positions []exchange.Position
	ticker    *exchange.Ticker
	tickerErr error
	cancelled int
}

func (g *fakeGateway) GetTicker(ctx context.Context, symbol, category string) (*exchange.Ticker, error) {
	if g.tickerErr != nil {
		return nil, g.tickerErr
	}
	return g.ticker, nil
}

func (g *fakeGateway) GetWalletBalance(ctx context.Context) (*exchange.WalletBalance, error) {
	if g.walletErr != nil {
		return nil, g.walletErr
	}
	return &exchange.WalletBalance{TotalEquity: g.equity}, nil
}

func (g *fakeGateway) GetPositions(ctx context.Context, symbol, category string) ([]exchange.Position, error) {
	return g.positions, nil
}

func (g *fakeGateway) CancelAllOrders(ctx context.Context, symbol, category string) error {
	g.cancelled++
	return nil
}

type fakeEvents struct {
	logged []string
}

func (e *fakeEvents) LogEvent(ctx context.Context, eventType, severity, message string, details map[string]any) error {
	e.logged = append(e.logged, eventType+":"+severity)
	return nil
}

func newTestController(gw *fakeGateway, ev *fakeEvents) *Controller {
	cfg := config.Default()
	return NewController(cfg, gw, ev, zap.NewNop())
}

func TestUpdateEquityDrawdown(t *testing.T) {
	c := newTestController(&fakeGateway{}, &fakeEvents{})
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	dd, breached := c.UpdateEquity(100, now)
	assert.Zero(t, dd)
	assert.False(t, breached)

	// 10% down from the daily high breaches the 5% limit
	dd, breached = c.UpdateEquity(90, now.Add(time.Hour))
	assert.InDelta(t, 0.10, dd, 1e-9)
	assert.True(t, breached)
}

func TestUpdateEquityTracksNewHigh(t *testing.T) {
	c := newTestController(&fakeGateway{}, &fakeEvents{})
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	c.UpdateEquity(100, now)
	c.UpdateEquity(110, now.Add(time.Hour))

	dd, breached := c.UpdateEquity(106, now.Add(2*time.Hour))
	assert.InDelta(t, 4.0/110.0, dd, 1e-9)
	assert.False(t, breached)
}

func TestDayRolloverResetsHighWaterMark(t *testing.T) {
	c := newTestController(&fakeGateway{}, &fakeEvents{})
	day1 := time.Date(2026, 8, 26, 23, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 27, 1, 0, 0, 0, time.UTC)

	c.UpdateEquity(100, day1)
	dd, breached := c.UpdateEquity(92, day2)

	assert.Zero(t, dd, "new day seeds the mark from current equity")
	assert.False(t, breached)
}

func TestKillSwitchIdempotent(t *testing.T) {
	gw := &fakeGateway{}
	ev := &fakeEvents{}
	c := newTestController(gw, ev)
	ctx := context.Background()

	c.TriggerKillSwitch(ctx, "drawdown breached")
	c.TriggerKillSwitch(ctx, "manual halt")

	assert.True(t, c.KillSwitchActive())
	assert.Equal(t, 1, gw.cancelled, "cancel-all runs once")
	require.Len(t, ev.logged, 1)
	assert.Equal(t, "kill_switch:CRITICAL", ev.logged[0])
	assert.Equal(t, "drawdown breached", c.Metrics().KillReason,
		"second trigger does not overwrite the original reason")
}

func TestCheckDrawdownLatchesKillSwitch(t *testing.T) {
	gw := &fakeGateway{equity: "100"}
	ev := &fakeEvents{}
	c := newTestController(gw, ev)
	ctx := context.Background()
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	_, err := c.CheckDrawdown(ctx, now)
	require.NoError(t, err)
	assert.False(t, c.KillSwitchActive())

	gw.equity = "94"
	dd, err := c.CheckDrawdown(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 0.06, dd, 1e-9)
	assert.True(t, c.KillSwitchActive())
}

func TestDeactivateKillSwitch(t *testing.T) {
	gw := &fakeGateway{equity: "94"}
	ev := &fakeEvents{}
	c := newTestController(gw, ev)
	ctx := context.Background()

	// No-op when not latched.
	require.NoError(t, c.DeactivateKillSwitch(ctx))
	assert.Empty(t, ev.logged)

	c.TriggerKillSwitch(ctx, "test")
	assert.Equal(t, "test", c.Metrics().KillReason)
	require.NoError(t, c.DeactivateKillSwitch(ctx))
	assert.False(t, c.KillSwitchActive())
	assert.Empty(t, c.Metrics().KillReason, "reason cleared on deactivation")

	// High-water mark reseeded at 94: being 6% below the old peak no
	// longer counts as drawdown.
	dd, breached := c.UpdateEquity(94, time.Now())
	assert.Zero(t, dd)
	assert.False(t, breached)
}

func TestCheckMaxExposure(t *testing.T) {
	gw := &fakeGateway{
		equity: "100",
		positions: []exchange.Position{
			{PositionValue: "50"},
			{PositionValue: "25"},
		},
	}
	ev := &fakeEvents{}
	c := newTestController(gw, ev)
	ctx := context.Background()

	ok, err := c.CheckMaxExposure(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "75% exposure is under the 80% cap")
	assert.Empty(t, ev.logged)

	gw.positions = append(gw.positions, exchange.Position{PositionValue: "5"})
	ok, err = c.CheckMaxExposure(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "exactly at the 80% cap still passes")
	assert.Empty(t, ev.logged)

	gw.positions = append(gw.positions, exchange.Position{PositionValue: "5"})
	ok, err = c.CheckMaxExposure(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "85% exposure hits the cap")
	require.Len(t, ev.logged, 1)
	assert.Equal(t, "max_exposure:WARNING", ev.logged[0])

	assert.InDelta(t, 0.85, c.Metrics().Exposure, 1e-9)
}

func TestCheckMaxExposureWalletError(t *testing.T) {
	gw := &fakeGateway{walletErr: errors.New("timeout")}
	c := newTestController(gw, &fakeEvents{})

	ok, err := c.CheckMaxExposure(context.Background())
	require.Error(t, err)
	assert.False(t, ok)
}

func TestValidateOrderSize(t *testing.T) {
	c := newTestController(&fakeGateway{}, &fakeEvents{})

	assert.True(t, c.ValidateOrderSize(10, 2, 100), "20 <= 25% of 100")
	assert.False(t, c.ValidateOrderSize(10, 3, 100), "30 > 25% of 100")
	assert.False(t, c.ValidateOrderSize(1, 1, 0))
}

func TestCheckOrderAsMaker(t *testing.T) {
	gw := &fakeGateway{ticker: &exchange.Ticker{Bid1Price: "99.9", Ask1Price: "100.1"}}
	c := newTestController(gw, &fakeEvents{})
	ctx := context.Background()

	assert.True(t, c.CheckOrderAsMaker(ctx, exchange.SideBuy, 99.5))
	assert.False(t, c.CheckOrderAsMaker(ctx, exchange.SideBuy, 100.1), "crossing the ask would take")
	assert.True(t, c.CheckOrderAsMaker(ctx, exchange.SideSell, 100.5))
	assert.False(t, c.CheckOrderAsMaker(ctx, exchange.SideSell, 99.9))
}

func TestCheckOrderAsMakerTickerFailureAllows(t *testing.T) {
	gw := &fakeGateway{tickerErr: errors.New("timeout")}
	c := newTestController(gw, &fakeEvents{})

	assert.True(t, c.CheckOrderAsMaker(context.Background(), exchange.SideBuy, 100))
}
