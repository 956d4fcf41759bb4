package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nexium/tradecore/internal/backoff"
	"github.com/nexium/tradecore/internal/breaker"
	"github.com/nexium/tradecore/internal/bus"
	"github.com/nexium/tradecore/internal/exchange"
	"github.com/nexium/tradecore/internal/model"
)

type collector struct {
	mu     sync.Mutex
	events []bus.Event
}

func (c *collector) handler(id string) bus.Handler {
	return bus.HandlerFunc(id, func(_ context.Context, e bus.Event) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.events = append(c.events, e)
		return nil
	})
}

func (c *collector) alerts(alertType string) []bus.RiskAlert {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []bus.RiskAlert
	for _, e := range c.events {
		if e.Topic != bus.TopicRiskAlert {
			continue
		}
		alert := e.Payload.(bus.RiskAlert)
		if alert.AlertType == alertType {
			out = append(out, alert)
		}
	}
	return out
}

func (c *collector) updates() []bus.PositionUpdated {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []bus.PositionUpdated
	for _, e := range c.events {
		if e.Topic == bus.TopicPositionUpdated {
			out = append(out, e.Payload.(bus.PositionUpdated))
		}
	}
	return out
}

type testEnv struct {
	rec *Reconciler
	sim *exchange.Sim
	col *collector
}

func newTestEnv(t *testing.T) *testEnv {
	logger := zaptest.NewLogger(t)
	eventBus := bus.New(logger, bus.WithRetrySchedule(backoff.Schedule{}))

	simCfg := exchange.DefaultSimConfig()
	simCfg.RateLimitPerSec = 10_000
	simCfg.Burst = 10_000
	sim := exchange.NewSim(simCfg, logger)

	cfg := DefaultConfig()
	cfg.Interval = time.Hour // cycles are driven manually in tests
	rec := New(cfg, logger, eventBus, sim, breaker.New(breaker.DefaultConfig("recon-test"), logger))

	col := &collector{}
	require.NoError(t, eventBus.Subscribe(bus.TopicRiskAlert, col.handler("test-alerts")))
	require.NoError(t, eventBus.Subscribe(bus.TopicPositionUpdated, col.handler("test-updates")))
	return &testEnv{rec: rec, sim: sim, col: col}
}

func localPosition(symbol string) model.Position {
	return model.Position{
		Symbol:       symbol,
		Side:         model.SideLong,
		Quantity:     decimal.NewFromFloat(0.5),
		EntryPrice:   decimal.NewFromInt(48_000),
		CurrentPrice: decimal.NewFromInt(48_000),
		Status:       model.PositionStatusOpen,
	}
}

func remotePosition(symbol string) exchange.Position {
	return exchange.Position{
		Symbol:            symbol,
		Side:              model.SideLong,
		Quantity:          decimal.NewFromFloat(0.5),
		EntryPrice:        decimal.NewFromInt(48_000),
		MarkPrice:         decimal.NewFromInt(50_000),
		UnrealizedPnL:     decimal.NewFromInt(1_000),
		Equity:            decimal.NewFromInt(101_000),
		MaintenanceMargin: decimal.NewFromInt(1_000),
		LiquidationPrice:  decimal.NewFromInt(30_000),
	}
}

func TestLocalOnlyRaisesLiquidationAlertOnce(t *testing.T) {
	env := newTestEnv(t)
	env.rec.Track(localPosition("BTC_USDT"))
	ctx := context.Background()

	report, err := env.rec.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC_USDT/long"}, report.LocalOnly)

	alerts := env.col.alerts(bus.AlertLiquidationDetected)
	require.Len(t, alerts, 1)
	assert.Equal(t, bus.SeverityCritical, alerts[0].Severity)
	assert.Empty(t, env.rec.Positions(), "vanished position is dropped from the local book")

	// Second cycle: nothing left to flag.
	report, err = env.rec.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.LocalOnly)
	assert.Len(t, env.col.alerts(bus.AlertLiquidationDetected), 1, "alert fires once, not every cycle")
}

func TestExchangeOnlyAdoptsWithWarning(t *testing.T) {
	env := newTestEnv(t)
	env.sim.SetPositions([]exchange.Position{remotePosition("ETH_USDT")})
	ctx := context.Background()

	report, err := env.rec.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ETH_USDT/long"}, report.ExchangeOnly)

	alerts := env.col.alerts(bus.AlertExternalPosition)
	require.Len(t, alerts, 1)
	assert.Equal(t, bus.SeverityWarning, alerts[0].Severity)

	positions := env.rec.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, "ETH_USDT", positions[0].Symbol)
	assert.Equal(t, model.PositionStatusOpen, positions[0].Status)

	// Adopted position matches from the next cycle on.
	report, err = env.rec.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ETH_USDT/long"}, report.Matched)
	assert.Len(t, env.col.alerts(bus.AlertExternalPosition), 1)
}

func TestMatchedPositionRefreshPublishesUpdate(t *testing.T) {
	env := newTestEnv(t)
	env.rec.Track(localPosition("BTC_USDT"))
	env.sim.SetPositions([]exchange.Position{remotePosition("BTC_USDT")})

	report, err := env.rec.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC_USDT/long"}, report.Matched)

	updates := env.col.updates()
	require.Len(t, updates, 1)
	update := updates[0]
	assert.Equal(t, "BTC_USDT/long", update.PositionID)
	assert.True(t, update.CurrentPrice.Equal(decimal.NewFromInt(50_000)), "mark price taken from the exchange")
	assert.True(t, update.UnrealizedPnL.Equal(decimal.NewFromInt(1_000)))
	// 101000 equity / 1000 maintenance margin
	assert.True(t, update.MarginRatio.Equal(decimal.NewFromInt(10_100)))
	assert.Empty(t, env.col.alerts(bus.AlertMarginCall))
}

func TestLowMarginRatioRaisesMarginCall(t *testing.T) {
	env := newTestEnv(t)
	env.rec.Track(localPosition("BTC_USDT"))
	remote := remotePosition("BTC_USDT")
	remote.Equity = decimal.NewFromInt(120)
	remote.MaintenanceMargin = decimal.NewFromInt(1_000) // ratio 12%, threshold 15%
	env.sim.SetPositions([]exchange.Position{remote})

	_, err := env.rec.Reconcile(context.Background())
	require.NoError(t, err)

	alerts := env.col.alerts(bus.AlertMarginCall)
	require.Len(t, alerts, 1)
	assert.Equal(t, bus.SeverityCritical, alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "12.00")
}

func TestReconcileErrorLeavesBookUntouched(t *testing.T) {
	env := newTestEnv(t)
	env.rec.Track(localPosition("BTC_USDT"))
	env.sim.FailNext(1, &exchange.APIError{Code: 503, Message: "maintenance"})

	_, err := env.rec.Reconcile(context.Background())
	require.Error(t, err)
	assert.Len(t, env.rec.Positions(), 1, "a failed cycle must not drop local state")
	assert.Empty(t, env.col.alerts(bus.AlertLiquidationDetected))
}

func fillEvents(symbol string, qty, price int64) (bus.Event, bus.Event) {
	orderID := uuid.New()
	created := bus.Event{
		Topic: bus.TopicOrderCreated,
		Payload: bus.OrderCreated{
			OrderID: orderID,
			Symbol:  symbol,
			Side:    model.SideLong,
			Kind:    model.OrderKindMarket,
			Status:  model.OrderStatusSubmitted,
		},
	}
	filled := bus.Event{
		Topic: bus.TopicOrderFilled,
		Payload: bus.OrderFilled{
			OrderID:        orderID,
			FilledQuantity: decimal.NewFromInt(qty),
			FilledPrice:    decimal.NewFromInt(price),
		},
	}
	return created, filled
}

func TestFillsBuildLocalBookWithWeightedEntry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	created, filled := fillEvents("BTC_USDT", 1, 100)
	require.NoError(t, env.rec.onOrderCreated(ctx, created))
	require.NoError(t, env.rec.onOrderFilled(ctx, filled))

	created, filled = fillEvents("BTC_USDT", 1, 200)
	require.NoError(t, env.rec.onOrderCreated(ctx, created))
	require.NoError(t, env.rec.onOrderFilled(ctx, filled))

	positions := env.rec.Positions()
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Quantity.Equal(decimal.NewFromInt(2)))
	assert.True(t, positions[0].EntryPrice.Equal(decimal.NewFromInt(150)), "entry averages across fills")
}

func TestFailedOrderNeverReachesBook(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	created, filled := fillEvents("BTC_USDT", 1, 100)
	payload := created.Payload.(bus.OrderCreated)
	payload.Status = model.OrderStatusFailed
	created.Payload = payload

	require.NoError(t, env.rec.onOrderCreated(ctx, created))
	require.NoError(t, env.rec.onOrderFilled(ctx, filled))
	assert.Empty(t, env.rec.Positions())
}

func TestDailyPnLMeasuresIntradayDelta(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	remote := remotePosition("BTC_USDT")
	env.sim.SetPositions([]exchange.Position{remote})
	_, err := env.rec.Reconcile(ctx)
	require.NoError(t, err)

	portfolio, err := env.rec.Portfolio(ctx)
	require.NoError(t, err)
	assert.True(t, portfolio.DailyPnL.IsZero(),
		"the first cycle of the day sets the baseline, got %s", portfolio.DailyPnL)

	// Open P&L drops from 1000 to 400: the day's loss is 600, not the
	// absolute unrealized figure.
	remote.UnrealizedPnL = decimal.NewFromInt(400)
	env.sim.SetPositions([]exchange.Position{remote})
	_, err = env.rec.Reconcile(ctx)
	require.NoError(t, err)

	portfolio, err = env.rec.Portfolio(ctx)
	require.NoError(t, err)
	assert.True(t, portfolio.DailyPnL.Equal(decimal.NewFromInt(-600)),
		"daily pnl was %s", portfolio.DailyPnL)
}

func TestPortfolioSnapshot(t *testing.T) {
	env := newTestEnv(t)
	pos := localPosition("BTC_USDT")
	pos.UnrealizedPnL = decimal.NewFromInt(500)
	env.rec.Track(pos)

	portfolio, err := env.rec.Portfolio(context.Background())
	require.NoError(t, err)
	assert.True(t, portfolio.TotalCapital.Equal(decimal.NewFromInt(100_000)))
	assert.True(t, portfolio.Equity.Equal(decimal.NewFromInt(100_500)))
	assert.True(t, portfolio.EquityPeak.Equal(decimal.NewFromInt(100_500)))
	// 0.5 BTC at the 48k mark
	assert.True(t, portfolio.MarginUsed.Equal(decimal.NewFromInt(24_000)))
	require.Len(t, portfolio.Positions, 1)
}
