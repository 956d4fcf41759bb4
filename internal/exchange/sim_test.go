package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nexium/tradecore/internal/model"
)

func newFastSim(t *testing.T, fillDelay time.Duration) *Sim {
	cfg := DefaultSimConfig()
	cfg.FillDelay = fillDelay
	cfg.RateLimitPerSec = 10_000
	cfg.Burst = 10_000
	return NewSim(cfg, zaptest.NewLogger(t))
}

func TestMarketOrderFillsAtMarkAfterDelay(t *testing.T) {
	s := newFastSim(t, 20*time.Millisecond)
	s.SetMarkPrice("BTC_USDT", decimal.NewFromInt(50_000))
	ctx := context.Background()

	id, err := s.SubmitMarketOrder(ctx, "BTC_USDT", model.SideLong, decimal.NewFromFloat(0.1))
	require.NoError(t, err)
	assert.Contains(t, id, "SIM-")

	status, err := s.GetOrderStatus(ctx, "BTC_USDT", id)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusSubmitted, status.Status)

	time.Sleep(25 * time.Millisecond)
	status, err = s.GetOrderStatus(ctx, "BTC_USDT", id)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFilled, status.Status)
	assert.True(t, status.FilledQuantity.Equal(decimal.NewFromFloat(0.1)))
	assert.True(t, status.AvgFillPrice.Equal(decimal.NewFromInt(50_000)))
	// 0.1 * 50000 * 0.001 fee rate
	assert.True(t, status.Fee.Equal(decimal.NewFromInt(5)), "fee was %s", status.Fee)
}

func TestLimitOrderFillsAtLimitPrice(t *testing.T) {
	s := newFastSim(t, 0)
	ctx := context.Background()

	id, err := s.SubmitLimitOrder(ctx, "ETH_USDT", model.SideShort, decimal.NewFromInt(2), decimal.NewFromInt(3_000))
	require.NoError(t, err)

	status, err := s.GetOrderStatus(ctx, "ETH_USDT", id)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFilled, status.Status)
	assert.True(t, status.AvgFillPrice.Equal(decimal.NewFromInt(3_000)))
}

func TestCancelBeforeFill(t *testing.T) {
	s := newFastSim(t, time.Hour)
	ctx := context.Background()

	id, err := s.SubmitMarketOrder(ctx, "BTC_USDT", model.SideLong, decimal.NewFromInt(1))
	require.NoError(t, err)
	require.NoError(t, s.CancelOrder(ctx, "BTC_USDT", id))

	status, err := s.GetOrderStatus(ctx, "BTC_USDT", id)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, status.Status)
}

func TestCancelAfterFillReportsNotFound(t *testing.T) {
	s := newFastSim(t, 0)
	ctx := context.Background()

	id, err := s.SubmitMarketOrder(ctx, "BTC_USDT", model.SideLong, decimal.NewFromInt(1))
	require.NoError(t, err)
	require.ErrorIs(t, s.CancelOrder(ctx, "BTC_USDT", id), ErrOrderNotFound)
}

func TestUnknownOrderReportsNotFound(t *testing.T) {
	s := newFastSim(t, 0)
	ctx := context.Background()
	_, err := s.GetOrderStatus(ctx, "BTC_USDT", "SIM-NOPE")
	require.ErrorIs(t, err, ErrOrderNotFound)
	require.ErrorIs(t, s.CancelOrder(ctx, "BTC_USDT", "SIM-NOPE"), ErrOrderNotFound)
}

func TestFailNextInjectsFailures(t *testing.T) {
	s := newFastSim(t, 0)
	ctx := context.Background()
	boom := &APIError{Code: 503, Message: "maintenance"}
	s.FailNext(2, boom)

	_, err := s.SubmitMarketOrder(ctx, "BTC_USDT", model.SideLong, decimal.NewFromInt(1))
	require.ErrorIs(t, err, boom)
	_, err = s.ListPositions(ctx)
	require.ErrorIs(t, err, boom)

	_, err = s.SubmitMarketOrder(ctx, "BTC_USDT", model.SideLong, decimal.NewFromInt(1))
	require.NoError(t, err, "injected failures are consumed")
}

func TestListPositionsReturnsCopy(t *testing.T) {
	s := newFastSim(t, 0)
	s.SetPositions([]Position{{Symbol: "BTC_USDT", Side: model.SideLong, Quantity: decimal.NewFromInt(1)}})

	got, err := s.ListPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	got[0].Symbol = "mutated"

	again, err := s.ListPositions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "BTC_USDT", again[0].Symbol)
}

func TestAPIErrorClassification(t *testing.T) {
	assert.True(t, IsTransient(&APIError{Code: 429}))
	assert.True(t, IsTransient(&APIError{Code: 500}))
	assert.True(t, IsTransient(&APIError{Code: 503}))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(&APIError{Code: 400}))
	assert.False(t, IsTransient(&APIError{Code: 404}))
	assert.False(t, IsTransient(ErrOrderNotFound))
}

func TestMarginRatio(t *testing.T) {
	p := Position{Equity: decimal.NewFromInt(1_200), MaintenanceMargin: decimal.NewFromInt(10_000)}
	assert.True(t, p.MarginRatio().Equal(decimal.NewFromInt(12)))

	noMargin := Position{Equity: decimal.NewFromInt(1_000)}
	assert.True(t, noMargin.MarginRatio().Equal(decimal.NewFromInt(10_000)))
}
