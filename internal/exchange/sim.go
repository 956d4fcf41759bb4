package exchange

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nexium/tradecore/internal/model"
)

// SimConfig tunes the simulated exchange.
type SimConfig struct {
	// FillDelay is how long after submission an order reports filled.
	FillDelay time.Duration `mapstructure:"fill_delay"`
	// FeeRate is the taker fee applied to fills, e.g. 0.001 for 10 bps.
	FeeRate float64 `mapstructure:"fee_rate"`
	// RateLimitPerSec caps outbound calls; Burst is the bucket size.
	RateLimitPerSec float64 `mapstructure:"rate_limit_per_sec" validate:"gt=0"`
	Burst           int     `mapstructure:"burst" validate:"min=1"`
}

// DefaultSimConfig mirrors a fast paper-trading venue.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		FillDelay:       500 * time.Millisecond,
		FeeRate:         0.001,
		RateLimitPerSec: 10,
		Burst:           10,
	}
}

type simOrder struct {
	symbol      string
	side        model.Side
	quantity    decimal.Decimal
	price       decimal.Decimal
	submittedAt time.Time
	cancelled   bool
}

// Sim is an in-memory exchange used for paper trading and tests. Market
// orders fill at the configured mark price after FillDelay; limit orders
// fill at their limit price. Tests inject failures with FailNext and shape
// the position book with SetPositions.
type Sim struct {
	cfg     SimConfig
	logger  *zap.Logger
	limiter *rateLimiter

	mu         sync.Mutex
	orders     map[string]*simOrder
	positions  []Position
	marks      map[string]decimal.Decimal
	failuresN  int
	failureErr error
}

// NewSim creates a simulated exchange.
func NewSim(cfg SimConfig, logger *zap.Logger) *Sim {
	def := DefaultSimConfig()
	if cfg.RateLimitPerSec <= 0 {
		cfg.RateLimitPerSec = def.RateLimitPerSec
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	return &Sim{
		cfg:     cfg,
		logger:  logger,
		limiter: newRateLimiter(cfg.Burst, cfg.RateLimitPerSec),
		orders:  make(map[string]*simOrder),
		marks:   make(map[string]decimal.Decimal),
	}
}

// SetMarkPrice sets the fill price for market orders on a symbol.
func (s *Sim) SetMarkPrice(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[symbol] = price
}

// SetPositions replaces the simulated position book.
func (s *Sim) SetPositions(positions []Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = append([]Position(nil), positions...)
}

// FailNext makes the next n calls fail with err.
func (s *Sim) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failuresN = n
	s.failureErr = err
}

// gate applies the rate cap and any injected failure.
func (s *Sim) gate(ctx context.Context) error {
	if err := s.limiter.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failuresN > 0 {
		s.failuresN--
		return s.failureErr
	}
	return nil
}

func (s *Sim) SubmitMarketOrder(ctx context.Context, symbol string, side model.Side, quantity decimal.Decimal) (string, error) {
	if err := s.gate(ctx); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	price, ok := s.marks[symbol]
	if !ok {
		price = decimal.NewFromInt(1)
	}
	id := "SIM-" + strings.ToUpper(uuid.NewString()[:8])
	s.orders[id] = &simOrder{
		symbol:      symbol,
		side:        side,
		quantity:    quantity,
		price:       price,
		submittedAt: time.Now(),
	}
	s.logger.Debug("sim order accepted",
		zap.String("exchange_order_id", id),
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.String("quantity", quantity.String()))
	return id, nil
}

func (s *Sim) SubmitLimitOrder(ctx context.Context, symbol string, side model.Side, quantity, price decimal.Decimal) (string, error) {
	if err := s.gate(ctx); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := "SIM-" + strings.ToUpper(uuid.NewString()[:8])
	s.orders[id] = &simOrder{
		symbol:      symbol,
		side:        side,
		quantity:    quantity,
		price:       price,
		submittedAt: time.Now(),
	}
	return id, nil
}

func (s *Sim) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	if err := s.gate(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[exchangeOrderID]
	if !ok || order.symbol != symbol {
		return ErrOrderNotFound
	}
	if time.Since(order.submittedAt) >= s.cfg.FillDelay {
		// Already filled; too late to cancel.
		return ErrOrderNotFound
	}
	order.cancelled = true
	return nil
}

func (s *Sim) GetOrderStatus(ctx context.Context, symbol, exchangeOrderID string) (OrderStatus, error) {
	if err := s.gate(ctx); err != nil {
		return OrderStatus{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[exchangeOrderID]
	if !ok || order.symbol != symbol {
		return OrderStatus{}, ErrOrderNotFound
	}
	status := OrderStatus{ExchangeOrderID: exchangeOrderID, Status: model.OrderStatusSubmitted}
	switch {
	case order.cancelled:
		status.Status = model.OrderStatusCancelled
	case time.Since(order.submittedAt) >= s.cfg.FillDelay:
		status.Status = model.OrderStatusFilled
		status.FilledQuantity = order.quantity
		status.AvgFillPrice = order.price
		status.Fee = order.quantity.Mul(order.price).Mul(decimal.NewFromFloat(s.cfg.FeeRate))
	}
	return status, nil
}

func (s *Sim) ListPositions(ctx context.Context) ([]Position, error) {
	if err := s.gate(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Position(nil), s.positions...), nil
}
