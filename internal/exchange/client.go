// Package exchange defines the five-operation boundary the execution core
// depends on, the error taxonomy its retry policy needs, and a simulated
// implementation used by paper trading and tests. All five operations are
// invoked only through a circuit breaker by the callers.
package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/nexium/tradecore/internal/model"
)

// ErrOrderNotFound is returned by CancelOrder and GetOrderStatus when the
// exchange does not know the order.
var ErrOrderNotFound = errors.New("order not found on exchange")

// OrderStatus is the exchange's view of an order.
type OrderStatus struct {
	ExchangeOrderID string
	Status          model.OrderStatus
	FilledQuantity  decimal.Decimal
	AvgFillPrice    decimal.Decimal
	Fee             decimal.Decimal
}

// Position is a position record as reported by the exchange. Equity and
// MaintenanceMargin are the exchange's own figures; margin ratio is derived
// from them, never extrapolated locally.
type Position struct {
	Symbol            string
	Side              model.Side
	Quantity          decimal.Decimal
	EntryPrice        decimal.Decimal
	MarkPrice         decimal.Decimal
	UnrealizedPnL     decimal.Decimal
	Equity            decimal.Decimal
	MaintenanceMargin decimal.Decimal
	LiquidationPrice  decimal.Decimal
}

// MarginRatio is equity divided by maintenance margin, as a percentage.
func (p Position) MarginRatio() decimal.Decimal {
	if p.MaintenanceMargin.IsZero() {
		return decimal.NewFromInt(10000)
	}
	return p.Equity.Div(p.MaintenanceMargin).Mul(decimal.NewFromInt(100))
}

// Client is the exchange boundary. Implementations enforce their own
// outbound call-rate cap, independent of the circuit breaker in front of
// them, and bound every call with the context deadline.
type Client interface {
	SubmitMarketOrder(ctx context.Context, symbol string, side model.Side, quantity decimal.Decimal) (string, error)
	SubmitLimitOrder(ctx context.Context, symbol string, side model.Side, quantity, price decimal.Decimal) (string, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	GetOrderStatus(ctx context.Context, symbol, exchangeOrderID string) (OrderStatus, error)
	ListPositions(ctx context.Context) ([]Position, error)
}

// APIError is a failure reported by the exchange API. Code follows HTTP
// semantics: 429 and 5xx are transient, the rest are permanent.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange api error %d: %s", e.Code, e.Message)
}

// Transient reports whether the failure is worth retrying.
func (e *APIError) Transient() bool {
	return e.Code == 429 || e.Code >= 500
}

// IsTransient classifies an error for the retry policy: timeouts, rate
// limiting and 5xx responses are transient; everything else is permanent.
func IsTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	return false
}
