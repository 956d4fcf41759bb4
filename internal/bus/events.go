package bus

import (
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nexium/tradecore/internal/model"
)

// Topic names are the fixed contract surface between the execution core and
// its neighbors. Each topic carries exactly one payload type, enforced at
// publish time.
const (
	TopicSignalGenerated = "signal_generated"
	TopicOrderCreated    = "order_created"
	TopicOrderFilled     = "order_filled"
	TopicPositionUpdated = "position_updated"
	TopicRiskAlert       = "risk_alert"
)

// Event is the immutable envelope published on the bus. Subscribers must
// treat it as read-only.
type Event struct {
	Topic     string
	Payload   interface{}
	EmittedAt time.Time
}

// SignalGenerated is published by the external strategy pipeline.
type SignalGenerated struct {
	Signal model.Signal `json:"signal"`
}

// OrderCreated reports the outcome of a signal's submission attempt.
type OrderCreated struct {
	OrderID         uuid.UUID         `json:"order_id"`
	ExchangeOrderID string            `json:"exchange_order_id,omitempty"`
	Symbol          string            `json:"symbol"`
	Side            model.Side        `json:"side"`
	Kind            model.OrderKind   `json:"kind"`
	Quantity        decimal.Decimal   `json:"quantity"`
	Price           decimal.Decimal   `json:"price,omitempty"`
	Status          model.OrderStatus `json:"status"`
	Error           string            `json:"error,omitempty"`
}

// OrderFilled reports a completed fill.
type OrderFilled struct {
	OrderID         uuid.UUID       `json:"order_id"`
	ExchangeOrderID string          `json:"exchange_order_id"`
	FilledPrice     decimal.Decimal `json:"filled_price"`
	FilledQuantity  decimal.Decimal `json:"filled_quantity"`
	Fee             decimal.Decimal `json:"fee"`
}

// PositionUpdated carries a refreshed position snapshot from the reconciler.
type PositionUpdated struct {
	PositionID       string               `json:"position_id"`
	Symbol           string               `json:"symbol"`
	Side             model.Side           `json:"side"`
	Quantity         decimal.Decimal      `json:"quantity"`
	EntryPrice       decimal.Decimal      `json:"entry_price"`
	CurrentPrice     decimal.Decimal      `json:"current_price"`
	UnrealizedPnL    decimal.Decimal      `json:"unrealized_pnl"`
	MarginRatio      decimal.Decimal      `json:"margin_ratio"`
	LiquidationPrice decimal.Decimal      `json:"liquidation_price"`
	Status           model.PositionStatus `json:"status"`
}

// Severity grades risk alerts.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityWarning  Severity = "WARNING"
	SeverityInfo     Severity = "INFO"
)

// Alert type values used across the core.
const (
	AlertRiskRejection       = "risk_rejection"
	AlertOrderFailed         = "order_failed"
	AlertLiquidationDetected = "liquidation_detected"
	AlertExternalPosition    = "external_position"
	AlertMarginCall          = "margin_call"
)

// RiskAlert is the operator-visible failure surface of the core.
type RiskAlert struct {
	AlertID   uuid.UUID              `json:"alert_id"`
	Severity  Severity               `json:"severity"`
	AlertType string                 `json:"alert_type"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

var payloadTypes = map[string]reflect.Type{
	TopicSignalGenerated: reflect.TypeOf(SignalGenerated{}),
	TopicOrderCreated:    reflect.TypeOf(OrderCreated{}),
	TopicOrderFilled:     reflect.TypeOf(OrderFilled{}),
	TopicPositionUpdated: reflect.TypeOf(PositionUpdated{}),
	TopicRiskAlert:       reflect.TypeOf(RiskAlert{}),
}

// Topics returns the fixed set of known topic names.
func Topics() []string {
	names := make([]string, 0, len(payloadTypes))
	for name := range payloadTypes {
		names = append(names, name)
	}
	return names
}
