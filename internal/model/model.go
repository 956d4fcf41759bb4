// Package model holds the domain types shared across the execution core:
// signals, orders, positions and risk verdicts.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is the direction of a position or order.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// SignalKind enumerates the intents a strategy can express.
type SignalKind string

const (
	SignalEntryLong  SignalKind = "entry_long"
	SignalEntryShort SignalKind = "entry_short"
	SignalExitLong   SignalKind = "exit_long"
	SignalExitShort  SignalKind = "exit_short"
)

// Signal is a strategy's request to open or adjust a position. SignalID is
// the idempotency key: the order manager processes each ID at most once.
type Signal struct {
	SignalID          string                 `json:"signal_id"`
	Kind              SignalKind             `json:"signal_kind"`
	Symbol            string                 `json:"symbol"`
	Side              Side                   `json:"side"`
	Quantity          decimal.Decimal        `json:"quantity"`
	Price             decimal.Decimal        `json:"price,omitempty"`
	StrategyID        string                 `json:"strategy_id"`
	EmittedAt         time.Time              `json:"emitted_at"`
	IndicatorSnapshot map[string]interface{} `json:"indicator_snapshot,omitempty"`
}

// OrderKind distinguishes market from limit orders.
type OrderKind string

const (
	OrderKindMarket OrderKind = "market"
	OrderKindLimit  OrderKind = "limit"
)

// OrderStatus is the order lifecycle state machine.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusFailed          OrderStatus = "failed"
)

// Terminal reports whether the status ends the order lifecycle.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusFailed:
		return true
	}
	return false
}

var validTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:         {OrderStatusSubmitted, OrderStatusFailed, OrderStatusCancelled},
	OrderStatusSubmitted:       {OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCancelled, OrderStatusFailed},
	OrderStatusPartiallyFilled: {OrderStatusFilled, OrderStatusCancelled, OrderStatusFailed},
	OrderStatusFilled:          {},
	OrderStatusCancelled:       {},
	OrderStatusFailed:          {},
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to OrderStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Order is a single exchange instruction tracked through its lifecycle.
// It is owned exclusively by the order manager.
type Order struct {
	ID                uuid.UUID       `json:"order_id"`
	ExchangeOrderID   string          `json:"exchange_order_id,omitempty"`
	SignalID          string          `json:"signal_id"`
	Symbol            string          `json:"symbol"`
	Side              Side            `json:"side"`
	Kind              OrderKind       `json:"kind"`
	RequestedQuantity decimal.Decimal `json:"requested_quantity"`
	RequestedPrice    decimal.Decimal `json:"requested_price,omitempty"`
	FilledQuantity    decimal.Decimal `json:"filled_quantity"`
	AverageFillPrice  decimal.Decimal `json:"average_fill_price"`
	Status            OrderStatus     `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	LastError         string          `json:"last_error,omitempty"`
}

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	PositionStatusOpen       PositionStatus = "open"
	PositionStatusClosed     PositionStatus = "closed"
	PositionStatusLiquidated PositionStatus = "liquidated"
)

// Position is an open exposure. The authoritative copy lives on the
// exchange; the local copy is a cache the reconciler refreshes every cycle.
type Position struct {
	Symbol           string          `json:"symbol"`
	Side             Side            `json:"side"`
	Quantity         decimal.Decimal `json:"quantity"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	CurrentPrice     decimal.Decimal `json:"current_price"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	MarginRatio      decimal.Decimal `json:"margin_ratio"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	Status           PositionStatus  `json:"status"`
}

// Key identifies a position for reconciliation purposes.
func (p Position) Key() string {
	return p.Symbol + "/" + string(p.Side)
}

// Notional is quantity times current price (entry price when the position
// has not been marked yet).
func (p Position) Notional() decimal.Decimal {
	price := p.CurrentPrice
	if price.IsZero() {
		price = p.EntryPrice
	}
	return p.Quantity.Mul(price)
}

// RiskCheckResult is the verdict of a risk evaluation. Created fresh per
// evaluation, never mutated afterwards.
type RiskCheckResult struct {
	CanProceed bool   `json:"can_proceed"`
	Reason     string `json:"reason,omitempty"`
	RiskScore  int    `json:"risk_score"`
}
