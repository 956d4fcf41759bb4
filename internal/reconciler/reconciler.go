// Package reconciler keeps the locally-cached position state honest: every
// cycle it diffs the local book against the exchange's authoritative list,
// flags liquidations and externally-opened positions, and refreshes margin
// figures straight from the exchange's numbers.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nexium/tradecore/internal/breaker"
	"github.com/nexium/tradecore/internal/bus"
	"github.com/nexium/tradecore/internal/exchange"
	"github.com/nexium/tradecore/internal/model"
	"github.com/nexium/tradecore/internal/risk"
	"github.com/nexium/tradecore/pkg/metrics"
)

const fillHandlerID = "position-reconciler-fills"
const createHandlerID = "position-reconciler-orders"

// Config tunes the reconciler.
type Config struct {
	Interval       time.Duration `mapstructure:"interval" validate:"min=1s"`
	MarginAlertPct float64       `mapstructure:"margin_alert_pct" validate:"gt=0,lte=100"`
	// AccountCapital is the configured base capital used for portfolio
	// snapshots supplied to the risk manager.
	AccountCapital float64 `mapstructure:"account_capital" validate:"gt=0"`
}

// DefaultConfig returns the 10s interval / 15% margin threshold defaults.
func DefaultConfig() Config {
	return Config{
		Interval:       10 * time.Second,
		MarginAlertPct: 15,
		AccountCapital: 100000,
	}
}

// Report classifies one reconciliation cycle's findings by position key
// (symbol/side).
type Report struct {
	Matched      []string
	LocalOnly    []string
	ExchangeOnly []string
}

// Reconciler periodically diffs local positions against the exchange. The
// local book is owned by the reconciler alone; it is built from order fill
// events and corrected from the exchange every cycle.
type Reconciler struct {
	cfg    Config
	logger *zap.Logger
	bus    *bus.Bus
	exch   exchange.Client
	brk    *breaker.Breaker

	mu             sync.Mutex
	local          map[string]*model.Position
	orderMeta      map[uuid.UUID]orderMeta
	dailyPnL       decimal.Decimal
	dayStartEquity decimal.Decimal
	equityPeak     decimal.Decimal
	pnlDay         time.Time

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

type orderMeta struct {
	symbol string
	side   model.Side
}

// New creates a reconciler.
func New(cfg Config, logger *zap.Logger, eventBus *bus.Bus, client exchange.Client, brk *breaker.Breaker) *Reconciler {
	return &Reconciler{
		cfg:       cfg,
		logger:    logger,
		bus:       eventBus,
		exch:      client,
		brk:       brk,
		local:     make(map[string]*model.Position),
		orderMeta: make(map[uuid.UUID]orderMeta),
		pnlDay:    time.Now().UTC().Truncate(24 * time.Hour),
	}
}

// Start subscribes to order events and launches the reconciliation loop.
func (r *Reconciler) Start() error {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.started {
		return errors.New("reconciler already started")
	}
	if err := r.bus.Subscribe(bus.TopicOrderCreated, bus.HandlerFunc(createHandlerID, r.onOrderCreated)); err != nil {
		return err
	}
	if err := r.bus.Subscribe(bus.TopicOrderFilled, bus.HandlerFunc(fillHandlerID, r.onOrderFilled)); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.started = true
	r.wg.Add(1)
	go r.loop(ctx)

	r.logger.Info("position reconciler started", zap.Duration("interval", r.cfg.Interval))
	return nil
}

// Stop cancels the loop and waits for it.
func (r *Reconciler) Stop() {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if !r.started {
		return
	}
	for _, sub := range []struct{ topic, id string }{
		{bus.TopicOrderCreated, createHandlerID},
		{bus.TopicOrderFilled, fillHandlerID},
	} {
		if err := r.bus.Unsubscribe(sub.topic, sub.id); err != nil && !errors.Is(err, bus.ErrShutdown) {
			r.logger.Warn("unsubscribe failed", zap.String("topic", sub.topic), zap.Error(err))
		}
	}
	r.cancel()
	r.wg.Wait()
	r.started = false
	r.logger.Info("position reconciler stopped")
}

func (r *Reconciler) loop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Reconcile(ctx); err != nil {
				// Reconciliation self-heals on the next tick; a single
				// miss is logged, never fatal.
				metrics.ReconcileCycles.WithLabelValues("skipped").Inc()
				r.logger.Warn("reconciliation cycle skipped", zap.Error(err))
			} else {
				metrics.ReconcileCycles.WithLabelValues("ok").Inc()
			}
		}
	}
}

// onOrderCreated remembers symbol/side per order so fills can be applied to
// the right position later.
func (r *Reconciler) onOrderCreated(_ context.Context, event bus.Event) error {
	payload := event.Payload.(bus.OrderCreated)
	r.mu.Lock()
	defer r.mu.Unlock()
	if payload.Status == model.OrderStatusFailed {
		delete(r.orderMeta, payload.OrderID)
		return nil
	}
	r.orderMeta[payload.OrderID] = orderMeta{symbol: payload.Symbol, side: payload.Side}
	return nil
}

// onOrderFilled folds a fill into the local book.
func (r *Reconciler) onOrderFilled(_ context.Context, event bus.Event) error {
	payload := event.Payload.(bus.OrderFilled)
	r.mu.Lock()
	defer r.mu.Unlock()
	meta, ok := r.orderMeta[payload.OrderID]
	if !ok {
		r.logger.Debug("fill for unknown order", zap.String("order_id", payload.OrderID.String()))
		return nil
	}
	delete(r.orderMeta, payload.OrderID)

	key := meta.symbol + "/" + string(meta.side)
	pos, ok := r.local[key]
	if !ok {
		r.local[key] = &model.Position{
			Symbol:       meta.symbol,
			Side:         meta.side,
			Quantity:     payload.FilledQuantity,
			EntryPrice:   payload.FilledPrice,
			CurrentPrice: payload.FilledPrice,
			Status:       model.PositionStatusOpen,
		}
		return nil
	}
	// Weighted average entry across fills.
	oldNotional := pos.Quantity.Mul(pos.EntryPrice)
	addNotional := payload.FilledQuantity.Mul(payload.FilledPrice)
	newQty := pos.Quantity.Add(payload.FilledQuantity)
	if newQty.IsPositive() {
		pos.EntryPrice = oldNotional.Add(addNotional).Div(newQty)
	}
	pos.Quantity = newQty
	return nil
}

// Track seeds a local position directly. Used by wiring and tests.
func (r *Reconciler) Track(p model.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := p
	r.local[p.Key()] = &cp
}

// Reconcile fetches the exchange position list and diffs it against the
// local book. Callable on demand as well as from the loop.
func (r *Reconciler) Reconcile(ctx context.Context) (Report, error) {
	var remote []exchange.Position
	err := r.brk.Call(ctx, func(ctx context.Context) error {
		var lerr error
		remote, lerr = r.exch.ListPositions(ctx)
		return lerr
	})
	if err != nil {
		return Report{}, fmt.Errorf("list positions: %w", err)
	}

	remoteByKey := make(map[string]exchange.Position, len(remote))
	for _, p := range remote {
		remoteByKey[p.Symbol+"/"+string(p.Side)] = p
	}

	var report Report
	var updates []bus.PositionUpdated
	var alerts []bus.RiskAlert

	r.mu.Lock()
	for key, local := range r.local {
		rp, ok := remoteByKey[key]
		if !ok {
			// Gone from the exchange: liquidation or out-of-band close.
			report.LocalOnly = append(report.LocalOnly, key)
			local.Status = model.PositionStatusLiquidated
			delete(r.local, key)
			alerts = append(alerts, bus.RiskAlert{
				AlertID:   uuid.New(),
				Severity:  bus.SeverityCritical,
				AlertType: bus.AlertLiquidationDetected,
				Message:   fmt.Sprintf("position %s disappeared from exchange: liquidation or manual close", key),
				Details: map[string]interface{}{
					"symbol":   local.Symbol,
					"side":     string(local.Side),
					"quantity": local.Quantity.String(),
				},
			})
			continue
		}
		report.Matched = append(report.Matched, key)
		marginRatio := rp.MarginRatio()
		local.Quantity = rp.Quantity
		local.CurrentPrice = rp.MarkPrice
		local.UnrealizedPnL = rp.UnrealizedPnL
		local.MarginRatio = marginRatio
		local.LiquidationPrice = rp.LiquidationPrice
		updates = append(updates, bus.PositionUpdated{
			PositionID:       key,
			Symbol:           local.Symbol,
			Side:             local.Side,
			Quantity:         local.Quantity,
			EntryPrice:       local.EntryPrice,
			CurrentPrice:     local.CurrentPrice,
			UnrealizedPnL:    local.UnrealizedPnL,
			MarginRatio:      marginRatio,
			LiquidationPrice: local.LiquidationPrice,
			Status:           local.Status,
		})
		if marginRatio.LessThan(decimal.NewFromFloat(r.cfg.MarginAlertPct)) {
			alerts = append(alerts, bus.RiskAlert{
				AlertID:   uuid.New(),
				Severity:  bus.SeverityCritical,
				AlertType: bus.AlertMarginCall,
				Message:   fmt.Sprintf("margin ratio for %s dropped to %s%%", key, marginRatio.StringFixed(2)),
				Details: map[string]interface{}{
					"symbol":       local.Symbol,
					"side":         string(local.Side),
					"margin_ratio": marginRatio.String(),
				},
			})
		}
	}
	for key, rp := range remoteByKey {
		if _, ok := r.local[key]; ok {
			continue
		}
		// Opened outside this process; adopt it so the next cycle treats
		// it as matched, and warn once on detection.
		report.ExchangeOnly = append(report.ExchangeOnly, key)
		r.local[key] = &model.Position{
			Symbol:           rp.Symbol,
			Side:             rp.Side,
			Quantity:         rp.Quantity,
			EntryPrice:       rp.EntryPrice,
			CurrentPrice:     rp.MarkPrice,
			UnrealizedPnL:    rp.UnrealizedPnL,
			MarginRatio:      rp.MarginRatio(),
			LiquidationPrice: rp.LiquidationPrice,
			Status:           model.PositionStatusOpen,
		}
		alerts = append(alerts, bus.RiskAlert{
			AlertID:   uuid.New(),
			Severity:  bus.SeverityWarning,
			AlertType: bus.AlertExternalPosition,
			Message:   fmt.Sprintf("position %s exists on exchange but was not opened here", key),
			Details: map[string]interface{}{
				"symbol":   rp.Symbol,
				"side":     string(rp.Side),
				"quantity": rp.Quantity.String(),
			},
		})
	}
	r.refreshEquityLocked(remote)
	r.mu.Unlock()

	for range report.LocalOnly {
		metrics.ReconcileDrift.WithLabelValues("local_only").Inc()
	}
	for range report.ExchangeOnly {
		metrics.ReconcileDrift.WithLabelValues("exchange_only").Inc()
	}

	for _, update := range updates {
		if err := r.bus.Publish(ctx, bus.Event{Topic: bus.TopicPositionUpdated, Payload: update}); err != nil {
			r.logger.Error("publish position_updated", zap.Error(err))
		}
	}
	for _, alert := range alerts {
		if err := r.bus.Publish(ctx, bus.Event{Topic: bus.TopicRiskAlert, Payload: alert}); err != nil {
			r.logger.Error("publish risk_alert", zap.Error(err))
		}
	}
	return report, nil
}

// refreshEquityLocked recomputes the running equity figures the portfolio
// snapshot reports. Daily P&L is the delta against the equity baseline taken
// at the first cycle of each UTC day, not the raw open P&L. Must be called
// with the lock held.
func (r *Reconciler) refreshEquityLocked(remote []exchange.Position) {
	unrealized := decimal.Zero
	for _, p := range remote {
		unrealized = unrealized.Add(p.UnrealizedPnL)
	}
	equity := decimal.NewFromFloat(r.cfg.AccountCapital).Add(unrealized)

	today := time.Now().UTC().Truncate(24 * time.Hour)
	if r.dayStartEquity.IsZero() || today.After(r.pnlDay) {
		r.pnlDay = today
		r.dayStartEquity = equity
	}
	r.dailyPnL = equity.Sub(r.dayStartEquity)
	if equity.GreaterThan(r.equityPeak) {
		r.equityPeak = equity
	}
}

// Positions returns a copy of the local book.
func (r *Reconciler) Positions() []model.Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Position, 0, len(r.local))
	for _, p := range r.local {
		out = append(out, *p)
	}
	return out
}

// Portfolio implements orders.PortfolioSource: it assembles the account
// state the risk manager judges proposed changes against.
func (r *Reconciler) Portfolio(_ context.Context) (risk.Portfolio, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	capital := decimal.NewFromFloat(r.cfg.AccountCapital)
	unrealized := decimal.Zero
	margin := decimal.Zero
	positions := make([]model.Position, 0, len(r.local))
	for _, p := range r.local {
		positions = append(positions, *p)
		unrealized = unrealized.Add(p.UnrealizedPnL)
		margin = margin.Add(p.Notional())
	}
	equity := capital.Add(unrealized)
	peak := r.equityPeak
	if equity.GreaterThan(peak) {
		peak = equity
	}
	return risk.Portfolio{
		TotalCapital: capital,
		Equity:       equity,
		EquityPeak:   peak,
		DailyPnL:     r.dailyPnL,
		MarginUsed:   margin,
		Positions:    positions,
	}, nil
}
