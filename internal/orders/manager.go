// Package orders turns accepted signals into risk-checked exchange orders
// and owns each order's state machine from creation to eviction.
package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nexium/tradecore/internal/backoff"
	"github.com/nexium/tradecore/internal/breaker"
	"github.com/nexium/tradecore/internal/bus"
	"github.com/nexium/tradecore/internal/exchange"
	"github.com/nexium/tradecore/internal/model"
	"github.com/nexium/tradecore/internal/risk"
	"github.com/nexium/tradecore/pkg/metrics"
)

const signalHandlerID = "order-manager"

// ErrCapacity rejects submissions once the tracked-order set is full.
var ErrCapacity = errors.New("tracked order capacity reached")

// Config tunes the order manager.
type Config struct {
	PollInterval    time.Duration `mapstructure:"poll_interval" validate:"min=100ms"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" validate:"min=1s"`
	OrderTTL        time.Duration `mapstructure:"order_ttl" validate:"min=1s"`
	MaxTracked      int           `mapstructure:"max_tracked" validate:"min=1"`
	SeenTTL         time.Duration `mapstructure:"seen_ttl" validate:"min=1m"`

	// SubmitRetry is the backoff schedule for transient submission failures.
	SubmitRetry backoff.Schedule `mapstructure:"-"`
}

// DefaultConfig returns the 2s poll / 5m cleanup / 5m TTL / 1000 cap defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:    2 * time.Second,
		CleanupInterval: 5 * time.Minute,
		OrderTTL:        5 * time.Minute,
		MaxTracked:      1000,
		SeenTTL:         24 * time.Hour,
		SubmitRetry:     backoff.Default(),
	}
}

// PortfolioSource supplies the current portfolio state for risk evaluation.
// The reconciler implements it in production wiring.
type PortfolioSource interface {
	Portfolio(ctx context.Context) (risk.Portfolio, error)
}

// Manager consumes signal events, applies the risk gate, submits through the
// circuit-breaker-wrapped exchange client and polls tracked orders to
// completion. The tracked set and the seen-signal set are owned exclusively
// by the manager and only touched under its lock.
type Manager struct {
	cfg       Config
	logger    *zap.Logger
	bus       *bus.Bus
	risk      *risk.Manager
	portfolio PortfolioSource
	exch      exchange.Client
	brk       *breaker.Breaker
	journal   *Journal // optional; nil disables persistence

	mu      sync.Mutex
	tracked map[uuid.UUID]*model.Order
	seen    map[string]time.Time

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewManager wires an order manager. journal may be nil for ephemeral runs.
func NewManager(cfg Config, logger *zap.Logger, eventBus *bus.Bus, riskMgr *risk.Manager,
	portfolio PortfolioSource, client exchange.Client, brk *breaker.Breaker, journal *Journal) *Manager {
	if cfg.SubmitRetry == nil {
		cfg.SubmitRetry = backoff.Default()
	}
	return &Manager{
		cfg:       cfg,
		logger:    logger,
		bus:       eventBus,
		risk:      riskMgr,
		portfolio: portfolio,
		exch:      client,
		brk:       brk,
		journal:   journal,
		tracked:   make(map[uuid.UUID]*model.Order),
		seen:      make(map[string]time.Time),
	}
}

// Start resumes persisted in-flight orders, subscribes to signal events and
// launches the polling and cleanup loops.
func (m *Manager) Start() error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.started {
		return errors.New("order manager already started")
	}

	if m.journal != nil {
		open, err := m.journal.LoadOpenOrders()
		if err != nil {
			return fmt.Errorf("resume orders: %w", err)
		}
		m.mu.Lock()
		for i := range open {
			o := open[i]
			m.tracked[o.ID] = &o
			m.seen[o.SignalID] = o.CreatedAt
		}
		m.mu.Unlock()
		if len(open) > 0 {
			m.logger.Info("resumed in-flight orders from journal", zap.Int("count", len(open)))
		}
	}

	if err := m.bus.Subscribe(bus.TopicSignalGenerated, bus.HandlerFunc(signalHandlerID, m.onSignal)); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.started = true

	m.wg.Add(2)
	go m.pollLoop(ctx)
	go m.cleanupLoop(ctx)

	m.logger.Info("order manager started",
		zap.Duration("poll_interval", m.cfg.PollInterval),
		zap.Int("max_tracked", m.cfg.MaxTracked))
	return nil
}

// Stop cancels the background loops and waits for them to finish. After Stop
// returns there are no dangling timers.
func (m *Manager) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.started {
		return
	}
	if err := m.bus.Unsubscribe(bus.TopicSignalGenerated, signalHandlerID); err != nil && !errors.Is(err, bus.ErrShutdown) {
		m.logger.Warn("unsubscribe signal handler", zap.Error(err))
	}
	m.cancel()
	m.wg.Wait()
	m.started = false
	m.logger.Info("order manager stopped")
}

func (m *Manager) onSignal(ctx context.Context, event bus.Event) error {
	payload := event.Payload.(bus.SignalGenerated)
	_, err := m.SubmitOrder(ctx, payload.Signal)
	if errors.Is(err, ErrCapacity) {
		// Capacity rejections are synchronous outcomes, not delivery
		// failures; retrying the event would not help.
		return nil
	}
	return err
}

// SubmitOrder validates the signal against the risk policy and submits it to
// the exchange. It returns (false, nil) for duplicate signals and risk
// rejections (normal outcomes), (false, ErrCapacity) when the tracked set is
// full, and (false, err) when submission fails after retries.
func (m *Manager) SubmitOrder(ctx context.Context, sig model.Signal) (bool, error) {
	// The journal lookup happens outside the lock; the in-memory set is
	// checked and recorded inside one critical section so two concurrent
	// deliveries of the same signal cannot both pass between check and
	// record.
	journalSeen := false
	if m.journal != nil {
		var err error
		journalSeen, err = m.journal.SeenSignal(sig.SignalID)
		if err != nil {
			return false, err
		}
	}

	m.mu.Lock()
	if _, ok := m.seen[sig.SignalID]; ok || journalSeen {
		m.mu.Unlock()
		metrics.OrdersRejected.WithLabelValues("duplicate").Inc()
		m.logger.Debug("duplicate signal dropped", zap.String("signal_id", sig.SignalID))
		return false, nil
	}
	if len(m.tracked) >= m.cfg.MaxTracked {
		m.mu.Unlock()
		metrics.OrdersRejected.WithLabelValues("capacity").Inc()
		return false, fmt.Errorf("%w (%d orders)", ErrCapacity, m.cfg.MaxTracked)
	}
	m.seen[sig.SignalID] = time.Now()
	m.mu.Unlock()

	if m.journal != nil {
		if err := m.journal.RecordSignal(sig.SignalID, uuid.Nil); err != nil {
			m.logger.Warn("journal signal record failed", zap.Error(err))
		}
	}

	verdict, err := m.evaluateRisk(ctx, sig)
	if err != nil {
		// Nothing was acted on yet; forget the signal so a redelivery can
		// retry instead of being dropped as a duplicate.
		m.forgetSignal(sig.SignalID)
		return false, err
	}
	if !verdict.CanProceed {
		metrics.OrdersRejected.WithLabelValues("risk").Inc()
		m.publishAlert(ctx, bus.SeverityWarning, bus.AlertRiskRejection,
			fmt.Sprintf("signal %s rejected: %s", sig.SignalID, verdict.Reason),
			map[string]interface{}{
				"signal_id":  sig.SignalID,
				"symbol":     sig.Symbol,
				"reason":     verdict.Reason,
				"risk_score": verdict.RiskScore,
			})
		return false, nil
	}

	order := m.newOrder(sig)
	m.mu.Lock()
	m.tracked[order.ID] = order
	m.mu.Unlock()
	m.persist(order)

	if err := m.submit(ctx, order); err != nil {
		m.transition(order.ID, func(o *model.Order) {
			o.Status = model.OrderStatusFailed
			o.LastError = err.Error()
		})
		metrics.OrdersFailed.Inc()
		m.publishOrderCreated(ctx, order.ID)
		m.publishAlert(ctx, bus.SeverityWarning, bus.AlertOrderFailed,
			fmt.Sprintf("order %s failed: %v", order.ID, err),
			map[string]interface{}{"order_id": order.ID.String(), "symbol": order.Symbol})
		return false, err
	}

	metrics.OrdersSubmitted.WithLabelValues(order.Symbol).Inc()
	m.publishOrderCreated(ctx, order.ID)
	return true, nil
}

// forgetSignal rolls the idempotency record back for a signal that failed
// before any order existed.
func (m *Manager) forgetSignal(signalID string) {
	m.mu.Lock()
	delete(m.seen, signalID)
	m.mu.Unlock()
	if m.journal != nil {
		if err := m.journal.ForgetSignal(signalID); err != nil {
			m.logger.Warn("journal signal rollback failed", zap.Error(err))
		}
	}
}

func (m *Manager) evaluateRisk(ctx context.Context, sig model.Signal) (model.RiskCheckResult, error) {
	portfolio, err := m.portfolio.Portfolio(ctx)
	if err != nil {
		return model.RiskCheckResult{}, fmt.Errorf("portfolio snapshot: %w", err)
	}
	change := risk.Change{
		Symbol:   sig.Symbol,
		Side:     sig.Side,
		Quantity: sig.Quantity,
		Price:    sig.Price,
	}
	return m.risk.Evaluate(change, portfolio), nil
}

func (m *Manager) newOrder(sig model.Signal) *model.Order {
	kind := model.OrderKindMarket
	if sig.Price.IsPositive() {
		kind = model.OrderKindLimit
	}
	now := time.Now()
	return &model.Order{
		ID:                uuid.New(),
		SignalID:          sig.SignalID,
		Symbol:            sig.Symbol,
		Side:              sig.Side,
		Kind:              kind,
		RequestedQuantity: sig.Quantity,
		RequestedPrice:    sig.Price,
		FilledQuantity:    decimal.Zero,
		AverageFillPrice:  decimal.Zero,
		Status:            model.OrderStatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// submit sends the order through the breaker, retrying transient failures
// over the backoff schedule. A breaker-open rejection aborts the retry loop
// immediately: there is no point queueing against a dead dependency.
func (m *Manager) submit(ctx context.Context, order *model.Order) error {
	retryable := func(err error) bool {
		if errors.Is(err, breaker.ErrOpen) {
			return false
		}
		return exchange.IsTransient(err)
	}
	return backoff.Do(ctx, m.cfg.SubmitRetry, func(ctx context.Context) error {
		return m.brk.Call(ctx, func(ctx context.Context) error {
			var exchangeID string
			var err error
			if order.Kind == model.OrderKindLimit {
				exchangeID, err = m.exch.SubmitLimitOrder(ctx, order.Symbol, order.Side, order.RequestedQuantity, order.RequestedPrice)
			} else {
				exchangeID, err = m.exch.SubmitMarketOrder(ctx, order.Symbol, order.Side, order.RequestedQuantity)
			}
			if err != nil {
				return err
			}
			m.transition(order.ID, func(o *model.Order) {
				o.ExchangeOrderID = exchangeID
				o.Status = model.OrderStatusSubmitted
			})
			return nil
		})
	}, retryable)
}

// CancelOrder cancels a tracked, non-terminal order. Returns false when the
// order is unknown, already terminal, or the exchange refuses.
func (m *Manager) CancelOrder(ctx context.Context, orderID uuid.UUID) bool {
	m.mu.Lock()
	order, ok := m.tracked[orderID]
	if !ok || order.Status.Terminal() {
		m.mu.Unlock()
		return false
	}
	exchangeID := order.ExchangeOrderID
	symbol := order.Symbol
	pending := order.Status == model.OrderStatusPending
	m.mu.Unlock()

	if !pending {
		err := m.brk.Call(ctx, func(ctx context.Context) error {
			return m.exch.CancelOrder(ctx, symbol, exchangeID)
		})
		if err != nil {
			m.logger.Warn("cancel failed",
				zap.String("order_id", orderID.String()),
				zap.Error(err))
			return false
		}
	}
	m.transition(orderID, func(o *model.Order) {
		o.Status = model.OrderStatusCancelled
	})
	return true
}

// OrderStatus returns a copy of a tracked order.
func (m *Manager) OrderStatus(orderID uuid.UUID) (model.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.tracked[orderID]
	if !ok {
		return model.Order{}, false
	}
	return *order, true
}

// TrackedCount reports the size of the working set.
func (m *Manager) TrackedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracked)
}

// transition applies a mutation to a tracked order under the manager's lock,
// guarded by the state machine, and persists the result. All order writes
// funnel through here, which is the single-writer discipline the per-order
// serialization guarantee rests on. It reports whether the change was
// applied; callers publishing on the outcome must check it.
func (m *Manager) transition(orderID uuid.UUID, mutate func(*model.Order)) bool {
	m.mu.Lock()
	order, ok := m.tracked[orderID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	draft := *order
	mutate(&draft)
	if draft.Status != order.Status && !model.CanTransition(order.Status, draft.Status) {
		m.mu.Unlock()
		m.logger.Error("invalid order state transition dropped",
			zap.String("order_id", orderID.String()),
			zap.String("from", string(order.Status)),
			zap.String("to", string(draft.Status)))
		return false
	}
	draft.UpdatedAt = time.Now()
	*order = draft
	snapshot := *order
	m.mu.Unlock()
	m.persist(&snapshot)
	return true
}

func (m *Manager) persist(order *model.Order) {
	if m.journal == nil {
		return
	}
	if err := m.journal.SaveOrder(*order); err != nil {
		m.logger.Warn("journal save failed",
			zap.String("order_id", order.ID.String()),
			zap.Error(err))
	}
}

// pollLoop queries the exchange for every non-terminal tracked order at a
// fixed interval and applies the reported transitions.
func (m *Manager) pollLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollOnce(ctx)
		}
	}
}

func (m *Manager) pollOnce(ctx context.Context) {
	m.mu.Lock()
	pending := make([]model.Order, 0, len(m.tracked))
	for _, o := range m.tracked {
		if o.Status == model.OrderStatusSubmitted || o.Status == model.OrderStatusPartiallyFilled {
			pending = append(pending, *o)
		}
	}
	m.mu.Unlock()

	for _, order := range pending {
		status, err := m.queryStatus(ctx, order)
		if errors.Is(err, breaker.ErrOpen) {
			// Exchange is down; the rest of this tick would fail the same way.
			return
		}
		if errors.Is(err, exchange.ErrOrderNotFound) {
			m.transition(order.ID, func(o *model.Order) {
				o.Status = model.OrderStatusCancelled
				o.LastError = "order unknown to exchange"
			})
			continue
		}
		if err != nil {
			m.logger.Warn("order status poll failed",
				zap.String("order_id", order.ID.String()),
				zap.Error(err))
			continue
		}
		m.applyStatus(ctx, order, status)
	}
}

func (m *Manager) queryStatus(ctx context.Context, order model.Order) (exchange.OrderStatus, error) {
	var status exchange.OrderStatus
	err := m.brk.Call(ctx, func(ctx context.Context) error {
		var qerr error
		status, qerr = m.exch.GetOrderStatus(ctx, order.Symbol, order.ExchangeOrderID)
		return qerr
	})
	return status, err
}

func (m *Manager) applyStatus(ctx context.Context, order model.Order, status exchange.OrderStatus) {
	switch status.Status {
	case model.OrderStatusPartiallyFilled:
		m.transition(order.ID, func(o *model.Order) {
			o.Status = model.OrderStatusPartiallyFilled
			o.FilledQuantity = status.FilledQuantity
			o.AverageFillPrice = status.AvgFillPrice
		})
	case model.OrderStatusFilled:
		// The order may have been cancelled or evicted since the poll
		// snapshot was taken; only an applied transition is a fill.
		if !m.transition(order.ID, func(o *model.Order) {
			o.Status = model.OrderStatusFilled
			o.FilledQuantity = status.FilledQuantity
			o.AverageFillPrice = status.AvgFillPrice
		}) {
			return
		}
		metrics.OrdersFilled.Inc()
		if err := m.bus.Publish(ctx, bus.Event{
			Topic: bus.TopicOrderFilled,
			Payload: bus.OrderFilled{
				OrderID:         order.ID,
				ExchangeOrderID: order.ExchangeOrderID,
				FilledPrice:     status.AvgFillPrice,
				FilledQuantity:  status.FilledQuantity,
				Fee:             status.Fee,
			},
		}); err != nil {
			m.logger.Error("publish order_filled", zap.Error(err))
		}
	case model.OrderStatusCancelled:
		m.transition(order.ID, func(o *model.Order) {
			o.Status = model.OrderStatusCancelled
		})
	}
}

// cleanupLoop bounds memory: orders past their TTL are evicted from the
// working set regardless of state, and stale idempotency entries age out.
func (m *Manager) cleanupLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanupOnce()
		}
	}
}

func (m *Manager) cleanupOnce() {
	now := time.Now()
	evicted := 0
	m.mu.Lock()
	for id, o := range m.tracked {
		if now.Sub(o.UpdatedAt) > m.cfg.OrderTTL {
			delete(m.tracked, id)
			evicted++
		}
	}
	seenCutoff := now.Add(-m.cfg.SeenTTL)
	for id, seenAt := range m.seen {
		if seenAt.Before(seenCutoff) {
			delete(m.seen, id)
		}
	}
	m.mu.Unlock()

	if m.journal != nil {
		if err := m.journal.PruneSeenBefore(seenCutoff); err != nil {
			m.logger.Warn("journal prune failed", zap.Error(err))
		}
	}
	if evicted > 0 {
		m.logger.Info("evicted stale orders", zap.Int("count", evicted))
	}
}

func (m *Manager) publishOrderCreated(ctx context.Context, orderID uuid.UUID) {
	order, ok := m.OrderStatus(orderID)
	if !ok {
		return
	}
	event := bus.Event{
		Topic: bus.TopicOrderCreated,
		Payload: bus.OrderCreated{
			OrderID:         order.ID,
			ExchangeOrderID: order.ExchangeOrderID,
			Symbol:          order.Symbol,
			Side:            order.Side,
			Kind:            order.Kind,
			Quantity:        order.RequestedQuantity,
			Price:           order.RequestedPrice,
			Status:          order.Status,
			Error:           order.LastError,
		},
	}
	if err := m.bus.Publish(ctx, event); err != nil {
		m.logger.Error("publish order_created", zap.Error(err))
	}
}

func (m *Manager) publishAlert(ctx context.Context, severity bus.Severity, alertType, message string, details map[string]interface{}) {
	event := bus.Event{
		Topic: bus.TopicRiskAlert,
		Payload: bus.RiskAlert{
			AlertID:   uuid.New(),
			Severity:  severity,
			AlertType: alertType,
			Message:   message,
			Details:   details,
		},
	}
	if err := m.bus.Publish(ctx, event); err != nil {
		m.logger.Error("publish risk_alert", zap.Error(err))
	}
}
