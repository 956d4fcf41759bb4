package orders

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/nexium/tradecore/internal/model"
)

// orderRow is the persisted form of model.Order. Decimals are stored as
// strings to keep sqlite exact.
type orderRow struct {
	ID                string `gorm:"primaryKey"`
	ExchangeOrderID   string `gorm:"index"`
	SignalID          string `gorm:"index"`
	Symbol            string
	Side              string
	Kind              string
	RequestedQuantity string
	RequestedPrice    string
	FilledQuantity    string
	AverageFillPrice  string
	Status            string `gorm:"index"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
	LastError         string
}

func (orderRow) TableName() string { return "orders" }

// seenSignal is the persisted idempotency set: one row per signal ID ever
// accepted or rejected by the manager.
type seenSignal struct {
	SignalID string `gorm:"primaryKey"`
	OrderID  string
	SeenAt   time.Time `gorm:"index"`
}

func (seenSignal) TableName() string { return "seen_signals" }

// Journal is the embedded order store. It gives the order manager two things
// the in-memory working set cannot: an idempotency set that survives
// restarts, and the ability to resume polling orders that were still
// in flight when the process died.
type Journal struct {
	db *gorm.DB
}

// OpenJournal opens (or creates) the sqlite journal at path.
func OpenJournal(path string) (*Journal, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open order journal: %w", err)
	}
	if err := db.AutoMigrate(&orderRow{}, &seenSignal{}); err != nil {
		return nil, fmt.Errorf("migrate order journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// SaveOrder upserts the order's current state.
func (j *Journal) SaveOrder(o model.Order) error {
	row := orderRow{
		ID:                o.ID.String(),
		ExchangeOrderID:   o.ExchangeOrderID,
		SignalID:          o.SignalID,
		Symbol:            o.Symbol,
		Side:              string(o.Side),
		Kind:              string(o.Kind),
		RequestedQuantity: o.RequestedQuantity.String(),
		RequestedPrice:    o.RequestedPrice.String(),
		FilledQuantity:    o.FilledQuantity.String(),
		AverageFillPrice:  o.AverageFillPrice.String(),
		Status:            string(o.Status),
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
		LastError:         o.LastError,
	}
	if err := j.db.Save(&row).Error; err != nil {
		return fmt.Errorf("save order %s: %w", o.ID, err)
	}
	return nil
}

// RecordSignal adds a signal ID to the idempotency set.
func (j *Journal) RecordSignal(signalID string, orderID uuid.UUID) error {
	row := seenSignal{SignalID: signalID, OrderID: orderID.String(), SeenAt: time.Now()}
	if err := j.db.Save(&row).Error; err != nil {
		return fmt.Errorf("record signal %s: %w", signalID, err)
	}
	return nil
}

// ForgetSignal removes a signal from the idempotency set. Used to roll back
// a signal that failed before producing an order, so redelivery can retry it.
func (j *Journal) ForgetSignal(signalID string) error {
	if err := j.db.Where("signal_id = ?", signalID).Delete(&seenSignal{}).Error; err != nil {
		return fmt.Errorf("forget signal %s: %w", signalID, err)
	}
	return nil
}

// SeenSignal reports whether the signal ID was processed before.
func (j *Journal) SeenSignal(signalID string) (bool, error) {
	var count int64
	if err := j.db.Model(&seenSignal{}).Where("signal_id = ?", signalID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("lookup signal %s: %w", signalID, err)
	}
	return count > 0, nil
}

// LoadOpenOrders returns every persisted order that has not reached a
// terminal state. Called on Start to resume in-flight orders.
func (j *Journal) LoadOpenOrders() ([]model.Order, error) {
	var rows []orderRow
	terminal := []string{
		string(model.OrderStatusFilled),
		string(model.OrderStatusCancelled),
		string(model.OrderStatusFailed),
	}
	if err := j.db.Where("status NOT IN ?", terminal).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load open orders: %w", err)
	}
	out := make([]model.Order, 0, len(rows))
	for _, row := range rows {
		o, err := row.toOrder()
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// PruneSeenBefore drops idempotency rows older than the cutoff.
func (j *Journal) PruneSeenBefore(cutoff time.Time) error {
	if err := j.db.Where("seen_at < ?", cutoff).Delete(&seenSignal{}).Error; err != nil {
		return fmt.Errorf("prune seen signals: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r orderRow) toOrder() (model.Order, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return model.Order{}, fmt.Errorf("journal row %q: %w", r.ID, err)
	}
	parse := func(s string) decimal.Decimal {
		if s == "" {
			return decimal.Zero
		}
		d, perr := decimal.NewFromString(s)
		if perr != nil {
			err = fmt.Errorf("journal row %q: %w", r.ID, perr)
			return decimal.Zero
		}
		return d
	}
	o := model.Order{
		ID:                id,
		ExchangeOrderID:   r.ExchangeOrderID,
		SignalID:          r.SignalID,
		Symbol:            r.Symbol,
		Side:              model.Side(r.Side),
		Kind:              model.OrderKind(r.Kind),
		RequestedQuantity: parse(r.RequestedQuantity),
		RequestedPrice:    parse(r.RequestedPrice),
		FilledQuantity:    parse(r.FilledQuantity),
		AverageFillPrice:  parse(r.AverageFillPrice),
		Status:            model.OrderStatus(r.Status),
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
		LastError:         r.LastError,
	}
	return o, err
}
