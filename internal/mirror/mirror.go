// Package mirror forwards core bus events to Kafka so the downstream
// observability/UI layer can consume them out of process. The mirror is
// strictly one-way and optional: write failures are logged and swallowed,
// never surfaced back to publishers.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/nexium/tradecore/internal/bus"
)

const handlerID = "kafka-mirror"

// Config tunes the mirror.
type Config struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// DefaultConfig returns a disabled mirror pointed at a local broker.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Brokers: []string{"127.0.0.1:9092"},
		Topic:   "tradecore.events",
	}
}

// envelope is the wire form of a mirrored event.
type envelope struct {
	Topic     string      `json:"topic"`
	EmittedAt time.Time   `json:"emitted_at"`
	Payload   interface{} `json:"payload"`
}

// Mirror subscribes to every core topic and writes JSON envelopes to Kafka,
// keyed by topic so per-topic ordering survives partitioning.
type Mirror struct {
	logger *zap.Logger
	bus    *bus.Bus
	writer *kafka.Writer
}

// New creates a mirror against the configured brokers.
func New(cfg Config, logger *zap.Logger, eventBus *bus.Bus) *Mirror {
	return &Mirror{
		logger: logger,
		bus:    eventBus,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		},
	}
}

// Start subscribes the mirror to all core topics.
func (m *Mirror) Start() error {
	for _, topic := range bus.Topics() {
		if err := m.bus.Subscribe(topic, bus.HandlerFunc(handlerID, m.forward)); err != nil {
			return err
		}
	}
	m.logger.Info("kafka mirror started")
	return nil
}

// forward writes one event. Errors are logged but reported as success to the
// bus so a broker outage never stalls publishers on the retry schedule.
func (m *Mirror) forward(ctx context.Context, event bus.Event) error {
	value, err := json.Marshal(envelope{
		Topic:     event.Topic,
		EmittedAt: event.EmittedAt,
		Payload:   event.Payload,
	})
	if err != nil {
		m.logger.Error("mirror marshal failed", zap.String("topic", event.Topic), zap.Error(err))
		return nil
	}
	if err := m.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Topic),
		Value: value,
	}); err != nil {
		m.logger.Warn("mirror write failed", zap.String("topic", event.Topic), zap.Error(err))
	}
	return nil
}

// Stop unsubscribes from the bus and closes the writer.
func (m *Mirror) Stop() error {
	for _, topic := range bus.Topics() {
		if err := m.bus.Unsubscribe(topic, handlerID); err != nil && !errors.Is(err, bus.ErrShutdown) {
			m.logger.Warn("mirror unsubscribe failed", zap.String("topic", topic), zap.Error(err))
		}
	}
	return m.writer.Close()
}
