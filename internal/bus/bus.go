// Package bus is the in-process publish/subscribe backbone of the execution
// core. Delivery is at-least-once: a failing handler is retried over the
// configured backoff schedule, and one handler's exhaustion never blocks the
// others.
package bus

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nexium/tradecore/internal/backoff"
	"github.com/nexium/tradecore/pkg/metrics"
)

// ErrShutdown is returned by Publish and Subscribe after Shutdown has run.
var ErrShutdown = errors.New("event bus is shut down")

// Handler processes events delivered on a topic. Handlers are identified by
// ID because subscriptions are removed by (topic, id).
type Handler interface {
	ID() string
	Handle(ctx context.Context, event Event) error
}

type handlerFunc struct {
	id string
	fn func(ctx context.Context, event Event) error
}

func (h *handlerFunc) ID() string { return h.id }

func (h *handlerFunc) Handle(ctx context.Context, e Event) error { return h.fn(ctx, e) }

// HandlerFunc wraps a function as a Handler.
func HandlerFunc(id string, fn func(ctx context.Context, event Event) error) Handler {
	return &handlerFunc{id: id, fn: fn}
}

// Bus is a topic-based event bus. The topic map is owned by the bus and only
// mutated through its synchronized methods; an empty topic entry is removed
// so the map stays bounded by the set of live subscriptions.
type Bus struct {
	logger   *zap.Logger
	schedule backoff.Schedule

	mu     sync.RWMutex
	subs   map[string][]Handler
	closed bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithRetrySchedule overrides the default 1s/2s/4s redelivery schedule.
func WithRetrySchedule(s backoff.Schedule) Option {
	return func(b *Bus) { b.schedule = s }
}

// New creates an event bus.
func New(logger *zap.Logger, opts ...Option) *Bus {
	b := &Bus{
		logger:   logger,
		schedule: backoff.Default(),
		subs:     make(map[string][]Handler),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for a topic. A handler ID may be registered
// at most once per topic.
func (b *Bus) Subscribe(topic string, h Handler) error {
	if _, ok := payloadTypes[topic]; !ok {
		return fmt.Errorf("unknown topic %q", topic)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrShutdown
	}
	for _, existing := range b.subs[topic] {
		if existing.ID() == h.ID() {
			return fmt.Errorf("handler %q already subscribed to %q", h.ID(), topic)
		}
	}
	b.subs[topic] = append(b.subs[topic], h)
	b.logger.Debug("handler subscribed",
		zap.String("topic", topic),
		zap.String("handler_id", h.ID()))
	return nil
}

// Unsubscribe removes the handler with the given ID from a topic. Removing
// the last handler removes the topic entry entirely.
func (b *Bus) Unsubscribe(topic, handlerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	handlers := b.subs[topic]
	for i, h := range handlers {
		if h.ID() == handlerID {
			handlers = append(handlers[:i], handlers[i+1:]...)
			if len(handlers) == 0 {
				delete(b.subs, topic)
			} else {
				b.subs[topic] = handlers
			}
			return nil
		}
	}
	return fmt.Errorf("handler %q not subscribed to %q", handlerID, topic)
}

// Publish delivers the event to every handler subscribed to its topic and
// returns once all of them have been attempted. Fan-out is concurrent across
// handlers; each failing handler is retried over the backoff schedule and
// then logged, without affecting the others. Per-handler delivery order
// follows publish order because Publish does not return early.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	want, ok := payloadTypes[event.Topic]
	if !ok {
		return fmt.Errorf("unknown topic %q", event.Topic)
	}
	if got := reflect.TypeOf(event.Payload); got != want {
		return fmt.Errorf("topic %q expects payload %s, got %v", event.Topic, want, got)
	}
	if event.EmittedAt.IsZero() {
		event.EmittedAt = time.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrShutdown
	}
	handlers := append([]Handler(nil), b.subs[event.Topic]...)
	b.mu.RUnlock()

	metrics.BusPublished.WithLabelValues(event.Topic).Inc()
	if len(handlers) == 0 {
		b.logger.Debug("no subscribers for topic", zap.String("topic", event.Topic))
		return nil
	}

	var wg sync.WaitGroup
	for _, h := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			b.deliver(ctx, h, event)
		}(h)
	}
	wg.Wait()
	return nil
}

// deliver attempts one handler, retrying per the schedule. Panics inside a
// handler count as failed attempts.
func (b *Bus) deliver(ctx context.Context, h Handler, event Event) {
	err := backoff.Do(ctx, b.schedule, func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return h.Handle(ctx, event)
	}, nil)
	if err != nil {
		metrics.BusDeliveryFailures.WithLabelValues(event.Topic).Inc()
		b.logger.Error("handler delivery exhausted retries",
			zap.String("topic", event.Topic),
			zap.String("handler_id", h.ID()),
			zap.Error(err))
	}
}

// ActiveTopics lists the topics that currently have at least one subscriber.
func (b *Bus) ActiveTopics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.subs))
	for topic := range b.subs {
		names = append(names, topic)
	}
	sort.Strings(names)
	return names
}

// Shutdown clears all subscriptions. It must be called exactly once at
// process teardown; a second call returns ErrShutdown, and publishing after
// shutdown fails loudly instead of silently dropping events.
func (b *Bus) Shutdown() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrShutdown
	}
	b.closed = true
	b.subs = make(map[string][]Handler)
	b.logger.Info("event bus shut down")
	return nil
}
