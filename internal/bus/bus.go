// Package bus implements the in-process publish/subscribe event bus.
//
// Publish is synchronous with respect to the taps (global observers such as
// the event log and broadcaster) and fire-and-forget with respect to the
// type-subscribed handlers: each handler runs in its own goroutine so a slow
// agent never blocks delivery to other subscribers. A handler failure is
// isolated — recovered, logged, and reported through the error hook — and
// never aborts the publish path.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/careloop-ai/careloop/internal/model"
)

// Handler reacts to one event. The returned error is reported through the
// bus error hook; it does not propagate to the publisher.
type Handler func(ctx context.Context, evt model.Event) error

// Tap observes every published event synchronously, in publish order.
type Tap func(evt model.Event)

// ErrorHook receives isolated handler failures.
type ErrorHook func(evt model.Event, handlerName string, err error)

type subscription struct {
	name    string
	handler Handler
}

// Bus is the in-process event bus. Zero value is not usable; construct
// with New.
type Bus struct {
	logger  *slog.Logger
	errHook ErrorHook

	mu       sync.RWMutex
	handlers map[string][]subscription
	taps     []Tap

	// pubMu serialises the tap invocation path so the log observes a single
	// total publish order even under concurrent publishers.
	pubMu sync.Mutex

	wg sync.WaitGroup

	publishCounter otelmetric.Int64Counter
}

// New creates an empty bus. The error hook may be nil.
func New(logger *slog.Logger, errHook ErrorHook) *Bus {
	meter := otel.GetMeterProvider().Meter("careloop/bus")
	counter, err := meter.Int64Counter("bus.publish_count")
	if err != nil {
		logger.Debug("bus: publish counter unavailable", "error", err)
	}
	return &Bus{
		logger:         logger,
		errHook:        errHook,
		handlers:       make(map[string][]subscription),
		publishCounter: counter,
	}
}

// Subscribe registers a named handler for an exact event type. Handlers for
// a type are invoked in registration order.
func (b *Bus) Subscribe(eventType, name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], subscription{name: name, handler: h})
}

// AddTap registers a synchronous observer of every published event.
func (b *Bus) AddTap(t Tap) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.taps = append(b.taps, t)
}

// Publish builds an event and delivers it: taps first, synchronously and in
// total order, then the type's handlers each on its own goroutine. The
// payload is marshalled once; a marshal failure is the publisher's error.
func (b *Bus) Publish(ctx context.Context, eventType string, payload any) (model.Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return model.Event{}, fmt.Errorf("bus: marshal %s payload: %w", eventType, err)
	}
	evt := model.NewEvent(eventType, raw)
	b.deliver(ctx, evt)
	return evt, nil
}

// PublishRaw delivers a pre-marshalled payload.
func (b *Bus) PublishRaw(ctx context.Context, eventType string, payload json.RawMessage) model.Event {
	evt := model.NewEvent(eventType, payload)
	b.deliver(ctx, evt)
	return evt
}

func (b *Bus) deliver(ctx context.Context, evt model.Event) {
	// Snapshot subscriptions before iterating: a handler may subscribe or
	// unsubscribe while we dispatch.
	b.mu.RLock()
	subs := make([]subscription, len(b.handlers[evt.Type]))
	copy(subs, b.handlers[evt.Type])
	taps := make([]Tap, len(b.taps))
	copy(taps, b.taps)
	b.mu.RUnlock()

	b.pubMu.Lock()
	for _, tap := range taps {
		tap(evt)
	}
	b.pubMu.Unlock()

	if b.publishCounter != nil {
		b.publishCounter.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("event.type", evt.Type)))
	}

	for _, sub := range subs {
		b.wg.Add(1)
		go func(sub subscription) {
			defer b.wg.Done()
			b.invoke(ctx, sub, evt)
		}(sub)
	}
}

// invoke runs one handler with panic isolation.
func (b *Bus) invoke(ctx context.Context, sub subscription, evt model.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.report(evt, sub.name, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := sub.handler(ctx, evt); err != nil {
		b.report(evt, sub.name, err)
	}
}

func (b *Bus) report(evt model.Event, handlerName string, err error) {
	b.logger.Error("bus: handler failed",
		"event_type", evt.Type,
		"event_id", evt.ID,
		"handler", handlerName,
		"error", err)
	if b.errHook != nil {
		b.errHook(evt, handlerName, err)
	}
}

// Drain blocks until all in-flight handlers have returned. Intended for
// tests and shutdown; new publishes during Drain are not prevented.
func (b *Bus) Drain() {
	b.wg.Wait()
}
