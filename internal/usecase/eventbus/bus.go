package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"runwatch/internal/domain"
)

// Bus is an in-process, goroutine-safe event bus. The stream orchestrator
// publishes lifecycle and delta events here so observers (message sinks,
// printers) can subscribe without coupling to the callback surface.
type Bus struct {
	mu     sync.RWMutex
	typed  map[domain.EventType]map[uint64]domain.EventHandler
	all    map[uint64]domain.EventHandler
	nextID atomic.Uint64
	logger *slog.Logger
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		typed:  make(map[domain.EventType]map[uint64]domain.EventHandler),
		all:    make(map[uint64]domain.EventHandler),
		logger: logger,
	}
}

// Publish fans out an event to matching typed subscribers and all-event
// subscribers. Each handler runs in its own goroutine; panics are recovered.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	handlers := make([]domain.EventHandler, 0, len(b.typed[event.Type])+len(b.all))
	for _, h := range b.typed[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range b.all {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(ctx, event, h)
	}
}

// PublishPayload marshals payload and publishes it as an event of the given
// type. Marshal failures are logged and dropped, never propagated: a bad
// payload must not disturb the publisher's frame-handling path.
func (b *Bus) PublishPayload(ctx context.Context, eventType domain.EventType, runID string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("event payload marshal failed", "event", string(eventType), "error", err)
		return
	}
	b.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     runID,
		Payload:   raw,
	})
}

func (b *Bus) dispatch(ctx context.Context, event domain.Event, handler domain.EventHandler) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("event handler panicked",
					"event", string(event.Type),
					"panic", r,
				)
			}
		}()
		handler(ctx, event)
	}()
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	if b.typed[eventType] == nil {
		b.typed[eventType] = make(map[uint64]domain.EventHandler)
	}
	b.typed[eventType][id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.typed[eventType], id)
		b.mu.Unlock()
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.all[id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.all, id)
		b.mu.Unlock()
	}
}

// Close prevents new publishes and waits for all in-flight handlers to finish.
// Close is idempotent and safe to call multiple times.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}

var _ domain.EventBus = (*Bus)(nil)
