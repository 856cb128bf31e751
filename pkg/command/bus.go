package command

import (
	"encoding/json"
	"sync"

	"log/slog"

	"github.com/cskr/pubsub"
)

const busQueueLength = 32

// Bus is the native-shell event channel: the shell publishes push events
// here and the transport facade's Listen subscribes against it, mirroring
// the WebSocket listener contract.
type Bus struct {
	bus    *pubsub.PubSub
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewBus creates an in-process event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{bus: pubsub.New(busQueueLength), logger: logger}
}

// Publish marshals payload and delivers it to every listener of event.
func (b *Bus) Publish(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("bus: failed to marshal event payload", "event", event, "err", err)
		return err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()
	b.bus.Pub(raw, event)
	return nil
}

// Listen registers cb for an event type. The returned closure unsubscribes
// and is safe to call more than once. A failing callback is isolated and
// logged, matching the WebSocket client's delivery semantics.
func (b *Bus) Listen(event string, cb func(payload json.RawMessage)) func() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	ch := b.bus.Sub(event)
	b.mu.Unlock()

	go func() {
		for raw := range ch {
			data, ok := raw.([]byte)
			if !ok {
				continue
			}
			b.safeInvoke(event, cb, data)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.closed {
				return
			}
			b.bus.Unsub(ch, event)
		})
	}
}

func (b *Bus) safeInvoke(event string, cb func(json.RawMessage), data []byte) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus: listener failed", "event", event, "panic", r)
		}
	}()
	cb(data)
}

// Close shuts the bus down and releases every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.bus.Shutdown()
}
