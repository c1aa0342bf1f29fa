package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Name identifies a device lifecycle broadcast.
type Name string

const (
	WillDeregister             Name = "will-deregister"
	DidDeregisterInCloud       Name = "did-deregister-in-cloud"
	FailedToDeregisterInCloud  Name = "failed-to-deregister-in-cloud"
	DidDeregisterOnDevice      Name = "did-deregister-on-device"
	FailedToDeregisterOnDevice Name = "failed-to-deregister-on-device"
	DidRegister                Name = "did-register"
	DidResetLocally            Name = "did-reset-locally"
	DidLogout                  Name = "did-logout"
)

// Event is one lifecycle broadcast.
type Event struct {
	Name      Name
	Timestamp time.Time
	DeviceID  string
	Status    string
	Err       error
}

// Publisher is the publish side the device registry depends on.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Handler receives published events.
type Handler interface {
	HandleEvent(ctx context.Context, event Event)
}

// HandlerFunc adapts a function into a Handler.
type HandlerFunc func(ctx context.Context, event Event)

func (f HandlerFunc) HandleEvent(ctx context.Context, event Event) {
	f(ctx, event)
}

// Bus delivers each event to every subscriber synchronously and in
// subscription order, so observers see lifecycle transitions in the order
// they happened.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers []subscription
}

type subscription struct {
	id      uint64
	handler Handler
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers h and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers = append(b.handlers, subscription{id: id, handler: h})
	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.handlers {
		if sub.id == id {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
			return
		}
	}
}

func (b *Bus) Publish(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.mu.RLock()
	subs := make([]subscription, len(b.handlers))
	copy(subs, b.handlers)
	b.mu.RUnlock()

	log.Debug().
		Str("event", string(event.Name)).
		Str("device_id", event.DeviceID).
		Int("subscribers", len(subs)).
		Msg("events.Bus.Publish")
	for _, sub := range subs {
		deliver(ctx, sub.handler, event)
	}
}

func deliver(ctx context.Context, h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(event.Name)).
				Interface("panic", r).
				Msg("events.Bus handler panic")
		}
	}()
	h.HandleEvent(ctx, event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}
