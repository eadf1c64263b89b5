// Package events delivers engine events to the UI layer and to external subscribers.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/GuardianPipe/internal/models"
)

// DefaultSubscriberBuffer is the channel capacity of each Bus subscriber.
const DefaultSubscriberBuffer = 32

// DefaultEmitTimeout bounds how long Emit waits on a full subscriber.
const DefaultEmitTimeout = 100 * time.Millisecond

// Emitter receives engine events. Implementations must not block for long.
type Emitter interface {
	Emit(event models.Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(models.Event)

func (f EmitterFunc) Emit(event models.Event) { f(event) }

// Multi fans an event out to several emitters in order.
type Multi []Emitter

func (m Multi) Emit(event models.Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(models.Event) {})

// Bus is an in-process publish/subscribe hub.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan models.Event
	nextID  int
	timeout time.Duration
	closed  bool
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan models.Event), timeout: DefaultEmitTimeout}
}

// Subscribe returns a channel of future events and a function that ends the subscription.
func (b *Bus) Subscribe() (<-chan models.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan models.Event, DefaultSubscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Emit delivers the event to every subscriber, dropping it for subscribers that stay full.
func (b *Bus) Emit(event models.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- event:
		case <-time.After(b.timeout):
			slog.Warn("Event subscriber blocked, dropping event", "subscriber", id, "type", event.Type)
		}
	}
}

// Open lets a closed Bus accept subscriptions and deliver events again.
func (b *Bus) Open() {
	b.mu.Lock()
	b.closed = false
	b.mu.Unlock()
}

// Close ends all subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
