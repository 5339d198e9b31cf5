package services

import (
	"sync"
	"sync/atomic"

	"peerlink/internal/core/domain"

	"go.uber.org/zap"
)

// EventHandler is invoked for every matching event.
type EventHandler func(domain.Event)

// EventCondition filters events for one-shot subscriptions.
type EventCondition func(domain.Event) bool

type subscription struct {
	id      uint64
	handler EventHandler
	cond    EventCondition
	once    bool
	fired   atomic.Bool
}

// EventBus is an in-process publish/subscribe registry keyed by event name.
// Handlers run synchronously on the publishing goroutine.
type EventBus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[domain.EventName][]*subscription
	logger *zap.SugaredLogger
}

// NewEventBus creates a new event bus
func NewEventBus(logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		subs:   make(map[domain.EventName][]*subscription),
		logger: logger,
	}
}

// Subscribe registers handler for every event published under name.
func (b *EventBus) Subscribe(name domain.EventName, handler EventHandler) (unsubscribe func()) {
	sub := b.add(name, &subscription{handler: handler})
	return func() { b.remove(name, sub.id) }
}

// Once registers handler to fire at most once, for the first event under
// name for which cond holds. A nil cond matches every event.
func (b *EventBus) Once(name domain.EventName, cond EventCondition, handler EventHandler) (cancel func()) {
	sub := b.add(name, &subscription{handler: handler, cond: cond, once: true})
	return func() { b.remove(name, sub.id) }
}

// Await is Once delivering the matching event on a channel instead of a
// callback. The channel is buffered so publishers never block on it.
func (b *EventBus) Await(name domain.EventName, cond EventCondition) (<-chan domain.Event, func()) {
	ch := make(chan domain.Event, 1)
	cancel := b.Once(name, cond, func(e domain.Event) {
		ch <- e
	})
	return ch, cancel
}

// Publish dispatches event to the current subscribers of its name.
func (b *EventBus) Publish(event domain.Event) {
	b.mu.RLock()
	subs := make([]*subscription, len(b.subs[event.Name]))
	copy(subs, b.subs[event.Name])
	b.mu.RUnlock()

	b.logger.Debugw("publishing event",
		"event", event.Name,
		"peer_id", event.PeerID,
		"state", event.State,
		"subscribers", len(subs),
	)

	for _, sub := range subs {
		if sub.cond != nil && !sub.cond(event) {
			continue
		}
		if sub.once {
			if !sub.fired.CompareAndSwap(false, true) {
				continue
			}
			b.remove(event.Name, sub.id)
		}
		b.dispatch(event, sub)
	}
}

// SubscriberCount returns the number of live subscriptions for name.
func (b *EventBus) SubscriberCount(name domain.EventName) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}

func (b *EventBus) dispatch(event domain.Event, sub *subscription) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorw("event handler panicked",
				"event", event.Name,
				"peer_id", event.PeerID,
				"panic", r,
			)
		}
	}()
	sub.handler(event)
}

func (b *EventBus) add(name domain.EventName, sub *subscription) *subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub.id = b.nextID
	b.subs[name] = append(b.subs[name], sub)
	return sub
}

func (b *EventBus) remove(name domain.EventName, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[name]
	for i, s := range subs {
		if s.id == id {
			b.subs[name] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[name]) == 0 {
		delete(b.subs, name)
	}
}
