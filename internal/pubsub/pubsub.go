// Package pubsub provides typed, synchronous topics.
//
// Listeners of a Topic run on the publisher's goroutine in subscription order.
// A listener that panics is recovered and logged so the remaining listeners
// still receive the value.
package pubsub

import (
	"log"
	"sync"
)

type Subscription interface {
	Off()
}

type listener[T any] struct {
	id uint64
	fn func(T)
}

type Topic[T any] struct {
	name      string
	log       *log.Logger
	mu        sync.RWMutex
	nextId    uint64
	listeners []listener[T]
}

func NewTopic[T any](name string, logger *log.Logger) *Topic[T] {
	return &Topic[T]{
		name: name,
		log:  logger,
	}
}

// Subscribe registers fn and returns a Subscription that removes it.
func (t *Topic[T]) Subscribe(fn func(T)) Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextId++
	t.listeners = append(t.listeners, listener[T]{id: t.nextId, fn: fn})
	return &subscription[T]{topic: t, id: t.nextId}
}

// Publish delivers v to every listener registered at the time of the call.
func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	listeners := make([]listener[T], len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.RUnlock()

	for _, l := range listeners {
		t.deliver(l, v)
	}
}

func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.listeners)
}

func (t *Topic[T]) deliver(l listener[T], v T) {
	defer func() {
		if err := recover(); err != nil && t.log != nil {
			t.log.Printf("%s: listener %d panicked: %v", t.name, l.id, err)
		}
	}()

	l.fn(v)
}

func (t *Topic[T]) remove(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, l := range t.listeners {
		if l.id == id {
			t.listeners = append(t.listeners[:i:i], t.listeners[i+1:]...)
			return
		}
	}
}

type subscription[T any] struct {
	topic *Topic[T]
	id    uint64
	once  sync.Once
}

func (s *subscription[T]) Off() {
	s.once.Do(func() {
		s.topic.remove(s.id)
	})
}

// Group collects subscriptions so they can be released together.
type Group struct {
	mu   sync.Mutex
	subs []Subscription
}

func (g *Group) Add(s Subscription) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subs = append(g.subs, s)
}

func (g *Group) Off() {
	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()

	for _, s := range subs {
		s.Off()
	}
}
