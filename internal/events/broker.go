// Package events fans task lifecycle notifications out to subscribers.
package events

import (
	"sync"
	"time"
)

type Type string

const (
	TaskCreated  Type = "task_created"
	Progress     Type = "progress"
	StateChanged Type = "state_changed"
	TaskRemoved  Type = "task_removed"
)

// Event carries a snapshot payload, usually a domain.Task.
type Event struct {
	Type      Type      `json:"type"`
	TaskID    string    `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

const subscriberBuffer = 64

// Broker delivers events without blocking publishers. A subscriber that
// falls behind loses events rather than stalling downloads.
type Broker struct {
	mu   sync.RWMutex
	next int
	subs map[int]subscription
}

type subscription struct {
	ch    chan Event
	types map[Type]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[int]subscription)}
}

// Publish stamps ev and hands it to every interested subscriber.
func (b *Broker) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if len(sub.types) > 0 {
			if _, ok := sub.types[ev.Type]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of events of the given types (all types when
// none are given) and a cancel func that closes it.
func (b *Broker) Subscribe(types ...Type) (<-chan Event, func()) {
	sub := subscription{ch: make(chan Event, subscriberBuffer)}
	if len(types) > 0 {
		sub.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Subscribers is the current subscriber count.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
