package events

import (
	"context"
	"sync"
)

// LocalBus delivers published events to in-process subscribers. Slow
// subscribers lose events instead of blocking publishers.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	closed bool
}

type subscription struct {
	pattern string
	ch      chan Event
}

// NewLocalBus creates an empty bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[int]*subscription)}
}

// Subscribe returns a channel of events whose subject matches pattern. The
// channel is closed when ctx ends or the bus is closed.
func (b *LocalBus) Subscribe(ctx context.Context, pattern string, buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscription{pattern: pattern, ch: make(chan Event, buffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
	}()
	return sub.ch
}

// Publish implements Publisher.
func (b *LocalBus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !MatchSubject(sub.pattern, event.Subject()) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions.
func (b *LocalBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *LocalBus) Flush(context.Context) error { return nil }

// Close ends every subscription.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
	return nil
}
