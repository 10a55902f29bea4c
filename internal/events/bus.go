package events

import (
	"sync"
)

// Topic enumerates the engine's lifecycle events.
type Topic string

const (
	TopicSyncStarted       Topic = "sync.started"
	TopicSyncCompleted     Topic = "sync.completed"
	TopicSyncFailed        Topic = "sync.failed"
	TopicConnectionLinked  Topic = "connection.linked"
	TopicConnectionRemoved Topic = "connection.removed"
)

// SyncStarted is published when an orchestrated sync begins.
type SyncStarted struct {
	JournalID string
	UserID    string
	Forced    bool
}

// SyncCompleted is published after a sync run finishes, including
// partial successes.
type SyncCompleted struct {
	JournalID string
	Created   int
	Updated   int
	Closed    int
	Errors    int
}

// SyncFailed is published when a sync aborts with a typed error.
type SyncFailed struct {
	JournalID string
	Reason    string
}

// ConnectionEvent covers link and unlink of a broker connection.
type ConnectionEvent struct {
	JournalID string
	Provider  string
	AccountID string
}

// Bus is a lightweight in-process pub/sub broker using channels.
type Bus struct {
	mu   sync.RWMutex
	subs map[Topic][]chan any
}

func NewBus() *Bus {
	return &Bus{subs: make(map[Topic][]chan any)}
}

// Subscribe registers a listener and returns the channel plus an
// unsubscribe function that also closes the channel.
func (b *Bus) Subscribe(t Topic, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan any, buffer)
	b.subs[t] = append(b.subs[t], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[t]
		for i, c := range subs {
			if c == ch {
				close(c)
				b.subs[t] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}

	return ch, unsub
}

// Publish fans the payload out to subscribers without blocking.
func (b *Bus) Publish(t Topic, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[t] {
		select {
		case ch <- payload:
		default:
			// drop if subscriber is slow; publishers must never block
		}
	}
}
