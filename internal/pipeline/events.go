package pipeline

import (
	"sync"

	"github.com/dgnsrekt/squawk/internal/message"
)

// EventType identifies what changed.
type EventType int

const (
	// EventQueueChanged fires when the number of queued messages changes.
	EventQueueChanged EventType = iota
	// EventStateChanged fires on every message lifecycle transition.
	EventStateChanged
	// EventCacheSizeChanged fires when the cache grows or shrinks.
	EventCacheSizeChanged
)

// Event carries one notification. Only the fields matching Type are
// set. Message is a snapshot taken under the queue manager's lock, so
// subscribers may read it from any goroutine.
type Event struct {
	Type       EventType
	QueueDepth int
	Message    message.Snapshot
	CacheBytes int64
}

// Events is a small observer registry. Publishing never blocks: a
// subscriber that cannot keep up loses events rather than stalling the
// pipeline.
type Events struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewEvents creates an empty registry.
func NewEvents() *Events {
	return &Events{subs: make(map[int]chan Event)}
}

// Subscribe registers a listener with the given channel buffer and
// returns the channel plus a cancel function. Cancel closes the channel.
func (e *Events) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	e.mu.Lock()
	id := e.next
	e.next++
	e.subs[id] = ch
	e.mu.Unlock()

	cancel := func() {
		e.mu.Lock()
		if sub, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(sub)
		}
		e.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber, dropping it for any
// subscriber whose buffer is full.
func (e *Events) Publish(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
