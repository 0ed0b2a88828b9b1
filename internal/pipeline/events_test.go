package pipeline

import "testing"

func TestEvents_PublishReachesSubscribers(t *testing.T) {
	events := NewEvents()
	ch, cancel := events.Subscribe(4)
	defer cancel()

	events.Publish(Event{Type: EventQueueChanged, QueueDepth: 3})

	select {
	case ev := <-ch:
		if ev.Type != EventQueueChanged || ev.QueueDepth != 3 {
			t.Errorf("got %+v, want queue-changed depth 3", ev)
		}
	default:
		t.Fatal("event not delivered")
	}
}

func TestEvents_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	events := NewEvents()
	ch, cancel := events.Subscribe(1)
	defer cancel()

	events.Publish(Event{Type: EventQueueChanged, QueueDepth: 1})
	events.Publish(Event{Type: EventQueueChanged, QueueDepth: 2}) // buffer full, dropped

	ev := <-ch
	if ev.QueueDepth != 1 {
		t.Errorf("QueueDepth = %d, want 1", ev.QueueDepth)
	}
	select {
	case extra := <-ch:
		t.Errorf("unexpected second event %+v", extra)
	default:
	}
}

func TestEvents_CancelClosesChannel(t *testing.T) {
	events := NewEvents()
	ch, cancel := events.Subscribe(1)
	cancel()

	if _, open := <-ch; open {
		t.Error("channel still open after cancel")
	}

	// Publishing after cancel must not panic.
	events.Publish(Event{Type: EventCacheSizeChanged, CacheBytes: 10})
}
