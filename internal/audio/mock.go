package audio

import (
	"context"
	"sync"
	"time"
)

// Played records one playback seen by the mock sink.
type Played struct {
	PCM    []byte
	Volume float64
}

// MockSink is an in-memory Sink for tests. Each playback takes a
// configurable duration and honors interruption.
type MockSink struct {
	mu       sync.Mutex
	duration time.Duration
	played   []Played
	failWith error
}

// NewMockSink creates a mock sink whose playbacks take d.
func NewMockSink(d time.Duration) *MockSink {
	return &MockSink{duration: d}
}

// FailWith makes every subsequent Play return err.
func (m *MockSink) FailWith(err error) {
	m.mu.Lock()
	m.failWith = err
	m.mu.Unlock()
}

// Played returns a copy of all completed or attempted playbacks in
// order.
func (m *MockSink) Played() []Played {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Played, len(m.played))
	copy(out, m.played)
	return out
}

// Play implements Sink.
func (m *MockSink) Play(ctx context.Context, pcm []byte, volume float64) error {
	m.mu.Lock()
	m.played = append(m.played, Played{PCM: append([]byte(nil), pcm...), Volume: volume})
	err := m.failWith
	d := m.duration
	m.mu.Unlock()

	if err != nil {
		return err
	}

	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
