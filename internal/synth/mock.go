package synth

import (
	"context"
	"sync"
	"time"
)

// Mock is an in-memory Client for tests. It records every batch,
// supports per-voice latency to simulate slow voices, and can be told
// to fail.
type Mock struct {
	mu       sync.Mutex
	batches  [][]Request
	delays   map[string]time.Duration
	failNext error
	failAll  error
}

// NewMock creates a mock synthesis client.
func NewMock() *Mock {
	return &Mock{delays: make(map[string]time.Duration)}
}

// SetVoiceDelay makes batches for the given voice take at least d.
func (m *Mock) SetVoiceDelay(voice string, d time.Duration) {
	m.mu.Lock()
	m.delays[voice] = d
	m.mu.Unlock()
}

// FailNext makes the next batch fail with err.
func (m *Mock) FailNext(err error) {
	m.mu.Lock()
	m.failNext = err
	m.mu.Unlock()
}

// FailAll makes every batch fail with err until reset with nil.
func (m *Mock) FailAll(err error) {
	m.mu.Lock()
	m.failAll = err
	m.mu.Unlock()
}

// Batches returns a copy of every batch received so far.
func (m *Mock) Batches() [][]Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]Request, len(m.batches))
	copy(out, m.batches)
	return out
}

// Calls returns the number of batch calls received.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

// SynthesizeBatch implements Client. Blobs are deterministic functions
// of the request so tests can assert on content.
func (m *Mock) SynthesizeBatch(ctx context.Context, reqs []Request) ([][]byte, error) {
	if len(reqs) == 0 {
		return nil, ErrEmptyBatch
	}

	m.mu.Lock()
	m.batches = append(m.batches, append([]Request(nil), reqs...))
	delay := m.delays[reqs[0].Voice]
	err := m.failAll
	if m.failNext != nil {
		err = m.failNext
		m.failNext = nil
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err != nil {
		return nil, err
	}

	blobs := make([][]byte, len(reqs))
	for i, req := range reqs {
		blobs[i] = []byte("pcm:" + req.Voice + ":" + req.Text)
	}
	return blobs, nil
}

// Health implements Client.
func (m *Mock) Health(context.Context) error { return nil }
