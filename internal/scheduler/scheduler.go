// Package scheduler drives messages through synthesis: it drains voice
// queues in batches, consults the cache before touching the network,
// and advances message state as results land.
package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/squawk/internal/cache"
	"github.com/dgnsrekt/squawk/internal/message"
	"github.com/dgnsrekt/squawk/internal/queue"
	"github.com/dgnsrekt/squawk/internal/synth"
)

// Batch size bounds. One synthesis request per voice keeps GPU-side
// load predictable; the batch size trades latency for throughput.
const (
	MinBatchSize = 1
	MaxBatchSize = 6

	// DefaultMaxConcurrent caps concurrent synthesis requests across
	// all voices.
	DefaultMaxConcurrent = 3
)

// ErrSynthesisAbandoned marks a waiter whose producing batch failed
// before its audio reached the cache.
var ErrSynthesisAbandoned = errors.New("synthesis abandoned: producing batch failed")

// Config holds scheduler configuration.
type Config struct {
	BatchSize     int
	MaxConcurrent int
}

// Scheduler owns the Queued -> Synthesizing -> WaitingForCache|Ready
// portion of the message lifecycle.
type Scheduler struct {
	queues *queue.Manager
	store  *cache.Engine
	client synth.Client

	mu            sync.Mutex
	batchSize     int
	inflightVoice map[string]bool
	inflightKeys  map[string]bool

	sem chan struct{}
	wg  sync.WaitGroup
}

// New creates a scheduler.
func New(cfg Config, queues *queue.Manager, store *cache.Engine, client synth.Client) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	s := &Scheduler{
		queues:        queues,
		store:         store,
		client:        client,
		inflightVoice: make(map[string]bool),
		inflightKeys:  make(map[string]bool),
		sem:           make(chan struct{}, cfg.MaxConcurrent),
	}
	s.SetBatchSize(cfg.BatchSize)
	return s
}

// SetBatchSize sets the per-voice batch size, clamped to [1, 6].
func (s *Scheduler) SetBatchSize(n int) {
	if n < MinBatchSize {
		n = MinBatchSize
	}
	if n > MaxBatchSize {
		n = MaxBatchSize
	}
	s.mu.Lock()
	s.batchSize = n
	s.mu.Unlock()
}

// BatchSize returns the current batch size.
func (s *Scheduler) BatchSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batchSize
}

// RunCycle executes one scheduling pass. It never blocks on network
// calls: batches are dispatched to goroutines bounded by the global
// concurrency semaphore, and at most one request per voice is in
// flight at a time.
func (s *Scheduler) RunCycle(ctx context.Context) {
	s.resolveWaiting()

	for _, voice := range s.queues.PendingVoices() {
		s.mu.Lock()
		if s.inflightVoice[voice] {
			s.mu.Unlock()
			continue
		}
		batchSize := s.batchSize
		s.mu.Unlock()

		batch := s.queues.DrainBatch(voice, batchSize)
		if len(batch) == 0 {
			continue
		}
		s.processBatch(ctx, voice, batch)
	}
}

// resolveWaiting promotes WaitingForCache messages whose audio has
// since landed. A waiter whose key is no longer in flight and still not
// cached lost its producer to a failed batch; it fails too.
func (s *Scheduler) resolveWaiting() {
	for _, msg := range s.queues.Waiting() {
		if s.store.Contains(msg.CacheKey) {
			s.advance(msg, message.StateReady)
			continue
		}
		s.mu.Lock()
		inflight := s.inflightKeys[msg.CacheKey]
		s.mu.Unlock()
		if !inflight {
			_ = s.queues.Fail(msg, ErrSynthesisAbandoned)
		}
	}
}

// processBatch splits a drained batch into cache hits, duplicate-key
// waiters, and messages that need a network call, then dispatches the
// network portion.
func (s *Scheduler) processBatch(ctx context.Context, voice string, batch []*message.Message) {
	var submit []*message.Message
	seen := make(map[string]bool, len(batch))

	s.mu.Lock()
	for _, msg := range batch {
		switch {
		case s.store.Contains(msg.CacheKey):
			s.mu.Unlock()
			log.Debug("cache hit", "id", msg.ID, "key", msg.CacheKey)
			s.advance(msg, message.StateReady)
			s.mu.Lock()
		case s.inflightKeys[msg.CacheKey] || seen[msg.CacheKey]:
			s.mu.Unlock()
			log.Debug("duplicate key in flight, waiting for cache", "id", msg.ID, "key", msg.CacheKey)
			s.advance(msg, message.StateWaitingForCache)
			s.mu.Lock()
		default:
			seen[msg.CacheKey] = true
			submit = append(submit, msg)
		}
	}

	if len(submit) == 0 {
		s.mu.Unlock()
		return
	}

	for _, msg := range submit {
		s.inflightKeys[msg.CacheKey] = true
	}
	s.inflightVoice[voice] = true
	s.mu.Unlock()

	live := make([]*message.Message, 0, len(submit))
	for _, msg := range submit {
		if s.advance(msg, message.StateSynthesizing) {
			live = append(live, msg)
		}
	}
	if len(live) == 0 {
		s.finishBatch(voice, submit)
		return
	}

	s.wg.Add(1)
	go s.dispatch(ctx, voice, submit, live)
}

// dispatch performs the network call for one batch. It is the only
// blocking part of the scheduler and runs outside the cycle.
func (s *Scheduler) dispatch(ctx context.Context, voice string, all, batch []*message.Message) {
	defer s.wg.Done()
	defer s.finishBatch(voice, all)

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		for _, msg := range batch {
			_ = s.queues.Fail(msg, ctx.Err())
		}
		return
	}

	reqs := make([]synth.Request, len(batch))
	for i, msg := range batch {
		reqs[i] = synth.Request{
			Text:              msg.Text,
			Voice:             msg.Voice,
			Speed:             msg.Params.Speed,
			Temperature:       msg.Params.Temperature,
			RepetitionPenalty: msg.Params.RepetitionPenalty,
			MaxTokens:         msg.Params.MaxTokens,
		}
	}

	blobs, err := s.client.SynthesizeBatch(ctx, reqs)
	if err != nil {
		// The remote call has no sub-batch failure granularity: the
		// whole batch fails as a unit, no automatic retry.
		log.Error("batch synthesis failed", "voice", voice, "size", len(batch), "error", err)
		for _, msg := range batch {
			if failErr := s.queues.Fail(msg, err); failErr != nil {
				// Already terminal (skip-all raced the network call).
				log.Debug("discarding failure for finished message", "id", msg.ID)
			}
		}
		return
	}

	for i, msg := range batch {
		if _, putErr := s.store.Put(msg.CacheKey, blobs[i]); putErr != nil {
			log.Error("failed to cache synthesized audio", "key", msg.CacheKey, "error", putErr)
			_ = s.queues.Fail(msg, putErr)
			continue
		}
		s.advance(msg, message.StateReady)

		// Wake duplicates parked on this key.
		for _, waiter := range s.queues.WaitingForKey(msg.CacheKey) {
			s.advance(waiter, message.StateReady)
		}
	}
}

// finishBatch releases the voice and key reservations for a batch.
func (s *Scheduler) finishBatch(voice string, batch []*message.Message) {
	s.mu.Lock()
	for _, msg := range batch {
		delete(s.inflightKeys, msg.CacheKey)
	}
	s.inflightVoice[voice] = false
	s.mu.Unlock()
}

// advance applies a transition, discarding results for messages that
// reached a terminal state while the work was in flight.
func (s *Scheduler) advance(msg *message.Message, to message.State) bool {
	if err := s.queues.Advance(msg, to); err != nil {
		log.Debug("discarding stale transition", "id", msg.ID, "to", to.String(), "error", err)
		return false
	}
	return true
}

// Wait blocks until every dispatched batch has finished. Used during
// shutdown and by tests.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
