// Package player consumes ready messages strictly in global arrival
// order and plays them through the audio sink, pinning cache entries
// for the duration of playback.
package player

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/squawk/internal/audio"
	"github.com/dgnsrekt/squawk/internal/cache"
	"github.com/dgnsrekt/squawk/internal/message"
	"github.com/dgnsrekt/squawk/internal/queue"
)

// DefaultDelay is the pause inserted between messages.
const DefaultDelay = 250 * time.Millisecond

// Config holds playback configuration.
type Config struct {
	Delay        time.Duration
	GlobalVolume float64 // 0..1, default 1.0
}

// Controller owns the Ready -> Playing -> Done edge of the lifecycle.
// A cycle plays at most one message and blocks for its duration; the
// surrounding debounced loop guarantees cycles never overlap.
type Controller struct {
	queues *queue.Manager
	store  *cache.Engine
	sink   audio.Sink

	mu            sync.Mutex
	delay         time.Duration
	globalVolume  float64
	voiceVolumes  map[string]float64
	currentCancel context.CancelFunc

	played atomic.Int64
	failed atomic.Int64
}

// New creates a playback controller.
func New(cfg Config, queues *queue.Manager, store *cache.Engine, sink audio.Sink) *Controller {
	if cfg.GlobalVolume <= 0 || cfg.GlobalVolume > 1 {
		cfg.GlobalVolume = 1.0
	}
	if cfg.Delay < 0 {
		cfg.Delay = DefaultDelay
	}
	return &Controller{
		queues:       queues,
		store:        store,
		sink:         sink,
		delay:        cfg.Delay,
		globalVolume: cfg.GlobalVolume,
		voiceVolumes: make(map[string]float64),
	}
}

// SetDelay sets the inter-message playback delay.
func (c *Controller) SetDelay(d time.Duration) {
	c.mu.Lock()
	if d >= 0 {
		c.delay = d
	}
	c.mu.Unlock()
}

// SetGlobalVolume sets the master volume, clamped to [0, 1].
func (c *Controller) SetGlobalVolume(v float64) {
	c.mu.Lock()
	c.globalVolume = clampVolume(v)
	c.mu.Unlock()
}

// SetVoiceVolume sets a per-voice volume override, clamped to [0, 1].
func (c *Controller) SetVoiceVolume(voice string, v float64) {
	c.mu.Lock()
	c.voiceVolumes[voice] = clampVolume(v)
	c.mu.Unlock()
}

// EffectiveVolume returns global volume times the per-voice override
// (100% when unset).
func (c *Controller) EffectiveVolume(voice string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	voiceVol, ok := c.voiceVolumes[voice]
	if !ok {
		voiceVol = 1.0
	}
	return c.globalVolume * voiceVol
}

// SkipCurrent interrupts the in-progress playback, if any. The
// interrupted message still reaches Done and its pin is released.
func (c *Controller) SkipCurrent() {
	c.mu.Lock()
	cancel := c.currentCancel
	c.mu.Unlock()

	if cancel != nil {
		log.Debug("skipping current playback")
		cancel()
	}
}

// PlayedCount returns the number of completed playbacks.
func (c *Controller) PlayedCount() int64 { return c.played.Load() }

// FailedCount returns the number of playbacks that errored.
func (c *Controller) FailedCount() int64 { return c.failed.Load() }

// RunCycle plays the next message if the head of the global arrival
// order is Ready. A head still synthesizing blocks playback: listeners
// hear chat in the order it happened, no matter which voice finished
// first.
func (c *Controller) RunCycle(ctx context.Context) {
	head := c.queues.EarliestLive()
	if head == nil {
		return
	}
	if c.queues.State(head) != message.StateReady {
		return
	}

	if err := c.queues.Advance(head, message.StatePlaying); err != nil {
		// Lost a race with skip-all; the next cycle re-evaluates.
		return
	}

	c.play(ctx, head)
}

// play performs one pinned playback. Sink failures finish the message
// with an error instead of stalling the queue.
func (c *Controller) play(ctx context.Context, msg *message.Message) {
	pinned := c.store.Pin(msg.CacheKey) == nil
	defer func() {
		if pinned {
			if err := c.store.Unpin(msg.CacheKey); err != nil {
				log.Warn("failed to unpin cache entry", "key", msg.CacheKey, "error", err)
			}
		}
	}()

	c.mu.Lock()
	delay := c.delay
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			_ = c.queues.Complete(msg, ctx.Err())
			return
		}
	}

	blob, err := c.store.Get(msg.CacheKey)
	if err != nil {
		log.Error("audio missing at playback time", "id", msg.ID, "key", msg.CacheKey, "error", err)
		c.failed.Add(1)
		_ = c.queues.Complete(msg, err)
		return
	}

	playCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.currentCancel = cancel
	c.mu.Unlock()

	volume := c.EffectiveVolume(msg.Voice)
	log.Debug("playing message",
		"id", msg.ID,
		"seq", msg.Seq,
		"voice", msg.Voice,
		"volume", volume,
		"bytes", len(blob))

	playErr := c.sink.Play(playCtx, blob, volume)

	c.mu.Lock()
	c.currentCancel = nil
	c.mu.Unlock()
	cancel()

	switch {
	case playErr == nil:
		c.played.Add(1)
		_ = c.queues.Complete(msg, nil)
	case playCtx.Err() != nil:
		// Interrupted by skip-current or shutdown; still done.
		c.played.Add(1)
		_ = c.queues.Complete(msg, nil)
	default:
		log.Error("playback failed", "id", msg.ID, "error", playErr)
		c.failed.Add(1)
		_ = c.queues.Complete(msg, playErr)
	}
}

func clampVolume(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
