package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"

	"github.com/dgnsrekt/squawk/internal/cache"
	"github.com/dgnsrekt/squawk/internal/message"
	"github.com/dgnsrekt/squawk/internal/player"
	"github.com/dgnsrekt/squawk/internal/queue"
	"github.com/dgnsrekt/squawk/internal/scheduler"
	"github.com/dgnsrekt/squawk/internal/synth"
)

var (
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("pipeline already started")

	// ErrNotStarted is returned for operations that need a running pipeline.
	ErrNotStarted = errors.New("pipeline not started")
)

// Default cycle cadences. The scheduler cadence bounds how long a
// message sits queued before its batch is considered; the player
// cadence bounds the gap between a message turning Ready and playback.
const (
	DefaultSchedulerInterval = 200 * time.Millisecond
	DefaultPlayerInterval    = 100 * time.Millisecond
	DefaultStatsInterval     = 30 * time.Second
)

// Config holds pipeline configuration.
type Config struct {
	SchedulerInterval time.Duration
	PlayerInterval    time.Duration
	StatsInterval     time.Duration

	// RewardVoices maps chat reward ids to forced voices.
	RewardVoices map[string]string
}

// Stats is a point-in-time snapshot of the pipeline.
type Stats struct {
	QueueDepth   int
	LiveMessages int
	CacheEntries int
	CacheBytes   int64
	Played       int64
	Failed       int64
	Uptime       time.Duration
}

// Controller owns the background cycles and exposes the command
// surface. All commands are safe for concurrent use.
type Controller struct {
	queues *queue.Manager
	store  *cache.Engine
	sched  *scheduler.Scheduler
	play   *player.Controller
	client synth.Client
	events *Events

	cfg Config

	mu        sync.Mutex
	started   bool
	startTime time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New wires the components together and hooks their notifications into
// the event registry. It does not start any background work.
func New(cfg Config, queues *queue.Manager, store *cache.Engine, sched *scheduler.Scheduler, play *player.Controller, client synth.Client) *Controller {
	if cfg.SchedulerInterval <= 0 {
		cfg.SchedulerInterval = DefaultSchedulerInterval
	}
	if cfg.PlayerInterval <= 0 {
		cfg.PlayerInterval = DefaultPlayerInterval
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = DefaultStatsInterval
	}

	c := &Controller{
		queues: queues,
		store:  store,
		sched:  sched,
		play:   play,
		client: client,
		events: NewEvents(),
		cfg:    cfg,
	}

	queues.SetCallbacks(
		func(depth int) {
			c.events.Publish(Event{Type: EventQueueChanged, QueueDepth: depth})
		},
		func(snap message.Snapshot) {
			c.events.Publish(Event{Type: EventStateChanged, Message: snap})
		},
	)
	store.SetSizeCallback(func(total int64) {
		c.events.Publish(Event{Type: EventCacheSizeChanged, CacheBytes: total})
	})

	return c
}

// Events returns the notification registry.
func (c *Controller) Events() *Events { return c.events }

// Start launches the scheduler, player, and stats loops. The synthesis
// service is probed once; an unreachable service is logged, not fatal,
// since it may come up later.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true
	c.startTime = time.Now()

	if err := c.client.Health(ctx); err != nil {
		log.Warn("synthesis service unreachable at startup", "error", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(3)
	go c.runLoop(loopCtx, c.cfg.SchedulerInterval, c.sched.RunCycle)
	go c.runLoop(loopCtx, c.cfg.PlayerInterval, c.play.RunCycle)
	go c.runLoop(loopCtx, c.cfg.StatsInterval, c.logStats)

	log.Info("pipeline started",
		"scheduler_interval", c.cfg.SchedulerInterval,
		"player_interval", c.cfg.PlayerInterval)
	return nil
}

// Stop halts the loops, waits for in-flight synthesis batches, and
// flushes the cache index.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil
	}
	c.started = false

	c.cancel()
	c.wg.Wait()
	c.sched.Wait()

	if err := c.store.Close(); err != nil {
		return err
	}
	log.Info("pipeline stopped",
		"played", c.play.PlayedCount(), "failed", c.play.FailedCount())
	return nil
}

// runLoop invokes fn at a fixed cadence. The interval is armed only
// after a cycle completes, so cycles of one loop never overlap.
func (c *Controller) runLoop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer c.wg.Done()

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			fn(ctx)
			timer.Reset(interval)
		}
	}
}

// HandleChat enqueues a chat message. A reward id mapped in the config
// forces the mapped voice regardless of the text.
func (c *Controller) HandleChat(username, platform, text, rewardID string) (*message.Message, error) {
	forced := ""
	if rewardID != "" {
		forced = c.cfg.RewardVoices[rewardID]
	}
	return c.queues.Enqueue(username, platform, text, rewardID, forced)
}

// SkipCurrent interrupts the message playing right now.
func (c *Controller) SkipCurrent() {
	c.play.SkipCurrent()
}

// SkipAll skips the current message and every queued one.
func (c *Controller) SkipAll() int {
	n := c.queues.SkipAll()
	c.play.SkipCurrent()
	log.Info("skipped all messages", "count", n)
	return n
}

// ClearCache removes every unpinned cache entry.
func (c *Controller) ClearCache() error {
	return c.store.Clear()
}

// CompressCache re-encodes uncompressed cache entries with zstd.
func (c *Controller) CompressCache() error {
	before := c.store.Size()
	if err := c.store.Compress(); err != nil {
		return err
	}
	log.Info("cache compressed",
		"before", humanize.Bytes(uint64(before)),
		"after", humanize.Bytes(uint64(c.store.Size())))
	return nil
}

// SetGlobalVolume sets the master volume.
func (c *Controller) SetGlobalVolume(v float64) {
	c.play.SetGlobalVolume(v)
}

// SetVoiceVolume sets a per-voice volume override.
func (c *Controller) SetVoiceVolume(voice string, v float64) {
	c.play.SetVoiceVolume(voice, v)
}

// SetBatchSize sets the synthesis batch size, clamped to its bounds.
func (c *Controller) SetBatchSize(n int) {
	c.sched.SetBatchSize(n)
}

// SetDelay sets the pause between consecutive messages.
func (c *Controller) SetDelay(d time.Duration) {
	c.play.SetDelay(d)
}

// Stats returns a snapshot of the pipeline.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	start := c.startTime
	c.mu.Unlock()

	s := Stats{
		QueueDepth:   c.queues.Depth(),
		LiveMessages: c.queues.LiveCount(),
		CacheEntries: c.store.Len(),
		CacheBytes:   c.store.Size(),
		Played:       c.play.PlayedCount(),
		Failed:       c.play.FailedCount(),
	}
	if !start.IsZero() {
		s.Uptime = time.Since(start)
	}
	return s
}

func (c *Controller) logStats(context.Context) {
	s := c.Stats()
	log.Debug("pipeline stats",
		"queued", s.QueueDepth,
		"live", s.LiveMessages,
		"cache_entries", s.CacheEntries,
		"cache_size", humanize.Bytes(uint64(s.CacheBytes)),
		"played", s.Played,
		"failed", s.Failed)
}
