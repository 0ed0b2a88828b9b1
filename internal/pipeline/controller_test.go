package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/dgnsrekt/squawk/internal/audio"
	"github.com/dgnsrekt/squawk/internal/cache"
	"github.com/dgnsrekt/squawk/internal/message"
	"github.com/dgnsrekt/squawk/internal/player"
	"github.com/dgnsrekt/squawk/internal/queue"
	"github.com/dgnsrekt/squawk/internal/scheduler"
	"github.com/dgnsrekt/squawk/internal/synth"
)

type fixture struct {
	ctrl   *Controller
	queues *queue.Manager
	sink   *audio.MockSink
	mock   *synth.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	queues := queue.NewManager(queue.Config{
		DefaultVoice: "brian",
		KnownVoices:  []string{"brian", "amy"},
		Mode:         queue.ModeBracket,
		Params:       message.Params{Speed: 1.0, Temperature: 0.75, RepetitionPenalty: 1.1, MaxTokens: 1200},
	})
	store, err := cache.New(cache.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	mock := synth.NewMock()
	sink := audio.NewMockSink(0)

	sched := scheduler.New(scheduler.Config{BatchSize: 2}, queues, store, mock)
	play := player.New(player.Config{Delay: 0}, queues, store, sink)

	ctrl := New(Config{
		SchedulerInterval: 10 * time.Millisecond,
		PlayerInterval:    5 * time.Millisecond,
		RewardVoices:      map[string]string{"reward-amy": "amy"},
	}, queues, store, sched, play, mock)

	return &fixture{ctrl: ctrl, queues: queues, sink: sink, mock: mock}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestController_EndToEnd(t *testing.T) {
	f := newFixture(t)
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer f.ctrl.Stop()

	msg, err := f.ctrl.HandleChat("viewer", "twitch", "[amy] hello chat", "")
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return f.queues.State(msg) == message.StateDone
	})

	played := f.sink.Played()
	if len(played) != 1 {
		t.Fatalf("playbacks = %d, want 1", len(played))
	}
	if got := string(played[0].PCM); got != "pcm:amy:hello chat" {
		t.Errorf("played blob = %q", got)
	}
}

func TestController_StartTwiceRejected(t *testing.T) {
	f := newFixture(t)
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer f.ctrl.Stop()

	if err := f.ctrl.Start(context.Background()); err != ErrAlreadyStarted {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

func TestController_RewardForcesVoice(t *testing.T) {
	f := newFixture(t)

	msg, err := f.ctrl.HandleChat("viewer", "twitch", "no voice tag here", "reward-amy")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Voice != "amy" {
		t.Errorf("voice = %q, want reward-mapped amy", msg.Voice)
	}
}

func TestController_EventsFlowDuringLifecycle(t *testing.T) {
	f := newFixture(t)
	ch, cancel := f.ctrl.Events().Subscribe(64)
	defer cancel()

	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer f.ctrl.Stop()

	msg, err := f.ctrl.HandleChat("viewer", "twitch", "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return f.queues.State(msg) == message.StateDone
	})

	var sawQueue, sawState, sawCache bool
	for {
		select {
		case ev := <-ch:
			switch ev.Type {
			case EventQueueChanged:
				sawQueue = true
			case EventStateChanged:
				sawState = true
			case EventCacheSizeChanged:
				sawCache = true
			}
			continue
		default:
		}
		break
	}

	if !sawQueue || !sawState || !sawCache {
		t.Errorf("events seen: queue=%v state=%v cache=%v, want all", sawQueue, sawState, sawCache)
	}
}

func TestController_SkipAll(t *testing.T) {
	f := newFixture(t)

	a, _ := f.ctrl.HandleChat("viewer", "twitch", "first", "")
	b, _ := f.ctrl.HandleChat("viewer", "twitch", "second", "")

	if n := f.ctrl.SkipAll(); n != 2 {
		t.Errorf("SkipAll = %d, want 2", n)
	}
	if f.queues.State(a) != message.StateSkipped || f.queues.State(b) != message.StateSkipped {
		t.Error("messages not skipped")
	}
}

func TestController_StatsSnapshot(t *testing.T) {
	f := newFixture(t)

	f.ctrl.HandleChat("viewer", "twitch", "waiting", "")
	s := f.ctrl.Stats()
	if s.QueueDepth != 1 {
		t.Errorf("QueueDepth = %d, want 1", s.QueueDepth)
	}
	if s.Played != 0 || s.Failed != 0 {
		t.Errorf("counters = %d/%d, want 0/0", s.Played, s.Failed)
	}
}

func TestController_StopCancelsInFlightWork(t *testing.T) {
	f := newFixture(t)
	f.mock.SetVoiceDelay("brian", 10*time.Second)

	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	msg, err := f.ctrl.HandleChat("viewer", "twitch", "slow one", "")
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, time.Second, func() bool { return f.mock.Calls() == 1 })

	start := time.Now()
	if err := f.ctrl.Stop(); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Stop took %v, want prompt cancellation", elapsed)
	}
	if got := f.queues.State(msg); !got.Terminal() {
		t.Errorf("state after stop = %s, want terminal", got)
	}
}
