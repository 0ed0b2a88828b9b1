package queue

import (
	"errors"
	"testing"

	"github.com/dgnsrekt/squawk/internal/message"
)

func testConfig(mode Mode) Config {
	return Config{
		DefaultVoice: "brian",
		KnownVoices:  []string{"brian", "amy", "Justin"},
		Mode:         mode,
		Params:       message.Params{Speed: 1.0, Temperature: 0.75, RepetitionPenalty: 1.1, MaxTokens: 1200},
	}
}

func TestEnqueue_BracketExtraction(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantVoice string
		wantText  string
	}{
		{"known voice", "[amy] hello chat", "amy", "hello chat"},
		{"case insensitive", "[Justin] hi there", "justin", "hi there"},
		{"unknown voice stays text", "[robot] beep boop", "brian", "[robot] beep boop"},
		{"no bracket", "plain message", "brian", "plain message"},
		{"bracket mid-text ignored", "say [amy] later", "brian", "say [amy] later"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(testConfig(ModeBracket))
			msg, err := m.Enqueue("viewer", "twitch", tt.raw, "", "")
			if err != nil {
				t.Fatalf("Enqueue failed: %v", err)
			}
			if msg.Voice != tt.wantVoice {
				t.Errorf("voice = %q, want %q", msg.Voice, tt.wantVoice)
			}
			if msg.Text != tt.wantText {
				t.Errorf("text = %q, want %q", msg.Text, tt.wantText)
			}
		})
	}
}

func TestEnqueue_FirstWordExtraction(t *testing.T) {
	m := NewManager(testConfig(ModeFirstWord))

	msg, err := m.Enqueue("viewer", "twitch", "amy hello chat", "", "")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if msg.Voice != "amy" || msg.Text != "hello chat" {
		t.Errorf("got voice=%q text=%q, want amy/hello chat", msg.Voice, msg.Text)
	}

	msg, err = m.Enqueue("viewer", "twitch", "unknown hello chat", "", "")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if msg.Voice != "brian" || msg.Text != "unknown hello chat" {
		t.Errorf("unknown first word: got voice=%q text=%q", msg.Voice, msg.Text)
	}
}

func TestEnqueue_EmptyAfterExtractionIsSkipped(t *testing.T) {
	m := NewManager(testConfig(ModeBracket))

	var states []message.State
	m.SetCallbacks(nil, func(snap message.Snapshot) {
		states = append(states, snap.State)
	})

	_, err := m.Enqueue("viewer", "twitch", "[amy]   ", "", "")
	if !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("Enqueue = %v, want ErrEmptyMessage", err)
	}
	if m.Depth() != 0 {
		t.Errorf("Depth = %d, want 0 (empty message must not be enqueued)", m.Depth())
	}
	if len(states) != 1 || states[0] != message.StateSkipped {
		t.Errorf("state notifications = %v, want one Skipped", states)
	}
}

func TestEnqueue_ForceVoiceBypassesExtraction(t *testing.T) {
	m := NewManager(testConfig(ModeBracket))

	msg, err := m.Enqueue("viewer", "twitch", "[amy] preserved", "reward-1", "justin")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if msg.Voice != "justin" {
		t.Errorf("voice = %q, want justin", msg.Voice)
	}
	if msg.Text != "[amy] preserved" {
		t.Errorf("text = %q, want raw text preserved", msg.Text)
	}
	if msg.RewardID != "reward-1" {
		t.Errorf("reward id = %q, want reward-1", msg.RewardID)
	}
}

func TestEnqueue_ParamsCapturedAtEnqueueTime(t *testing.T) {
	m := NewManager(testConfig(ModeBracket))

	first, err := m.Enqueue("viewer", "twitch", "hello", "", "")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	m.SetParams(message.Params{Speed: 2.0})
	second, err := m.Enqueue("viewer", "twitch", "hello", "", "")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if first.Params.Speed != 1.0 {
		t.Errorf("first message speed = %v, changed retroactively", first.Params.Speed)
	}
	if second.Params.Speed != 2.0 {
		t.Errorf("second message speed = %v, want 2.0", second.Params.Speed)
	}
	if first.CacheKey == second.CacheKey {
		t.Error("parameter change did not change the cache key")
	}
}

func TestDrainBatch_FIFOWithinVoice(t *testing.T) {
	m := NewManager(testConfig(ModeBracket))

	for _, text := range []string{"one", "two", "three"} {
		if _, err := m.Enqueue("viewer", "twitch", "[amy] "+text, "", ""); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	batch := m.DrainBatch("amy", 2)
	if len(batch) != 2 {
		t.Fatalf("DrainBatch returned %d messages, want 2", len(batch))
	}
	if batch[0].Text != "one" || batch[1].Text != "two" {
		t.Errorf("batch order = %q,%q, want one,two", batch[0].Text, batch[1].Text)
	}

	rest := m.DrainBatch("amy", 6)
	if len(rest) != 1 || rest[0].Text != "three" {
		t.Errorf("second drain = %v, want just three", rest)
	}
	if m.DrainBatch("amy", 1) != nil {
		t.Error("drain of empty queue should return nil")
	}
}

func TestEarliestLive_GlobalArrivalOrderAcrossVoices(t *testing.T) {
	m := NewManager(testConfig(ModeBracket))

	first, _ := m.Enqueue("viewer", "twitch", "[amy] slow voice", "", "")
	second, _ := m.Enqueue("viewer", "twitch", "[justin] fast voice", "", "")

	// The fast voice finishes synthesis first; head must stay on the
	// earlier message.
	if err := m.Advance(second, message.StateSynthesizing); err != nil {
		t.Fatal(err)
	}
	if err := m.Advance(second, message.StateReady); err != nil {
		t.Fatal(err)
	}

	if head := m.EarliestLive(); head == nil || head.ID != first.ID {
		t.Fatalf("EarliestLive = %+v, want first enqueued message", head)
	}

	// Once the head finishes, the later message surfaces.
	_ = m.Advance(first, message.StateSkipped)
	if head := m.EarliestLive(); head == nil || head.ID != second.ID {
		t.Fatalf("EarliestLive after skip = %+v, want second message", head)
	}
}

func TestSkipAll_ClearsQueuesAndSkipsLiveMessages(t *testing.T) {
	m := NewManager(testConfig(ModeBracket))

	queued, _ := m.Enqueue("viewer", "twitch", "one", "", "")
	synthesizing, _ := m.Enqueue("viewer", "twitch", "two", "", "")
	m.DrainBatch("brian", 1)
	_ = m.Advance(queued, message.StateSynthesizing)
	_ = synthesizing // stays queued

	skipped := m.SkipAll()
	if skipped != 2 {
		t.Errorf("SkipAll skipped %d, want 2", skipped)
	}
	if m.Depth() != 0 {
		t.Errorf("Depth after SkipAll = %d, want 0", m.Depth())
	}
	if m.State(queued) != message.StateSkipped || m.State(synthesizing) != message.StateSkipped {
		t.Error("live messages not transitioned to Skipped")
	}

	// A synthesis result arriving after the skip is rejected by the
	// state machine and therefore discarded.
	if err := m.Advance(queued, message.StateReady); !errors.Is(err, message.ErrIllegalTransition) {
		t.Errorf("post-skip Advance = %v, want ErrIllegalTransition", err)
	}
}

func TestDuplicates_AreDistinctMessagesWithSameKey(t *testing.T) {
	m := NewManager(testConfig(ModeBracket))

	a, _ := m.Enqueue("viewer1", "twitch", "[amy] same text", "", "")
	b, _ := m.Enqueue("viewer2", "youtube", "[amy] same text", "", "")

	if a.ID == b.ID {
		t.Error("duplicates must be distinct messages")
	}
	if a.CacheKey != b.CacheKey {
		t.Error("identical text+voice+params must share a cache key")
	}
	if m.Depth() != 2 {
		t.Errorf("Depth = %d, want 2 (per-message delivery)", m.Depth())
	}
}

func TestCallbacks_StateNotificationsAreSnapshots(t *testing.T) {
	m := NewManager(testConfig(ModeBracket))

	snaps := make(chan message.Snapshot, 16)
	m.SetCallbacks(nil, func(snap message.Snapshot) {
		snaps <- snap
	})

	// Subscriber reads notifications on its own goroutine while the
	// pipeline keeps advancing the message.
	var seen []message.State
	done := make(chan struct{})
	go func() {
		defer close(done)
		for snap := range snaps {
			seen = append(seen, snap.State)
		}
	}()

	msg, err := m.Enqueue("viewer", "twitch", "[amy] hello chat", "", "")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	for _, to := range []message.State{message.StateSynthesizing, message.StateReady, message.StatePlaying} {
		if err := m.Advance(msg, to); err != nil {
			t.Fatalf("Advance(%s) failed: %v", to, err)
		}
	}
	if err := m.Complete(msg, nil); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	close(snaps)
	<-done

	// Each notification carries the state at its own transition, not
	// whatever the live message mutated to afterwards.
	want := []message.State{
		message.StateQueued,
		message.StateSynthesizing,
		message.StateReady,
		message.StatePlaying,
		message.StateDone,
	}
	if len(seen) != len(want) {
		t.Fatalf("got %d notifications %v, want %d", len(seen), seen, len(want))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("notification %d = %s, want %s", i, seen[i], want[i])
		}
	}
}
