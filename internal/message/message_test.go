package message

import (
	"errors"
	"testing"
)

func TestAdvance_HappyPath(t *testing.T) {
	msg := New("viewer", "twitch", "hello", "hello", "brian", Params{Speed: 1.0})

	path := []State{StateSynthesizing, StateReady, StatePlaying, StateDone}
	for _, next := range path {
		if err := msg.Advance(next); err != nil {
			t.Fatalf("Advance(%s) failed: %v", next, err)
		}
		if msg.State != next {
			t.Fatalf("state = %s, want %s", msg.State, next)
		}
		if _, ok := msg.Transitions[next]; !ok {
			t.Errorf("transition time for %s not recorded", next)
		}
	}
}

func TestAdvance_WaitingForCache(t *testing.T) {
	msg := New("viewer", "twitch", "hello", "hello", "brian", Params{})

	for _, next := range []State{StateSynthesizing, StateWaitingForCache, StateReady} {
		if err := msg.Advance(next); err != nil {
			t.Fatalf("Advance(%s) failed: %v", next, err)
		}
	}
}

func TestAdvance_IllegalTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []State
		next State
	}{
		{"ready to queued", []State{StateReady}, StateQueued},
		{"playing to ready", []State{StateReady, StatePlaying}, StateReady},
		{"queued to playing", nil, StatePlaying},
		{"done is terminal", []State{StateReady, StatePlaying, StateDone}, StatePlaying},
		{"failed is terminal", []State{StateFailed}, StateReady},
		{"skipped is terminal", []State{StateSkipped}, StateSynthesizing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := New("viewer", "twitch", "x", "x", "brian", Params{})
			for _, s := range tt.path {
				if err := msg.Advance(s); err != nil {
					t.Fatalf("setup Advance(%s) failed: %v", s, err)
				}
			}
			err := msg.Advance(tt.next)
			if !errors.Is(err, ErrIllegalTransition) {
				t.Errorf("Advance(%s) = %v, want ErrIllegalTransition", tt.next, err)
			}
		})
	}
}

func TestAdvance_TerminalFromAnyLiveState(t *testing.T) {
	for _, live := range []State{StateQueued, StateSynthesizing, StateWaitingForCache, StateReady, StatePlaying} {
		msg := New("viewer", "twitch", "x", "x", "brian", Params{})
		msg.State = live
		if err := msg.Advance(StateSkipped); err != nil {
			t.Errorf("Advance(Skipped) from %s failed: %v", live, err)
		}
	}
}

func TestFail_CapturesError(t *testing.T) {
	msg := New("viewer", "twitch", "x", "x", "brian", Params{})
	cause := errors.New("synthesis exploded")

	if err := msg.Fail(cause); err != nil {
		t.Fatalf("Fail returned error: %v", err)
	}
	if msg.State != StateFailed {
		t.Errorf("state = %s, want failed", msg.State)
	}
	if !errors.Is(msg.Err, cause) {
		t.Errorf("Err = %v, want %v", msg.Err, cause)
	}
}

func TestKey_Deterministic(t *testing.T) {
	params := Params{Speed: 1.0, Temperature: 0.75, RepetitionPenalty: 1.1, MaxTokens: 1200}

	k1 := Key("hello chat", "brian", params)
	k2 := Key("hello chat", "brian", params)
	if k1 != k2 {
		t.Errorf("identical inputs produced different keys: %s vs %s", k1, k2)
	}
}

func TestKey_SensitiveToEveryParameter(t *testing.T) {
	base := Params{Speed: 1.0, Temperature: 0.75, RepetitionPenalty: 1.1, MaxTokens: 1200}
	baseKey := Key("hello chat", "brian", base)

	tests := []struct {
		name   string
		text   string
		voice  string
		params Params
	}{
		{"text", "hello  chat!", "brian", base},
		{"voice", "hello chat", "amy", base},
		{"speed", "hello chat", "brian", Params{Speed: 1.5, Temperature: 0.75, RepetitionPenalty: 1.1, MaxTokens: 1200}},
		{"temperature", "hello chat", "brian", Params{Speed: 1.0, Temperature: 0.8, RepetitionPenalty: 1.1, MaxTokens: 1200}},
		{"repetition penalty", "hello chat", "brian", Params{Speed: 1.0, Temperature: 0.75, RepetitionPenalty: 1.2, MaxTokens: 1200}},
		{"max tokens", "hello chat", "brian", Params{Speed: 1.0, Temperature: 0.75, RepetitionPenalty: 1.1, MaxTokens: 800}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if Key(tt.text, tt.voice, tt.params) == baseKey {
				t.Errorf("changing %s did not change the key", tt.name)
			}
		})
	}
}

func TestKey_NormalizesWhitespaceAndVoiceCase(t *testing.T) {
	params := Params{Speed: 1.0}

	if Key("hello   chat", "brian", params) != Key("hello chat", "brian", params) {
		t.Error("whitespace runs should not change the key")
	}
	if Key("hello chat", "Brian ", params) != Key("hello chat", "brian", params) {
		t.Error("voice case and padding should not change the key")
	}
}
