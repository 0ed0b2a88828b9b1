// Package message defines the queued chat message, its synthesis
// parameters, and the lifecycle state machine every message moves
// through on its way from chat to speaker.
package message

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a queued message.
type State int

const (
	// StateQueued indicates the message is waiting for synthesis.
	StateQueued State = iota
	// StateSynthesizing indicates a synthesis request is in flight.
	StateSynthesizing
	// StateWaitingForCache indicates an identical cache key is already
	// being synthesized elsewhere; the message resolves when that
	// request lands in the cache.
	StateWaitingForCache
	// StateReady indicates audio is available in the cache.
	StateReady
	// StatePlaying indicates the message is being played back.
	StatePlaying
	// StateDone is the terminal success state.
	StateDone
	// StateFailed is the terminal error state.
	StateFailed
	// StateSkipped is the terminal state for dropped or skipped messages.
	StateSkipped
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateSynthesizing:
		return "synthesizing"
	case StateWaitingForCache:
		return "waiting-for-cache"
	case StateReady:
		return "ready"
	case StatePlaying:
		return "playing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is terminal.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateSkipped
}

// ErrIllegalTransition is returned when a state transition is not part
// of the lifecycle graph.
var ErrIllegalTransition = errors.New("illegal state transition")

// transitions is the set of legal forward edges. Failed and Skipped are
// reachable from every non-terminal state and are handled separately.
var transitions = map[State][]State{
	StateQueued:          {StateSynthesizing, StateWaitingForCache, StateReady},
	StateSynthesizing:    {StateWaitingForCache, StateReady},
	StateWaitingForCache: {StateReady},
	StateReady:           {StatePlaying},
	StatePlaying:         {StateDone},
}

// validTransition reports whether from -> to is a legal edge.
func validTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed || to == StateSkipped || to == StateDone {
		// Done is normally reached from Playing, but skip-current and
		// skip-all finish messages early from any live state.
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Params are the synthesis parameters captured when a message is
// enqueued. Later configuration changes never alter a queued message.
type Params struct {
	Speed             float64 `json:"speed"`
	Temperature       float64 `json:"temperature"`
	RepetitionPenalty float64 `json:"repetition_penalty"`
	MaxTokens         int     `json:"max_tokens"`
}

// Message is one chat message in flight through the pipeline.
//
// Mutation is serialized by the owning queue manager; components other
// than the owner only read snapshots taken under the manager lock.
type Message struct {
	ID       string
	Seq      uint64 // global arrival order, assigned at enqueue
	Username string
	Platform string
	RewardID string

	RawText string // text as received from chat
	Text    string // text after voice extraction
	Voice   string
	Params  Params

	CacheKey string

	State       State
	EnqueuedAt  time.Time
	Transitions map[State]time.Time
	Err         error
}

// New creates a message in the Queued state with a fresh id.
func New(username, platform, rawText, text, voice string, params Params) *Message {
	now := time.Now()
	return &Message{
		ID:          uuid.NewString(),
		Username:    username,
		Platform:    platform,
		RawText:     rawText,
		Text:        text,
		Voice:       voice,
		Params:      params,
		CacheKey:    Key(text, voice, params),
		State:       StateQueued,
		EnqueuedAt:  now,
		Transitions: map[State]time.Time{StateQueued: now},
	}
}

// Advance moves the message to the next state, validating the edge and
// recording the transition time. Callers must hold the owner's lock.
func (m *Message) Advance(to State) error {
	if !validTransition(m.State, to) {
		return fmt.Errorf("%w: %s -> %s (message %s)", ErrIllegalTransition, m.State, to, m.ID)
	}
	m.State = to
	m.Transitions[to] = time.Now()
	return nil
}

// Fail marks the message Failed and captures the error.
func (m *Message) Fail(err error) error {
	if advErr := m.Advance(StateFailed); advErr != nil {
		return advErr
	}
	m.Err = err
	return nil
}

// Snapshot is an immutable copy of the fields observers may read. The
// owning queue manager takes one under its lock before handing it to
// subscribers, so it never races with later transitions.
type Snapshot struct {
	ID       string
	Seq      uint64
	Username string
	Platform string
	Voice    string
	Text     string
	CacheKey string
	State    State
	Err      error
}

// Snapshot copies the observable fields. Callers must hold the owner's
// lock.
func (m *Message) Snapshot() Snapshot {
	return Snapshot{
		ID:       m.ID,
		Seq:      m.Seq,
		Username: m.Username,
		Platform: m.Platform,
		Voice:    m.Voice,
		Text:     m.Text,
		CacheKey: m.CacheKey,
		State:    m.State,
		Err:      m.Err,
	}
}
