package queue

import (
	"errors"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/squawk/internal/message"
)

// Mode selects how a voice name is extracted from chat text.
type Mode string

const (
	// ModeBracket extracts "[voice] text".
	ModeBracket Mode = "bracket"
	// ModeFirstWord treats the first token as the voice name.
	ModeFirstWord Mode = "firstword"
)

// ErrEmptyMessage is returned when a message has no speakable text left
// after voice extraction. The message is signaled as skipped, never
// enqueued.
var ErrEmptyMessage = errors.New("message is empty after voice extraction")

// Config holds the queue manager configuration.
type Config struct {
	DefaultVoice string
	KnownVoices  []string
	Mode         Mode

	// Params are captured per message at enqueue time; changing them
	// later never alters messages already in flight.
	Params message.Params
}

// Manager owns every message from enqueue until it reaches a terminal
// state. All message state transitions are serialized through its lock,
// so producers (chat sources) and consumers (scheduler, player) never
// share mutable message state.
type Manager struct {
	mu           sync.Mutex
	defaultVoice string
	known        map[string]struct{}
	mode         Mode
	params       message.Params

	queues map[string][]*message.Message // per-voice FIFO, pending synthesis
	live   []*message.Message            // global arrival order, pruned as heads finish
	seq    uint64

	onQueueChanged func(depth int)
	onStateChanged func(snap message.Snapshot)
}

// NewManager creates a queue manager.
func NewManager(cfg Config) *Manager {
	if cfg.Mode == "" {
		cfg.Mode = ModeBracket
	}
	known := make(map[string]struct{}, len(cfg.KnownVoices))
	for _, voice := range cfg.KnownVoices {
		known[strings.ToLower(voice)] = struct{}{}
	}
	return &Manager{
		defaultVoice: cfg.DefaultVoice,
		known:        known,
		mode:         cfg.Mode,
		params:       cfg.Params,
		queues:       make(map[string][]*message.Message),
	}
}

// SetCallbacks registers queue-changed and state-changed notifications.
// Callbacks are invoked without the manager lock held; the state
// callback receives a snapshot taken under the lock, never the live
// message.
func (m *Manager) SetCallbacks(onQueueChanged func(int), onStateChanged func(message.Snapshot)) {
	m.mu.Lock()
	m.onQueueChanged = onQueueChanged
	m.onStateChanged = onStateChanged
	m.mu.Unlock()
}

// SetParams replaces the synthesis parameters captured for future
// messages.
func (m *Manager) SetParams(params message.Params) {
	m.mu.Lock()
	m.params = params
	m.mu.Unlock()
}

// Enqueue validates raw chat text, extracts the voice, and places the
// message on its voice queue. forceVoice, when non-empty, bypasses
// extraction (reward redemptions pick their voice server-side).
func (m *Manager) Enqueue(username, platform, rawText, rewardID, forceVoice string) (*message.Message, error) {
	m.mu.Lock()

	voice, text := m.extract(rawText)
	if forceVoice != "" {
		voice, text = forceVoice, strings.TrimSpace(rawText)
	}

	if text == "" {
		params := m.params
		m.mu.Unlock()

		// Signal the drop as Skipped without enqueueing.
		msg := message.New(username, platform, rawText, text, voice, params)
		_ = msg.Advance(message.StateSkipped)
		m.notifyState(msg.Snapshot())
		log.Debug("dropped empty chat message", "user", username, "platform", platform)
		return nil, ErrEmptyMessage
	}

	msg := message.New(username, platform, rawText, text, voice, m.params)
	msg.RewardID = rewardID
	m.seq++
	msg.Seq = m.seq

	m.queues[voice] = append(m.queues[voice], msg)
	m.live = append(m.live, msg)
	depth := m.depthLocked()
	snap := msg.Snapshot()
	m.mu.Unlock()

	log.Debug("enqueued chat message",
		"id", msg.ID,
		"seq", msg.Seq,
		"user", username,
		"voice", voice,
		"key", msg.CacheKey)

	m.notifyQueue(depth)
	m.notifyState(snap)
	return msg, nil
}

// extract applies the configured extraction mode. An unknown voice
// token is ordinary text and the default voice is used. Caller holds
// the lock.
func (m *Manager) extract(raw string) (voice, text string) {
	trimmed := strings.TrimSpace(raw)

	switch m.mode {
	case ModeBracket:
		if strings.HasPrefix(trimmed, "[") {
			if end := strings.Index(trimmed, "]"); end > 1 {
				token := strings.ToLower(strings.TrimSpace(trimmed[1:end]))
				if _, ok := m.known[token]; ok {
					return token, strings.TrimSpace(trimmed[end+1:])
				}
			}
		}
	case ModeFirstWord:
		if idx := strings.IndexAny(trimmed, " \t"); idx > 0 {
			token := strings.ToLower(trimmed[:idx])
			if _, ok := m.known[token]; ok {
				return token, strings.TrimSpace(trimmed[idx+1:])
			}
		} else if _, ok := m.known[strings.ToLower(trimmed)]; ok {
			// A lone voice token carries no text to speak.
			return strings.ToLower(trimmed), ""
		}
	}

	return m.defaultVoice, trimmed
}

// PendingVoices returns the voices that currently have messages waiting
// for synthesis.
func (m *Manager) PendingVoices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	voices := make([]string, 0, len(m.queues))
	for voice, pending := range m.queues {
		if len(pending) > 0 {
			voices = append(voices, voice)
		}
	}
	return voices
}

// DrainBatch removes and returns up to n pending messages for the
// voice, preserving FIFO order.
func (m *Manager) DrainBatch(voice string, n int) []*message.Message {
	m.mu.Lock()

	pending := m.queues[voice]
	if len(pending) == 0 {
		m.mu.Unlock()
		return nil
	}
	if n > len(pending) {
		n = len(pending)
	}
	batch := pending[:n:n]
	m.queues[voice] = pending[n:]
	depth := m.depthLocked()
	m.mu.Unlock()

	m.notifyQueue(depth)
	return batch
}

// Advance transitions a message, serialized through the manager lock,
// and fires the state-changed notification. Illegal transitions are
// reported to the caller, not applied.
func (m *Manager) Advance(msg *message.Message, to message.State) error {
	m.mu.Lock()
	err := msg.Advance(to)
	var snap message.Snapshot
	if err == nil {
		snap = msg.Snapshot()
	}
	m.mu.Unlock()

	if err != nil {
		return err
	}
	m.notifyState(snap)
	return nil
}

// Complete transitions a message to Done. A non-nil cause records a
// playback error without failing the message; one bad file must not
// stall the queue.
func (m *Manager) Complete(msg *message.Message, cause error) error {
	m.mu.Lock()
	err := msg.Advance(message.StateDone)
	var snap message.Snapshot
	if err == nil {
		msg.Err = cause
		snap = msg.Snapshot()
	}
	m.mu.Unlock()

	if err != nil {
		return err
	}
	m.notifyState(snap)
	return nil
}

// Fail transitions a message to Failed with the given cause.
func (m *Manager) Fail(msg *message.Message, cause error) error {
	m.mu.Lock()
	err := msg.Fail(cause)
	var snap message.Snapshot
	if err == nil {
		snap = msg.Snapshot()
	}
	m.mu.Unlock()

	if err != nil {
		return err
	}
	m.notifyState(snap)
	return nil
}

// State returns the message's current state under the manager lock.
func (m *Manager) State(msg *message.Message) message.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return msg.State
}

// EarliestLive returns the non-terminal message with the lowest global
// sequence number, or nil. Playback keys off this: the head message is
// played next no matter which voice synthesized fastest.
func (m *Manager) EarliestLive() *message.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked()
	if len(m.live) == 0 {
		return nil
	}
	return m.live[0]
}

// WaitingForKey returns live messages currently in WaitingForCache for
// the given cache key.
func (m *Manager) WaitingForKey(key string) []*message.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	var waiting []*message.Message
	for _, msg := range m.live {
		if msg.CacheKey == key && msg.State == message.StateWaitingForCache {
			waiting = append(waiting, msg)
		}
	}
	return waiting
}

// Waiting returns every live message in the WaitingForCache state.
func (m *Manager) Waiting() []*message.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	var waiting []*message.Message
	for _, msg := range m.live {
		if msg.State == message.StateWaitingForCache {
			waiting = append(waiting, msg)
		}
	}
	return waiting
}

// SkipAll transitions every non-terminal message to Skipped and clears
// all voice queues. Messages currently Playing are left to the playback
// controller, which interrupts and finishes them.
func (m *Manager) SkipAll() int {
	m.mu.Lock()

	var skipped []message.Snapshot
	for _, msg := range m.live {
		if msg.State.Terminal() || msg.State == message.StatePlaying {
			continue
		}
		if err := msg.Advance(message.StateSkipped); err == nil {
			skipped = append(skipped, msg.Snapshot())
		}
	}
	m.queues = make(map[string][]*message.Message)
	m.pruneLocked()
	depth := m.depthLocked()
	m.mu.Unlock()

	for _, snap := range skipped {
		m.notifyState(snap)
	}
	m.notifyQueue(depth)

	log.Info("skipped all queued messages", "count", len(skipped))
	return len(skipped)
}

// Depth returns the number of messages waiting for synthesis across all
// voices.
func (m *Manager) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depthLocked()
}

// LiveCount returns the number of non-terminal messages.
func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	return len(m.live)
}

func (m *Manager) depthLocked() int {
	depth := 0
	for _, pending := range m.queues {
		depth += len(pending)
	}
	return depth
}

// pruneLocked drops terminal messages from the head of the arrival
// list. Terminal messages behind a live head stay until the head moves
// past them, which keeps sequence scanning trivial.
func (m *Manager) pruneLocked() {
	i := 0
	for i < len(m.live) && m.live[i].State.Terminal() {
		i++
	}
	m.live = m.live[i:]
}

func (m *Manager) notifyQueue(depth int) {
	m.mu.Lock()
	fn := m.onQueueChanged
	m.mu.Unlock()
	if fn != nil {
		fn(depth)
	}
}

func (m *Manager) notifyState(snap message.Snapshot) {
	m.mu.Lock()
	fn := m.onStateChanged
	m.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}
