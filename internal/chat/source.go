package chat

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"
)

// Inbound is the payload every source carries. RewardID is empty for
// plain messages.
type Inbound struct {
	Username string `json:"username"`
	Platform string `json:"platform"`
	Text     string `json:"text"`
	RewardID string `json:"reward_id,omitempty"`
}

// Handler receives decoded inbound messages.
type Handler func(Inbound)

// Source is a running chat adapter. Run blocks until the context is
// cancelled or the source fails permanently.
type Source interface {
	Run(ctx context.Context) error
}

// Default enqueue rate limit. Chat floods beyond this are dropped at
// the edge rather than piling up in the voice queues.
const (
	DefaultMessagesPerSecond = 5
	DefaultBurst             = 10
)

// throttle wraps a handler with a token-bucket rate limit.
type throttle struct {
	limiter *rate.Limiter
	handler Handler
}

func newThrottle(perSecond float64, burst int, handler Handler) *throttle {
	if perSecond <= 0 {
		perSecond = DefaultMessagesPerSecond
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	return &throttle{
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		handler: handler,
	}
}

// deliver forwards one message, dropping it when over the limit.
func (t *throttle) deliver(in Inbound) {
	if !t.limiter.Allow() {
		log.Warn("rate limit exceeded, dropping message",
			"username", in.Username, "platform", in.Platform)
		return
	}
	t.handler(in)
}

// decode parses one inbound JSON frame.
func decode(data []byte) (Inbound, error) {
	var in Inbound
	if err := sonic.Unmarshal(data, &in); err != nil {
		return Inbound{}, fmt.Errorf("failed to decode chat payload: %w", err)
	}
	return in, nil
}
