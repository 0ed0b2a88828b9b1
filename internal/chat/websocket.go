package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

// DefaultReconnectWait is the pause between websocket reconnect
// attempts.
const DefaultReconnectWait = 5 * time.Second

// WebSocketConfig configures a websocket chat source.
type WebSocketConfig struct {
	URL               string
	MessagesPerSecond float64
	Burst             int
	ReconnectWait     time.Duration
}

// WebSocketSource reads chat payload frames from a websocket endpoint
// and reconnects when the connection drops.
type WebSocketSource struct {
	cfg      WebSocketConfig
	throttle *throttle
}

// NewWebSocketSource creates a websocket source delivering to handler.
func NewWebSocketSource(cfg WebSocketConfig, handler Handler) *WebSocketSource {
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = DefaultReconnectWait
	}
	return &WebSocketSource{
		cfg:      cfg,
		throttle: newThrottle(cfg.MessagesPerSecond, cfg.Burst, handler),
	}
}

// Run implements Source. It dials, reads until the connection drops,
// then waits and redials, until the context is cancelled.
func (s *WebSocketSource) Run(ctx context.Context) error {
	for {
		if err := s.readOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("chat connection lost", "url", s.cfg.URL, "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.ReconnectWait):
		}
	}
}

func (s *WebSocketSource) readOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %q: %w", s.cfg.URL, err)
	}
	defer conn.Close()

	log.Info("chat source connected", "url", s.cfg.URL)

	// Unblock ReadMessage when the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		in, err := decode(data)
		if err != nil {
			log.Warn("invalid chat frame, skipping", "error", err)
			continue
		}
		s.throttle.deliver(in)
	}
}
