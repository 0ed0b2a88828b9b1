package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/nats-io/nats.go"
)

// NATSConfig configures a NATS chat source.
type NATSConfig struct {
	URL               string
	Subject           string
	MessagesPerSecond float64
	Burst             int
	ConnectTimeout    time.Duration
}

// NATSSource subscribes to a NATS subject carrying the same JSON
// payload as the websocket source.
type NATSSource struct {
	cfg      NATSConfig
	throttle *throttle
}

// NewNATSSource creates a NATS source delivering to handler.
func NewNATSSource(cfg NATSConfig, handler Handler) *NATSSource {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	return &NATSSource{
		cfg:      cfg,
		throttle: newThrottle(cfg.MessagesPerSecond, cfg.Burst, handler),
	}
}

// Run implements Source. It connects, subscribes, and blocks until the
// context is cancelled, then drains the connection.
func (s *NATSSource) Run(ctx context.Context) error {
	conn, err := nats.Connect(s.cfg.URL,
		nats.Name("squawk-chat"),
		nats.Timeout(s.cfg.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to nats: %w", err)
	}
	defer conn.Close()

	sub, err := conn.Subscribe(s.cfg.Subject, func(m *nats.Msg) {
		s.handle(m.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %q: %w", s.cfg.Subject, err)
	}
	defer sub.Unsubscribe()

	log.Info("chat source subscribed", "subject", s.cfg.Subject, "url", s.cfg.URL)

	<-ctx.Done()
	if err := conn.Drain(); err != nil {
		log.Warn("failed to drain nats connection", "error", err)
	}
	return ctx.Err()
}

func (s *NATSSource) handle(data []byte) {
	in, err := decode(data)
	if err != nil {
		log.Warn("invalid chat frame, skipping", "error", err)
		return
	}
	s.throttle.deliver(in)
}
