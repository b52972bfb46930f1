package events

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSConfig configures the NATS bridge.
type NATSConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222")
	URL string
	// Name is the client name for identification
	Name string
	// Token for authentication
	Token string
	// Username for authentication
	Username string
	// Password for authentication
	Password string
	// SubjectPrefix is prepended to the event kind, e.g. "blazeguard.events"
	SubjectPrefix string
	// Queue, when set, load-balances events across bridge instances
	Queue string
	// MaxReconnects is the maximum number of reconnect attempts (-1 for infinite)
	MaxReconnects int
	// ReconnectWait is the time to wait between reconnect attempts
	ReconnectWait time.Duration
	// Timeout is the connection timeout
	Timeout time.Duration
}

// DefaultNATSConfig returns a default bridge configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "blazeguard",
		SubjectPrefix: "blazeguard.events",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Subject returns the NATS subject carrying events of kind.
func Subject(prefix string, kind Kind) string {
	return prefix + "." + string(kind)
}

// NATSBridge connects the local bus to NATS. Events received on
// <prefix>.<kind> are decoded and published on the bus; Forward publishes
// local events to NATS.
type NATSBridge struct {
	config NATSConfig
	bus    *Bus
	logger *zap.Logger

	mu   sync.RWMutex
	conn *nats.Conn
	sub  *nats.Subscription
}

// NewNATSBridge creates a bridge. Connect must be called before use.
func NewNATSBridge(config NATSConfig, bus *Bus, logger *zap.Logger) *NATSBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultNATSConfig()
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = defaults.SubjectPrefix
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	return &NATSBridge{
		config: config,
		bus:    bus,
		logger: logger.Named("nats"),
	}
}

// Connect establishes the NATS connection.
func (b *NATSBridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil && b.conn.IsConnected() {
		return nil
	}

	opts := []nats.Option{
		nats.Name(b.config.Name),
		nats.MaxReconnects(b.config.MaxReconnects),
		nats.ReconnectWait(b.config.ReconnectWait),
		nats.Timeout(b.config.Timeout),
	}

	if b.config.Token != "" {
		opts = append(opts, nats.Token(b.config.Token))
	} else if b.config.Username != "" {
		opts = append(opts, nats.UserInfo(b.config.Username, b.config.Password))
	}

	opts = append(opts,
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			b.logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				b.logger.Error("NATS error", zap.String("subject", sub.Subject), zap.Error(err))
			} else {
				b.logger.Error("NATS error", zap.Error(err))
			}
		}),
	)

	conn, err := nats.Connect(b.config.URL, opts...)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}

	b.conn = conn
	b.logger.Info("connected to NATS", zap.String("url", conn.ConnectedUrl()))
	return nil
}

// Start subscribes to every event subject under the prefix.
func (b *NATSBridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		return fmt.Errorf("not connected")
	}
	if b.bus == nil {
		return fmt.Errorf("no bus to publish to")
	}

	subject := b.config.SubjectPrefix + ".*"
	var sub *nats.Subscription
	var err error
	if b.config.Queue != "" {
		sub, err = b.conn.QueueSubscribe(subject, b.config.Queue, b.handleMsg)
	} else {
		sub, err = b.conn.Subscribe(subject, b.handleMsg)
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	b.sub = sub
	b.logger.Info("subscribed to events", zap.String("subject", subject))
	return nil
}

// Forward publishes ev to its NATS subject.
func (b *NATSBridge) Forward(ctx context.Context, ev Event) error {
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := Encode(ev)
	if err != nil {
		return err
	}
	if err := conn.Publish(Subject(b.config.SubjectPrefix, ev.Kind()), data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Kind(), err)
	}
	if _, ok := ctx.Deadline(); ok {
		return conn.FlushWithContext(ctx)
	}
	return conn.FlushTimeout(b.config.Timeout)
}

func (b *NATSBridge) handleMsg(msg *nats.Msg) {
	kind := Kind(strings.TrimPrefix(msg.Subject, b.config.SubjectPrefix+"."))

	ev, err := Decode(msg.Data)
	if err != nil {
		b.logger.Warn("dropping undecodable event", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	if ev.Kind() != kind {
		b.logger.Warn("event kind does not match subject",
			zap.String("subject", msg.Subject),
			zap.String("kind", string(ev.Kind())),
		)
		return
	}

	b.bus.Publish(context.Background(), ev)
}

// Close drains the subscription and closes the connection.
func (b *NATSBridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sub != nil {
		if err := b.sub.Unsubscribe(); err != nil {
			b.logger.Debug("unsubscribe failed", zap.Error(err))
		}
		b.sub = nil
	}
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
}

// Connected reports whether the bridge currently holds a live connection.
func (b *NATSBridge) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.conn != nil && b.conn.IsConnected()
}
