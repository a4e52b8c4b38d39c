package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/cellrun/cellrun/internal/common/config"
	"github.com/cellrun/cellrun/internal/common/logger"
)

// NATSEventBus is an EventBus backed by a NATS connection
type NATSEventBus struct {
	conn   *nats.Conn
	subs   []*nats.Subscription
	logger *logger.Logger
}

// NewNATSEventBus connects to NATS using the given configuration
func NewNATSEventBus(cfg config.NATSConfig, log *logger.Logger) (*NATSEventBus, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name("cellrun-kernel-orchestrator"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	return &NATSEventBus{
		conn:   conn,
		logger: log.WithFields(zap.String("component", "nats-event-bus")),
	}, nil
}

// Publish marshals the event and publishes it on the subject
func (b *NATSEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID))
	return nil
}

// Subscribe registers a handler for a subject
func (b *NATSEventBus) Subscribe(subject string, handler Handler) error {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Warn("failed to unmarshal event",
				zap.String("subject", subject),
				zap.Error(err))
			return
		}
		handler(&event)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	b.subs = append(b.subs, sub)
	return nil
}

// Close drains subscriptions and closes the connection
func (b *NATSEventBus) Close() error {
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.conn.Close()
	return nil
}
