// Package events implements the internal event bus using NATS core pub/sub.
// Service packages publish events to NATS subjects, and the WebSocket
// gateway subscribes to dispatch real-time updates to connected peers. This
// is fan-out only, not queued or replayed, so JetStream is not used.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Subject constants define the NATS subject hierarchy for all event types.
// Subjects follow the pattern: firma.<category>.<action>
const (
	SubjectPeerConnected    = "firma.peer.connected"
	SubjectPeerDisconnected = "firma.peer.disconnected"
	SubjectPeerPresence     = "firma.peer.presence"

	SubjectTransferCreated    = "firma.transfer.created"
	SubjectTransferUpdated    = "firma.transfer.updated"
	SubjectTransferSigned     = "firma.transfer.signed"
	SubjectTransferCompleted  = "firma.transfer.completed"
	SubjectTransferCancelled  = "firma.transfer.cancelled"
	SubjectTransferFailed     = "firma.transfer.failed"

	SubjectDocumentUpdated = "firma.document.updated"

	SubjectMessageCreated   = "firma.message.created"
	SubjectMessageStatus    = "firma.message.status"

	SubjectGroupUpdated      = "firma.group.updated"
	SubjectGroupMemberUpdate = "firma.group.member_update"
)

// Event is the envelope for all events published through NATS. It mirrors
// the WebSocket gateway dispatch format so events can be forwarded to
// subscribers with minimal transformation.
type Event struct {
	Type       string          `json:"t"`
	PeerID     string          `json:"peerId,omitempty"`
	GroupID    string          `json:"groupId,omitempty"`
	TransferID string          `json:"transferId,omitempty"`
	Data       json.RawMessage `json:"d"`
}

// Bus wraps a NATS connection and provides publish/subscribe methods for the
// Firma-Sign event system. It is the central nervous system connecting
// service packages, the WebSocket gateway, and background workers.
type Bus struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// New connects to the NATS server at the given URL and returns an event Bus.
func New(natsURL string, logger *slog.Logger) (*Bus, error) {
	opts := []nats.Option{
		nats.Name("firma-sign"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(60),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("NATS error", slog.String("error", err.Error()))
		}),
	}

	nc, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", natsURL, err)
	}

	logger.Info("NATS connection established", slog.String("url", nc.ConnectedUrl()))

	return &Bus{conn: nc, logger: logger}, nil
}

// Publish sends an event to the specified NATS subject. The event data is
// JSON encoded before publishing.
func (b *Bus) Publish(_ context.Context, subject string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event for %s: %w", subject, err)
	}

	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}

	b.logger.Debug("event published", slog.String("subject", subject), slog.String("type", event.Type))
	return nil
}

// PublishPeerEvent publishes an event targeted at a specific peer (and, via
// the gateway's subscriber-scoped broadcast, anyone else subscribed to that
// peer's updates).
func (b *Bus) PublishPeerEvent(ctx context.Context, subject, eventType, peerID string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event data: %w", err)
	}
	return b.Publish(ctx, subject, Event{Type: eventType, PeerID: peerID, Data: raw})
}

// PublishTransferEvent publishes an event routed to subscribers of a
// transfer's lifecycle.
func (b *Bus) PublishTransferEvent(ctx context.Context, subject, eventType, transferID string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event data: %w", err)
	}
	return b.Publish(ctx, subject, Event{Type: eventType, TransferID: transferID, Data: raw})
}

// PublishGroupEvent publishes an event routed to all members of a group.
func (b *Bus) PublishGroupEvent(ctx context.Context, subject, eventType, groupID string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event data: %w", err)
	}
	return b.Publish(ctx, subject, Event{Type: eventType, GroupID: groupID, Data: raw})
}

// Subscribe creates a subscription to the specified NATS subject. The
// handler receives decoded Event objects. Returns a Subscription that can be
// used to unsubscribe.
func (b *Bus) Subscribe(subject string, handler func(Event)) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Error("failed to unmarshal event", slog.String("subject", subject), slog.String("error", err.Error()))
			return
		}
		handler(event)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	b.logger.Debug("subscribed to subject", slog.String("subject", subject))
	return sub, nil
}

// SubscribeWildcard subscribes to all events matching a wildcard pattern.
// For example, "firma.transfer.>" matches all transfer events.
func (b *Bus) SubscribeWildcard(pattern string, handler func(string, Event)) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(pattern, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Error("failed to unmarshal event", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
			return
		}
		handler(msg.Subject, event)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", pattern, err)
	}

	b.logger.Debug("subscribed to pattern", slog.String("pattern", pattern))
	return sub, nil
}

// Conn returns the underlying NATS connection for advanced use cases.
func (b *Bus) Conn() *nats.Conn {
	return b.conn
}

// HealthCheck verifies the NATS connection is alive.
func (b *Bus) HealthCheck() error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS connection is not active (status: %s)", b.conn.Status())
	}
	return nil
}

// Close drains pending messages and closes the NATS connection.
func (b *Bus) Close() {
	b.logger.Info("closing NATS connection")
	b.conn.Drain()
}
