// Package messages implements the per-peer conversation journal: sending,
// history, read receipts, and unread counts. It holds a *sql.DB directly
// (see DESIGN.md "Persistence style") and delegates actual wire delivery to
// internal/transport.Registry through a background delivery worker.
package messages

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/FirmaChain/firma-sign-sub001/internal/apperror"
	"github.com/FirmaChain/firma-sign-sub001/internal/events"
	"github.com/FirmaChain/firma-sign-sub001/internal/models"
	"github.com/FirmaChain/firma-sign-sub001/internal/transport"
)

// Service manages the Message journal and its delivery lifecycle.
type Service struct {
	db       *sql.DB
	registry *transport.Registry
	bus      *events.Bus
	logger   *slog.Logger
}

func New(db *sql.DB, registry *transport.Registry, bus *events.Bus, logger *slog.Logger) *Service {
	return &Service{db: db, registry: registry, bus: bus, logger: logger}
}

// SendInput describes a message to create and dispatch.
type SendInput struct {
	FromPeerID  string
	ToPeerID    string
	Content     string
	Type        string
	Transport   string
	Attachments []models.Attachment
	Encrypted   bool
}

// SendMessage inserts a Message row with status sent and hands it to
// deliverAsync. It returns as soon as the row is durable; delivery and status
// transitions happen asynchronously and are broadcast over the event bus.
func (s *Service) SendMessage(ctx context.Context, in SendInput) (*models.Message, error) {
	if in.ToPeerID == "" {
		return nil, apperror.InvalidRequest("toPeerId", "toPeerId is required")
	}
	if in.Content == "" && len(in.Attachments) == 0 {
		return nil, apperror.InvalidRequest("content", "content or attachments required")
	}
	msgType := in.Type
	if msgType == "" {
		msgType = models.MessageText
	}

	var attachments interface{}
	if len(in.Attachments) > 0 {
		b, err := json.Marshal(in.Attachments)
		if err != nil {
			return nil, apperror.InvalidRequest("attachments", "could not encode attachments")
		}
		attachments = string(b)
	}

	now := time.Now().UTC()
	msg := &models.Message{
		ID:          models.NewULID().String(),
		FromPeerID:  in.FromPeerID,
		ToPeerID:    in.ToPeerID,
		Content:     in.Content,
		Type:        msgType,
		Transport:   in.Transport,
		Direction:   models.DirectionOutbound,
		Status:      models.MessageSent,
		Attachments: in.Attachments,
		Encrypted:   in.Encrypted,
		SentAt:      &now,
		CreatedAt:   now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages
			(id, from_peer_id, to_peer_id, content, type, transport, direction, status, attachments, encrypted, sent_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.FromPeerID, msg.ToPeerID, msg.Content, msg.Type, msg.Transport,
		msg.Direction, msg.Status, attachments, boolToInt(msg.Encrypted), msg.SentAt, msg.CreatedAt)
	if err != nil {
		return nil, apperror.Storage("inserting message", err)
	}

	if s.bus != nil {
		_ = s.bus.PublishPeerEvent(ctx, events.SubjectMessageCreated, "message.created", msg.ToPeerID, msg)
	}

	s.deliverAsync(*msg)
	return msg, nil
}

// syntheticDeliveryDelay is how long deliverAsync waits before flipping a
// transportless message straight to delivered, standing in for the
// acknowledgment round trip a real transport would incur.
const syntheticDeliveryDelay = 150 * time.Millisecond

// deliverAsync advances a just-sent message to delivered in the background.
// When msg.Transport names a registered transport, delivery is confirmed by
// an actual send; delivery failures mark the message failed rather than
// propagating to the caller of SendMessage, since the row is already durable
// by the time delivery runs. Without a transport, delivery is synthetic: the
// message simply flips to delivered after syntheticDeliveryDelay.
func (s *Service) deliverAsync(msg models.Message) {
	if msg.Transport == "" || s.registry == nil {
		go func() {
			time.Sleep(syntheticDeliveryDelay)
			_ = s.transitionStatus(context.Background(), msg.ID, models.MessageDelivered)
		}()
		return
	}
	go func() {
		ctx := context.Background()
		env := transport.Envelope{
			Recipient: msg.ToPeerID,
			Metadata:  json.RawMessage(fmt.Sprintf(`{"content":%q,"type":%q}`, msg.Content, msg.Type)),
		}
		if err := s.registry.SendViaTransport(ctx, msg.Transport, env); err != nil {
			s.logger.Warn("message delivery failed", slog.String("messageId", msg.ID), slog.String("error", err.Error()))
			_ = s.transitionStatus(ctx, msg.ID, models.MessageFailed)
			return
		}
		_ = s.transitionStatus(ctx, msg.ID, models.MessageDelivered)
	}()
}

// transitionStatus advances a message's status, enforcing the monotonic
// state machine invariant and publishing a status event on success.
func (s *Service) transitionStatus(ctx context.Context, id, to string) error {
	msg, err := s.getMessage(ctx, id)
	if err != nil {
		return err
	}
	if !models.CanTransitionMessageStatus(msg.Status, to) {
		return apperror.Conflict("invalid_transition", fmt.Sprintf("cannot transition message from %s to %s", msg.Status, to))
	}

	now := time.Now().UTC()
	var sentAt, deliveredAt, readAt interface{}
	switch to {
	case models.MessageSent:
		sentAt = now
	case models.MessageDelivered:
		deliveredAt = now
	case models.MessageRead:
		readAt = now
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE messages SET status = ?,
			sent_at = COALESCE(?, sent_at),
			delivered_at = COALESCE(?, delivered_at),
			read_at = COALESCE(?, read_at)
		WHERE id = ?`, to, sentAt, deliveredAt, readAt, id)
	if err != nil {
		return apperror.Storage("updating message status", err)
	}

	if s.bus != nil {
		_ = s.bus.PublishPeerEvent(ctx, events.SubjectMessageStatus, "message.status", msg.ToPeerID, map[string]string{"id": id, "status": to})
	}
	return nil
}

// GetMessageHistory returns messages exchanged between two peers, newest
// first, along with whether more history exists beyond this page.
func (s *Service) GetMessageHistory(ctx context.Context, peerA, peerB string, limit int, before time.Time) (msgs []models.Message, hasMore bool, err error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + messageColumns + ` FROM messages
		WHERE ((from_peer_id = ? AND to_peer_id = ?) OR (from_peer_id = ? AND to_peer_id = ?))`
	args := []interface{}{peerA, peerB, peerB, peerA}
	if !before.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, before)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, apperror.Storage("querying message history", err)
	}
	defer rows.Close()

	out, err := scanMessages(rows)
	if err != nil {
		return nil, false, err
	}
	if len(out) > limit {
		return out[:limit], true, nil
	}
	return out, false, nil
}

// MarkMessagesAsRead marks every delivered message addressed to peerID in
// the conversation with otherPeerID as read. Idempotent: messages already
// read are left untouched rather than rejected.
func (s *Service) MarkMessagesAsRead(ctx context.Context, peerID, otherPeerID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, read_at = ?
		WHERE to_peer_id = ? AND from_peer_id = ? AND status = ?`,
		models.MessageRead, time.Now().UTC(), peerID, otherPeerID, models.MessageDelivered)
	if err != nil {
		return 0, apperror.Storage("marking messages read", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 && s.bus != nil {
		_ = s.bus.PublishPeerEvent(ctx, events.SubjectMessageStatus, "message.read", peerID, map[string]string{"fromPeerId": otherPeerID})
	}
	return n, nil
}

// MarkMessagesAsReadByIDs marks the named messages read, scoped to ones
// addressed to peerID, and is idempotent: messages already read contribute
// nothing to the affected count on a repeated call (spec.md §8 invariant).
func (s *Service) MarkMessagesAsReadByIDs(ctx context.Context, peerID string, messageIDs []string) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, apperror.InvalidRequest("messageIds", "messageIds must not be empty")
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(messageIDs)), ",")
	args := make([]interface{}, 0, len(messageIDs)+4)
	args = append(args, models.MessageRead, time.Now().UTC(), peerID, models.MessageDelivered)
	for _, id := range messageIDs {
		args = append(args, id)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, read_at = ?
		WHERE to_peer_id = ? AND status = ? AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, apperror.Storage("marking messages read", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 && s.bus != nil {
		_ = s.bus.PublishPeerEvent(ctx, events.SubjectMessageStatus, "message.read", peerID, map[string]interface{}{"messageIds": messageIDs})
	}
	return n, nil
}

// GetUnreadCount reports how many messages addressed to peerID have not yet
// been read, optionally scoped to a single sender.
func (s *Service) GetUnreadCount(ctx context.Context, peerID, fromPeerID string) (int, error) {
	query := `SELECT COUNT(*) FROM messages WHERE to_peer_id = ? AND status != ?`
	args := []interface{}{peerID, models.MessageRead}
	if fromPeerID != "" {
		query += ` AND from_peer_id = ?`
		args = append(args, fromPeerID)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, apperror.Storage("counting unread messages", err)
	}
	return count, nil
}

// SearchMessages looks up messages in peerID's conversations whose content
// matches query.
func (s *Service) SearchMessages(ctx context.Context, peerID, query string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	like := "%" + strings.ReplaceAll(query, "%", "\\%") + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE (from_peer_id = ? OR to_peer_id = ?) AND content LIKE ? ESCAPE '\'
		ORDER BY created_at DESC LIMIT ?`, peerID, peerID, like, limit)
	if err != nil {
		return nil, apperror.Storage("searching messages", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *Service) getMessage(ctx context.Context, id string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessageRow(row)
	if err == sql.ErrNoRows {
		return nil, apperror.NotFound("message", id)
	}
	if err != nil {
		return nil, apperror.Storage("scanning message", err)
	}
	return msg, nil
}

const messageColumns = `id, from_peer_id, to_peer_id, content, type, transport, direction, status, attachments, encrypted, sent_at, delivered_at, read_at, created_at`

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessageRow(row rowScanner) (*models.Message, error) {
	var m models.Message
	var attachments sql.NullString
	var sentAt, deliveredAt, readAt sql.NullTime
	var encrypted int

	err := row.Scan(&m.ID, &m.FromPeerID, &m.ToPeerID, &m.Content, &m.Type, &m.Transport,
		&m.Direction, &m.Status, &attachments, &encrypted, &sentAt, &deliveredAt, &readAt, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.Encrypted = encrypted != 0
	if attachments.Valid && attachments.String != "" {
		_ = json.Unmarshal([]byte(attachments.String), &m.Attachments)
	}
	if sentAt.Valid {
		m.SentAt = &sentAt.Time
	}
	if deliveredAt.Valid {
		m.DeliveredAt = &deliveredAt.Time
	}
	if readAt.Valid {
		m.ReadAt = &readAt.Time
	}
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]models.Message, error) {
	var out []models.Message
	for rows.Next() {
		m, err := scanMessageRow(rows)
		if err != nil {
			return nil, apperror.Storage("scanning message row", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}
