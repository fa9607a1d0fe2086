// Package transfers implements the transfer router: creation, per-recipient
// dispatch with retry, the sign-and-return flow, and the Transfer state
// machine. It holds a *sql.DB directly (see DESIGN.md "Persistence style")
// and delegates document bytes to internal/documents and wire delivery to
// internal/transport.Registry.
package transfers

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/FirmaChain/firma-sign-sub001/internal/apperror"
	"github.com/FirmaChain/firma-sign-sub001/internal/documents"
	"github.com/FirmaChain/firma-sign-sub001/internal/events"
	"github.com/FirmaChain/firma-sign-sub001/internal/models"
	"github.com/FirmaChain/firma-sign-sub001/internal/transport"
)

// codeAlphabet is the 32-character Crockford-like alphabet used for
// human-readable transfer codes: no 0/O or 1/I.
const codeAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

const codeLength = 6

// backoffSchedule is the retry delay table for transient transport failures,
// capped at its last value past the 5th attempt.
var backoffSchedule = []time.Duration{
	100 * time.Millisecond,
	200 * time.Millisecond,
	400 * time.Millisecond,
	800 * time.Millisecond,
	1600 * time.Millisecond,
}

const maxDispatchAttempts = 5

// Service manages the Transfer lifecycle: creation, dispatch, signing, and
// the per-transfer state machine.
type Service struct {
	db       *sql.DB
	docs     *documents.Service
	registry *transport.Registry
	bus      *events.Bus
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(db *sql.DB, docs *documents.Service, registry *transport.Registry, bus *events.Bus, logger *slog.Logger) *Service {
	return &Service{db: db, docs: docs, registry: registry, bus: bus, logger: logger, locks: make(map[string]*sync.Mutex)}
}

func (s *Service) lockFor(transferID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[transferID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[transferID] = l
	}
	return l
}

// DocumentInput describes one file to attach to a new Transfer.
type DocumentInput struct {
	FileName string
	Data     []byte
	Category string
}

// RecipientInput describes one intended recipient of a new Transfer.
type RecipientInput struct {
	Identifier  string
	Transport   string
	Preferences json.RawMessage
}

// CreateInput describes a transfer to create.
type CreateInput struct {
	Type       string
	Sender     json.RawMessage
	Metadata   json.RawMessage
	Documents  []DocumentInput
	Recipients []RecipientInput
}

// CreateTransfer persists a new Transfer with its documents and recipients,
// issues a human-readable code, and kicks off asynchronous dispatch to every
// recipient. It returns as soon as the transfer is durable.
func (s *Service) CreateTransfer(ctx context.Context, in CreateInput) (*models.Transfer, error) {
	if len(in.Documents) == 0 {
		return nil, apperror.InvalidRequest("documents", "at least one document is required")
	}
	if len(in.Recipients) == 0 {
		return nil, apperror.InvalidRequest("recipients", "at least one recipient is required")
	}
	transferType := in.Type
	if transferType == "" {
		transferType = models.TransferOutgoing
	}

	code, err := s.insertWithUniqueCode(ctx, transferType, in)
	if err != nil {
		return nil, err
	}

	xfer, err := s.GetTransfer(ctx, code.id)
	if err != nil {
		return nil, err
	}

	for _, d := range in.Documents {
		doc, err := s.docs.StoreDocument(ctx, documents.StoreInput{
			TransferID: xfer.ID,
			FileName:   d.FileName,
			Data:       d.Data,
			Category:   categoryOrDefault(d.Category, transferType),
		})
		if err != nil {
			return nil, err
		}
		xfer.Documents = append(xfer.Documents, *doc)
	}

	if s.bus != nil {
		_ = s.bus.PublishTransferEvent(ctx, events.SubjectTransferCreated, "transfer.created", xfer.ID, xfer)
	}

	s.dispatchAllAsync(xfer.ID)
	return xfer, nil
}

func categoryOrDefault(category, transferType string) string {
	if category != "" {
		return category
	}
	if transferType == models.TransferIncoming {
		return models.CategoryReceived
	}
	return models.CategorySent
}

type insertedTransfer struct{ id string }

// insertWithUniqueCode inserts the Transfer and Recipient rows inside one
// transaction, retrying with a freshly generated code on a UNIQUE collision
// (codes are 6 characters from a 32-symbol alphabet: collisions are rare but
// not impossible at scale).
func (s *Service) insertWithUniqueCode(ctx context.Context, transferType string, in CreateInput) (insertedTransfer, error) {
	const maxCodeAttempts = 5
	var lastErr error
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := generateCode()
		if err != nil {
			return insertedTransfer{}, apperror.Internal("generating transfer code", err)
		}

		id := models.NewULID().String()
		now := time.Now().UTC()

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return insertedTransfer{}, apperror.Storage("beginning transaction", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO transfers (id, code, type, status, sender, transport, metadata, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, code, transferType, models.TransferPending, rawOrNil(in.Sender), firstTransportName(in.Recipients), rawOrNil(in.Metadata), now, now)
		if err != nil {
			tx.Rollback()
			if isUniqueConstraintErr(err) {
				lastErr = err
				continue
			}
			return insertedTransfer{}, apperror.Storage("inserting transfer", err)
		}

		for _, r := range in.Recipients {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO recipients (id, transfer_id, identifier, transport, status, preferences, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				models.NewULID().String(), id, r.Identifier, r.Transport, models.RecipientPending, rawOrNil(r.Preferences), now, now)
			if err != nil {
				tx.Rollback()
				return insertedTransfer{}, apperror.Storage("inserting recipient", err)
			}
		}

		if err := tx.Commit(); err != nil {
			return insertedTransfer{}, apperror.Storage("committing transfer creation", err)
		}
		return insertedTransfer{id: id}, nil
	}
	return insertedTransfer{}, apperror.Conflict("CODE_COLLISION", fmt.Sprintf("could not allocate a unique transfer code after %d attempts: %v", maxCodeAttempts, lastErr))
}

func firstTransportName(recipients []RecipientInput) string {
	if len(recipients) == 0 {
		return ""
	}
	return recipients[0].Transport
}

func generateCode() (string, error) {
	buf := make([]byte, codeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeAlphabet))))
		if err != nil {
			return "", err
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// GetTransfer fetches a transfer along with its documents and recipients.
func (s *Service) GetTransfer(ctx context.Context, id string) (*models.Transfer, error) {
	xfer, err := s.getTransferRow(ctx, id)
	if err != nil {
		return nil, err
	}
	xfer.Recipients, err = s.listRecipients(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.docs != nil {
		docs, err := s.listDocuments(ctx, id)
		if err != nil {
			return nil, err
		}
		xfer.Documents = docs
	}
	return xfer, nil
}

// GetTransferByCode looks a transfer up by its human-readable code.
func (s *Service) GetTransferByCode(ctx context.Context, code string) (*models.Transfer, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM transfers WHERE code = ?`, code).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, apperror.NotFound("transfer", code)
	}
	if err != nil {
		return nil, apperror.Storage("looking up transfer by code", err)
	}
	return s.GetTransfer(ctx, id)
}

// ListTransfers returns transfers, optionally filtered by type and/or status.
func (s *Service) ListTransfers(ctx context.Context, transferType, status string, limit int) ([]models.Transfer, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE 1=1`
	var args []interface{}
	if transferType != "" {
		query += ` AND type = ?`
		args = append(args, transferType)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperror.Storage("listing transfers", err)
	}
	defer rows.Close()

	var out []models.Transfer
	for rows.Next() {
		t, err := scanTransferRow(rows)
		if err != nil {
			return nil, apperror.Storage("scanning transfer", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// CancelTransfer moves a non-terminal transfer to cancelled. Reachable from
// any non-terminal state per spec.md's Transfer state machine.
func (s *Service) CancelTransfer(ctx context.Context, id string) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	xfer, err := s.getTransferRow(ctx, id)
	if err != nil {
		return err
	}
	if xfer.Status == models.TransferCompleted || xfer.Status == models.TransferCancelled {
		return apperror.Conflict("TERMINAL_TRANSFER", fmt.Sprintf("transfer %q is already %s", id, xfer.Status))
	}
	return s.setStatus(ctx, id, models.TransferCancelled)
}

func (s *Service) setStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE transfers SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now().UTC(), id)
	if err != nil {
		return apperror.Storage("updating transfer status", err)
	}
	if s.bus != nil {
		subject := events.SubjectTransferUpdated
		switch status {
		case models.TransferCompleted:
			subject = events.SubjectTransferCompleted
		case models.TransferCancelled:
			subject = events.SubjectTransferCancelled
		}
		_ = s.bus.PublishTransferEvent(ctx, subject, "transfer."+status, id, map[string]string{"status": status})
	}
	return nil
}

func (s *Service) getTransferRow(ctx context.Context, id string) (*models.Transfer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = ?`, id)
	xfer, err := scanTransferRow(row)
	if err == sql.ErrNoRows {
		return nil, apperror.NotFound("transfer", id)
	}
	if err != nil {
		return nil, apperror.Storage("scanning transfer", err)
	}
	return xfer, nil
}

func (s *Service) listRecipients(ctx context.Context, transferID string) ([]models.Recipient, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recipientColumns+` FROM recipients WHERE transfer_id = ?`, transferID)
	if err != nil {
		return nil, apperror.Storage("listing recipients", err)
	}
	defer rows.Close()

	var out []models.Recipient
	for rows.Next() {
		r, err := scanRecipientRow(rows)
		if err != nil {
			return nil, apperror.Storage("scanning recipient", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Service) listDocuments(ctx context.Context, transferID string) ([]models.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transfer_id, file_name, size, content_hash, status, signed_by, signed_at, category, version, previous_version_id, stored_path, tags, created_at, updated_at
		FROM documents WHERE transfer_id = ?`, transferID)
	if err != nil {
		return nil, apperror.Storage("listing transfer documents", err)
	}
	defer rows.Close()

	var out []models.Document
	for rows.Next() {
		var d models.Document
		var signedBy, previousVersionID, tags sql.NullString
		var signedAt sql.NullTime
		err := rows.Scan(&d.ID, &d.TransferID, &d.FileName, &d.Size, &d.ContentHash, &d.Status,
			&signedBy, &signedAt, &d.Category, &d.Version, &previousVersionID, &d.StoredPath,
			&tags, &d.CreatedAt, &d.UpdatedAt)
		if err != nil {
			return nil, apperror.Storage("scanning transfer document", err)
		}
		d.SignedBy = signedBy.String
		d.PreviousVersionID = previousVersionID.String
		if signedAt.Valid {
			d.SignedAt = &signedAt.Time
		}
		if tags.Valid && tags.String != "" {
			_ = json.Unmarshal([]byte(tags.String), &d.Tags)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

const transferColumns = `id, code, type, status, sender, transport, metadata, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransferRow(row rowScanner) (*models.Transfer, error) {
	var t models.Transfer
	var sender, transport, metadata sql.NullString

	err := row.Scan(&t.ID, &t.Code, &t.Type, &t.Status, &sender, &transport, &metadata, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if sender.Valid {
		t.Sender = json.RawMessage(sender.String)
	}
	t.Transport = transport.String
	if metadata.Valid {
		t.Metadata = json.RawMessage(metadata.String)
	}
	return &t, nil
}

const recipientColumns = `id, transfer_id, identifier, transport, status, preferences, notified_at, viewed_at, signed_at, last_error, created_at, updated_at`

func scanRecipientRow(row rowScanner) (*models.Recipient, error) {
	var r models.Recipient
	var preferences, lastError sql.NullString
	var notifiedAt, viewedAt, signedAt sql.NullTime

	err := row.Scan(&r.ID, &r.TransferID, &r.Identifier, &r.Transport, &r.Status, &preferences,
		&notifiedAt, &viewedAt, &signedAt, &lastError, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if preferences.Valid {
		r.Preferences = json.RawMessage(preferences.String)
	}
	r.LastError = lastError.String
	if notifiedAt.Valid {
		r.NotifiedAt = &notifiedAt.Time
	}
	if viewedAt.Valid {
		r.ViewedAt = &viewedAt.Time
	}
	if signedAt.Valid {
		r.SignedAt = &signedAt.Time
	}
	return &r, nil
}

func rawOrNil(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// isUniqueConstraintErr reports whether err looks like a SQLite UNIQUE
// constraint violation (see internal/groups for the same pragmatic
// string-match approach and its grounding).
func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
