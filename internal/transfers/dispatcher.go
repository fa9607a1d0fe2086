package transfers

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/FirmaChain/firma-sign-sub001/internal/apperror"
	"github.com/FirmaChain/firma-sign-sub001/internal/models"
	"github.com/FirmaChain/firma-sign-sub001/internal/transport"
)

// dispatchAllAsync starts one background goroutine that dispatches to each
// recipient in turn and then recomputes the transfer's status; the
// Transfer's own status transitions are serialized separately via lockFor.
func (s *Service) dispatchAllAsync(transferID string) {
	go func() {
		ctx := context.Background()
		xfer, err := s.GetTransfer(ctx, transferID)
		if err != nil {
			s.logger.Error("dispatch: loading transfer failed", slog.String("transferId", transferID), slog.String("error", err.Error()))
			return
		}
		for _, r := range xfer.Recipients {
			s.dispatchRecipient(ctx, *xfer, r)
		}
		s.recomputeStatus(ctx, transferID)
	}()
}

// dispatchRecipient sends the transfer envelope to one recipient, retrying
// transient transport failures with the fixed backoff schedule and aborting
// immediately on a permanent failure.
func (s *Service) dispatchRecipient(ctx context.Context, xfer models.Transfer, r models.Recipient) {
	transportName := r.Transport
	if transportName == "" || transportName == "auto" {
		name, ok := s.registry.SelectTransportForPeer(r.Identifier)
		if !ok {
			s.markRecipientFailed(ctx, r.ID, "no active transport available")
			return
		}
		transportName = name
	}

	env := transport.Envelope{
		TransferID: xfer.ID,
		Recipient:  r.Identifier,
		Sender:     xfer.Sender,
		Metadata:   xfer.Metadata,
		Documents:  s.envelopeDocs(xfer.Documents),
	}

	var lastErr error
	for attempt := 0; attempt < maxDispatchAttempts; attempt++ {
		err := s.registry.SendViaTransport(ctx, transportName, env)
		if err == nil {
			s.markRecipientNotified(ctx, r.ID)
			return
		}
		lastErr = err

		if apperror.KindOf(err) == apperror.KindTransportPermanent {
			s.logger.Warn("dispatch: permanent failure, not retrying",
				slog.String("recipientId", r.ID), slog.String("transport", transportName), slog.String("error", err.Error()))
			s.markRecipientFailed(ctx, r.ID, err.Error())
			return
		}

		if attempt < maxDispatchAttempts-1 {
			delay := backoffSchedule[attempt]
			if attempt >= len(backoffSchedule) {
				delay = backoffSchedule[len(backoffSchedule)-1]
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				s.markRecipientFailed(ctx, r.ID, ctx.Err().Error())
				return
			}
		}
	}

	s.logger.Warn("dispatch: exhausted retries",
		slog.String("recipientId", r.ID), slog.String("transport", transportName), slog.String("error", lastErr.Error()))
	s.markRecipientFailed(ctx, r.ID, lastErr.Error())
}

// envelopeDocs loads each document's bytes from the blob store so transports
// that actually ship content (email attachments, Telegram file uploads) have
// something to send; a document whose bytes can't be read is still listed
// by ID and file name, just without Data, rather than failing the dispatch.
func (s *Service) envelopeDocs(docs []models.Document) []transport.EnvelopeDoc {
	out := make([]transport.EnvelopeDoc, 0, len(docs))
	for _, d := range docs {
		ed := transport.EnvelopeDoc{ID: d.ID, FileName: d.FileName}
		if s.docs != nil {
			data, err := s.docs.GetDocumentBytes(&d)
			if err != nil {
				s.logger.Warn("loading document bytes for dispatch failed",
					slog.String("documentId", d.ID), slog.String("error", err.Error()))
			} else {
				ed.Data = data
			}
		}
		out = append(out, ed)
	}
	return out
}

func (s *Service) markRecipientNotified(ctx context.Context, recipientID string) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE recipients SET status = ?, notified_at = ?, updated_at = ?, last_error = NULL WHERE id = ?`,
		models.RecipientNotified, now, now, recipientID)
	if err != nil {
		s.logger.Error("updating recipient as notified failed", slog.String("recipientId", recipientID), slog.String("error", err.Error()))
	}
}

// markRecipientFailed leaves the recipient pending (per spec.md §4.8: "on
// failure leave pending and record the error in metadata") while recording
// the error for diagnostics.
func (s *Service) markRecipientFailed(ctx context.Context, recipientID, errMsg string) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE recipients SET last_error = ?, updated_at = ? WHERE id = ?`, errMsg, time.Now().UTC(), recipientID)
	if err != nil {
		s.logger.Error("recording recipient dispatch error failed", slog.String("recipientId", recipientID), slog.String("error", err.Error()))
	}
}

// DocumentSignature is one document's outcome in a SignDocuments call.
type DocumentSignature struct {
	DocumentID string
	Status     string // models.DocumentSigned or models.DocumentRejected
	SignedBy   string
}

// SignInput describes a sign-and-return request.
type SignInput struct {
	TransferID      string
	Signatures      []DocumentSignature
	ReturnTransport bool
}

// SignDocuments validates the transfer exists, applies each document
// signature, recomputes the transfer's state, and — for an incoming transfer
// with ReturnTransport set — creates a reciprocal outgoing transfer back to
// the original sender carrying the signed documents.
func (s *Service) SignDocuments(ctx context.Context, in SignInput) (*models.Transfer, error) {
	xfer, err := s.getTransferRow(ctx, in.TransferID)
	if err != nil {
		return nil, err
	}

	for _, sig := range in.Signatures {
		if sig.Status != models.DocumentSigned && sig.Status != models.DocumentRejected {
			return nil, apperror.InvalidRequest("status", "signature status must be signed or rejected")
		}
		if _, err := s.docs.UpdateDocumentStatus(ctx, sig.DocumentID, sig.Status); err != nil {
			return nil, err
		}
		if sig.Status == models.DocumentSigned && sig.SignedBy != "" {
			if _, err := s.db.ExecContext(ctx, `UPDATE documents SET signed_by = ? WHERE id = ?`, sig.SignedBy, sig.DocumentID); err != nil {
				return nil, apperror.Storage("recording document signer", err)
			}
		}
	}

	s.recomputeStatus(ctx, in.TransferID)

	if in.ReturnTransport && xfer.Type == models.TransferIncoming {
		if _, err := s.createReturnTransfer(ctx, xfer, in.Signatures); err != nil {
			return nil, err
		}
	}

	return s.GetTransfer(ctx, in.TransferID)
}

func (s *Service) createReturnTransfer(ctx context.Context, original *models.Transfer, sigs []DocumentSignature) (*models.Transfer, error) {
	signedDocs, err := s.listDocuments(ctx, original.ID)
	if err != nil {
		return nil, err
	}

	signedSet := make(map[string]bool, len(sigs))
	for _, sig := range sigs {
		if sig.Status == models.DocumentSigned {
			signedSet[sig.DocumentID] = true
		}
	}

	var docsIn []DocumentInput
	for _, d := range signedDocs {
		if !signedSet[d.ID] {
			continue
		}
		data, err := s.docs.GetDocumentBytes(&d)
		if err != nil {
			return nil, err
		}
		docsIn = append(docsIn, DocumentInput{FileName: d.FileName, Data: data, Category: models.CategorySigned})
	}
	if len(docsIn) == 0 {
		return nil, nil
	}

	metadata, _ := json.Marshal(map[string]interface{}{
		"originalTransferId": original.ID,
		"returnTransport":    true,
	})

	var senderIdentifier string
	if len(original.Sender) > 0 {
		var sender struct {
			Identifier string `json:"identifier"`
		}
		_ = json.Unmarshal(original.Sender, &sender)
		senderIdentifier = sender.Identifier
	}

	return s.CreateTransfer(ctx, CreateInput{
		Type:     models.TransferOutgoing,
		Metadata: metadata,
		Documents: docsIn,
		Recipients: []RecipientInput{{
			Identifier: senderIdentifier,
			Transport:  original.Transport,
		}},
	})
}

// recomputeStatus re-derives the transfer's status from its current
// documents and recipients and persists it if it advanced. Status only ever
// moves forward here; CancelTransfer is the only path to "cancelled".
func (s *Service) recomputeStatus(ctx context.Context, transferID string) {
	lock := s.lockFor(transferID)
	lock.Lock()
	defer lock.Unlock()

	xfer, err := s.GetTransfer(ctx, transferID)
	if err != nil {
		s.logger.Error("recompute status: loading transfer failed", slog.String("transferId", transferID), slog.String("error", err.Error()))
		return
	}
	if xfer.Status == models.TransferCompleted || xfer.Status == models.TransferCancelled {
		return
	}

	newStatus := deriveStatus(*xfer)
	if newStatus == xfer.Status {
		return
	}
	if err := s.setStatus(ctx, transferID, newStatus); err != nil {
		s.logger.Error("recompute status: persisting failed", slog.String("transferId", transferID), slog.String("error", err.Error()))
	}
}

func deriveStatus(xfer models.Transfer) string {
	if len(xfer.Documents) == 0 {
		return xfer.Status
	}

	allDocsTerminal := true
	anySigned := false
	for _, d := range xfer.Documents {
		if d.Status != models.DocumentSigned && d.Status != models.DocumentRejected {
			allDocsTerminal = false
		}
		if d.Status == models.DocumentSigned {
			anySigned = true
		}
	}

	allRecipientsSigned := len(xfer.Recipients) > 0
	allRecipientsNotified := len(xfer.Recipients) > 0
	for _, r := range xfer.Recipients {
		if r.Status != models.RecipientSigned {
			allRecipientsSigned = false
		}
		if r.Status == models.RecipientPending {
			allRecipientsNotified = false
		}
	}

	if allDocsTerminal && (!xfer.RequireAllSignatures() || allRecipientsSigned) {
		return models.TransferCompleted
	}
	if anySigned {
		return models.TransferPartiallySigned
	}
	if allRecipientsNotified {
		return models.TransferReady
	}
	return models.TransferPending
}
