// Package documents implements document storage, retrieval, versioning, and
// search for Transfer-owned files. It holds a *sql.DB directly, mirroring
// the teacher's handler-holds-pool texture (see DESIGN.md), and delegates
// byte storage to internal/blobstore and optional full-text lookup to
// Meilisearch.
package documents

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/meilisearch/meilisearch-go"

	"github.com/FirmaChain/firma-sign-sub001/internal/apperror"
	"github.com/FirmaChain/firma-sign-sub001/internal/blobstore"
	"github.com/FirmaChain/firma-sign-sub001/internal/events"
	"github.com/FirmaChain/firma-sign-sub001/internal/models"
)

// IndexDocuments is the Meilisearch index used for full-text document lookup.
const IndexDocuments = "documents"

// searchDoc is the flattened record indexed in Meilisearch.
type searchDoc struct {
	ID         string `json:"id"`
	TransferID string `json:"transferId"`
	FileName   string `json:"fileName"`
	Status     string `json:"status"`
	Category   string `json:"category"`
	CreatedAt  int64  `json:"createdAt"`
}

// Service stores and retrieves documents for transfers.
type Service struct {
	db     *sql.DB
	blobs  *blobstore.Store
	bus    *events.Bus
	logger *slog.Logger
	search meilisearch.ServiceManager
}

// New constructs a documents.Service. search may be nil, in which case
// SearchDocuments falls back to a SQL LIKE query against the repository.
func New(db *sql.DB, blobs *blobstore.Store, bus *events.Bus, logger *slog.Logger, search meilisearch.ServiceManager) *Service {
	return &Service{db: db, blobs: blobs, bus: bus, logger: logger, search: search}
}

// StoreInput describes a document to persist.
type StoreInput struct {
	TransferID string
	FileName   string
	Data       []byte
	Category   string
}

// StoreDocument saves data to the blob store and inserts the document row in
// a single logical operation: blob bytes are written first (content-addressed,
// so a retried call is idempotent), then the row is inserted.
func (s *Service) StoreDocument(ctx context.Context, in StoreInput) (*models.Document, error) {
	if in.TransferID == "" {
		return nil, apperror.InvalidRequest("transferId", "transferId is required")
	}
	if in.FileName == "" {
		return nil, apperror.InvalidRequest("fileName", "fileName is required")
	}
	category := in.Category
	if category == "" {
		category = models.CategoryUploaded
	}

	id := models.NewULID().String()
	now := time.Now().UTC()

	relpath := blobstore.BuildPath(category, id, in.FileName, now)
	checksum, err := s.blobs.Save(ctx, relpath, in.Data)
	if err != nil {
		return nil, apperror.Storage("saving document bytes", err)
	}

	doc := &models.Document{
		ID:          id,
		TransferID:  in.TransferID,
		FileName:    in.FileName,
		Size:        int64(len(in.Data)),
		ContentHash: checksum,
		Status:      models.DocumentPending,
		Category:    category,
		Version:     1,
		StoredPath:  relpath,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents
			(id, transfer_id, file_name, size, content_hash, status, category, version, stored_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.TransferID, doc.FileName, doc.Size, doc.ContentHash, doc.Status,
		doc.Category, doc.Version, doc.StoredPath, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return nil, apperror.Storage("inserting document row", err)
	}

	s.indexAsync(ctx, *doc)
	return doc, nil
}

// GetDocument fetches a document by ID, returning apperror.NotFound if absent.
func (s *Service) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	return s.scanOne(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
}

// GetDocumentBytes reads a document's stored bytes from the blob store.
func (s *Service) GetDocumentBytes(doc *models.Document) ([]byte, error) {
	data, err := s.blobs.Read(doc.StoredPath, doc.ContentHash)
	if err != nil {
		return nil, apperror.Storage("reading document bytes", err)
	}
	return data, nil
}

// UpdateDocumentStatus transitions a document's status and, when the new
// status implies a different blob category (signed/archived), moves the
// underlying bytes to the new category path.
func (s *Service) UpdateDocumentStatus(ctx context.Context, id, status string) (*models.Document, error) {
	doc, err := s.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}

	newCategory := doc.Category
	switch status {
	case models.DocumentSigned, models.DocumentCompleted:
		newCategory = models.CategorySigned
	case models.DocumentArchived:
		newCategory = models.CategoryArchived
	}

	now := time.Now().UTC()
	if newCategory != doc.Category {
		newPath := blobstore.BuildPath(newCategory, doc.ID, doc.FileName, now)
		if err := s.blobs.Move(doc.StoredPath, newPath, doc.ContentHash); err != nil {
			return nil, apperror.Storage("moving document to new category", err)
		}
		doc.StoredPath = newPath
		doc.Category = newCategory
	}

	doc.Status = status
	doc.UpdatedAt = now
	var signedAt interface{}
	if status == models.DocumentSigned {
		signedAt = now
		doc.SignedAt = &now
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE documents SET status = ?, category = ?, stored_path = ?, signed_at = COALESCE(?, signed_at), updated_at = ?
		WHERE id = ?`,
		doc.Status, doc.Category, doc.StoredPath, signedAt, doc.UpdatedAt, doc.ID)
	if err != nil {
		return nil, apperror.Storage("updating document status", err)
	}

	if s.bus != nil {
		_ = s.bus.PublishTransferEvent(ctx, events.SubjectDocumentUpdated, "document.updated", doc.TransferID, doc)
	}
	s.indexAsync(ctx, *doc)
	return doc, nil
}

// CreateVersion stores a new version of an existing document, linking back
// via PreviousVersionID, and leaves the prior version's row untouched.
func (s *Service) CreateVersion(ctx context.Context, previousID string, data []byte) (*models.Document, error) {
	prev, err := s.GetDocument(ctx, previousID)
	if err != nil {
		return nil, err
	}

	id := models.NewULID().String()
	now := time.Now().UTC()
	relpath := blobstore.BuildPath(prev.Category, id, prev.FileName, now)
	checksum, err := s.blobs.Save(ctx, relpath, data)
	if err != nil {
		return nil, apperror.Storage("saving document version bytes", err)
	}

	doc := &models.Document{
		ID:                id,
		TransferID:        prev.TransferID,
		FileName:          prev.FileName,
		Size:              int64(len(data)),
		ContentHash:       checksum,
		Status:            models.DocumentDraft,
		Category:          prev.Category,
		Version:           prev.Version + 1,
		PreviousVersionID: prev.ID,
		StoredPath:        relpath,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents
			(id, transfer_id, file_name, size, content_hash, status, category, version, previous_version_id, stored_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.TransferID, doc.FileName, doc.Size, doc.ContentHash, doc.Status,
		doc.Category, doc.Version, doc.PreviousVersionID, doc.StoredPath, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return nil, apperror.Storage("inserting document version row", err)
	}
	s.indexAsync(ctx, *doc)
	return doc, nil
}

// GetDocumentVersions returns every version in the chain rooted at id's
// original document, newest first.
func (s *Service) GetDocumentVersions(ctx context.Context, id string) ([]models.Document, error) {
	doc, err := s.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	rootID := doc.ID
	for doc.PreviousVersionID != "" {
		doc, err = s.GetDocument(ctx, doc.PreviousVersionID)
		if err != nil {
			break
		}
		rootID = doc.ID
	}

	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE chain(id) AS (
			SELECT id FROM documents WHERE id = ?
			UNION ALL
			SELECT d.id FROM documents d JOIN chain c ON d.previous_version_id = c.id
		)
		SELECT `+documentColumns+` FROM documents WHERE id IN (SELECT id FROM chain)
		ORDER BY version DESC`, rootID)
	if err != nil {
		return nil, apperror.Storage("querying document versions", err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// DeleteDocument marks a document deleted (soft) or removes both the row and
// its blob bytes (hard).
func (s *Service) DeleteDocument(ctx context.Context, id string, hard bool) error {
	doc, err := s.GetDocument(ctx, id)
	if err != nil {
		return err
	}

	if !hard {
		_, err := s.db.ExecContext(ctx, `UPDATE documents SET status = ?, updated_at = ? WHERE id = ?`,
			models.DocumentDeleted, time.Now().UTC(), id)
		if err != nil {
			return apperror.Storage("soft-deleting document", err)
		}
		return nil
	}

	if err := s.blobs.Delete(doc.StoredPath); err != nil {
		return apperror.Storage("deleting document bytes", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
		return apperror.Storage("deleting document row", err)
	}
	return nil
}

// SearchDocuments looks up documents matching query, optionally scoped to
// transferID. It uses Meilisearch when configured; otherwise it falls back
// to a SQL LIKE query against file_name, so the service is fully functional
// without the optional search index.
func (s *Service) SearchDocuments(ctx context.Context, query, transferID string, limit int) ([]models.Document, error) {
	if limit <= 0 {
		limit = 50
	}

	if s.search != nil {
		ids, err := s.searchViaMeilisearch(ctx, query, transferID, limit)
		if err == nil {
			return s.hydrateByIDs(ctx, ids)
		}
		s.logger.Warn("meilisearch query failed, falling back to SQL", slog.String("error", err.Error()))
	}

	like := "%" + strings.ReplaceAll(query, "%", "\\%") + "%"
	sqlQuery := `SELECT ` + documentColumns + ` FROM documents WHERE file_name LIKE ? ESCAPE '\'`
	args := []interface{}{like}
	if transferID != "" {
		sqlQuery += ` AND transfer_id = ?`
		args = append(args, transferID)
	}
	sqlQuery += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, apperror.Storage("searching documents", err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

func (s *Service) searchViaMeilisearch(ctx context.Context, query, transferID string, limit int) ([]string, error) {
	index := s.search.Index(IndexDocuments)
	req := &meilisearch.SearchRequest{Limit: int64(limit)}
	if transferID != "" {
		req.Filter = fmt.Sprintf("transferId = %q", transferID)
	}
	resp, err := index.SearchWithContext(ctx, query, req)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		var h struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(hit, &h); err != nil {
			continue
		}
		if h.ID != "" {
			ids = append(ids, h.ID)
		}
	}
	return ids, nil
}

func (s *Service) hydrateByIDs(ctx context.Context, ids []string) ([]models.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, apperror.Storage("hydrating search results", err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// indexAsync pushes the current document state to Meilisearch if configured.
// Indexing failures are logged, not propagated: search is a best-effort
// convenience layer, never a write-path dependency.
func (s *Service) indexAsync(ctx context.Context, doc models.Document) {
	if s.search == nil {
		return
	}
	go func() {
		_, err := s.search.Index(IndexDocuments).AddDocuments([]searchDoc{{
			ID:         doc.ID,
			TransferID: doc.TransferID,
			FileName:   doc.FileName,
			Status:     doc.Status,
			Category:   doc.Category,
			CreatedAt:  doc.CreatedAt.Unix(),
		}}, "id")
		if err != nil {
			s.logger.Warn("meilisearch indexing failed", slog.String("documentId", doc.ID), slog.String("error", err.Error()))
		}
	}()
	_ = ctx
}

const documentColumns = `id, transfer_id, file_name, size, content_hash, status, signed_by, signed_at, category, version, previous_version_id, stored_path, tags, created_at, updated_at`

func (s *Service) scanOne(ctx context.Context, query string, args ...interface{}) (*models.Document, error) {
	row := s.db.QueryRowContext(ctx, query, args...)
	doc, err := scanDocumentRow(row)
	if err == sql.ErrNoRows {
		return nil, apperror.NotFound("document", fmt.Sprint(args...))
	}
	if err != nil {
		return nil, apperror.Storage("scanning document", err)
	}
	return doc, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocumentRow(row rowScanner) (*models.Document, error) {
	var d models.Document
	var signedBy, previousVersionID, tags sql.NullString
	var signedAt sql.NullTime

	err := row.Scan(&d.ID, &d.TransferID, &d.FileName, &d.Size, &d.ContentHash, &d.Status,
		&signedBy, &signedAt, &d.Category, &d.Version, &previousVersionID, &d.StoredPath,
		&tags, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.SignedBy = signedBy.String
	d.PreviousVersionID = previousVersionID.String
	if signedAt.Valid {
		d.SignedAt = &signedAt.Time
	}
	if tags.Valid && tags.String != "" {
		_ = json.Unmarshal([]byte(tags.String), &d.Tags)
	}
	return &d, nil
}

func scanDocuments(rows *sql.Rows) ([]models.Document, error) {
	var out []models.Document
	for rows.Next() {
		doc, err := scanDocumentRow(rows)
		if err != nil {
			return nil, apperror.Storage("scanning document row", err)
		}
		out = append(out, *doc)
	}
	return out, rows.Err()
}
