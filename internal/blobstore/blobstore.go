// Package blobstore implements a content-addressed local filesystem store
// for document bytes, organized {category}/{YYYY}/{MM}/{document-id}/{name}.
// When an S3-compatible mirror is configured, every successful local save is
// asynchronously replicated there via minio-go — best effort, since the
// local filesystem is always the durable source of truth.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// DefaultMaxFileSize is the default upper bound on a single saved blob.
const DefaultMaxFileSize = 500 * 1024 * 1024 // 500 MiB

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9.-]`)

// SanitizeFilename replaces every character outside [A-Za-z0-9.-] with "_",
// preventing path traversal via "../" segments or separators.
func SanitizeFilename(name string) string {
	name = filepath.Base(name)
	if name == "." || name == ".." || name == "" {
		return "_"
	}
	return unsafeChars.ReplaceAllString(name, "_")
}

// MirrorConfig optionally mirrors saved blobs to an S3-compatible bucket.
type MirrorConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Entry describes one item returned by List.
type Entry struct {
	Name  string
	IsDir bool
	Size  int64
}

// Store is a content-addressed filesystem blob store rooted at Root.
type Store struct {
	Root        string
	MaxFileSize int64
	UseChecksum bool

	mirror *minio.Client
	bucket string
	logger *slog.Logger
}

// New creates a Store rooted at root, creating the directory if needed.
func New(root string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: creating root %q: %w", root, err)
	}
	return &Store{
		Root:        root,
		MaxFileSize: DefaultMaxFileSize,
		UseChecksum: true,
		logger:      logger,
	}, nil
}

// EnableMirror configures asynchronous S3-compatible replication of saves.
func (s *Store) EnableMirror(cfg MirrorConfig) error {
	if cfg.Endpoint == "" {
		return nil
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return fmt.Errorf("blobstore: creating mirror client: %w", err)
	}
	s.mirror = client
	s.bucket = cfg.Bucket
	return nil
}

// BuildPath returns the content-addressed relative path for a document:
// {category}/{YYYY}/{MM}/{documentID}/{sanitizedName}.
func BuildPath(category, documentID, fileName string, when time.Time) string {
	return filepath.ToSlash(filepath.Join(
		category,
		fmt.Sprintf("%04d", when.Year()),
		fmt.Sprintf("%02d", when.Month()),
		documentID,
		SanitizeFilename(fileName),
	))
}

// Checksum computes the SHA-256 hex digest of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Save writes data at relpath (relative to Root), computing its SHA-256 and
// writing atomically via write-temp-then-rename. If content already exists
// at relpath, the new bytes must match its checksum or Save fails — writes
// are content-addressed, not free overwrites.
func (s *Store) Save(ctx context.Context, relpath string, data []byte) (checksum string, err error) {
	maxSize := s.MaxFileSize
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	if int64(len(data)) > maxSize {
		return "", fmt.Errorf("blobstore: %d bytes exceeds max file size %d", len(data), maxSize)
	}

	checksum = Checksum(data)

	full := filepath.Join(s.Root, filepath.FromSlash(relpath))
	if existing, err := os.ReadFile(full); err == nil {
		if Checksum(existing) != checksum {
			return "", fmt.Errorf("blobstore: checksum mismatch writing existing path %q", relpath)
		}
		return checksum, nil
	}

	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("blobstore: creating directory %q: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("blobstore: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("blobstore: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("blobstore: syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("blobstore: closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return "", fmt.Errorf("blobstore: renaming into place: %w", err)
	}

	if s.mirror != nil {
		go s.mirrorUpload(relpath, data)
	}

	return checksum, nil
}

func (s *Store) mirrorUpload(relpath string, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := s.mirror.PutObject(ctx, s.bucket, relpath, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	if err != nil {
		s.logger.Warn("blob mirror upload failed", slog.String("path", relpath), slog.String("error", err.Error()))
	}
}

// Read returns the bytes stored at relpath. If UseChecksum is set, it
// verifies the bytes against expectedChecksum (when non-empty) on every read.
func (s *Store) Read(relpath, expectedChecksum string) ([]byte, error) {
	full := filepath.Join(s.Root, filepath.FromSlash(relpath))
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("blobstore: reading %q: %w", relpath, err)
	}
	if s.UseChecksum && expectedChecksum != "" {
		if got := Checksum(data); got != expectedChecksum {
			return nil, fmt.Errorf("blobstore: checksum mismatch reading %q: expected %s got %s", relpath, expectedChecksum, got)
		}
	}
	return data, nil
}

// Exists reports whether relpath has stored bytes.
func (s *Store) Exists(relpath string) bool {
	full := filepath.Join(s.Root, filepath.FromSlash(relpath))
	_, err := os.Stat(full)
	return err == nil
}

// Delete unlinks the bytes at relpath. Deleting a path that doesn't exist is
// not an error.
func (s *Store) Delete(relpath string) error {
	full := filepath.Join(s.Root, filepath.FromSlash(relpath))
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blobstore: deleting %q: %w", relpath, err)
	}
	return nil
}

// Move copies bytes from src to dst (verifying checksum along the way) then
// deletes src. If the copy succeeds but delete fails, the old bytes are left
// in place rather than losing data; callers should treat that as a non-fatal
// warning since dst now also has a good copy.
func (s *Store) Move(srcRelpath, dstRelpath, checksum string) error {
	data, err := s.Read(srcRelpath, checksum)
	if err != nil {
		return fmt.Errorf("blobstore: move read %q: %w", srcRelpath, err)
	}
	if _, err := s.Save(context.Background(), dstRelpath, data); err != nil {
		return fmt.Errorf("blobstore: move save %q: %w", dstRelpath, err)
	}
	if err := s.Delete(srcRelpath); err != nil {
		s.logger.Warn("blobstore: move left stale source bytes", slog.String("src", srcRelpath), slog.String("error", err.Error()))
	}
	return nil
}

// List returns the entries directly under reldir (relative to Root).
func (s *Store) List(reldir string) ([]Entry, error) {
	full := filepath.Join(s.Root, filepath.FromSlash(reldir))
	items, err := os.ReadDir(full)
	if err != nil {
		return nil, fmt.Errorf("blobstore: listing %q: %w", reldir, err)
	}
	entries := make([]Entry, 0, len(items))
	for _, it := range items {
		info, err := it.Info()
		var size int64
		if err == nil {
			size = info.Size()
		}
		entries = append(entries, Entry{
			Name:  it.Name(),
			IsDir: it.IsDir(),
			Size:  size,
		})
	}
	return entries, nil
}

// FindByYearMonth tries category/{year}/{month}/{documentID}/{anyFile} and
// returns the first matching file's relative path, used when the exact
// sanitized filename isn't known by the caller.
func (s *Store) FindByYearMonth(category, documentID string, year int, month time.Month) (string, error) {
	dir := filepath.Join(s.Root, category, fmt.Sprintf("%04d", year), fmt.Sprintf("%02d", month), documentID)
	items, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("blobstore: locating document %q: %w", documentID, err)
	}
	for _, it := range items {
		if it.IsDir() {
			continue
		}
		if strings.HasPrefix(it.Name(), ".tmp-") {
			continue
		}
		return filepath.ToSlash(filepath.Join(category, fmt.Sprintf("%04d", year), fmt.Sprintf("%02d", month), documentID, it.Name())), nil
	}
	return "", fmt.Errorf("blobstore: no file found for document %q under %s", documentID, dir)
}
