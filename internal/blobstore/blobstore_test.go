package blobstore

import (
	"context"
	"log/slog"
	"os"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"a.pdf":                 "a.pdf",
		"../../../etc/passwd":   "passwd",
		"weird name!.pdf":       "weird_name_.pdf",
		"..":                    "_",
		"":                      "_",
	}
	for in, want := range tests {
		if got := SanitizeFilename(in); got != want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSaveReadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	data := []byte("hello signature bytes")
	relpath := "uploaded/2026/07/doc-1/a.pdf"

	checksum, err := s.Save(context.Background(), relpath, data)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if checksum != Checksum(data) {
		t.Fatalf("checksum mismatch")
	}

	got, err := s.Read(relpath, checksum)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("round trip mismatch: got %q", got)
	}

	if !s.Exists(relpath) {
		t.Fatal("Exists = false, want true")
	}
}

func TestReadChecksumMismatch(t *testing.T) {
	s := newTestStore(t)
	relpath := "uploaded/2026/07/doc-2/a.pdf"
	if _, err := s.Save(context.Background(), relpath, []byte("one")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := s.Read(relpath, "not-the-real-checksum"); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestSaveMaxFileSize(t *testing.T) {
	s := newTestStore(t)
	s.MaxFileSize = 4
	if _, err := s.Save(context.Background(), "x/y/z/a.bin", []byte("way too big")); err == nil {
		t.Fatal("expected max file size error")
	}
}

func TestMove(t *testing.T) {
	s := newTestStore(t)
	src := "uploaded/2026/07/doc-3/a.pdf"
	dst := "signed/2026/07/doc-3/a.pdf"
	data := []byte("signed content")
	checksum, err := s.Save(context.Background(), src, data)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Move(src, dst, checksum); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if s.Exists(src) {
		t.Fatal("source still exists after move")
	}
	got, err := s.Read(dst, checksum)
	if err != nil {
		t.Fatalf("Read dst: %v", err)
	}
	if string(got) != string(data) {
		t.Fatal("moved content mismatch")
	}
}

func TestDeleteMissingIsNotError(t *testing.T) {
	s := newTestStore(t)
	if err := s.Delete("nowhere/nothing.pdf"); err != nil {
		t.Fatalf("Delete on missing path: %v", err)
	}
}
