package transfers

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/FirmaChain/firma-sign-sub001/internal/blobstore"
	"github.com/FirmaChain/firma-sign-sub001/internal/database"
	"github.com/FirmaChain/firma-sign-sub001/internal/documents"
	"github.com/FirmaChain/firma-sign-sub001/internal/models"
	"github.com/FirmaChain/firma-sign-sub001/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := sql.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("opening in-memory sqlite: %v", err)
	}
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })

	if err := database.MigrateUp(context.Background(), conn, testLogger()); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}
	return conn
}

// stubTransport always succeeds, recording every envelope it was asked to send.
type stubTransport struct {
	mu   sync.Mutex
	sent []transport.Envelope
	fail error
}

func (t *stubTransport) Name() string { return "stub" }
func (t *stubTransport) Initialize(ctx context.Context, config json.RawMessage) error {
	return nil
}
func (t *stubTransport) Send(ctx context.Context, env transport.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail != nil {
		return t.fail
	}
	t.sent = append(t.sent, env)
	return nil
}
func (t *stubTransport) Receive(ctx context.Context, callback func(transport.InboundEnvelope)) error {
	return transport.ErrUnsupported
}
func (t *stubTransport) GetStatus() transport.Status {
	return transport.Status{Name: "stub", State: "active"}
}
func (t *stubTransport) Shutdown(ctx context.Context) error { return nil }

func (t *stubTransport) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

func newTestService(t *testing.T, st *stubTransport) *Service {
	t.Helper()
	db := openTestDB(t)
	blobs, err := blobstore.New(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	docs := documents.New(db, blobs, nil, testLogger(), nil)

	registry := transport.NewRegistry()
	registry.Register(st)
	registry.InitializeAll(context.Background(), nil)

	return New(db, docs, registry, nil, testLogger())
}

func TestCreateTransfer_RequiresDocumentsAndRecipients(t *testing.T) {
	svc := newTestService(t, &stubTransport{})
	ctx := context.Background()

	if _, err := svc.CreateTransfer(ctx, CreateInput{
		Recipients: []RecipientInput{{Identifier: "peer-b", Transport: "stub"}},
	}); err == nil {
		t.Error("expected error for missing documents")
	}

	if _, err := svc.CreateTransfer(ctx, CreateInput{
		Documents: []DocumentInput{{FileName: "a.pdf", Data: []byte("hi")}},
	}); err == nil {
		t.Error("expected error for missing recipients")
	}
}

func TestCreateTransfer_IssuesCodeAndDispatches(t *testing.T) {
	st := &stubTransport{}
	svc := newTestService(t, st)
	ctx := context.Background()

	xfer, err := svc.CreateTransfer(ctx, CreateInput{
		Documents:  []DocumentInput{{FileName: "contract.pdf", Data: []byte("contents")}},
		Recipients: []RecipientInput{{Identifier: "peer-b", Transport: "stub"}},
	})
	if err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}
	if len(xfer.Code) != codeLength {
		t.Errorf("code length = %d, want %d", len(xfer.Code), codeLength)
	}
	if xfer.Status != models.TransferPending {
		t.Errorf("status = %q, want %q", xfer.Status, models.TransferPending)
	}
	if len(xfer.Documents) != 1 {
		t.Fatalf("len(Documents) = %d, want 1", len(xfer.Documents))
	}

	waitForCondition(t, func() bool { return st.sentCount() == 1 })

	waitForCondition(t, func() bool {
		got, err := svc.GetTransfer(ctx, xfer.ID)
		if err != nil {
			return false
		}
		return len(got.Recipients) == 1 && got.Recipients[0].Status == models.RecipientNotified
	})
}

func TestGetTransferByCode(t *testing.T) {
	svc := newTestService(t, &stubTransport{})
	ctx := context.Background()

	xfer, err := svc.CreateTransfer(ctx, CreateInput{
		Documents:  []DocumentInput{{FileName: "a.pdf", Data: []byte("x")}},
		Recipients: []RecipientInput{{Identifier: "peer-b", Transport: "stub"}},
	})
	if err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}

	got, err := svc.GetTransferByCode(ctx, xfer.Code)
	if err != nil {
		t.Fatalf("GetTransferByCode: %v", err)
	}
	if got.ID != xfer.ID {
		t.Errorf("ID = %q, want %q", got.ID, xfer.ID)
	}
}

func TestCancelTransfer(t *testing.T) {
	svc := newTestService(t, &stubTransport{})
	ctx := context.Background()

	xfer, err := svc.CreateTransfer(ctx, CreateInput{
		Documents:  []DocumentInput{{FileName: "a.pdf", Data: []byte("x")}},
		Recipients: []RecipientInput{{Identifier: "peer-b", Transport: "stub"}},
	})
	if err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}

	if err := svc.CancelTransfer(ctx, xfer.ID); err != nil {
		t.Fatalf("CancelTransfer: %v", err)
	}

	got, err := svc.GetTransfer(ctx, xfer.ID)
	if err != nil {
		t.Fatalf("GetTransfer: %v", err)
	}
	if got.Status != models.TransferCancelled {
		t.Errorf("status = %q, want %q", got.Status, models.TransferCancelled)
	}

	if err := svc.CancelTransfer(ctx, xfer.ID); err == nil {
		t.Error("expected error cancelling an already-cancelled transfer")
	}
}

func TestSignDocuments_CompletesTransferWithoutRequireAllSignatures(t *testing.T) {
	svc := newTestService(t, &stubTransport{})
	ctx := context.Background()

	xfer, err := svc.CreateTransfer(ctx, CreateInput{
		Documents:  []DocumentInput{{FileName: "a.pdf", Data: []byte("x")}},
		Recipients: []RecipientInput{{Identifier: "peer-b", Transport: "stub"}},
	})
	if err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}

	signed, err := svc.SignDocuments(ctx, SignInput{
		TransferID: xfer.ID,
		Signatures: []DocumentSignature{{DocumentID: xfer.Documents[0].ID, Status: models.DocumentSigned, SignedBy: "peer-b"}},
	})
	if err != nil {
		t.Fatalf("SignDocuments: %v", err)
	}
	if signed.Status != models.TransferCompleted {
		t.Errorf("status = %q, want %q", signed.Status, models.TransferCompleted)
	}
}

func TestSignDocuments_RejectsInvalidStatus(t *testing.T) {
	svc := newTestService(t, &stubTransport{})
	ctx := context.Background()

	xfer, err := svc.CreateTransfer(ctx, CreateInput{
		Documents:  []DocumentInput{{FileName: "a.pdf", Data: []byte("x")}},
		Recipients: []RecipientInput{{Identifier: "peer-b", Transport: "stub"}},
	})
	if err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}

	_, err = svc.SignDocuments(ctx, SignInput{
		TransferID: xfer.ID,
		Signatures: []DocumentSignature{{DocumentID: xfer.Documents[0].ID, Status: "bogus"}},
	})
	if err == nil {
		t.Error("expected error for an invalid signature status")
	}
}

func TestSignDocuments_ReturnTransportCreatesReciprocalTransfer(t *testing.T) {
	svc := newTestService(t, &stubTransport{})
	ctx := context.Background()

	sender, _ := json.Marshal(map[string]string{"identifier": "peer-a"})
	xfer, err := svc.CreateTransfer(ctx, CreateInput{
		Type:       models.TransferIncoming,
		Sender:     sender,
		Documents:  []DocumentInput{{FileName: "a.pdf", Data: []byte("x")}},
		Recipients: []RecipientInput{{Identifier: "peer-b", Transport: "stub"}},
	})
	if err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}

	_, err = svc.SignDocuments(ctx, SignInput{
		TransferID:      xfer.ID,
		Signatures:      []DocumentSignature{{DocumentID: xfer.Documents[0].ID, Status: models.DocumentSigned, SignedBy: "peer-b"}},
		ReturnTransport: true,
	})
	if err != nil {
		t.Fatalf("SignDocuments: %v", err)
	}

	all, err := svc.ListTransfers(ctx, models.TransferOutgoing, "", 10)
	if err != nil {
		t.Fatalf("ListTransfers: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("len(outgoing transfers) = %d, want 1 (the reciprocal transfer)", len(all))
	}

	var meta struct {
		OriginalTransferID string `json:"originalTransferId"`
		ReturnTransport    bool   `json:"returnTransport"`
	}
	if err := json.Unmarshal(all[0].Metadata, &meta); err != nil {
		t.Fatalf("unmarshal metadata: %v", err)
	}
	if meta.OriginalTransferID != xfer.ID {
		t.Errorf("originalTransferId = %q, want %q", meta.OriginalTransferID, xfer.ID)
	}
	if !meta.ReturnTransport {
		t.Error("returnTransport = false, want true")
	}
}

func TestDeriveStatus_PartiallySignedWithMultipleDocuments(t *testing.T) {
	xfer := models.Transfer{
		Documents: []models.Document{
			{Status: models.DocumentSigned},
			{Status: models.DocumentPending},
		},
		Recipients: []models.Recipient{{Status: models.RecipientNotified}},
	}
	if got := deriveStatus(xfer); got != models.TransferPartiallySigned {
		t.Errorf("deriveStatus = %q, want %q", got, models.TransferPartiallySigned)
	}
}

// waitForCondition polls cond for up to a short bound, since dispatch and
// status recomputation happen on background goroutines.
func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}
