package peers

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/FirmaChain/firma-sign-sub001/internal/database"
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

// stubTransport implements Transport plus the optional Connector and
// Discoverer capabilities so peers.Service's connect/discover paths have
// something to dispatch to.
type stubTransport struct {
	mu          sync.Mutex
	connects    []string
	disconnects []string
	candidates  []transport.PeerCandidate
}

func (t *stubTransport) Name() string { return "stub" }
func (t *stubTransport) Initialize(ctx context.Context, config json.RawMessage) error {
	return nil
}
func (t *stubTransport) Send(ctx context.Context, env transport.Envelope) error { return nil }
func (t *stubTransport) Receive(ctx context.Context, callback func(transport.InboundEnvelope)) error {
	return transport.ErrUnsupported
}
func (t *stubTransport) GetStatus() transport.Status {
	return transport.Status{Name: "stub", State: "active"}
}
func (t *stubTransport) Shutdown(ctx context.Context) error { return nil }

func (t *stubTransport) Connect(ctx context.Context, peerIdentifier string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connects = append(t.connects, peerIdentifier)
	return nil
}

func (t *stubTransport) Disconnect(ctx context.Context, peerIdentifier string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnects = append(t.disconnects, peerIdentifier)
	return nil
}

func (t *stubTransport) DiscoverPeers(ctx context.Context) ([]transport.PeerCandidate, error) {
	return t.candidates, nil
}

func newTestService(t *testing.T, st *stubTransport) *Service {
	t.Helper()
	registry := transport.NewRegistry()
	registry.Register(st)
	registry.InitializeAll(context.Background(), nil)
	return New(openTestDB(t), registry, nil, nil)
}

func TestUpsertPeer_CreatesAndUpdates(t *testing.T) {
	svc := newTestService(t, &stubTransport{})
	ctx := context.Background()

	p, err := svc.UpsertPeer(ctx, models.Peer{
		DisplayName: "Alice",
		Identifiers: []models.PeerIdentifier{{Transport: "stub", Identifier: "alice@example.com"}},
	})
	if err != nil {
		t.Fatalf("UpsertPeer (create): %v", err)
	}
	if p.ID == "" {
		t.Fatal("expected a generated ID")
	}

	updated, err := svc.UpsertPeer(ctx, models.Peer{ID: p.ID, DisplayName: "Alice Updated"})
	if err != nil {
		t.Fatalf("UpsertPeer (update): %v", err)
	}
	if updated.DisplayName != "Alice Updated" {
		t.Errorf("displayName = %q, want %q", updated.DisplayName, "Alice Updated")
	}
}

func TestGetPeerDetails_IncludesIdentifiers(t *testing.T) {
	svc := newTestService(t, &stubTransport{})
	ctx := context.Background()

	p, err := svc.UpsertPeer(ctx, models.Peer{
		DisplayName: "Bob",
		Identifiers: []models.PeerIdentifier{{Transport: "stub", Identifier: "bob@example.com"}},
	})
	if err != nil {
		t.Fatalf("UpsertPeer: %v", err)
	}

	got, err := svc.GetPeerDetails(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPeerDetails: %v", err)
	}
	if len(got.Identifiers) != 1 {
		t.Fatalf("len(Identifiers) = %d, want 1", len(got.Identifiers))
	}
	if got.Identifiers[0].Identifier != "bob@example.com" {
		t.Errorf("identifier = %q, want %q", got.Identifiers[0].Identifier, "bob@example.com")
	}
}

func TestGetPeerDetails_NotFound(t *testing.T) {
	svc := newTestService(t, &stubTransport{})
	if _, err := svc.GetPeerDetails(context.Background(), "missing"); err == nil {
		t.Error("expected error for unknown peer")
	}
}

func TestDiscoverPeers_PrefersKnownDirectoryRecord(t *testing.T) {
	st := &stubTransport{candidates: []transport.PeerCandidate{
		{Identifier: "stub:carol@example.com", DisplayName: "stale name", Online: true},
		{Identifier: "stub:unknown@example.com", DisplayName: "Dave", Online: false},
	}}
	svc := newTestService(t, st)
	ctx := context.Background()

	if _, err := svc.UpsertPeer(ctx, models.Peer{
		ID:          "carol-id",
		DisplayName: "Carol",
		Identifiers: []models.PeerIdentifier{{Transport: "stub", Identifier: "stub:carol@example.com"}},
	}); err != nil {
		t.Fatalf("UpsertPeer: %v", err)
	}

	found, err := svc.DiscoverPeers(ctx)
	if err != nil {
		t.Fatalf("DiscoverPeers: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("len(found) = %d, want 2", len(found))
	}

	var sawKnown, sawNew bool
	for _, p := range found {
		switch p.ID {
		case "carol-id":
			sawKnown = true
			if p.DisplayName != "Carol" {
				t.Errorf("known peer displayName = %q, want directory value %q", p.DisplayName, "Carol")
			}
		case "stub:unknown@example.com":
			sawNew = true
			if p.DisplayName != "Dave" {
				t.Errorf("new peer displayName = %q, want %q", p.DisplayName, "Dave")
			}
		}
	}
	if !sawKnown || !sawNew {
		t.Errorf("expected both a known and a new candidate, sawKnown=%v sawNew=%v", sawKnown, sawNew)
	}
}

func TestConnectToPeer_ClosesPriorOpenConnection(t *testing.T) {
	st := &stubTransport{}
	svc := newTestService(t, st)
	ctx := context.Background()

	first, err := svc.ConnectToPeer(ctx, "peer-1", "stub")
	if err != nil {
		t.Fatalf("ConnectToPeer (first): %v", err)
	}

	second, err := svc.ConnectToPeer(ctx, "peer-1", "stub")
	if err != nil {
		t.Fatalf("ConnectToPeer (second): %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("expected a new connection row on reconnect")
	}

	var openCount int
	row := svc.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM peer_connections
		WHERE remote_peer_id = ? AND transport = ? AND status = ?`,
		"peer-1", "stub", models.ConnStatusConnected)
	if err := row.Scan(&openCount); err != nil {
		t.Fatalf("counting open connections: %v", err)
	}
	if openCount != 1 {
		t.Errorf("open connection rows = %d, want 1 (prior connection should have closed)", openCount)
	}

	var firstStatus string
	if err := svc.db.QueryRowContext(ctx, `SELECT status FROM peer_connections WHERE id = ?`, first.ID).Scan(&firstStatus); err != nil {
		t.Fatalf("fetching first connection status: %v", err)
	}
	if firstStatus != models.ConnStatusDisconnected {
		t.Errorf("first connection status = %q, want %q", firstStatus, models.ConnStatusDisconnected)
	}
}

func TestDisconnectFromPeer(t *testing.T) {
	st := &stubTransport{}
	svc := newTestService(t, st)
	ctx := context.Background()

	if _, err := svc.ConnectToPeer(ctx, "peer-1", "stub"); err != nil {
		t.Fatalf("ConnectToPeer: %v", err)
	}
	if err := svc.DisconnectFromPeer(ctx, "peer-1", "stub"); err != nil {
		t.Fatalf("DisconnectFromPeer: %v", err)
	}

	var status string
	if err := svc.db.QueryRowContext(ctx, `
		SELECT status FROM peer_connections WHERE remote_peer_id = ? AND transport = ? ORDER BY created_at DESC LIMIT 1`,
		"peer-1", "stub").Scan(&status); err != nil {
		t.Fatalf("fetching connection status: %v", err)
	}
	if status != models.ConnStatusDisconnected {
		t.Errorf("status = %q, want %q", status, models.ConnStatusDisconnected)
	}
}

func TestGetPeerTransfers(t *testing.T) {
	svc := newTestService(t, &stubTransport{})
	ctx := context.Background()

	_, err := svc.db.ExecContext(ctx, `
		INSERT INTO transfers (id, code, type, status, transport, created_at, updated_at)
		VALUES ('xfer-1', 'ABCDEF', 'outgoing', 'pending', 'stub', datetime('now'), datetime('now'))`)
	if err != nil {
		t.Fatalf("inserting stub transfer: %v", err)
	}
	_, err = svc.db.ExecContext(ctx, `
		INSERT INTO recipients (id, transfer_id, identifier, transport, status, created_at, updated_at)
		VALUES ('rcpt-1', 'xfer-1', 'peer-1', 'stub', 'pending', datetime('now'), datetime('now'))`)
	if err != nil {
		t.Fatalf("inserting stub recipient: %v", err)
	}

	ids, err := svc.GetPeerTransfers(ctx, "peer-1", 10)
	if err != nil {
		t.Fatalf("GetPeerTransfers: %v", err)
	}
	if len(ids) != 1 || ids[0] != "xfer-1" {
		t.Errorf("ids = %v, want [xfer-1]", ids)
	}
}
