package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"

	"github.com/FirmaChain/firma-sign-sub001/internal/auth"
	"github.com/FirmaChain/firma-sign-sub001/internal/events"
	"github.com/FirmaChain/firma-sign-sub001/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, nil))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func signToken(t *testing.T, secret, peerID string) string {
	t.Helper()
	claims := auth.Claims{
		PeerID: peerID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

func newTestGateway() *Gateway {
	return New(auth.NewService("test-secret"), nil, nil, testLogger())
}

func TestClientSubscriptionSets(t *testing.T) {
	c := newClient(nil)

	if c.subscribesTransfer("t1") {
		t.Fatal("expected no subscription before subscribing")
	}
	c.mu.Lock()
	c.subscribedTransfers["t1"] = struct{}{}
	c.mu.Unlock()
	if !c.subscribesTransfer("t1") {
		t.Fatal("expected subscription after adding")
	}

	if c.joinedGroup("g1") {
		t.Fatal("expected not joined before joining")
	}
	c.mu.Lock()
	c.joinedGroups["g1"] = struct{}{}
	c.mu.Unlock()
	if !c.joinedGroup("g1") {
		t.Fatal("expected joined after adding")
	}
}

func TestClientEnqueueDropsWhenFull(t *testing.T) {
	c := newClient(nil)
	for i := 0; i < sendBufferSize; i++ {
		if !c.enqueue([]byte("x")) {
			t.Fatalf("unexpected drop at %d", i)
		}
	}
	if c.enqueue([]byte("overflow")) {
		t.Fatal("expected enqueue to report full queue as dropped")
	}
}

func TestHandleAuthSuccess(t *testing.T) {
	g := newTestGateway()
	c := newClient(nil)
	g.register(c)
	defer g.unregister(c)

	token := signToken(t, "test-secret", "peer-123")
	g.handleAuth(context.Background(), c, inboundFrame{Type: "auth", Token: token})

	if !c.isAuthenticated() {
		t.Fatal("expected client to be authenticated")
	}
	if c.ownPeerID() != "peer-123" {
		t.Fatalf("ownPeerID = %q, want peer-123", c.ownPeerID())
	}
	if !g.IsConnected("peer-123") {
		t.Fatal("expected gateway to report peer connected after auth")
	}

	select {
	case frame := <-c.send:
		var out map[string]interface{}
		if err := json.Unmarshal(frame, &out); err != nil {
			t.Fatalf("unmarshalling auth_success frame: %v", err)
		}
		if out["type"] != "auth_success" {
			t.Fatalf("frame type = %v, want auth_success", out["type"])
		}
		if out["peerId"] != "peer-123" {
			t.Fatalf("frame peerId = %v, want peer-123", out["peerId"])
		}
	default:
		t.Fatal("expected an auth_success frame to be queued")
	}
}

func TestHandleAuthRejectsBadToken(t *testing.T) {
	g := newTestGateway()
	c := newClient(nil)

	g.handleAuth(context.Background(), c, inboundFrame{Type: "auth", Token: "not-a-real-token"})

	if c.isAuthenticated() {
		t.Fatal("expected client to remain unauthenticated")
	}

	select {
	case frame := <-c.send:
		var out map[string]interface{}
		_ = json.Unmarshal(frame, &out)
		if out["type"] != "error" {
			t.Fatalf("frame type = %v, want error", out["type"])
		}
	default:
		t.Fatal("expected an error frame to be queued")
	}
}

func TestRequireAuthGatesUnauthenticatedClients(t *testing.T) {
	g := newTestGateway()
	c := newClient(nil)

	called := false
	g.requireAuth(c, func() { called = true })

	if called {
		t.Fatal("expected requireAuth to block an unauthenticated client")
	}
	select {
	case frame := <-c.send:
		var out map[string]interface{}
		_ = json.Unmarshal(frame, &out)
		if out["error"] != "Not authenticated" {
			t.Fatalf("error = %v, want 'Not authenticated'", out["error"])
		}
	default:
		t.Fatal("expected an error frame")
	}
}

func TestHandleSubscribeAndUnsubscribe(t *testing.T) {
	g := newTestGateway()
	c := newClient(nil)
	c.mu.Lock()
	c.authenticated = true
	c.peerID = "peer-1"
	c.mu.Unlock()

	g.handleSubscribe(c, inboundFrame{TransferID: "xfer-1"})
	if !c.subscribesTransfer("xfer-1") {
		t.Fatal("expected subscription to be recorded")
	}
	<-c.send // drain the ack

	g.handleUnsubscribe(c, inboundFrame{TransferID: "xfer-1"})
	if c.subscribesTransfer("xfer-1") {
		t.Fatal("expected subscription to be removed")
	}
}

func TestRouteEventDeliversToSubscribedTransferClientsOnly(t *testing.T) {
	g := newTestGateway()

	subscribed := newClient(nil)
	subscribed.mu.Lock()
	subscribed.authenticated = true
	subscribed.subscribedTransfers["xfer-1"] = struct{}{}
	subscribed.mu.Unlock()
	g.register(subscribed)

	other := newClient(nil)
	other.mu.Lock()
	other.authenticated = true
	other.subscribedTransfers["xfer-2"] = struct{}{}
	other.mu.Unlock()
	g.register(other)

	g.routeEvent(events.SubjectTransferUpdated, events.Event{
		Type:       "transfer.updated",
		TransferID: "xfer-1",
	})

	select {
	case frame := <-subscribed.send:
		var out map[string]interface{}
		_ = json.Unmarshal(frame, &out)
		if out["transferId"] != "xfer-1" {
			t.Fatalf("transferId = %v, want xfer-1", out["transferId"])
		}
	default:
		t.Fatal("expected subscribed client to receive the event")
	}

	select {
	case <-other.send:
		t.Fatal("did not expect unrelated client to receive the event")
	default:
	}
}

func TestRouteEventBroadcastsTransportEventsToAllAuthenticated(t *testing.T) {
	g := newTestGateway()

	a := newClient(nil)
	a.mu.Lock()
	a.authenticated = true
	a.mu.Unlock()
	g.register(a)

	unauth := newClient(nil)
	g.register(unauth)

	g.routeEvent("firma.transport.status", events.Event{Type: "transport.status"})

	select {
	case <-a.send:
	default:
		t.Fatal("expected authenticated client to receive transport broadcast")
	}
	select {
	case <-unauth.send:
		t.Fatal("did not expect unauthenticated client to receive transport broadcast")
	default:
	}
}

func TestNotifyDeliversOnlyToBoundPeer(t *testing.T) {
	g := newTestGateway()
	c := newClient(nil)
	c.mu.Lock()
	c.authenticated = true
	c.peerID = "peer-9"
	c.mu.Unlock()
	g.register(c)
	g.bindPeer(c, "peer-9")

	if g.IsConnected("peer-404") {
		t.Fatal("expected unknown peer to be reported as disconnected")
	}
	if !g.IsConnected("peer-9") {
		t.Fatal("expected bound peer to be reported as connected")
	}

	g.Notify("peer-9", transport.Envelope{TransferID: "xfer-7"})

	select {
	case frame := <-c.send:
		var out map[string]interface{}
		_ = json.Unmarshal(frame, &out)
		if out["transferId"] != "xfer-7" {
			t.Fatalf("transferId = %v, want xfer-7", out["transferId"])
		}
	default:
		t.Fatal("expected a notification frame")
	}
}

func TestClientCountAndUnregister(t *testing.T) {
	g := newTestGateway()
	c1 := newClient(nil)
	c2 := newClient(nil)
	g.register(c1)
	g.register(c2)

	if got := g.ClientCount(); got != 2 {
		t.Fatalf("ClientCount() = %d, want 2", got)
	}

	g.unregister(c1)

	if got := g.ClientCount(); got != 1 {
		t.Fatalf("ClientCount() = %d, want 1", got)
	}
}

// TestEndToEndAuthAndSubscribe exercises the full HTTP upgrade, auth frame,
// and subscribe frame over a real WebSocket connection.
func TestEndToEndAuthAndSubscribe(t *testing.T) {
	g := newTestGateway()
	srv := httptest.NewServer(g)
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dialing gateway: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	token := signToken(t, "test-secret", "peer-e2e")
	authMsg, _ := json.Marshal(map[string]string{"type": "auth", "token": token})
	if err := conn.Write(ctx, websocket.MessageText, authMsg); err != nil {
		t.Fatalf("writing auth frame: %v", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("reading auth_success frame: %v", err)
	}
	var authResp map[string]interface{}
	if err := json.Unmarshal(data, &authResp); err != nil {
		t.Fatalf("unmarshalling auth_success frame: %v", err)
	}
	if authResp["type"] != "auth_success" {
		t.Fatalf("frame type = %v, want auth_success", authResp["type"])
	}

	subMsg, _ := json.Marshal(map[string]string{"type": "subscribe", "transferId": "xfer-e2e"})
	if err := conn.Write(ctx, websocket.MessageText, subMsg); err != nil {
		t.Fatalf("writing subscribe frame: %v", err)
	}
	_, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatalf("reading subscribed frame: %v", err)
	}
	var subResp map[string]interface{}
	_ = json.Unmarshal(data, &subResp)
	if subResp["type"] != "subscribed" {
		t.Fatalf("frame type = %v, want subscribed", subResp["type"])
	}
}
