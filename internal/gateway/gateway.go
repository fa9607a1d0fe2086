// Package gateway implements the WebSocket endpoint that fans internal bus
// events out to connected peers in real time: auth, transfer/peer/group
// subscriptions, and a small inline chat relay. It is the only package that
// understands both internal/events' subject hierarchy and a live client's
// send queue, so every other service reaches a browser or bot only by
// publishing to the bus.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/FirmaChain/firma-sign-sub001/internal/auth"
	"github.com/FirmaChain/firma-sign-sub001/internal/events"
	"github.com/FirmaChain/firma-sign-sub001/internal/messages"
	"github.com/FirmaChain/firma-sign-sub001/internal/models"
	"github.com/FirmaChain/firma-sign-sub001/internal/transport"
)

const (
	sendBufferSize    = 256
	pingInterval      = 30 * time.Second
	inactivityTimeout = 5 * time.Minute
	maxMessageSize    = 1 << 20
	writeTimeout      = 10 * time.Second
)

// Client is one live WebSocket connection: its authentication state and its
// interest sets. Every mutable field is guarded by mu so the read pump, the
// write pump, and bus-driven broadcasts can all touch it concurrently.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu                  sync.Mutex
	authenticated       bool
	peerID              string
	sessionID           string
	subscribedTransfers map[string]struct{}
	joinedGroups        map[string]struct{}
	connectedAt         time.Time
	lastActivity        time.Time

	closeOnce sync.Once
}

func newClient(conn *websocket.Conn) *Client {
	now := time.Now().UTC()
	return &Client{
		id:                  models.NewULID().String(),
		conn:                conn,
		send:                make(chan []byte, sendBufferSize),
		subscribedTransfers: make(map[string]struct{}),
		joinedGroups:        make(map[string]struct{}),
		connectedAt:         now,
		lastActivity:        now,
	}
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now().UTC()
	c.mu.Unlock()
}

func (c *Client) idleSince() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActivity)
}

func (c *Client) isAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *Client) ownPeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

func (c *Client) subscribesTransfer(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscribedTransfers[id]
	return ok
}

func (c *Client) joinedGroup(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.joinedGroups[id]
	return ok
}

// enqueue attempts a non-blocking send; a client whose queue is already full
// is too slow to keep up: the frame is dropped and the client's connection is
// closed (in the background) rather than stalling the publisher
// (spec.md §5 "Shared-resource policy").
func (c *Client) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		if c.conn != nil {
			go c.conn.Close(websocket.StatusPolicyViolation, "send queue full")
		}
		return false
	}
}

// Gateway owns the live client registry and the bus subscription that feeds
// it. One Gateway serves the whole process; it also implements
// transport.WebClientLookup so the "web" transport can deliver through it.
type Gateway struct {
	authSvc *auth.Service
	bus     *events.Bus
	msgs    *messages.Service
	logger  *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	byPeer  map[string]map[string]*Client // peerID -> client id -> client
}

// New constructs a Gateway. msgs may be nil in tests that don't exercise the
// inline "message" frame type.
func New(authSvc *auth.Service, bus *events.Bus, msgs *messages.Service, logger *slog.Logger) *Gateway {
	return &Gateway{
		authSvc: authSvc,
		bus:     bus,
		msgs:    msgs,
		logger:  logger,
		clients: make(map[string]*Client),
		byPeer:  make(map[string]map[string]*Client),
	}
}

// Start subscribes the gateway to every bus subject so it can forward events
// to interested clients. It must be called once, before the HTTP server
// starts accepting connections.
func (g *Gateway) Start() error {
	_, err := g.bus.SubscribeWildcard("firma.>", g.routeEvent)
	if err != nil {
		return fmt.Errorf("gateway: subscribing to bus: %w", err)
	}
	return nil
}

// ServeHTTP upgrades the request to a WebSocket connection and runs the
// client's read/write pumps until it disconnects.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		g.logger.Warn("gateway: accepting connection failed", slog.String("error", err.Error()))
		return
	}
	conn.SetReadLimit(maxMessageSize)

	client := newClient(conn)
	g.register(client)
	defer g.unregister(client)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		g.writePump(ctx, client)
	}()
	go func() {
		defer wg.Done()
		g.readPump(ctx, client, cancel)
	}()
	wg.Wait()
}

func (g *Gateway) register(c *Client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clients[c.id] = c
}

func (g *Gateway) unregister(c *Client) {
	g.mu.Lock()
	peerID := c.peerID
	delete(g.clients, c.id)
	if peerID != "" {
		if m := g.byPeer[peerID]; m != nil {
			delete(m, c.id)
			if len(m) == 0 {
				delete(g.byPeer, peerID)
			}
		}
	}
	g.mu.Unlock()

	c.closeOnce.Do(func() { close(c.send) })
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "connection closed")
	}
}

func (g *Gateway) bindPeer(c *Client, peerID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.byPeer[peerID]
	if !ok {
		m = make(map[string]*Client)
		g.byPeer[peerID] = m
	}
	m[c.id] = c
}

// readPump decodes one inbound frame at a time and dispatches it. It returns
// (closing the connection) on read error, context cancellation, or the
// 5-minute inactivity timeout.
func (g *Gateway) readPump(ctx context.Context, c *Client, cancel context.CancelFunc) {
	defer cancel()

	idleCheck := time.NewTicker(pingInterval)
	defer idleCheck.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-idleCheck.C:
				if c.idleSince() > inactivityTimeout {
					_ = c.conn.Close(websocket.StatusPolicyViolation, "inactivity timeout")
					cancel()
					return
				}
			}
		}
	}()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		c.touch()
		g.handleInbound(ctx, c, data)
	}
}

// writePump drains the client's send queue onto the socket and keeps the
// connection alive with a periodic ping.
func (g *Gateway) writePump(ctx context.Context, c *Client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				return
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

type inboundFrame struct {
	Type       string `json:"type"`
	Token      string `json:"token,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	TransferID string `json:"transferId,omitempty"`
	GroupID    string `json:"groupId,omitempty"`
	PeerID     string `json:"peerId,omitempty"`
	Content    string `json:"content,omitempty"`
	Transport  string `json:"transport,omitempty"`
}

func (g *Gateway) handleInbound(ctx context.Context, c *Client, data []byte) {
	var in inboundFrame
	if err := json.Unmarshal(data, &in); err != nil {
		g.sendError(c, "invalid message")
		return
	}

	switch in.Type {
	case "auth":
		g.handleAuth(ctx, c, in)
	case "subscribe":
		g.requireAuth(c, func() { g.handleSubscribe(c, in) })
	case "unsubscribe":
		g.requireAuth(c, func() { g.handleUnsubscribe(c, in) })
	case "join_group":
		g.requireAuth(c, func() { g.handleJoinGroup(c, in) })
	case "leave_group":
		g.requireAuth(c, func() { g.handleLeaveGroup(c, in) })
	case "message":
		g.requireAuth(c, func() { g.handleMessage(ctx, c, in) })
	default:
		g.sendError(c, "unknown message type")
	}
}

// requireAuth runs fn only if c is authenticated, matching spec.md §6's
// "pre-auth attempts return {type:error, error:'Not authenticated'}".
func (g *Gateway) requireAuth(c *Client, fn func()) {
	if !c.isAuthenticated() {
		g.sendError(c, "Not authenticated")
		return
	}
	fn()
}

func (g *Gateway) handleAuth(ctx context.Context, c *Client, in inboundFrame) {
	var peerID string
	var err error
	switch {
	case in.Token != "":
		peerID, err = g.authSvc.ValidateSession(ctx, in.Token)
	case in.SessionID != "":
		peerID, err = g.authSvc.ValidateSession(ctx, in.SessionID)
	default:
		g.sendError(c, "token or sessionId is required")
		return
	}
	if err != nil {
		g.sendError(c, "authentication failed")
		return
	}

	sessionID := models.NewULID().String()
	c.mu.Lock()
	c.authenticated = true
	c.peerID = peerID
	c.sessionID = sessionID
	c.mu.Unlock()

	g.bindPeer(c, peerID)
	g.sendFrame(c, map[string]interface{}{
		"type":      "auth_success",
		"sessionId": sessionID,
		"peerId":    peerID,
	})
}

func (g *Gateway) handleSubscribe(c *Client, in inboundFrame) {
	if in.TransferID == "" {
		g.sendError(c, "transferId is required")
		return
	}
	c.mu.Lock()
	c.subscribedTransfers[in.TransferID] = struct{}{}
	c.mu.Unlock()
	g.sendFrame(c, map[string]interface{}{"type": "subscribed", "transferId": in.TransferID})
}

func (g *Gateway) handleUnsubscribe(c *Client, in inboundFrame) {
	c.mu.Lock()
	delete(c.subscribedTransfers, in.TransferID)
	c.mu.Unlock()
	g.sendFrame(c, map[string]interface{}{"type": "unsubscribed", "transferId": in.TransferID})
}

func (g *Gateway) handleJoinGroup(c *Client, in inboundFrame) {
	if in.GroupID == "" {
		g.sendError(c, "groupId is required")
		return
	}
	c.mu.Lock()
	c.joinedGroups[in.GroupID] = struct{}{}
	c.mu.Unlock()
	g.sendFrame(c, map[string]interface{}{"type": "joined_group", "groupId": in.GroupID})
}

func (g *Gateway) handleLeaveGroup(c *Client, in inboundFrame) {
	c.mu.Lock()
	delete(c.joinedGroups, in.GroupID)
	c.mu.Unlock()
	g.sendFrame(c, map[string]interface{}{"type": "left_group", "groupId": in.GroupID})
}

func (g *Gateway) handleMessage(ctx context.Context, c *Client, in inboundFrame) {
	if in.PeerID == "" || in.Content == "" {
		g.sendError(c, "peerId and content are required")
		return
	}
	if g.msgs == nil {
		g.sendError(c, "messaging is unavailable")
		return
	}
	msg, err := g.msgs.SendMessage(ctx, messages.SendInput{
		FromPeerID: c.ownPeerID(),
		ToPeerID:   in.PeerID,
		Content:    in.Content,
		Type:       models.MessageText,
		Transport:  in.Transport,
	})
	if err != nil {
		g.sendError(c, "failed to send message")
		return
	}
	g.sendFrame(c, map[string]interface{}{
		"type":      "message:sent",
		"messageId": msg.ID,
		"peerId":    in.PeerID,
	})
}

func (g *Gateway) sendFrame(c *Client, payload map[string]interface{}) {
	payload["timestamp"] = time.Now().UTC().UnixMilli()
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if !c.enqueue(data) {
		g.logger.Warn("gateway: dropping frame for slow client", slog.String("clientId", c.id))
	}
}

func (g *Gateway) sendError(c *Client, message string) {
	g.sendFrame(c, map[string]interface{}{"type": "error", "error": message})
}

// routeEvent is the bus subscription callback: it decides which connected
// clients care about ev based on the subject it arrived on, per spec.md
// §4.9's routing table.
func (g *Gateway) routeEvent(subject string, ev events.Event) {
	frame := map[string]interface{}{
		"type":  "event",
		"event": ev.Type,
		"data":  ev.Data,
	}
	if ev.TransferID != "" {
		frame["transferId"] = ev.TransferID
	}
	if ev.PeerID != "" {
		frame["peerId"] = ev.PeerID
	}
	if ev.GroupID != "" {
		frame["groupId"] = ev.GroupID
	}

	switch {
	case strings.HasPrefix(subject, "firma.transfer.") || strings.HasPrefix(subject, "firma.document."):
		g.broadcastTo(frame, func(c *Client) bool { return c.subscribesTransfer(ev.TransferID) })
	case strings.HasPrefix(subject, "firma.group."):
		g.broadcastTo(frame, func(c *Client) bool { return c.joinedGroup(ev.GroupID) })
	case strings.HasPrefix(subject, "firma.transport."):
		g.broadcastTo(frame, func(c *Client) bool { return c.isAuthenticated() })
	case strings.HasPrefix(subject, "firma.peer.") || strings.HasPrefix(subject, "firma.message."):
		g.broadcastTo(frame, func(c *Client) bool { return c.isAuthenticated() && c.ownPeerID() == ev.PeerID })
	}
}

// broadcastTo snapshots the client registry before iterating, so a slow or
// disconnecting client never blocks the bus delivery goroutine (spec.md §5).
func (g *Gateway) broadcastTo(payload map[string]interface{}, match func(*Client) bool) {
	g.mu.RLock()
	clients := make([]*Client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.RUnlock()

	payload["timestamp"] = time.Now().UTC().UnixMilli()
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}

	for _, c := range clients {
		if !match(c) {
			continue
		}
		if !c.enqueue(data) {
			g.logger.Warn("gateway: dropping broadcast for slow client", slog.String("clientId", c.id))
		}
	}
}

// IsConnected reports whether peerIdentifier has at least one authenticated
// client connected, satisfying transport.WebClientLookup for the "web"
// transport.
func (g *Gateway) IsConnected(peerIdentifier string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.byPeer[peerIdentifier]) > 0
}

// Notify delivers env to every client connected as peerIdentifier, satisfying
// transport.WebClientLookup.
func (g *Gateway) Notify(peerIdentifier string, env transport.Envelope) {
	g.mu.RLock()
	targets := make([]*Client, 0, len(g.byPeer[peerIdentifier]))
	for _, c := range g.byPeer[peerIdentifier] {
		targets = append(targets, c)
	}
	g.mu.RUnlock()

	data, err := json.Marshal(map[string]interface{}{
		"type":       "event",
		"event":      "transfer.notify",
		"transferId": env.TransferID,
		"data":       env,
		"timestamp":  time.Now().UTC().UnixMilli(),
	})
	if err != nil {
		return
	}
	for _, c := range targets {
		if !c.enqueue(data) {
			g.logger.Warn("gateway: dropping web transport notification for slow client", slog.String("clientId", c.id))
		}
	}
}

// ClientCount reports how many connections are currently registered, used by
// the health/metrics endpoints.
func (g *Gateway) ClientCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// Shutdown closes every connected client, used during graceful server
// shutdown (spec.md §5: "Shutdown cancels all outstanding work").
func (g *Gateway) Shutdown(_ context.Context) {
	g.mu.RLock()
	clients := make([]*Client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.RUnlock()

	for _, c := range clients {
		_ = c.conn.Close(websocket.StatusServiceRestart, "server shutting down")
	}
}
