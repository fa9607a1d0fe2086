package transport

import (
	"context"
	"encoding/json"
	"sync"
)

// WebClientLookup is satisfied by the WebSocket gateway: it tells the web
// transport whether a given peer identifier currently has a connected,
// authenticated client so Send can deliver directly instead of queuing.
type WebClientLookup interface {
	IsConnected(peerIdentifier string) bool
	Notify(peerIdentifier string, env Envelope)
}

// WebTransport is the in-process transport: it delivers directly to
// already-connected WebSocket clients via the gateway, and otherwise queues
// the envelope in memory, where it stays until FlushPending drains it.
type WebTransport struct {
	mu      sync.Mutex
	lookup  WebClientLookup
	pending map[string][]Envelope
	status  Status
}

// NewWebTransport constructs a WebTransport. lookup is wired in after the
// gateway is constructed (see cmd/firma-sign) since the gateway itself
// depends on the transport registry.
func NewWebTransport() *WebTransport {
	return &WebTransport{
		pending: make(map[string][]Envelope),
		status:  Status{Name: NameWeb, State: "uninitialized"},
	}
}

// SetLookup wires the gateway's client registry into the transport.
func (w *WebTransport) SetLookup(lookup WebClientLookup) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lookup = lookup
}

func (w *WebTransport) Name() string { return NameWeb }

func (w *WebTransport) Initialize(_ context.Context, _ json.RawMessage) error {
	w.status = Status{Name: NameWeb, State: "active"}
	return nil
}

func (w *WebTransport) Send(_ context.Context, env Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lookup != nil && w.lookup.IsConnected(env.Recipient) {
		w.lookup.Notify(env.Recipient, env)
		return nil
	}
	w.pending[env.Recipient] = append(w.pending[env.Recipient], env)
	return nil
}

// FlushPending returns and clears any envelopes queued for peerIdentifier.
// The gateway does not call it when a peer connects, so queued envelopes are
// not delivered automatically.
func (w *WebTransport) FlushPending(peerIdentifier string) []Envelope {
	w.mu.Lock()
	defer w.mu.Unlock()
	envs := w.pending[peerIdentifier]
	delete(w.pending, peerIdentifier)
	return envs
}

func (w *WebTransport) Receive(_ context.Context, _ func(InboundEnvelope)) error {
	return nil
}

func (w *WebTransport) GetStatus() Status { return w.status }

func (w *WebTransport) Shutdown(_ context.Context) error {
	w.status = Status{Name: NameWeb, State: "uninitialized"}
	return nil
}

// DiscoverPeers reports no candidates: the web transport does not enumerate
// the peers that have an active WebSocket connection.
func (w *WebTransport) DiscoverPeers(_ context.Context) ([]PeerCandidate, error) {
	return nil, nil
}
