// Package transport defines the pluggable Transport capability set and the
// Registry that manages named transport instances by lifecycle, status, and
// send/receive dispatch. Concrete transports (web, email, discord, telegram,
// p2p) live alongside this file; the registry never shares an instance
// across transport names and never retries a failed send itself — retry
// policy belongs to the transfer router (internal/transfers).
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/FirmaChain/firma-sign-sub001/internal/apperror"
)

// Well-known transport names.
const (
	NameP2P      = "p2p"
	NameEmail    = "email"
	NameDiscord  = "discord"
	NameTelegram = "telegram"
	NameWeb      = "web"
)

// Envelope is the payload handed to a transport's Send method.
type Envelope struct {
	TransferID string          `json:"transferId"`
	Documents  []EnvelopeDoc   `json:"documents"`
	Sender     json.RawMessage `json:"sender,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	Recipient  string          `json:"recipient"`
}

// EnvelopeDoc is one document attached to an Envelope.
type EnvelopeDoc struct {
	ID       string `json:"id"`
	FileName string `json:"fileName"`
	Data     []byte `json:"data"`
}

// InboundEnvelope is what a transport hands back to the registry when it
// receives an incoming transfer from a remote peer.
type InboundEnvelope struct {
	Envelope
	FromIdentifier string `json:"fromIdentifier"`
}

// Status reports a transport's current initialization state.
type Status struct {
	Name  string `json:"name"`
	State string `json:"status"` // "active" | "error" | "uninitialized"
	Error string `json:"error,omitempty"`
}

// PeerCandidate is one result of a transport's discovery pass.
type PeerCandidate struct {
	Identifier  string `json:"identifier"`
	DisplayName string `json:"displayName,omitempty"`
	Online      bool   `json:"online"`
}

// Transport is any pluggable delivery channel. Connect, Disconnect, and
// DiscoverPeers are optional capabilities — an implementation that doesn't
// support them returns ErrUnsupported.
type Transport interface {
	Name() string
	Initialize(ctx context.Context, config json.RawMessage) error
	Send(ctx context.Context, env Envelope) error
	Receive(ctx context.Context, callback func(InboundEnvelope)) error
	GetStatus() Status
	Shutdown(ctx context.Context) error
}

// Connector is the optional capability to establish a direct session with a
// peer identifier.
type Connector interface {
	Connect(ctx context.Context, peerIdentifier string) error
	Disconnect(ctx context.Context, peerIdentifier string) error
}

// Discoverer is the optional capability to enumerate reachable peers.
type Discoverer interface {
	DiscoverPeers(ctx context.Context) ([]PeerCandidate, error)
}

// ErrUnsupported is returned by a Transport for a capability it doesn't implement.
var ErrUnsupported = fmt.Errorf("transport: capability not supported")

// Registry keeps a name -> instance map and a parallel name -> status map.
// Per-transport initialization failure is isolated: the registry records the
// error and continues initializing the rest.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]Transport
	statuses   map[string]Status
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		transports: make(map[string]Transport),
		statuses:   make(map[string]Status),
	}
}

// Register adds a transport instance under its own Name() without
// initializing it. Initialize still must be called (directly or via
// InitializeAll) before Send/Receive will work.
func (r *Registry) Register(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[t.Name()] = t
	r.statuses[t.Name()] = Status{Name: t.Name(), State: "uninitialized"}
}

// InitializeAll initializes each named transport with its config. A
// per-transport failure is recorded in the status map and does not abort
// initialization of the remaining transports.
func (r *Registry) InitializeAll(ctx context.Context, configs map[string]json.RawMessage) {
	r.mu.RLock()
	names := make([]string, 0, len(r.transports))
	for name := range r.transports {
		names = append(names, name)
	}
	r.mu.RUnlock()

	for _, name := range names {
		r.mu.RLock()
		t := r.transports[name]
		r.mu.RUnlock()

		err := t.Initialize(ctx, configs[name])

		r.mu.Lock()
		if err != nil {
			r.statuses[name] = Status{Name: name, State: "error", Error: err.Error()}
		} else {
			r.statuses[name] = Status{Name: name, State: "active"}
		}
		r.mu.Unlock()
	}
}

// Get returns the transport registered under name, if any.
func (r *Registry) Get(name string) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[name]
	return t, ok
}

// Statuses returns a snapshot of every registered transport's status.
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, 0, len(r.statuses))
	for _, s := range r.statuses {
		out = append(out, s)
	}
	return out
}

// IsActive reports whether name is registered and currently active.
func (r *Registry) IsActive(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.statuses[name].State == "active"
}

// SelectTransportForPeer returns the first active transport. A
// capability-weighted selection (preferring transports the peer is actually
// reachable on) is reserved for future extension — see spec Open Question 1.
func (r *Registry) SelectTransportForPeer(_ string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, st := range r.statuses {
		if st.State == "active" {
			return name, true
		}
	}
	return "", false
}

// SendViaTransport dispatches env through the named transport, or returns
// an apperror.TransportUnavailable error if it isn't registered and active.
func (r *Registry) SendViaTransport(ctx context.Context, name string, env Envelope) error {
	r.mu.RLock()
	t, ok := r.transports[name]
	active := r.statuses[name].State == "active"
	r.mu.RUnlock()

	if !ok || !active {
		return apperror.TransportUnavailable(name)
	}
	return t.Send(ctx, env)
}

// Connect dispatches to the named transport's optional Connector capability.
func (r *Registry) Connect(ctx context.Context, name, peerIdentifier string) error {
	t, ok := r.Get(name)
	if !ok {
		return apperror.TransportUnavailable(name)
	}
	c, ok := t.(Connector)
	if !ok {
		return ErrUnsupported
	}
	return c.Connect(ctx, peerIdentifier)
}

// Disconnect dispatches to the named transport's optional Connector capability.
func (r *Registry) Disconnect(ctx context.Context, name, peerIdentifier string) error {
	t, ok := r.Get(name)
	if !ok {
		return apperror.TransportUnavailable(name)
	}
	c, ok := t.(Connector)
	if !ok {
		return ErrUnsupported
	}
	return c.Disconnect(ctx, peerIdentifier)
}

// DiscoverPeers aggregates PeerCandidates from every active transport whose
// Discoverer capability is supported.
func (r *Registry) DiscoverPeers(ctx context.Context) []PeerCandidate {
	r.mu.RLock()
	actives := make([]Transport, 0, len(r.transports))
	for name, t := range r.transports {
		if r.statuses[name].State == "active" {
			actives = append(actives, t)
		}
	}
	r.mu.RUnlock()

	var out []PeerCandidate
	for _, t := range actives {
		d, ok := t.(Discoverer)
		if !ok {
			continue
		}
		candidates, err := d.DiscoverPeers(ctx)
		if err != nil {
			continue
		}
		out = append(out, candidates...)
	}
	return out
}

// Shutdown shuts down every registered transport, collecting (not stopping
// on) individual errors.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	transports := make([]Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.mu.RUnlock()

	var firstErr error
	for _, t := range transports {
		if err := t.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
