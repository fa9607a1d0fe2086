package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/FirmaChain/firma-sign-sub001/internal/apperror"
)

// P2PConfig is the transport's initialize() payload: the local listen
// address plus a static set of known peer addresses (seed list). mDNS/DHT
// discovery is out of scope here — only the capability surface (Connector,
// Discoverer) that a full libp2p-backed implementation would expose is
// real; the wire protocol underneath is a direct TCP stream instead of a
// libp2p multiplexed connection.
type P2PConfig struct {
	ListenAddr string            `json:"listenAddr"`
	SeedPeers  map[string]string `json:"seedPeers"` // peer identifier -> "host:port"
}

// P2PTransport is a direct peer-to-peer adapter: outbound Send dials the
// peer's registered address and writes a newline-delimited JSON frame;
// inbound Receive accepts connections on ListenAddr and decodes the same
// framing, invoking the callback per envelope.
type P2PTransport struct {
	logger *slog.Logger
	status Status

	mu        sync.RWMutex
	seedPeers map[string]string
	connected map[string]net.Conn
	callback  func(InboundEnvelope)

	listener net.Listener
}

func NewP2PTransport(logger *slog.Logger) *P2PTransport {
	return &P2PTransport{
		logger:    logger,
		status:    Status{Name: NameP2P, State: "uninitialized"},
		seedPeers: make(map[string]string),
		connected: make(map[string]net.Conn),
	}
}

func (p *P2PTransport) Name() string { return NameP2P }

func (p *P2PTransport) Initialize(ctx context.Context, config json.RawMessage) error {
	var cfg P2PConfig
	if len(config) > 0 {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return fmt.Errorf("p2p transport: invalid config: %w", err)
		}
	}

	p.mu.Lock()
	if cfg.SeedPeers != nil {
		p.seedPeers = cfg.SeedPeers
	}
	p.mu.Unlock()

	if cfg.ListenAddr != "" {
		ln, err := net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("p2p transport: listen on %s: %w", cfg.ListenAddr, err)
		}
		p.listener = ln
		go p.acceptLoop(ctx)
	}

	p.status = Status{Name: NameP2P, State: "active"}
	return nil
}

func (p *P2PTransport) acceptLoop(ctx context.Context) {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				p.logger.Warn("p2p accept failed", slog.String("error", err.Error()))
				return
			}
		}
		go p.handleConn(conn)
	}
}

// handleConn decodes one newline-delimited JSON InboundEnvelope per read and
// hands it to the last callback registered via Receive; the connection is
// kept open for further frames until the peer closes it.
func (p *P2PTransport) handleConn(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		var inbound InboundEnvelope
		if err := json.Unmarshal(scanner.Bytes(), &inbound); err != nil {
			p.logger.Warn("p2p decode failed", slog.String("error", err.Error()))
			continue
		}
		p.mu.RLock()
		cb := p.callback
		p.mu.RUnlock()
		if cb != nil {
			cb(inbound)
		}
	}
}

func (p *P2PTransport) dial(ctx context.Context, peerIdentifier string) (net.Conn, error) {
	p.mu.RLock()
	conn, cached := p.connected[peerIdentifier]
	addr, known := p.seedPeers[peerIdentifier]
	p.mu.RUnlock()

	if cached {
		return conn, nil
	}
	if !known {
		return nil, apperror.TransportPermanent(NameP2P, fmt.Errorf("peer %q is not in the known-peer set", peerIdentifier))
	}

	dialer := net.Dialer{Timeout: 10 * time.Second}
	newConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, apperror.TransportTransient(NameP2P, err)
	}

	p.mu.Lock()
	p.connected[peerIdentifier] = newConn
	p.mu.Unlock()
	return newConn, nil
}

func (p *P2PTransport) Send(ctx context.Context, env Envelope) error {
	if p.status.State != "active" {
		return apperror.TransportUnavailable(NameP2P)
	}

	conn, err := p.dial(ctx, env.Recipient)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return apperror.Internal("encoding p2p envelope", err)
	}
	payload = append(payload, '\n')

	if _, err := conn.Write(payload); err != nil {
		p.mu.Lock()
		delete(p.connected, env.Recipient)
		p.mu.Unlock()
		return apperror.TransportTransient(NameP2P, err)
	}
	return nil
}

func (p *P2PTransport) Receive(_ context.Context, callback func(InboundEnvelope)) error {
	p.mu.Lock()
	p.callback = callback
	p.mu.Unlock()
	return nil
}

func (p *P2PTransport) GetStatus() Status { return p.status }

func (p *P2PTransport) Shutdown(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, conn := range p.connected {
		conn.Close()
	}
	p.connected = make(map[string]net.Conn)
	if p.listener != nil {
		p.listener.Close()
	}
	p.status = Status{Name: NameP2P, State: "uninitialized"}
	return nil
}

// Connect dials and caches a connection to peerIdentifier ahead of any Send.
func (p *P2PTransport) Connect(ctx context.Context, peerIdentifier string) error {
	_, err := p.dial(ctx, peerIdentifier)
	return err
}

// Disconnect closes and forgets any cached connection to peerIdentifier.
func (p *P2PTransport) Disconnect(_ context.Context, peerIdentifier string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.connected[peerIdentifier]; ok {
		conn.Close()
		delete(p.connected, peerIdentifier)
	}
	return nil
}

// DiscoverPeers returns the configured seed peers as candidates; online is
// true only for those with a live cached connection.
func (p *P2PTransport) DiscoverPeers(_ context.Context) ([]PeerCandidate, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PeerCandidate, 0, len(p.seedPeers))
	for id := range p.seedPeers {
		_, online := p.connected[id]
		out = append(out, PeerCandidate{Identifier: id, Online: online})
	}
	return out, nil
}
