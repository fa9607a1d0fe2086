// Package peers implements the peer directory: discovery, connection
// lifecycle, and transfer hand-off to a remote peer over whichever
// transport is available. It holds a *sql.DB directly (see DESIGN.md
// "Persistence style") and delegates transport dispatch to
// internal/transport.Registry and presence reads to internal/presence.
package peers

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/FirmaChain/firma-sign-sub001/internal/apperror"
	"github.com/FirmaChain/firma-sign-sub001/internal/events"
	"github.com/FirmaChain/firma-sign-sub001/internal/models"
	"github.com/FirmaChain/firma-sign-sub001/internal/presence"
	"github.com/FirmaChain/firma-sign-sub001/internal/transport"
)

// Service manages the Peer directory and per-transport connections.
type Service struct {
	db        *sql.DB
	registry  *transport.Registry
	presence  *presence.Cache
	bus       *events.Bus
}

func New(db *sql.DB, registry *transport.Registry, pc *presence.Cache, bus *events.Bus) *Service {
	return &Service{db: db, registry: registry, presence: pc, bus: bus}
}

// DiscoverPeers aggregates transport-level peer candidates with the local
// directory, preferring the directory's richer record when a candidate's
// identifier is already known.
func (s *Service) DiscoverPeers(ctx context.Context) ([]models.Peer, error) {
	candidates := s.registry.DiscoverPeers(ctx)

	known, err := s.listPeers(ctx)
	if err != nil {
		return nil, err
	}
	byIdentifier := make(map[string]models.Peer)
	for _, p := range known {
		ids, err := s.listIdentifiers(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		p.Identifiers = ids
		for _, id := range ids {
			byIdentifier[id.Identifier] = p
		}
	}

	out := make([]models.Peer, 0, len(candidates))
	seen := make(map[string]bool)
	for _, c := range candidates {
		if p, ok := byIdentifier[c.Identifier]; ok {
			if !seen[p.ID] {
				out = append(out, p)
				seen[p.ID] = true
			}
			continue
		}
		out = append(out, models.Peer{
			ID:          c.Identifier,
			DisplayName: c.DisplayName,
			Presence:    presenceFromCandidate(c),
			TrustLevel:  models.TrustUnverified,
		})
	}
	return out, nil
}

func presenceFromCandidate(c transport.PeerCandidate) string {
	if c.Online {
		return models.PresenceOnline
	}
	return models.PresenceOffline
}

// GetPeerDetails fetches a peer by ID, overlaying its cached presence value
// when the presence cache has a fresher reading than the durable row.
func (s *Service) GetPeerDetails(ctx context.Context, id string) (*models.Peer, error) {
	peer, err := s.getPeer(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.presence != nil {
		if status, ok := s.presence.Get(ctx, id); ok {
			peer.Presence = status
		}
	}
	peer.Identifiers, err = s.listIdentifiers(ctx, id)
	if err != nil {
		return nil, err
	}
	return peer, nil
}

// ConnectToPeer establishes a session over the named transport, recording a
// PeerConnection row. If transportName is empty, the registry's
// SelectTransportForPeer fallback chooses the first active transport. Any
// existing open connection for the same peer+transport is closed first, so
// at most one open PeerConnection row exists per (local, remote, transport)
// triple (spec.md §9 Open Question 4).
func (s *Service) ConnectToPeer(ctx context.Context, peerID, transportName string) (*models.PeerConnection, error) {
	if transportName == "" {
		name, ok := s.registry.SelectTransportForPeer(peerID)
		if !ok {
			return nil, apperror.TransportUnavailable("any")
		}
		transportName = name
	}

	if err := s.registry.Connect(ctx, transportName, peerID); err != nil && err != transport.ErrUnsupported {
		return nil, err
	}

	conn := &models.PeerConnection{
		ID:           models.NewULID().String(),
		RemotePeerID: peerID,
		Transport:    transportName,
		Direction:    models.DirectionOutbound,
		Status:       models.ConnStatusConnected,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperror.Storage("beginning transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE peer_connections SET status = ?, updated_at = ?
		WHERE remote_peer_id = ? AND transport = ? AND status IN (?, ?)`,
		models.ConnStatusDisconnected, conn.CreatedAt, peerID, transportName,
		models.ConnStatusConnecting, models.ConnStatusConnected); err != nil {
		return nil, apperror.Storage("closing prior peer connection", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO peer_connections (id, local_peer_id, remote_peer_id, transport, direction, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		conn.ID, conn.LocalPeerID, conn.RemotePeerID, conn.Transport, conn.Direction, conn.Status, conn.CreatedAt, conn.UpdatedAt); err != nil {
		return nil, apperror.Storage("inserting peer connection", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperror.Storage("committing peer connection", err)
	}

	if s.bus != nil {
		_ = s.bus.PublishPeerEvent(ctx, events.SubjectPeerConnected, "peer.connected", peerID, conn)
	}
	return conn, nil
}

// DisconnectFromPeer tears down the transport session and marks the most
// recent connection row disconnected.
func (s *Service) DisconnectFromPeer(ctx context.Context, peerID, transportName string) error {
	if err := s.registry.Disconnect(ctx, transportName, peerID); err != nil && err != transport.ErrUnsupported {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE peer_connections SET status = ?, updated_at = ?
		WHERE remote_peer_id = ? AND transport = ? AND status = ?`,
		models.ConnStatusDisconnected, time.Now().UTC(), peerID, transportName, models.ConnStatusConnected)
	if err != nil {
		return apperror.Storage("updating peer connection", err)
	}

	if s.bus != nil {
		_ = s.bus.PublishPeerEvent(ctx, events.SubjectPeerDisconnected, "peer.disconnected", peerID, nil)
	}
	return nil
}

// SendTransferToPeer dispatches env through the given transport to peerID.
// The actual transfer bookkeeping (rows, recipients, retry) lives in
// internal/transfers; this method is the low-level per-recipient send the
// transfer dispatcher calls.
func (s *Service) SendTransferToPeer(ctx context.Context, peerID, transportName string, env transport.Envelope) error {
	env.Recipient = peerID
	return s.registry.SendViaTransport(ctx, transportName, env)
}

// GetPeerTransfers returns the IDs of transfers in which peerID appears as a
// recipient, newest first.
func (s *Service) GetPeerTransfers(ctx context.Context, peerID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT t.id FROM transfers t
		JOIN recipients r ON r.transfer_id = t.id
		WHERE r.identifier = ?
		ORDER BY t.created_at DESC LIMIT ?`, peerID, limit)
	if err != nil {
		return nil, apperror.Storage("querying peer transfers", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperror.Storage("scanning peer transfer id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertPeer creates or updates a peer record and its transport identifiers.
func (s *Service) UpsertPeer(ctx context.Context, p models.Peer) (*models.Peer, error) {
	if p.ID == "" {
		p.ID = models.NewULID().String()
	}
	now := time.Now().UTC()

	var metadata interface{}
	if len(p.Metadata) > 0 {
		metadata = string(p.Metadata)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO peers (id, display_name, avatar_url, presence, trust_level, public_key, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			avatar_url = excluded.avatar_url,
			trust_level = excluded.trust_level,
			public_key = excluded.public_key,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		p.ID, p.DisplayName, p.AvatarURL, presenceOrDefault(p.Presence), trustOrDefault(p.TrustLevel),
		p.PublicKey, metadata, now, now)
	if err != nil {
		return nil, apperror.Storage("upserting peer", err)
	}

	for _, id := range p.Identifiers {
		if id.ID == "" {
			id.ID = models.NewULID().String()
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO peer_identifiers (id, peer_id, transport, identifier, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(transport, identifier) DO NOTHING`,
			id.ID, p.ID, id.Transport, id.Identifier, now)
		if err != nil {
			return nil, apperror.Storage("inserting peer identifier", err)
		}
	}

	return s.getPeer(ctx, p.ID)
}

func presenceOrDefault(v string) string {
	if v == "" {
		return models.PresenceOffline
	}
	return v
}

func trustOrDefault(v string) string {
	if v == "" {
		return models.TrustUnverified
	}
	return v
}

func (s *Service) getPeer(ctx context.Context, id string) (*models.Peer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, avatar_url, presence, trust_level, last_seen_at, public_key, metadata, created_at, updated_at
		FROM peers WHERE id = ?`, id)
	return scanPeer(row)
}

func (s *Service) listPeers(ctx context.Context) ([]models.Peer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, avatar_url, presence, trust_level, last_seen_at, public_key, metadata, created_at, updated_at
		FROM peers ORDER BY display_name`)
	if err != nil {
		return nil, apperror.Storage("listing peers", err)
	}
	defer rows.Close()

	var out []models.Peer
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, apperror.Storage("scanning peer", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *Service) listIdentifiers(ctx context.Context, peerID string) ([]models.PeerIdentifier, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, peer_id, transport, identifier, created_at FROM peer_identifiers WHERE peer_id = ?`, peerID)
	if err != nil {
		return nil, apperror.Storage("listing peer identifiers", err)
	}
	defer rows.Close()

	var out []models.PeerIdentifier
	for rows.Next() {
		var pi models.PeerIdentifier
		if err := rows.Scan(&pi.ID, &pi.PeerID, &pi.Transport, &pi.Identifier, &pi.CreatedAt); err != nil {
			return nil, apperror.Storage("scanning peer identifier", err)
		}
		out = append(out, pi)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPeer(row rowScanner) (*models.Peer, error) {
	var p models.Peer
	var avatarURL, publicKey sql.NullString
	var lastSeenAt sql.NullTime
	var metadata sql.NullString

	err := row.Scan(&p.ID, &p.DisplayName, &avatarURL, &p.Presence, &p.TrustLevel,
		&lastSeenAt, &publicKey, &metadata, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperror.NotFound("peer", p.ID)
	}
	if err != nil {
		return nil, apperror.Storage("scanning peer", err)
	}
	p.AvatarURL = avatarURL.String
	p.PublicKey = publicKey.String
	if lastSeenAt.Valid {
		p.LastSeenAt = lastSeenAt.Time
	}
	if metadata.Valid {
		p.Metadata = json.RawMessage(metadata.String)
	}
	return &p, nil
}
