// Package groups implements named sets of peers usable as a composite
// recipient for messages and transfers. It holds a *sql.DB directly (see
// DESIGN.md "Persistence style") and fans out sends through the messages
// and transfers services rather than duplicating their dispatch logic.
package groups

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/FirmaChain/firma-sign-sub001/internal/apperror"
	"github.com/FirmaChain/firma-sign-sub001/internal/events"
	"github.com/FirmaChain/firma-sign-sub001/internal/messages"
	"github.com/FirmaChain/firma-sign-sub001/internal/models"
	"github.com/FirmaChain/firma-sign-sub001/internal/transfers"
)

// Service manages Group membership and group-scoped fan-out sends.
type Service struct {
	db  *sql.DB
	bus *events.Bus
}

func New(db *sql.DB, bus *events.Bus) *Service {
	return &Service{db: db, bus: bus}
}

// MemberInput describes one non-owner member to add when creating a group.
type MemberInput struct {
	PeerID string
	Role   string
}

// CreateInput describes a group to create.
type CreateInput struct {
	Name        string
	Description string
	OwnerPeerID string
	Settings    models.GroupSettings
	Members     []MemberInput
}

// CreateGroup creates a group and inserts its owner as the first member with
// the admin role.
func (s *Service) CreateGroup(ctx context.Context, in CreateInput) (*models.Group, error) {
	if in.Name == "" {
		return nil, apperror.InvalidRequest("name", "name is required")
	}
	if in.OwnerPeerID == "" {
		return nil, apperror.InvalidRequest("ownerPeerId", "ownerPeerId is required")
	}

	settings, err := json.Marshal(in.Settings)
	if err != nil {
		return nil, apperror.Internal("encoding group settings", err)
	}

	g := &models.Group{
		ID:          models.NewULID().String(),
		Name:        in.Name,
		Description: in.Description,
		OwnerPeerID: in.OwnerPeerID,
		Settings:    in.Settings,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperror.Storage("beginning transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO groups (id, name, description, owner_peer_id, settings, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.Name, nullIfEmpty(g.Description), g.OwnerPeerID, string(settings), g.CreatedAt, g.UpdatedAt)
	if err != nil {
		return nil, apperror.Storage("inserting group", err)
	}

	member := models.GroupMember{
		ID:       models.NewULID().String(),
		GroupID:  g.ID,
		PeerID:   in.OwnerPeerID,
		Role:     models.RoleAdmin,
		JoinedAt: g.CreatedAt,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO group_members (id, group_id, peer_id, role, joined_at) VALUES (?, ?, ?, ?, ?)`,
		member.ID, member.GroupID, member.PeerID, member.Role, member.JoinedAt)
	if err != nil {
		return nil, apperror.Storage("inserting owner membership", err)
	}

	members := []models.GroupMember{member}
	for _, m := range in.Members {
		if m.PeerID == "" || m.PeerID == in.OwnerPeerID {
			continue
		}
		role := m.Role
		if role == "" {
			role = models.RoleMember
		}
		gm := models.GroupMember{
			ID:       models.NewULID().String(),
			GroupID:  g.ID,
			PeerID:   m.PeerID,
			Role:     role,
			JoinedAt: g.CreatedAt,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO group_members (id, group_id, peer_id, role, joined_at) VALUES (?, ?, ?, ?, ?)`,
			gm.ID, gm.GroupID, gm.PeerID, gm.Role, gm.JoinedAt)
		if err != nil {
			return nil, apperror.Storage("inserting group member", err)
		}
		members = append(members, gm)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperror.Storage("committing group creation", err)
	}

	g.Members = members
	return g, nil
}

// GetGroup fetches a group and its members.
func (s *Service) GetGroup(ctx context.Context, id string) (*models.Group, error) {
	g, err := s.getGroupRow(ctx, id)
	if err != nil {
		return nil, err
	}
	g.Members, err = s.listMembers(ctx, id)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// AddMemberToGroup adds peerID to groupID with the given role. Re-adding an
// existing member is a conflict, not a silent no-op, since the caller may be
// trying to grant a different role and should use UpdateMemberRole instead.
func (s *Service) AddMemberToGroup(ctx context.Context, groupID, peerID, role string) (*models.GroupMember, error) {
	if role == "" {
		role = models.RoleMember
	}
	if _, err := s.getGroupRow(ctx, groupID); err != nil {
		return nil, err
	}

	member := models.GroupMember{
		ID:       models.NewULID().String(),
		GroupID:  groupID,
		PeerID:   peerID,
		Role:     role,
		JoinedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_members (id, group_id, peer_id, role, joined_at) VALUES (?, ?, ?, ?, ?)`,
		member.ID, member.GroupID, member.PeerID, member.Role, member.JoinedAt)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return nil, apperror.Conflict("ALREADY_MEMBER", fmt.Sprintf("peer %q is already a member of group %q", peerID, groupID))
		}
		return nil, apperror.Storage("inserting group member", err)
	}

	if s.bus != nil {
		_ = s.bus.PublishGroupEvent(ctx, events.SubjectGroupMemberUpdate, "group.member_added", groupID, member)
	}
	return &member, nil
}

// RemoveMemberFromGroup removes peerID from groupID. Removing the group's
// owner is rejected: a group must always retain its owner as a member,
// matching spec.md's "groups are never ownerless" invariant — transferring
// ownership, if ever needed, is a separate operation this service doesn't
// implement yet.
func (s *Service) RemoveMemberFromGroup(ctx context.Context, groupID, peerID string) error {
	g, err := s.getGroupRow(ctx, groupID)
	if err != nil {
		return err
	}
	if g.OwnerPeerID == peerID {
		return apperror.Conflict("CANNOT_REMOVE_OWNER", "the group owner cannot be removed from the group")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = ? AND peer_id = ?`, groupID, peerID)
	if err != nil {
		return apperror.Storage("removing group member", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperror.NotFound("group_member", peerID)
	}

	if s.bus != nil {
		_ = s.bus.PublishGroupEvent(ctx, events.SubjectGroupMemberUpdate, "group.member_removed", groupID, map[string]string{"peerId": peerID})
	}
	return nil
}

// UpdateMemberRole changes peerID's role within groupID.
func (s *Service) UpdateMemberRole(ctx context.Context, groupID, peerID, role string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE group_members SET role = ? WHERE group_id = ? AND peer_id = ?`, role, groupID, peerID)
	if err != nil {
		return apperror.Storage("updating member role", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperror.NotFound("group_member", peerID)
	}

	if s.bus != nil {
		_ = s.bus.PublishGroupEvent(ctx, events.SubjectGroupMemberUpdate, "group.member_role_updated", groupID, map[string]string{"peerId": peerID, "role": role})
	}
	return nil
}

// DeleteGroup removes a group and its memberships (ON DELETE CASCADE).
func (s *Service) DeleteGroup(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM groups WHERE id = ?`, id)
	if err != nil {
		return apperror.Storage("deleting group", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperror.NotFound("group", id)
	}
	if s.bus != nil {
		_ = s.bus.PublishGroupEvent(ctx, events.SubjectGroupUpdated, "group.deleted", id, nil)
	}
	return nil
}

// SendResult is the per-recipient outcome of a SendToGroup fan-out.
type SendResult struct {
	PeerID string `json:"peerId"`
	Status string `json:"status"` // "sent" | "failed"
	Error  string `json:"error,omitempty"`
}

// SendInput describes a group-wide send: either a chat message or a document
// transfer, fanned out to every member but the sender and any excluded peer.
type SendInput struct {
	GroupID        string
	SenderPeerID   string
	Type           string // "message" | "documents"
	Content        string
	Documents      []transfers.DocumentInput
	Transport      string
	ExcludeMembers []string
}

// SendToGroup fans a message or document transfer out to every member of
// groupID except the sender and any peer named in ExcludeMembers. Per-member
// outcomes are aggregated rather than failing the whole call on one member's
// error (spec.md §8 scenario 6).
func (s *Service) SendToGroup(ctx context.Context, in SendInput, msgs *messages.Service, xfers *transfers.Service) ([]SendResult, error) {
	members, err := s.listMembers(ctx, in.GroupID)
	if err != nil {
		return nil, err
	}
	excluded := make(map[string]bool, len(in.ExcludeMembers))
	for _, id := range in.ExcludeMembers {
		excluded[id] = true
	}

	results := make([]SendResult, 0, len(members))
	for _, m := range members {
		if m.PeerID == in.SenderPeerID || excluded[m.PeerID] {
			continue
		}

		var sendErr error
		switch in.Type {
		case "documents":
			if xfers == nil {
				sendErr = apperror.Internal("document fan-out unavailable", nil)
				break
			}
			_, sendErr = xfers.CreateTransfer(ctx, transfers.CreateInput{
				Type:      models.TransferOutgoing,
				Documents: in.Documents,
				Recipients: []transfers.RecipientInput{{
					Identifier: m.PeerID,
					Transport:  in.Transport,
				}},
			})
		default:
			_, sendErr = msgs.SendMessage(ctx, messages.SendInput{
				FromPeerID: in.SenderPeerID,
				ToPeerID:   m.PeerID,
				Content:    in.Content,
				Type:       models.MessageText,
				Transport:  in.Transport,
			})
		}

		if sendErr != nil {
			results = append(results, SendResult{PeerID: m.PeerID, Status: "failed", Error: sendErr.Error()})
			continue
		}
		results = append(results, SendResult{PeerID: m.PeerID, Status: "sent"})
	}
	return results, nil
}

func (s *Service) getGroupRow(ctx context.Context, id string) (*models.Group, error) {
	var g models.Group
	var description sql.NullString
	var settingsRaw sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, owner_peer_id, settings, created_at, updated_at FROM groups WHERE id = ?`, id).
		Scan(&g.ID, &g.Name, &description, &g.OwnerPeerID, &settingsRaw, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperror.NotFound("group", id)
	}
	if err != nil {
		return nil, apperror.Storage("scanning group", err)
	}
	g.Description = description.String
	if settingsRaw.Valid && settingsRaw.String != "" {
		_ = json.Unmarshal([]byte(settingsRaw.String), &g.Settings)
	}
	return &g, nil
}

func (s *Service) listMembers(ctx context.Context, groupID string) ([]models.GroupMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_id, peer_id, role, joined_at FROM group_members WHERE group_id = ? ORDER BY joined_at`, groupID)
	if err != nil {
		return nil, apperror.Storage("listing group members", err)
	}
	defer rows.Close()

	var out []models.GroupMember
	for rows.Next() {
		var m models.GroupMember
		if err := rows.Scan(&m.ID, &m.GroupID, &m.PeerID, &m.Role, &m.JoinedAt); err != nil {
			return nil, apperror.Storage("scanning group member", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// isUniqueConstraintErr reports whether err looks like a SQLite UNIQUE
// constraint violation. The teacher's social package detects pgx's
// unique_violation by checking pgErr.Code == "23505"; modernc.org/sqlite
// doesn't export a typed constraint-violation error, so this matches the
// driver's message text instead, which is the closest equivalent available.
func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
