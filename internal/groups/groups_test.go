package groups

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/FirmaChain/firma-sign-sub001/internal/database"
	"github.com/FirmaChain/firma-sign-sub001/internal/messages"
	"github.com/FirmaChain/firma-sign-sub001/internal/models"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := sql.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("opening in-memory sqlite: %v", err)
	}
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := database.MigrateUp(context.Background(), conn, logger); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}
	return conn
}

func TestCreateGroup_OwnerBecomesAdminMember(t *testing.T) {
	svc := New(openTestDB(t), nil)
	g, err := svc.CreateGroup(context.Background(), CreateInput{
		Name:        "Signers",
		OwnerPeerID: "peer-owner",
	})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if len(g.Members) != 1 {
		t.Fatalf("len(Members) = %d, want 1", len(g.Members))
	}
	if g.Members[0].Role != models.RoleAdmin {
		t.Errorf("owner role = %q, want %q", g.Members[0].Role, models.RoleAdmin)
	}
}

func TestCreateGroup_RequiresNameAndOwner(t *testing.T) {
	svc := New(openTestDB(t), nil)
	if _, err := svc.CreateGroup(context.Background(), CreateInput{OwnerPeerID: "p"}); err == nil {
		t.Error("expected error for missing name")
	}
	if _, err := svc.CreateGroup(context.Background(), CreateInput{Name: "x"}); err == nil {
		t.Error("expected error for missing owner")
	}
}

func TestAddMemberToGroup_RejectsDuplicate(t *testing.T) {
	svc := New(openTestDB(t), nil)
	ctx := context.Background()
	g, err := svc.CreateGroup(ctx, CreateInput{Name: "Signers", OwnerPeerID: "owner"})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	if _, err := svc.AddMemberToGroup(ctx, g.ID, "peer-2", models.RoleMember); err != nil {
		t.Fatalf("AddMemberToGroup: %v", err)
	}
	if _, err := svc.AddMemberToGroup(ctx, g.ID, "peer-2", models.RoleMember); err == nil {
		t.Error("expected conflict re-adding an existing member")
	}
}

func TestRemoveMemberFromGroup_RejectsRemovingOwner(t *testing.T) {
	svc := New(openTestDB(t), nil)
	ctx := context.Background()
	g, err := svc.CreateGroup(ctx, CreateInput{Name: "Signers", OwnerPeerID: "owner"})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	if err := svc.RemoveMemberFromGroup(ctx, g.ID, "owner"); err == nil {
		t.Error("expected error removing the group owner")
	}
}

func TestRemoveMemberFromGroup_RemovesNonOwner(t *testing.T) {
	svc := New(openTestDB(t), nil)
	ctx := context.Background()
	g, err := svc.CreateGroup(ctx, CreateInput{Name: "Signers", OwnerPeerID: "owner"})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if _, err := svc.AddMemberToGroup(ctx, g.ID, "peer-2", models.RoleMember); err != nil {
		t.Fatalf("AddMemberToGroup: %v", err)
	}

	if err := svc.RemoveMemberFromGroup(ctx, g.ID, "peer-2"); err != nil {
		t.Fatalf("RemoveMemberFromGroup: %v", err)
	}

	got, err := svc.GetGroup(ctx, g.ID)
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	if len(got.Members) != 1 {
		t.Errorf("len(Members) after removal = %d, want 1", len(got.Members))
	}
}

func TestUpdateMemberRole(t *testing.T) {
	svc := New(openTestDB(t), nil)
	ctx := context.Background()
	g, err := svc.CreateGroup(ctx, CreateInput{Name: "Signers", OwnerPeerID: "owner"})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if _, err := svc.AddMemberToGroup(ctx, g.ID, "peer-2", models.RoleMember); err != nil {
		t.Fatalf("AddMemberToGroup: %v", err)
	}

	if err := svc.UpdateMemberRole(ctx, g.ID, "peer-2", models.RoleAdmin); err != nil {
		t.Fatalf("UpdateMemberRole: %v", err)
	}

	got, err := svc.GetGroup(ctx, g.ID)
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	var found bool
	for _, m := range got.Members {
		if m.PeerID == "peer-2" {
			found = true
			if m.Role != models.RoleAdmin {
				t.Errorf("role = %q, want %q", m.Role, models.RoleAdmin)
			}
		}
	}
	if !found {
		t.Fatal("peer-2 not found among members")
	}
}

func TestDeleteGroup(t *testing.T) {
	svc := New(openTestDB(t), nil)
	ctx := context.Background()
	g, err := svc.CreateGroup(ctx, CreateInput{Name: "Signers", OwnerPeerID: "owner"})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	if err := svc.DeleteGroup(ctx, g.ID); err != nil {
		t.Fatalf("DeleteGroup: %v", err)
	}
	if _, err := svc.GetGroup(ctx, g.ID); err == nil {
		t.Error("expected error fetching a deleted group")
	}
}

func TestSendToGroup_ExcludesSenderAndFansOutToMembers(t *testing.T) {
	db := openTestDB(t)
	svc := New(db, nil)
	msgs := messages.New(db, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	g, err := svc.CreateGroup(ctx, CreateInput{Name: "Signers", OwnerPeerID: "owner"})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if _, err := svc.AddMemberToGroup(ctx, g.ID, "peer-2", models.RoleMember); err != nil {
		t.Fatalf("AddMemberToGroup: %v", err)
	}
	if _, err := svc.AddMemberToGroup(ctx, g.ID, "peer-3", models.RoleMember); err != nil {
		t.Fatalf("AddMemberToGroup: %v", err)
	}

	results, err := svc.SendToGroup(ctx, SendInput{
		GroupID:      g.ID,
		SenderPeerID: "owner",
		Type:         "message",
		Content:      "hello",
	}, msgs, nil)
	if err != nil {
		t.Fatalf("SendToGroup: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2 (excluding sender)", len(results))
	}
	for _, r := range results {
		if r.Status != "sent" {
			t.Errorf("result for %s: status = %q, want sent (error = %q)", r.PeerID, r.Status, r.Error)
		}
	}
}
