package events

import (
	"encoding/json"
	"testing"
)

func TestEventMarshal(t *testing.T) {
	data, _ := json.Marshal(map[string]string{"message": "hello"})
	event := Event{
		Type:       "TRANSFER_CREATED",
		PeerID:     "peer123",
		GroupID:    "group456",
		TransferID: "transfer789",
		Data:       data,
	}

	encoded, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded Event
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}

	if decoded.Type != "TRANSFER_CREATED" {
		t.Errorf("type = %q, want %q", decoded.Type, "TRANSFER_CREATED")
	}
	if decoded.PeerID != "peer123" {
		t.Errorf("peerId = %q, want %q", decoded.PeerID, "peer123")
	}
	if decoded.GroupID != "group456" {
		t.Errorf("groupId = %q, want %q", decoded.GroupID, "group456")
	}
	if decoded.TransferID != "transfer789" {
		t.Errorf("transferId = %q, want %q", decoded.TransferID, "transfer789")
	}

	var payload map[string]string
	if err := json.Unmarshal(decoded.Data, &payload); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if payload["message"] != "hello" {
		t.Errorf("data.message = %q, want %q", payload["message"], "hello")
	}
}

func TestEventMarshal_EmptyOptionals(t *testing.T) {
	data, _ := json.Marshal(nil)
	event := Event{
		Type: "PEER_PRESENCE",
		Data: data,
	}

	encoded, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	str := string(encoded)
	if contains(str, `"peerId"`) {
		t.Error("empty peerId should be omitted")
	}
	if contains(str, `"groupId"`) {
		t.Error("empty groupId should be omitted")
	}
	if contains(str, `"transferId"`) {
		t.Error("empty transferId should be omitted")
	}
}

func TestSubjectConstants(t *testing.T) {
	subjects := []string{
		SubjectPeerConnected, SubjectPeerDisconnected, SubjectPeerPresence,
		SubjectTransferCreated, SubjectTransferUpdated, SubjectTransferSigned,
		SubjectTransferCompleted, SubjectTransferCancelled, SubjectTransferFailed,
		SubjectDocumentUpdated, SubjectMessageCreated, SubjectMessageStatus,
		SubjectGroupUpdated, SubjectGroupMemberUpdate,
	}

	for _, s := range subjects {
		if s == "" {
			t.Error("empty subject constant")
		}
		if len(s) < 7 || s[:6] != "firma." {
			t.Errorf("subject %q should start with 'firma.'", s)
		}
	}
}

func TestEventJSON_Tags(t *testing.T) {
	data := []byte(`{"t":"TEST","peerId":"p","groupId":"g","transferId":"tr","d":{"key":"val"}}`)
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if event.Type != "TEST" {
		t.Errorf("Type = %q, want %q", event.Type, "TEST")
	}
	if event.PeerID != "p" {
		t.Errorf("PeerID = %q, want %q", event.PeerID, "p")
	}
	if event.GroupID != "g" {
		t.Errorf("GroupID = %q, want %q", event.GroupID, "g")
	}
	if event.TransferID != "tr" {
		t.Errorf("TransferID = %q, want %q", event.TransferID, "tr")
	}
}

func contains(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
