package models

import "testing"

func TestCanTransitionMessageStatus(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{MessagePending, MessageSent, true},
		{MessageSent, MessageDelivered, true},
		{MessageDelivered, MessageRead, true},
		{MessagePending, MessageDelivered, false}, // skips a state
		{MessageRead, MessageSent, false},         // backward
		{MessagePending, MessageFailed, true},
		{MessageSent, MessageFailed, true},
		{MessageDelivered, MessageFailed, true},
		{MessageRead, MessageFailed, false}, // read is terminal
		{MessageFailed, MessageFailed, false},
		{MessageFailed, MessageSent, false},
	}
	for _, tc := range tests {
		if got := CanTransitionMessageStatus(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransitionMessageStatus(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTransferRequireAllSignatures(t *testing.T) {
	t.Run("absent metadata defaults false", func(t *testing.T) {
		tr := Transfer{}
		if tr.RequireAllSignatures() {
			t.Fatal("expected false for empty metadata")
		}
	})

	t.Run("true when set", func(t *testing.T) {
		tr := Transfer{Metadata: []byte(`{"requireAllSignatures":true}`)}
		if !tr.RequireAllSignatures() {
			t.Fatal("expected true")
		}
	})

	t.Run("false when explicitly set", func(t *testing.T) {
		tr := Transfer{Metadata: []byte(`{"requireAllSignatures":false,"deadline":"2026-01-01"}`)}
		if tr.RequireAllSignatures() {
			t.Fatal("expected false")
		}
	})
}
