package models

import (
	"encoding/json"
	"time"
)

// Presence status values for a Peer.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
	PresenceAway    = "away"
)

// Trust level values for a Peer.
const (
	TrustUnverified = "unverified"
	TrustKnown      = "known"
	TrustVerified   = "verified"
)

// Peer is a remote (or local) identity with one or more transport
// identifiers, persistent across sessions.
type Peer struct {
	ID           string          `json:"id"`
	DisplayName  string          `json:"displayName"`
	AvatarURL    string          `json:"avatarUrl,omitempty"`
	Presence     string          `json:"presence"`
	TrustLevel   string          `json:"trustLevel"`
	LastSeenAt   time.Time       `json:"lastSeenAt"`
	PublicKey    string          `json:"publicKey,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	Identifiers  []PeerIdentifier `json:"identifiers,omitempty"`
}

// PeerIdentifier is a per-transport address for a Peer (e.g. a p2p node id
// or an email address). Unique per (Transport, Identifier) pair.
type PeerIdentifier struct {
	ID         string `json:"id"`
	PeerID     string `json:"peerId"`
	Transport  string `json:"transport"`
	Identifier string `json:"identifier"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Connection direction values.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Connection status values.
const (
	ConnStatusConnecting   = "connecting"
	ConnStatusConnected    = "connected"
	ConnStatusDisconnected = "disconnected"
	ConnStatusFailed       = "failed"
)

// PeerConnection records one local<->remote transport session.
type PeerConnection struct {
	ID          string    `json:"id"`
	LocalPeerID string    `json:"localPeerId"`
	RemotePeerID string   `json:"remotePeerId"`
	Transport   string    `json:"transport"`
	Direction   string    `json:"direction"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Transfer type values.
const (
	TransferIncoming = "incoming"
	TransferOutgoing = "outgoing"
)

// Transfer status values.
const (
	TransferPending         = "pending"
	TransferReady           = "ready"
	TransferPartiallySigned = "partially-signed"
	TransferCompleted       = "completed"
	TransferCancelled       = "cancelled"
)

// Transfer is a unit of work that sends one or more documents to one or
// more recipients over one or more transports.
type Transfer struct {
	ID           string          `json:"id"`
	Code         string          `json:"code"`
	Type         string          `json:"type"`
	Status       string          `json:"status"`
	Sender       json.RawMessage `json:"sender,omitempty"`
	Transport    string          `json:"transport"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`

	Documents  []Document  `json:"documents,omitempty"`
	Recipients []Recipient `json:"recipients,omitempty"`
}

// RequireAllSignatures reports the transfer's require-all-signatures flag,
// which is carried as free-form metadata rather than a column (§9 design
// note: dynamic JSON blobs are a pass-through payload).
func (t Transfer) RequireAllSignatures() bool {
	if len(t.Metadata) == 0 {
		return false
	}
	var m struct {
		RequireAllSignatures bool `json:"requireAllSignatures"`
	}
	_ = json.Unmarshal(t.Metadata, &m)
	return m.RequireAllSignatures
}

// Document status values.
const (
	DocumentDraft      = "draft"
	DocumentPending    = "pending"
	DocumentInProgress = "in-progress"
	DocumentSigned     = "signed"
	DocumentCompleted  = "completed"
	DocumentArchived   = "archived"
	DocumentDeleted    = "deleted"
	DocumentRejected   = "rejected"
)

// Document category values — also the blob-store directory segment.
const (
	CategoryUploaded = "uploaded"
	CategoryReceived = "received"
	CategorySent     = "sent"
	CategorySigned   = "signed"
	CategoryArchived = "archived"
)

// Document is one file owned by a Transfer.
type Document struct {
	ID                string     `json:"id"`
	TransferID        string     `json:"transferId"`
	FileName          string     `json:"fileName"`
	Size              int64      `json:"size"`
	ContentHash       string     `json:"contentHash"`
	Status            string     `json:"status"`
	SignedBy          string     `json:"signedBy,omitempty"`
	SignedAt          *time.Time `json:"signedAt,omitempty"`
	Category          string     `json:"category"`
	Version           int        `json:"version"`
	PreviousVersionID string     `json:"previousVersionId,omitempty"`
	StoredPath        string     `json:"storedPath"`
	Tags              []string   `json:"tags,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// Recipient status values.
const (
	RecipientPending  = "pending"
	RecipientNotified = "notified"
	RecipientViewed   = "viewed"
	RecipientSigning  = "signing"
	RecipientSigned   = "signed"
	RecipientRejected = "rejected"
)

// Recipient is an intended signer/receiver of a Transfer.
type Recipient struct {
	ID          string          `json:"id"`
	TransferID  string          `json:"transferId"`
	Identifier  string          `json:"identifier"`
	Transport   string          `json:"transport"`
	Status      string          `json:"status"`
	Preferences json.RawMessage `json:"preferences,omitempty"`
	NotifiedAt  *time.Time      `json:"notifiedAt,omitempty"`
	ViewedAt    *time.Time      `json:"viewedAt,omitempty"`
	SignedAt    *time.Time      `json:"signedAt,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Message type values.
const (
	MessageText               = "text"
	MessageFile                = "file"
	MessageTransferNotification = "transfer-notification"
)

// Message status values — must advance monotonically.
const (
	MessagePending   = "pending"
	MessageSent      = "sent"
	MessageDelivered = "delivered"
	MessageRead      = "read"
	MessageFailed    = "failed"
)

// messageStatusRank gives the monotonic ordering of non-terminal states used
// to validate transitions (invariant #4 in spec.md §3).
var messageStatusRank = map[string]int{
	MessagePending:   0,
	MessageSent:      1,
	MessageDelivered: 2,
	MessageRead:      3,
}

// CanTransitionMessageStatus reports whether a Message may move from "from"
// to "to": monotonically forward through pending->sent->delivered->read, or
// to "failed" from any non-terminal state.
func CanTransitionMessageStatus(from, to string) bool {
	if to == MessageFailed {
		return from != MessageRead && from != MessageFailed
	}
	fr, ok1 := messageStatusRank[from]
	tr, ok2 := messageStatusRank[to]
	if !ok1 || !ok2 {
		return false
	}
	return tr == fr+1
}

// Attachment is one item carried by a Message: either an inline file
// reference or a reference to a Transfer.
type Attachment struct {
	Type       string `json:"type"` // "file" | "transfer"
	DocumentID string `json:"documentId,omitempty"`
	TransferID string `json:"transferId,omitempty"`
	FileName   string `json:"fileName,omitempty"`
	Size       int64  `json:"size,omitempty"`
}

// Message is one entry in a per-peer conversation journal.
type Message struct {
	ID          string       `json:"id"`
	FromPeerID  string       `json:"fromPeerId"`
	ToPeerID    string       `json:"toPeerId"`
	Content     string       `json:"content"`
	Type        string       `json:"type"`
	Transport   string       `json:"transport"`
	Direction   string       `json:"direction"`
	Status      string       `json:"status"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Encrypted   bool         `json:"encrypted"`
	SentAt      *time.Time   `json:"sentAt,omitempty"`
	DeliveredAt *time.Time   `json:"deliveredAt,omitempty"`
	ReadAt      *time.Time   `json:"readAt,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// Group member role values.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// GroupSettings are free-form group behavior switches.
type GroupSettings struct {
	AllowMemberInvites bool   `json:"allowMemberInvites"`
	RequireEncryption  bool   `json:"requireEncryption"`
	DefaultTransport   string `json:"defaultTransport,omitempty"`
}

// Group is a named set of peers with roles, usable as a composite recipient.
type Group struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	OwnerPeerID string        `json:"ownerPeerId"`
	Settings    GroupSettings `json:"settings"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`

	Members []GroupMember `json:"members,omitempty"`
}

// GroupMember is one peer's membership row in a Group.
type GroupMember struct {
	ID       string    `json:"id"`
	GroupID  string    `json:"groupId"`
	PeerID   string    `json:"peerId"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
}

// TransportConfig is the persisted record of a named transport's last known
// initialization state.
type TransportConfig struct {
	Name       string          `json:"name"`
	Config     json.RawMessage `json:"config,omitempty"`
	Status     string          `json:"status"`
	InitedAt   time.Time       `json:"initedAt"`
}
