// Package chat implements the client-side message synchronization core:
// the conversation directory, per-conversation timelines, read-state
// tracking and the live update listener.
package chat

import (
	"fmt"
	"time"
)

// Kind tells a direct 1:1 conversation apart from a group.
type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

// Valid reports whether k is one of the known conversation kinds.
func (k Kind) Valid() bool {
	return k == KindDirect || k == KindGroup
}

// Target addresses exactly one conversation: a direct conversation by its
// id or a group by its group id. It is the request shape for mark-read and
// for live subscriptions.
type Target struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

// Direct returns the target of a direct conversation.
func Direct(id string) Target { return Target{Kind: KindDirect, ID: id} }

// Group returns the target of a group conversation.
func Group(id string) Target { return Target{Kind: KindGroup, ID: id} }

// Validate rejects targets without an id or with an unknown kind.
func (t Target) Validate() error {
	if !t.Kind.Valid() {
		return fmt.Errorf("%w: unknown conversation kind %q", ErrInvalidArgument, t.Kind)
	}
	if t.ID == "" {
		return fmt.Errorf("%w: empty conversation id", ErrInvalidArgument)
	}
	return nil
}

// String renders the target as "kind:id", the topic format used by feeds.
func (t Target) String() string { return string(t.Kind) + ":" + t.ID }

// Role is a member's role inside a group.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Member is one entry of a group's membership.
type Member struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// Conversation is a directory entry as seen by the current viewer.
// PeerID is set for direct conversations only, Name for groups only.
type Conversation struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	Name         string    `json:"name,omitempty"`
	PeerID       string    `json:"peer_id,omitempty"`
	Participants []string  `json:"participants"`
	Archived     bool      `json:"archived"`
	Muted        bool      `json:"muted"`
	LastActivity time.Time `json:"last_activity"`
	Preview      string    `json:"preview"`
	UnreadCount  int       `json:"unread_count"`
}

// Target returns the address of the conversation.
func (c Conversation) Target() Target { return Target{Kind: c.Kind, ID: c.ID} }

func (c Conversation) clone() Conversation {
	c.Participants = append([]string(nil), c.Participants...)
	return c
}

// Status is the delivery state of a message in a local timeline.
type Status int

const (
	StatusSent Status = iota
	StatusPending
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFailed:
		return "failed"
	default:
		return "sent"
	}
}

// Profile holds the display attributes of a message author.
type Profile struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Specialty   string `json:"specialty,omitempty"`
}

// Message belongs to exactly one conversation. ClientKey is generated by the
// sending client and stored with the row so an optimistic entry can be
// matched with its confirmed counterpart.
type Message struct {
	ID             string    `json:"id,omitempty"`
	ClientKey      string    `json:"client_key,omitempty"`
	ConversationID string    `json:"conversation_id"`
	Kind           Kind      `json:"kind"`
	SenderID       string    `json:"sender_id"`
	Sender         *Profile  `json:"sender,omitempty"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
	Read           bool      `json:"read"`
	Status         Status    `json:"status"`
	FailReason     string    `json:"fail_reason,omitempty"`
}

// Target returns the address of the conversation the message belongs to.
func (m Message) Target() Target { return Target{Kind: m.Kind, ID: m.ConversationID} }

// sameAs reports whether m and o are two copies of the same logical message.
func (m Message) sameAs(o Message) bool {
	if m.ClientKey != "" && m.ClientKey == o.ClientKey {
		return true
	}
	return m.ID != "" && m.ID == o.ID
}

// unreadFor reports whether m counts towards viewer's unread counter.
func (m Message) unreadFor(viewer string) bool {
	return m.SenderID != viewer && !m.Read
}

// FlagPatch carries the directory flags to change; nil fields stay as they are.
type FlagPatch struct {
	Archived *bool
	Muted    *bool
}
