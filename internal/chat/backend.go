package chat

import (
	"context"
	"time"
)

// ConversationStore is the conversation side of the hosted backend. Every
// read is scoped to what viewer is allowed to see.
type ConversationStore interface {
	ListDirect(ctx context.Context, viewer string) ([]Conversation, error)
	ListGroups(ctx context.Context, viewer string) ([]Conversation, error)
	GetConversation(ctx context.Context, viewer, id string) (Conversation, error)
	// FindDirect returns ErrNotFound when viewer and peer have no conversation yet.
	FindDirect(ctx context.Context, viewer, peer string) (Conversation, error)
	// CreateDirect returns ErrConflict when the pair already exists.
	CreateDirect(ctx context.Context, viewer, peer string) (Conversation, error)
	CreateGroup(ctx context.Context, name string, members []Member) (Conversation, error)
	// Members returns the membership of a conversation viewer can see.
	Members(ctx context.Context, viewer, id string) ([]Member, error)
	UpdateFlags(ctx context.Context, viewer, id string, patch FlagPatch) (Conversation, error)
	DeleteConversation(ctx context.Context, viewer, id string) error
}

// MessageStore is the message side of the hosted backend.
type MessageStore interface {
	// ListMessages returns up to limit messages positioned after before in
	// newest-first order (the zero Cursor starts at the newest message).
	ListMessages(ctx context.Context, target Target, viewer string, before Cursor, limit int) ([]Message, error)
	// InsertMessage persists msg and returns the confirmed row. Inserting a
	// ClientKey that already exists returns the existing row. The store bumps
	// the conversation's last activity and preview.
	InsertMessage(ctx context.Context, msg Message) (Message, error)
	// MarkRead flips the read flag of every message in target not sent by
	// viewer and returns how many rows changed.
	MarkRead(ctx context.Context, target Target, viewer string) (int, error)
}

// Cursor is a position in a conversation's newest-first message order,
// which sorts by creation time and then by id. Messages can share a
// timestamp, so paging by time alone would skip rows at a page edge.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorAt returns the position of m.
func CursorAt(m Message) Cursor { return Cursor{CreatedAt: m.CreatedAt, ID: m.ID} }

// IsZero reports whether c is the start of the conversation's newest page.
func (c Cursor) IsZero() bool { return c.CreatedAt.IsZero() && c.ID == "" }

// Includes reports whether m comes strictly after c in newest-first order.
func (c Cursor) Includes(m Message) bool {
	if c.IsZero() {
		return true
	}
	return Older(m, Message{CreatedAt: c.CreatedAt, ID: c.ID})
}

// Older reports whether a sorts after b in newest-first order.
func Older(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// ProfileStore resolves message authors.
type ProfileStore interface {
	Profile(ctx context.Context, userID string) (Profile, error)
}

// Subscription is a live feed binding held by the backend.
type Subscription interface {
	Close() error
}

// Feed delivers newly inserted messages for one conversation in backend
// insertion order. ctx bounds establishing the subscription only; it stays
// live until Close.
type Feed interface {
	Subscribe(ctx context.Context, target Target, deliver func(Message)) (Subscription, error)
}

// Backend bundles every collaborator the core consumes.
type Backend interface {
	ConversationStore
	MessageStore
	ProfileStore
	Feed
}

// Identity resolves the current viewer.
type Identity interface {
	Viewer(ctx context.Context) (string, error)
}

// IdentityFunc adapts a function to Identity.
type IdentityFunc func(ctx context.Context) (string, error)

// Viewer implements Identity.
func (f IdentityFunc) Viewer(ctx context.Context) (string, error) { return f(ctx) }

// StaticIdentity always resolves to the same viewer; empty means signed out.
type StaticIdentity string

// Viewer implements Identity.
func (s StaticIdentity) Viewer(context.Context) (string, error) {
	if s == "" {
		return "", ErrUnauthenticated
	}
	return string(s), nil
}

// Cache persists read models locally so they can be shown before the
// backend answers.
type Cache interface {
	SaveConversations(viewer string, convs []Conversation) error
	LoadConversations(viewer string) ([]Conversation, error)
	SaveMessages(conversationID string, msgs []Message) error
	LoadMessages(conversationID string) ([]Message, error)
	Forget(conversationID string) error
}

// Limiter throttles sends per key.
type Limiter interface {
	Allow(key string) bool
}

func requireViewer(viewer string) error {
	if viewer == "" {
		return ErrUnauthenticated
	}
	return nil
}
