package data

import (
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/medlink-chat/internal/chat"
	"github.com/PaulBabatuyi/medlink-chat/internal/db"
)

// Backend is the MongoDB chat.Backend.
type Backend struct {
	*ConversationsStore
	*MessagesStore
	*ProfilesStore
	*Feed
}

var _ chat.Backend = (*Backend)(nil)

// NewBackend wires the stores to c's collections.
func NewBackend(c *db.Client, log *zap.Logger) *Backend {
	return &Backend{
		ConversationsStore: NewConversationsStore(c.ConversationsCollection(), c.MessagesCollection()),
		MessagesStore:      NewMessagesStore(c.MessagesCollection(), c.ConversationsCollection()),
		ProfilesStore:      NewProfilesStore(c.ProfilesCollection()),
		Feed:               NewFeed(c.MessagesCollection(), log),
	}
}
