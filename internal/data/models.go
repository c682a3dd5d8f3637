// Package data implements chat.Backend on MongoDB.
package data

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/PaulBabatuyi/medlink-chat/internal/chat"
)

// conversationDoc maps to the conversations collection. Direct
// conversations carry pair_key; groups carry name.
type conversationDoc struct {
	ID           bson.ObjectID `bson:"_id,omitempty"`
	Kind         chat.Kind     `bson:"kind"`
	Name         string        `bson:"name,omitempty"`
	PairKey      string        `bson:"pair_key,omitempty"`
	Participants []string      `bson:"participants"`
	Members      []memberDoc   `bson:"members"`
	Archived     bool          `bson:"archived"`
	Muted        bool          `bson:"muted"`
	LastActivity time.Time     `bson:"last_activity"`
	Preview      string        `bson:"preview"`
	CreatedAt    time.Time     `bson:"created_at"`
}

type memberDoc struct {
	UserID string    `bson:"user_id"`
	Role   chat.Role `bson:"role"`
}

// view renders the document as seen by viewer.
func (d conversationDoc) view(viewer string, unread int) chat.Conversation {
	c := chat.Conversation{
		ID:           d.ID.Hex(),
		Kind:         d.Kind,
		Participants: append([]string(nil), d.Participants...),
		Archived:     d.Archived,
		Muted:        d.Muted,
		LastActivity: d.LastActivity.UTC(),
		Preview:      d.Preview,
		UnreadCount:  unread,
	}
	switch d.Kind {
	case chat.KindDirect:
		for _, p := range d.Participants {
			if p != viewer {
				c.PeerID = p
			}
		}
	case chat.KindGroup:
		c.Name = d.Name
	}
	return c
}

// messageDoc maps to the messages collection.
type messageDoc struct {
	ID             bson.ObjectID `bson:"_id,omitempty"`
	ClientKey      string        `bson:"client_key,omitempty"`
	ConversationID bson.ObjectID `bson:"conversation_id"`
	Kind           chat.Kind     `bson:"kind"`
	SenderID       string        `bson:"sender_id"`
	Body           string        `bson:"body"`
	Read           bool          `bson:"read"`
	CreatedAt      time.Time     `bson:"created_at"`
}

func (d messageDoc) toChat() chat.Message {
	return chat.Message{
		ID:             d.ID.Hex(),
		ClientKey:      d.ClientKey,
		ConversationID: d.ConversationID.Hex(),
		Kind:           d.Kind,
		SenderID:       d.SenderID,
		Body:           d.Body,
		CreatedAt:      d.CreatedAt.UTC(),
		Read:           d.Read,
		Status:         chat.StatusSent,
	}
}

// profileDoc maps to the profiles collection, keyed by user id.
type profileDoc struct {
	UserID      string `bson:"_id"`
	DisplayName string `bson:"display_name"`
	AvatarURL   string `bson:"avatar_url,omitempty"`
	Specialty   string `bson:"specialty,omitempty"`
}

func (d profileDoc) toChat() chat.Profile {
	return chat.Profile{UserID: d.UserID, DisplayName: d.DisplayName, AvatarURL: d.AvatarURL, Specialty: d.Specialty}
}
