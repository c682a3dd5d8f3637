package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/PaulBabatuyi/medlink-chat/internal/chat"
)

// MessagesStore provides message database operations.
type MessagesStore struct {
	coll  *mongo.Collection // "messages"
	convs *mongo.Collection // "conversations", for visibility and last-activity bumps
}

// NewMessagesStore returns a MessagesStore using the given collections.
func NewMessagesStore(msgs, convs *mongo.Collection) *MessagesStore {
	return &MessagesStore{coll: msgs, convs: convs}
}

// conversation loads the conversation target names, if viewer participates
// in it and its kind matches.
func (m *MessagesStore) conversation(ctx context.Context, target chat.Target, viewer string) (conversationDoc, error) {
	if err := target.Validate(); err != nil {
		return conversationDoc{}, err
	}
	oid, err := parseID(target.ID)
	if err != nil {
		return conversationDoc{}, err
	}
	var doc conversationDoc
	filter := bson.D{
		{Key: "_id", Value: oid},
		{Key: "kind", Value: target.Kind},
		{Key: "participants", Value: viewer},
	}
	err = m.convs.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return conversationDoc{}, fmt.Errorf("%w: %s", chat.ErrNotFound, target)
	}
	if err != nil {
		return conversationDoc{}, chat.Transient(err)
	}
	return doc, nil
}

// ListMessages returns up to limit messages older than before, newest first.
func (m *MessagesStore) ListMessages(ctx context.Context, target chat.Target, viewer string, before chat.Cursor, limit int) ([]chat.Message, error) {
	conv, err := m.conversation(ctx, target, viewer)
	if err != nil {
		return nil, err
	}

	filter := bson.D{{Key: "conversation_id", Value: conv.ID}}
	filter = append(filter, olderThan(before)...)
	// newest first; _id breaks ties between equal timestamps
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, chat.Transient(err)
	}
	defer cursor.Close(ctx)

	var docs []messageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, chat.Transient(err)
	}
	out := make([]chat.Message, len(docs))
	for i, d := range docs {
		out[i] = d.toChat()
	}
	return out, nil
}

// olderThan matches rows sorting strictly after c in (created_at, _id)
// descending order. Timestamps only have millisecond precision, so rows
// sharing one are told apart by _id.
func olderThan(c chat.Cursor) bson.D {
	if c.IsZero() {
		return nil
	}
	oid, err := bson.ObjectIDFromHex(c.ID)
	if err != nil {
		return bson.D{{Key: "created_at", Value: bson.D{{Key: "$lt", Value: c.CreatedAt}}}}
	}
	return bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "created_at", Value: bson.D{{Key: "$lt", Value: c.CreatedAt}}}},
		bson.D{
			{Key: "created_at", Value: c.CreatedAt},
			{Key: "_id", Value: bson.D{{Key: "$lt", Value: oid}}},
		},
	}}}
}

// byClientKey finds a send already stored for the same sender in the same
// conversation.
func (m *MessagesStore) byClientKey(ctx context.Context, conv bson.ObjectID, sender, key string) (chat.Message, bool, error) {
	var doc messageDoc
	filter := bson.D{
		{Key: "conversation_id", Value: conv},
		{Key: "sender_id", Value: sender},
		{Key: "client_key", Value: key},
	}
	err := m.coll.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return chat.Message{}, false, nil
	}
	if err != nil {
		return chat.Message{}, false, chat.Transient(err)
	}
	return doc.toChat(), true, nil
}

// InsertMessage stores msg and bumps the conversation's last activity and
// preview. A client key the sender already used in this conversation
// returns the stored row unchanged.
func (m *MessagesStore) InsertMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	if msg.Body == "" {
		return chat.Message{}, fmt.Errorf("%w: empty body", chat.ErrInvalidArgument)
	}
	conv, err := m.conversation(ctx, msg.Target(), msg.SenderID)
	if err != nil {
		return chat.Message{}, err
	}
	if msg.ClientKey != "" {
		if existing, ok, err := m.byClientKey(ctx, conv.ID, msg.SenderID, msg.ClientKey); err != nil || ok {
			return existing, err
		}
	}

	// Mongo keeps milliseconds. Never stamp a message before the
	// conversation's last activity; concurrent senders may still tie.
	created := time.Now().UTC().Truncate(time.Millisecond)
	if created.Before(conv.LastActivity) {
		created = conv.LastActivity.UTC().Truncate(time.Millisecond)
	}

	doc := messageDoc{
		ClientKey:      msg.ClientKey,
		ConversationID: conv.ID,
		Kind:           conv.Kind,
		SenderID:       msg.SenderID,
		Body:           msg.Body,
		CreatedAt:      created,
	}
	res, err := m.coll.InsertOne(ctx, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) && msg.ClientKey != "" {
			// A retry raced the original insert.
			existing, ok, ferr := m.byClientKey(ctx, conv.ID, msg.SenderID, msg.ClientKey)
			if ferr == nil && ok {
				return existing, nil
			}
		}
		return chat.Message{}, chat.Transient(err)
	}
	doc.ID = res.InsertedID.(bson.ObjectID)

	bump := bson.D{{Key: "$set", Value: bson.D{
		{Key: "last_activity", Value: created},
		{Key: "preview", Value: doc.Body},
	}}}
	filter := bson.D{{Key: "_id", Value: conv.ID}, {Key: "last_activity", Value: bson.D{{Key: "$lte", Value: created}}}}
	if _, err := m.convs.UpdateOne(ctx, filter, bump); err != nil {
		return chat.Message{}, chat.Transient(err)
	}
	return doc.toChat(), nil
}

// MarkRead flips unread messages from other senders and returns how many changed.
func (m *MessagesStore) MarkRead(ctx context.Context, target chat.Target, viewer string) (int, error) {
	conv, err := m.conversation(ctx, target, viewer)
	if err != nil {
		return 0, err
	}
	filter := bson.D{
		{Key: "conversation_id", Value: conv.ID},
		{Key: "sender_id", Value: bson.D{{Key: "$ne", Value: viewer}}},
		{Key: "read", Value: false},
	}
	res, err := m.coll.UpdateMany(ctx, filter, bson.D{{Key: "$set", Value: bson.D{{Key: "read", Value: true}}}})
	if err != nil {
		return 0, chat.Transient(err)
	}
	return int(res.ModifiedCount), nil
}
