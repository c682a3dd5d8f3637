package data

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/PaulBabatuyi/medlink-chat/internal/chat"
	"github.com/PaulBabatuyi/medlink-chat/internal/normalize"
)

// ConversationsStore provides conversation database operations.
type ConversationsStore struct {
	coll *mongo.Collection // "conversations"
	msgs *mongo.Collection // "messages", for unread counts and cascading deletes
}

// NewConversationsStore returns a ConversationsStore using the given collections.
func NewConversationsStore(convs, msgs *mongo.Collection) *ConversationsStore {
	return &ConversationsStore{coll: convs, msgs: msgs}
}

// parseID turns a conversation id into an ObjectID. Malformed ids cannot
// name a visible conversation, so they are reported as not found.
func parseID(id string) (bson.ObjectID, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return bson.ObjectID{}, fmt.Errorf("%w: conversation %q", chat.ErrNotFound, id)
	}
	return oid, nil
}

// visible loads conversation id if viewer participates in it.
func (s *ConversationsStore) visible(ctx context.Context, viewer, id string) (conversationDoc, error) {
	oid, err := parseID(id)
	if err != nil {
		return conversationDoc{}, err
	}
	var doc conversationDoc
	err = s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: oid}, {Key: "participants", Value: viewer}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return conversationDoc{}, fmt.Errorf("%w: conversation %s", chat.ErrNotFound, id)
	}
	if err != nil {
		return conversationDoc{}, chat.Transient(err)
	}
	return doc, nil
}

// unreadCounts counts, per conversation, messages not sent by viewer that
// are still unread.
func (s *ConversationsStore) unreadCounts(ctx context.Context, viewer string, ids []bson.ObjectID) (map[bson.ObjectID]int, error) {
	out := make(map[bson.ObjectID]int, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	pipeline := mongo.Pipeline{
		// Stage 1: unread messages from someone else in these conversations
		bson.D{{Key: "$match", Value: bson.D{
			{Key: "conversation_id", Value: bson.D{{Key: "$in", Value: ids}}},
			{Key: "sender_id", Value: bson.D{{Key: "$ne", Value: viewer}}},
			{Key: "read", Value: false},
		}}},
		// Stage 2: one count per conversation
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$conversation_id"},
			{Key: "unread", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	}
	cursor, err := s.msgs.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, chat.Transient(err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		ID     bson.ObjectID `bson:"_id"`
		Unread int           `bson:"unread"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, chat.Transient(err)
	}
	for _, r := range rows {
		out[r.ID] = r.Unread
	}
	return out, nil
}

func (s *ConversationsStore) list(ctx context.Context, viewer string, kind chat.Kind) ([]chat.Conversation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "last_activity", Value: -1}, {Key: "_id", Value: 1}})
	cursor, err := s.coll.Find(ctx, bson.D{{Key: "participants", Value: viewer}, {Key: "kind", Value: kind}}, opts)
	if err != nil {
		return nil, chat.Transient(err)
	}
	defer cursor.Close(ctx)

	var docs []conversationDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, chat.Transient(err)
	}

	ids := make([]bson.ObjectID, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	unread, err := s.unreadCounts(ctx, viewer, ids)
	if err != nil {
		return nil, err
	}

	out := make([]chat.Conversation, len(docs))
	for i, d := range docs {
		out[i] = d.view(viewer, unread[d.ID])
	}
	return out, nil
}

// ListDirect returns viewer's direct conversations.
func (s *ConversationsStore) ListDirect(ctx context.Context, viewer string) ([]chat.Conversation, error) {
	return s.list(ctx, viewer, chat.KindDirect)
}

// ListGroups returns the groups viewer is a member of.
func (s *ConversationsStore) ListGroups(ctx context.Context, viewer string) ([]chat.Conversation, error) {
	return s.list(ctx, viewer, chat.KindGroup)
}

func (s *ConversationsStore) viewOne(ctx context.Context, viewer string, doc conversationDoc) (chat.Conversation, error) {
	unread, err := s.unreadCounts(ctx, viewer, []bson.ObjectID{doc.ID})
	if err != nil {
		return chat.Conversation{}, err
	}
	return doc.view(viewer, unread[doc.ID]), nil
}

func (s *ConversationsStore) GetConversation(ctx context.Context, viewer, id string) (chat.Conversation, error) {
	doc, err := s.visible(ctx, viewer, id)
	if err != nil {
		return chat.Conversation{}, err
	}
	return s.viewOne(ctx, viewer, doc)
}

// FindDirect looks the pair up by its symmetric key.
func (s *ConversationsStore) FindDirect(ctx context.Context, viewer, peer string) (chat.Conversation, error) {
	var doc conversationDoc
	filter := bson.D{{Key: "kind", Value: chat.KindDirect}, {Key: "pair_key", Value: normalize.PairKey(viewer, peer)}}
	err := s.coll.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return chat.Conversation{}, fmt.Errorf("%w: no direct conversation between %s and %s", chat.ErrNotFound, viewer, peer)
	}
	if err != nil {
		return chat.Conversation{}, chat.Transient(err)
	}
	return s.viewOne(ctx, viewer, doc)
}

// CreateDirect inserts the pair. The unique pair_key index turns a
// concurrent create into chat.ErrConflict.
func (s *ConversationsStore) CreateDirect(ctx context.Context, viewer, peer string) (chat.Conversation, error) {
	now := time.Now().UTC()
	doc := conversationDoc{
		Kind:         chat.KindDirect,
		PairKey:      normalize.PairKey(viewer, peer),
		Participants: []string{normalize.ID(viewer), normalize.ID(peer)},
		Members: []memberDoc{
			{UserID: normalize.ID(viewer), Role: chat.RoleMember},
			{UserID: normalize.ID(peer), Role: chat.RoleMember},
		},
		LastActivity: now,
		CreatedAt:    now,
	}
	res, err := s.coll.InsertOne(ctx, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return chat.Conversation{}, fmt.Errorf("%w: direct conversation %s", chat.ErrConflict, doc.PairKey)
		}
		return chat.Conversation{}, chat.Transient(err)
	}
	doc.ID = res.InsertedID.(bson.ObjectID)
	return doc.view(viewer, 0), nil
}

// CreateGroup inserts a group. The first member is treated as the viewer
// for the returned entry.
func (s *ConversationsStore) CreateGroup(ctx context.Context, name string, members []chat.Member) (chat.Conversation, error) {
	if len(members) == 0 {
		return chat.Conversation{}, fmt.Errorf("%w: group needs at least one member", chat.ErrInvalidArgument)
	}
	now := time.Now().UTC()
	doc := conversationDoc{
		Kind:         chat.KindGroup,
		Name:         name,
		LastActivity: now,
		CreatedAt:    now,
	}
	for _, m := range members {
		doc.Participants = append(doc.Participants, m.UserID)
		doc.Members = append(doc.Members, memberDoc{UserID: m.UserID, Role: m.Role})
	}
	res, err := s.coll.InsertOne(ctx, doc)
	if err != nil {
		return chat.Conversation{}, chat.Transient(err)
	}
	doc.ID = res.InsertedID.(bson.ObjectID)
	return doc.view(members[0].UserID, 0), nil
}

// Members returns the stored membership of conversation id, sorted by user id.
func (s *ConversationsStore) Members(ctx context.Context, viewer, id string) ([]chat.Member, error) {
	doc, err := s.visible(ctx, viewer, id)
	if err != nil {
		return nil, err
	}
	out := make([]chat.Member, len(doc.Members))
	for i, m := range doc.Members {
		out[i] = chat.Member{UserID: m.UserID, Role: m.Role}
	}
	slices.SortFunc(out, func(a, b chat.Member) int { return cmp.Compare(a.UserID, b.UserID) })
	return out, nil
}

func (s *ConversationsStore) UpdateFlags(ctx context.Context, viewer, id string, patch chat.FlagPatch) (chat.Conversation, error) {
	doc, err := s.visible(ctx, viewer, id)
	if err != nil {
		return chat.Conversation{}, err
	}
	set := bson.D{}
	if patch.Archived != nil {
		set = append(set, bson.E{Key: "archived", Value: *patch.Archived})
		doc.Archived = *patch.Archived
	}
	if patch.Muted != nil {
		set = append(set, bson.E{Key: "muted", Value: *patch.Muted})
		doc.Muted = *patch.Muted
	}
	if len(set) > 0 {
		if _, err := s.coll.UpdateOne(ctx, bson.D{{Key: "_id", Value: doc.ID}}, bson.D{{Key: "$set", Value: set}}); err != nil {
			return chat.Conversation{}, chat.Transient(err)
		}
	}
	return s.viewOne(ctx, viewer, doc)
}

// DeleteConversation removes the conversation and its messages.
func (s *ConversationsStore) DeleteConversation(ctx context.Context, viewer, id string) error {
	doc, err := s.visible(ctx, viewer, id)
	if err != nil {
		return err
	}
	if _, err := s.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: doc.ID}}); err != nil {
		return chat.Transient(err)
	}
	if _, err := s.msgs.DeleteMany(ctx, bson.D{{Key: "conversation_id", Value: doc.ID}}); err != nil {
		return chat.Transient(err)
	}
	return nil
}
