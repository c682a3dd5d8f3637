package chat_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PaulBabatuyi/medlink-chat/internal/chat"
	"github.com/PaulBabatuyi/medlink-chat/internal/memstore"
)

// memCache is a chat.Cache kept in maps.
type memCache struct {
	mu    sync.Mutex
	convs map[string][]chat.Conversation
	msgs  map[string][]chat.Message
}

func newMemCache() *memCache {
	return &memCache{convs: map[string][]chat.Conversation{}, msgs: map[string][]chat.Message{}}
}

func (c *memCache) SaveConversations(viewer string, convs []chat.Conversation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.convs[viewer] = append([]chat.Conversation(nil), convs...)
	return nil
}

func (c *memCache) LoadConversations(viewer string) ([]chat.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.convs[viewer], nil
}

func (c *memCache) SaveMessages(id string, msgs []chat.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs[id] = append([]chat.Message(nil), msgs...)
	return nil
}

func (c *memCache) LoadMessages(id string) ([]chat.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msgs[id], nil
}

func (c *memCache) Forget(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.msgs, id)
	return nil
}

type denyAll struct{}

func (denyAll) Allow(string) bool { return false }

func newClient(t *testing.T, store *memstore.Store, viewer string, opts ...chat.Option) *chat.Client {
	t.Helper()
	c := chat.New(store, chat.StaticIdentity(viewer), opts...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func directWith(t *testing.T, store *memstore.Store, a, b string) chat.Conversation {
	t.Helper()
	conv, err := store.CreateDirect(context.Background(), a, b)
	require.NoError(t, err)
	return conv
}

func insert(t *testing.T, store *memstore.Store, conv chat.Conversation, from, body string) chat.Message {
	t.Helper()
	m, err := store.InsertMessage(context.Background(), chat.Message{
		ConversationID: conv.ID,
		Kind:           conv.Kind,
		SenderID:       from,
		Body:           body,
	})
	require.NoError(t, err)
	return m
}

func countBody(msgs []chat.Message, body string) int {
	n := 0
	for _, m := range msgs {
		if m.Body == body {
			n++
		}
	}
	return n
}

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
