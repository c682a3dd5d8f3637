package localcache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PaulBabatuyi/medlink-chat/internal/chat"
	"github.com/PaulBabatuyi/medlink-chat/internal/localcache"
	"github.com/PaulBabatuyi/medlink-chat/internal/memstore"
)

func openMem(t *testing.T) *localcache.Store {
	t.Helper()
	s, err := localcache.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConversationsPerViewer(t *testing.T) {
	s := openMem(t)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	convs := []chat.Conversation{
		{ID: "c1", Kind: chat.KindDirect, PeerID: "bob", Participants: []string{"alice", "bob"}, LastActivity: at, UnreadCount: 2},
		{ID: "g1", Kind: chat.KindGroup, Name: "cardiology", Participants: []string{"alice", "carol"}, Muted: true},
	}
	require.NoError(t, s.SaveConversations("alice", convs))

	got, err := s.LoadConversations("alice")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "bob", got[0].PeerID)
	assert.True(t, got[0].LastActivity.Equal(at))
	assert.Equal(t, 2, got[0].UnreadCount)
	assert.True(t, got[1].Muted)

	none, err := s.LoadConversations("bob")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestMessagesAndForget(t *testing.T) {
	s := openMem(t)
	msgs := []chat.Message{
		{ID: "m2", ConversationID: "c1", SenderID: "bob", Body: "second", Read: true},
		{ID: "m1", ConversationID: "c1", SenderID: "alice", Body: "first"},
	}
	require.NoError(t, s.SaveMessages("c1", msgs))

	got, err := s.LoadMessages("c1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "second", got[0].Body)
	assert.True(t, got[0].Read)

	require.NoError(t, s.Forget("c1"))
	got, err = s.LoadMessages("c1")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Forgetting twice is harmless.
	require.NoError(t, s.Forget("c1"))
}

func TestReopenOnDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := localcache.Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.SaveMessages("c1", []chat.Message{{ID: "m1", Body: "kept"}}))
	require.NoError(t, s.Close())

	s, err = localcache.Open(dir)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.LoadMessages("c1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "kept", got[0].Body)
}

func TestClosedTimelineIsCached(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	conv, err := store.CreateDirect(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = store.InsertMessage(ctx, chat.Message{ConversationID: conv.ID, Kind: chat.KindDirect, SenderID: "bob", Body: "hello"})
	require.NoError(t, err)

	cache := openMem(t)
	c := chat.New(store, chat.StaticIdentity("alice"), chat.WithCache(cache))
	defer c.Close()

	_, err = c.Conversations(ctx)
	require.NoError(t, err)
	tl, err := c.Open(ctx, conv.ID)
	require.NoError(t, err)
	require.NoError(t, tl.Close())

	cached, err := c.CachedMessages(conv.ID)
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, "hello", cached[0].Body)

	snapshot, err := cache.LoadConversations("alice")
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.Equal(t, conv.ID, snapshot[0].ID)
}
