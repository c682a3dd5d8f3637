package realtime_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PaulBabatuyi/medlink-chat/internal/auth"
	"github.com/PaulBabatuyi/medlink-chat/internal/chat"
	"github.com/PaulBabatuyi/medlink-chat/internal/memstore"
	"github.com/PaulBabatuyi/medlink-chat/internal/ratelimit"
	"github.com/PaulBabatuyi/medlink-chat/internal/realtime"
)

type relayEnv struct {
	store *memstore.Store
	jwt   *auth.JWTManager
	url   string
}

func newRelay(t *testing.T, opts ...realtime.ServerOption) *relayEnv {
	t.Helper()
	store := memstore.New()
	jwt := auth.NewJWTManager("relay-test-secret", time.Hour)
	srv := realtime.NewServer(store, store, jwt, nil, opts...)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &relayEnv{store: store, jwt: jwt, url: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"}
}

func (e *relayEnv) dial(t *testing.T, user string) *realtime.Client {
	t.Helper()
	token, _, err := e.jwt.GenerateToken(user, user+"@example.com")
	require.NoError(t, err)
	c, err := realtime.Dial(context.Background(), e.url, token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// collector gathers delivered messages for assertions from the test goroutine.
type collector struct {
	mu   sync.Mutex
	msgs []chat.Message
}

func (c *collector) add(m chat.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
}

func (c *collector) bodies() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = m.Body
	}
	return out
}

func send(t *testing.T, store *memstore.Store, conv chat.Conversation, from, body string) {
	t.Helper()
	_, err := store.InsertMessage(context.Background(), chat.Message{
		ConversationID: conv.ID, Kind: conv.Kind, SenderID: from, Body: body,
	})
	require.NoError(t, err)
}

func TestDialRejectsBadToken(t *testing.T) {
	env := newRelay(t)
	_, err := realtime.Dial(context.Background(), env.url, "not-a-token", nil)
	require.ErrorIs(t, err, chat.ErrUnauthenticated)
}

func TestDialWithoutHeaderIsUnauthorized(t *testing.T) {
	env := newRelay(t)
	_, resp, err := websocket.DefaultDialer.Dial(env.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSubscribeRelaysInsertsInOrder(t *testing.T) {
	ctx := context.Background()
	env := newRelay(t)
	conv, err := env.store.CreateDirect(ctx, "alice", "bob")
	require.NoError(t, err)
	other, err := env.store.CreateDirect(ctx, "alice", "carol")
	require.NoError(t, err)

	c := env.dial(t, "alice")
	var got collector
	sub, err := c.Subscribe(ctx, conv.Target(), got.add)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return env.store.Subscribers(conv.Target()) == 1 }, time.Second, 10*time.Millisecond)

	send(t, env.store, conv, "bob", "one")
	send(t, env.store, other, "carol", "elsewhere")
	send(t, env.store, conv, "bob", "two")

	require.Eventually(t, func() bool { return len(got.bodies()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"one", "two"}, got.bodies())

	require.NoError(t, sub.Close())
	require.Eventually(t, func() bool { return env.store.Subscribers(conv.Target()) == 0 }, time.Second, 10*time.Millisecond)
}

func TestSubscribeInvisibleConversation(t *testing.T) {
	ctx := context.Background()
	env := newRelay(t)
	conv, err := env.store.CreateDirect(ctx, "bob", "carol")
	require.NoError(t, err)

	c := env.dial(t, "alice")
	_, err = c.Subscribe(ctx, conv.Target(), func(chat.Message) {})
	require.ErrorIs(t, err, chat.ErrNotFound)
	assert.Zero(t, env.store.Subscribers(conv.Target()))
}

func TestSubscribeWrongKind(t *testing.T) {
	ctx := context.Background()
	env := newRelay(t)
	conv, err := env.store.CreateDirect(ctx, "alice", "bob")
	require.NoError(t, err)

	c := env.dial(t, "alice")
	_, err = c.Subscribe(ctx, chat.Group(conv.ID), func(chat.Message) {})
	require.ErrorIs(t, err, chat.ErrNotFound)
}

func TestLocalSubscribersShareOneUpstream(t *testing.T) {
	ctx := context.Background()
	env := newRelay(t)
	conv, err := env.store.CreateDirect(ctx, "alice", "bob")
	require.NoError(t, err)

	c := env.dial(t, "alice")
	var a, b collector
	subA, err := c.Subscribe(ctx, conv.Target(), a.add)
	require.NoError(t, err)
	subB, err := c.Subscribe(ctx, conv.Target(), b.add)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return env.store.Subscribers(conv.Target()) == 1 }, time.Second, 10*time.Millisecond)

	send(t, env.store, conv, "bob", "hi")
	require.Eventually(t, func() bool { return len(a.bodies()) == 1 && len(b.bodies()) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, subA.Close())
	assert.Equal(t, 1, env.store.Subscribers(conv.Target()))
	require.NoError(t, subB.Close())
	require.Eventually(t, func() bool { return env.store.Subscribers(conv.Target()) == 0 }, time.Second, 10*time.Millisecond)
}

func TestDisconnectReleasesSubscriptions(t *testing.T) {
	ctx := context.Background()
	env := newRelay(t)
	conv, err := env.store.CreateDirect(ctx, "alice", "bob")
	require.NoError(t, err)

	c := env.dial(t, "alice")
	_, err = c.Subscribe(ctx, conv.Target(), func(chat.Message) {})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return env.store.Subscribers(conv.Target()) == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close())
	<-c.Done()
	require.Eventually(t, func() bool { return env.store.Subscribers(conv.Target()) == 0 }, 2*time.Second, 10*time.Millisecond)

	_, err = c.Subscribe(ctx, conv.Target(), func(chat.Message) {})
	require.Error(t, err)
}

func TestConnectLimiter(t *testing.T) {
	limiter := ratelimit.NewLimiterStore(1, 1, time.Minute)
	t.Cleanup(limiter.Stop)
	env := newRelay(t, realtime.WithConnectLimiter(limiter))

	env.dial(t, "alice")
	token, _, err := env.jwt.GenerateToken("alice", "alice@example.com")
	require.NoError(t, err)
	_, err = realtime.Dial(context.Background(), env.url, token, nil)
	require.ErrorIs(t, err, chat.ErrRateLimited)
}

// The relay client plugs into the chat core as its live feed.
func TestClientFeedDrivesTimeline(t *testing.T) {
	ctx := context.Background()
	env := newRelay(t)
	env.store.PutProfile(chat.Profile{UserID: "bob", DisplayName: "Dr. Bob"})
	conv, err := env.store.CreateDirect(ctx, "alice", "bob")
	require.NoError(t, err)

	feed := env.dial(t, "alice")
	c := chat.New(env.store, chat.StaticIdentity("alice"), chat.WithFeed(feed))
	t.Cleanup(func() { _ = c.Close() })

	tl, err := c.Open(ctx, conv.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return env.store.Subscribers(conv.Target()) == 1 }, time.Second, 10*time.Millisecond)

	send(t, env.store, conv, "bob", "hello over the relay")
	require.Eventually(t, func() bool { return len(tl.Messages()) == 1 }, 2*time.Second, 10*time.Millisecond)

	msg := tl.Messages()[0]
	assert.Equal(t, "hello over the relay", msg.Body)
	require.NotNil(t, msg.Sender)
	assert.Equal(t, "Dr. Bob", msg.Sender.DisplayName)
	require.Eventually(t, func() bool { return tl.UnreadCount() == 0 }, time.Second, 10*time.Millisecond)
}
