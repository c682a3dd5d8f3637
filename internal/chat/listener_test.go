package chat_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PaulBabatuyi/medlink-chat/internal/chat"
	"github.com/PaulBabatuyi/medlink-chat/internal/memstore"
)

func TestAttachReplacesPreviousAttachment(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	x := directWith(t, store, "alice", "bob")
	y := directWith(t, store, "alice", "carol")
	l := newClient(t, store, "alice").Listener()

	var onY, onX []chat.Message
	_, err := l.Attach(ctx, y.Target(), func(m chat.Message) { onY = append(onY, m) })
	require.NoError(t, err)
	_, err = l.Attach(ctx, x.Target(), func(m chat.Message) { onX = append(onX, m) })
	require.NoError(t, err)

	assert.Zero(t, store.Subscribers(y.Target()))
	assert.Equal(t, 1, store.Subscribers(x.Target()))
	target, attached := l.Attached()
	assert.True(t, attached)
	assert.Equal(t, x.Target(), target)

	insert(t, store, x, "bob", "to x")
	insert(t, store, y, "carol", "to y")
	assert.Len(t, onX, 1, "no duplicate delivery")
	assert.Empty(t, onY)
}

func TestAttachToSameTargetTwice(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	x := directWith(t, store, "alice", "bob")
	l := newClient(t, store, "alice").Listener()

	var got int
	for i := 0; i < 3; i++ {
		_, err := l.Attach(ctx, x.Target(), func(chat.Message) { got++ })
		require.NoError(t, err)
	}
	assert.Equal(t, 1, store.Subscribers(x.Target()))

	insert(t, store, x, "bob", "once")
	assert.Equal(t, 1, got)
}

func TestDetachIsSafeWhenDetached(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	x := directWith(t, store, "alice", "bob")
	l := newClient(t, store, "alice").Listener()

	require.NoError(t, l.Detach())
	h, err := l.Attach(ctx, x.Target(), func(chat.Message) {})
	require.NoError(t, err)
	require.NoError(t, l.Detach())
	require.NoError(t, l.Detach())
	require.NoError(t, h.Release())

	_, attached := l.Attached()
	assert.False(t, attached)
	assert.Zero(t, store.Subscribers(x.Target()))
}

func TestStaleHandleDoesNotDetachNewer(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	x := directWith(t, store, "alice", "bob")
	y := directWith(t, store, "alice", "carol")
	l := newClient(t, store, "alice").Listener()

	old, err := l.Attach(ctx, y.Target(), func(chat.Message) {})
	require.NoError(t, err)
	current, err := l.Attach(ctx, x.Target(), func(chat.Message) {})
	require.NoError(t, err)

	require.NoError(t, old.Release())
	assert.Equal(t, 1, store.Subscribers(x.Target()))
	assert.Equal(t, x.Target(), current.Target())

	require.NoError(t, current.Release())
	assert.Zero(t, store.Subscribers(x.Target()))
}

func TestAttachSubscribeFailure(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	x := directWith(t, store, "alice", "bob")
	l := newClient(t, store, "alice").Listener()

	store.FailNext(memstore.OpSubscribe, chat.Transient(assert.AnError))
	_, err := l.Attach(ctx, x.Target(), func(chat.Message) {})
	require.ErrorIs(t, err, chat.ErrTransient)
	_, attached := l.Attached()
	assert.False(t, attached)

	_, err = l.Attach(ctx, chat.Target{ID: x.ID}, func(chat.Message) {})
	require.ErrorIs(t, err, chat.ErrInvalidArgument)
}

func TestDeliveryHydratesSender(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.PutProfile(chat.Profile{UserID: "bob", DisplayName: "Dr. Bob"})
	x := directWith(t, store, "alice", "bob")
	l := newClient(t, store, "alice").Listener()

	var got []chat.Message
	_, err := l.Attach(ctx, x.Target(), func(m chat.Message) { got = append(got, m) })
	require.NoError(t, err)

	insert(t, store, x, "bob", "hydrated")
	store.FailNext(memstore.OpProfile, chat.Transient(assert.AnError))
	insert(t, store, x, "bob", "bare")

	require.Len(t, got, 2)
	require.NotNil(t, got[0].Sender)
	assert.Equal(t, "Dr. Bob", got[0].Sender.DisplayName)
	assert.Nil(t, got[1].Sender, "lookup failure still delivers the message")
}
