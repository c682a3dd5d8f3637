package profilecache_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PaulBabatuyi/medlink-chat/internal/chat"
	"github.com/PaulBabatuyi/medlink-chat/internal/memstore"
	"github.com/PaulBabatuyi/medlink-chat/internal/profilecache"
)

func TestProfileReadThrough(t *testing.T) {
	addr := os.Getenv("VALKEY_ADDR")
	if addr == "" {
		t.Skip("VALKEY_ADDR not set")
	}
	client, err := profilecache.Dial(addr)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	ctx := context.Background()
	store := memstore.New()
	user := "user-" + uuid.NewString()
	store.PutProfile(chat.Profile{UserID: user, DisplayName: "Dr. Ade", Specialty: "cardiology"})

	cache := profilecache.New(client, store, time.Minute, nil)
	t.Cleanup(func() { _ = cache.Invalidate(ctx, user) })

	p, err := cache.Profile(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "Dr. Ade", p.DisplayName)
	assert.Equal(t, 1, store.Calls(memstore.OpProfile))

	p, err = cache.Profile(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "cardiology", p.Specialty)
	assert.Equal(t, 1, store.Calls(memstore.OpProfile), "second lookup should be served from valkey")

	require.NoError(t, cache.Invalidate(ctx, user))
	_, err = cache.Profile(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 2, store.Calls(memstore.OpProfile))
}

func TestProfileMissIsNotCached(t *testing.T) {
	addr := os.Getenv("VALKEY_ADDR")
	if addr == "" {
		t.Skip("VALKEY_ADDR not set")
	}
	client, err := profilecache.Dial(addr)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	cache := profilecache.New(client, memstore.New(), time.Minute, nil)
	_, err = cache.Profile(context.Background(), "nobody-"+uuid.NewString())
	require.ErrorIs(t, err, chat.ErrNotFound)
}
