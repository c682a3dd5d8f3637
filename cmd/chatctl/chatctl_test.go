package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/medlink-chat/internal/auth"
	"github.com/PaulBabatuyi/medlink-chat/internal/chat"
	"github.com/PaulBabatuyi/medlink-chat/internal/memstore"
)

func quietEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"MONGODB_URI", "JWT_SECRET", "JWT_KEYS", "JWT_ACTIVE_KID", "CHAT_TOKEN", "REALTIME_URL", "VALKEY_ADDR", "CACHE_DIR"} {
		t.Setenv(k, "")
	}
}

// shared returns an app bound to one in-process store so state survives
// between invocations.
func shared(store *memstore.Store) *app {
	return &app{
		backend: store,
		log:     zap.NewNop(),
		putProfile: func(_ context.Context, p chat.Profile) error {
			store.PutProfile(p)
			return nil
		},
	}
}

func run(t *testing.T, a *app, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(a)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	a.close()
	return out.String(), err
}

func mustRun(t *testing.T, a *app, args ...string) string {
	t.Helper()
	out, err := run(t, a, args...)
	require.NoError(t, err, out)
	return out
}

func TestDirectConversationRoundTrip(t *testing.T) {
	quietEnv(t)
	store := memstore.New()
	a := shared(store)

	id := strings.TrimSpace(mustRun(t, a, "--memory", "--as", "alice", "dm", "bob"))
	require.NotEmpty(t, id)
	again := strings.TrimSpace(mustRun(t, a, "--memory", "--as", "bob", "dm", "alice"))
	assert.Equal(t, id, again, "direct pairing is symmetric")

	out := mustRun(t, a, "--memory", "--as", "alice", "send", id, "lab", "results", "are", "in")
	assert.Contains(t, out, "sent ")

	out = mustRun(t, a, "--memory", "--as", "bob", "conversations")
	assert.Contains(t, out, id)
	assert.Contains(t, out, "lab results are in")
	assert.Regexp(t, `alice\s+1\s`, out)

	out = mustRun(t, a, "--memory", "--as", "bob", "open", id)
	assert.Contains(t, out, "alice: lab results are in")

	out = mustRun(t, a, "--memory", "--as", "bob", "conversations")
	assert.Regexp(t, `alice\s+0\s`, out)
}

func TestReadReportsFlippedMessages(t *testing.T) {
	quietEnv(t)
	store := memstore.New()
	a := shared(store)

	id := strings.TrimSpace(mustRun(t, a, "--memory", "--as", "alice", "dm", "bob"))
	mustRun(t, a, "--memory", "--as", "alice", "send", id, "one")
	mustRun(t, a, "--memory", "--as", "alice", "send", id, "two")

	assert.Contains(t, mustRun(t, a, "--memory", "--as", "bob", "read", id), "marked 2 message(s) read")
	assert.Contains(t, mustRun(t, a, "--memory", "--as", "bob", "read", id), "marked 0 message(s) read")

	_, err := run(t, a, "--memory", "--as", "bob", "read", "missing")
	require.ErrorIs(t, err, chat.ErrNotFound)
}

func TestGroupArchiveAndMute(t *testing.T) {
	quietEnv(t)
	store := memstore.New()
	a := shared(store)

	id := strings.TrimSpace(mustRun(t, a, "--memory", "--as", "alice", "group", "cardiology", "bob", "carol"))
	out := mustRun(t, a, "--memory", "--as", "bob", "members", id)
	assert.Regexp(t, `alice\s+admin`, out)
	assert.Regexp(t, `carol\s+member`, out)
	_, err := run(t, a, "--memory", "--as", "mallory", "members", id)
	require.ErrorIs(t, err, chat.ErrNotFound)

	out = mustRun(t, a, "--memory", "--as", "alice", "mute", id)
	assert.Contains(t, out, "muted")

	mustRun(t, a, "--memory", "--as", "alice", "archive", id)
	assert.NotContains(t, mustRun(t, a, "--memory", "--as", "alice", "conversations"), id)
	assert.Contains(t, mustRun(t, a, "--memory", "--as", "alice", "conversations", "--archived"), "cardiology")

	mustRun(t, a, "--memory", "--as", "alice", "archive", "--undo", id)
	assert.Contains(t, mustRun(t, a, "--memory", "--as", "alice", "conversations"), id)
}

func TestDeleteConversation(t *testing.T) {
	quietEnv(t)
	store := memstore.New()
	a := shared(store)

	id := strings.TrimSpace(mustRun(t, a, "--memory", "--as", "alice", "dm", "bob"))
	assert.Contains(t, mustRun(t, a, "--memory", "--as", "alice", "delete", id), "deleted "+id)
	assert.NotContains(t, mustRun(t, a, "--memory", "--as", "alice", "conversations"), id)

	_, err := run(t, a, "--memory", "--as", "alice", "open", id)
	require.ErrorIs(t, err, chat.ErrNotFound)
}

func TestProfileHydratesOpen(t *testing.T) {
	quietEnv(t)
	store := memstore.New()
	a := shared(store)

	mustRun(t, a, "--memory", "profile", "alice", "Dr.", "Alice", "Obi", "--specialty", "oncology")
	p, err := store.Profile(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "Dr. Alice Obi", p.DisplayName)
	assert.Equal(t, "oncology", p.Specialty)
}

func TestAsRequiresMemory(t *testing.T) {
	quietEnv(t)
	a := shared(memstore.New())
	_, err := run(t, a, "--as", "alice", "conversations")
	require.Error(t, err)
}

func TestTokenIdentity(t *testing.T) {
	quietEnv(t)
	t.Setenv("JWT_SECRET", "cli-test-secret")
	store := memstore.New()
	a := shared(store)

	token := strings.TrimSpace(mustRun(t, a, "token", "alice", "--email", "Alice@Example.com"))
	claims, err := auth.NewJWTManager("cli-test-secret", time.Hour).VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
	assert.Equal(t, "alice@example.com", claims.Email)

	a.token = ""
	id := strings.TrimSpace(mustRun(t, a, "--token", token, "dm", "bob"))
	conv, err := store.GetConversation(context.Background(), "alice", id)
	require.NoError(t, err)
	assert.Equal(t, "bob", conv.PeerID)

	_, err = run(t, a, "--token", "garbage", "conversations")
	require.ErrorIs(t, err, chat.ErrUnauthenticated)
}

func TestTokenNeedsSecret(t *testing.T) {
	quietEnv(t)
	_, err := run(t, shared(memstore.New()), "token", "alice")
	require.Error(t, err)
}

func TestCachedViewsWorkWithoutTheBackend(t *testing.T) {
	quietEnv(t)
	t.Setenv("CACHE_DIR", t.TempDir())
	store := memstore.New()
	a := shared(store)

	id := strings.TrimSpace(mustRun(t, a, "--memory", "--as", "alice", "dm", "bob"))
	mustRun(t, a, "--memory", "--as", "alice", "send", id, "vitals", "stable")
	mustRun(t, a, "--memory", "--as", "bob", "conversations")
	mustRun(t, a, "--memory", "--as", "bob", "open", id)

	// A fresh, empty store: anything printed now came from the cache.
	offline := shared(memstore.New())
	out := mustRun(t, offline, "--memory", "--as", "bob", "conversations", "--cached")
	assert.Contains(t, out, id)
	assert.Contains(t, out, "vitals stable")

	out = mustRun(t, offline, "--memory", "--as", "bob", "open", "--cached", id)
	assert.Contains(t, out, "alice: vitals stable")

	t.Setenv("CACHE_DIR", "")
	_, err := run(t, offline, "--memory", "--as", "bob", "conversations", "--cached")
	require.ErrorIs(t, err, errNoCache)
}
