// Package profilecache puts a valkey read-through cache in front of a
// chat.ProfileStore, so hydrating live messages does not hit the database
// for every inbound event.
package profilecache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/medlink-chat/internal/chat"
)

const (
	keyPrefix  = "medlink:profile:"
	defaultTTL = 10 * time.Minute
)

// Cache implements chat.ProfileStore.
type Cache struct {
	client valkey.Client
	next   chat.ProfileStore
	ttl    time.Duration
	log    *zap.Logger
}

// New wraps next. A zero ttl uses the default of ten minutes.
func New(client valkey.Client, next chat.ProfileStore, ttl time.Duration, log *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{client: client, next: next, ttl: ttl, log: log}
}

// Dial connects to the valkey server at addr.
func Dial(addr string) (valkey.Client, error) {
	return valkey.NewClient(valkey.ClientOption{InitAddress: []string{addr}})
}

// Profile returns the cached profile, falling back to the wrapped store and
// filling the cache on a miss. Cache failures degrade to the store.
func (c *Cache) Profile(ctx context.Context, userID string) (chat.Profile, error) {
	key := keyPrefix + userID
	raw, err := c.client.Do(ctx, c.client.B().Get().Key(key).Build()).ToString()
	switch {
	case err == nil:
		var p chat.Profile
		if jerr := json.Unmarshal([]byte(raw), &p); jerr == nil {
			return p, nil
		}
		c.log.Warn("dropping corrupt cached profile", zap.String("user", userID))
	case !valkey.IsValkeyNil(err):
		c.log.Warn("profile cache read failed", zap.String("user", userID), zap.Error(err))
	}

	p, err := c.next.Profile(ctx, userID)
	if err != nil {
		return chat.Profile{}, err
	}
	if b, jerr := json.Marshal(p); jerr == nil {
		cmd := c.client.B().Set().Key(key).Value(string(b)).ExSeconds(int64(c.ttl / time.Second)).Build()
		if serr := c.client.Do(ctx, cmd).Error(); serr != nil {
			c.log.Warn("profile cache write failed", zap.String("user", userID), zap.Error(serr))
		}
	}
	return p, nil
}

// Invalidate drops userID's cached profile after it changed.
func (c *Cache) Invalidate(ctx context.Context, userID string) error {
	return c.client.Do(ctx, c.client.B().Del().Key(keyPrefix+userID).Build()).Error()
}
