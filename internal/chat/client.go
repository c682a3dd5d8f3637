package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/PaulBabatuyi/medlink-chat/internal/metrics"
)

const (
	defaultPageSize       = 50
	defaultHydrateTimeout = 3 * time.Second
	defaultMarkTimeout    = 5 * time.Second
)

// Client is the explicit handle to the synchronization core. It owns the
// directory, the read tracker, the listener and at most one open timeline.
// The backend, cache and feed passed in stay owned by the caller.
type Client struct {
	backend     Backend
	ident       Identity
	feed        Feed
	profiles    ProfileStore
	cache       Cache
	limiter     Limiter
	metrics     *metrics.Sync
	log         *zap.Logger
	pageSize    int
	now         func() time.Time
	markTimeout time.Duration

	dir      *Directory
	tracker  *Tracker
	listener *Listener

	openMu sync.Mutex // serializes Open

	mu      sync.Mutex
	current *Timeline
	closed  bool
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger; each component logs under its own name.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics records sync counters into m. A nil m disables them.
func WithMetrics(m *metrics.Sync) Option { return func(c *Client) { c.metrics = m } }

// WithCache persists directory snapshots and closed timelines locally.
func WithCache(cache Cache) Option { return func(c *Client) { c.cache = cache } }

// WithFeed replaces the backend's own feed, e.g. with a websocket relay.
func WithFeed(f Feed) Option { return func(c *Client) { c.feed = f } }

// WithProfiles replaces the backend's profile lookups, e.g. with a cache.
func WithProfiles(p ProfileStore) Option { return func(c *Client) { c.profiles = p } }

// WithSendLimiter throttles Send per conversation.
func WithSendLimiter(l Limiter) Option { return func(c *Client) { c.limiter = l } }

// WithPageSize sets how many messages Open and LoadOlder fetch at a time.
func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithClock sets the clock used to stamp pending sends.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// New builds a client around backend. ident resolves the viewer for every
// operation that needs one.
func New(backend Backend, ident Identity, opts ...Option) *Client {
	c := &Client{
		backend:     backend,
		ident:       ident,
		feed:        backend,
		profiles:    backend,
		log:         zap.NewNop(),
		pageSize:    defaultPageSize,
		now:         time.Now,
		markTimeout: defaultMarkTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.dir = newDirectory(backend, c.cache, c.log.Named("directory"))
	c.tracker = &Tracker{store: backend, dir: c.dir, metrics: c.metrics, log: c.log.Named("readstate")}
	c.listener = &Listener{
		feed:           c.feed,
		profiles:       c.profiles,
		hydrateTimeout: defaultHydrateTimeout,
		metrics:        c.metrics,
		log:            c.log.Named("listener"),
	}
	return c
}

// Directory returns the viewer's conversation list.
func (c *Client) Directory() *Directory { return c.dir }

// Tracker returns the read-state tracker.
func (c *Client) Tracker() *Tracker { return c.tracker }

// Listener returns the live listener shared by every timeline.
func (c *Client) Listener() *Listener { return c.listener }

// Current returns the open timeline, or nil.
func (c *Client) Current() *Timeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Viewer resolves the current viewer.
func (c *Client) Viewer(ctx context.Context) (string, error) {
	if c.ident == nil {
		return "", ErrUnauthenticated
	}
	v, err := c.ident.Viewer(ctx)
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", ErrUnauthenticated
	}
	return v, nil
}

// Open closes the previously open timeline, attaches the live listener to
// conversation id, loads its newest page and marks it read. Concurrent
// Opens run one after another; the last one wins.
func (c *Client) Open(ctx context.Context, id string) (*Timeline, error) {
	viewer, err := c.Viewer(ctx)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("%w: empty conversation id", ErrInvalidArgument)
	}

	c.openMu.Lock()
	defer c.openMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	prev := c.current
	c.current = nil
	c.mu.Unlock()
	if prev != nil {
		if err := prev.Close(); err != nil {
			c.log.Warn("closing previous timeline failed", zap.String("conversation", prev.conv.ID), zap.Error(err))
		}
	}

	conv, err := c.backend.GetConversation(ctx, viewer, id)
	if err != nil {
		return nil, err
	}
	c.dir.upsert(conv)

	// Attach before loading: an insert landing while the page is read
	// arrives live and is folded into the page, never lost between them.
	t := newTimeline(c, viewer, conv)
	h, err := c.listener.Attach(ctx, conv.Target(), t.onInbound)
	if err != nil {
		return nil, err
	}
	t.setHandle(h)

	page, err := c.backend.ListMessages(ctx, conv.Target(), viewer, Cursor{}, c.pageSize)
	if err != nil {
		t.abandon()
		return nil, err
	}
	t.mergeFirstPage(page)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		t.abandon()
		return nil, ErrClosed
	}
	c.current = t
	c.mu.Unlock()

	t.markRead(ctx)
	c.log.Debug("conversation opened", zap.String("conversation", id), zap.Int("messages", len(page)))
	return t, nil
}

func (c *Client) timelineClosed(t *Timeline) {
	c.mu.Lock()
	if c.current == t {
		c.current = nil
	}
	c.mu.Unlock()
}

// Conversations refreshes and returns the viewer's directory.
func (c *Client) Conversations(ctx context.Context) ([]Conversation, error) {
	viewer, err := c.Viewer(ctx)
	if err != nil {
		return nil, err
	}
	return c.dir.ListConversations(ctx, viewer)
}

// StartDirect returns the direct conversation with peer, creating it if needed.
func (c *Client) StartDirect(ctx context.Context, peer string) (Conversation, error) {
	viewer, err := c.Viewer(ctx)
	if err != nil {
		return Conversation{}, err
	}
	return c.dir.StartDirectConversation(ctx, viewer, peer)
}

// CreateGroup creates a group with the viewer as admin.
func (c *Client) CreateGroup(ctx context.Context, name string, memberIDs []string) (Conversation, error) {
	viewer, err := c.Viewer(ctx)
	if err != nil {
		return Conversation{}, err
	}
	return c.dir.CreateGroupConversation(ctx, name, viewer, memberIDs)
}

// Members lists who belongs to conversation id.
func (c *Client) Members(ctx context.Context, id string) ([]Member, error) {
	viewer, err := c.Viewer(ctx)
	if err != nil {
		return nil, err
	}
	return c.dir.Members(ctx, viewer, id)
}

// SetArchived archives or unarchives conversation id.
func (c *Client) SetArchived(ctx context.Context, id string, archived bool) (Conversation, error) {
	viewer, err := c.Viewer(ctx)
	if err != nil {
		return Conversation{}, err
	}
	return c.dir.SetArchived(ctx, viewer, id, archived)
}

// SetMuted mutes or unmutes conversation id.
func (c *Client) SetMuted(ctx context.Context, id string, muted bool) (Conversation, error) {
	viewer, err := c.Viewer(ctx)
	if err != nil {
		return Conversation{}, err
	}
	return c.dir.SetMuted(ctx, viewer, id, muted)
}

// Delete removes the conversation, closing it first if it is open.
func (c *Client) Delete(ctx context.Context, id string) error {
	viewer, err := c.Viewer(ctx)
	if err != nil {
		return err
	}
	if t := c.Current(); t != nil && t.conv.ID == id {
		if err := t.Close(); err != nil {
			c.log.Warn("closing deleted conversation failed", zap.String("conversation", id), zap.Error(err))
		}
	}
	return c.dir.Delete(ctx, viewer, id)
}

// MarkRead marks target read for the viewer.
func (c *Client) MarkRead(ctx context.Context, target Target) (int, error) {
	viewer, err := c.Viewer(ctx)
	if err != nil {
		return 0, err
	}
	return c.tracker.MarkConversationRead(ctx, target, viewer)
}

// CachedMessages returns the last page persisted for conversation id, or
// nil when no cache is configured.
func (c *Client) CachedMessages(id string) ([]Message, error) {
	if c.cache == nil {
		return nil, nil
	}
	return c.cache.LoadMessages(id)
}

// Close closes the open timeline and detaches the listener. Further Opens
// fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	t := c.current
	c.current = nil
	c.mu.Unlock()

	var err error
	if t != nil {
		err = t.Close()
	}
	if derr := c.listener.Detach(); err == nil {
		err = derr
	}
	return err
}
