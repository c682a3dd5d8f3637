package chat

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/PaulBabatuyi/medlink-chat/internal/normalize"
)

// Directory is the viewer's merged list of direct and group conversations.
// The in-memory snapshot is shared by every reader; local patches from the
// timeline and the read tracker are applied under one lock so readers never
// see a preview without its matching unread count.
type Directory struct {
	store ConversationStore
	cache Cache
	log   *zap.Logger

	mu        sync.RWMutex
	viewer    string
	entries   map[string]Conversation
	observers map[int]func([]Conversation)
	nextObs   int
}

func newDirectory(store ConversationStore, cache Cache, log *zap.Logger) *Directory {
	return &Directory{
		store:     store,
		cache:     cache,
		log:       log,
		entries:   make(map[string]Conversation),
		observers: make(map[int]func([]Conversation)),
	}
}

// sortConversations orders by last activity, newest first, then by id so
// that unchanged data always lists in the same order.
func sortConversations(convs []Conversation) {
	slices.SortFunc(convs, func(a, b Conversation) int {
		if c := b.LastActivity.Compare(a.LastActivity); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// ListConversations fetches the direct and group subsets independently,
// merges them into one ordered list and replaces the snapshot with it.
func (d *Directory) ListConversations(ctx context.Context, viewer string) ([]Conversation, error) {
	if err := requireViewer(viewer); err != nil {
		return nil, err
	}
	direct, err := d.store.ListDirect(ctx, viewer)
	if err != nil {
		return nil, fmt.Errorf("list direct conversations: %w", err)
	}
	groups, err := d.store.ListGroups(ctx, viewer)
	if err != nil {
		return nil, fmt.Errorf("list group conversations: %w", err)
	}

	all := make([]Conversation, 0, len(direct)+len(groups))
	all = append(all, direct...)
	all = append(all, groups...)
	sortConversations(all)

	d.mu.Lock()
	d.viewer = viewer
	d.entries = make(map[string]Conversation, len(all))
	for _, c := range all {
		d.entries[c.ID] = c.clone()
	}
	d.mu.Unlock()

	d.persist(viewer, all)
	d.notify()
	return cloneAll(all), nil
}

// StartDirectConversation returns the direct conversation between viewer and
// peer, creating it only when none exists. The pairing is symmetric.
func (d *Directory) StartDirectConversation(ctx context.Context, viewer, peer string) (Conversation, error) {
	if err := requireViewer(viewer); err != nil {
		return Conversation{}, err
	}
	peer = strings.TrimSpace(peer)
	if peer == "" {
		return Conversation{}, fmt.Errorf("%w: empty peer id", ErrInvalidArgument)
	}
	if peer == viewer {
		return Conversation{}, fmt.Errorf("%w: cannot start a conversation with yourself", ErrInvalidArgument)
	}

	conv, err := d.store.FindDirect(ctx, viewer, peer)
	switch {
	case err == nil:
		d.upsert(conv)
		return conv, nil
	case !errors.Is(err, ErrNotFound):
		return Conversation{}, err
	}

	conv, err = d.store.CreateDirect(ctx, viewer, peer)
	if errors.Is(err, ErrConflict) {
		// Lost a race with the peer creating the same pair.
		d.log.Debug("direct conversation already exists, looking it up",
			zap.String("viewer", viewer), zap.String("peer", peer))
		conv, err = d.store.FindDirect(ctx, viewer, peer)
	}
	if err != nil {
		return Conversation{}, err
	}
	d.upsert(conv)
	return conv, nil
}

// CreateGroupConversation creates a named group. creator is made an admin;
// every other distinct member id joins as a regular member.
func (d *Directory) CreateGroupConversation(ctx context.Context, name, creator string, memberIDs []string) (Conversation, error) {
	if err := requireViewer(creator); err != nil {
		return Conversation{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Conversation{}, fmt.Errorf("%w: group name is required", ErrInvalidArgument)
	}

	members := []Member{{UserID: creator, Role: RoleAdmin}}
	for _, id := range normalize.IDs(memberIDs) {
		if id != creator {
			members = append(members, Member{UserID: id, Role: RoleMember})
		}
	}

	conv, err := d.store.CreateGroup(ctx, name, members)
	if err != nil {
		return Conversation{}, err
	}
	d.upsert(conv)
	return conv, nil
}

// Members returns the membership of conversation id as stored by the
// backend. Roles only carry meaning for groups.
func (d *Directory) Members(ctx context.Context, viewer, id string) ([]Member, error) {
	if err := requireViewer(viewer); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("%w: empty conversation id", ErrInvalidArgument)
	}
	return d.store.Members(ctx, viewer, id)
}

// SetArchived sets the archived flag and returns the updated entry.
func (d *Directory) SetArchived(ctx context.Context, viewer, id string, archived bool) (Conversation, error) {
	return d.updateFlags(ctx, viewer, id, FlagPatch{Archived: &archived})
}

// SetMuted sets the muted flag and returns the updated entry.
func (d *Directory) SetMuted(ctx context.Context, viewer, id string, muted bool) (Conversation, error) {
	return d.updateFlags(ctx, viewer, id, FlagPatch{Muted: &muted})
}

func (d *Directory) updateFlags(ctx context.Context, viewer, id string, patch FlagPatch) (Conversation, error) {
	if err := requireViewer(viewer); err != nil {
		return Conversation{}, err
	}
	if id == "" {
		return Conversation{}, fmt.Errorf("%w: empty conversation id", ErrInvalidArgument)
	}
	conv, err := d.store.UpdateFlags(ctx, viewer, id, patch)
	if err != nil {
		return Conversation{}, err
	}
	d.upsert(conv)
	return conv, nil
}

// Delete removes the conversation for viewer. Deleting an id that is already
// gone succeeds.
func (d *Directory) Delete(ctx context.Context, viewer, id string) error {
	if err := requireViewer(viewer); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("%w: empty conversation id", ErrInvalidArgument)
	}
	if err := d.store.DeleteConversation(ctx, viewer, id); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	d.mu.Lock()
	delete(d.entries, id)
	d.mu.Unlock()

	if d.cache != nil {
		if err := d.cache.Forget(id); err != nil {
			d.log.Warn("forget cached conversation failed", zap.String("conversation", id), zap.Error(err))
		}
	}
	d.persist(viewer, d.Snapshot())
	d.notify()
	return nil
}

// Snapshot returns the current list in directory order.
func (d *Directory) Snapshot() []Conversation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sortedLocked()
}

// Get returns the snapshot entry for id.
func (d *Directory) Get(id string) (Conversation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.entries[id]
	if !ok {
		return Conversation{}, false
	}
	return c.clone(), true
}

// UnreadCount returns the snapshot unread counter for id.
func (d *Directory) UnreadCount(id string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.entries[id].UnreadCount
}

// Restore seeds an empty snapshot from the local cache so a cold start can
// render before the first ListConversations returns.
func (d *Directory) Restore(viewer string) ([]Conversation, error) {
	if d.cache == nil {
		return d.Snapshot(), nil
	}
	convs, err := d.cache.LoadConversations(viewer)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	if len(d.entries) > 0 {
		out := d.sortedLocked()
		d.mu.Unlock()
		return out, nil
	}
	d.viewer = viewer
	for _, c := range convs {
		d.entries[c.ID] = c.clone()
	}
	out := d.sortedLocked()
	d.mu.Unlock()

	d.notify()
	return out, nil
}

// OnChange registers fn to receive the sorted list after every change. The
// returned func unregisters it.
func (d *Directory) OnChange(fn func([]Conversation)) (cancel func()) {
	d.mu.Lock()
	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.observers, id)
		d.mu.Unlock()
	}
}

// upsert merges a backend-confirmed entry into the snapshot.
func (d *Directory) upsert(conv Conversation) {
	d.mu.Lock()
	d.entries[conv.ID] = conv.clone()
	viewer := d.viewer
	all := d.sortedLocked()
	d.mu.Unlock()

	d.persist(viewer, all)
	d.notify()
}

// applyMessage folds msg into its entry: preview, last activity and unread
// count change together.
func (d *Directory) applyMessage(msg Message, unreadDelta int) {
	d.mu.Lock()
	c, ok := d.entries[msg.ConversationID]
	if !ok {
		d.mu.Unlock()
		return
	}
	if !msg.CreatedAt.Before(c.LastActivity) {
		c.LastActivity = msg.CreatedAt
		c.Preview = msg.Body
	}
	c.UnreadCount = max(c.UnreadCount+unreadDelta, 0)
	d.entries[c.ID] = c
	d.mu.Unlock()

	d.notify()
}

func (d *Directory) setUnread(id string, n int) {
	d.mu.Lock()
	c, ok := d.entries[id]
	if !ok || c.UnreadCount == n {
		d.mu.Unlock()
		return
	}
	c.UnreadCount = n
	d.entries[id] = c
	d.mu.Unlock()

	d.notify()
}

func (d *Directory) sortedLocked() []Conversation {
	out := make([]Conversation, 0, len(d.entries))
	for _, c := range d.entries {
		out = append(out, c.clone())
	}
	sortConversations(out)
	return out
}

func (d *Directory) notify() {
	d.mu.RLock()
	if len(d.observers) == 0 {
		d.mu.RUnlock()
		return
	}
	fns := make([]func([]Conversation), 0, len(d.observers))
	for _, fn := range d.observers {
		fns = append(fns, fn)
	}
	list := d.sortedLocked()
	d.mu.RUnlock()

	for _, fn := range fns {
		fn(cloneAll(list))
	}
}

func (d *Directory) persist(viewer string, convs []Conversation) {
	if d.cache == nil || viewer == "" {
		return
	}
	if err := d.cache.SaveConversations(viewer, convs); err != nil {
		d.log.Warn("save conversation snapshot failed", zap.String("viewer", viewer), zap.Error(err))
	}
}

func cloneAll(convs []Conversation) []Conversation {
	out := make([]Conversation, len(convs))
	for i, c := range convs {
		out[i] = c.clone()
	}
	return out
}
