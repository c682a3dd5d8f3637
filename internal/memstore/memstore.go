// Package memstore is an in-memory chat.Backend. It behaves like the hosted
// backend as far as the sync core can tell: visibility is scoped to
// participants, inserts bump the conversation's last activity, client keys
// are deduplicated and inserts are published to live subscribers.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PaulBabatuyi/medlink-chat/internal/chat"
	"github.com/PaulBabatuyi/medlink-chat/internal/fanout"
	"github.com/PaulBabatuyi/medlink-chat/internal/normalize"
)

// Operation names accepted by FailNext.
const (
	OpListDirect         = "ListDirect"
	OpListGroups         = "ListGroups"
	OpGetConversation    = "GetConversation"
	OpFindDirect         = "FindDirect"
	OpCreateDirect       = "CreateDirect"
	OpCreateGroup        = "CreateGroup"
	OpMembers            = "Members"
	OpUpdateFlags        = "UpdateFlags"
	OpDeleteConversation = "DeleteConversation"
	OpListMessages       = "ListMessages"
	OpInsertMessage      = "InsertMessage"
	OpMarkRead           = "MarkRead"
	OpProfile            = "Profile"
	OpSubscribe          = "Subscribe"
)

type conversation struct {
	id           string
	kind         chat.Kind
	name         string
	pairKey      string
	members      map[string]chat.Role
	archived     bool
	muted        bool
	lastActivity time.Time
	preview      string
	messages     []chat.Message // oldest first
}

// Store is safe for concurrent use.
type Store struct {
	mu          sync.Mutex
	now         func() time.Time
	resolution  time.Duration
	last        time.Time
	convs       map[string]*conversation
	pairs       map[string]string
	byClientKey map[string]chat.Message
	profiles    map[string]chat.Profile
	failures    map[string][]error
	counts      map[string]int

	hub *fanout.Hub[chat.Message]
}

var _ chat.Backend = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		now:         time.Now,
		convs:       make(map[string]*conversation),
		pairs:       make(map[string]string),
		byClientKey: make(map[string]chat.Message),
		profiles:    make(map[string]chat.Profile),
		failures:    make(map[string][]error),
		counts:      make(map[string]int),
		hub:         fanout.NewHub[chat.Message](),
	}
}

// SetClock replaces the time source used for creation timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// SetResolution truncates creation timestamps to d. Inserts within the same
// tick then share a timestamp, as concurrent writers can on the hosted
// backend. Zero restores strictly increasing timestamps.
func (s *Store) SetResolution(d time.Duration) {
	s.mu.Lock()
	s.resolution = d
	s.mu.Unlock()
}

// FailNext makes the next call of op return err. Calls queue up.
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	s.failures[op] = append(s.failures[op], err)
	s.mu.Unlock()
}

// Calls returns how many times op has been invoked.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[op]
}

// PutProfile stores or replaces a user profile.
func (s *Store) PutProfile(p chat.Profile) {
	s.mu.Lock()
	s.profiles[p.UserID] = p
	s.mu.Unlock()
}

// Subscribers returns the number of live subscriptions on target.
func (s *Store) Subscribers(target chat.Target) int {
	return s.hub.Subscribers(target.String())
}

// enter counts the call and pops an injected failure. s.mu must be held.
func (s *Store) enter(op string) error {
	s.counts[op]++
	q := s.failures[op]
	if len(q) == 0 {
		return nil
	}
	s.failures[op] = q[1:]
	return q[0]
}

// nextTime returns a creation timestamp strictly after the previous one, or
// not before it when a resolution is set.
func (s *Store) nextTime() time.Time {
	t := s.now().UTC()
	if s.resolution > 0 {
		t = t.Truncate(s.resolution)
		if t.Before(s.last) {
			t = s.last
		}
		s.last = t
		return t
	}
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

func (s *Store) visible(viewer, id string) (*conversation, error) {
	c, ok := s.convs[id]
	if !ok {
		return nil, fmt.Errorf("%w: conversation %s", chat.ErrNotFound, id)
	}
	if _, member := c.members[viewer]; !member {
		return nil, fmt.Errorf("%w: conversation %s", chat.ErrNotFound, id)
	}
	return c, nil
}

func (s *Store) view(c *conversation, viewer string) chat.Conversation {
	out := chat.Conversation{
		ID:           c.id,
		Kind:         c.kind,
		Archived:     c.archived,
		Muted:        c.muted,
		LastActivity: c.lastActivity,
		Preview:      c.preview,
	}
	for id := range c.members {
		out.Participants = append(out.Participants, id)
		if c.kind == chat.KindDirect && id != viewer {
			out.PeerID = id
		}
	}
	slices.Sort(out.Participants)
	if c.kind == chat.KindGroup {
		out.Name = c.name
	}
	for _, m := range c.messages {
		if m.SenderID != viewer && !m.Read {
			out.UnreadCount++
		}
	}
	return out
}

func (s *Store) list(viewer string, kind chat.Kind) []chat.Conversation {
	var out []chat.Conversation
	for _, c := range s.convs {
		if c.kind != kind {
			continue
		}
		if _, ok := c.members[viewer]; ok {
			out = append(out, s.view(c, viewer))
		}
	}
	slices.SortFunc(out, func(a, b chat.Conversation) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (s *Store) ListDirect(_ context.Context, viewer string) ([]chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpListDirect); err != nil {
		return nil, err
	}
	return s.list(viewer, chat.KindDirect), nil
}

func (s *Store) ListGroups(_ context.Context, viewer string) ([]chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpListGroups); err != nil {
		return nil, err
	}
	return s.list(viewer, chat.KindGroup), nil
}

func (s *Store) GetConversation(_ context.Context, viewer, id string) (chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpGetConversation); err != nil {
		return chat.Conversation{}, err
	}
	c, err := s.visible(viewer, id)
	if err != nil {
		return chat.Conversation{}, err
	}
	return s.view(c, viewer), nil
}

func (s *Store) FindDirect(_ context.Context, viewer, peer string) (chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpFindDirect); err != nil {
		return chat.Conversation{}, err
	}
	id, ok := s.pairs[normalize.PairKey(viewer, peer)]
	if !ok {
		return chat.Conversation{}, fmt.Errorf("%w: no direct conversation between %s and %s", chat.ErrNotFound, viewer, peer)
	}
	return s.view(s.convs[id], viewer), nil
}

func (s *Store) CreateDirect(_ context.Context, viewer, peer string) (chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpCreateDirect); err != nil {
		return chat.Conversation{}, err
	}
	key := normalize.PairKey(viewer, peer)
	if _, ok := s.pairs[key]; ok {
		return chat.Conversation{}, fmt.Errorf("%w: direct conversation %s", chat.ErrConflict, key)
	}
	c := &conversation{
		id:           uuid.NewString(),
		kind:         chat.KindDirect,
		pairKey:      key,
		members:      map[string]chat.Role{viewer: chat.RoleMember, peer: chat.RoleMember},
		lastActivity: s.nextTime(),
	}
	s.convs[c.id] = c
	s.pairs[key] = c.id
	return s.view(c, viewer), nil
}

func (s *Store) CreateGroup(_ context.Context, name string, members []chat.Member) (chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpCreateGroup); err != nil {
		return chat.Conversation{}, err
	}
	if len(members) == 0 {
		return chat.Conversation{}, fmt.Errorf("%w: group needs at least one member", chat.ErrInvalidArgument)
	}
	c := &conversation{
		id:           uuid.NewString(),
		kind:         chat.KindGroup,
		name:         name,
		members:      make(map[string]chat.Role, len(members)),
		lastActivity: s.nextTime(),
	}
	for _, m := range members {
		c.members[m.UserID] = m.Role
	}
	s.convs[c.id] = c
	return s.view(c, members[0].UserID), nil
}

// Members returns the membership of a conversation, sorted by user id.
func (s *Store) Members(_ context.Context, viewer, id string) ([]chat.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpMembers); err != nil {
		return nil, err
	}
	c, err := s.visible(viewer, id)
	if err != nil {
		return nil, err
	}
	out := make([]chat.Member, 0, len(c.members))
	for uid, role := range c.members {
		out = append(out, chat.Member{UserID: uid, Role: role})
	}
	slices.SortFunc(out, func(a, b chat.Member) int { return cmp.Compare(a.UserID, b.UserID) })
	return out, nil
}

func (s *Store) UpdateFlags(_ context.Context, viewer, id string, patch chat.FlagPatch) (chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpUpdateFlags); err != nil {
		return chat.Conversation{}, err
	}
	c, err := s.visible(viewer, id)
	if err != nil {
		return chat.Conversation{}, err
	}
	if patch.Archived != nil {
		c.archived = *patch.Archived
	}
	if patch.Muted != nil {
		c.muted = *patch.Muted
	}
	return s.view(c, viewer), nil
}

func (s *Store) DeleteConversation(_ context.Context, viewer, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpDeleteConversation); err != nil {
		return err
	}
	c, err := s.visible(viewer, id)
	if err != nil {
		return err
	}
	for _, m := range c.messages {
		delete(s.byClientKey, clientKeyOf(c.id, m.SenderID, m.ClientKey))
	}
	if c.pairKey != "" {
		delete(s.pairs, c.pairKey)
	}
	delete(s.convs, id)
	return nil
}

func (s *Store) ListMessages(_ context.Context, target chat.Target, viewer string, before chat.Cursor, limit int) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpListMessages); err != nil {
		return nil, err
	}
	c, err := s.target(target, viewer)
	if err != nil {
		return nil, err
	}
	ordered := slices.Clone(c.messages)
	slices.SortFunc(ordered, func(a, b chat.Message) int {
		switch {
		case chat.Older(b, a):
			return -1
		case chat.Older(a, b):
			return 1
		}
		return 0
	})
	var out []chat.Message
	for _, m := range ordered {
		if !before.Includes(m) {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) target(target chat.Target, viewer string) (*conversation, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	c, err := s.visible(viewer, target.ID)
	if err != nil {
		return nil, err
	}
	if c.kind != target.Kind {
		return nil, fmt.Errorf("%w: %s", chat.ErrNotFound, target)
	}
	return c, nil
}

// clientKeyOf scopes a client key to the conversation and sender that
// generated it.
func clientKeyOf(conversationID, sender, key string) string {
	return conversationID + "|" + sender + "|" + key
}

// InsertMessage stores msg with a server id and timestamp and publishes it
// to subscribers of its conversation after the store lock is released.
func (s *Store) InsertMessage(_ context.Context, msg chat.Message) (chat.Message, error) {
	s.mu.Lock()
	if err := s.enter(OpInsertMessage); err != nil {
		s.mu.Unlock()
		return chat.Message{}, err
	}
	c, err := s.target(msg.Target(), msg.SenderID)
	if err != nil {
		s.mu.Unlock()
		return chat.Message{}, err
	}
	if msg.ClientKey != "" {
		if existing, ok := s.byClientKey[clientKeyOf(c.id, msg.SenderID, msg.ClientKey)]; ok {
			s.mu.Unlock()
			return existing, nil
		}
	}
	if msg.Body == "" {
		s.mu.Unlock()
		return chat.Message{}, fmt.Errorf("%w: empty body", chat.ErrInvalidArgument)
	}

	row := chat.Message{
		ID:             uuid.NewString(),
		ClientKey:      msg.ClientKey,
		ConversationID: c.id,
		Kind:           c.kind,
		SenderID:       msg.SenderID,
		Body:           msg.Body,
		CreatedAt:      s.nextTime(),
	}
	c.messages = append(c.messages, row)
	c.lastActivity = row.CreatedAt
	c.preview = row.Body
	if row.ClientKey != "" {
		s.byClientKey[clientKeyOf(c.id, row.SenderID, row.ClientKey)] = row
	}
	s.mu.Unlock()

	// No subscribers is not an error for the writer.
	_ = s.hub.Publish(row.Target().String(), row)
	return row, nil
}

func (s *Store) MarkRead(_ context.Context, target chat.Target, viewer string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpMarkRead); err != nil {
		return 0, err
	}
	c, err := s.target(target, viewer)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range c.messages {
		m := &c.messages[i]
		if m.SenderID != viewer && !m.Read {
			m.Read = true
			n++
			if m.ClientKey != "" {
				s.byClientKey[clientKeyOf(c.id, m.SenderID, m.ClientKey)] = *m
			}
		}
	}
	return n, nil
}

func (s *Store) Profile(_ context.Context, userID string) (chat.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpProfile); err != nil {
		return chat.Profile{}, err
	}
	p, ok := s.profiles[userID]
	if !ok {
		return chat.Profile{}, fmt.Errorf("%w: profile %s", chat.ErrNotFound, userID)
	}
	return p, nil
}

type subscription struct {
	hub   *fanout.Hub[chat.Message]
	topic string
	id    int64
	once  sync.Once
}

func (s *subscription) Close() error {
	s.once.Do(func() { s.hub.Unregister(s.topic, s.id) })
	return nil
}

// Subscribe delivers inserts for target synchronously from InsertMessage.
func (s *Store) Subscribe(ctx context.Context, target chat.Target, deliver func(chat.Message)) (chat.Subscription, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	err := s.enter(OpSubscribe)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	topic := target.String()
	id := s.hub.Register(topic, fanout.SenderFunc[chat.Message](func(m chat.Message) error {
		deliver(m)
		return nil
	}))
	return &subscription{hub: s.hub, topic: topic, id: id}, nil
}

// Emit publishes msg on target's topic without storing it, the way a
// misrouted or late feed event would arrive.
func (s *Store) Emit(target chat.Target, msg chat.Message) {
	_ = s.hub.Publish(target.String(), msg)
}
