package chat

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Timeline is the message log of the open conversation, newest first. It
// owns the listener handle for that conversation until Close.
type Timeline struct {
	c      *Client
	viewer string
	conv   Conversation

	mu        sync.Mutex
	msgs      []Message
	handle    *Handle
	closed    bool
	exhausted bool
}

func newTimeline(c *Client, viewer string, conv Conversation) *Timeline {
	return &Timeline{c: c, viewer: viewer, conv: conv}
}

func (t *Timeline) setHandle(h *Handle) {
	t.mu.Lock()
	t.handle = h
	t.mu.Unlock()
}

// mergeFirstPage folds the newest page into whatever arrived live while it
// was loading.
func (t *Timeline) mergeFirstPage(page []Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range page {
		m.Status = StatusSent
		t.reconcileLocked(m)
	}
	t.exhausted = len(page) < t.c.pageSize
}

// abandon drops a timeline that never finished opening. Nothing is cached.
func (t *Timeline) abandon() {
	t.mu.Lock()
	t.closed = true
	h := t.handle
	t.handle = nil
	t.msgs = nil
	t.mu.Unlock()
	if err := h.Release(); err != nil {
		t.c.log.Warn("release listener failed", zap.String("conversation", t.conv.ID), zap.Error(err))
	}
}

// Target returns the address of the open conversation.
func (t *Timeline) Target() Target { return t.conv.Target() }

// Conversation returns the directory entry for the open conversation,
// falling back to the metadata loaded on open.
func (t *Timeline) Conversation() Conversation {
	if c, ok := t.c.dir.Get(t.conv.ID); ok {
		return c
	}
	return t.conv.clone()
}

// Messages returns a copy of the timeline, newest first.
func (t *Timeline) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.msgs)
}

// UnreadCount counts loaded messages from other senders that are still unread.
func (t *Timeline) UnreadCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, m := range t.msgs {
		if m.unreadFor(t.viewer) {
			n++
		}
	}
	return n
}

// Send appends body as the viewer's newest message. The entry is visible as
// pending immediately; once the backend confirms it, it collapses with the
// confirmed row into a single sent entry. A failed insert leaves the entry in
// the failed state and returns the error.
func (t *Timeline) Send(ctx context.Context, body string) (Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return Message{}, fmt.Errorf("%w: empty message body", ErrInvalidArgument)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return Message{}, ErrClosed
	}
	if t.c.limiter != nil && !t.c.limiter.Allow(t.Target().String()) {
		t.mu.Unlock()
		return Message{}, fmt.Errorf("%w: too many messages to %s", ErrRateLimited, t.conv.ID)
	}
	created := t.c.now()
	if len(t.msgs) > 0 && created.Before(t.msgs[0].CreatedAt) {
		created = t.msgs[0].CreatedAt
	}
	pending := Message{
		ClientKey:      uuid.NewString(),
		ConversationID: t.conv.ID,
		Kind:           t.conv.Kind,
		SenderID:       t.viewer,
		Body:           body,
		CreatedAt:      created,
		Status:         StatusPending,
	}
	t.msgs = slices.Insert(t.msgs, 0, pending)
	t.mu.Unlock()

	return t.deliver(ctx, pending)
}

// Retry re-sends a failed entry. The backend deduplicates by client key, so
// a retry of a send that did land yields the existing row.
func (t *Timeline) Retry(ctx context.Context, clientKey string) (Message, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return Message{}, ErrClosed
	}
	i := t.indexLocked(clientKey)
	if i < 0 {
		t.mu.Unlock()
		return Message{}, fmt.Errorf("%w: no message with client key %s", ErrNotFound, clientKey)
	}
	if t.msgs[i].Status != StatusFailed {
		t.mu.Unlock()
		return Message{}, fmt.Errorf("%w: message %s is %s, not failed", ErrInvalidArgument, clientKey, t.msgs[i].Status)
	}
	t.msgs[i].Status = StatusPending
	t.msgs[i].FailReason = ""
	pending := t.msgs[i]
	t.mu.Unlock()

	return t.deliver(ctx, pending)
}

// Discard drops a failed entry from the timeline.
func (t *Timeline) Discard(clientKey string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexLocked(clientKey)
	if i < 0 {
		return fmt.Errorf("%w: no message with client key %s", ErrNotFound, clientKey)
	}
	if t.msgs[i].Status != StatusFailed {
		return fmt.Errorf("%w: only failed messages can be discarded", ErrInvalidArgument)
	}
	t.msgs = slices.Delete(t.msgs, i, i+1)
	return nil
}

// LoadOlder fetches the page before the oldest confirmed message and returns
// the messages that were not already loaded. It returns nil once the start
// of the conversation has been reached.
func (t *Timeline) LoadOlder(ctx context.Context) ([]Message, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if t.exhausted {
		t.mu.Unlock()
		return nil, nil
	}
	var (
		before Cursor
		oldest *Message
	)
	for i := range t.msgs {
		if t.msgs[i].Status == StatusSent && (oldest == nil || Older(t.msgs[i], *oldest)) {
			oldest = &t.msgs[i]
		}
	}
	if oldest != nil {
		before = CursorAt(*oldest)
	}
	t.mu.Unlock()

	page, err := t.c.backend.ListMessages(ctx, t.Target(), t.viewer, before, t.c.pageSize)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	var added []Message
	for _, m := range page {
		m.Status = StatusSent
		if t.containsLocked(m) {
			continue
		}
		t.reconcileLocked(m)
		added = append(added, m)
	}
	if len(page) < t.c.pageSize {
		t.exhausted = true
	}
	return added, nil
}

// Close releases the subscription handle, persists the loaded page to the
// local cache and clears the timeline. Closing twice is a no-op.
func (t *Timeline) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	h := t.handle
	t.handle = nil
	msgs := t.msgs
	t.msgs = nil
	t.mu.Unlock()

	err := h.Release()
	t.c.timelineClosed(t)

	if t.c.cache != nil {
		keep := make([]Message, 0, min(len(msgs), t.c.pageSize))
		for _, m := range msgs {
			if m.Status == StatusSent && len(keep) < t.c.pageSize {
				keep = append(keep, m)
			}
		}
		if cerr := t.c.cache.SaveMessages(t.conv.ID, keep); cerr != nil {
			t.c.log.Warn("save timeline to cache failed", zap.String("conversation", t.conv.ID), zap.Error(cerr))
		}
	}
	return err
}

func (t *Timeline) deliver(ctx context.Context, pending Message) (Message, error) {
	confirmed, err := t.c.backend.InsertMessage(ctx, pending)
	if err != nil {
		t.mu.Lock()
		failed := pending
		if i := t.indexLocked(pending.ClientKey); i >= 0 && t.msgs[i].Status == StatusPending {
			t.msgs[i].Status = StatusFailed
			t.msgs[i].FailReason = err.Error()
			failed = t.msgs[i]
		}
		t.mu.Unlock()
		t.c.metrics.SendFailed()
		t.c.log.Warn("send failed",
			zap.String("conversation", t.conv.ID), zap.String("client_key", pending.ClientKey), zap.Error(err))
		return failed, err
	}

	confirmed.Status = StatusSent
	confirmed.FailReason = ""
	t.mu.Lock()
	if !t.closed {
		confirmed = t.reconcileLocked(confirmed)
	}
	t.mu.Unlock()

	t.c.dir.applyMessage(confirmed, 0)
	t.c.metrics.MessageSent()
	return confirmed, nil
}

// onInbound applies a live insert event for the open conversation.
func (t *Timeline) onInbound(msg Message) {
	t.mu.Lock()
	if t.closed || msg.ConversationID != t.conv.ID {
		t.mu.Unlock()
		t.c.metrics.StaleDropped()
		return
	}
	known := t.containsLocked(msg)
	msg.Status = StatusSent
	msg = t.reconcileLocked(msg)
	t.mu.Unlock()

	delta := 0
	if !known && msg.unreadFor(t.viewer) {
		delta = 1
	}
	t.c.dir.applyMessage(msg, delta)
	t.c.metrics.InboundApplied()

	if msg.SenderID != t.viewer {
		ctx, cancel := context.WithTimeout(context.Background(), t.c.markTimeout)
		defer cancel()
		t.markRead(ctx)
	}
}

// markRead marks the open conversation read for the viewer and mirrors the
// flag onto the loaded messages.
func (t *Timeline) markRead(ctx context.Context) {
	if _, err := t.c.tracker.MarkConversationRead(ctx, t.Target(), t.viewer); err != nil {
		t.c.log.Warn("mark conversation read failed", zap.String("conversation", t.conv.ID), zap.Error(err))
		return
	}
	t.mu.Lock()
	for i := range t.msgs {
		if t.msgs[i].SenderID != t.viewer {
			t.msgs[i].Read = true
		}
	}
	t.mu.Unlock()
}

func (t *Timeline) indexLocked(clientKey string) int {
	if clientKey == "" {
		return -1
	}
	return slices.IndexFunc(t.msgs, func(m Message) bool { return m.ClientKey == clientKey })
}

func (t *Timeline) containsLocked(m Message) bool {
	return slices.ContainsFunc(t.msgs, m.sameAs)
}

// reconcileLocked collapses every entry that is a copy of m into a single
// entry placed by creation time then id, and returns that entry.
func (t *Timeline) reconcileLocked(m Message) Message {
	kept := t.msgs[:0]
	for _, old := range t.msgs {
		if !m.sameAs(old) {
			kept = append(kept, old)
			continue
		}
		if m.ID == "" {
			m.ID = old.ID
		}
		if m.ClientKey == "" {
			m.ClientKey = old.ClientKey
		}
		if m.Sender == nil {
			m.Sender = old.Sender
		}
		m.Read = m.Read || old.Read
		if old.Status == StatusSent {
			m.Status = StatusSent
		}
	}
	t.msgs = kept

	i := slices.IndexFunc(t.msgs, func(x Message) bool { return Older(x, m) })
	if i < 0 {
		i = len(t.msgs)
	}
	t.msgs = slices.Insert(t.msgs, i, m)
	return m
}
