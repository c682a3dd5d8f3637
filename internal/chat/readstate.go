package chat

import (
	"context"

	"go.uber.org/zap"

	"github.com/PaulBabatuyi/medlink-chat/internal/metrics"
)

// Tracker persists read state and keeps the directory's unread counters in
// step with it.
type Tracker struct {
	store   MessageStore
	dir     *Directory
	metrics *metrics.Sync
	log     *zap.Logger
}

// MarkConversationRead flips every message in target not sent by viewer to
// read and resets the conversation's unread counter. Calling it again is a
// no-op that returns 0.
func (t *Tracker) MarkConversationRead(ctx context.Context, target Target, viewer string) (int, error) {
	if err := requireViewer(viewer); err != nil {
		return 0, err
	}
	if err := target.Validate(); err != nil {
		return 0, err
	}
	n, err := t.store.MarkRead(ctx, target, viewer)
	if err != nil {
		return 0, err
	}
	t.dir.setUnread(target.ID, 0)
	t.metrics.ReadsMarked(n)
	if n > 0 {
		t.log.Debug("marked conversation read",
			zap.Stringer("target", target), zap.String("viewer", viewer), zap.Int("messages", n))
	}
	return n, nil
}

// UnreadCount returns the directory's counter for the conversation id.
func (t *Tracker) UnreadCount(id string) int {
	return t.dir.UnreadCount(id)
}
