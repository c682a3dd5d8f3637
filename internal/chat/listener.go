package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/PaulBabatuyi/medlink-chat/internal/metrics"
)

// Listener binds at most one conversation to the live feed at a time.
//
// It is either detached or attached to a single target. Every attachment
// gets a generation number; deliveries carrying an old generation, or a
// conversation id other than the attached one, are dropped.
type Listener struct {
	feed           Feed
	profiles       ProfileStore
	hydrateTimeout time.Duration
	metrics        *metrics.Sync
	log            *zap.Logger

	mu     sync.Mutex
	gen    uint64
	sub    Subscription
	target Target
}

// Handle is the subscription handle of one attachment. It is owned by the
// timeline that requested it.
type Handle struct {
	l      *Listener
	gen    uint64
	target Target
}

// Target returns the conversation the handle is bound to.
func (h *Handle) Target() Target { return h.target }

// Release detaches the listener if h is still the current attachment. A
// handle that has been superseded by a newer Attach releases nothing.
func (h *Handle) Release() error {
	if h == nil {
		return nil
	}
	return h.l.detachGen(h.gen)
}

// Attach detaches any current binding, then subscribes to target. onMessage
// receives hydrated messages in feed order.
func (l *Listener) Attach(ctx context.Context, target Target, onMessage func(Message)) (*Handle, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if err := l.Detach(); err != nil {
		l.log.Warn("closing previous subscription failed", zap.Error(err))
	}

	l.mu.Lock()
	l.gen++
	gen := l.gen
	l.mu.Unlock()

	sub, err := l.feed.Subscribe(ctx, target, func(msg Message) {
		l.deliver(gen, target, msg, onMessage)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", target, err)
	}

	l.mu.Lock()
	if l.gen != gen {
		// A concurrent Attach or Detach ran while subscribing.
		l.mu.Unlock()
		_ = sub.Close()
		return nil, fmt.Errorf("%w: attachment to %s superseded", ErrClosed, target)
	}
	l.sub = sub
	l.target = target
	l.mu.Unlock()

	l.metrics.SubscriptionOpened()
	l.log.Debug("listener attached", zap.Stringer("target", target))
	return &Handle{l: l, gen: gen, target: target}, nil
}

// Detach releases the current binding. It is a no-op when detached.
func (l *Listener) Detach() error {
	l.mu.Lock()
	l.gen++
	sub := l.sub
	target := l.target
	l.sub = nil
	l.target = Target{}
	l.mu.Unlock()
	return l.closeSub(sub, target)
}

func (l *Listener) detachGen(gen uint64) error {
	l.mu.Lock()
	if l.gen != gen {
		l.mu.Unlock()
		return nil
	}
	l.gen++
	sub := l.sub
	target := l.target
	l.sub = nil
	l.target = Target{}
	l.mu.Unlock()
	return l.closeSub(sub, target)
}

func (l *Listener) closeSub(sub Subscription, target Target) error {
	if sub == nil {
		return nil
	}
	l.metrics.SubscriptionClosed()
	l.log.Debug("listener detached", zap.Stringer("target", target))
	return sub.Close()
}

// Attached reports the current target, if any.
func (l *Listener) Attached() (Target, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.target, l.sub != nil
}

func (l *Listener) current(gen uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gen == gen
}

func (l *Listener) deliver(gen uint64, target Target, msg Message, onMessage func(Message)) {
	if msg.ConversationID != target.ID || !l.current(gen) {
		l.metrics.StaleDropped()
		l.log.Debug("dropping stale event",
			zap.String("conversation", msg.ConversationID), zap.Stringer("attached", target))
		return
	}
	msg = l.hydrate(msg)
	// Hydration may take a while; the attachment can be gone by now.
	if !l.current(gen) {
		l.metrics.StaleDropped()
		return
	}
	onMessage(msg)
}

func (l *Listener) hydrate(msg Message) Message {
	if l.profiles == nil || msg.Sender != nil || msg.SenderID == "" {
		return msg
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.hydrateTimeout)
	defer cancel()
	p, err := l.profiles.Profile(ctx, msg.SenderID)
	if err != nil {
		l.log.Warn("sender lookup failed, delivering bare message",
			zap.String("sender", msg.SenderID), zap.Error(err))
		return msg
	}
	msg.Sender = &p
	return msg
}
