package realtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/medlink-chat/internal/chat"
	"github.com/PaulBabatuyi/medlink-chat/internal/fanout"
)

const handshakeTimeout = 10 * time.Second

// Client is a websocket connection to a relay. It implements chat.Feed: the
// first local subscriber of a conversation subscribes upstream and the last
// one to close unsubscribes.
type Client struct {
	conn *websocket.Conn
	log  *zap.Logger
	hub  *fanout.Hub[chat.Message]

	writeMu sync.Mutex

	mu      sync.Mutex
	seq     uint64
	pending map[uint64]chan Frame
	refs    map[chat.Target]int
	err     error
	done    chan struct{}
}

// Dial connects to the relay at url ("ws://host/ws") with token as the
// bearer credential.
func Dial(ctx context.Context, url, token string, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: relay rejected token", chat.ErrUnauthenticated)
		}
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: relay connect", chat.ErrRateLimited)
		}
		return nil, chat.Transient(fmt.Errorf("dial relay: %w", err))
	}

	c := &Client{
		conn:    conn,
		log:     log,
		hub:     fanout.NewHub[chat.Message](),
		pending: make(map[uint64]chan Frame),
		refs:    make(map[chat.Target]int),
		done:    make(chan struct{}),
	}
	conn.SetPingHandler(func(data string) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})
	go c.readLoop()
	return c, nil
}

// Subscribe implements chat.Feed. deliver runs on the connection's read
// goroutine and must not call back into the client.
func (c *Client) Subscribe(ctx context.Context, target chat.Target, deliver func(chat.Message)) (chat.Subscription, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	topic := target.String()
	id := c.hub.Register(topic, fanout.SenderFunc[chat.Message](func(m chat.Message) error {
		deliver(m)
		return nil
	}))

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		c.hub.Unregister(topic, id)
		return nil, err
	}
	c.refs[target]++
	first := c.refs[target] == 1
	c.mu.Unlock()

	sub := &clientSub{c: c, target: target, id: id}
	if first {
		if _, err := c.request(ctx, Frame{Type: FrameSubscribe, Target: &target}); err != nil {
			sub.release()
			return nil, err
		}
	}
	return sub, nil
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, or nil while it is up.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends a close frame and waits for the read loop to finish.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
	c.writeMu.Unlock()

	select {
	case <-c.done:
	case <-time.After(writeTimeout):
	}
	return c.conn.Close()
}

func (c *Client) request(ctx context.Context, f Frame) (Frame, error) {
	ch := make(chan Frame, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return Frame{}, err
	}
	c.seq++
	f.Seq = c.seq
	c.pending[f.Seq] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, f.Seq)
		c.mu.Unlock()
	}()

	if err := c.write(f); err != nil {
		return Frame{}, chat.Transient(fmt.Errorf("send %s: %w", f.Type, err))
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return Frame{}, c.Err()
		}
		if reply.Type == FrameError {
			return reply, frameError(reply)
		}
		return reply, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (c *Client) write(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(f)
}

func (c *Client) readLoop() {
	var err error
	for {
		var f Frame
		if err = c.conn.ReadJSON(&f); err != nil {
			break
		}
		switch f.Type {
		case FrameInsert:
			if f.Target == nil || f.Message == nil {
				continue
			}
			// Nobody may be left if the last subscriber just closed.
			_ = c.hub.Publish(f.Target.String(), *f.Message)
		case FrameAck, FrameError:
			c.mu.Lock()
			ch, ok := c.pending[f.Seq]
			c.mu.Unlock()
			if ok {
				ch <- f
			} else if f.Type == FrameError {
				c.log.Warn("relay error", zap.String("code", f.Code), zap.String("error", f.Error))
			}
		default:
			c.log.Debug("ignoring unknown frame", zap.String("type", string(f.Type)))
		}
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, net.ErrClosed) {
		err = errConnClosed
	} else {
		c.log.Warn("relay connection lost", zap.Error(err))
		err = chat.Transient(fmt.Errorf("relay connection: %w", err))
	}

	c.mu.Lock()
	c.err = err
	for seq, ch := range c.pending {
		close(ch)
		delete(c.pending, seq)
	}
	c.mu.Unlock()
	close(c.done)
}

type clientSub struct {
	c      *Client
	target chat.Target
	id     int64
	once   sync.Once
}

// Close unregisters the local subscriber; the last one for a conversation
// also unsubscribes upstream.
func (s *clientSub) Close() error {
	var err error
	s.once.Do(func() {
		if s.release() {
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()
			_, err = s.c.request(ctx, Frame{Type: FrameUnsubscribe, Target: &s.target})
			if errors.Is(err, errConnClosed) {
				err = nil
			}
		}
	})
	return err
}

// release drops the local registration and reports whether it was the last
// one for the target.
func (s *clientSub) release() bool {
	s.c.hub.Unregister(s.target.String(), s.id)
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.refs[s.target]--
	if s.c.refs[s.target] > 0 {
		return false
	}
	delete(s.c.refs, s.target)
	return true
}
