package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/medlink-chat/internal/auth"
	"github.com/PaulBabatuyi/medlink-chat/internal/chat"
	"github.com/PaulBabatuyi/medlink-chat/internal/metrics"
	"github.com/PaulBabatuyi/medlink-chat/internal/ratelimit"
)

const (
	readDeadline   = 90 * time.Second // two missed pings
	pingPeriod     = 30 * time.Second
	writeTimeout   = 10 * time.Second
	readLimit      = int64(4 << 10) // frames from clients are small
	requestTimeout = 10 * time.Second
)

// Server relays a chat.Feed to websocket clients. Each client authenticates
// with a bearer token and may only subscribe to conversations it can see.
type Server struct {
	feed     chat.Feed
	convs    chat.ConversationStore
	jwt      *auth.JWTManager
	limiter  *ratelimit.LimiterStore
	metrics  *metrics.Sync
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithConnectLimiter throttles websocket handshakes per remote host.
func WithConnectLimiter(l *ratelimit.LimiterStore) ServerOption {
	return func(s *Server) { s.limiter = l }
}

func WithServerMetrics(m *metrics.Sync) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// NewServer returns a relay for feed. convs answers visibility checks.
func NewServer(feed chat.Feed, convs chat.ConversationStore, jwt *auth.JWTManager, log *zap.Logger, opts ...ServerOption) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		feed:  feed,
		convs: convs,
		jwt:   jwt,
		log:   log,
		upgrader: websocket.Upgrader{
			// Clients are native apps and the CLI, not browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns the relay's HTTP routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	ws := r.Path("/ws").Subrouter()
	if s.limiter != nil {
		ws.Use(ratelimit.Middleware(s.limiter))
	}
	ws.Methods(http.MethodGet).HandlerFunc(s.ServeWS)
	return r
}

// ServeWS authenticates and upgrades the request, then serves frames until
// the client goes away.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if tok := r.URL.Query().Get("access_token"); tok != "" {
			header = "Bearer " + tok
		}
	}
	token, err := auth.BearerToken(header)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	claims, err := s.jwt.VerifyToken(token)
	if err != nil {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.String("viewer", claims.UserID), zap.Error(err))
		return
	}

	sess := &session{
		srv:    s,
		conn:   conn,
		viewer: claims.UserID,
		subs:   make(map[chat.Target]chat.Subscription),
		done:   make(chan struct{}),
	}
	s.log.Info("relay client connected", zap.String("viewer", sess.viewer), zap.String("remote", r.RemoteAddr))
	go sess.pingLoop()
	sess.readLoop(auth.WithClaims(r.Context(), claims))
}

// session is one websocket connection.
type session struct {
	srv    *Server
	conn   *websocket.Conn
	viewer string

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[chat.Target]chat.Subscription
	done chan struct{}
}

func (s *session) readLoop(ctx context.Context) {
	defer s.close()

	s.conn.SetReadLimit(readLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(readDeadline))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		var f Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.srv.log.Debug("relay read ended", zap.String("viewer", s.viewer), zap.Error(err))
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(readDeadline))

		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		var err error
		switch f.Type {
		case FrameSubscribe:
			err = s.subscribe(reqCtx, f.Target)
		case FrameUnsubscribe:
			err = s.unsubscribe(f.Target)
		default:
			err = fmt.Errorf("%w: unknown frame type %q", chat.ErrInvalidArgument, f.Type)
		}
		cancel()

		reply := Frame{Type: FrameAck, Seq: f.Seq, Target: f.Target}
		if err != nil {
			reply = errorFrame(f.Seq, err)
		}
		if werr := s.write(reply); werr != nil {
			return
		}
	}
}

func (s *session) subscribe(ctx context.Context, target *chat.Target) error {
	if target == nil {
		return fmt.Errorf("%w: missing target", chat.ErrInvalidArgument)
	}
	if err := target.Validate(); err != nil {
		return err
	}
	conv, err := s.srv.convs.GetConversation(ctx, s.viewer, target.ID)
	if err != nil {
		return err
	}
	if conv.Kind != target.Kind {
		return fmt.Errorf("%w: %s", chat.ErrNotFound, target)
	}

	s.mu.Lock()
	_, exists := s.subs[*target]
	s.mu.Unlock()
	if exists {
		return nil
	}

	t := *target
	sub, err := s.srv.feed.Subscribe(ctx, t, func(m chat.Message) {
		if err := s.write(Frame{Type: FrameInsert, Target: &t, Message: &m}); err != nil {
			s.srv.log.Debug("relay write failed", zap.String("viewer", s.viewer), zap.Error(err))
		}
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		_ = sub.Close()
		return errConnClosed
	default:
	}
	if _, raced := s.subs[t]; raced {
		s.mu.Unlock()
		_ = sub.Close()
		return nil
	}
	s.subs[t] = sub
	s.mu.Unlock()

	s.srv.metrics.SubscriptionOpened()
	s.srv.log.Debug("relay subscribed", zap.String("viewer", s.viewer), zap.Stringer("target", t))
	return nil
}

func (s *session) unsubscribe(target *chat.Target) error {
	if target == nil {
		return fmt.Errorf("%w: missing target", chat.ErrInvalidArgument)
	}
	s.mu.Lock()
	sub, ok := s.subs[*target]
	delete(s.subs, *target)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	s.srv.metrics.SubscriptionClosed()
	return sub.Close()
}

func (s *session) write(f Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(f)
}

func (s *session) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			s.writeMu.Unlock()
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) close() {
	s.mu.Lock()
	close(s.done)
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		s.srv.metrics.SubscriptionClosed()
		_ = sub.Close()
	}
	_ = s.conn.Close()
	s.srv.log.Info("relay client disconnected", zap.String("viewer", s.viewer))
}
