// Package signal is the websocket side of the relay: it maps protocol frames onto hub
// topics and hub events back onto frames.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/app/hub"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrConnClosed = errors.New("connection closed")

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	PongWait   time.Duration
	SendQueue  int
	Limiter    *RateLimiter
}

type SignalWSController struct {
	Hub  *hub.Hub
	opts Options
}

func NewSignalWSController(h *hub.Hub, opts Options) *SignalWSController {
	if opts.PongWait <= 0 {
		opts.PongWait = 30 * time.Second
	}
	if opts.PingPeriod <= 0 || opts.PingPeriod >= opts.PongWait {
		opts.PingPeriod = opts.PongWait * 9 / 10
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = 64
	}
	return &SignalWSController{Hub: h, opts: opts}
}

// WsSignalConn is the core.SignalConnection of one websocket.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return hub.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// session is one connected user and the topics it subscribed through this socket.
type session struct {
	user   domain.UserID
	conn   core.SignalConnection
	mu     sync.Mutex
	topics map[domain.ChannelKey]*topicSink
	logger zerolog.Logger
}

// topicSink is the hub.Sink of one (socket, topic) pair.
type topicSink struct {
	key  domain.ChannelKey
	sess *session
}

func (s *topicSink) Send(ev hub.Event) error {
	f := Frame{Topic: s.key.Topic()}
	switch ev.Kind {
	case hub.EventBroadcast:
		env := ev.Envelope
		f.Type, f.Envelope = FrameBroadcast, &env
	case hub.EventJoin:
		f.Type, f.User = FramePresenceJoin, ev.User
	case hub.EventLeave:
		f.Type, f.User = FramePresenceLeave, ev.User
	}
	data, err := Encode(f)
	if err != nil {
		return err
	}
	return s.sess.conn.TrySend(data)
}

// Kick drops the whole socket; the client reconnects if it still wants the channel.
func (s *topicSink) Kick() {
	s.sess.logger.Warn().Str("topic", s.key.Topic()).Msg("kicked")
	s.sess.conn.Close()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request. The participant id comes from the user query
// parameter, falling back to the client token cookie.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	raw := c.Query("user")
	if raw == "" {
		raw = c.GetString("client_token")
	}
	user, err := domain.ParseUserID(raw)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	logger := log.With().Str("module", "signal").Str("user", user.String()).Logger()
	logger.Info().Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error().Err(err).Msg("ws upgrade")
		return
	}
	if ctl.opts.ReadLimit > 0 {
		ws.SetReadLimit(ctl.opts.ReadLimit)
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.opts.SendQueue),
	}
	sess := &session{
		user:   user,
		conn:   conn,
		topics: make(map[domain.ChannelKey]*topicSink),
		logger: logger,
	}

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn, logger)
	go func() {
		defer cancel()
		ctl.readPump(ctx, sess, conn)
	}()
}

func (ctl *SignalWSController) subscribe(sess *session, key domain.ChannelKey) {
	sess.mu.Lock()
	sink, ok := sess.topics[key]
	if !ok {
		sink = &topicSink{key: key, sess: sess}
		sess.topics[key] = sink
	}
	sess.mu.Unlock()
	ctl.Hub.Subscribe(key, sess.user, sink)
}

func (ctl *SignalWSController) unsubscribe(sess *session, key domain.ChannelKey) {
	sess.mu.Lock()
	sink, ok := sess.topics[key]
	delete(sess.topics, key)
	sess.mu.Unlock()
	if ok {
		ctl.Hub.Unsubscribe(key, sess.user, sink)
	}
}

func (ctl *SignalWSController) subscribed(sess *session, key domain.ChannelKey) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	_, ok := sess.topics[key]
	return ok
}

// release leaves every topic of a closed socket.
func (ctl *SignalWSController) release(sess *session) {
	sess.mu.Lock()
	topics := sess.topics
	sess.topics = make(map[domain.ChannelKey]*topicSink)
	sess.mu.Unlock()
	for key, sink := range topics {
		ctl.Hub.Unsubscribe(key, sess.user, sink)
	}
	if ctl.opts.Limiter != nil {
		ctl.opts.Limiter.Forget(sess.user)
	}
}
