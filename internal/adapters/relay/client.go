// Package relay is the websocket client of the signaling relay.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/adapters/signal"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed       = errors.New("relay channel closed")
	ErrBackpressure = errors.New("relay send queue full")
)

const writeWait = 5 * time.Second

// Client opens one websocket per channel.
type Client struct {
	url    string
	dialer *websocket.Dialer
	queue  int

	mu   sync.Mutex
	open map[openKey]*channel
}

type openKey struct {
	key  domain.ChannelKey
	user domain.UserID
}

func New(rawURL string, queue int) *Client {
	if queue <= 0 {
		queue = 256
	}
	return &Client{
		url:    rawURL,
		dialer: websocket.DefaultDialer,
		queue:  queue,
		open:   make(map[openKey]*channel),
	}
}

func (c *Client) endpoint(self domain.UserID) (string, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("user", self.String())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) Open(ctx context.Context, key domain.ChannelKey, self domain.UserID) (core.Channel, error) {
	k := openKey{key: key, user: self}
	c.mu.Lock()
	if ch, ok := c.open[k]; ok && !ch.closed() {
		c.mu.Unlock()
		return ch, nil
	}
	c.mu.Unlock()

	endpoint, err := c.endpoint(self)
	if err != nil {
		return nil, err
	}
	ws, _, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	sub, err := signal.Encode(signal.Frame{Type: signal.FrameSubscribe, Topic: key.Topic()})
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, sub); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("subscribe %s: %w", key.Topic(), err)
	}

	ch := &channel{
		client: c,
		ws:     ws,
		key:    key,
		self:   self,
		send:   make(chan core.Frame, c.queue),
		done:   make(chan struct{}),
		bcast:  make(map[int]func(domain.SignalEnvelope)),
		pres:   make(map[int]presenceFns),
		logger: log.With().Str("module", "relay").Str("topic", key.Topic()).Str("user", self.String()).Logger(),
	}

	c.mu.Lock()
	if prev, ok := c.open[k]; ok && !prev.closed() {
		c.mu.Unlock()
		_ = ch.shutdown()
		return prev, nil
	}
	c.open[k] = ch
	c.mu.Unlock()

	go ch.writePump()
	go ch.readPump()
	ch.logger.Info().Msg("relay channel open")
	return ch, nil
}

func (c *Client) forget(ch *channel) {
	k := openKey{key: ch.key, user: ch.self}
	c.mu.Lock()
	if c.open[k] == ch {
		delete(c.open, k)
	}
	c.mu.Unlock()
}

type presenceFns struct {
	join, leave func(domain.UserID)
}

type channel struct {
	client *Client
	ws     *websocket.Conn
	key    domain.ChannelKey
	self   domain.UserID

	send chan core.Frame
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	nextID int
	bcast  map[int]func(domain.SignalEnvelope)
	pres   map[int]presenceFns

	logger zerolog.Logger
}

func (ch *channel) Key() domain.ChannelKey { return ch.key }

// enqueue never blocks: callers run on event loops, so a stalled socket surfaces as
// ErrBackpressure instead of a stuck caller.
func (ch *channel) enqueue(ctx context.Context, f signal.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := signal.Encode(f)
	if err != nil {
		return err
	}
	if ch.closed() {
		return ErrClosed
	}
	select {
	case ch.send <- data:
		return nil
	case <-ch.done:
		return ErrClosed
	default:
		ch.logger.Warn().Str("type", string(f.Type)).Msg("send queue full, frame rejected")
		return ErrBackpressure
	}
}

func (ch *channel) Broadcast(ctx context.Context, env domain.SignalEnvelope) error {
	env.FromUserID = ch.self
	return ch.enqueue(ctx, signal.Frame{Type: signal.FrameBroadcast, Topic: ch.key.Topic(), Envelope: &env})
}

func (ch *channel) OnBroadcast(fn func(domain.SignalEnvelope)) func() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	id := ch.nextID
	ch.nextID++
	ch.bcast[id] = fn
	return func() {
		ch.mu.Lock()
		delete(ch.bcast, id)
		ch.mu.Unlock()
	}
}

func (ch *channel) Announce(ctx context.Context) error {
	return ch.enqueue(ctx, signal.Frame{Type: signal.FrameAnnounce, Topic: ch.key.Topic()})
}

func (ch *channel) OnPresence(join, leave func(domain.UserID)) func() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	id := ch.nextID
	ch.nextID++
	ch.pres[id] = presenceFns{join: join, leave: leave}
	return func() {
		ch.mu.Lock()
		delete(ch.pres, id)
		ch.mu.Unlock()
	}
}

// Done is closed by Close and when the relay connection drops.
func (ch *channel) Done() <-chan struct{} { return ch.done }

// Close drops the socket. The relay reports the leave to the remaining members.
func (ch *channel) Close() error {
	return ch.shutdown()
}

func (ch *channel) shutdown() error {
	var err error
	ch.once.Do(func() {
		close(ch.done)
		ch.client.forget(ch)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leave")
		_ = ch.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		err = ch.ws.Close()
		ch.logger.Info().Msg("relay channel closed")
	})
	return err
}

func (ch *channel) closed() bool {
	select {
	case <-ch.done:
		return true
	default:
		return false
	}
}

func (ch *channel) writePump() {
	for {
		select {
		case <-ch.done:
			return
		case data := <-ch.send:
			_ = ch.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ch.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				if !ch.closed() {
					ch.logger.Error().Err(err).Msg("writePump write error")
				}
				_ = ch.shutdown()
				return
			}
		}
	}
}

// readPump delivers frames to listeners in arrival order. The relay pings; gorilla's
// default ping handler answers.
func (ch *channel) readPump() {
	defer func() { _ = ch.shutdown() }()
	for {
		_, data, err := ch.ws.ReadMessage()
		if err != nil {
			if !ch.closed() {
				ch.logger.Warn().Err(err).Msg("relay connection lost")
			}
			return
		}
		f, err := signal.Decode(data)
		if err != nil {
			ch.logger.Warn().Err(err).Msg("bad frame from relay")
			continue
		}
		ch.handle(f)
	}
}

func (ch *channel) handle(f signal.Frame) {
	if f.Topic != "" && f.Topic != ch.key.Topic() && f.Type != signal.FrameError {
		return
	}
	switch f.Type {
	case signal.FrameBroadcast:
		if !f.Envelope.DeliverTo(ch.self) {
			return
		}
		ch.mu.Lock()
		fns := make([]func(domain.SignalEnvelope), 0, len(ch.bcast))
		for _, fn := range ch.bcast {
			fns = append(fns, fn)
		}
		ch.mu.Unlock()
		for _, fn := range fns {
			fn(*f.Envelope)
		}
	case signal.FramePresenceJoin, signal.FramePresenceLeave:
		if f.User == ch.self {
			return
		}
		ch.mu.Lock()
		pres := make([]presenceFns, 0, len(ch.pres))
		for _, p := range ch.pres {
			pres = append(pres, p)
		}
		ch.mu.Unlock()
		for _, p := range pres {
			if f.Type == signal.FramePresenceJoin && p.join != nil {
				p.join(f.User)
			}
			if f.Type == signal.FramePresenceLeave && p.leave != nil {
				p.leave(f.User)
			}
		}
	case signal.FrameError:
		ch.logger.Warn().Str("error", f.Error).Str("frame_topic", f.Topic).Msg("relay error")
	case signal.FramePong:
	default:
		ch.logger.Debug().Str("type", string(f.Type)).Msg("unexpected frame")
	}
}
