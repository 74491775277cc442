package hub

import (
	"context"
	"sync"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultQueue = 256

type openKey struct {
	key  domain.ChannelKey
	user domain.UserID
}

// LocalRelay is a core.Relay served by an in-process Hub.
type LocalRelay struct {
	hub   *Hub
	queue int

	mu   sync.Mutex
	open map[openKey]*localChannel
}

func NewLocalRelay(h *Hub, queue int) *LocalRelay {
	if queue <= 0 {
		queue = defaultQueue
	}
	return &LocalRelay{hub: h, queue: queue, open: make(map[openKey]*localChannel)}
}

func (r *LocalRelay) Hub() *Hub { return r.hub }

func (r *LocalRelay) Open(ctx context.Context, key domain.ChannelKey, self domain.UserID) (core.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k := openKey{key: key, user: self}

	r.mu.Lock()
	if ch, ok := r.open[k]; ok {
		r.mu.Unlock()
		return ch, nil
	}
	ch := &localChannel{
		relay:  r,
		key:    key,
		self:   self,
		events: make(chan Event, r.queue),
		done:   make(chan struct{}),
		bcast:  make(map[int]func(domain.SignalEnvelope)),
		pres:   make(map[int]presenceFns),
		logger: log.With().Str("module", "hub.local").Str("topic", key.Topic()).Str("user", self.String()).Logger(),
	}
	r.open[k] = ch
	r.mu.Unlock()

	r.hub.Subscribe(key, self, ch)
	go ch.dispatch()
	return ch, nil
}

func (r *LocalRelay) forget(ch *localChannel) {
	k := openKey{key: ch.key, user: ch.self}
	r.mu.Lock()
	if r.open[k] == ch {
		delete(r.open, k)
	}
	r.mu.Unlock()
}

type presenceFns struct {
	join, leave func(domain.UserID)
}

// localChannel is both the caller's core.Channel and the hub's Sink for that caller.
type localChannel struct {
	relay *LocalRelay
	key   domain.ChannelKey
	self  domain.UserID

	events chan Event
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	nextID int
	bcast  map[int]func(domain.SignalEnvelope)
	pres   map[int]presenceFns

	logger zerolog.Logger
}

func (c *localChannel) Key() domain.ChannelKey { return c.key }

func (c *localChannel) Broadcast(ctx context.Context, env domain.SignalEnvelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed() {
		return ErrClosed
	}
	env.FromUserID = c.self
	return c.relay.hub.Publish(c.key, env)
}

func (c *localChannel) OnBroadcast(fn func(domain.SignalEnvelope)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.bcast[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.bcast, id)
		c.mu.Unlock()
	}
}

func (c *localChannel) Announce(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed() {
		return ErrClosed
	}
	return c.relay.hub.Announce(c.key, c.self)
}

func (c *localChannel) OnPresence(join, leave func(domain.UserID)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.pres[id] = presenceFns{join: join, leave: leave}
	return func() {
		c.mu.Lock()
		delete(c.pres, id)
		c.mu.Unlock()
	}
}

// Done is closed by Close and when the hub kicks this subscriber.
func (c *localChannel) Done() <-chan struct{} { return c.done }

func (c *localChannel) Close() error {
	c.relay.hub.Unsubscribe(c.key, c.self, c)
	c.shutdown()
	return nil
}

// Send implements Sink.
func (c *localChannel) Send(ev Event) error {
	if c.closed() {
		return ErrClosed
	}
	select {
	case c.events <- ev:
		return nil
	default:
		return ErrBackpressure
	}
}

// Kick implements Sink.
func (c *localChannel) Kick() { c.shutdown() }

func (c *localChannel) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.relay.forget(c)
		c.logger.Debug().Msg("channel closed")
	})
}

func (c *localChannel) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *localChannel) dispatch() {
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

func (c *localChannel) handle(ev Event) {
	c.mu.Lock()
	var bcast []func(domain.SignalEnvelope)
	var pres []presenceFns
	if ev.Kind == EventBroadcast {
		for _, fn := range c.bcast {
			bcast = append(bcast, fn)
		}
	} else {
		for _, p := range c.pres {
			pres = append(pres, p)
		}
	}
	c.mu.Unlock()

	switch ev.Kind {
	case EventBroadcast:
		if !ev.Envelope.DeliverTo(c.self) {
			return
		}
		for _, fn := range bcast {
			fn(ev.Envelope)
		}
	case EventJoin:
		for _, p := range pres {
			if p.join != nil {
				p.join(ev.User)
			}
		}
	case EventLeave:
		for _, p := range pres {
			if p.leave != nil {
				p.leave(ev.User)
			}
		}
	}
}
