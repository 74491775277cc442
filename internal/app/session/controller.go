// Package session drives one participant's voice membership: join and leave, local media
// toggles, screen share, and the event loop that owns the peer links.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/app/media"
	"github.com/dkeye/voicemesh/internal/app/peers"
	"github.com/dkeye/voicemesh/internal/app/speaking"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrTransportUnavailable = errors.New("signaling transport unavailable")
	ErrNotConnected         = errors.New("not connected to a voice channel")
	ErrJoinAborted          = errors.New("join aborted by leave")
	ErrClosed               = errors.New("controller closed")
	ErrMicEnded             = errors.New("microphone ended")
)

type Config struct {
	Self    domain.UserID
	Relay   core.Relay
	Roster  core.RosterStore
	Capture *media.Capture
	Factory core.ConnFactory

	// optional inbound audio handling
	Decoders core.DecoderFactory
	Sink     core.PCMSink

	DeviceID     string
	Audio        core.AudioConstraints
	Speaking     speaking.Config
	PollInterval time.Duration
	QueueSize    int
}

// Controller serializes every session mutation on one goroutine.
type Controller struct {
	cfg    Config
	events chan event // commands
	inbox  *inbox     // everything posted by callbacks
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once

	notices chan Notice
	writer  *rosterWriter

	// owned by the loop
	sess          *active
	conn          domain.ConnState
	muted         bool
	deafened      bool
	sharing       bool
	speaking      map[domain.UserID]bool
	micLevel      float64
	lastPublished State

	mu      sync.RWMutex
	snap    State
	streams *peers.Streams

	logger zerolog.Logger
}

func New(cfg Config) *Controller {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 16 * time.Millisecond
	}
	c := &Controller{
		cfg:      cfg,
		events:   make(chan event, cfg.QueueSize),
		inbox:    newInbox(),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		notices:  make(chan Notice, cfg.QueueSize),
		conn:     domain.StateDisconnected,
		speaking: make(map[domain.UserID]bool),
		logger:   log.With().Str("module", "session").Str("self", cfg.Self.String()).Logger(),
	}
	c.writer = newRosterWriter(cfg.QueueSize, func(op string, err error) {
		c.notify(Notice{Kind: NoticeRosterFailed, Err: err})
	})
	c.snap = c.buildState()
	go c.run()
	return c
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		select {
		case <-c.quit:
			return
		case ev := <-c.events:
			c.dispatch(ev)
			c.publish()
		case <-c.inbox.wake:
			for _, ev := range c.inbox.drain() {
				c.dispatch(ev)
				c.publish()
			}
		}
	}
}

// post queues ev without blocking. Used by callbacks on foreign goroutines.
func (c *Controller) post(ev event) {
	select {
	case <-c.quit:
		return
	default:
	}
	c.inbox.put(ev)
}

// exec runs fn on the loop and waits for it.
func (c *Controller) exec(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case c.events <- command{fn: fn, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.quit:
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

func (c *Controller) notify(n Notice) {
	select {
	case c.notices <- n:
	default:
		c.logger.Debug().Str("kind", string(n.Kind)).Msg("notice dropped, observer too slow")
	}
}

// Notices is the observer stream. Notices are dropped when nobody reads.
func (c *Controller) Notices() <-chan Notice { return c.notices }

func (c *Controller) buildState() State {
	st := State{
		Conn:          c.conn,
		Muted:         c.muted,
		Deafened:      c.deafened,
		ScreenSharing: c.sharing,
		MicLevel:      c.micLevel,
		Speaking:      make([]domain.UserID, 0, len(c.speaking)),
	}
	for id := range c.speaking {
		st.Speaking = append(st.Speaking, id)
	}
	sort.Slice(st.Speaking, func(i, j int) bool { return st.Speaking[i] < st.Speaking[j] })
	if c.sess != nil {
		st.Channel = c.sess.key
		if c.sess.peers != nil {
			st.Links = c.sess.peers.Links()
		}
	}
	return st
}

func (c *Controller) publish() {
	st := c.buildState()
	var streams *peers.Streams
	if c.sess != nil && c.sess.peers != nil {
		streams = c.sess.peers.Streams()
	}
	c.mu.Lock()
	c.snap = st
	c.streams = streams
	c.mu.Unlock()

	prev := c.lastPublished
	c.lastPublished = st
	if prev.Conn != st.Conn || prev.Channel != st.Channel || prev.Muted != st.Muted ||
		prev.Deafened != st.Deafened || prev.ScreenSharing != st.ScreenSharing {
		c.notify(Notice{Kind: NoticeStateChanged, State: st})
	}
}

// State returns the latest session snapshot.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := c.snap
	st.Speaking = append([]domain.UserID(nil), st.Speaking...)
	st.Links = append([]peers.LinkInfo(nil), st.Links...)
	return st
}

// Streams returns the remote stream registry snapshot; empty when disconnected.
func (c *Controller) Streams() []peers.StreamInfo {
	c.mu.RLock()
	s := c.streams
	c.mu.RUnlock()
	if s == nil {
		return nil
	}
	return s.Snapshot()
}

func (c *Controller) Devices(ctx context.Context) ([]core.DeviceInfo, error) {
	return c.cfg.Capture.Devices(ctx)
}

// Close leaves the channel, flushes pending roster writes and stops the loop.
func (c *Controller) Close(ctx context.Context) error {
	err := c.Leave(ctx)
	if errors.Is(err, ErrClosed) {
		err = nil
	}
	c.once.Do(func() { close(c.quit) })
	<-c.done
	c.writer.Close()
	return err
}
