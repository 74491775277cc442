package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/app/media"
	"github.com/dkeye/voicemesh/internal/app/peers"
	"github.com/dkeye/voicemesh/internal/app/speaking"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
)

// active holds every resource acquired for the current channel. Fields are filled in
// join order and released by teardown whatever the stage reached.
type active struct {
	key domain.ChannelKey

	mic     *media.Stream
	screen  *media.Stream
	det     *speaking.Detector
	channel core.Channel
	unsubs  []func()
	peers   *peers.Manager

	// stop ends the ticker and the channel watcher; workers tracks both
	stop       chan struct{}
	workers    sync.WaitGroup
	registered bool
	// flags written by the join upsert
	upserted domain.Participant
}

// Join enters channel key. Joining the current channel is a no-op; joining another one
// leaves the current channel first. On failure everything acquired so far is released
// and the session stays disconnected.
func (c *Controller) Join(ctx context.Context, key domain.ChannelKey) error {
	var sess *active
	err := c.exec(ctx, func() error {
		if c.sess != nil && c.sess.key == key {
			return nil
		}
		if c.sess != nil {
			c.logger.Info().Str("from", c.sess.key.String()).Str("to", key.String()).Msg("switching channel")
			c.teardown()
		}
		sess = &active{key: key}
		c.sess = sess
		c.conn = domain.StateConnecting
		return nil
	})
	if err != nil || sess == nil {
		return err
	}
	logger := c.logger.With().Str("channel", key.String()).Logger()
	logger.Info().Msg("joining")

	mic, err := c.cfg.Capture.AcquireLocalAudio(ctx, c.cfg.DeviceID, c.cfg.Audio)
	if err != nil {
		return c.abort(ctx, sess, err)
	}

	ch, err := c.cfg.Relay.Open(ctx, key, c.cfg.Self)
	if err != nil {
		mic.Stop()
		logger.Error().Err(err).Msg("signaling open failed")
		return c.abort(ctx, sess, fmt.Errorf("%w: %v", ErrTransportUnavailable, err))
	}

	var row domain.Participant
	err = c.exec(ctx, func() error {
		if c.sess != sess {
			mic.Stop()
			_ = ch.Close()
			return ErrJoinAborted
		}
		if err := c.attach(sess, mic, ch); err != nil {
			return err
		}
		row = *domain.NewParticipant(key, c.cfg.Self)
		row.IsMuted, row.IsDeafened = c.muted, c.deafened
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrJoinAborted) {
			return err
		}
		return c.abort(ctx, sess, err)
	}

	if err := ch.Announce(ctx); err != nil {
		logger.Error().Err(err).Msg("presence announce failed")
		return c.abort(ctx, sess, fmt.Errorf("%w: %v", ErrTransportUnavailable, err))
	}

	store := c.cfg.Roster
	if err := c.writer.Do(ctx, "upsert", func(ctx context.Context) error {
		return store.Upsert(ctx, &row)
	}); err != nil {
		logger.Error().Err(err).Msg("roster register failed")
		return c.abort(ctx, sess, fmt.Errorf("register in roster: %w", err))
	}

	return c.exec(ctx, func() error {
		if c.sess != sess {
			c.writer.Submit("delete", func(ctx context.Context) error {
				return store.Delete(ctx, key, c.cfg.Self)
			})
			return ErrJoinAborted
		}
		sess.registered = true
		sess.upserted = row
		c.syncFlags(sess)
		c.conn = domain.StateConnected
		c.refreshRoster(sess)
		logger.Info().Msg("joined")
		return nil
	})
}

// attach installs the media and signaling resources on the loop.
func (c *Controller) attach(sess *active, mic *media.Stream, ch core.Channel) error {
	sess.mic = mic
	sess.channel = ch
	mic.SetAudioEnabled(!c.muted)

	sess.det = speaking.New(c.cfg.Speaking)
	det := sess.det
	for _, t := range mic.AudioTracks() {
		channels := t.Channels()
		t.SetAnalyser(func(pcm []int16) { det.Write(pcm, channels) })
	}

	sess.peers = peers.NewManager(peers.Config{
		Self:    c.cfg.Self,
		Factory: c.cfg.Factory,
		Send: func(env domain.SignalEnvelope) error {
			return ch.Broadcast(context.Background(), env)
		},
		Post: func(ev peers.Event) {
			if tr, ok := ev.(peers.TrackReceived); ok {
				c.post(TrackReceived{sess: sess, TrackReceived: tr})
				return
			}
			c.post(linkEvent{sess: sess, ev: ev})
		},
		OnFailure: func(peer domain.UserID, err error) {
			c.notify(Notice{Kind: NoticeLinkFailed, Peer: peer, Err: err})
		},
		Decoders: c.cfg.Decoders,
		Sink:     c.cfg.Sink,
		Speaking: c.cfg.Speaking,
	})
	if tracks := mic.AudioTracks(); len(tracks) > 0 {
		sess.peers.SetLocalAudio(tracks[0].TrackLocal())
	}
	sess.peers.SetAudioEnabled(!c.deafened)

	sess.unsubs = append(sess.unsubs,
		ch.OnBroadcast(func(env domain.SignalEnvelope) {
			c.post(SignalReceived{sess: sess, Envelope: env})
		}),
		ch.OnPresence(
			func(u domain.UserID) { c.post(PresenceJoin{sess: sess, User: u}) },
			func(u domain.UserID) { c.post(PresenceLeave{sess: sess, User: u}) },
		),
	)

	unsub, err := c.cfg.Roster.Subscribe(context.Background(), sess.key, func(change domain.RosterChange) {
		c.post(rosterChanged{sess: sess, change: change})
	})
	if err != nil {
		return fmt.Errorf("roster subscribe: %w", err)
	}
	sess.unsubs = append(sess.unsubs, unsub)

	if tracks := mic.AudioTracks(); len(tracks) > 0 {
		tracks[0].OnEnded(func() { c.post(MicEnded{sess: sess}) })
	}

	sess.stop = make(chan struct{})
	sess.workers.Add(2)
	go c.ticker(sess, sess.stop)
	go c.watchChannel(sess, sess.stop)
	return nil
}

func (c *Controller) ticker(sess *active, stop <-chan struct{}) {
	defer sess.workers.Done()
	t := time.NewTicker(c.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.post(Tick{sess: sess})
		}
	}
}

// watchChannel reports a signaling channel that closes before the session does.
func (c *Controller) watchChannel(sess *active, stop <-chan struct{}) {
	defer sess.workers.Done()
	select {
	case <-stop:
	case <-sess.channel.Done():
		c.post(TransportLost{sess: sess})
	}
}

// abort rolls back sess if it is still current and returns err.
func (c *Controller) abort(ctx context.Context, sess *active, err error) error {
	c.notify(Notice{Kind: NoticeJoinFailed, Err: err})
	rollback := func() error {
		if c.sess == sess {
			c.teardown()
		}
		return nil
	}
	if execErr := c.exec(ctx, rollback); execErr != nil {
		// caller gave up waiting; the loop still has to release the session
		c.post(command{fn: rollback, reply: make(chan error, 1)})
	}
	return err
}

// Leave tears the session down in reverse join order. Safe when already disconnected.
func (c *Controller) Leave(ctx context.Context) error {
	return c.exec(ctx, func() error {
		if c.sess == nil {
			return nil
		}
		c.teardown()
		return nil
	})
}

// teardown releases the current session: links, local tracks, analysis, subscriptions,
// the signaling channel, then the roster row.
func (c *Controller) teardown() {
	sess := c.sess
	if sess == nil {
		return
	}
	c.sess = nil
	logger := c.logger.With().Str("channel", sess.key.String()).Logger()

	if sess.peers != nil {
		sess.peers.CloseAll()
	}
	if sess.screen != nil {
		sess.screen.Stop()
		sess.screen = nil
	}
	if sess.stop != nil {
		close(sess.stop)
		sess.workers.Wait()
	}
	if sess.mic != nil {
		sess.mic.Stop()
	}
	if sess.det != nil {
		sess.det.Stop()
	}
	for i := len(sess.unsubs) - 1; i >= 0; i-- {
		sess.unsubs[i]()
	}
	if sess.channel != nil {
		if err := sess.channel.Close(); err != nil {
			logger.Warn().Err(err).Msg("close signaling channel")
		}
	}
	if sess.registered {
		store, key, self := c.cfg.Roster, sess.key, c.cfg.Self
		c.writer.Submit("delete", func(ctx context.Context) error {
			return store.Delete(ctx, key, self)
		})
	}

	c.conn = domain.StateDisconnected
	c.sharing = false
	c.micLevel = 0
	clear(c.speaking)
	logger.Info().Msg("left")
}
