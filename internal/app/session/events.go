package session

import (
	"context"

	"github.com/dkeye/voicemesh/internal/app/media"
	"github.com/dkeye/voicemesh/internal/app/peers"
	"github.com/dkeye/voicemesh/internal/domain"
)

// event is one entry of the controller queue. Every variant carries the session it was
// produced for; the loop drops events of sessions that are no longer current.
type event interface {
	owner() *active
}

type PresenceJoin struct {
	sess *active
	User domain.UserID
}

type PresenceLeave struct {
	sess *active
	User domain.UserID
}

type SignalReceived struct {
	sess     *active
	Envelope domain.SignalEnvelope
}

type TrackReceived struct {
	sess *active
	peers.TrackReceived
}

type ShareEnded struct {
	sess   *active
	Stream *media.Stream
}

type Tick struct {
	sess *active
}

// MicEnded reports that the capture device went away underneath the session.
type MicEnded struct {
	sess *active
}

// TransportLost reports that the signaling channel closed without a Leave.
type TransportLost struct {
	sess *active
}

// linkEvent carries the remaining connection callbacks (ICE, state).
type linkEvent struct {
	sess *active
	ev   peers.Event
}

type rosterChanged struct {
	sess   *active
	change domain.RosterChange
}

// command runs fn on the loop and reports its error to the caller.
type command struct {
	fn    func() error
	reply chan error
}

func (e PresenceJoin) owner() *active   { return e.sess }
func (e PresenceLeave) owner() *active  { return e.sess }
func (e SignalReceived) owner() *active { return e.sess }
func (e TrackReceived) owner() *active  { return e.sess }
func (e ShareEnded) owner() *active     { return e.sess }
func (e Tick) owner() *active           { return e.sess }
func (e MicEnded) owner() *active       { return e.sess }
func (e TransportLost) owner() *active  { return e.sess }
func (e linkEvent) owner() *active      { return e.sess }
func (e rosterChanged) owner() *active  { return e.sess }
func (command) owner() *active          { return nil }

func (c *Controller) dispatch(ev event) {
	if cmd, ok := ev.(command); ok {
		err := cmd.fn()
		// callers read State right after the reply
		c.publish()
		cmd.reply <- err
		return
	}
	sess := ev.owner()
	if sess == nil || sess != c.sess {
		return
	}

	switch e := ev.(type) {
	case PresenceJoin:
		if e.User == c.cfg.Self {
			return
		}
		c.logger.Info().Str("peer", e.User.String()).Msg("presence join")
		sess.peers.Initiate(e.User)
		c.notify(Notice{Kind: NoticeParticipantJoined, Peer: e.User})
	case PresenceLeave:
		if e.User == c.cfg.Self {
			return
		}
		c.logger.Info().Str("peer", e.User.String()).Msg("presence leave")
		sess.peers.Remove(e.User)
		c.setSpeaking(e.User, false)
		c.notify(Notice{Kind: NoticeParticipantLeft, Peer: e.User})
	case SignalReceived:
		sess.peers.HandleSignal(e.Envelope)
	case TrackReceived:
		sess.peers.Handle(e.TrackReceived)
	case linkEvent:
		sess.peers.Handle(e.ev)
	case ShareEnded:
		if sess.screen != e.Stream {
			return
		}
		c.logger.Info().Msg("screen share ended by platform")
		c.stopShare(sess)
		c.notify(Notice{Kind: NoticeShareEnded})
	case Tick:
		c.tick(sess)
	case MicEnded:
		c.logger.Warn().Str("channel", sess.key.String()).Msg("microphone ended")
		if sess.det != nil {
			sess.det.Stop()
		}
		c.setSpeaking(c.cfg.Self, false)
		c.micLevel = 0
		c.notify(Notice{Kind: NoticeMicEnded, Err: ErrMicEnded})
	case TransportLost:
		c.logger.Error().Str("channel", sess.key.String()).Msg("signaling channel lost")
		c.teardown()
		c.notify(Notice{Kind: NoticeTransportLost, Err: ErrTransportUnavailable})
	case rosterChanged:
		c.refreshRoster(sess)
	default:
		c.logger.Error().Type("event", ev).Msg("unhandled event")
	}
}

func (c *Controller) tick(sess *active) {
	if sess.det != nil {
		if tr, ok := sess.det.Poll(); ok {
			c.setSpeaking(c.cfg.Self, tr.Speaking)
		}
		c.micLevel = sess.det.Level()
	}
	for _, edge := range sess.peers.PollSpeaking() {
		c.setSpeaking(edge.Peer, edge.Speaking)
	}
}

func (c *Controller) setSpeaking(user domain.UserID, on bool) {
	if c.speaking[user] == on {
		return
	}
	if on {
		c.speaking[user] = true
	} else {
		delete(c.speaking, user)
	}
	c.notify(Notice{Kind: NoticeSpeakingChanged, Peer: user, Speaking: on})
}

func (c *Controller) refreshRoster(sess *active) {
	store, key := c.cfg.Roster, sess.key
	c.writer.Submit("list", func(ctx context.Context) error {
		rows, err := store.List(ctx, key)
		if err != nil {
			return err
		}
		c.notify(Notice{Kind: NoticeRosterUpdated, Roster: rows})
		return nil
	})
}
