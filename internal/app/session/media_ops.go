package session

import (
	"context"
	"errors"

	"github.com/dkeye/voicemesh/internal/app/media"
	"github.com/dkeye/voicemesh/internal/domain"
)

// ToggleMute flips the outbound microphone flag and returns the new value.
// The roster write happens in the background; its failure does not undo the local effect.
func (c *Controller) ToggleMute(ctx context.Context) (bool, error) {
	var muted bool
	err := c.exec(ctx, func() error {
		c.muted = !c.muted
		muted = c.muted
		if c.sess == nil {
			return nil
		}
		if c.sess.mic != nil {
			c.sess.mic.SetAudioEnabled(!muted)
		}
		c.writeFlags(c.sess, domain.ParticipantFlags{IsMuted: &muted})
		c.logger.Info().Bool("muted", muted).Msg("mute toggled")
		return nil
	})
	return muted, err
}

// ToggleDeafen flips playback of every inbound audio track and returns the new value.
func (c *Controller) ToggleDeafen(ctx context.Context) (bool, error) {
	var deafened bool
	err := c.exec(ctx, func() error {
		c.deafened = !c.deafened
		deafened = c.deafened
		if c.sess == nil {
			return nil
		}
		if c.sess.peers != nil {
			c.sess.peers.SetAudioEnabled(!deafened)
		}
		c.writeFlags(c.sess, domain.ParticipantFlags{IsDeafened: &deafened})
		c.logger.Info().Bool("deafened", deafened).Msg("deafen toggled")
		return nil
	})
	return deafened, err
}

// StartScreenShare captures the screen and sends it to every peer. Starting while already
// sharing swaps the shared source. ErrUserCancelled means the picker was dismissed.
func (c *Controller) StartScreenShare(ctx context.Context) error {
	var sess *active
	if err := c.exec(ctx, func() error {
		if c.sess == nil || c.conn != domain.StateConnected {
			return ErrNotConnected
		}
		sess = c.sess
		return nil
	}); err != nil {
		return err
	}

	// the picker may take a while; keep it off the loop
	stream, err := c.cfg.Capture.AcquireScreenShare(ctx)
	if err != nil {
		if !errors.Is(err, media.ErrUserCancelled) {
			c.logger.Error().Err(err).Msg("screen share failed")
		}
		return err
	}
	tracks := stream.VideoTracks()
	if len(tracks) == 0 {
		stream.Stop()
		return media.ErrDevice
	}

	err = c.exec(ctx, func() error {
		if c.sess != sess {
			stream.Stop()
			return ErrNotConnected
		}
		prev := sess.screen
		sess.screen = stream
		tracks[0].OnEnded(func() { c.post(ShareEnded{sess: sess, Stream: stream}) })
		sess.peers.SetScreenTrack(tracks[0].TrackLocal())
		if prev != nil {
			prev.Stop()
		}
		if !c.sharing {
			c.sharing = true
			on := true
			c.writeFlags(sess, domain.ParticipantFlags{IsScreenSharing: &on})
		}
		c.logger.Info().Str("stream_id", stream.ID()).Bool("replaced", prev != nil).Msg("screen share started")
		return nil
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		stream.Stop()
	}
	return err
}

// StopScreenShare removes the video sender from every peer. No-op when not sharing.
func (c *Controller) StopScreenShare(ctx context.Context) error {
	return c.exec(ctx, func() error {
		if c.sess == nil {
			return nil
		}
		c.stopShare(c.sess)
		return nil
	})
}

func (c *Controller) stopShare(sess *active) {
	if sess.screen == nil {
		return
	}
	stream := sess.screen
	sess.screen = nil
	sess.peers.ClearScreenTrack()
	stream.Stop()
	c.sharing = false
	off := false
	c.writeFlags(sess, domain.ParticipantFlags{IsScreenSharing: &off})
	c.logger.Info().Str("stream_id", stream.ID()).Msg("screen share stopped")
}

// writeFlags persists flags once the row exists. Before that, syncFlags catches up.
func (c *Controller) writeFlags(sess *active, flags domain.ParticipantFlags) {
	if !sess.registered {
		return
	}
	flags.Apply(&sess.upserted)
	store, key, self := c.cfg.Roster, sess.key, c.cfg.Self
	c.writer.Submit("update", func(ctx context.Context) error {
		return store.Update(ctx, key, self, flags)
	})
}

// syncFlags writes the flags that changed while the join upsert was in flight.
func (c *Controller) syncFlags(sess *active) {
	var flags domain.ParticipantFlags
	muted, deafened, sharing := c.muted, c.deafened, c.sharing
	if sess.upserted.IsMuted != muted {
		flags.IsMuted = &muted
	}
	if sess.upserted.IsDeafened != deafened {
		flags.IsDeafened = &deafened
	}
	if sess.upserted.IsScreenSharing != sharing {
		flags.IsScreenSharing = &sharing
	}
	if flags == (domain.ParticipantFlags{}) {
		return
	}
	c.writeFlags(sess, flags)
}
