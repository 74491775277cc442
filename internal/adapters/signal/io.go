package signal

import (
	"context"
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn, logger zerolog.Logger) {
	ping := time.NewTicker(ctl.opts.PingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				logger.Debug().Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Error().Err(err).Msg("writePump write error")
				c.Close()
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger.Warn().Err(err).Msg("writePump ping failed")
				c.Close()
				return
			}
		}
	}
}

// readPump owns the socket lifetime: when it returns the user leaves every topic.
func (ctl *SignalWSController) readPump(ctx context.Context, sess *session, c *WsSignalConn) {
	defer func() {
		sess.logger.Info().Msg("readPump closing")
		ctl.release(sess)
		c.Close()
	}()

	pongWait := ctl.opts.PongWait
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if ctx.Err() != nil {
			sess.logger.Info().Msg("readPump ctx done")
			return
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sess.logger.Warn().Err(err).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if lim := ctl.opts.Limiter; lim != nil && !lim.Allow(sess.user) {
			sess.logger.Warn().Msg("rate limited")
			ctl.sendError(sess.conn, "rate_limited", "")
			continue
		}
		ctl.handleFrame(sess, data)
	}
}

func (ctl *SignalWSController) handleFrame(sess *session, data []byte) {
	f, err := Decode(data)
	if err != nil {
		sess.logger.Warn().Err(err).Msg("bad frame")
		ctl.sendError(sess.conn, "bad_frame", "")
		return
	}

	switch f.Type {
	case FramePing:
		ctl.handlePing(sess.conn)
	case FrameSubscribe:
		key, _ := f.Key()
		ctl.subscribe(sess, key)
	case FrameUnsubscribe:
		key, _ := f.Key()
		ctl.unsubscribe(sess, key)
	case FrameAnnounce:
		key, _ := f.Key()
		if err := ctl.Hub.Announce(key, sess.user); err != nil {
			ctl.sendError(sess.conn, "not_subscribed", f.Topic)
		}
	case FrameBroadcast:
		key, _ := f.Key()
		if !ctl.subscribed(sess, key) {
			ctl.sendError(sess.conn, "not_subscribed", f.Topic)
			return
		}
		env := *f.Envelope
		// the relay is the authority on who sent what
		env.FromUserID = sess.user
		if err := env.Validate(); err != nil {
			ctl.sendError(sess.conn, "bad_envelope", f.Topic)
			return
		}
		if err := ctl.Hub.Publish(key, env); err != nil {
			ctl.sendError(sess.conn, "not_subscribed", f.Topic)
		}
	default:
		sess.logger.Warn().Str("type", string(f.Type)).Msg("unexpected frame")
	}
}

func (ctl *SignalWSController) send(conn core.SignalConnection, f Frame) {
	data, err := Encode(f)
	if err != nil {
		return
	}
	_ = conn.TrySend(data)
}

func (ctl *SignalWSController) sendError(conn core.SignalConnection, reason, topic string) {
	ctl.send(conn, Frame{Type: FrameError, Error: reason, Topic: topic})
}
