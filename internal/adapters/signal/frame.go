package signal

import (
	"encoding/json"
	"errors"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
)

// FrameType names a relay protocol message. Every frame is one JSON text message.
type FrameType string

const (
	// client -> relay
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FrameAnnounce    FrameType = "announce"
	FramePing        FrameType = "ping"

	// both directions
	FrameBroadcast FrameType = "broadcast"

	// relay -> client
	FramePresenceJoin  FrameType = "presence_join"
	FramePresenceLeave FrameType = "presence_leave"
	FramePong          FrameType = "pong"
	FrameError         FrameType = "error"
)

var ErrBadFrame = errors.New("bad relay frame")

type Frame struct {
	Type     FrameType              `json:"type"`
	Topic    string                 `json:"topic,omitempty"`
	Envelope *domain.SignalEnvelope `json:"envelope,omitempty"`
	User     domain.UserID          `json:"user,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// Key resolves the frame topic to a channel key.
func (f Frame) Key() (domain.ChannelKey, error) {
	key, ok := domain.KeyFromTopic(f.Topic)
	if !ok {
		return "", ErrBadFrame
	}
	return domain.ParseChannelKey(string(key))
}

func Encode(f Frame) (core.Frame, error) {
	return json.Marshal(f)
}

// Decode parses and validates one frame.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, errors.Join(ErrBadFrame, err)
	}
	switch f.Type {
	case FramePing, FramePong:
		return f, nil
	case FrameError:
		return f, nil
	case FrameSubscribe, FrameUnsubscribe, FrameAnnounce:
		if _, err := f.Key(); err != nil {
			return Frame{}, ErrBadFrame
		}
	case FramePresenceJoin, FramePresenceLeave:
		if _, err := f.Key(); err != nil || f.User == "" {
			return Frame{}, ErrBadFrame
		}
	case FrameBroadcast:
		if _, err := f.Key(); err != nil || f.Envelope == nil {
			return Frame{}, ErrBadFrame
		}
	default:
		return Frame{}, ErrBadFrame
	}
	return f, nil
}
