package domain

import (
	"encoding/json"
	"errors"
)

type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
)

var ErrBadEnvelope = errors.New("bad signal envelope")

// SignalEnvelope is the transient wire message exchanged through the relay.
// An empty ToUserID means every subscriber except the sender.
type SignalEnvelope struct {
	Type       SignalType      `json:"type"`
	Data       json.RawMessage `json:"data"`
	FromUserID UserID          `json:"fromUserId"`
	ToUserID   UserID          `json:"toUserId,omitempty"`
}

func NewEnvelope(t SignalType, from, to UserID, payload any) (SignalEnvelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return SignalEnvelope{}, err
	}
	return SignalEnvelope{Type: t, Data: data, FromUserID: from, ToUserID: to}, nil
}

func (e SignalEnvelope) Validate() error {
	switch e.Type {
	case SignalOffer, SignalAnswer, SignalICECandidate:
	default:
		return ErrBadEnvelope
	}
	if e.FromUserID == "" {
		return ErrBadEnvelope
	}
	return nil
}

// DeliverTo reports whether the receiver should process the envelope.
func (e SignalEnvelope) DeliverTo(receiver UserID) bool {
	if e.FromUserID == receiver {
		return false
	}
	return e.ToUserID == "" || e.ToUserID == receiver
}

// Decode unmarshals the payload into v.
func (e SignalEnvelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return ErrBadEnvelope
	}
	return json.Unmarshal(e.Data, v)
}
