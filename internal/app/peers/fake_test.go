package peers

import (
	"testing"

	"github.com/dkeye/voicemesh/internal/app/peers/peerstest"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

// harness wires a Manager to recording fakes. Posted events are kept so tests decide
// when (and whether) they reach the manager.
type harness struct {
	m        *Manager
	factory  *peerstest.Factory
	outbox   []domain.SignalEnvelope
	events   []Event
	failures map[domain.UserID]error
}

func newHarness(t *testing.T, self domain.UserID) *harness {
	t.Helper()
	h := &harness{
		factory:  peerstest.NewFactory(),
		failures: make(map[domain.UserID]error),
	}
	h.m = NewManager(Config{
		Self:    self,
		Factory: h.factory,
		Send: func(env domain.SignalEnvelope) error {
			h.outbox = append(h.outbox, env)
			return nil
		},
		Post:      func(ev Event) { h.events = append(h.events, ev) },
		OnFailure: func(peer domain.UserID, err error) { h.failures[peer] = err },
	})
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "mic", "local")
	require.NoError(t, err)
	h.m.SetLocalAudio(audio)
	return h
}

func (h *harness) sent(typ domain.SignalType, to domain.UserID) int {
	n := 0
	for _, env := range h.outbox {
		if env.Type == typ && env.ToUserID == to {
			n++
		}
	}
	return n
}

func (h *harness) deliver(t *testing.T, typ domain.SignalType, from, to domain.UserID, payload any) {
	t.Helper()
	env, err := domain.NewEnvelope(typ, from, to, payload)
	require.NoError(t, err)
	h.m.HandleSignal(env)
}

func (h *harness) lastEvent() Event { return h.events[len(h.events)-1] }

func videoTrack(t *testing.T, id string) webrtc.TrackLocal {
	t.Helper()
	v, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, id, "screen")
	require.NoError(t, err)
	return v
}
