package media

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type TrackState int32

const (
	TrackLive TrackState = iota
	TrackDisabled
	TrackEnded
)

// LocalTrack pumps samples from a capture source into a pion sample track.
// Disabling only drops samples; the sender and the negotiated session stay as they are.
type LocalTrack struct {
	id       string
	kind     webrtc.RTPCodecType
	channels int
	out      *webrtc.TrackLocalStaticSample
	src      core.CaptureSource

	state atomic.Int32

	mu       sync.Mutex
	onEnded  []func()
	analyser func([]int16)

	endOnce sync.Once
	done    chan struct{}
	logger  zerolog.Logger
}

func newLocalTrack(src core.CaptureSource, streamID string, channels int) (*LocalTrack, error) {
	id := uuid.NewString()
	out, err := webrtc.NewTrackLocalStaticSample(src.Codec(), id, streamID)
	if err != nil {
		return nil, err
	}
	t := &LocalTrack{
		id:       id,
		kind:     src.Kind(),
		channels: channels,
		out:      out,
		src:      src,
		done:     make(chan struct{}),
		logger: log.With().
			Str("module", "media").
			Str("track_id", id).
			Str("kind", src.Kind().String()).
			Logger(),
	}
	go t.pump()
	if pcm, ok := src.(core.PCMSource); ok && t.kind == webrtc.RTPCodecTypeAudio {
		go t.tap(pcm)
	}
	return t, nil
}

func (t *LocalTrack) ID() string                { return t.id }
func (t *LocalTrack) Kind() webrtc.RTPCodecType { return t.kind }

// TrackLocal is what gets attached to peer connections.
func (t *LocalTrack) TrackLocal() webrtc.TrackLocal { return t.out }

func (t *LocalTrack) State() TrackState { return TrackState(t.state.Load()) }

func (t *LocalTrack) Enabled() bool { return t.State() == TrackLive }

// SetEnabled flips the enabled flag. It has no effect on an ended track.
func (t *LocalTrack) SetEnabled(on bool) {
	next := TrackDisabled
	if on {
		next = TrackLive
	}
	for {
		cur := t.state.Load()
		if TrackState(cur) == TrackEnded {
			return
		}
		if t.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

// OnEnded registers fn to run once when the track ends, whether by Stop or by the source.
func (t *LocalTrack) OnEnded(fn func()) {
	t.mu.Lock()
	select {
	case <-t.done:
		t.mu.Unlock()
		fn()
		return
	default:
	}
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

// SetAnalyser installs a raw PCM tap. While the track is disabled the tap receives
// silence of the same length, so a level meter decays instead of freezing.
func (t *LocalTrack) SetAnalyser(fn func([]int16)) {
	t.mu.Lock()
	t.analyser = fn
	t.mu.Unlock()
}

func (t *LocalTrack) Channels() int { return t.channels }

func (t *LocalTrack) Done() <-chan struct{} { return t.done }

// Stop ends the track and releases the capture source.
func (t *LocalTrack) Stop() {
	t.end(nil)
}

func (t *LocalTrack) end(cause error) {
	t.endOnce.Do(func() {
		t.state.Store(int32(TrackEnded))
		if err := t.src.Close(); err != nil {
			t.logger.Warn().Err(err).Msg("capture source close")
		}
		t.mu.Lock()
		close(t.done)
		callbacks := t.onEnded
		t.onEnded = nil
		t.analyser = nil
		t.mu.Unlock()

		if cause != nil && !errors.Is(cause, io.EOF) {
			t.logger.Warn().Err(cause).Msg("track ended with error")
		} else {
			t.logger.Info().Msg("track ended")
		}
		for _, fn := range callbacks {
			fn()
		}
	})
}

func (t *LocalTrack) pump() {
	for {
		sample, err := t.src.ReadSample()
		if err != nil {
			t.end(err)
			return
		}
		switch t.State() {
		case TrackEnded:
			return
		case TrackDisabled:
			continue
		case TrackLive:
			if err := t.out.WriteSample(sample); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				t.logger.Error().Err(err).Msg("write sample")
			}
		}
	}
}

func (t *LocalTrack) tap(src core.PCMSource) {
	for {
		pcm, err := src.ReadPCM()
		if err != nil {
			return
		}
		switch t.State() {
		case TrackEnded:
			return
		case TrackDisabled:
			pcm = make([]int16, len(pcm))
		}
		t.mu.Lock()
		fn := t.analyser
		t.mu.Unlock()
		if fn != nil {
			fn(pcm)
		}
	}
}
