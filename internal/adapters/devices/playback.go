package devices

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// mixer keeps a capped queue per remote participant and sums them on read.
type mixer struct {
	mu     sync.Mutex
	queues map[domain.UserID][]int16
	limit  int
}

func newMixer(limit int) *mixer {
	return &mixer{queues: make(map[domain.UserID][]int16), limit: limit}
}

// push appends pcm for from; the oldest samples are dropped past the limit.
func (m *mixer) push(from domain.UserID, pcm []int16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := append(m.queues[from], pcm...)
	if over := len(q) - m.limit; over > 0 {
		q = q[over:]
	}
	m.queues[from] = q
}

// mix fills out with the clipped sum of every queue and consumes what it used.
func (m *mixer) mix(out []int16) {
	acc := make([]int32, len(out))
	m.mu.Lock()
	for id, q := range m.queues {
		n := min(len(q), len(out))
		for i := 0; i < n; i++ {
			acc[i] += int32(q[i])
		}
		if n == len(q) {
			delete(m.queues, id)
		} else {
			m.queues[id] = q[n:]
		}
	}
	m.mu.Unlock()
	for i, v := range acc {
		out[i] = int16(max(math.MinInt16, min(math.MaxInt16, v)))
	}
}

func (m *mixer) drop(from domain.UserID) {
	m.mu.Lock()
	delete(m.queues, from)
	m.mu.Unlock()
}

// Speaker plays mixed inbound audio on the default output device.
type Speaker struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	mix    *mixer
	once   sync.Once
	logger zerolog.Logger
}

func NewSpeaker(sampleRate, channels int) (*Speaker, error) {
	logger := log.With().Str("module", "playback").Logger()
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		logger.Debug().Msg(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("audio context: %w", err)
	}

	// half a second of backlog per participant
	s := &Speaker{ctx: mctx, mix: newMixer(sampleRate * channels / 2), logger: logger}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(channels)
	cfg.SampleRate = uint32(sampleRate)
	cfg.Alsa.NoMMap = 1

	var frame []int16
	callbacks := malgo.DeviceCallbacks{
		Data: func(out, _ []byte, frames uint32) {
			n := int(frames) * channels
			if cap(frame) < n {
				frame = make([]int16, n)
			}
			frame = frame[:n]
			s.mix.mix(frame)
			for i, v := range frame {
				binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
			}
		},
	}
	dev, err := malgo.InitDevice(mctx.Context, cfg, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("playback device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("start playback: %w", err)
	}
	s.device = dev
	logger.Info().Int("sample_rate", sampleRate).Int("channels", channels).Msg("playback started")
	return s, nil
}

func (s *Speaker) WritePCM(from domain.UserID, pcm []int16) {
	s.mix.push(from, pcm)
}

// Forget drops any queued audio from a participant that left.
func (s *Speaker) Forget(from domain.UserID) {
	s.mix.drop(from)
}

func (s *Speaker) Close() error {
	s.once.Do(func() {
		s.device.Uninit()
		_ = s.ctx.Uninit()
		s.ctx.Free()
		s.logger.Info().Msg("playback stopped")
	})
	return nil
}
