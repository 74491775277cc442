// Package devices binds the core media interfaces to real hardware: mediadevices for
// capture, opus for inbound decode and miniaudio for playback.
package devices

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the microphone driver
	_ "github.com/pion/mediadevices/pkg/driver/screen"     // registers the screen driver
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

type CaptureConfig struct {
	VideoBitRate     int
	KeyFrameInterval int
	FrameRate        float64
}

// Capturer is the core.Capturer over pion/mediadevices.
type Capturer struct {
	selector *mediadevices.CodecSelector
	cfg      CaptureConfig
}

func NewCapturer(cfg CaptureConfig) (*Capturer, error) {
	if cfg.VideoBitRate <= 0 {
		cfg.VideoBitRate = 1_000_000
	}
	if cfg.KeyFrameInterval <= 0 {
		cfg.KeyFrameInterval = 60
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 15
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = cfg.VideoBitRate
	vpxParams.KeyFrameInterval = cfg.KeyFrameInterval
	vpxParams.RateControlEndUsage = vpx.RateControlVBR

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	opusParams.Latency = opus.Latency20ms

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	log.Info().Str("module", "devices").Int("video_bitrate", cfg.VideoBitRate).Msg("codec selector configured")
	return &Capturer{selector: selector, cfg: cfg}, nil
}

// UserAudio opens the microphone. No prompt is involved, so a cancelled ctx is a device
// failure, not a user cancellation.
func (c *Capturer) UserAudio(ctx context.Context, deviceID string, cons core.AudioConstraints) (core.CaptureSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify(err, core.ErrDevice)
	}
	if cons.NoiseSuppression || cons.EchoCancellation || cons.AutoGainControl {
		log.Debug().Str("module", "devices").Msg("audio processing constraints are not supported by the capture driver")
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			if deviceID != "" && deviceID != "default" {
				c.DeviceID = prop.String(deviceID)
			}
			if cons.SampleRate > 0 {
				c.SampleRate = prop.Int(cons.SampleRate)
			}
			if cons.ChannelCount > 0 {
				c.ChannelCount = prop.Int(cons.ChannelCount)
			}
			if cons.SampleSize > 0 {
				c.SampleSize = prop.Int(cons.SampleSize)
			}
			c.IsFloat = prop.BoolExact(false)
			c.IsBigEndian = prop.BoolExact(false)
			c.IsInterleaved = prop.BoolExact(true)
			c.Latency = prop.Duration(20 * time.Millisecond)
		},
		Codec: c.selector,
	})
	if err != nil {
		return nil, classify(err, core.ErrDevice)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no audio track", core.ErrDevice)
	}
	return newSource(tracks[0], webrtc.RTPCodecTypeAudio, webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	})
}

func (c *Capturer) Display(ctx context.Context) (core.CaptureSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify(err, core.ErrUserCancelled)
	}
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(m *mediadevices.MediaTrackConstraints) {
			m.FrameRate = prop.Float(c.cfg.FrameRate)
		},
		Codec: c.selector,
	})
	if err != nil {
		return nil, classify(err, core.ErrUserCancelled)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no video track", core.ErrDevice)
	}
	return newSource(tracks[0], webrtc.RTPCodecTypeVideo, webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	})
}

func (c *Capturer) Devices(context.Context) ([]core.DeviceInfo, error) {
	var out []core.DeviceInfo
	for _, d := range mediadevices.EnumerateDevices() {
		kind, ok := deviceKind(d.Kind)
		if !ok {
			continue
		}
		out = append(out, core.DeviceInfo{ID: d.DeviceID, Label: d.Label, Kind: kind})
	}
	return out, nil
}

func deviceKind(k mediadevices.MediaDeviceType) (core.DeviceKind, bool) {
	switch k {
	case mediadevices.AudioInput:
		return core.AudioInput, true
	case mediadevices.AudioOutput:
		return core.AudioOutput, true
	case mediadevices.VideoInput:
		return core.VideoInput, true
	}
	return "", false
}

// classify maps driver errors onto the capture sentinels. Context errors become
// onCancel: the display picker treats them as the user backing out, audio as a device failure.
func classify(err, onCancel error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errors.Join(onCancel, err)
	case strings.Contains(msg, "permission"), strings.Contains(msg, "not allowed"):
		return fmt.Errorf("%w: %v", core.ErrPermissionDenied, err)
	default:
		return fmt.Errorf("%w: %v", core.ErrDevice, err)
	}
}

// source adapts a mediadevices track to core.CaptureSource, and to core.PCMSource for audio.
type source struct {
	track mediadevices.Track
	kind  webrtc.RTPCodecType
	codec webrtc.RTPCodecCapability
	enc   mediadevices.EncodedReadCloser
	raw   interface {
		Read() (wave.Audio, func(), error)
	}

	closeOnce sync.Once
}

func newSource(track mediadevices.Track, kind webrtc.RTPCodecType, codec webrtc.RTPCodecCapability) (*source, error) {
	name := strings.ToLower(strings.TrimPrefix(codec.MimeType, kind.String()+"/"))
	enc, err := track.NewEncodedReader(name)
	if err != nil {
		_ = track.Close()
		return nil, fmt.Errorf("%w: encoder %s: %v", core.ErrDevice, name, err)
	}
	s := &source{track: track, kind: kind, codec: codec, enc: enc}
	if at, ok := track.(*mediadevices.AudioTrack); ok {
		s.raw = at.NewReader(false)
	}
	track.OnEnded(func(err error) {
		log.Info().Str("module", "devices").Str("track_id", track.ID()).AnErr("cause", err).Msg("capture track ended")
	})
	return s, nil
}

func (s *source) Kind() webrtc.RTPCodecType        { return s.kind }
func (s *source) Codec() webrtc.RTPCodecCapability { return s.codec }

func (s *source) ReadSample() (media.Sample, error) {
	buf, release, err := s.enc.Read()
	if err != nil {
		return media.Sample{}, err
	}
	defer release()
	data := make([]byte, len(buf.Data))
	copy(data, buf.Data)
	return media.Sample{
		Data:     data,
		Duration: time.Duration(buf.Samples) * time.Second / time.Duration(s.codec.ClockRate),
	}, nil
}

// ReadPCM returns interleaved 16-bit samples for the analyser.
func (s *source) ReadPCM() ([]int16, error) {
	if s.raw == nil {
		return nil, fmt.Errorf("%w: not an audio source", core.ErrDevice)
	}
	for {
		chunk, release, err := s.raw.Read()
		if err != nil {
			return nil, err
		}
		pcm := toInt16(chunk)
		release()
		if pcm != nil {
			return pcm, nil
		}
	}
}

func (s *source) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.enc.Close()
		err = s.track.Close()
	})
	return err
}

// toInt16 flattens a captured chunk to interleaved int16. Unknown formats yield nil.
func toInt16(chunk wave.Audio) []int16 {
	switch a := chunk.(type) {
	case *wave.Int16Interleaved:
		out := make([]int16, len(a.Data))
		copy(out, a.Data)
		return out
	case *wave.Float32Interleaved:
		out := make([]int16, len(a.Data))
		for i, v := range a.Data {
			out[i] = int16(max(-1, min(1, v)) * 32767)
		}
		return out
	default:
		return nil
	}
}
