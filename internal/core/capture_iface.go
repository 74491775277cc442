package core

import (
	"context"
	"errors"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

var (
	ErrPermissionDenied = errors.New("media permission denied")
	ErrDevice           = errors.New("media device error")
	ErrUserCancelled    = errors.New("user cancelled")
)

// AudioConstraints is the capture profile requested from the platform.
type AudioConstraints struct {
	NoiseSuppression bool
	EchoCancellation bool
	AutoGainControl  bool
	SampleRate       int
	ChannelCount     int
	SampleSize       int
}

type DeviceKind string

const (
	AudioInput  DeviceKind = "audioinput"
	AudioOutput DeviceKind = "audiooutput"
	VideoInput  DeviceKind = "videoinput"
)

type DeviceInfo struct {
	ID    string     `json:"id"`
	Label string     `json:"label"`
	Kind  DeviceKind `json:"kind"`
}

// CaptureSource yields encoded samples from one platform track.
type CaptureSource interface {
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecCapability
	// ReadSample blocks until the next encoded sample; io.EOF once the source ended.
	ReadSample() (media.Sample, error)
	Close() error
}

// PCMSource is implemented by audio sources that also expose raw samples for analysis.
type PCMSource interface {
	ReadPCM() ([]int16, error)
}

// Capturer is the platform media layer. Errors wrap ErrPermissionDenied, ErrDevice or ErrUserCancelled.
type Capturer interface {
	UserAudio(ctx context.Context, deviceID string, c AudioConstraints) (CaptureSource, error)
	Display(ctx context.Context) (CaptureSource, error)
	Devices(ctx context.Context) ([]DeviceInfo, error)
}

// AudioDecoder turns inbound RTP payloads into interleaved PCM.
type AudioDecoder interface {
	Decode(payload []byte) ([]int16, error)
}

type DecoderFactory interface {
	NewDecoder(codec webrtc.RTPCodecParameters) (AudioDecoder, error)
}

// PCMSink receives decoded inbound audio for playback.
type PCMSink interface {
	WritePCM(from domain.UserID, pcm []int16)
}
