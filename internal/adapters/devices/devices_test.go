package devices

import (
	"context"
	"errors"
	"testing"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMixerSumsAndClips(t *testing.T) {
	m := newMixer(8)
	m.push("a", []int16{100, 200, 30000})
	m.push("b", []int16{-50, 50, 10000, 7})

	out := make([]int16, 2)
	m.mix(out)
	assert.Equal(t, []int16{50, 250}, out)

	out = make([]int16, 4)
	m.mix(out)
	assert.Equal(t, []int16{32767, 7, 0, 0}, out, "sum is clipped and exhausted queues pad with silence")

	m.mix(out)
	assert.Equal(t, []int16{0, 0, 0, 0}, out)
}

func TestMixerDropsOldestPastLimit(t *testing.T) {
	m := newMixer(3)
	m.push("a", []int16{1, 2})
	m.push("a", []int16{3, 4})
	out := make([]int16, 3)
	m.mix(out)
	assert.Equal(t, []int16{2, 3, 4}, out)

	m.push("b", []int16{5})
	m.drop("b")
	m.mix(out)
	assert.Equal(t, []int16{0, 0, 0}, out)
}

func TestToInt16(t *testing.T) {
	ints := &wave.Int16Interleaved{Data: []int16{1, -2, 3}}
	assert.Equal(t, []int16{1, -2, 3}, toInt16(ints))

	floats := &wave.Float32Interleaved{Data: []float32{0, 1, -1, 2}}
	assert.Equal(t, []int16{0, 32767, -32767, 32767}, toInt16(floats))

	assert.Nil(t, toInt16(&wave.Float32NonInterleaved{}))
}

func TestDeviceKind(t *testing.T) {
	k, ok := deviceKind(mediadevices.AudioInput)
	require.True(t, ok)
	assert.Equal(t, core.AudioInput, k)
	k, ok = deviceKind(mediadevices.VideoInput)
	require.True(t, ok)
	assert.Equal(t, core.VideoInput, k)
	k, ok = deviceKind(mediadevices.AudioOutput)
	require.True(t, ok)
	assert.Equal(t, core.AudioOutput, k)
}

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, classify(errors.New("Permission denied by system"), core.ErrDevice), core.ErrPermissionDenied)
	assert.ErrorIs(t, classify(errors.New("no such device"), core.ErrUserCancelled), core.ErrDevice)

	err := classify(context.Canceled, core.ErrUserCancelled)
	assert.ErrorIs(t, err, core.ErrUserCancelled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUserAudioCancelledContextIsDeviceError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := (&Capturer{}).UserAudio(ctx, "", core.AudioConstraints{})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrDevice)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, core.ErrUserCancelled)

	_, err = (&Capturer{}).Display(ctx)
	assert.ErrorIs(t, err, core.ErrUserCancelled)
}

func TestOpusDecoderRejectsOtherCodecs(t *testing.T) {
	_, err := OpusDecoders{}.NewDecoder(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
	})
	assert.ErrorIs(t, err, ErrUnsupportedCodec)

	dec, err := OpusDecoders{}.NewDecoder(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: "audio/OPUS", ClockRate: 48000, Channels: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, dec.(*opusDecoder).channels)
}
