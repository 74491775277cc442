package devices

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/hraban/opus"
	"github.com/pion/webrtc/v4"
)

var ErrUnsupportedCodec = errors.New("unsupported audio codec")

// 120ms at 48kHz is the longest opus frame.
const maxFrameSamples = 5760

// OpusDecoders builds one libopus decoder per inbound audio track.
type OpusDecoders struct {
	// Channels overrides the negotiated channel count when positive.
	Channels int
}

func (f OpusDecoders) NewDecoder(codec webrtc.RTPCodecParameters) (core.AudioDecoder, error) {
	if !strings.EqualFold(codec.MimeType, webrtc.MimeTypeOpus) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, codec.MimeType)
	}
	rate := int(codec.ClockRate)
	if rate == 0 {
		rate = 48000
	}
	channels := f.Channels
	if channels <= 0 {
		channels = int(codec.Channels)
	}
	if channels <= 0 {
		channels = 1
	}
	dec, err := opus.NewDecoder(rate, channels)
	if err != nil {
		return nil, fmt.Errorf("opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec, channels: channels, pcm: make([]int16, maxFrameSamples*channels)}, nil
}

type opusDecoder struct {
	dec      *opus.Decoder
	channels int
	pcm      []int16
}

// Decode returns a fresh interleaved slice; the internal buffer is reused.
func (d *opusDecoder) Decode(payload []byte) ([]int16, error) {
	n, err := d.dec.Decode(payload, d.pcm)
	if err != nil {
		return nil, err
	}
	out := make([]int16, n*d.channels)
	copy(out, d.pcm[:n*d.channels])
	return out, nil
}
