// Package mediatest provides in-memory capture sources for tests.
package mediatest

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// Source is a core.CaptureSource (and core.PCMSource for audio) fed by the test.
type Source struct {
	kind    webrtc.RTPCodecType
	samples chan media.Sample
	pcm     chan []int16

	mu     sync.Mutex
	closed chan struct{}
	closes int
}

func NewAudioSource() *Source { return newSource(webrtc.RTPCodecTypeAudio) }

func NewVideoSource() *Source { return newSource(webrtc.RTPCodecTypeVideo) }

func newSource(kind webrtc.RTPCodecType) *Source {
	return &Source{
		kind:    kind,
		samples: make(chan media.Sample, 64),
		pcm:     make(chan []int16, 64),
		closed:  make(chan struct{}),
	}
}

func (s *Source) Kind() webrtc.RTPCodecType { return s.kind }

func (s *Source) Codec() webrtc.RTPCodecCapability {
	if s.kind == webrtc.RTPCodecTypeVideo {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
}

func (s *Source) ReadSample() (media.Sample, error) {
	select {
	case smp := <-s.samples:
		return smp, nil
	case <-s.closed:
		return media.Sample{}, io.EOF
	}
}

func (s *Source) ReadPCM() ([]int16, error) {
	select {
	case p := <-s.pcm:
		return p, nil
	case <-s.closed:
		return nil, io.EOF
	}
}

// Push queues one encoded sample and the matching PCM frame.
func (s *Source) Push(pcm []int16) {
	select {
	case <-s.closed:
		return
	default:
	}
	s.samples <- media.Sample{Data: []byte{0xf8, 0xff, 0xfe}, Duration: 20 * time.Millisecond}
	if pcm != nil {
		s.pcm <- pcm
	}
}

// End simulates the platform ending the track (e.g. the user stops sharing).
func (s *Source) End() { _ = s.Close() }

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	if s.closes == 1 {
		close(s.closed)
	}
	return nil
}

func (s *Source) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Capturer hands out Sources and records them. Set the Err fields to fail calls.
type Capturer struct {
	mu         sync.Mutex
	AudioErr   error
	DisplayErr error
	Audio      []*Source
	Displays   []*Source
	Constraint core.AudioConstraints
}

func (c *Capturer) UserAudio(_ context.Context, _ string, cons core.AudioConstraints) (core.CaptureSource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.AudioErr != nil {
		return nil, c.AudioErr
	}
	c.Constraint = cons
	s := NewAudioSource()
	c.Audio = append(c.Audio, s)
	return s, nil
}

func (c *Capturer) Display(context.Context) (core.CaptureSource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DisplayErr != nil {
		return nil, c.DisplayErr
	}
	s := NewVideoSource()
	c.Displays = append(c.Displays, s)
	return s, nil
}

func (c *Capturer) Devices(context.Context) ([]core.DeviceInfo, error) {
	return []core.DeviceInfo{{ID: "default", Label: "Default", Kind: core.AudioInput}}, nil
}

func (c *Capturer) LastDisplay() *Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Displays) == 0 {
		return nil
	}
	return c.Displays[len(c.Displays)-1]
}

func (c *Capturer) LastAudio() *Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Audio) == 0 {
		return nil
	}
	return c.Audio[len(c.Audio)-1]
}
