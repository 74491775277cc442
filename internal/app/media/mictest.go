package media

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/app/speaking"
	"github.com/dkeye/voicemesh/internal/core"
)

// MicTest meters a microphone without joining a channel.
type MicTest struct {
	stream *Stream
	det    *speaking.Detector
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// StartMicTest opens the device and reports the level in percent every interval.
func (c *Capture) StartMicTest(ctx context.Context, deviceID string, cons core.AudioConstraints,
	cfg speaking.Config, interval time.Duration, onLevel func(float64)) (*MicTest, error) {
	s, err := c.AcquireLocalAudio(ctx, deviceID, cons)
	if err != nil {
		return nil, err
	}
	det := speaking.New(cfg)
	for _, t := range s.AudioTracks() {
		ch := t.Channels()
		t.SetAnalyser(func(pcm []int16) { det.Write(pcm, ch) })
	}

	ctx, cancel := context.WithCancel(ctx)
	m := &MicTest{stream: s, det: det, cancel: cancel}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		det.Watch(ctx, interval, func(speaking.Transition, bool) {
			if onLevel != nil {
				onLevel(det.Level())
			}
		})
	}()
	return m, nil
}

func (m *MicTest) Level() float64 { return m.det.Level() }

// Stop releases the device and the meter. Safe to call more than once.
func (m *MicTest) Stop() {
	m.cancel()
	m.wg.Wait()
	m.stream.Stop()
	m.det.Stop()
}
