// Package media owns local capture: the microphone stream, screen share streams and the mic test.
package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/rs/zerolog/log"
)

var (
	ErrPermissionDenied = core.ErrPermissionDenied
	ErrDevice           = core.ErrDevice
	ErrUserCancelled    = core.ErrUserCancelled
)

// Capture acquires local streams from the platform capturer.
type Capture struct {
	dev core.Capturer
}

func NewCapture(dev core.Capturer) *Capture {
	return &Capture{dev: dev}
}

// AcquireLocalAudio opens the microphone with the given profile.
// Errors wrap ErrPermissionDenied or ErrDevice.
func (c *Capture) AcquireLocalAudio(ctx context.Context, deviceID string, cons core.AudioConstraints) (*Stream, error) {
	src, err := c.dev.UserAudio(ctx, deviceID, cons)
	if err != nil {
		err = classify(err, ErrDevice)
		log.Error().Err(err).Str("module", "media").Str("device", deviceID).Msg("microphone unavailable")
		return nil, err
	}
	s := newStream()
	t, err := newLocalTrack(src, s.id, channelsOf(cons))
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("%w: %v", ErrDevice, err)
	}
	s.tracks = append(s.tracks, t)
	log.Info().Str("module", "media").Str("stream_id", s.id).Str("device", deviceID).Msg("microphone acquired")
	return s, nil
}

// AcquireScreenShare opens a display capture. Errors wrap ErrUserCancelled,
// ErrPermissionDenied or ErrDevice.
func (c *Capture) AcquireScreenShare(ctx context.Context) (*Stream, error) {
	src, err := c.dev.Display(ctx)
	if err != nil {
		err = classify(err, ErrDevice)
		if errors.Is(err, ErrUserCancelled) {
			log.Info().Str("module", "media").Msg("screen share cancelled")
		} else {
			log.Error().Err(err).Str("module", "media").Msg("screen share unavailable")
		}
		return nil, err
	}
	s := newStream()
	t, err := newLocalTrack(src, s.id, 0)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("%w: %v", ErrDevice, err)
	}
	s.tracks = append(s.tracks, t)
	log.Info().Str("module", "media").Str("stream_id", s.id).Msg("screen share acquired")
	return s, nil
}

func (c *Capture) Devices(ctx context.Context) ([]core.DeviceInfo, error) {
	devs, err := c.dev.Devices(ctx)
	if err != nil {
		return nil, classify(err, ErrDevice)
	}
	return devs, nil
}

// classify keeps known sentinels and folds everything else into fallback.
func classify(err, fallback error) error {
	switch {
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrUserCancelled), errors.Is(err, ErrDevice):
		return err
	default:
		return fmt.Errorf("%w: %v", fallback, err)
	}
}

func channelsOf(cons core.AudioConstraints) int {
	if cons.ChannelCount < 1 {
		return 1
	}
	return cons.ChannelCount
}
