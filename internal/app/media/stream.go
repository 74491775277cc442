package media

import (
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Stream groups the local tracks acquired by one capture call.
type Stream struct {
	id     string
	tracks []*LocalTrack
}

func newStream() *Stream {
	return &Stream{id: uuid.NewString()}
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Tracks() []*LocalTrack {
	out := make([]*LocalTrack, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *Stream) AudioTracks() []*LocalTrack { return s.byKind(webrtc.RTPCodecTypeAudio) }

func (s *Stream) VideoTracks() []*LocalTrack { return s.byKind(webrtc.RTPCodecTypeVideo) }

func (s *Stream) byKind(kind webrtc.RTPCodecType) []*LocalTrack {
	var out []*LocalTrack
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// SetAudioEnabled applies the mute flag to every audio track.
func (s *Stream) SetAudioEnabled(on bool) {
	for _, t := range s.AudioTracks() {
		t.SetEnabled(on)
	}
}

// Stop ends every track. Safe to call more than once.
func (s *Stream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}
