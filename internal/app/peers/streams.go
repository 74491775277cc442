package peers

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dkeye/voicemesh/internal/app/speaking"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RemoteStream is everything received from one participant.
type RemoteStream struct {
	peer domain.UserID

	mu     sync.Mutex
	tracks map[string]webrtc.RTPCodecType

	// playback flag, cleared while deafened
	enabled atomic.Bool
	packets atomic.Uint64
	det     *speaking.Detector
	sink    core.PCMSink
	logger  zerolog.Logger
}

func newRemoteStream(peer domain.UserID, enabled bool, det *speaking.Detector, sink core.PCMSink) *RemoteStream {
	s := &RemoteStream{
		peer:   peer,
		tracks: make(map[string]webrtc.RTPCodecType),
		det:    det,
		sink:   sink,
		logger: log.With().Str("module", "peers.stream").Str("peer", peer.String()).Logger(),
	}
	s.enabled.Store(enabled)
	return s
}

func (s *RemoteStream) Peer() domain.UserID { return s.peer }

func (s *RemoteStream) AudioEnabled() bool { return s.enabled.Load() }

func (s *RemoteStream) Packets() uint64 { return s.packets.Load() }

func (s *RemoteStream) addTrack(t core.RemoteTrack, dec core.AudioDecoder) {
	s.mu.Lock()
	s.tracks[t.ID()] = t.Kind()
	s.mu.Unlock()
	go s.pump(t, dec)
}

// pump drains the track until the connection goes away. Decoded audio feeds the
// speaking detector and, unless deafened, the playback sink.
func (s *RemoteStream) pump(t core.RemoteTrack, dec core.AudioDecoder) {
	channels := int(t.Codec().Channels)
	if channels < 1 {
		channels = 1
	}
	for {
		pkt, _, err := t.ReadRTP()
		if err != nil {
			s.logger.Debug().Err(err).Str("track_id", t.ID()).Msg("remote track ended")
			s.mu.Lock()
			delete(s.tracks, t.ID())
			s.mu.Unlock()
			return
		}
		s.packets.Add(1)
		if dec == nil || len(pkt.Payload) == 0 {
			continue
		}
		pcm, err := dec.Decode(pkt.Payload)
		if err != nil {
			s.logger.Debug().Err(err).Msg("decode")
			continue
		}
		if s.det != nil {
			s.det.Write(pcm, channels)
		}
		if s.sink != nil && s.enabled.Load() {
			s.sink.WritePCM(s.peer, pcm)
		}
	}
}

func (s *RemoteStream) kinds() (audio, video bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.tracks {
		switch k {
		case webrtc.RTPCodecTypeAudio:
			audio = true
		case webrtc.RTPCodecTypeVideo:
			video = true
		}
	}
	return audio, video
}

func (s *RemoteStream) close() {
	if s.det != nil {
		s.det.Stop()
	}
}

// StreamInfo is the UI-facing snapshot of one remote stream.
type StreamInfo struct {
	Peer         domain.UserID `json:"peer"`
	HasAudio     bool          `json:"has_audio"`
	HasVideo     bool          `json:"has_video"`
	AudioEnabled bool          `json:"audio_enabled"`
	Speaking     bool          `json:"speaking"`
	Packets      uint64        `json:"packets"`
}

// Streams is the remote stream registry. The manager writes; anyone may read snapshots.
type Streams struct {
	mu     sync.RWMutex
	byPeer map[domain.UserID]*RemoteStream
}

func NewStreams() *Streams {
	return &Streams{byPeer: make(map[domain.UserID]*RemoteStream)}
}

func (r *Streams) Get(peer domain.UserID) (*RemoteStream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byPeer[peer]
	return s, ok
}

func (r *Streams) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPeer)
}

func (r *Streams) Snapshot() []StreamInfo {
	r.mu.RLock()
	all := make([]*RemoteStream, 0, len(r.byPeer))
	for _, s := range r.byPeer {
		all = append(all, s)
	}
	r.mu.RUnlock()

	out := make([]StreamInfo, 0, len(all))
	for _, s := range all {
		audio, video := s.kinds()
		info := StreamInfo{
			Peer:         s.peer,
			HasAudio:     audio,
			HasVideo:     video,
			AudioEnabled: s.enabled.Load(),
			Packets:      s.packets.Load(),
		}
		if s.det != nil {
			info.Speaking = s.det.Speaking()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

func (r *Streams) getOrCreate(peer domain.UserID, create func() *RemoteStream) *RemoteStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byPeer[peer]; ok {
		return s
	}
	s := create()
	r.byPeer[peer] = s
	return s
}

func (r *Streams) remove(peer domain.UserID) {
	r.mu.Lock()
	s, ok := r.byPeer[peer]
	delete(r.byPeer, peer)
	r.mu.Unlock()
	if ok {
		s.close()
	}
}

func (r *Streams) each(fn func(*RemoteStream)) {
	r.mu.RLock()
	all := make([]*RemoteStream, 0, len(r.byPeer))
	for _, s := range r.byPeer {
		all = append(all, s)
	}
	r.mu.RUnlock()
	for _, s := range all {
		fn(s)
	}
}
