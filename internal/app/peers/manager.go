// Package peers keeps one media connection per remote participant and negotiates it over
// the signaling channel.
//
// Manager is not safe for concurrent use. All methods run on the session loop; connection
// callbacks are turned into Events and posted back to that loop.
package peers

import (
	"errors"
	"fmt"
	"sort"

	"github.com/dkeye/voicemesh/internal/app/speaking"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrNegotiationFailed = errors.New("negotiation failed")

type Config struct {
	Self    domain.UserID
	Factory core.ConnFactory
	// Send hands an envelope to the signaling channel. It must not block.
	Send func(domain.SignalEnvelope) error
	// Post queues a connection event for the loop. It must not block.
	Post func(Event)
	// OnFailure reports a link that was closed because of ErrNegotiationFailed.
	OnFailure func(peer domain.UserID, err error)

	// Decoders and Sink are optional; without a decoder inbound audio is only drained.
	Decoders core.DecoderFactory
	Sink     core.PCMSink
	Speaking speaking.Config
}

// SpeakingEdge reports a remote participant starting or stopping to speak.
type SpeakingEdge struct {
	Peer     domain.UserID
	Speaking bool
}

type Manager struct {
	cfg     Config
	links   map[domain.UserID]*Link
	streams *Streams
	local   map[webrtc.RTPCodecType]webrtc.TrackLocal
	// inbound audio playback; false while deafened
	audioOn bool
	logger  zerolog.Logger
}

func NewManager(cfg Config) *Manager {
	if cfg.OnFailure == nil {
		cfg.OnFailure = func(domain.UserID, error) {}
	}
	return &Manager{
		cfg:     cfg,
		links:   make(map[domain.UserID]*Link),
		streams: NewStreams(),
		local:   make(map[webrtc.RTPCodecType]webrtc.TrackLocal),
		audioOn: true,
		logger:  log.With().Str("module", "peers").Str("self", cfg.Self.String()).Logger(),
	}
}

func (m *Manager) Streams() *Streams { return m.streams }

// SetLocalAudio sets the outbound audio track attached to every link created afterwards.
func (m *Manager) SetLocalAudio(t webrtc.TrackLocal) {
	if t == nil {
		delete(m.local, webrtc.RTPCodecTypeAudio)
		return
	}
	m.local[webrtc.RTPCodecTypeAudio] = t
}

func (m *Manager) Link(peer domain.UserID) (LinkInfo, bool) {
	l, ok := m.links[peer]
	if !ok {
		return LinkInfo{}, false
	}
	return l.info(), true
}

func (m *Manager) Links() []LinkInfo {
	out := make([]LinkInfo, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, l.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

func (m *Manager) Len() int { return len(m.links) }

// Initiate handles a presence join: create an initiator link and send it an offer.
// A second join for a peer with a live link is ignored.
func (m *Manager) Initiate(peer domain.UserID) {
	if peer == m.cfg.Self {
		return
	}
	if _, ok := m.links[peer]; ok {
		m.logger.Debug().Str("peer", peer.String()).Msg("join for existing link ignored")
		return
	}
	l, err := m.newLink(peer, RoleInitiator)
	if err != nil {
		m.cfg.OnFailure(peer, err)
		return
	}
	if err := m.offer(l); err != nil {
		m.fail(l, err)
	}
}

// HandleSignal applies one envelope from the channel.
func (m *Manager) HandleSignal(env domain.SignalEnvelope) {
	if !env.DeliverTo(m.cfg.Self) {
		return
	}
	from := env.FromUserID
	logger := m.logger.With().Str("peer", from.String()).Str("type", string(env.Type)).Logger()

	switch env.Type {
	case domain.SignalOffer:
		var sdp webrtc.SessionDescription
		if err := env.Decode(&sdp); err != nil {
			logger.Warn().Err(err).Msg("bad offer payload")
			return
		}
		m.handleOffer(from, sdp)

	case domain.SignalAnswer:
		l, ok := m.links[from]
		if !ok {
			logger.Debug().Msg("answer for unknown link dropped")
			return
		}
		var sdp webrtc.SessionDescription
		if err := env.Decode(&sdp); err != nil {
			logger.Warn().Err(err).Msg("bad answer payload")
			return
		}
		if l.conn.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
			logger.Debug().Str("signaling", l.conn.SignalingState().String()).Msg("unexpected answer dropped")
			return
		}
		if err := l.conn.ApplyAnswer(sdp); err != nil {
			m.fail(l, fmt.Errorf("apply answer: %w", err))
			return
		}
		l.negotiated = true
		m.flushPending(l)
		m.offerIfNeeded(l)

	case domain.SignalICECandidate:
		l, ok := m.links[from]
		if !ok {
			logger.Debug().Msg("candidate for unknown link dropped")
			return
		}
		var cand webrtc.ICECandidateInit
		if err := env.Decode(&cand); err != nil {
			logger.Warn().Err(err).Msg("bad candidate payload")
			return
		}
		if !l.conn.HasRemoteDescription() {
			l.pending = append(l.pending, cand)
			return
		}
		if err := l.conn.AddICECandidate(cand); err != nil {
			logger.Warn().Err(err).Msg("add candidate")
		}
	}
}

func (m *Manager) handleOffer(from domain.UserID, sdp webrtc.SessionDescription) {
	l, ok := m.links[from]
	if !ok {
		var err error
		if l, err = m.newLink(from, RoleResponder); err != nil {
			m.cfg.OnFailure(from, err)
			return
		}
	} else if l.conn.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		// Both sides offered. The greater id rolls back and answers; the other ignores.
		if m.cfg.Self < from {
			l.logger.Info().Msg("offer collision, keeping local offer")
			return
		}
		l.logger.Info().Msg("offer collision, rolling back local offer")
		if err := l.conn.Rollback(); err != nil {
			m.fail(l, fmt.Errorf("rollback: %w", err))
			return
		}
		if l.negotiated {
			l.needsOffer = true
		}
	}

	l.state = max(l.state, LinkNegotiating)
	answer, err := l.conn.ApplyOfferAndCreateAnswer(sdp)
	if err != nil {
		m.fail(l, fmt.Errorf("answer offer: %w", err))
		return
	}
	l.negotiated = true
	m.flushPending(l)
	if err := m.send(domain.SignalAnswer, l.peer, answer); err != nil {
		l.logger.Warn().Err(err).Msg("send answer")
	}
	m.offerIfNeeded(l)
}

// Handle applies a connection event. Events of links that were closed or replaced are dropped.
func (m *Manager) Handle(ev Event) {
	l := ev.link()
	if cur, ok := m.links[l.peer]; !ok || cur != l {
		return
	}
	switch e := ev.(type) {
	case ICEGathered:
		if err := m.send(domain.SignalICECandidate, l.peer, e.Candidate); err != nil {
			l.logger.Warn().Err(err).Msg("send candidate")
		}
	case StateChanged:
		l.logger.Info().Str("pc_state", e.State.String()).Msg("connection state")
		switch e.State {
		case webrtc.PeerConnectionStateConnected:
			l.state = LinkConnected
		case webrtc.PeerConnectionStateFailed:
			m.fail(l, errors.New("ice failed"))
		case webrtc.PeerConnectionStateClosed:
			m.closeLink(l)
		}
	case TrackReceived:
		m.addRemoteTrack(l, e.Track)
	}
}

// Remove closes the link to peer and forgets its stream. Used on presence leave.
func (m *Manager) Remove(peer domain.UserID) {
	if l, ok := m.links[peer]; ok {
		m.closeLink(l)
		return
	}
	m.streams.remove(peer)
}

func (m *Manager) CloseAll() {
	for _, l := range m.links {
		m.closeLink(l)
	}
}

// SetAudioEnabled toggles playback of every inbound audio track, present and future.
func (m *Manager) SetAudioEnabled(on bool) {
	m.audioOn = on
	m.streams.each(func(s *RemoteStream) { s.enabled.Store(on) })
}

// SetScreenTrack puts t on the video sender of every link. Links that already send video
// swap the track in place; the others get a new sender and a fresh offer.
func (m *Manager) SetScreenTrack(t webrtc.TrackLocal) {
	m.local[webrtc.RTPCodecTypeVideo] = t
	for _, l := range m.linkList() {
		if sender, ok := l.senders[webrtc.RTPCodecTypeVideo]; ok {
			if err := sender.ReplaceTrack(t); err != nil {
				m.fail(l, fmt.Errorf("replace video: %w", err))
			}
			continue
		}
		sender, err := l.conn.AddTrack(t)
		if err != nil {
			m.fail(l, fmt.Errorf("add video: %w", err))
			continue
		}
		l.senders[webrtc.RTPCodecTypeVideo] = sender
		m.renegotiate(l)
	}
}

// ClearScreenTrack removes the video sender from every link. Audio senders are untouched.
func (m *Manager) ClearScreenTrack() {
	delete(m.local, webrtc.RTPCodecTypeVideo)
	for _, l := range m.linkList() {
		sender, ok := l.senders[webrtc.RTPCodecTypeVideo]
		if !ok {
			continue
		}
		delete(l.senders, webrtc.RTPCodecTypeVideo)
		if err := l.conn.RemoveTrack(sender); err != nil {
			m.fail(l, fmt.Errorf("remove video: %w", err))
			continue
		}
		m.renegotiate(l)
	}
}

// PollSpeaking runs one detector step for every remote stream and returns the edges.
func (m *Manager) PollSpeaking() []SpeakingEdge {
	var out []SpeakingEdge
	m.streams.each(func(s *RemoteStream) {
		if s.det == nil {
			return
		}
		if tr, ok := s.det.Poll(); ok {
			out = append(out, SpeakingEdge{Peer: s.peer, Speaking: tr.Speaking})
		}
	})
	return out
}

func (m *Manager) newLink(peer domain.UserID, role Role) (*Link, error) {
	conn, err := m.cfg.Factory.NewConnection(peer)
	if err != nil {
		m.logger.Error().Err(err).Str("peer", peer.String()).Msg("create connection")
		return nil, fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}
	l := &Link{
		peer:    peer,
		role:    role,
		conn:    conn,
		senders: make(map[webrtc.RTPCodecType]core.TrackSender),
		logger: m.logger.With().
			Str("peer", peer.String()).
			Str("role", role.String()).
			Logger(),
	}
	post := m.cfg.Post
	conn.OnICECandidate(func(c webrtc.ICECandidateInit) { post(ICEGathered{Link: l, Candidate: c}) })
	conn.OnStateChange(func(s webrtc.PeerConnectionState) { post(StateChanged{Link: l, State: s}) })
	conn.OnTrack(func(t core.RemoteTrack) { post(TrackReceived{Link: l, Track: t}) })

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		t, ok := m.local[kind]
		if !ok {
			continue
		}
		sender, err := conn.AddTrack(t)
		if err != nil {
			_ = conn.Close()
			m.logger.Error().Err(err).Str("peer", peer.String()).Msg("attach local track")
			return nil, fmt.Errorf("%w: attach %s: %v", ErrNegotiationFailed, kind, err)
		}
		l.senders[kind] = sender
	}
	m.links[peer] = l
	l.logger.Info().Int("links", len(m.links)).Msg("link created")
	return l, nil
}

func (m *Manager) offer(l *Link) error {
	l.state = max(l.state, LinkNegotiating)
	sdp, err := l.conn.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := m.send(domain.SignalOffer, l.peer, sdp); err != nil {
		l.logger.Warn().Err(err).Msg("send offer")
	}
	return nil
}

// renegotiate offers now when the link is stable, otherwise after the current exchange.
func (m *Manager) renegotiate(l *Link) {
	if l.conn.SignalingState() != webrtc.SignalingStateStable {
		l.needsOffer = true
		return
	}
	if err := m.offer(l); err != nil {
		m.fail(l, err)
	}
}

func (m *Manager) offerIfNeeded(l *Link) {
	if !l.needsOffer || l.conn.SignalingState() != webrtc.SignalingStateStable {
		return
	}
	l.needsOffer = false
	if err := m.offer(l); err != nil {
		m.fail(l, err)
	}
}

func (m *Manager) flushPending(l *Link) {
	for _, c := range l.pending {
		if err := l.conn.AddICECandidate(c); err != nil {
			l.logger.Warn().Err(err).Msg("add buffered candidate")
		}
	}
	l.pending = nil
}

func (m *Manager) addRemoteTrack(l *Link, t core.RemoteTrack) {
	s := m.streams.getOrCreate(l.peer, func() *RemoteStream {
		var det *speaking.Detector
		if m.cfg.Decoders != nil {
			det = speaking.New(m.cfg.Speaking)
		}
		return newRemoteStream(l.peer, m.audioOn, det, m.cfg.Sink)
	})

	var dec core.AudioDecoder
	if t.Kind() == webrtc.RTPCodecTypeAudio && m.cfg.Decoders != nil {
		d, err := m.cfg.Decoders.NewDecoder(t.Codec())
		if err != nil {
			l.logger.Warn().Err(err).Str("codec", t.Codec().MimeType).Msg("no decoder, audio not analysed")
		} else {
			dec = d
		}
	}
	s.addTrack(t, dec)
	l.logger.Info().Str("track_id", t.ID()).Str("kind", t.Kind().String()).Msg("remote track")
}

func (m *Manager) fail(l *Link, err error) {
	err = fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	l.logger.Error().Err(err).Msg("link failed")
	m.closeLink(l)
	m.cfg.OnFailure(l.peer, err)
}

func (m *Manager) closeLink(l *Link) {
	if l.state == LinkClosed {
		return
	}
	l.state = LinkClosed
	if m.links[l.peer] == l {
		delete(m.links, l.peer)
		m.streams.remove(l.peer)
	}
	if err := l.conn.Close(); err != nil {
		l.logger.Warn().Err(err).Msg("close connection")
	}
	l.logger.Info().Int("links", len(m.links)).Msg("link closed")
}

func (m *Manager) linkList() []*Link {
	out := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, l)
	}
	return out
}

func (m *Manager) send(t domain.SignalType, to domain.UserID, payload any) error {
	env, err := domain.NewEnvelope(t, m.cfg.Self, to, payload)
	if err != nil {
		return err
	}
	return m.cfg.Send(env)
}
