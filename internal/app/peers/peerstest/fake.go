// Package peerstest provides recording media connections for tests.
package peerstest

import (
	"errors"
	"io"
	"sync"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type Sender struct {
	mu       sync.Mutex
	track    webrtc.TrackLocal
	replaced int
}

func (s *Sender) ReplaceTrack(t webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = t
	s.replaced++
	return nil
}

func (s *Sender) Replaced() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaced
}

func (s *Sender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

// Conn is a core.MediaConnection that follows the signaling state machine without media.
type Conn struct {
	peer domain.UserID

	mu         sync.Mutex
	signaling  webrtc.SignalingState
	remote     bool
	offers     int
	answers    int
	rollbacks  int
	candidates []webrtc.ICECandidateInit
	senders    []*Sender
	removed    []core.TrackSender
	closed     bool
	failOffer  error
	failAnswer error

	onICE   func(webrtc.ICECandidateInit)
	onTrack func(core.RemoteTrack)
	onState func(webrtc.PeerConnectionState)
}

func NewConn(peer domain.UserID) *Conn {
	return &Conn{peer: peer, signaling: webrtc.SignalingStateStable}
}

func (c *Conn) Peer() domain.UserID { return c.peer }

func (c *Conn) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failOffer != nil {
		return webrtc.SessionDescription{}, c.failOffer
	}
	c.offers++
	c.signaling = webrtc.SignalingStateHaveLocalOffer
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (c *Conn) ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAnswer != nil {
		return webrtc.SessionDescription{}, c.failAnswer
	}
	if c.signaling != webrtc.SignalingStateStable {
		return webrtc.SessionDescription{}, errors.New("offer in wrong signaling state")
	}
	c.answers++
	c.remote = true
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (c *Conn) ApplyAnswer(webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signaling != webrtc.SignalingStateHaveLocalOffer {
		return errors.New("answer in wrong signaling state")
	}
	c.signaling = webrtc.SignalingStateStable
	c.remote = true
	return nil
}

func (c *Conn) Rollback() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollbacks++
	c.signaling = webrtc.SignalingStateStable
	return nil
}

func (c *Conn) AddICECandidate(cand webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = append(c.candidates, cand)
	return nil
}

func (c *Conn) HasRemoteDescription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *Conn) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signaling
}

func (c *Conn) AddTrack(t webrtc.TrackLocal) (core.TrackSender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &Sender{track: t}
	c.senders = append(c.senders, s)
	return s, nil
}

func (c *Conn) RemoveTrack(s core.TrackSender) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, s)
	return nil
}

func (c *Conn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Conn) OnTrack(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Conn) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// FireICE, FireTrack and FireState invoke the registered callbacks as pion would.
func (c *Conn) FireICE(cand webrtc.ICECandidateInit) {
	c.mu.Lock()
	fn := c.onICE
	c.mu.Unlock()
	fn(cand)
}

func (c *Conn) FireTrack(t core.RemoteTrack) {
	c.mu.Lock()
	fn := c.onTrack
	c.mu.Unlock()
	fn(t)
}

func (c *Conn) FireState(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	fn(s)
}

func (c *Conn) SetFailOffer(err error) {
	c.mu.Lock()
	c.failOffer = err
	c.mu.Unlock()
}

func (c *Conn) SetFailAnswer(err error) {
	c.mu.Lock()
	c.failAnswer = err
	c.mu.Unlock()
}

func (c *Conn) Offers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers
}

func (c *Conn) Answers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answers
}

func (c *Conn) Rollbacks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollbacks
}

func (c *Conn) Candidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.candidates...)
}

func (c *Conn) Senders() []*Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Sender(nil), c.senders...)
}

func (c *Conn) Removed() []core.TrackSender {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.TrackSender(nil), c.removed...)
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Factory records every connection it creates, per peer.
type Factory struct {
	mu    sync.Mutex
	conns map[domain.UserID][]*Conn
	// Prepare runs on each new connection before it is returned.
	Prepare func(*Conn)
}

func NewFactory() *Factory {
	return &Factory{conns: make(map[domain.UserID][]*Conn)}
}

func (f *Factory) NewConnection(peer domain.UserID) (core.MediaConnection, error) {
	c := NewConn(peer)
	if f.Prepare != nil {
		f.Prepare(c)
	}
	f.mu.Lock()
	f.conns[peer] = append(f.conns[peer], c)
	f.mu.Unlock()
	return c, nil
}

func (f *Factory) Count(peer domain.UserID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns[peer])
}

func (f *Factory) Last(peer domain.UserID) *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	cs := f.conns[peer]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

// All returns every connection created so far.
func (f *Factory) All() []*Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Conn
	for _, cs := range f.conns {
		out = append(out, cs...)
	}
	return out
}

// Remote is a core.RemoteTrack that blocks until Stop.
type Remote struct {
	id   string
	kind webrtc.RTPCodecType
	done chan struct{}
	once sync.Once
}

func NewRemote(id string, kind webrtc.RTPCodecType) *Remote {
	return &Remote{id: id, kind: kind, done: make(chan struct{})}
}

func (r *Remote) ID() string                { return r.id }
func (r *Remote) StreamID() string          { return "stream-" + r.id }
func (r *Remote) Kind() webrtc.RTPCodecType { return r.kind }

func (r *Remote) Codec() webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
	}
}

func (r *Remote) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	<-r.done
	return nil, nil, io.EOF
}

func (r *Remote) Stop() { r.once.Do(func() { close(r.done) }) }
