package peers

import (
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

type LinkState int

const (
	LinkNew LinkState = iota
	LinkNegotiating
	LinkConnected
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkNew:
		return "new"
	case LinkNegotiating:
		return "negotiating"
	case LinkConnected:
		return "connected"
	default:
		return "closed"
	}
}

// Link is the media connection to one remote participant. Only the manager touches it;
// events carry the pointer so late callbacks of a replaced link can be told apart.
type Link struct {
	peer    domain.UserID
	role    Role
	conn    core.MediaConnection
	state   LinkState
	senders map[webrtc.RTPCodecType]core.TrackSender

	// remote candidates that arrived before the remote description
	pending []webrtc.ICECandidateInit
	// set once a remote description was applied; a rollback after that needs a new offer
	negotiated bool
	needsOffer bool

	logger zerolog.Logger
}

func (l *Link) Peer() domain.UserID { return l.peer }

// LinkInfo is a read-only view of a link.
type LinkInfo struct {
	Peer     domain.UserID
	Role     Role
	State    LinkState
	HasAudio bool
	HasVideo bool
}

func (l *Link) info() LinkInfo {
	_, audio := l.senders[webrtc.RTPCodecTypeAudio]
	_, video := l.senders[webrtc.RTPCodecTypeVideo]
	return LinkInfo{Peer: l.peer, Role: l.role, State: l.state, HasAudio: audio, HasVideo: video}
}

// Event is produced by connection callbacks and must be fed back through Manager.Handle
// on the owning loop.
type Event interface {
	link() *Link
}

type ICEGathered struct {
	Link      *Link
	Candidate webrtc.ICECandidateInit
}

type StateChanged struct {
	Link  *Link
	State webrtc.PeerConnectionState
}

type TrackReceived struct {
	Link  *Link
	Track core.RemoteTrack
}

func (e ICEGathered) link() *Link   { return e.Link }
func (e StateChanged) link() *Link  { return e.Link }
func (e TrackReceived) link() *Link { return e.Link }
