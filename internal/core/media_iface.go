package core

import (
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// MediaConnection is one direct connection to one remote participant.
type MediaConnection interface {
	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer() (webrtc.SessionDescription, error)
	// ApplyOfferAndCreateAnswer sets the remote offer and applies the answer locally.
	ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyAnswer(answer webrtc.SessionDescription) error
	// Rollback discards an outstanding local offer.
	Rollback() error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	HasRemoteDescription() bool
	SignalingState() webrtc.SignalingState

	AddTrack(track webrtc.TrackLocal) (TrackSender, error)
	RemoveTrack(sender TrackSender) error

	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(RemoteTrack))
	OnStateChange(func(webrtc.PeerConnectionState))

	// Close should stop all underlying media resources. Pending callbacks are dropped.
	Close() error
}

// TrackSender is an outbound sender on a MediaConnection.
type TrackSender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// RemoteTrack is the subset of *webrtc.TrackRemote the core reads from.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// ConnFactory builds media connections; one per remote participant.
type ConnFactory interface {
	NewConnection(peer domain.UserID) (MediaConnection, error)
}
