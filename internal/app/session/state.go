package session

import (
	"github.com/dkeye/voicemesh/internal/app/peers"
	"github.com/dkeye/voicemesh/internal/domain"
)

// State is a read-only snapshot of the local session.
type State struct {
	Channel       domain.ChannelKey `json:"channel,omitempty"`
	Conn          domain.ConnState  `json:"conn"`
	Muted         bool              `json:"muted"`
	Deafened      bool              `json:"deafened"`
	ScreenSharing bool              `json:"screen_sharing"`
	// Speaking lists users currently speaking, self included, sorted.
	Speaking []domain.UserID  `json:"speaking"`
	MicLevel float64          `json:"mic_level"`
	Links    []peers.LinkInfo `json:"links"`
}

type NoticeKind string

const (
	NoticeStateChanged      NoticeKind = "state_changed"
	NoticeSpeakingChanged   NoticeKind = "speaking_changed"
	NoticeRosterUpdated     NoticeKind = "roster_updated"
	NoticeLinkFailed        NoticeKind = "link_failed"
	NoticeRosterFailed      NoticeKind = "roster_failed"
	NoticeShareEnded        NoticeKind = "share_ended"
	NoticeJoinFailed        NoticeKind = "join_failed"
	NoticeParticipantLeft   NoticeKind = "participant_left"
	NoticeParticipantJoined NoticeKind = "participant_joined"
	NoticeMicEnded          NoticeKind = "mic_ended"
	NoticeTransportLost     NoticeKind = "transport_lost"
)

// Notice is a structured report for observers. Only the fields relevant to Kind are set.
type Notice struct {
	Kind     NoticeKind
	Peer     domain.UserID
	Speaking bool
	Roster   []domain.Participant
	State    State
	Err      error
}
