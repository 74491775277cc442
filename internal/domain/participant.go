package domain

import "time"

// Participant is the persisted roster row for one user in one channel.
// It is display state only; presence decides which peer links exist.
type Participant struct {
	ChannelID       ChannelKey `json:"channel_id"`
	UserID          UserID     `json:"user_id"`
	IsMuted         bool       `json:"is_muted"`
	IsDeafened      bool       `json:"is_deafened"`
	IsScreenSharing bool       `json:"is_screen_sharing"`
	JoinedAt        time.Time  `json:"joined_at"`
}

// NewParticipant avoids raw literals in adapters and keeps construction obvious.
func NewParticipant(channel ChannelKey, user UserID) *Participant {
	return &Participant{ChannelID: channel, UserID: user, JoinedAt: time.Now().UTC()}
}

// ParticipantFlags is a partial update of a roster row. Nil fields are left untouched.
type ParticipantFlags struct {
	IsMuted         *bool `json:"is_muted,omitempty"`
	IsDeafened      *bool `json:"is_deafened,omitempty"`
	IsScreenSharing *bool `json:"is_screen_sharing,omitempty"`
}

func (f ParticipantFlags) Apply(p *Participant) {
	if f.IsMuted != nil {
		p.IsMuted = *f.IsMuted
	}
	if f.IsDeafened != nil {
		p.IsDeafened = *f.IsDeafened
	}
	if f.IsScreenSharing != nil {
		p.IsScreenSharing = *f.IsScreenSharing
	}
}

// RosterChangeKind tells which row operation produced a RosterChange.
type RosterChangeKind string

const (
	RosterInsert RosterChangeKind = "INSERT"
	RosterUpdate RosterChangeKind = "UPDATE"
	RosterDelete RosterChangeKind = "DELETE"
)

// RosterChange is a row-change notification filtered by channel.
type RosterChange struct {
	Kind   RosterChangeKind `json:"kind"`
	Record Participant      `json:"record"`
}
