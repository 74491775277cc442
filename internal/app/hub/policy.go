package hub

import "github.com/dkeye/voicemesh/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

// Policy decides what happens to a member whose sink cannot keep up.
type Policy interface {
	OnBackpressure(key domain.ChannelKey, user domain.UserID) BackpressureAction
}

// KickPolicy disconnects slow members; presence then reports them as left.
type KickPolicy struct{}

func (KickPolicy) OnBackpressure(domain.ChannelKey, domain.UserID) BackpressureAction {
	return KickMember
}

// DropPolicy drops the frame and keeps the member.
type DropPolicy struct{}

func (DropPolicy) OnBackpressure(domain.ChannelKey, domain.UserID) BackpressureAction {
	return DropFrame
}
