package core

import (
	"context"

	"github.com/dkeye/voicemesh/internal/domain"
)

// RosterStore is the external participant roster used for cross-client display.
type RosterStore interface {
	Upsert(ctx context.Context, p *domain.Participant) error
	Update(ctx context.Context, channel domain.ChannelKey, user domain.UserID, flags domain.ParticipantFlags) error
	Delete(ctx context.Context, channel domain.ChannelKey, user domain.UserID) error
	List(ctx context.Context, channel domain.ChannelKey) ([]domain.Participant, error)
	// Subscribe delivers row changes for one channel until unsubscribe is called.
	Subscribe(ctx context.Context, channel domain.ChannelKey, fn func(domain.RosterChange)) (unsubscribe func(), err error)
}
