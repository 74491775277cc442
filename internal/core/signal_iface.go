package core

import (
	"context"

	"github.com/dkeye/voicemesh/internal/domain"
)

// Frame is a raw payload written to a transport connection.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// Relay opens session-scoped broadcast channels with presence tracking.
type Relay interface {
	// Open is idempotent per key while the returned channel is open.
	Open(ctx context.Context, key domain.ChannelKey, self domain.UserID) (Channel, error)
}

// Channel is one open relay topic (voice:<key>) seen from one participant.
type Channel interface {
	Key() domain.ChannelKey
	// Broadcast delivers env to every other subscriber. Order is kept per sender→receiver.
	Broadcast(ctx context.Context, env domain.SignalEnvelope) error
	// OnBroadcast registers a listener invoked once per delivered envelope.
	OnBroadcast(fn func(domain.SignalEnvelope)) (unsubscribe func())
	// Announce marks self present. Members already present observe a join.
	Announce(ctx context.Context) error
	// OnPresence registers join/leave listeners for other members.
	OnPresence(join, leave func(domain.UserID)) (unsubscribe func())
	// Done is closed once the channel is released or its connection is lost.
	Done() <-chan struct{}
	// Close releases the channel; undelivered messages are dropped.
	Close() error
}
