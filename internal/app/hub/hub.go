// Package hub fans signaling envelopes and presence out to the members of voice topics.
package hub

import (
	"errors"
	"sort"
	"sync"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("member sink is full")
	ErrClosed       = errors.New("channel closed")
)

type EventKind int

const (
	EventBroadcast EventKind = iota
	EventJoin
	EventLeave
)

// Event is what a member sink receives: an envelope, or a presence change of User.
type Event struct {
	Kind     EventKind
	Envelope domain.SignalEnvelope
	User     domain.UserID
}

// Sink must not block. Send returns ErrBackpressure when the member cannot keep up.
type Sink interface {
	Send(Event) error
	// Kick is called when the hub drops the member.
	Kick()
}

type member struct {
	sink      Sink
	announced bool
}

type topic struct {
	members map[domain.UserID]*member
}

type Hub struct {
	mu     sync.RWMutex
	topics map[domain.ChannelKey]*topic
	policy Policy
}

func New(policy Policy) *Hub {
	if policy == nil {
		policy = KickPolicy{}
	}
	return &Hub{topics: make(map[domain.ChannelKey]*topic), policy: policy}
}

// Subscribe attaches sink for user on key. A previous sink of the same user is replaced
// and kicked.
func (h *Hub) Subscribe(key domain.ChannelKey, user domain.UserID, sink Sink) {
	h.mu.Lock()
	t, ok := h.topics[key]
	if !ok {
		t = &topic{members: make(map[domain.UserID]*member)}
		h.topics[key] = t
	}
	prev := t.members[user]
	t.members[user] = &member{sink: sink}
	h.mu.Unlock()

	if prev != nil && prev.sink != sink {
		prev.sink.Kick()
	}
	log.Debug().Str("module", "hub").Str("topic", key.Topic()).Str("user", user.String()).Msg("subscribed")
}

// Announce marks user present and notifies members that were already present.
// Announcing again re-sends the join.
func (h *Hub) Announce(key domain.ChannelKey, user domain.UserID) error {
	h.mu.Lock()
	t, ok := h.topics[key]
	if !ok || t.members[user] == nil {
		h.mu.Unlock()
		return ErrClosed
	}
	t.members[user].announced = true
	targets := make(map[domain.UserID]Sink)
	for id, m := range t.members {
		if id != user && m.announced {
			targets[id] = m.sink
		}
	}
	h.mu.Unlock()

	log.Info().Str("module", "hub").Str("topic", key.Topic()).Str("user", user.String()).Int("observers", len(targets)).Msg("presence join")
	h.deliver(key, targets, Event{Kind: EventJoin, User: user})
	return nil
}

// Publish delivers env to every member except the sender, or only to env.ToUserID when set.
func (h *Hub) Publish(key domain.ChannelKey, env domain.SignalEnvelope) error {
	h.mu.RLock()
	t, ok := h.topics[key]
	if !ok || t.members[env.FromUserID] == nil {
		h.mu.RUnlock()
		return ErrClosed
	}
	targets := make(map[domain.UserID]Sink, len(t.members))
	for id, m := range t.members {
		if env.DeliverTo(id) {
			targets[id] = m.sink
		}
	}
	h.mu.RUnlock()

	h.deliver(key, targets, Event{Kind: EventBroadcast, Envelope: env})
	return nil
}

// Leave removes user from key. Remaining members observe a leave if user had announced.
func (h *Hub) Leave(key domain.ChannelKey, user domain.UserID) {
	h.remove(key, user, nil)
}

// Unsubscribe removes user from key only while sink is still its current sink, so a late
// disconnect of a replaced connection leaves the new one alone.
func (h *Hub) Unsubscribe(key domain.ChannelKey, user domain.UserID, sink Sink) {
	h.remove(key, user, sink)
}

func (h *Hub) remove(key domain.ChannelKey, user domain.UserID, only Sink) {
	h.mu.Lock()
	t, ok := h.topics[key]
	if !ok {
		h.mu.Unlock()
		return
	}
	m, ok := t.members[user]
	if !ok || (only != nil && m.sink != only) {
		h.mu.Unlock()
		return
	}
	delete(t.members, user)
	if len(t.members) == 0 {
		delete(h.topics, key)
	}
	targets := make(map[domain.UserID]Sink)
	if m.announced {
		for id, o := range t.members {
			targets[id] = o.sink
		}
	}
	h.mu.Unlock()

	log.Info().Str("module", "hub").Str("topic", key.Topic()).Str("user", user.String()).Msg("presence leave")
	h.deliver(key, targets, Event{Kind: EventLeave, User: user})
}

func (h *Hub) deliver(key domain.ChannelKey, targets map[domain.UserID]Sink, ev Event) {
	for id, sink := range targets {
		err := sink.Send(ev)
		if err == nil {
			continue
		}
		logger := log.With().Str("module", "hub").Str("topic", key.Topic()).Str("user", id.String()).Logger()
		if !errors.Is(err, ErrBackpressure) {
			logger.Debug().Err(err).Msg("send to closed sink")
			continue
		}
		switch h.policy.OnBackpressure(key, id) {
		case KickMember:
			logger.Warn().Msg("backpressure, kicking member")
			h.remove(key, id, sink)
			sink.Kick()
		case DropFrame:
			logger.Warn().Msg("backpressure, dropping frame")
		case NoAction:
		}
	}
}

// Members returns the announced users of key, sorted.
func (h *Hub) Members(key domain.ChannelKey) []domain.UserID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.topics[key]
	if !ok {
		return nil
	}
	out := make([]domain.UserID, 0, len(t.members))
	for id, m := range t.members {
		if m.announced {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Snapshot maps every live topic to its announced members.
func (h *Hub) Snapshot() map[domain.ChannelKey][]domain.UserID {
	h.mu.RLock()
	keys := make([]domain.ChannelKey, 0, len(h.topics))
	for k := range h.topics {
		keys = append(keys, k)
	}
	h.mu.RUnlock()

	out := make(map[domain.ChannelKey][]domain.UserID, len(keys))
	for _, k := range keys {
		out[k] = h.Members(k)
	}
	return out
}
