package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	envs   []domain.SignalEnvelope
	joins  []domain.UserID
	leaves []domain.UserID
}

func (r *recorder) attach(ch core.Channel) {
	ch.OnBroadcast(func(env domain.SignalEnvelope) {
		r.mu.Lock()
		r.envs = append(r.envs, env)
		r.mu.Unlock()
	})
	ch.OnPresence(func(u domain.UserID) {
		r.mu.Lock()
		r.joins = append(r.joins, u)
		r.mu.Unlock()
	}, func(u domain.UserID) {
		r.mu.Lock()
		r.leaves = append(r.leaves, u)
		r.mu.Unlock()
	})
}

func (r *recorder) snapshot() (envs []domain.SignalEnvelope, joins, leaves []domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append(envs, r.envs...), append(joins, r.joins...), append(leaves, r.leaves...)
}

func open(t *testing.T, relay *LocalRelay, user domain.UserID) (core.Channel, *recorder) {
	t.Helper()
	ch, err := relay.Open(context.Background(), "c1", user)
	require.NoError(t, err)
	rec := &recorder{}
	rec.attach(ch)
	return ch, rec
}

func TestBroadcastExcludesSenderAndHonorsTarget(t *testing.T) {
	relay := NewLocalRelay(New(nil), 16)
	ctx := context.Background()
	a, ra := open(t, relay, "a")
	b, rb := open(t, relay, "b")
	_, rc := open(t, relay, "c")
	defer a.Close()
	defer b.Close()

	env, err := domain.NewEnvelope(domain.SignalOffer, "a", "", "sdp")
	require.NoError(t, err)
	require.NoError(t, a.Broadcast(ctx, env))

	targeted, err := domain.NewEnvelope(domain.SignalAnswer, "a", "b", "sdp")
	require.NoError(t, err)
	require.NoError(t, a.Broadcast(ctx, targeted))

	require.Eventually(t, func() bool {
		envs, _, _ := rb.snapshot()
		return len(envs) == 2
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		envs, _, _ := rc.snapshot()
		return len(envs) == 1
	}, time.Second, time.Millisecond)

	envs, _, _ := rb.snapshot()
	assert.Equal(t, domain.SignalOffer, envs[0].Type, "order per sender is kept")
	assert.Equal(t, domain.SignalAnswer, envs[1].Type)

	envs, _, _ = rc.snapshot()
	assert.Equal(t, domain.SignalOffer, envs[0].Type)

	envs, _, _ = ra.snapshot()
	assert.Empty(t, envs)
}

func TestPresenceJoinGoesToEarlierMembers(t *testing.T) {
	relay := NewLocalRelay(New(nil), 16)
	ctx := context.Background()
	a, ra := open(t, relay, "a")
	require.NoError(t, a.Announce(ctx))

	b, rb := open(t, relay, "b")
	require.NoError(t, b.Announce(ctx))

	require.Eventually(t, func() bool {
		_, joins, _ := ra.snapshot()
		return len(joins) == 1
	}, time.Second, time.Millisecond)
	_, joins, _ := ra.snapshot()
	assert.Equal(t, []domain.UserID{"b"}, joins)

	time.Sleep(10 * time.Millisecond)
	_, joins, _ = rb.snapshot()
	assert.Empty(t, joins, "newcomer learns about members through their offers")
	assert.Equal(t, []domain.UserID{"a", "b"}, relay.Hub().Members("c1"))

	require.NoError(t, b.Close())
	require.Eventually(t, func() bool {
		_, _, leaves := ra.snapshot()
		return len(leaves) == 1 && leaves[0] == "b"
	}, time.Second, time.Millisecond)
	assert.Equal(t, []domain.UserID{"a"}, relay.Hub().Members("c1"))

	require.NoError(t, a.Close())
	assert.Empty(t, relay.Hub().Snapshot())
}

func TestOpenIsIdempotentWhileOpen(t *testing.T) {
	relay := NewLocalRelay(New(nil), 16)
	ctx := context.Background()

	first, err := relay.Open(ctx, "c1", "a")
	require.NoError(t, err)
	again, err := relay.Open(ctx, "c1", "a")
	require.NoError(t, err)
	assert.Same(t, first, again)

	require.NoError(t, first.Close())
	assert.ErrorIs(t, first.Announce(ctx), ErrClosed)

	fresh, err := relay.Open(ctx, "c1", "a")
	require.NoError(t, err)
	assert.NotSame(t, first, fresh)
	require.NoError(t, fresh.Close())
}

type stuckSink struct {
	mu     sync.Mutex
	kicked bool
}

func (s *stuckSink) Send(Event) error { return ErrBackpressure }
func (s *stuckSink) Kick() {
	s.mu.Lock()
	s.kicked = true
	s.mu.Unlock()
}

func TestBackpressurePolicy(t *testing.T) {
	h := New(KickPolicy{})
	slow := &stuckSink{}
	h.Subscribe("c1", "slow", slow)
	require.NoError(t, h.Announce("c1", "slow"))

	relay := NewLocalRelay(h, 16)
	a, _ := open(t, relay, "a")
	defer a.Close()
	require.NoError(t, a.Announce(context.Background()))

	assert.True(t, slow.kicked)
	assert.Equal(t, []domain.UserID{"a"}, h.Members("c1"))

	h = New(DropPolicy{})
	slow = &stuckSink{}
	h.Subscribe("c1", "slow", slow)
	require.NoError(t, h.Announce("c1", "slow"))
	h.Subscribe("c1", "b", &stuckSink{})
	require.NoError(t, h.Announce("c1", "b"))
	assert.False(t, slow.kicked)
	assert.Len(t, h.Members("c1"), 2)
}
