package roster

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryRosterLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryRosterStore()

	var got []domain.RosterChange
	unsub, err := s.Subscribe(ctx, "c1", func(ch domain.RosterChange) { got = append(got, ch) })
	require.NoError(t, err)

	a := domain.NewParticipant("c1", "a")
	require.NoError(t, s.Upsert(ctx, a))
	require.NoError(t, s.Upsert(ctx, domain.NewParticipant("c2", "a")))

	muted := true
	require.NoError(t, s.Update(ctx, "c1", "a", domain.ParticipantFlags{IsMuted: &muted}))
	assert.ErrorIs(t, s.Update(ctx, "c1", "zz", domain.ParticipantFlags{IsMuted: &muted}), ErrParticipantNotFound)

	rows, err := s.List(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].IsMuted)
	assert.False(t, rows[0].IsDeafened)

	require.NoError(t, s.Delete(ctx, "c1", "a"))
	assert.ErrorIs(t, s.Delete(ctx, "c1", "a"), ErrParticipantNotFound)

	require.Len(t, got, 3, "only changes of the subscribed channel arrive")
	assert.Equal(t, domain.RosterInsert, got[0].Kind)
	assert.Equal(t, domain.RosterUpdate, got[1].Kind)
	assert.True(t, got[1].Record.IsMuted)
	assert.Equal(t, domain.RosterDelete, got[2].Kind)

	unsub()
	unsub()
	require.NoError(t, s.Upsert(ctx, a))
	assert.Len(t, got, 3)
}

func TestInMemoryRosterHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewInMemoryRosterStore()
	assert.ErrorIs(t, s.Upsert(ctx, domain.NewParticipant("c1", "a")), context.Canceled)
	_, err := s.List(ctx, "c1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDiffRows(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := domain.Participant{ChannelID: "c1", UserID: "a", JoinedAt: t0}
	b := domain.Participant{ChannelID: "c1", UserID: "b", JoinedAt: t0.Add(time.Second)}
	bMuted := b
	bMuted.IsMuted = true
	c := domain.Participant{ChannelID: "c1", UserID: "c", JoinedAt: t0.Add(2 * time.Second)}

	changes := diffRows([]domain.Participant{a, b}, []domain.Participant{bMuted, c})
	require.Len(t, changes, 3)
	assert.Equal(t, domain.RosterChange{Kind: domain.RosterUpdate, Record: bMuted}, changes[0])
	assert.Equal(t, domain.RosterChange{Kind: domain.RosterInsert, Record: c}, changes[1])
	assert.Equal(t, domain.RosterChange{Kind: domain.RosterDelete, Record: a}, changes[2])

	assert.Empty(t, diffRows([]domain.Participant{a}, []domain.Participant{a}))
}
