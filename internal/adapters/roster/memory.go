// Package roster stores voice participant rows and reports their changes per channel.
package roster

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/dkeye/voicemesh/internal/domain"
)

var ErrParticipantNotFound = errors.New("participant not found")

type rowKey struct {
	channel domain.ChannelKey
	user    domain.UserID
}

type InMemoryRosterStore struct {
	mu     sync.RWMutex
	rows   map[rowKey]domain.Participant
	subs   map[domain.ChannelKey]map[int]func(domain.RosterChange)
	nextID int
}

func NewInMemoryRosterStore() *InMemoryRosterStore {
	return &InMemoryRosterStore{
		rows: make(map[rowKey]domain.Participant),
		subs: make(map[domain.ChannelKey]map[int]func(domain.RosterChange)),
	}
}

func (s *InMemoryRosterStore) Upsert(ctx context.Context, p *domain.Participant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p == nil {
		return errors.New("participant is nil")
	}

	k := rowKey{p.ChannelID, p.UserID}
	s.mu.Lock()
	_, existed := s.rows[k]
	s.rows[k] = *p
	fns := s.listeners(p.ChannelID)
	s.mu.Unlock()

	kind := domain.RosterInsert
	if existed {
		kind = domain.RosterUpdate
	}
	emit(fns, domain.RosterChange{Kind: kind, Record: *p})
	return nil
}

func (s *InMemoryRosterStore) Update(ctx context.Context, channel domain.ChannelKey, user domain.UserID, flags domain.ParticipantFlags) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	k := rowKey{channel, user}
	s.mu.Lock()
	row, ok := s.rows[k]
	if !ok {
		s.mu.Unlock()
		return ErrParticipantNotFound
	}
	flags.Apply(&row)
	s.rows[k] = row
	fns := s.listeners(channel)
	s.mu.Unlock()

	emit(fns, domain.RosterChange{Kind: domain.RosterUpdate, Record: row})
	return nil
}

func (s *InMemoryRosterStore) Delete(ctx context.Context, channel domain.ChannelKey, user domain.UserID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	k := rowKey{channel, user}
	s.mu.Lock()
	row, ok := s.rows[k]
	if !ok {
		s.mu.Unlock()
		return ErrParticipantNotFound
	}
	delete(s.rows, k)
	fns := s.listeners(channel)
	s.mu.Unlock()

	emit(fns, domain.RosterChange{Kind: domain.RosterDelete, Record: row})
	return nil
}

// List returns the rows of channel ordered by join time.
func (s *InMemoryRosterStore) List(ctx context.Context, channel domain.ChannelKey) ([]domain.Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]domain.Participant, 0)
	for k, row := range s.rows {
		if k.channel == channel {
			out = append(out, row)
		}
	}
	s.mu.RUnlock()

	sortRows(out)
	return out, nil
}

func (s *InMemoryRosterStore) Subscribe(ctx context.Context, channel domain.ChannelKey, fn func(domain.RosterChange)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	if s.subs[channel] == nil {
		s.subs[channel] = make(map[int]func(domain.RosterChange))
	}
	s.subs[channel][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs[channel], id)
			if len(s.subs[channel]) == 0 {
				delete(s.subs, channel)
			}
		})
	}, nil
}

func (s *InMemoryRosterStore) listeners(channel domain.ChannelKey) []func(domain.RosterChange) {
	fns := make([]func(domain.RosterChange), 0, len(s.subs[channel]))
	for _, fn := range s.subs[channel] {
		fns = append(fns, fn)
	}
	return fns
}

func emit(fns []func(domain.RosterChange), change domain.RosterChange) {
	for _, fn := range fns {
		fn(change)
	}
}

func sortRows(rows []domain.Participant) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].JoinedAt.Equal(rows[j].JoinedAt) {
			return rows[i].UserID < rows[j].UserID
		}
		return rows[i].JoinedAt.Before(rows[j].JoinedAt)
	})
}
