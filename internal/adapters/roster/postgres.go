package roster

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/adapters/roster/model"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Connect opens the roster database and migrates the participants table.
func Connect(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&model.Participant{}); err != nil {
		return nil, err
	}
	return db, nil
}

// PostgresRosterStore keeps rows in Postgres. Postgres has no push channel here, so
// subscriptions poll the channel and diff consecutive snapshots.
type PostgresRosterStore struct {
	db   *gorm.DB
	poll time.Duration
}

func NewPostgresRosterStore(db *gorm.DB, poll time.Duration) *PostgresRosterStore {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &PostgresRosterStore{db: db, poll: poll}
}

func (r *PostgresRosterStore) Upsert(ctx context.Context, p *domain.Participant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p == nil {
		return errors.New("participant is nil")
	}

	row := toModelParticipant(p)
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "channel_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"is_muted", "is_deafened", "is_screen_sharing", "joined_at", "updated_at",
		}),
	}).Create(row).Error
}

func (r *PostgresRosterStore) Update(ctx context.Context, channel domain.ChannelKey, user domain.UserID, flags domain.ParticipantFlags) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	updates := map[string]any{}
	if flags.IsMuted != nil {
		updates["is_muted"] = *flags.IsMuted
	}
	if flags.IsDeafened != nil {
		updates["is_deafened"] = *flags.IsDeafened
	}
	if flags.IsScreenSharing != nil {
		updates["is_screen_sharing"] = *flags.IsScreenSharing
	}
	if len(updates) == 0 {
		return nil
	}

	res := r.db.WithContext(ctx).Model(&model.Participant{}).
		Where("channel_id = ? AND user_id = ?", string(channel), string(user)).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrParticipantNotFound
	}
	return nil
}

func (r *PostgresRosterStore) Delete(ctx context.Context, channel domain.ChannelKey, user domain.UserID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	res := r.db.WithContext(ctx).
		Where("channel_id = ? AND user_id = ?", string(channel), string(user)).
		Delete(&model.Participant{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrParticipantNotFound
	}
	return nil
}

func (r *PostgresRosterStore) List(ctx context.Context, channel domain.ChannelKey) ([]domain.Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rows []model.Participant
	err := r.db.WithContext(ctx).
		Where("channel_id = ?", string(channel)).
		Order("joined_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]domain.Participant, 0, len(rows))
	for i := range rows {
		out = append(out, toDomainParticipant(&rows[i]))
	}
	return out, nil
}

func (r *PostgresRosterStore) Subscribe(ctx context.Context, channel domain.ChannelKey, fn func(domain.RosterChange)) (func(), error) {
	initial, err := r.List(ctx, channel)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.watch(ctx, channel, initial, fn)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}, nil
}

func (r *PostgresRosterStore) watch(ctx context.Context, channel domain.ChannelKey, prev []domain.Participant, fn func(domain.RosterChange)) {
	logger := log.With().Str("module", "roster.postgres").Str("channel", channel.String()).Logger()
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			next, err := r.List(ctx, channel)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn().Err(err).Msg("roster poll failed")
				}
				continue
			}
			for _, change := range diffRows(prev, next) {
				fn(change)
			}
			prev = next
		}
	}
}

// diffRows turns two snapshots of one channel into row changes.
func diffRows(prev, next []domain.Participant) []domain.RosterChange {
	old := make(map[domain.UserID]domain.Participant, len(prev))
	for _, p := range prev {
		old[p.UserID] = p
	}
	var out []domain.RosterChange
	for _, p := range next {
		o, ok := old[p.UserID]
		delete(old, p.UserID)
		switch {
		case !ok:
			out = append(out, domain.RosterChange{Kind: domain.RosterInsert, Record: p})
		case o.IsMuted != p.IsMuted || o.IsDeafened != p.IsDeafened ||
			o.IsScreenSharing != p.IsScreenSharing || !o.JoinedAt.Equal(p.JoinedAt):
			out = append(out, domain.RosterChange{Kind: domain.RosterUpdate, Record: p})
		}
	}
	gone := make([]domain.Participant, 0, len(old))
	for _, p := range old {
		gone = append(gone, p)
	}
	sortRows(gone)
	for _, p := range gone {
		out = append(out, domain.RosterChange{Kind: domain.RosterDelete, Record: p})
	}
	return out
}

func toModelParticipant(p *domain.Participant) *model.Participant {
	return &model.Participant{
		ID:              uuid.New(),
		ChannelID:       string(p.ChannelID),
		UserID:          string(p.UserID),
		IsMuted:         p.IsMuted,
		IsDeafened:      p.IsDeafened,
		IsScreenSharing: p.IsScreenSharing,
		JoinedAt:        p.JoinedAt,
	}
}

func toDomainParticipant(m *model.Participant) domain.Participant {
	return domain.Participant{
		ChannelID:       domain.ChannelKey(m.ChannelID),
		UserID:          domain.UserID(m.UserID),
		IsMuted:         m.IsMuted,
		IsDeafened:      m.IsDeafened,
		IsScreenSharing: m.IsScreenSharing,
		JoinedAt:        m.JoinedAt,
	}
}
