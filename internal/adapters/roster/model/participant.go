package model

import (
	"time"

	"github.com/google/uuid"
)

type Participant struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	ChannelID       string    `gorm:"size:64;not null;uniqueIndex:idx_voice_participant"`
	UserID          string    `gorm:"size:64;not null;uniqueIndex:idx_voice_participant"`
	IsMuted         bool      `gorm:"not null;default:false"`
	IsDeafened      bool      `gorm:"not null;default:false"`
	IsScreenSharing bool      `gorm:"not null;default:false"`
	JoinedAt        time.Time `gorm:"not null"`
	UpdatedAt       time.Time
}

func (Participant) TableName() string { return "voice_participants" }
