package models

import (
	"time"

	"github.com/google/uuid"
)

// RecoveryCode stores the SHA-256 digest of a single-use backup credential.
// The plaintext is returned to the user exactly once at generation and is
// never persisted.
type RecoveryCode struct {
	BaseModel
	UserID    uuid.UUID  `json:"userID" gorm:"type:uuid;not null;index"`
	CodeHash  string     `json:"-" gorm:"type:char(64);not null;index"`
	Used      bool       `json:"used" gorm:"not null;default:false"`
	UsedAt    *time.Time `json:"usedAt,omitempty"`
	ExpiresAt time.Time  `json:"expiresAt" gorm:"not null"`
}

func (RecoveryCode) TableName() string {
	return "recovery_codes"
}
