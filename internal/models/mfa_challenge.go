package models

import (
	"time"

	"github.com/google/uuid"
)

// MFAChallenge is a short-lived server-issued token that must be satisfied
// by submitting a matching code against its factor.
type MFAChallenge struct {
	BaseModel
	FactorID   uuid.UUID  `json:"factorID" gorm:"type:uuid;not null;index"`
	UserID     uuid.UUID  `json:"-" gorm:"type:uuid;not null;index"`
	ExpiresAt  time.Time  `json:"expiresAt" gorm:"not null;index"`
	VerifiedAt *time.Time `json:"-"`
}

func (MFAChallenge) TableName() string {
	return "mfa_challenges"
}

// MFAVerifyWindow is the server-side fixed window counting failed verify
// attempts per factor. Replaces advisory client-side attempt counting.
type MFAVerifyWindow struct {
	FactorID    uuid.UUID `gorm:"type:uuid;primaryKey"`
	WindowStart time.Time `gorm:"not null"`
	Failures    int       `gorm:"not null;default:0"`
}

func (MFAVerifyWindow) TableName() string {
	return "mfa_verify_windows"
}
