package models

import (
	"time"

	"github.com/google/uuid"
)

type FactorStatus string

const (
	FactorUnverified FactorStatus = "unverified"
	FactorVerified   FactorStatus = "verified"
)

// MFAFactor is one enrolled TOTP credential. A user holds at most one
// verified factor; unverified rows may exist transiently during setup.
type MFAFactor struct {
	BaseModel
	UserID       uuid.UUID    `json:"userID" gorm:"type:uuid;not null;index"`
	FriendlyName string       `json:"friendlyName" gorm:"type:varchar(100);not null"`
	Status       FactorStatus `json:"status" gorm:"type:varchar(20);not null;default:'unverified'"`
	SecretEnc    string       `json:"-" gorm:"type:text;not null"`
	VerifiedAt   *time.Time   `json:"verifiedAt,omitempty"`
	LastUsedAt   *time.Time   `json:"lastUsedAt,omitempty"`
}

func (MFAFactor) TableName() string {
	return "mfa_factors"
}
