package services

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/receiptvault/backend/internal/models"
	"gorm.io/gorm"
)

// Unambiguous alphabet: uppercase letters and digits minus 0/O/I/1.
const recoveryAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	RecoveryCodeLength = 8
	RecoveryBatchSize  = 10
	// Fewer than this many unused codes triggers a low-stock warning;
	// zero remaining means no backup access path at all.
	RecoveryLowStock = 3
)

// RecoveryService owns the one-time recovery code vault. Plaintext codes
// leave this service exactly once, at generation; only SHA-256 digests are
// stored.
type RecoveryService struct {
	DB            *gorm.DB
	TTL           time.Duration
	LookaheadDays int
}

func NewRecoveryService(db *gorm.DB, ttl time.Duration, lookaheadDays int) *RecoveryService {
	return &RecoveryService{DB: db, TTL: ttl, LookaheadDays: lookaheadDays}
}

// HashCode is the deterministic digest used for storage and lookup:
// SHA-256 over the uppercased, trimmed code.
func HashCode(code string) string {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func generateCodes(count int) ([]string, error) {
	codes := make([]string, count)
	for i := range codes {
		buf := make([]byte, RecoveryCodeLength)
		if _, err := rand.Read(buf); err != nil {
			return nil, err
		}
		chars := make([]byte, RecoveryCodeLength)
		for j, b := range buf {
			chars[j] = recoveryAlphabet[int(b)%len(recoveryAlphabet)]
		}
		codes[i] = string(chars)
	}
	return codes, nil
}

// Replace deletes every existing code for the user (used and unused) and
// inserts a fresh batch of 10, all inside one transaction: either the user
// ends up with the complete new batch or the old batch stays intact. The
// zero-code window between delete and insert cannot be observed.
func (s *RecoveryService) Replace(tx *gorm.DB, userID uuid.UUID) ([]string, error) {
	codes, err := generateCodes(RecoveryBatchSize)
	if err != nil {
		return nil, err
	}

	expiresAt := time.Now().Add(s.TTL)
	rows := make([]models.RecoveryCode, len(codes))
	for i, code := range codes {
		rows[i] = models.RecoveryCode{
			UserID:    userID,
			CodeHash:  HashCode(code),
			ExpiresAt: expiresAt,
		}
	}

	run := func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&models.RecoveryCode{}).Error; err != nil {
			return err
		}
		return tx.Create(&rows).Error
	}

	if tx != nil {
		if err := run(tx); err != nil {
			return nil, err
		}
		return codes, nil
	}

	if err := s.DB.Transaction(run); err != nil {
		return nil, err
	}
	return codes, nil
}

// Consume validates a candidate code and marks the matching record used.
// The update is conditional on used=false, so two concurrent calls with the
// same code resolve to exactly one success; the loser sees "invalid code".
func (s *RecoveryService) Consume(userID uuid.UUID, code string) (bool, error) {
	now := time.Now()
	res := s.DB.Model(&models.RecoveryCode{}).
		Where("user_id = ? AND code_hash = ? AND used = ? AND expires_at > ?",
			userID, HashCode(code), false, now).
		Updates(map[string]interface{}{"used": true, "used_at": now})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// DeleteAll removes every code for the user; part of the MFA teardown.
func (s *RecoveryService) DeleteAll(tx *gorm.DB, userID uuid.UUID) error {
	if tx == nil {
		tx = s.DB
	}
	return tx.Where("user_id = ?", userID).Delete(&models.RecoveryCode{}).Error
}

// Remaining counts the user's unused, unexpired codes.
func (s *RecoveryService) Remaining(userID uuid.UUID) (int64, error) {
	var count int64
	err := s.DB.Model(&models.RecoveryCode{}).
		Where("user_id = ? AND used = ? AND expires_at > ?", userID, false, time.Now()).
		Count(&count).Error
	return count, err
}

// ExpiringSoon counts unused codes whose expiry falls within the configured
// lookahead window.
func (s *RecoveryService) ExpiringSoon(userID uuid.UUID) (int64, error) {
	now := time.Now()
	horizon := now.AddDate(0, 0, s.LookaheadDays)

	var count int64
	err := s.DB.Model(&models.RecoveryCode{}).
		Where("user_id = ? AND used = ? AND expires_at > ? AND expires_at <= ?",
			userID, false, now, horizon).
		Count(&count).Error
	return count, err
}
