package provider

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/receiptvault/backend/internal/models"
	"github.com/receiptvault/backend/pkg/logger"
	"github.com/receiptvault/backend/pkg/utils"
	"gorm.io/gorm"
)

const challengeLifetime = 5 * time.Minute

// TOTPProvider is the local MFAAPI implementation: factors, challenges and
// verify windows live in the relational store, secrets are AES-GCM
// encrypted at rest.
type TOTPProvider struct {
	DB          *gorm.DB
	Issuer      string
	MaxAttempts int
	Window      time.Duration
}

func NewTOTPProvider(db *gorm.DB, issuer string, maxAttempts int, window time.Duration) *TOTPProvider {
	return &TOTPProvider{
		DB:          db,
		Issuer:      issuer,
		MaxAttempts: maxAttempts,
		Window:      window,
	}
}

func (p *TOTPProvider) Enroll(ctx context.Context, userID uuid.UUID, accountName, friendlyName string) (*Enrollment, error) {
	var verified int64
	if err := p.DB.WithContext(ctx).Model(&models.MFAFactor{}).
		Where("user_id = ? AND status = ?", userID, models.FactorVerified).
		Count(&verified).Error; err != nil {
		return nil, err
	}
	if verified > 0 {
		return nil, ErrVerifiedFactorExists
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      p.Issuer,
		AccountName: accountName,
		Period:      30,
		SecretSize:  20,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, err
	}

	secretEnc, err := utils.EncryptAESGCM(key.Secret())
	if err != nil {
		return nil, err
	}

	factor := models.MFAFactor{
		UserID:       userID,
		FriendlyName: friendlyName,
		Status:       models.FactorUnverified,
		SecretEnc:    secretEnc,
	}
	if err := p.DB.WithContext(ctx).Create(&factor).Error; err != nil {
		return nil, err
	}

	return &Enrollment{
		FactorID:        factor.ID,
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
	}, nil
}

func (p *TOTPProvider) NewChallenge(ctx context.Context, userID, factorID uuid.UUID) (*Challenge, error) {
	var factor models.MFAFactor
	if err := p.DB.WithContext(ctx).First(&factor, "id = ? AND user_id = ?", factorID, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrFactorNotFound
		}
		return nil, err
	}

	challenge := models.MFAChallenge{
		FactorID:  factor.ID,
		UserID:    factor.UserID,
		ExpiresAt: time.Now().Add(challengeLifetime),
	}
	if err := p.DB.WithContext(ctx).Create(&challenge).Error; err != nil {
		return nil, err
	}

	return &Challenge{
		ID:        challenge.ID,
		FactorID:  challenge.FactorID,
		ExpiresAt: challenge.ExpiresAt,
	}, nil
}

func (p *TOTPProvider) Verify(ctx context.Context, userID, factorID, challengeID uuid.UUID, code string) (bool, error) {
	var factor models.MFAFactor
	if err := p.DB.WithContext(ctx).First(&factor, "id = ? AND user_id = ?", factorID, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrFactorNotFound
		}
		return false, err
	}

	var challenge models.MFAChallenge
	if err := p.DB.WithContext(ctx).
		First(&challenge, "id = ? AND factor_id = ?", challengeID, factorID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrChallengeNotFound
		}
		return false, err
	}

	if challenge.VerifiedAt != nil || time.Now().After(challenge.ExpiresAt) {
		return false, ErrChallengeExpired
	}

	limited, err := p.overLimit(ctx, factorID)
	if err != nil {
		return false, err
	}
	if limited {
		return false, ErrRateLimited
	}

	if !totp.Validate(code, utils.DecryptOrPlaintext(factor.SecretEnc)) {
		if err := p.recordFailure(ctx, factorID); err != nil {
			logger.Error("mfa_failure_window_update_failed", err, map[string]interface{}{
				"factor_id": factorID.String(),
			})
		}
		return false, nil
	}

	now := time.Now()
	err = p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&challenge).Update("verified_at", now).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{"last_used_at": now}
		if factor.Status == models.FactorUnverified {
			updates["status"] = models.FactorVerified
			updates["verified_at"] = now
		}
		if err := tx.Model(&factor).Updates(updates).Error; err != nil {
			return err
		}

		return tx.Where("factor_id = ?", factorID).Delete(&models.MFAVerifyWindow{}).Error
	})
	if err != nil {
		return false, err
	}

	return true, nil
}

func (p *TOTPProvider) ListFactors(ctx context.Context, userID uuid.UUID) ([]models.MFAFactor, error) {
	var factors []models.MFAFactor
	// Verified first so callers reading the first element get the active
	// factor; at most one verified factor exists per user.
	err := p.DB.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("CASE WHEN status = 'verified' THEN 0 ELSE 1 END, created_at ASC").
		Find(&factors).Error
	return factors, err
}

func (p *TOTPProvider) Unenroll(ctx context.Context, userID, factorID uuid.UUID) error {
	return p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&models.MFAFactor{}, "id = ? AND user_id = ?", factorID, userID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrFactorNotFound
		}
		if err := tx.Where("factor_id = ?", factorID).Delete(&models.MFAChallenge{}).Error; err != nil {
			return err
		}
		return tx.Where("factor_id = ?", factorID).Delete(&models.MFAVerifyWindow{}).Error
	})
}

// ConsecutiveFailures reports the failed attempts recorded against the
// factor in the current window, for repeated-failure audit escalation.
func (p *TOTPProvider) ConsecutiveFailures(ctx context.Context, factorID uuid.UUID) (int, error) {
	var window models.MFAVerifyWindow
	err := p.DB.WithContext(ctx).First(&window, "factor_id = ?", factorID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if time.Since(window.WindowStart) > p.Window {
		return 0, nil
	}
	return window.Failures, nil
}

func (p *TOTPProvider) overLimit(ctx context.Context, factorID uuid.UUID) (bool, error) {
	failures, err := p.ConsecutiveFailures(ctx, factorID)
	if err != nil {
		return false, err
	}
	return failures >= p.MaxAttempts, nil
}

func (p *TOTPProvider) recordFailure(ctx context.Context, factorID uuid.UUID) error {
	now := time.Now()
	return p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var window models.MFAVerifyWindow
		err := tx.First(&window, "factor_id = ?", factorID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&models.MFAVerifyWindow{
				FactorID:    factorID,
				WindowStart: now,
				Failures:    1,
			}).Error
		}
		if err != nil {
			return err
		}

		if now.Sub(window.WindowStart) > p.Window {
			return tx.Model(&window).Updates(map[string]interface{}{
				"window_start": now,
				"failures":     1,
			}).Error
		}

		return tx.Model(&window).Update("failures", gorm.Expr("failures + 1")).Error
	})
}
