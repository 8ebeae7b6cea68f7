// Package provider defines the identity-provider MFA contract the rest of
// the application depends on. Handlers and services only see the MFAAPI
// interface, so a hosted provider (or a test double) can stand in for the
// local TOTP implementation.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/receiptvault/backend/internal/models"
)

var (
	ErrFactorNotFound    = errors.New("factor not found")
	ErrChallengeNotFound = errors.New("challenge not found")
	ErrChallengeExpired  = errors.New("challenge expired")
	// ErrVerifiedFactorExists rejects enrollment while a verified factor is
	// active; the system allows at most one.
	ErrVerifiedFactorExists = errors.New("a verified factor already exists")
	// ErrRateLimited signals too many failed verify attempts for the factor
	// within the current window.
	ErrRateLimited = errors.New("too many failed attempts, try again later")
)

// Enrollment is returned once per enroll call; the secret and provisioning
// URI are never retrievable again.
type Enrollment struct {
	FactorID        uuid.UUID
	Secret          string
	ProvisioningURI string
}

type Challenge struct {
	ID        uuid.UUID
	FactorID  uuid.UUID
	ExpiresAt time.Time
}

// MFAAPI is the factor store contract. Every factor-addressed call is
// scoped to the owning user: a factor id presented with the wrong user is
// indistinguishable from a missing factor. Verify reports a wrong code as
// (false, nil): a mismatch is an expected outcome, not an error. Only
// transport/state problems surface as errors, and the absence of a positive
// result is always treated as not verified.
type MFAAPI interface {
	Enroll(ctx context.Context, userID uuid.UUID, accountName, friendlyName string) (*Enrollment, error)
	NewChallenge(ctx context.Context, userID, factorID uuid.UUID) (*Challenge, error)
	Verify(ctx context.Context, userID, factorID, challengeID uuid.UUID, code string) (bool, error)
	ListFactors(ctx context.Context, userID uuid.UUID) ([]models.MFAFactor, error)
	Unenroll(ctx context.Context, userID, factorID uuid.UUID) error
	ConsecutiveFailures(ctx context.Context, factorID uuid.UUID) (int, error)
}
