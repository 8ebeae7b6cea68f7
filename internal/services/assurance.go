package services

import (
	"errors"

	"github.com/receiptvault/backend/pkg/utils"
)

// ErrStepUpRequired refuses a sensitive operation attempted at aal1. The
// caller must complete a fresh challenge and retry with the aal2 token it
// receives.
var ErrStepUpRequired = errors.New("verify your authenticator code before performing this action")

// RequireAAL2 re-derives the session's assurance level from the presented
// token's claims. There is no cached state to go stale: every request is
// judged on the token it carries, and aal2 tokens are only minted by a
// successful challenge verification.
func RequireAAL2(claims *utils.Claims) error {
	if claims == nil || claims.AAL != utils.AAL2 {
		return ErrStepUpRequired
	}
	return nil
}
