package handlers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/receiptvault/backend/internal/middleware"
	"github.com/receiptvault/backend/internal/models"
	"github.com/receiptvault/backend/internal/provider"
	"github.com/receiptvault/backend/internal/services"
	"github.com/receiptvault/backend/pkg/logger"
	"github.com/receiptvault/backend/pkg/utils"
	"gorm.io/gorm"
)

// Escalate the audit record once this many failures accumulate in the
// verify window.
const repeatedFailureThreshold = 3

type MFAHandler struct {
	DB       *gorm.DB
	Provider provider.MFAAPI
	Audit    *services.AuditService
	Recovery *services.RecoveryService
	Devices  *services.DeviceService
}

func NewMFAHandler(db *gorm.DB, mfaProvider provider.MFAAPI, audit *services.AuditService, recovery *services.RecoveryService, devices *services.DeviceService) *MFAHandler {
	return &MFAHandler{
		DB:       db,
		Provider: mfaProvider,
		Audit:    audit,
		Recovery: recovery,
		Devices:  devices,
	}
}

func (h *MFAHandler) Status(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	remaining, err := h.Recovery.Remaining(user.ID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed loading recovery code status")
	}

	expiringSoon, err := h.Recovery.ExpiringSoon(user.ID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed loading recovery code status")
	}

	devices, err := h.Devices.List(user.ID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed loading trusted devices")
	}

	if user.MFAEnabled && remaining == 0 {
		h.auditRecoveryExhausted(c, user.ID)
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"mfaEnabled":                user.MFAEnabled,
		"mfaMethod":                 user.MFAMethod,
		"recoveryCodesRemaining":    remaining,
		"recoveryCodesExpiringSoon": expiringSoon,
		"recoveryCodesLow":          user.MFAEnabled && remaining < services.RecoveryLowStock,
		"trustedDevices":            devices,
		"trustedDeviceCount":        len(devices),
	})
}

type enrollRequest struct {
	FriendlyName string `json:"friendlyName"`
}

func (h *MFAHandler) Enroll(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req enrollRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.FriendlyName == "" {
		req.FriendlyName = "Authenticator"
	}

	enrollment, err := h.Provider.Enroll(c.Context(), user.ID, user.Email, req.FriendlyName)
	if err != nil {
		if errors.Is(err, provider.ErrVerifiedFactorExists) {
			return utils.Error(c, fiber.StatusConflict, "MFA is already enabled")
		}
		logger.Error("mfa_enroll_failed", err, map[string]interface{}{
			"user_id": user.ID.String(),
		})
		return utils.Error(c, fiber.StatusInternalServerError, "failed to start enrollment")
	}

	h.Audit.Record(services.AuditEntry{
		Actor:        &user.ID,
		Action:       services.ActionEnrollmentStarted,
		ResourceType: "mfa_factor",
		ResourceID:   &enrollment.FactorID,
		Details:      map[string]interface{}{"friendly_name": req.FriendlyName},
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"factorId": enrollment.FactorID,
		"secret":   enrollment.Secret,
		"qrUri":    enrollment.ProvisioningURI,
	})
}

type verifySetupRequest struct {
	FactorID string `json:"factorId"`
	Code     string `json:"code"`
}

// VerifySetup completes enrollment: a successful challenge flips the factor
// to verified, marks the profile MFA-enabled, and hands out the one and
// only plaintext copy of a fresh recovery code batch.
func (h *MFAHandler) VerifySetup(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req verifySetupRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	factorID, err := parseUUID(req.FactorID)
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid factor id")
	}

	code := cleanCode(req.Code)
	if len(code) != 6 {
		return utils.Error(c, fiber.StatusBadRequest, "code must be 6 digits")
	}

	verified, status, msg := h.runChallenge(c, user.ID, factorID, code)
	if !verified {
		return utils.Error(c, status, msg)
	}

	var codes []string
	err = h.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.User{}).Where("id = ?", user.ID).Updates(map[string]interface{}{
			"mfa_enabled": true,
			"mfa_method":  models.MFAMethodAuthenticator,
		}).Error; err != nil {
			return err
		}

		generated, err := h.Recovery.Replace(tx, user.ID)
		if err != nil {
			return err
		}
		codes = generated
		return nil
	})
	if err != nil {
		logger.Error("mfa_enable_failed", err, map[string]interface{}{
			"user_id": user.ID.String(),
		})
		return utils.Error(c, fiber.StatusInternalServerError, "failed to enable MFA")
	}

	logger.InfoWithUser(user.ID.String(), "mfa_enabled", nil)

	h.Audit.Record(services.AuditEntry{
		Actor:        &user.ID,
		Action:       services.ActionEnableMFA,
		ResourceType: "mfa_factor",
		ResourceID:   &factorID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	// The session just completed a live challenge; issue an aal2 token.
	token, err := utils.GenerateToken(user, utils.AAL2)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed generating token")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"recoveryCodes": codes,
		"token":         token,
	})
}

func (h *MFAHandler) ListFactors(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	factors, err := h.Provider.ListFactors(c.Context(), user.ID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed listing factors")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{"factors": factors})
}

type challengeRequest struct {
	FactorID string `json:"factorId"`
}

func (h *MFAHandler) Challenge(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req challengeRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	factorID, err := parseUUID(req.FactorID)
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid factor id")
	}

	challenge, err := h.Provider.NewChallenge(c.Context(), user.ID, factorID)
	if err != nil {
		if errors.Is(err, provider.ErrFactorNotFound) {
			return utils.Error(c, fiber.StatusNotFound, "factor not found")
		}
		return utils.Error(c, fiber.StatusInternalServerError, "failed creating challenge")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"challengeId": challenge.ID,
		"expiresAt":   challenge.ExpiresAt,
	})
}

type verifyChallengeRequest struct {
	FactorID    string `json:"factorId"`
	ChallengeID string `json:"challengeId"`
	Code        string `json:"code"`
}

// Verify is the step-up path: a signed-in user satisfies a live challenge
// and receives a fresh aal2 token for sensitive operations.
func (h *MFAHandler) Verify(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req verifyChallengeRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	factorID, err := parseUUID(req.FactorID)
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid factor id")
	}
	challengeID, err := parseUUID(req.ChallengeID)
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid challenge id")
	}

	code := cleanCode(req.Code)
	if len(code) != 6 {
		return utils.Error(c, fiber.StatusBadRequest, "code must be 6 digits")
	}

	verified, err := h.Provider.Verify(c.Context(), user.ID, factorID, challengeID, code)
	if err != nil {
		return h.verifyErrorResponse(c, user.ID, factorID, err)
	}
	if !verified {
		h.auditVerifyFailure(c, user.ID, factorID)
		return utils.Error(c, fiber.StatusUnauthorized, "invalid code")
	}

	h.Audit.Record(services.AuditEntry{
		Actor:        &user.ID,
		Action:       services.ActionVerificationSuccess,
		ResourceType: "mfa_factor",
		ResourceID:   &factorID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	token, err := utils.GenerateToken(user, utils.AAL2)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed generating token")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{"token": token, "aal": utils.AAL2})
}

type verifyLoginTOTPRequest struct {
	MFAToken    string                  `json:"mfaToken"`
	Code        string                  `json:"code"`
	TrustDevice bool                    `json:"trustDevice"`
	Device      *services.DeviceSignals `json:"device"`
}

// VerifyLoginTOTP exchanges a login-time mfaToken plus a TOTP code for a
// full aal2 session token, optionally registering the device as trusted.
func (h *MFAHandler) VerifyLoginTOTP(c *fiber.Ctx) error {
	var req verifyLoginTOTPRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	code := cleanCode(req.Code)
	if req.MFAToken == "" || len(code) != 6 {
		return utils.Error(c, fiber.StatusBadRequest, "mfaToken and a 6-digit code are required")
	}

	user, errResp := h.resolveMFAToken(c, req.MFAToken)
	if user == nil {
		return errResp
	}

	factor, err := h.activeFactor(c, user.ID)
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "MFA is not enabled")
	}

	verified, status, msg := h.runChallenge(c, user.ID, factor.ID, code)
	if !verified {
		return utils.Error(c, status, msg)
	}

	claims, _ := utils.ValidateMFAToken(req.MFAToken)
	utils.ConsumeJTI(claims.JTI)

	h.Audit.Record(services.AuditEntry{
		Actor:        &user.ID,
		Action:       services.ActionVerificationSuccess,
		ResourceType: "mfa_factor",
		ResourceID:   &factor.ID,
		Details:      map[string]interface{}{"method": "totp"},
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	response := fiber.Map{}

	if req.TrustDevice && req.Device != nil {
		device := h.Devices.NewDevice(*req.Device, 0)
		if err := h.Devices.Add(user.ID, device); err != nil {
			logger.Error("trusted_device_add_failed", err, map[string]interface{}{
				"user_id": user.ID.String(),
			})
		} else {
			h.Audit.Record(services.AuditEntry{
				Actor:        &user.ID,
				Action:       services.ActionTrustedDeviceAdded,
				ResourceType: "trusted_device",
				Details:      map[string]interface{}{"device_name": device.Name},
				IPAddress:    c.IP(),
				RequestID:    getRequestID(c),
			})
			response["deviceId"] = device.ID
		}
	}

	token, err := utils.GenerateToken(user, utils.AAL2)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed generating token")
	}

	response["token"] = token
	response["user"] = user
	return utils.Success(c, fiber.StatusOK, response)
}

type verifyRecoveryRequest struct {
	MFAToken string `json:"mfaToken"`
	Code     string `json:"code"`
}

func (h *MFAHandler) VerifyRecovery(c *fiber.Ctx) error {
	var req verifyRecoveryRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	if req.MFAToken == "" || req.Code == "" {
		return utils.Error(c, fiber.StatusBadRequest, "mfaToken and code are required")
	}

	user, errResp := h.resolveMFAToken(c, req.MFAToken)
	if user == nil {
		return errResp
	}

	consumed, err := h.Recovery.Consume(user.ID, req.Code)
	if err != nil {
		logger.Error("recovery_consume_failed", err, map[string]interface{}{
			"user_id": user.ID.String(),
		})
		return utils.Error(c, fiber.StatusInternalServerError, "failed verifying recovery code")
	}
	if !consumed {
		h.Audit.Record(services.AuditEntry{
			Actor:        &user.ID,
			Action:       services.ActionVerificationFailed,
			ResourceType: "recovery_code",
			Details:      map[string]interface{}{"method": "recovery"},
			Severity:     models.SeverityWarning,
			IPAddress:    c.IP(),
			RequestID:    getRequestID(c),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "invalid recovery code")
	}

	claims, _ := utils.ValidateMFAToken(req.MFAToken)
	utils.ConsumeJTI(claims.JTI)

	remaining, _ := h.Recovery.Remaining(user.ID)

	h.Audit.Record(services.AuditEntry{
		Actor:        &user.ID,
		Action:       services.ActionRecoveryCodeUsed,
		ResourceType: "recovery_code",
		Details:      map[string]interface{}{"remaining_codes": remaining},
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	switch {
	case remaining == 0:
		h.auditRecoveryExhausted(c, user.ID)
	case remaining < services.RecoveryLowStock:
		logger.Warn("recovery_codes_low", map[string]interface{}{
			"user_id":   user.ID.String(),
			"remaining": remaining,
		})
	}

	token, err := utils.GenerateToken(user, utils.AAL2)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed generating token")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"token":          token,
		"user":           user,
		"remainingCodes": remaining,
	})
}

type verifyDeviceRequest struct {
	MFAToken string `json:"mfaToken"`
	DeviceID string `json:"deviceId"`
}

// VerifyLoginDevice lets a recognized, unexpired trusted device skip the
// live challenge. The resulting session stays at aal1: device trust
// substitutes for the login-time challenge, never for step-up.
func (h *MFAHandler) VerifyLoginDevice(c *fiber.Ctx) error {
	var req verifyDeviceRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	if req.MFAToken == "" || req.DeviceID == "" {
		return utils.Error(c, fiber.StatusBadRequest, "mfaToken and deviceId are required")
	}

	user, errResp := h.resolveMFAToken(c, req.MFAToken)
	if user == nil {
		return errResp
	}

	trusted, err := h.Devices.Check(user.ID, req.DeviceID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed checking device")
	}
	if !trusted {
		return utils.Error(c, fiber.StatusUnauthorized, "device is not trusted")
	}

	claims, _ := utils.ValidateMFAToken(req.MFAToken)
	utils.ConsumeJTI(claims.JTI)

	logger.InfoWithUser(user.ID.String(), "mfa_skipped_trusted_device", map[string]interface{}{
		"device_id": req.DeviceID,
	})

	token, err := utils.GenerateToken(user, utils.AAL1)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed generating token")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{"token": token, "user": user})
}

type disableRequest struct {
	FactorID string `json:"factorId"`
}

// Disable tears down the user's MFA state as a unit: factor, profile
// flags, trusted devices, and recovery codes. Requires an aal2 session;
// at aal1 the caller is refused and must complete a fresh challenge.
func (h *MFAHandler) Disable(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	if err := services.RequireAAL2(middleware.GetCurrentClaims(c)); err != nil {
		return utils.Error(c, fiber.StatusForbidden, err.Error())
	}

	var req disableRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	factorID, err := parseUUID(req.FactorID)
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid factor id")
	}

	// The provider call is the atomic boundary for factor removal; it is
	// scoped to the caller, so someone else's factor id reads as not
	// found. The local teardown follows in one transaction.
	if err := h.Provider.Unenroll(c.Context(), user.ID, factorID); err != nil {
		if errors.Is(err, provider.ErrFactorNotFound) {
			return utils.Error(c, fiber.StatusNotFound, "factor not found")
		}
		logger.Error("mfa_unenroll_failed", err, map[string]interface{}{
			"user_id":   user.ID.String(),
			"factor_id": factorID.String(),
		})
		return utils.Error(c, fiber.StatusInternalServerError, "failed to disable MFA")
	}

	err = h.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.User{}).
			Where("id = ?", user.ID).
			Select("MFAEnabled", "MFAMethod", "TrustedDevices", "TrustedDevicesVersion").
			Updates(models.User{
				MFAEnabled:            false,
				MFAMethod:             "",
				TrustedDevices:        models.TrustedDeviceList{},
				TrustedDevicesVersion: user.TrustedDevicesVersion + 1,
			}).Error; err != nil {
			return err
		}
		return h.Recovery.DeleteAll(tx, user.ID)
	})
	if err != nil {
		logger.Error("mfa_teardown_incomplete", err, map[string]interface{}{
			"user_id": user.ID.String(),
		})
		return utils.Error(c, fiber.StatusInternalServerError, "failed to disable MFA")
	}

	logger.InfoWithUser(user.ID.String(), "mfa_disabled", nil)

	h.Audit.Record(services.AuditEntry{
		Actor:        &user.ID,
		Action:       services.ActionDisableMFA,
		ResourceType: "mfa_factor",
		ResourceID:   &factorID,
		Severity:     models.SeverityWarning,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "MFA disabled"})
}

// RegenerateRecovery replaces the entire recovery batch. Step-up required:
// a leaked aal1 token must not be able to rotate backup credentials.
func (h *MFAHandler) RegenerateRecovery(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	if err := services.RequireAAL2(middleware.GetCurrentClaims(c)); err != nil {
		return utils.Error(c, fiber.StatusForbidden, err.Error())
	}

	if !user.MFAEnabled {
		return utils.Error(c, fiber.StatusBadRequest, "MFA is not enabled")
	}

	codes, err := h.Recovery.Replace(nil, user.ID)
	if err != nil {
		logger.Error("recovery_regenerate_failed", err, map[string]interface{}{
			"user_id": user.ID.String(),
		})
		return utils.Error(c, fiber.StatusInternalServerError, "failed to regenerate recovery codes")
	}

	h.Audit.Record(services.AuditEntry{
		Actor:        &user.ID,
		Action:       services.ActionRecoveryRegenerated,
		ResourceType: "recovery_code",
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"recoveryCodes": codes})
}

func (h *MFAHandler) ListDevices(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	devices, err := h.Devices.List(user.ID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed loading trusted devices")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{"devices": devices})
}

type addDeviceRequest struct {
	Device  services.DeviceSignals `json:"device"`
	TTLDays int                    `json:"ttlDays"`
}

func (h *MFAHandler) AddDevice(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	if err := services.RequireAAL2(middleware.GetCurrentClaims(c)); err != nil {
		return utils.Error(c, fiber.StatusForbidden, err.Error())
	}

	var req addDeviceRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	ttl := time.Duration(req.TTLDays) * 24 * time.Hour
	device := h.Devices.NewDevice(req.Device, ttl)

	if err := h.Devices.Add(user.ID, device); err != nil {
		if errors.Is(err, services.ErrConcurrentDeviceUpdate) {
			return utils.Error(c, fiber.StatusConflict, "trusted devices changed, retry")
		}
		return utils.Error(c, fiber.StatusInternalServerError, "failed adding trusted device")
	}

	h.Audit.Record(services.AuditEntry{
		Actor:        &user.ID,
		Action:       services.ActionTrustedDeviceAdded,
		ResourceType: "trusted_device",
		Details:      map[string]interface{}{"device_name": device.Name},
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"device": device})
}

func (h *MFAHandler) RemoveDevice(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	deviceID := c.Params("id")
	if deviceID == "" {
		return utils.Error(c, fiber.StatusBadRequest, "device id is required")
	}

	if err := h.Devices.Remove(user.ID, deviceID); err != nil {
		if errors.Is(err, services.ErrConcurrentDeviceUpdate) {
			return utils.Error(c, fiber.StatusConflict, "trusted devices changed, retry")
		}
		return utils.Error(c, fiber.StatusInternalServerError, "failed removing trusted device")
	}

	h.Audit.Record(services.AuditEntry{
		Actor:        &user.ID,
		Action:       services.ActionTrustedDeviceRemoved,
		ResourceType: "trusted_device",
		Details:      map[string]interface{}{"device_id": deviceID},
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "device removed"})
}

// resolveMFAToken validates a login-time MFA token and returns the user it
// names, or writes the error response and returns nil.
func (h *MFAHandler) resolveMFAToken(c *fiber.Ctx, token string) (*models.User, error) {
	claims, err := utils.ValidateMFAToken(token)
	if err != nil {
		return nil, utils.Error(c, fiber.StatusUnauthorized, "invalid or expired MFA token")
	}

	if !utils.IsJTIValid(claims.JTI) {
		return nil, utils.Error(c, fiber.StatusUnauthorized, "MFA token already used")
	}

	var user models.User
	if err := h.DB.First(&user, "id = ?", claims.UserID).Error; err != nil {
		return nil, utils.Error(c, fiber.StatusUnauthorized, "user not found")
	}

	return &user, nil
}

// activeFactor returns the user's verified factor. ListFactors orders
// verified-first, so the head of the list is the active one.
func (h *MFAHandler) activeFactor(c *fiber.Ctx, userID uuid.UUID) (*models.MFAFactor, error) {
	factors, err := h.Provider.ListFactors(c.Context(), userID)
	if err != nil {
		return nil, err
	}
	if len(factors) == 0 || factors[0].Status != models.FactorVerified {
		return nil, provider.ErrFactorNotFound
	}
	return &factors[0], nil
}

// runChallenge issues a challenge for the factor and verifies the code
// against it, recording the audit outcome. Returns (false, status, msg) on
// any non-success so handlers can reply uniformly.
func (h *MFAHandler) runChallenge(c *fiber.Ctx, userID, factorID uuid.UUID, code string) (bool, int, string) {
	challenge, err := h.Provider.NewChallenge(c.Context(), userID, factorID)
	if err != nil {
		if errors.Is(err, provider.ErrFactorNotFound) {
			return false, fiber.StatusNotFound, "factor not found"
		}
		return false, fiber.StatusInternalServerError, "failed creating challenge"
	}

	verified, err := h.Provider.Verify(c.Context(), userID, factorID, challenge.ID, code)
	if err != nil {
		if errors.Is(err, provider.ErrRateLimited) {
			h.auditRateLimited(c, userID, factorID)
			return false, fiber.StatusTooManyRequests, "too many failed attempts, try again later"
		}
		logger.Error("mfa_verify_failed", err, map[string]interface{}{
			"user_id":   userID.String(),
			"factor_id": factorID.String(),
		})
		return false, fiber.StatusInternalServerError, "verification failed"
	}
	if !verified {
		h.auditVerifyFailure(c, userID, factorID)
		return false, fiber.StatusUnauthorized, "invalid code"
	}

	return true, fiber.StatusOK, ""
}

func (h *MFAHandler) verifyErrorResponse(c *fiber.Ctx, userID, factorID uuid.UUID, err error) error {
	switch {
	case errors.Is(err, provider.ErrRateLimited):
		h.auditRateLimited(c, userID, factorID)
		return utils.Error(c, fiber.StatusTooManyRequests, "too many failed attempts, try again later")
	case errors.Is(err, provider.ErrFactorNotFound):
		return utils.Error(c, fiber.StatusNotFound, "factor not found")
	case errors.Is(err, provider.ErrChallengeNotFound), errors.Is(err, provider.ErrChallengeExpired):
		return utils.Error(c, fiber.StatusBadRequest, "challenge is invalid or expired")
	default:
		logger.Error("mfa_verify_failed", err, map[string]interface{}{
			"user_id":   userID.String(),
			"factor_id": factorID.String(),
		})
		return utils.Error(c, fiber.StatusInternalServerError, "verification failed")
	}
}

func (h *MFAHandler) auditVerifyFailure(c *fiber.Ctx, userID, factorID uuid.UUID) {
	action := services.ActionVerificationFailed
	failures, err := h.Provider.ConsecutiveFailures(c.Context(), factorID)
	if err == nil && failures >= repeatedFailureThreshold {
		action = services.ActionVerificationFailedMul
	}

	h.Audit.Record(services.AuditEntry{
		Actor:        &userID,
		Action:       action,
		ResourceType: "mfa_factor",
		ResourceID:   &factorID,
		Details:      map[string]interface{}{"consecutive_failures": failures},
		Severity:     models.SeverityWarning,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})
}

// auditRecoveryExhausted reports a zero-codes vault: the account has no
// backup access path left, so the record carries critical severity.
func (h *MFAHandler) auditRecoveryExhausted(c *fiber.Ctx, userID uuid.UUID) {
	logger.Error("recovery_codes_exhausted", nil, map[string]interface{}{
		"user_id": userID.String(),
	})

	h.Audit.Record(services.AuditEntry{
		Actor:        &userID,
		Action:       services.ActionRecoveryExhausted,
		ResourceType: "recovery_code",
		Severity:     models.SeverityCritical,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})
}

func (h *MFAHandler) auditRateLimited(c *fiber.Ctx, userID, factorID uuid.UUID) {
	h.Audit.Record(services.AuditEntry{
		Actor:        &userID,
		Action:       services.ActionVerificationFailedMul,
		ResourceType: "mfa_factor",
		ResourceID:   &factorID,
		Details:      map[string]interface{}{"rate_limited": true},
		Severity:     models.SeverityWarning,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})
}
