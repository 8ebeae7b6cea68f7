package handlers

import (
	"strings"
	"sync"
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

const maxResetReasonLength = 500

// AdminHandler hosts privileged, server-side-only operations. Role checks
// happen in middleware against the system_roles table.
type AdminHandler struct {
	DB       *gorm.DB
	Provider provider.MFAAPI
	Audit    *services.AuditService
	Recovery *services.RecoveryService

	maxResetsPerHour int
	resetMu          sync.Mutex
	resetWindows     map[uuid.UUID]*resetWindow
}

type resetWindow struct {
	start time.Time
	count int
}

func NewAdminHandler(db *gorm.DB, mfaProvider provider.MFAAPI, audit *services.AuditService, recovery *services.RecoveryService, maxResetsPerHour int) *AdminHandler {
	return &AdminHandler{
		DB:               db,
		Provider:         mfaProvider,
		Audit:            audit,
		Recovery:         recovery,
		maxResetsPerHour: maxResetsPerHour,
		resetWindows:     make(map[uuid.UUID]*resetWindow),
	}
}

type mfaResetRequest struct {
	Reason string `json:"reason"`
}

// ResetMFA collapses the target user's entire MFA state: every factor the
// provider holds, the profile flags, the trusted-device collection, and all
// recovery codes. Irreversible; requires a reason and is rate limited per
// admin actor.
func (h *AdminHandler) ResetMFA(c *fiber.Ctx) error {
	admin := middleware.GetCurrentUser(c)
	if admin == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	targetID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid user id")
	}

	var req mfaResetRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return utils.Error(c, fiber.StatusBadRequest, "reason is required")
	}
	if len(reason) > maxResetReasonLength {
		return utils.Error(c, fiber.StatusBadRequest, "reason is too long")
	}

	if !h.allowReset(admin.ID) {
		logger.Warn("admin_mfa_reset_rate_limited", map[string]interface{}{
			"admin_id": admin.ID.String(),
		})
		return utils.Error(c, fiber.StatusTooManyRequests, "too many reset operations, try again later")
	}

	var target models.User
	if err := h.DB.First(&target, "id = ?", targetID).Error; err != nil {
		return utils.Error(c, fiber.StatusNotFound, "user not found")
	}

	factors, err := h.Provider.ListFactors(c.Context(), targetID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed listing factors")
	}

	removed := 0
	for _, factor := range factors {
		if err := h.Provider.Unenroll(c.Context(), targetID, factor.ID); err != nil {
			logger.Error("admin_factor_unenroll_failed", err, map[string]interface{}{
				"admin_id":  admin.ID.String(),
				"target_id": targetID.String(),
				"factor_id": factor.ID.String(),
			})
			continue
		}
		removed++
	}

	err = h.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.User{}).
			Where("id = ?", targetID).
			Select("MFAEnabled", "MFAMethod", "TrustedDevices", "TrustedDevicesVersion").
			Updates(models.User{
				MFAEnabled:            false,
				MFAMethod:             "",
				TrustedDevices:        models.TrustedDeviceList{},
				TrustedDevicesVersion: target.TrustedDevicesVersion + 1,
			}).Error; err != nil {
			return err
		}
		return h.Recovery.DeleteAll(tx, targetID)
	})
	if err != nil {
		logger.Error("admin_mfa_reset_incomplete", err, map[string]interface{}{
			"admin_id":  admin.ID.String(),
			"target_id": targetID.String(),
		})
		return utils.Error(c, fiber.StatusInternalServerError, "failed resetting MFA state")
	}

	h.Audit.Record(services.AuditEntry{
		Actor:        &admin.ID,
		Action:       services.ActionAdminMFAReset,
		ResourceType: "user",
		ResourceID:   &targetID,
		Details: map[string]interface{}{
			"reason":          reason,
			"factors_removed": removed,
			"target_user_id":  targetID.String(),
		},
		Severity:  models.SeverityWarning,
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})

	logger.Warn("admin_mfa_reset", map[string]interface{}{
		"admin_id":        admin.ID.String(),
		"target_id":       targetID.String(),
		"factors_removed": removed,
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"factorsRemoved": removed,
	})
}

// ListSecurityEvents exposes the durable compliance trail to admins.
func (h *AdminHandler) ListSecurityEvents(c *fiber.Ctx) error {
	p := utils.ParsePagination(c)

	query := h.DB.Model(&models.SecurityEvent{})
	if action := strings.TrimSpace(c.Query("action")); action != "" {
		query = query.Where("action = ?", action)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed counting security events")
	}

	var events []models.SecurityEvent
	if err := utils.ApplyPagination(query.Order("occurred_at DESC"), p).Find(&events).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed listing security events")
	}

	return utils.Paginated(c, events, p.Page, p.Limit, total)
}

func (h *AdminHandler) allowReset(adminID uuid.UUID) bool {
	h.resetMu.Lock()
	defer h.resetMu.Unlock()

	now := time.Now()
	window, ok := h.resetWindows[adminID]
	if !ok || now.Sub(window.start) > time.Hour {
		h.resetWindows[adminID] = &resetWindow{start: now, count: 1}
		return true
	}

	if window.count >= h.maxResetsPerHour {
		return false
	}

	window.count++
	return true
}
