package handlers

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/receiptvault/backend/internal/models"
)

func TestAdminResetMFA(t *testing.T) {
	env := setupTestEnv(t)
	admin, adminToken := createSystemAdmin(t, env.db, "admin@shop.test")
	target, targetToken := createTestUser(t, env.db, "owner@shop.test", "password123", models.UserRoleUser)
	enableMFA(t, env, targetToken)

	resp := performJSONRequest(t, env.app, http.MethodPost,
		fmt.Sprintf("/api/admin/users/%s/mfa/reset", target.ID),
		map[string]interface{}{"reason": "owner lost phone, identity verified by callback"},
		authHeaders(adminToken))
	assertStatus(t, resp, http.StatusOK)

	data := decodeJSONMap(t, resp)["data"].(map[string]any)
	if data["factorsRemoved"].(float64) != 1 {
		t.Fatalf("expected 1 factor removed, got %v", data["factorsRemoved"])
	}

	var refreshed models.User
	if err := env.db.First(&refreshed, "id = ?", target.ID).Error; err != nil {
		t.Fatalf("failed reloading target: %v", err)
	}
	if refreshed.MFAEnabled || refreshed.MFAMethod != "" {
		t.Fatal("expected MFA flags cleared after admin reset")
	}
	if len(refreshed.TrustedDevices) != 0 {
		t.Fatal("expected trusted devices cleared after admin reset")
	}

	remaining, err := env.recovery.Remaining(target.ID)
	if err != nil {
		t.Fatalf("remaining query failed: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected 0 recovery codes after admin reset, got %d", remaining)
	}

	// Exactly one durable event, carrying actor, reason and removed count.
	var events []models.SecurityEvent
	if err := env.db.Where("action = ?", "admin_mfa_reset").Find(&events).Error; err != nil {
		t.Fatalf("failed loading security events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly 1 admin_mfa_reset event, got %d", len(events))
	}
	event := events[0]
	if event.UserID == nil || *event.UserID != admin.ID {
		t.Fatal("expected the admin actor on the reset event")
	}
	if event.Severity != models.SeverityWarning {
		t.Fatalf("expected warning severity, got %q", event.Severity)
	}
	if event.Details["reason"] != "owner lost phone, identity verified by callback" {
		t.Fatalf("expected reason in event details, got %v", event.Details["reason"])
	}
	if event.Details["factors_removed"].(float64) != 1 {
		t.Fatalf("expected factors_removed=1 in event details, got %v", event.Details["factors_removed"])
	}
}

func TestAdminResetRequiresReason(t *testing.T) {
	env := setupTestEnv(t)
	_, adminToken := createSystemAdmin(t, env.db, "admin@shop.test")
	target, _ := createTestUser(t, env.db, "owner@shop.test", "password123", models.UserRoleUser)

	resp := performJSONRequest(t, env.app, http.MethodPost,
		fmt.Sprintf("/api/admin/users/%s/mfa/reset", target.ID),
		map[string]interface{}{"reason": "   "},
		authHeaders(adminToken))
	assertStatus(t, resp, http.StatusBadRequest)

	long := make([]byte, 501)
	for i := range long {
		long[i] = 'x'
	}
	resp = performJSONRequest(t, env.app, http.MethodPost,
		fmt.Sprintf("/api/admin/users/%s/mfa/reset", target.ID),
		map[string]interface{}{"reason": string(long)},
		authHeaders(adminToken))
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestAdminResetForbiddenWithoutSystemRole(t *testing.T) {
	env := setupTestEnv(t)
	// A tenant admin without a system_roles row is still refused.
	_, adminToken := createTestUser(t, env.db, "admin@shop.test", "password123", models.UserRoleAdmin)
	target, _ := createTestUser(t, env.db, "owner@shop.test", "password123", models.UserRoleUser)

	resp := performJSONRequest(t, env.app, http.MethodPost,
		fmt.Sprintf("/api/admin/users/%s/mfa/reset", target.ID),
		map[string]interface{}{"reason": "should not work"},
		authHeaders(adminToken))
	assertStatus(t, resp, http.StatusForbidden)
}

func TestAdminResetRateLimited(t *testing.T) {
	env := setupTestEnv(t)
	_, adminToken := createSystemAdmin(t, env.db, "admin@shop.test")
	target, _ := createTestUser(t, env.db, "owner@shop.test", "password123", models.UserRoleUser)

	path := fmt.Sprintf("/api/admin/users/%s/mfa/reset", target.ID)
	for i := 0; i < 10; i++ {
		resp := performJSONRequest(t, env.app, http.MethodPost, path,
			map[string]interface{}{"reason": "bulk offboarding check"},
			authHeaders(adminToken))
		assertStatus(t, resp, http.StatusOK)
	}

	resp := performJSONRequest(t, env.app, http.MethodPost, path,
		map[string]interface{}{"reason": "bulk offboarding check"},
		authHeaders(adminToken))
	assertStatus(t, resp, http.StatusTooManyRequests)
}

func TestListSecurityEventsFilteredByAction(t *testing.T) {
	env := setupTestEnv(t)
	_, adminToken := createSystemAdmin(t, env.db, "admin@shop.test")
	_, userToken := createTestUser(t, env.db, "owner@shop.test", "password123", models.UserRoleUser)
	enableMFA(t, env, userToken)

	resp := performJSONRequest(t, env.app, http.MethodGet,
		"/api/admin/security-events?action=enable_mfa", nil, authHeaders(adminToken))
	assertStatus(t, resp, http.StatusOK)

	body := decodeJSONMap(t, resp)
	events := body["data"].([]interface{})
	if len(events) != 1 {
		t.Fatalf("expected 1 enable_mfa event, got %d", len(events))
	}
	if events[0].(map[string]any)["action"] != "enable_mfa" {
		t.Fatalf("unexpected action in filtered listing: %v", events[0])
	}
}
