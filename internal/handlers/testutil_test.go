package handlers

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/receiptvault/backend/internal/database"
	"github.com/receiptvault/backend/internal/middleware"
	"github.com/receiptvault/backend/internal/models"
	"github.com/receiptvault/backend/internal/provider"
	"github.com/receiptvault/backend/internal/services"
	"github.com/receiptvault/backend/pkg/logger"
	"github.com/receiptvault/backend/pkg/utils"
	"gorm.io/gorm"
)

type testEnv struct {
	app      *fiber.App
	db       *gorm.DB
	provider *provider.TOTPProvider
	recovery *services.RecoveryService
	devices  *services.DeviceService
	audit    *services.AuditService
}

var testSetupOnce sync.Once

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	testSetupOnce.Do(func() {
		gosqlite.MustRegisterScalarFunction("NOW", 0, func(ctx *gosqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
			return time.Now().UTC(), nil
		})
		logger.Init()
		utils.ConfigureJWT("test-secret", 24)
		utils.ConfigureEncryption("test-encryption-secret-32-bytes!")
	})

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed opening in-memory sqlite database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed getting sql.DB from gorm: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	if err := database.Migrate(db); err != nil {
		t.Fatalf("failed automigrating models: %v", err)
	}

	auditService := services.NewAuditService(db, nil)
	mfaProvider := provider.NewTOTPProvider(db, "ReceiptVault", 5, 5*time.Minute)
	recoveryService := services.NewRecoveryService(db, 365*24*time.Hour, 30)
	deviceService := services.NewDeviceService(db, 30*24*time.Hour)

	authHandler := NewAuthHandler(db, auditService)
	mfaHandler := NewMFAHandler(db, mfaProvider, auditService, recoveryService, deviceService)
	adminHandler := NewAdminHandler(db, mfaProvider, auditService, recoveryService, 10)
	auditHandler := NewAuditHandler(db)
	authMiddleware := middleware.NewAuthMiddleware(db)

	app := fiber.New(fiber.Config{BodyLimit: 1 * 1024 * 1024})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS())
	app.Use(middleware.RequestLogger())
	app.Use(middleware.SecurityLogger())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api")

	authRoutes := api.Group("/auth")
	authRoutes.Post("/register", authHandler.Register)
	authRoutes.Post("/login", authHandler.Login)
	authRoutes.Get("/me", authMiddleware.RequireAuth, authHandler.Me)

	mfaRoutes := api.Group("/auth/mfa")
	mfaRoutes.Get("/status", authMiddleware.RequireAuth, mfaHandler.Status)
	mfaRoutes.Post("/totp/setup", authMiddleware.RequireAuth, mfaHandler.Enroll)
	mfaRoutes.Post("/totp/verify-setup", authMiddleware.RequireAuth, mfaHandler.VerifySetup)
	mfaRoutes.Post("/totp/disable", authMiddleware.RequireAuth, mfaHandler.Disable)
	mfaRoutes.Get("/factors", authMiddleware.RequireAuth, mfaHandler.ListFactors)
	mfaRoutes.Post("/challenge", authMiddleware.RequireAuth, mfaHandler.Challenge)
	mfaRoutes.Post("/verify", authMiddleware.RequireAuth, mfaHandler.Verify)
	mfaRoutes.Post("/verify/totp", mfaHandler.VerifyLoginTOTP)
	mfaRoutes.Post("/verify/recovery", mfaHandler.VerifyRecovery)
	mfaRoutes.Post("/verify/device", mfaHandler.VerifyLoginDevice)
	mfaRoutes.Post("/recovery/regenerate", authMiddleware.RequireAuth, mfaHandler.RegenerateRecovery)
	mfaRoutes.Get("/devices", authMiddleware.RequireAuth, mfaHandler.ListDevices)
	mfaRoutes.Post("/devices", authMiddleware.RequireAuth, mfaHandler.AddDevice)
	mfaRoutes.Delete("/devices/:id", authMiddleware.RequireAuth, mfaHandler.RemoveDevice)

	auditRoutes := api.Group("/audit-log", authMiddleware.RequireAuth)
	auditRoutes.Get("/export", auditHandler.ExportMyLog)

	adminRoutes := api.Group("/admin", authMiddleware.RequireAuth, authMiddleware.RequireSystemAdmin)
	adminRoutes.Post("/users/:id/mfa/reset", adminHandler.ResetMFA)
	adminRoutes.Get("/security-events", adminHandler.ListSecurityEvents)

	return &testEnv{
		app:      app,
		db:       db,
		provider: mfaProvider,
		recovery: recoveryService,
		devices:  deviceService,
		audit:    auditService,
	}
}

func createTestUser(t *testing.T, db *gorm.DB, email, password string, role models.UserRole) (*models.User, string) {
	t.Helper()

	hash, err := utils.HashPassword(password)
	if err != nil {
		t.Fatalf("failed hashing password: %v", err)
	}

	user := &models.User{
		Email:        email,
		PasswordHash: hash,
		FirstName:    "Test",
		LastName:     "User",
		Role:         role,
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed creating test user: %v", err)
	}

	token, err := utils.GenerateToken(user, utils.AAL1)
	if err != nil {
		t.Fatalf("failed generating auth token: %v", err)
	}

	return user, token
}

func createSystemAdmin(t *testing.T, db *gorm.DB, email string) (*models.User, string) {
	t.Helper()

	user, token := createTestUser(t, db, email, "password123", models.UserRoleAdmin)
	if err := db.Create(&models.SystemRole{UserID: user.ID, Role: models.RoleSystemAdmin}).Error; err != nil {
		t.Fatalf("failed assigning system role: %v", err)
	}
	return user, token
}

// enableMFA walks a user through the full enrollment flow and returns the
// TOTP secret, factor id, recovery codes, and a fresh aal2 token.
func enableMFA(t *testing.T, env *testEnv, token string) (secret, factorID string, recoveryCodes []string, aal2Token string) {
	t.Helper()

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/mfa/totp/setup", map[string]interface{}{
		"friendlyName": "Test Authenticator",
	}, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)

	body := decodeJSONMap(t, resp)
	data := body["data"].(map[string]interface{})
	secret = data["secret"].(string)
	factorID = data["factorId"].(string)

	code := totpCode(t, secret)
	resp = performJSONRequest(t, env.app, http.MethodPost, "/api/auth/mfa/totp/verify-setup", map[string]interface{}{
		"factorId": factorID,
		"code":     code,
	}, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)

	body = decodeJSONMap(t, resp)
	data = body["data"].(map[string]interface{})

	for _, raw := range data["recoveryCodes"].([]interface{}) {
		recoveryCodes = append(recoveryCodes, raw.(string))
	}
	aal2Token = data["token"].(string)

	return secret, factorID, recoveryCodes, aal2Token
}

func authHeaders(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func performRequest(t *testing.T, app *fiber.App, method, path string, body io.Reader, headers map[string]string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(method, path, body)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := app.Test(req, int((10 * time.Second).Milliseconds()))
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}

	return resp
}

func performJSONRequest(t *testing.T, app *fiber.App, method, path string, payload any, headers map[string]string) *http.Response {
	t.Helper()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to marshal payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}

	requestHeaders := map[string]string{}
	for key, value := range headers {
		requestHeaders[key] = value
	}
	if payload != nil {
		requestHeaders["Content-Type"] = "application/json"
	}

	return performRequest(t, app, method, path, body, requestHeaders)
}

func decodeJSONMap(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed reading response body: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("failed decoding JSON response: %v body=%q", err, string(raw))
	}

	return payload
}

func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Fatalf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
