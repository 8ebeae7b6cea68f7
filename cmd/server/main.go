package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/receiptvault/backend/internal/config"
	"github.com/receiptvault/backend/internal/database"
	"github.com/receiptvault/backend/internal/handlers"
	"github.com/receiptvault/backend/internal/middleware"
	"github.com/receiptvault/backend/internal/provider"
	"github.com/receiptvault/backend/internal/services"
	"github.com/receiptvault/backend/internal/storage"
	"github.com/receiptvault/backend/pkg/logger"
	"github.com/receiptvault/backend/pkg/utils"
)

func main() {
	logger.Init()

	cfg := config.Load()
	utils.ConfigureJWT(cfg.JWT.Secret, cfg.JWT.ExpirationHours)
	utils.ConfigureEncryption(cfg.JWT.Secret)

	db, err := database.Connect(cfg.DB)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}

	storageClient, err := storage.NewMinIOClient(cfg.MinIO)
	if err != nil {
		log.Fatalf("minio initialization failed: %v", err)
	}
	if err := storageClient.EnsureBucket(context.Background()); err != nil {
		log.Fatalf("failed ensuring minio bucket: %v", err)
	}

	auditService := services.NewAuditService(db, storageClient)
	auditService.StartExporter(cfg.Audit.ExportInterval)

	// Consumed MFA token IDs only matter while the token could still be
	// replayed; sweep the stale ones periodically.
	go func() {
		ticker := time.NewTicker(15 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			utils.CleanupExpiredJTIs()
		}
	}()

	mfaProvider := provider.NewTOTPProvider(db, cfg.MFA.Issuer, cfg.MFA.VerifyMaxAttempts, cfg.MFA.VerifyWindow)
	recoveryService := services.NewRecoveryService(db, cfg.MFA.RecoveryCodeTTL, cfg.MFA.RecoveryExpiryLookahead)
	deviceService := services.NewDeviceService(db, cfg.MFA.TrustedDeviceTTL)

	authHandler := handlers.NewAuthHandler(db, auditService)
	mfaHandler := handlers.NewMFAHandler(db, mfaProvider, auditService, recoveryService, deviceService)
	adminHandler := handlers.NewAdminHandler(db, mfaProvider, auditService, recoveryService, cfg.MFA.AdminResetMaxPerHour)
	auditHandler := handlers.NewAuditHandler(db)

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

	listenAddr := fmt.Sprintf(":%s", cfg.Server.Port)

	logger.Info("server_starting", map[string]interface{}{
		"port":    cfg.Server.Port,
		"address": listenAddr,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(listenAddr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("shutting down server due to signal: %s", sig)
		shutdownDone := make(chan struct{})
		go func() {
			_ = app.Shutdown()
			close(shutdownDone)
		}()
		select {
		case <-shutdownDone:
		case <-time.After(10 * time.Second):
			log.Print("forced shutdown timeout reached")
		}
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server error: %v", err)
		}
	}
}
