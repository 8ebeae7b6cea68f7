package database

import (
	"fmt"

	"github.com/receiptvault/backend/internal/config"
	"github.com/receiptvault/backend/internal/models"
	"github.com/receiptvault/backend/pkg/utils"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func Connect(cfg config.DBConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host,
		cfg.Port,
		cfg.User,
		cfg.Password,
		cfg.Name,
		cfg.SSLMode,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	if err := seedAdminUser(db); err != nil {
		return nil, err
	}

	return db, nil
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.MFAFactor{},
		&models.MFAChallenge{},
		&models.MFAVerifyWindow{},
		&models.RecoveryCode{},
		&models.AuditLog{},
		&models.SecurityEvent{},
		&models.AuditExportCursor{},
		&models.SystemRole{},
	)
}

func seedAdminUser(db *gorm.DB) error {
	var count int64
	if err := db.Model(&models.User{}).Count(&count).Error; err != nil {
		return err
	}

	if count > 0 {
		return nil
	}

	hash, err := utils.HashPassword("admin123")
	if err != nil {
		return err
	}

	admin := models.User{
		Email:        "admin@receiptvault.local",
		PasswordHash: hash,
		FirstName:    "System",
		LastName:     "Admin",
		Role:         models.UserRoleAdmin,
	}

	if err := db.Create(&admin).Error; err != nil {
		return err
	}

	return db.Create(&models.SystemRole{
		UserID: admin.ID,
		Role:   models.RoleSystemAdmin,
	}).Error
}
