package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	DB     DBConfig
	MinIO  MinIOConfig
	JWT    JWTConfig
	Server ServerConfig
	Audit  AuditConfig
	MFA    MFAConfig
}

type DBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type JWTConfig struct {
	Secret          string
	ExpirationHours int
}

type ServerConfig struct {
	Port string
}

type AuditConfig struct {
	ExportInterval time.Duration
}

type MFAConfig struct {
	Issuer                  string
	TrustedDeviceTTL        time.Duration
	RecoveryCodeTTL         time.Duration
	RecoveryExpiryLookahead int // days
	VerifyMaxAttempts       int
	VerifyWindow            time.Duration
	AdminResetMaxPerHour    int
}

func Load() *Config {
	return &Config{
		DB: DBConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "receiptvault"),
			Password: getEnv("DB_PASSWORD", "receiptvault_secret"),
			Name:     getEnv("DB_NAME", "receiptvault"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		MinIO: MinIOConfig{
			Endpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: getEnv("MINIO_ACCESS_KEY", "receiptvault"),
			SecretKey: getEnv("MINIO_SECRET_KEY", "receiptvault_secret"),
			Bucket:    getEnv("MINIO_BUCKET", "receiptvault-audit"),
			UseSSL:    getEnvAsBool("MINIO_USE_SSL", false),
		},
		JWT: JWTConfig{
			Secret:          getEnv("JWT_SECRET", "change-me-in-production"),
			ExpirationHours: getEnvAsInt("JWT_EXPIRATION_HOURS", 24),
		},
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
		},
		Audit: AuditConfig{
			ExportInterval: getEnvAsDuration("AUDIT_EXPORT_INTERVAL", 1*time.Hour),
		},
		MFA: MFAConfig{
			Issuer:                  getEnv("MFA_ISSUER", "ReceiptVault"),
			TrustedDeviceTTL:        getEnvAsDuration("TRUSTED_DEVICE_TTL", 30*24*time.Hour),
			RecoveryCodeTTL:         getEnvAsDuration("RECOVERY_CODE_TTL", 365*24*time.Hour),
			RecoveryExpiryLookahead: getEnvAsInt("RECOVERY_EXPIRY_LOOKAHEAD_DAYS", 30),
			VerifyMaxAttempts:       getEnvAsInt("MFA_VERIFY_MAX_ATTEMPTS", 5),
			VerifyWindow:            getEnvAsDuration("MFA_VERIFY_WINDOW", 5*time.Minute),
			AdminResetMaxPerHour:    getEnvAsInt("ADMIN_RESET_MAX_PER_HOUR", 10),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}
