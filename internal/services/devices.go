package services

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mileusna/useragent"
	"github.com/receiptvault/backend/internal/models"
	"gorm.io/gorm"
)

// ErrConcurrentDeviceUpdate is returned when the optimistic version check
// on the embedded device collection keeps failing.
var ErrConcurrentDeviceUpdate = errors.New("trusted device list was modified concurrently")

// DeviceSignals are the client-reported values hashed into the device
// fingerprint. The fingerprint is a convenience identifier against
// accidental collisions, not a security boundary.
type DeviceSignals struct {
	UserAgent           string `json:"userAgent"`
	Language            string `json:"language"`
	ScreenResolution    string `json:"screenResolution"`
	TimezoneOffset      int    `json:"timezoneOffset"`
	HardwareConcurrency int    `json:"hardwareConcurrency"`
}

// DeviceService maintains the per-user trusted device collection stored on
// the profile row. Expiry is enforced at check time; expired entries are
// pruned on the next write, not by a background sweep.
type DeviceService struct {
	DB         *gorm.DB
	DefaultTTL time.Duration
}

func NewDeviceService(db *gorm.DB, defaultTTL time.Duration) *DeviceService {
	return &DeviceService{DB: db, DefaultTTL: defaultTTL}
}

// NewDevice builds a trust record from client signals. Name is best-effort
// user-agent sniffing with an "Unknown Device" fallback.
func (s *DeviceService) NewDevice(signals DeviceSignals, ttl time.Duration) models.TrustedDevice {
	if ttl <= 0 {
		ttl = s.DefaultTTL
	}

	now := time.Now()
	return models.TrustedDevice{
		ID:          uuid.New().String(),
		Name:        deviceName(signals.UserAgent),
		Fingerprint: fingerprint(signals),
		AddedAt:     now,
		ExpiresAt:   now.Add(ttl),
		LastUsed:    now,
	}
}

func deviceName(ua string) string {
	parsed := useragent.Parse(ua)
	switch {
	case parsed.Name != "" && parsed.OS != "":
		return fmt.Sprintf("%s on %s", parsed.Name, parsed.OS)
	case parsed.Name != "":
		return parsed.Name
	case parsed.OS != "":
		return parsed.OS
	default:
		return "Unknown Device"
	}
}

func fingerprint(signals DeviceSignals) string {
	joined := strings.Join([]string{
		signals.UserAgent,
		signals.Language,
		signals.ScreenResolution,
		fmt.Sprintf("%d", signals.TimezoneOffset),
		fmt.Sprintf("%d", signals.HardwareConcurrency),
	}, "|")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])[:32]
}

// Add prunes expired entries and appends the device in one write, guarded
// by the collection version. Retries once on a concurrent update.
func (s *DeviceService) Add(userID uuid.UUID, device models.TrustedDevice) error {
	return s.mutate(userID, func(list models.TrustedDeviceList) models.TrustedDeviceList {
		return append(list.Active(time.Now()), device)
	})
}

// Remove filters the identifier out of the collection.
func (s *DeviceService) Remove(userID uuid.UUID, deviceID string) error {
	return s.mutate(userID, func(list models.TrustedDeviceList) models.TrustedDeviceList {
		out := make(models.TrustedDeviceList, 0, len(list))
		for _, d := range list {
			if d.ID != deviceID {
				out = append(out, d)
			}
		}
		return out
	})
}

// Check reports whether the identifier names a non-expired entry in the
// user's collection, and refreshes last_used on a hit.
func (s *DeviceService) Check(userID uuid.UUID, deviceID string) (bool, error) {
	if deviceID == "" {
		return false, nil
	}

	var user models.User
	if err := s.DB.First(&user, "id = ?", userID).Error; err != nil {
		return false, err
	}

	device, ok := user.TrustedDevices.Find(deviceID)
	if !ok || device.Expired(time.Now()) {
		return false, nil
	}

	// Best effort; trust is already established.
	_ = s.mutate(userID, func(list models.TrustedDeviceList) models.TrustedDeviceList {
		for i := range list {
			if list[i].ID == deviceID {
				list[i].LastUsed = time.Now()
			}
		}
		return list
	})

	return true, nil
}

// List returns the non-expired entries without modifying the stored
// collection.
func (s *DeviceService) List(userID uuid.UUID) (models.TrustedDeviceList, error) {
	var user models.User
	if err := s.DB.First(&user, "id = ?", userID).Error; err != nil {
		return nil, err
	}
	return user.TrustedDevices.Active(time.Now()), nil
}

func (s *DeviceService) mutate(userID uuid.UUID, apply func(models.TrustedDeviceList) models.TrustedDeviceList) error {
	for attempt := 0; attempt < 2; attempt++ {
		var user models.User
		if err := s.DB.First(&user, "id = ?", userID).Error; err != nil {
			return err
		}

		updated := apply(user.TrustedDevices)

		res := s.DB.Model(&models.User{}).
			Where("id = ? AND trusted_devices_version = ?", userID, user.TrustedDevicesVersion).
			Select("TrustedDevices", "TrustedDevicesVersion").
			Updates(models.User{
				TrustedDevices:        updated,
				TrustedDevicesVersion: user.TrustedDevicesVersion + 1,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}
	}
	return ErrConcurrentDeviceUpdate
}
