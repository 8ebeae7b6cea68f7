package models

type UserRole string

const (
	UserRoleAdmin UserRole = "admin"
	UserRoleUser  UserRole = "user"
)

// MFAMethodAuthenticator is the only second-factor method this system issues.
const MFAMethodAuthenticator = "authenticator"

type User struct {
	BaseModel
	Email        string   `json:"email" gorm:"type:varchar(255);uniqueIndex;not null"`
	PasswordHash string   `json:"-" gorm:"type:text;not null"`
	FirstName    string   `json:"firstName" gorm:"type:varchar(100);not null"`
	LastName     string   `json:"lastName" gorm:"type:varchar(100);not null"`
	Role         UserRole `json:"role" gorm:"type:varchar(20);not null;default:'user'"`

	MFAEnabled bool   `json:"mfaEnabled" gorm:"not null;default:false"`
	MFAMethod  string `json:"mfaMethod,omitempty" gorm:"type:varchar(20)"`

	// TrustedDevices is an embedded collection rather than a child table;
	// per-user cardinality stays small and the profile row is the unit of
	// access. TrustedDevicesVersion guards the read-modify-write cycle.
	TrustedDevices        TrustedDeviceList `json:"-" gorm:"type:jsonb;serializer:json"`
	TrustedDevicesVersion int               `json:"-" gorm:"not null;default:0"`
}
