package models

import "github.com/google/uuid"

const RoleSystemAdmin = "system_admin"

// SystemRole is the server-side role assignment table. Privileged
// operations check it directly; client-supplied claims are never trusted
// for admin paths.
type SystemRole struct {
	BaseModel
	UserID uuid.UUID `json:"userID" gorm:"type:uuid;not null;index"`
	Role   string    `json:"role" gorm:"type:varchar(30);not null"`
}

func (SystemRole) TableName() string {
	return "system_roles"
}
