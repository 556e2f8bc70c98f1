package domain

import (
	"slices"
	"strings"
	"time"
)

// Role is the fixed set of roles an identity can hold.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
)

// ParseRole normalizes a claim value. Unknown or empty roles map to
// RolePatient, the least privileged authenticated role.
func ParseRole(s string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleAdmin:
		return RoleAdmin
	case RoleDoctor:
		return RoleDoctor
	default:
		return RolePatient
	}
}

// Permission names a capability checked by resolvers.
type Permission string

const (
	PermDepartmentsWrite  Permission = "departments:write"
	PermDoctorsWrite      Permission = "doctors:write"
	PermPatientsRead      Permission = "patients:read"
	PermPatientsWrite     Permission = "patients:write"
	PermAppointmentsRead  Permission = "appointments:read"
	PermAppointmentsWrite Permission = "appointments:write"
)

// DefaultPermissions is used when a token carries no explicit permissions.
var DefaultPermissions = map[Role][]Permission{
	RoleAdmin: {
		PermDepartmentsWrite, PermDoctorsWrite,
		PermPatientsRead, PermPatientsWrite,
		PermAppointmentsRead, PermAppointmentsWrite,
	},
	RoleDoctor: {
		PermPatientsRead,
		PermAppointmentsRead, PermAppointmentsWrite,
	},
	RolePatient: {
		PermAppointmentsRead,
	},
}

// TokenSource records which signing secret verified the token.
type TokenSource string

const (
	SourcePrimary     TokenSource = "primary"
	SourceApplication TokenSource = "application"
)

// Identity is the authenticated actor of a request. It is built once by the
// auth package and not modified afterwards.
type Identity struct {
	ID             string
	Email          string
	Role           Role
	Permissions    []Permission
	LinkedEntityID string
	Active         bool
	IssuedAt       time.Time
	ExpiresAt      time.Time
	Source         TokenSource
}

// HasRole reports whether the identity holds one of roles.
func (id *Identity) HasRole(roles ...Role) bool {
	if id == nil {
		return false
	}
	return slices.Contains(roles, id.Role)
}

// Can reports whether the identity holds p. Admins hold every permission.
func (id *Identity) Can(p Permission) bool {
	if id == nil {
		return false
	}
	if id.Role == RoleAdmin {
		return true
	}
	return slices.Contains(id.Permissions, p)
}

// Owns reports whether the identity is linked to the given entity record.
func (id *Identity) Owns(entityID string) bool {
	return id != nil && id.LinkedEntityID != "" && id.LinkedEntityID == entityID
}
