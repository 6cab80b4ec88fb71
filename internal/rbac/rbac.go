package rbac

import "strings"

type Role string

const (
	RoleMember  Role = "member"
	RoleAdmin   Role = "admin"
	RoleFounder Role = "founder"
)

func rank(role Role) int {
	switch role {
	case RoleFounder:
		return 3
	case RoleAdmin:
		return 2
	case RoleMember:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether role ranks at or above min. Unknown roles never qualify.
func AtLeast(role, min Role) bool {
	r := rank(role)
	return r > 0 && r >= rank(min)
}

func IsAdmin(role Role) bool {
	return AtLeast(role, RoleAdmin)
}

// Known reports whether role names one of the defined roles.
func Known(role string) bool {
	return rank(Role(strings.ToLower(strings.TrimSpace(role)))) > 0
}

func Normalize(role string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(role))) {
	case RoleFounder:
		return RoleFounder
	case RoleAdmin:
		return RoleAdmin
	default:
		return RoleMember
	}
}
