package models

// UserRole is the access tier of a dashboard API user. Users here are
// service operators, not tenant-side accounts.
type UserRole string

const (
	RoleViewer   UserRole = "viewer"   // read status only
	RoleOperator UserRole = "operator" // may request manual syncs
	RoleAdmin    UserRole = "admin"    // full control
)

var roleRank = map[UserRole]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

func IsValidRole(role UserRole) bool {
	_, ok := roleRank[role]
	return ok
}

// HasAtLeast reports whether the role meets or exceeds the required tier.
func HasAtLeast(role, required UserRole) bool {
	return roleRank[role] >= roleRank[required]
}

type User struct {
	ID           string   `json:"id"`
	Email        string   `json:"email"`
	PasswordHash string   `json:"-"`
	Role         UserRole `json:"role"`
	IsActive     bool     `json:"is_active"`
}
