package enums

import "fmt"

// UserRole is carried in access tokens issued by the identity provider.
type UserRole string

const (
	UserRoleOperator UserRole = "operator"
	UserRoleAdmin    UserRole = "admin"
)

func (r UserRole) String() string { return string(r) }

func (r UserRole) IsValid() bool {
	switch r {
	case UserRoleOperator, UserRoleAdmin:
		return true
	default:
		return false
	}
}

func ParseUserRole(v string) (UserRole, error) {
	r := UserRole(v)
	if !r.IsValid() {
		return "", fmt.Errorf("invalid user role %q", v)
	}
	return r, nil
}
