package model

import "fmt"

// Role is the RBAC role carried in a caller's token.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleReader   Role = "reader"
)

// RoleRank returns the numeric rank of a role (higher = more privileges).
func RoleRank(r Role) int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleOperator:
		return 2
	case RoleReader:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast returns true if role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole Role) bool {
	return RoleRank(r) >= RoleRank(minRole)
}

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if RoleRank(r) == 0 {
		return "", fmt.Errorf("unknown role %q (want admin, operator or reader)", s)
	}
	return r, nil
}

// ValidateSubject checks that a token subject is 1-255 ASCII characters:
// alphanumeric, dots, hyphens, underscores, and @ signs.
func ValidateSubject(sub string) error {
	if len(sub) == 0 {
		return fmt.Errorf("subject is required")
	}
	if len(sub) > 255 {
		return fmt.Errorf("subject must be at most 255 characters")
	}
	for i := 0; i < len(sub); i++ {
		c := sub[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' && c != '@' {
			return fmt.Errorf("subject contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
