package router

import (
	"strings"

	"github.com/tandem-run/tandem/internal/core"
)

// Role is the ordered access level of a caller. Higher roles include
// everything below them.
type Role int

const (
	RoleViewer Role = iota
	RoleOperator
	RoleAdmin
)

// ParseRole parses a role string, case-insensitively.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "viewer":
		return RoleViewer, nil
	case "operator":
		return RoleOperator, nil
	case "admin":
		return RoleAdmin, nil
	default:
		return RoleViewer, core.NewErrorf(core.CodeValidation, "unknown role %q", s)
	}
}

func (r Role) String() string {
	switch r {
	case RoleViewer:
		return "viewer"
	case RoleOperator:
		return "operator"
	case RoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// AtLeast reports whether r grants the minimum level.
func (r Role) AtLeast(min Role) bool {
	return r >= min
}
