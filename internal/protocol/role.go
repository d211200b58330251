package protocol

import (
	"errors"
	"strings"
)

// ErrInvalidRole is returned for roles other than tablet or kiosk.
var ErrInvalidRole = errors.New("invalid role")

// Role 会话中的连接槽位
type Role string

const (
	RoleTablet Role = "tablet"
	RoleKiosk  Role = "kiosk"
)

// Roles lists every slot of a session.
var Roles = []Role{RoleKiosk, RoleTablet}

// ParseRole normalises a query-string role.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	if !role.Valid() {
		return "", ErrInvalidRole
	}
	return role, nil
}

// Valid reports whether r names a session slot.
func (r Role) Valid() bool {
	return r == RoleTablet || r == RoleKiosk
}

// Opposite returns the peer role.
func (r Role) Opposite() Role {
	if r == RoleTablet {
		return RoleKiosk
	}
	return RoleTablet
}

func (r Role) String() string {
	return string(r)
}
