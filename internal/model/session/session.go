package session

import (
	"time"

	"github.com/zhouzirui/vision-kiosk/backend/internal/protocol"
)

// Session captures the pairing context shared by one kiosk and one tablet.
type Session struct {
	ID             string    `json:"sessionId"`
	KioskOnline    bool      `json:"kioskOnline"`
	TabletOnline   bool      `json:"tabletOnline"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// Online reports whether role currently holds a socket.
func (s Session) Online(role protocol.Role) bool {
	switch role {
	case protocol.RoleKiosk:
		return s.KioskOnline
	case protocol.RoleTablet:
		return s.TabletOnline
	default:
		return false
	}
}

// Empty reports whether both slots are free.
func (s Session) Empty() bool {
	return !s.KioskOnline && !s.TabletOnline
}
