package models

import "time"

// Role is the authorization role bound to a session.
type Role string

// Roles.
const (
	RoleAdmin Role = "admin"
	RoleDev   Role = "dev"
)

// Session is a server-side login session.
type Session struct {
	ID        string
	Subject   string
	Role      Role
	CreatedAt time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// Live reports whether the session is usable at now.
func (s Session) Live(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}
