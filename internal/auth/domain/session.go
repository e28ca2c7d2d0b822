package domain

import "time"

// DeviceInfo is client metadata recorded against a session.
type DeviceInfo struct {
	DeviceName string
	IPAddress  string
	UserAgent  string
}

// Session is one logged-in device. Only token fingerprints are stored.
type Session struct {
	ID               string
	AccountID        string
	AccessTokenHash  string
	RefreshTokenHash string
	Device           DeviceInfo
	CreatedAt        time.Time
	LastUsedAt       time.Time
	ExpiresAt        time.Time
}

// Expired reports whether the session is no longer usable at now.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
