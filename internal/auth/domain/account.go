package domain

import "time"

// Input bounds. Usernames count runes; passwords count bytes, capped at
// bcrypt's input limit so digests can move between algorithms.
const (
	UsernameMinLength = 1
	UsernameMaxLength = 32
	PasswordMinLength = 8
	PasswordMaxLength = 72
)

type Account struct {
	ID           string
	Username     string
	Email        string // stored lower-cased
	DisplayName  string
	PasswordHash string // self-describing digest, never leaves the service
	Verified     bool
	MFAEnabled   bool
	MFASecret    string // base32 TOTP secret; set on enrollment, confirmed by MFAEnabled
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    *time.Time // soft-delete tombstone
}

// Deleted reports whether the account carries a tombstone.
func (a Account) Deleted() bool { return a.DeletedAt != nil }

// Public returns a copy safe to hand outside the service.
func (a Account) Public() Account {
	a.PasswordHash = ""
	a.MFASecret = ""
	return a
}
