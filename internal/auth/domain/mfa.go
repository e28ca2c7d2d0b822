package domain

// TOTPEnrollment is returned when an account starts TOTP enrollment. The
// secret is shown once; MFA is only enabled after a code is confirmed.
type TOTPEnrollment struct {
	Secret string
	URL    string // otpauth:// URL for QR rendering
}
