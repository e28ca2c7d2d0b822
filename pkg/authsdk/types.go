package authsdk

import "time"

// ============================================================================
// Error bodies
// ============================================================================

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// ============================================================================
// Auth
// ============================================================================

// RegisterRequest creates an account and signs it in.
type RegisterRequest struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name,omitempty"`
	DeviceName  string `json:"device_name,omitempty"`
}

// LoginRequest signs in with email and password. MFACode is required once
// the server answers mfa_required.
type LoginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	MFACode    string `json:"mfa_code,omitempty"`
	DeviceName string `json:"device_name,omitempty"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// TokenResponse is the token pair handed out by register, login and refresh.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`

	// ExpiresIn is the access token lifetime in seconds.
	ExpiresIn int64 `json:"expires_in"`
}

// AuthResponse is returned by register and login.
type AuthResponse struct {
	Account Account       `json:"account"`
	Tokens  TokenResponse `json:"tokens"`
}

// ============================================================================
// Account
// ============================================================================

// Account is the public view of an account.
type Account struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name,omitempty"`
	Verified    bool      `json:"verified"`
	MFAEnabled  bool      `json:"mfa_enabled"`
	CreatedAt   time.Time `json:"created_at"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type DeleteAccountRequest struct {
	Password string `json:"password"`
}

// ============================================================================
// Sessions
// ============================================================================

// SessionInfo describes one signed-in device. Current marks the session the
// request was made with.
type SessionInfo struct {
	ID         string    `json:"id"`
	DeviceName string    `json:"device_name,omitempty"`
	IPAddress  string    `json:"ip_address,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Current    bool      `json:"current"`
}

type SessionsResponse struct {
	Sessions []SessionInfo `json:"sessions"`
}

type LogoutAllResponse struct {
	Revoked int64 `json:"revoked"`
}

// ============================================================================
// MFA
// ============================================================================

// TOTPEnrollResponse carries the secret and otpauth URL. They are shown
// once; MFA stays off until a code is confirmed.
type TOTPEnrollResponse struct {
	Secret string `json:"secret"`
	URL    string `json:"otpauth_url"`
}

type TOTPCodeRequest struct {
	Code string `json:"code"`
}

// TOTPSetupRequest starts enrollment with a password instead of a session,
// for accounts that may not sign in until they have a second factor.
type TOTPSetupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// ============================================================================
// Health
// ============================================================================

type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Uptime  string            `json:"uptime"`
	Checks  map[string]string `json:"checks,omitempty"`
}
