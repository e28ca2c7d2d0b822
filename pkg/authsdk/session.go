package authsdk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// refreshSkew refreshes access tokens slightly before they expire.
const refreshSkew = 30 * time.Second

// Session is a signed-in device. It refreshes its access token on demand
// and is safe for concurrent use.
type Session struct {
	client *SDKClient

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
	expiresAt    time.Time
}

func (s *Session) store(t TokenResponse) {
	s.accessToken = t.AccessToken
	s.refreshToken = t.RefreshToken
	s.expiresAt = time.Now().Add(time.Duration(t.ExpiresIn)*time.Second - refreshSkew)
}

func (s *Session) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accessToken
}

func (s *Session) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshToken
}

func (s *Session) validToken(ctx context.Context) (string, error) {
	s.mu.RLock()
	if time.Now().Before(s.expiresAt) {
		token := s.accessToken
		s.mu.RUnlock()
		return token, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Another caller may have refreshed while we waited.
	if time.Now().Before(s.expiresAt) {
		return s.accessToken, nil
	}
	if err := s.refreshLocked(ctx); err != nil {
		return "", err
	}
	return s.accessToken, nil
}

// Refresh rotates the token pair now.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshLocked(ctx)
}

func (s *Session) refreshLocked(ctx context.Context) error {
	if s.refreshToken == "" {
		return errors.New("access token expired and no refresh token available")
	}
	t, err := s.client.Refresh(ctx, s.refreshToken)
	if err != nil {
		return fmt.Errorf("failed to refresh token: %w", err)
	}
	s.store(*t)
	return nil
}

// Me returns the signed-in account.
func (s *Session) Me(ctx context.Context) (*Account, error) {
	var out Account
	if err := s.do(ctx, http.MethodGet, "/v1/auth/me", nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Session) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	var out SessionsResponse
	if err := s.do(ctx, http.MethodGet, "/v1/auth/sessions", nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// RevokeSession signs out one of the account's other devices.
func (s *Session) RevokeSession(ctx context.Context, sessionID string) error {
	return s.do(ctx, http.MethodDelete, "/v1/auth/sessions/"+url.PathEscape(sessionID), nil, nil, http.StatusNoContent)
}

// Logout ends this session. The Session is unusable afterwards.
func (s *Session) Logout(ctx context.Context) error {
	return s.do(ctx, http.MethodPost, "/v1/auth/logout", nil, nil, http.StatusNoContent)
}

// LogoutAll ends every session of the account, this one included.
func (s *Session) LogoutAll(ctx context.Context) (int64, error) {
	var out LogoutAllResponse
	if err := s.do(ctx, http.MethodPost, "/v1/auth/logout-all", nil, &out, http.StatusOK); err != nil {
		return 0, err
	}
	return out.Revoked, nil
}

// ChangePassword keeps this session and signs out every other one.
func (s *Session) ChangePassword(ctx context.Context, current, next string) error {
	req := ChangePasswordRequest{CurrentPassword: current, NewPassword: next}
	return s.do(ctx, http.MethodPost, "/v1/auth/password", req, nil, http.StatusNoContent)
}

func (s *Session) DeleteAccount(ctx context.Context, password string) error {
	return s.do(ctx, http.MethodDelete, "/v1/auth/me", DeleteAccountRequest{Password: password}, nil, http.StatusNoContent)
}

// EnrollTOTP starts TOTP enrollment. Call ConfirmTOTP with a code from the
// authenticator to switch MFA on.
func (s *Session) EnrollTOTP(ctx context.Context) (*TOTPEnrollResponse, error) {
	var out TOTPEnrollResponse
	if err := s.do(ctx, http.MethodPost, "/v1/mfa/totp/enroll", nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Session) ConfirmTOTP(ctx context.Context, code string) error {
	return s.do(ctx, http.MethodPost, "/v1/mfa/totp/confirm", TOTPCodeRequest{Code: code}, nil, http.StatusNoContent)
}

func (s *Session) DisableTOTP(ctx context.Context, code string) error {
	return s.do(ctx, http.MethodDelete, "/v1/mfa/totp", TOTPCodeRequest{Code: code}, nil, http.StatusNoContent)
}
