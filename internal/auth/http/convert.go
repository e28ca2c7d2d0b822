package http

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/aussiebroadwan/tavern/internal/auth/domain"
	"github.com/aussiebroadwan/tavern/pkg/authsdk"
	"github.com/aussiebroadwan/tavern/pkg/httpx"
)

// Device metadata is free text from the client; keep it bounded.
const (
	maxDeviceName = 64
	maxUserAgent  = 256
)

func deviceFrom(r *http.Request, name string) domain.DeviceInfo {
	return domain.DeviceInfo{
		DeviceName: truncate(strings.TrimSpace(name), maxDeviceName),
		IPAddress:  httpx.IPKeyExtractor(r),
		UserAgent:  truncate(r.UserAgent(), maxUserAgent),
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func toAccount(a domain.Account) authsdk.Account {
	return authsdk.Account{
		ID:          a.ID,
		Username:    a.Username,
		Email:       a.Email,
		DisplayName: a.DisplayName,
		Verified:    a.Verified,
		MFAEnabled:  a.MFAEnabled,
		CreatedAt:   a.CreatedAt,
	}
}

func toTokens(p domain.TokenPair) authsdk.TokenResponse {
	return authsdk.TokenResponse{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		TokenType:    p.TokenType,
		ExpiresIn:    p.ExpiresIn,
	}
}

func toSessionInfo(s domain.Session, currentID string) authsdk.SessionInfo {
	return authsdk.SessionInfo{
		ID:         s.ID,
		DeviceName: s.Device.DeviceName,
		IPAddress:  s.Device.IPAddress,
		UserAgent:  s.Device.UserAgent,
		CreatedAt:  s.CreatedAt,
		LastUsedAt: s.LastUsedAt,
		ExpiresAt:  s.ExpiresAt,
		Current:    s.ID == currentID,
	}
}
