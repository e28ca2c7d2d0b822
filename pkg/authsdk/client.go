package authsdk

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// SDKClient talks to the unauthenticated endpoints and opens Sessions.
type SDKClient struct {
	BaseURL    string
	HTTPClient *http.Client

	// UserAgent is recorded by the server against new sessions.
	UserAgent string
}

func NewSDKClient(baseURL string) *SDKClient {
	return &SDKClient{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Register creates an account and returns its first token pair.
func (c *SDKClient) Register(ctx context.Context, req RegisterRequest) (*AuthResponse, error) {
	var out AuthResponse
	if err := c.do(ctx, http.MethodPost, "/v1/auth/register", req, &out, http.StatusCreated); err != nil {
		return nil, err
	}
	return &out, nil
}

// Login signs in. An account with MFA answers ErrMFARequired until
// req.MFACode is set.
func (c *SDKClient) Login(ctx context.Context, req LoginRequest) (*AuthResponse, error) {
	var out AuthResponse
	if err := c.do(ctx, http.MethodPost, "/v1/auth/login", req, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// Refresh exchanges a refresh token for a new pair. The presented token is
// spent whether or not the caller keeps the result.
func (c *SDKClient) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	var out TokenResponse
	if err := c.do(ctx, http.MethodPost, "/v1/auth/refresh", RefreshRequest{RefreshToken: refreshToken}, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetupTOTP enrolls an account that answered ErrMFAEnrollmentRequired.
// Logging in with a code from the returned secret turns MFA on.
func (c *SDKClient) SetupTOTP(ctx context.Context, req TOTPSetupRequest) (*TOTPEnrollResponse, error) {
	var out TOTPEnrollResponse
	if err := c.do(ctx, http.MethodPost, "/v1/mfa/totp/setup", req, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// AuthenticateWithPassword logs in and wraps the tokens in a Session.
func (c *SDKClient) AuthenticateWithPassword(ctx context.Context, req LoginRequest) (*Session, error) {
	res, err := c.Login(ctx, req)
	if err != nil {
		return nil, err
	}
	return c.NewSession(res.Tokens), nil
}

// NewSession wraps an existing token pair.
func (c *SDKClient) NewSession(tokens TokenResponse) *Session {
	s := &Session{client: c}
	s.store(tokens)
	return s
}

func (c *SDKClient) GetLiveness(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.do(ctx, http.MethodGet, "/livez", nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *SDKClient) GetReadiness(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.do(ctx, http.MethodGet, "/readyz", nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}
