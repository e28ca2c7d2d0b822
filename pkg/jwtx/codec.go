package jwtx

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the smallest HMAC secret the codec accepts.
const MinSecretLength = 32

var (
	// ErrInvalid covers every reason a token is rejected: malformed, wrong
	// signature, wrong issuer or audience, wrong use, or expired.
	ErrInvalid = errors.New("jwtx: invalid token")

	// ErrExpired is returned for a correctly signed token past its exp. It
	// also matches ErrInvalid.
	ErrExpired = fmt.Errorf("%w: expired", ErrInvalid)
)

// Codec issues and decodes HS256 access and refresh tokens. Access and
// refresh tokens use different secrets so one can never be replayed as the
// other.
type Codec struct {
	AccessSecret  []byte
	RefreshSecret []byte
	Issuer        string
	Audience      string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration

	// Leeway tolerates clock skew on exp/nbf/iat.
	Leeway time.Duration

	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// Validate checks the codec configuration.
func (c *Codec) Validate() error {
	switch {
	case len(c.AccessSecret) < MinSecretLength:
		return fmt.Errorf("jwtx: access secret must be at least %d bytes", MinSecretLength)
	case len(c.RefreshSecret) < MinSecretLength:
		return fmt.Errorf("jwtx: refresh secret must be at least %d bytes", MinSecretLength)
	case string(c.AccessSecret) == string(c.RefreshSecret):
		return errors.New("jwtx: access and refresh secrets must differ")
	case c.Issuer == "" || c.Audience == "":
		return errors.New("jwtx: issuer and audience are required")
	}
	return nil
}

func (c *Codec) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Codec) accessTTL() time.Duration {
	if c.AccessTTL > 0 {
		return c.AccessTTL
	}
	return DefaultAccessTokenTTL
}

func (c *Codec) refreshTTL() time.Duration {
	if c.RefreshTTL > 0 {
		return c.RefreshTTL
	}
	return DefaultRefreshTokenTTL
}

// AccessTTLSeconds is the expires_in value handed to clients.
func (c *Codec) AccessTTLSeconds() int64 { return int64(c.accessTTL() / time.Second) }

// IssueAccess signs an access token for the account and session.
func (c *Codec) IssueAccess(accountID, sessionID, email, username string, now time.Time) (string, error) {
	claims := AccessClaims{
		RegisteredClaims: registered(accountID, c.Issuer, c.Audience, now, c.accessTTL()),
		SID:              sessionID,
		Use:              UseAccess,
		Email:            email,
		Username:         username,
	}
	return sign(claims, c.AccessSecret)
}

// IssueRefresh signs a refresh token and returns it with its expiry.
func (c *Codec) IssueRefresh(accountID, sessionID string, now time.Time) (string, time.Time, error) {
	claims := RefreshClaims{
		RegisteredClaims: registered(accountID, c.Issuer, c.Audience, now, c.refreshTTL()),
		SID:              sessionID,
		Use:              UseRefresh,
	}
	token, err := sign(claims, c.RefreshSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, claims.ExpiresAt.Time, nil
}

// DecodeAccess verifies signature, issuer, audience and expiry of an access
// token. Failures are ErrExpired or ErrInvalid.
func (c *Codec) DecodeAccess(token string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := c.parse(token, claims, c.AccessSecret); err != nil {
		return nil, err
	}
	return claims, nil
}

// DecodeRefresh is DecodeAccess for refresh tokens.
func (c *Codec) DecodeRefresh(token string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := c.parse(token, claims, c.RefreshSecret); err != nil {
		return nil, err
	}
	return claims, nil
}

func (c *Codec) parse(token string, claims jwt.Claims, secret []byte) error {
	if token == "" {
		return ErrInvalid
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.Issuer),
		jwt.WithAudience(c.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(c.Leeway),
		jwt.WithTimeFunc(c.now),
	)

	_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	default:
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
}

func sign(claims jwt.Claims, secret []byte) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
