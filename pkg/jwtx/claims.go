package jwtx

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Default token lifetimes.
const (
	DefaultAccessTokenTTL  = 15 * time.Minute
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
)

// Values of the "use" claim. Access and refresh tokens are also signed with
// different secrets; the claim makes a misconfigured shared secret fail loud.
const (
	UseAccess  = "access"
	UseRefresh = "refresh"
)

var errWrongUse = errors.New("jwtx: wrong token use")

// AccessClaims are carried by access tokens. They hold enough identity for
// request handling without an account lookup.
type AccessClaims struct {
	jwt.RegisteredClaims

	// Session ID
	SID string `json:"sid"`

	Use      string `json:"use"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

// Validate is called by the jwt parser after the registered claims pass.
func (c *AccessClaims) Validate() error {
	if c.Use != UseAccess {
		return errWrongUse
	}
	if c.Subject == "" || c.SID == "" {
		return jwt.ErrTokenRequiredClaimMissing
	}
	return nil
}

// AccountID returns the subject.
func (c *AccessClaims) AccountID() string { return c.Subject }

// RefreshClaims are carried by refresh tokens.
type RefreshClaims struct {
	jwt.RegisteredClaims

	SID string `json:"sid"`
	Use string `json:"use"`
}

func (c *RefreshClaims) Validate() error {
	if c.Use != UseRefresh {
		return errWrongUse
	}
	if c.Subject == "" || c.SID == "" {
		return jwt.ErrTokenRequiredClaimMissing
	}
	return nil
}

func registered(subject, issuer, audience string, now time.Time, ttl time.Duration) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        NewJTI(),
	}
}

// NewJTI returns a URL-safe random identifier for the "jti" claim. Two
// tokens minted in the same second for the same session still differ.
func NewJTI() string {
	var b [20]byte
	_, _ = rand.Read(b[:])
	return base64.RawURLEncoding.EncodeToString(b[:])
}
