package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/tavern/internal/auth/domain"
	"github.com/aussiebroadwan/tavern/internal/auth/store"
	"github.com/aussiebroadwan/tavern/pkg/cryptox"
	"github.com/aussiebroadwan/tavern/pkg/slogx"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	totpPeriod = 30
	totpDigits = otp.DigitsSix

	// DefaultMFASkew accepts one period either side of now.
	DefaultMFASkew = 1
)

// ErrCodeReplayed is the cause attached when a valid code was already used.
var ErrCodeReplayed = errors.New("mfa code already used")

// MFAGate is the second-factor check between password verification and
// token issuance. Codes are RFC 6238 TOTP; a code accepted once is recorded
// in Consumed and refused for the rest of its validity window.
type MFAGate struct {
	Accounts store.Accounts
	Consumed store.ConsumedCodes

	// Issuer labels the otpauth URL shown to authenticator apps.
	Issuer string

	// Enforce requires a second factor from every account, enrolled or not.
	Enforce bool

	// Skew is how many periods either side of now are accepted.
	Skew uint

	// Secrets seals TOTP secrets before they reach the store. Nil stores
	// them as they are.
	Secrets *cryptox.SecretBox

	Now func() time.Time
}

func (g *MFAGate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// Required reports whether a login for a must present a code.
func (g *MFAGate) Required(a domain.Account) bool {
	return a.MFAEnabled || g.Enforce
}

// Verify reports whether code is currently valid for the account. It does
// not consume the code; see MarkConsumed.
func (g *MFAGate) Verify(ctx context.Context, accountID, code string) (bool, error) {
	a, err := g.Accounts.GetAccountByID(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	secret, err := g.Secrets.Open(a.MFASecret)
	if err != nil {
		return false, err
	}
	return g.check(secret, code), nil
}

// check validates code against an opened secret at the gate's clock.
func (g *MFAGate) check(secret, code string) bool {
	if secret == "" || code == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, g.now().UTC(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      g.Skew,
		Digits:    totpDigits,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// window is how long an accepted code could still validate.
func (g *MFAGate) window() time.Duration {
	return time.Duration(2*g.Skew+2) * totpPeriod * time.Second
}

// MarkConsumed records code as used for the account. A code that was
// already consumed yields ErrCodeReplayed.
func (g *MFAGate) MarkConsumed(ctx context.Context, accountID, code string) error {
	hash := cryptox.FingerprintCode(accountID, code)
	err := g.Consumed.ConsumeCode(ctx, accountID, hash, g.now().Add(g.window()))
	if errors.Is(err, store.ErrAlreadyExists) {
		return ErrCodeReplayed
	}
	return err
}

// accept verifies and consumes code in one step for callers holding the
// account already.
func (g *MFAGate) accept(ctx context.Context, a domain.Account, code string) error {
	secret, err := g.Secrets.Open(a.MFASecret)
	if err != nil {
		return internal(ctx, "mfa.open_secret", err)
	}
	if !g.check(secret, code) {
		slogx.FromContext(ctx).Warn("mfa code rejected", slog.String("account_id", a.ID))
		return ErrInvalidMFA
	}
	if err := g.MarkConsumed(ctx, a.ID, code); err != nil {
		if errors.Is(err, ErrCodeReplayed) {
			slogx.FromContext(ctx).Warn("mfa code replayed", slog.String("account_id", a.ID))
			return withCause(ErrInvalidMFA, err)
		}
		return internal(ctx, "mfa.consume", err)
	}
	return nil
}

// Enroll generates a fresh TOTP secret for the account. MFA stays off until
// Confirm proves the authenticator produces matching codes.
func (g *MFAGate) Enroll(ctx context.Context, accountID string) (domain.TOTPEnrollment, error) {
	a, err := g.account(ctx, accountID)
	if err != nil {
		return domain.TOTPEnrollment{}, err
	}
	if a.MFAEnabled {
		return domain.TOTPEnrollment{}, ErrMFAAlreadyEnabled
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      g.Issuer,
		AccountName: a.Username,
		Period:      totpPeriod,
		Digits:      totpDigits,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return domain.TOTPEnrollment{}, internal(ctx, "mfa.enroll", fmt.Errorf("generate totp key: %w", err))
	}

	sealed, err := g.Secrets.Seal(key.Secret())
	if err != nil {
		return domain.TOTPEnrollment{}, internal(ctx, "mfa.enroll", err)
	}
	if err := g.Accounts.UpdateMFASecret(ctx, a.ID, sealed); err != nil {
		return domain.TOTPEnrollment{}, internal(ctx, "mfa.enroll", err)
	}

	return domain.TOTPEnrollment{Secret: key.Secret(), URL: key.URL()}, nil
}

// Confirm enables MFA once a code from the pending secret checks out.
func (g *MFAGate) Confirm(ctx context.Context, accountID, code string) error {
	a, err := g.account(ctx, accountID)
	if err != nil {
		return err
	}
	switch {
	case a.MFAEnabled:
		return ErrMFAAlreadyEnabled
	case a.MFASecret == "":
		return ErrMFANotEnrolled
	}

	if err := g.accept(ctx, a, code); err != nil {
		return err
	}
	if err := g.Accounts.EnableMFA(ctx, a.ID); err != nil {
		return internal(ctx, "mfa.confirm", err)
	}
	return nil
}

// Disable turns MFA off; it needs a current code.
func (g *MFAGate) Disable(ctx context.Context, accountID, code string) error {
	a, err := g.account(ctx, accountID)
	if err != nil {
		return err
	}
	if !a.MFAEnabled {
		return ErrMFANotEnabled
	}

	if err := g.accept(ctx, a, code); err != nil {
		return err
	}
	if err := g.Accounts.DisableMFA(ctx, a.ID); err != nil {
		return internal(ctx, "mfa.disable", err)
	}
	return nil
}

func (g *MFAGate) account(ctx context.Context, accountID string) (domain.Account, error) {
	a, err := g.Accounts.GetAccountByID(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Account{}, ErrAccountNotFound
	}
	if err != nil {
		return domain.Account{}, internal(ctx, "mfa.account", err)
	}
	return a, nil
}
