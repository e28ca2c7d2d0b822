package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aussiebroadwan/tavern/internal/auth/domain"
	"github.com/aussiebroadwan/tavern/internal/auth/store"
	"github.com/aussiebroadwan/tavern/pkg/cryptox"
	"github.com/aussiebroadwan/tavern/pkg/idx"
	"github.com/aussiebroadwan/tavern/pkg/jwtx"
	"github.com/aussiebroadwan/tavern/pkg/slogx"
)

var tracer = otel.Tracer("github.com/aussiebroadwan/tavern/internal/auth/service")

// RegisterInput is a new account plus the device it first signs in from.
type RegisterInput struct {
	Username    string
	Email       string
	Password    string
	DisplayName string
	Device      domain.DeviceInfo
}

// Credentials identify a login attempt. MFACode is only consulted when the
// account needs a second factor.
type Credentials struct {
	Email    string
	Password string
	MFACode  string
}

// AuthResult is returned by Register and Login. Account never carries the
// password digest or TOTP secret.
type AuthResult struct {
	Account domain.Account
	Tokens  domain.TokenPair
}

// AuthService composes the hasher, token codec, MFA gate and session
// registry. It keeps no request state of its own; everything lives in Store,
// so any number of instances can serve the same database.
type AuthService struct {
	Store    store.Store
	Hasher   cryptox.Hasher
	Pool     *cryptox.Pool
	Codec    *jwtx.Codec
	Sessions *SessionRegistry
	MFA      *MFAGate
	Metrics  *Metrics

	// ReuseRevokesAll revokes every session of the account, not only the
	// affected one, when a rotated-away refresh token comes back.
	ReuseRevokesAll bool

	Now func() time.Time

	dummyMu     sync.Mutex
	dummyDigest string
}

func (s *AuthService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// observe opens the operation span; the returned func closes it and counts
// the outcome.
func (s *AuthService) observe(ctx context.Context, op string) (context.Context, func(errp *error)) {
	ctx, span := tracer.Start(ctx, "auth."+op)
	return ctx, func(errp *error) {
		err := *errp
		s.Metrics.observeOperation(op, err)
		if err != nil {
			span.SetStatus(codes.Error, KindOf(err).String())
			if KindOf(err) == KindInternal {
				span.RecordError(err)
			}
		}
		span.End()
	}
}

func annotate(ctx context.Context, accountID string) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attribute.String("account.id", accountID))
	}
}

func (s *AuthService) hash(ctx context.Context, password string) (string, error) {
	defer s.Metrics.observeHash(time.Now())
	return s.Pool.Hash(ctx, s.Hasher, password)
}

func (s *AuthService) verify(ctx context.Context, password, digest string) (bool, error) {
	defer s.Metrics.observeHash(time.Now())
	return s.Pool.Verify(ctx, s.Hasher, password, digest)
}

// dummy returns a digest of a random password, used to spend the same time
// on unknown emails as on wrong passwords. Only a successful digest is
// kept; a failed attempt is retried on the next call.
func (s *AuthService) dummy() string {
	s.dummyMu.Lock()
	defer s.dummyMu.Unlock()

	if s.dummyDigest != "" {
		return s.dummyDigest
	}
	pw, err := cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return ""
	}
	digest, err := s.Hasher.Hash(pw)
	if err != nil {
		return ""
	}
	s.dummyDigest = digest
	return digest
}

// issue mints a pair for the session.
func (s *AuthService) issue(a domain.Account, sessionID string, now time.Time) (domain.TokenPair, time.Time, error) {
	access, err := s.Codec.IssueAccess(a.ID, sessionID, a.Email, a.Username, now)
	if err != nil {
		return domain.TokenPair{}, time.Time{}, fmt.Errorf("issue access token: %w", err)
	}
	refresh, refreshExp, err := s.Codec.IssueRefresh(a.ID, sessionID, now)
	if err != nil {
		return domain.TokenPair{}, time.Time{}, fmt.Errorf("issue refresh token: %w", err)
	}
	return domain.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    domain.TokenTypeBearer,
		ExpiresIn:    s.Codec.AccessTTLSeconds(),
	}, refreshExp, nil
}

// Register creates an account and its first session. Uniqueness of username
// and email is enforced by the store inside the same transaction that
// creates the session, so a conflict leaves nothing behind.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (res AuthResult, err error) {
	ctx, done := s.observe(ctx, "Register")
	defer done(&err)

	username := strings.TrimSpace(in.Username)
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return AuthResult{}, err
	}
	if err := validateUsername(username); err != nil {
		return AuthResult{}, err
	}
	if err := validatePassword(in.Password); err != nil {
		return AuthResult{}, err
	}

	digest, err := s.hash(ctx, in.Password)
	if err != nil {
		return AuthResult{}, internal(ctx, "register.hash", err)
	}

	now := s.now()
	displayName := strings.TrimSpace(in.DisplayName)
	if displayName == "" {
		displayName = username
	}
	account := domain.Account{
		ID:           idx.NewAt(now).String(),
		Username:     username,
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: digest,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	sessionID := idx.NewAt(now).String()

	pair, refreshExp, err := s.issue(account, sessionID, now)
	if err != nil {
		return AuthResult{}, internal(ctx, "register.issue", err)
	}

	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Accounts().CreateAccount(ctx, account); err != nil {
			if errors.Is(err, store.ErrAlreadyExists) {
				return ErrUsernameOrEmailTaken
			}
			return err
		}
		_, err := s.Sessions.In(tx).Create(ctx, sessionID, account.ID, pair, refreshExp, in.Device)
		return err
	})
	if err != nil {
		return AuthResult{}, internal(ctx, "register.persist", err)
	}

	annotate(ctx, account.ID)
	slogx.FromContext(ctx).Info("account registered",
		slog.String("account_id", account.ID),
		slog.String("session_id", sessionID),
	)

	return AuthResult{Account: account.Public(), Tokens: pair}, nil
}

// Login checks the password (and second factor when required) and opens a
// new session. Unknown emails and wrong passwords fail identically.
func (s *AuthService) Login(ctx context.Context, creds Credentials, device domain.DeviceInfo) (res AuthResult, err error) {
	ctx, done := s.observe(ctx, "Login")
	defer done(&err)

	l := slogx.FromContext(ctx)

	account, err := s.authenticate(ctx, creds.Email, creds.Password)
	if err != nil {
		return AuthResult{}, err
	}

	if s.MFA != nil && s.MFA.Required(account) {
		code := strings.TrimSpace(creds.MFACode)
		switch {
		case !account.MFAEnabled && (account.MFASecret == "" || code == ""):
			// Enforced but never confirmed: the client sets up TOTP with
			// EnrollWithPassword and logs in with a code from it.
			return AuthResult{}, ErrMFAEnrollmentRequired
		case !account.MFAEnabled:
			if err := s.MFA.Confirm(ctx, account.ID, code); err != nil {
				return AuthResult{}, err
			}
			account.MFAEnabled = true
			l.Info("mfa enabled at login", slog.String("account_id", account.ID))
		case code == "":
			return AuthResult{}, ErrMFARequired
		default:
			if err := s.MFA.accept(ctx, account, code); err != nil {
				return AuthResult{}, err
			}
		}
	}

	if s.Hasher.NeedsRehash(account.PasswordHash) {
		s.upgradeDigest(ctx, account.ID, creds.Password)
	}

	now := s.now()
	sessionID := idx.NewAt(now).String()
	pair, refreshExp, err := s.issue(account, sessionID, now)
	if err != nil {
		return AuthResult{}, internal(ctx, "login.issue", err)
	}
	if _, err := s.Sessions.Create(ctx, sessionID, account.ID, pair, refreshExp, device); err != nil {
		return AuthResult{}, internal(ctx, "login.session", err)
	}

	l.Info("login succeeded",
		slog.String("account_id", account.ID),
		slog.String("session_id", sessionID),
	)
	return AuthResult{Account: account.Public(), Tokens: pair}, nil
}

// authenticate resolves an email and password to the account. Unknown
// emails cost the same as wrong passwords and fail identically.
func (s *AuthService) authenticate(ctx context.Context, email, password string) (domain.Account, error) {
	l := slogx.FromContext(ctx)

	email = strings.ToLower(strings.TrimSpace(email))
	account, err := s.Store.Accounts().GetAccountByEmail(ctx, email)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Same cost as a real mismatch.
		_, _ = s.verify(ctx, password, s.dummy())
		return domain.Account{}, ErrInvalidCredentials
	case err != nil:
		return domain.Account{}, internal(ctx, "login.lookup", err)
	}
	annotate(ctx, account.ID)

	ok, err := s.verify(ctx, password, account.PasswordHash)
	switch {
	case errors.Is(err, cryptox.ErrCorruptDigest):
		l.Error("stored password digest is unreadable", slog.String("account_id", account.ID))
		return domain.Account{}, ErrInvalidCredentials
	case err != nil:
		return domain.Account{}, internal(ctx, "login.verify", err)
	case !ok:
		l.Info("login rejected", slog.String("account_id", account.ID))
		return domain.Account{}, ErrInvalidCredentials
	}
	return account, nil
}

// EnrollWithPassword starts TOTP enrollment for an account that must have a
// second factor but has no session to enroll with. The password stands in
// for the session; the next Login with a code from the returned secret
// confirms it.
func (s *AuthService) EnrollWithPassword(ctx context.Context, email, password string) (e domain.TOTPEnrollment, err error) {
	ctx, done := s.observe(ctx, "EnrollWithPassword")
	defer done(&err)

	account, err := s.authenticate(ctx, email, password)
	if err != nil {
		return domain.TOTPEnrollment{}, err
	}
	switch {
	case s.MFA == nil || !s.MFA.Enforce:
		return domain.TOTPEnrollment{}, ErrEnrollmentNeedsSession
	case account.MFAEnabled:
		return domain.TOTPEnrollment{}, ErrMFAAlreadyEnabled
	}
	return s.MFA.Enroll(ctx, account.ID)
}

// upgradeDigest replaces a digest made with outdated parameters. Failure
// only costs another upgrade attempt on the next login.
func (s *AuthService) upgradeDigest(ctx context.Context, accountID, password string) {
	l := slogx.FromContext(ctx)
	digest, err := s.hash(ctx, password)
	if err != nil {
		l.Warn("password rehash failed", slog.String("account_id", accountID), slog.Any("error", err))
		return
	}
	if err := s.Store.Accounts().UpdatePasswordHash(ctx, accountID, digest); err != nil {
		l.Warn("password rehash not stored", slog.String("account_id", accountID), slog.Any("error", err))
		return
	}
	l.Info("password digest upgraded", slog.String("account_id", accountID))
}

// Refresh trades a refresh token for a new pair and retires the old one.
// A token that no longer matches its session means it was used before: the
// session (or, by policy, every session of the account) is revoked.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (pair domain.TokenPair, err error) {
	ctx, done := s.observe(ctx, "Refresh")
	defer done(&err)

	claims, err := s.Codec.DecodeRefresh(refreshToken)
	if err != nil {
		if errors.Is(err, jwtx.ErrExpired) {
			return domain.TokenPair{}, withCause(ErrInvalidRefreshToken, ErrTokenExpired)
		}
		return domain.TokenPair{}, ErrInvalidRefreshToken
	}
	accountID := claims.Subject
	annotate(ctx, accountID)

	presented := HashToken(refreshToken)
	now := s.now()

	var reusedSession string
	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		reg := s.Sessions.In(tx)

		sess, err := reg.FindByRefreshTokenHash(ctx, accountID, presented)
		if errors.Is(err, ErrNoSession) {
			prior, perr := reg.Get(ctx, claims.SID)
			if perr == nil && prior.AccountID == accountID && prior.RefreshTokenHash != presented {
				reusedSession = prior.ID
				return ErrReuseDetected
			}
			return ErrInvalidRefreshToken
		}
		if err != nil {
			return err
		}

		account, err := tx.Accounts().GetAccountByID(ctx, accountID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrAccountNotFound
		}
		if err != nil {
			return err
		}

		next, refreshExp, err := s.issue(account, sess.ID, now)
		if err != nil {
			return err
		}
		if _, err := reg.Rotate(ctx, sess, presented, next, refreshExp); err != nil {
			if errors.Is(err, ErrReuseDetected) {
				reusedSession = sess.ID
			}
			return err
		}
		pair = next
		return nil
	})

	if errors.Is(err, ErrReuseDetected) {
		s.revokeOnReuse(ctx, accountID, reusedSession)
		return domain.TokenPair{}, withCause(ErrInvalidRefreshToken, ErrReuseDetected)
	}
	if err != nil {
		return domain.TokenPair{}, internal(ctx, "refresh", err)
	}
	return pair, nil
}

func (s *AuthService) revokeOnReuse(ctx context.Context, accountID, sessionID string) {
	s.Metrics.observeReuse()
	l := slogx.FromContext(ctx).With(
		slog.String("account_id", accountID),
		slog.String("session_id", sessionID),
	)

	if s.ReuseRevokesAll {
		n, err := s.Sessions.RevokeAll(ctx, accountID)
		if err != nil {
			l.Error("revoking sessions after refresh reuse failed", slog.Any("error", err))
			return
		}
		l.Warn("refresh token reuse detected, all sessions revoked", slog.Int64("revoked", n))
		return
	}

	if err := s.Sessions.Revoke(ctx, sessionID); err != nil {
		l.Error("revoking session after refresh reuse failed", slog.Any("error", err))
		return
	}
	l.Warn("refresh token reuse detected, session revoked")
}

// VerifyAccess authenticates a request. The claims carry enough identity
// for most handlers; callers that need live account state use Account.
func (s *AuthService) VerifyAccess(ctx context.Context, accessToken string) (claims *jwtx.AccessClaims, err error) {
	ctx, done := s.observe(ctx, "VerifyAccess")
	defer done(&err)

	claims, err = s.Codec.DecodeAccess(accessToken)
	if err != nil {
		if errors.Is(err, jwtx.ErrExpired) {
			return nil, withCause(ErrInvalidToken, ErrTokenExpired)
		}
		return nil, ErrInvalidToken
	}

	sess, err := s.Sessions.FindByAccessTokenHash(ctx, HashToken(accessToken))
	if errors.Is(err, ErrNoSession) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, internal(ctx, "verify.session", err)
	}
	if sess.AccountID != claims.Subject || sess.ID != claims.SID {
		return nil, ErrInvalidToken
	}

	if err := s.Sessions.Touch(ctx, sess); err != nil {
		slogx.FromContext(ctx).Warn("session touch failed", slog.String("session_id", sess.ID), slog.Any("error", err))
	}
	return claims, nil
}

// Logout revokes the session behind accessToken if it belongs to the
// account. Unknown, expired or already revoked tokens are not an error.
func (s *AuthService) Logout(ctx context.Context, accountID, accessToken string) (err error) {
	ctx, done := s.observe(ctx, "Logout")
	defer done(&err)
	annotate(ctx, accountID)

	sess, err := s.Store.Sessions().GetSessionByAccessHash(ctx, HashToken(accessToken))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return internal(ctx, "logout.lookup", err)
	}
	if sess.AccountID != accountID {
		return nil
	}

	if err := s.Sessions.Revoke(ctx, sess.ID); err != nil {
		return internal(ctx, "logout.revoke", err)
	}
	slogx.FromContext(ctx).Info("logged out",
		slog.String("account_id", accountID),
		slog.String("session_id", sess.ID),
	)
	return nil
}

// LogoutAll revokes every session of the account.
func (s *AuthService) LogoutAll(ctx context.Context, accountID string) (n int64, err error) {
	ctx, done := s.observe(ctx, "LogoutAll")
	defer done(&err)
	annotate(ctx, accountID)

	n, err = s.Sessions.RevokeAll(ctx, accountID)
	if err != nil {
		return 0, internal(ctx, "logout_all", err)
	}
	slogx.FromContext(ctx).Info("all sessions revoked", slog.String("account_id", accountID), slog.Int64("revoked", n))
	return n, nil
}

// ListSessions returns the account's live sessions without fingerprints.
func (s *AuthService) ListSessions(ctx context.Context, accountID string) ([]domain.Session, error) {
	list, err := s.Sessions.List(ctx, accountID)
	if err != nil {
		return nil, internal(ctx, "list_sessions", err)
	}
	for i := range list {
		list[i].AccessTokenHash = ""
		list[i].RefreshTokenHash = ""
	}
	return list, nil
}

// RevokeSession ends one of the account's own sessions. Ids of other
// accounts' sessions are ignored like unknown ids.
func (s *AuthService) RevokeSession(ctx context.Context, accountID, sessionID string) error {
	sess, err := s.Sessions.Get(ctx, sessionID)
	if errors.Is(err, ErrNoSession) {
		return nil
	}
	if err != nil {
		return internal(ctx, "revoke_session.lookup", err)
	}
	if sess.AccountID != accountID {
		return nil
	}
	if err := s.Sessions.Revoke(ctx, sess.ID); err != nil {
		return internal(ctx, "revoke_session", err)
	}
	return nil
}

// ChangePassword replaces the password after checking the current one and
// revokes every other session. keepSessionID is the caller's own session.
func (s *AuthService) ChangePassword(ctx context.Context, accountID, keepSessionID, current, next string) (err error) {
	ctx, done := s.observe(ctx, "ChangePassword")
	defer done(&err)
	annotate(ctx, accountID)

	if err := validatePassword(next); err != nil {
		return err
	}
	account, err := s.checkPassword(ctx, accountID, current)
	if err != nil {
		return err
	}

	digest, err := s.hash(ctx, next)
	if err != nil {
		return internal(ctx, "change_password.hash", err)
	}

	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Accounts().UpdatePasswordHash(ctx, account.ID, digest); err != nil {
			return err
		}
		reg := s.Sessions.In(tx)
		sessions, err := reg.List(ctx, account.ID)
		if err != nil {
			return err
		}
		for _, sess := range sessions {
			if sess.ID == keepSessionID {
				continue
			}
			if err := reg.Revoke(ctx, sess.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return internal(ctx, "change_password", err)
	}
	slogx.FromContext(ctx).Info("password changed", slog.String("account_id", account.ID))
	return nil
}

// DeleteAccount soft-deletes the account after a password check and
// revokes all its sessions in the same transaction.
func (s *AuthService) DeleteAccount(ctx context.Context, accountID, password string) (err error) {
	ctx, done := s.observe(ctx, "DeleteAccount")
	defer done(&err)
	annotate(ctx, accountID)

	if _, err := s.checkPassword(ctx, accountID, password); err != nil {
		return err
	}

	now := s.now()
	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Accounts().SoftDeleteAccount(ctx, accountID, now); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrAccountNotFound
			}
			return err
		}
		_, err := s.Sessions.In(tx).RevokeAll(ctx, accountID)
		return err
	})
	if err != nil {
		return internal(ctx, "delete_account", err)
	}
	slogx.FromContext(ctx).Info("account deleted", slog.String("account_id", accountID))
	return nil
}

// Account returns live account state without secrets.
func (s *AuthService) Account(ctx context.Context, accountID string) (domain.Account, error) {
	a, err := s.Store.Accounts().GetAccountByID(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Account{}, ErrAccountNotFound
	}
	if err != nil {
		return domain.Account{}, internal(ctx, "account", err)
	}
	return a.Public(), nil
}

// checkPassword re-authenticates an already signed in account.
func (s *AuthService) checkPassword(ctx context.Context, accountID, password string) (domain.Account, error) {
	a, err := s.Store.Accounts().GetAccountByID(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Account{}, ErrAccountNotFound
	}
	if err != nil {
		return domain.Account{}, internal(ctx, "check_password.lookup", err)
	}
	ok, err := s.verify(ctx, password, a.PasswordHash)
	if err != nil && !errors.Is(err, cryptox.ErrCorruptDigest) {
		return domain.Account{}, internal(ctx, "check_password.verify", err)
	}
	if !ok {
		return domain.Account{}, ErrInvalidCredentials
	}
	return a, nil
}

func validateUsername(username string) error {
	n := utf8.RuneCountInString(username)
	if n < domain.UsernameMinLength || n > domain.UsernameMaxLength {
		return ErrInvalidUsername
	}
	for _, r := range username {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return ErrInvalidUsername
		}
	}
	return nil
}

func validatePassword(password string) error {
	switch {
	case len(password) < domain.PasswordMinLength:
		return ErrPasswordTooShort
	case len(password) > domain.PasswordMaxLength:
		return ErrPasswordTooLong
	}
	return nil
}

// normalizeEmail accepts a bare address and lower-cases it.
func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return strings.ToLower(addr.Address), nil
}
