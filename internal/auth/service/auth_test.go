package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/tavern/internal/auth/domain"
	"github.com/aussiebroadwan/tavern/internal/auth/store"
	"github.com/aussiebroadwan/tavern/pkg/cryptox"
	"github.com/aussiebroadwan/tavern/pkg/jwtx"
)

func TestAliceScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	reg, err := h.svc.Register(ctx, RegisterInput{
		Username: "alice",
		Email:    "alice@x.com",
		Password: alicePassword,
	})
	require.NoError(t, err)
	require.Empty(t, reg.Account.PasswordHash)

	login, err := h.svc.Login(ctx, Credentials{Email: "alice@x.com", Password: alicePassword}, domain.DeviceInfo{})
	require.NoError(t, err)
	require.Equal(t, domain.TokenTypeBearer, login.Tokens.TokenType)
	require.EqualValues(t, 900, login.Tokens.ExpiresIn)

	claims, err := h.svc.VerifyAccess(ctx, login.Tokens.AccessToken)
	require.NoError(t, err)
	require.Equal(t, reg.Account.ID, claims.Subject)
	require.Equal(t, "alice@x.com", claims.Email)
	require.Equal(t, "alice", claims.Username)

	next, err := h.svc.Refresh(ctx, login.Tokens.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, login.Tokens.RefreshToken, next.RefreshToken)
	require.NotEqual(t, login.Tokens.AccessToken, next.AccessToken)

	_, err = h.svc.Refresh(ctx, login.Tokens.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidRefreshToken)

	// Reuse revoked the account's sessions; sign in again for the logout leg.
	login, err = h.svc.Login(ctx, Credentials{Email: "alice@x.com", Password: alicePassword}, domain.DeviceInfo{})
	require.NoError(t, err)
	latest, err := h.svc.Refresh(ctx, login.Tokens.RefreshToken)
	require.NoError(t, err)

	_, err = h.svc.VerifyAccess(ctx, latest.AccessToken)
	require.NoError(t, err)

	require.NoError(t, h.svc.Logout(ctx, reg.Account.ID, latest.AccessToken))
	_, err = h.svc.VerifyAccess(ctx, latest.AccessToken)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestRegister(t *testing.T) {
	t.Run("login subject matches created account", func(t *testing.T) {
		h := newHarness(t)
		reg := h.register(t, "bob")
		login := h.login(t, "bob")
		require.Equal(t, reg.Account.ID, login.Account.ID)

		claims, err := h.svc.Codec.DecodeAccess(login.Tokens.AccessToken)
		require.NoError(t, err)
		require.Equal(t, reg.Account.ID, claims.Subject)
	})

	t.Run("registration tokens are live", func(t *testing.T) {
		h := newHarness(t)
		reg := h.register(t, "bob")
		_, err := h.svc.VerifyAccess(context.Background(), reg.Tokens.AccessToken)
		require.NoError(t, err)
	})

	t.Run("rejects invalid input", func(t *testing.T) {
		h := newHarness(t)

		tests := []struct {
			name string
			in   RegisterInput
			want error
		}{
			{"empty username", RegisterInput{Username: " ", Email: "a@x.com", Password: alicePassword}, ErrInvalidUsername},
			{"long username", RegisterInput{Username: strings.Repeat("a", 33), Email: "a@x.com", Password: alicePassword}, ErrInvalidUsername},
			{"username with space", RegisterInput{Username: "a b", Email: "a@x.com", Password: alicePassword}, ErrInvalidUsername},
			{"bad email", RegisterInput{Username: "a", Email: "not-an-email", Password: alicePassword}, ErrInvalidEmail},
			{"email with display name", RegisterInput{Username: "a", Email: "A <a@x.com>", Password: alicePassword}, ErrInvalidEmail},
			{"short password", RegisterInput{Username: "a", Email: "a@x.com", Password: "short"}, ErrPasswordTooShort},
			{"long password", RegisterInput{Username: "a", Email: "a@x.com", Password: strings.Repeat("p", 73)}, ErrPasswordTooLong},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := h.svc.Register(context.Background(), tt.in)
				require.ErrorIs(t, err, tt.want)
				require.Equal(t, KindInvalidInput, KindOf(err))
			})
		}
	})

	t.Run("32 rune username is accepted", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Register(context.Background(), RegisterInput{
			Username: strings.Repeat("é", 32),
			Email:    "e@x.com",
			Password: alicePassword,
		})
		require.NoError(t, err)
	})

	t.Run("duplicate email leaves no account behind", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		h.register(t, "carol")

		_, err := h.svc.Register(ctx, RegisterInput{
			Username: "caroline",
			Email:    "CAROL@x.com",
			Password: alicePassword,
		})
		require.ErrorIs(t, err, ErrConflict)

		_, err = h.store.Accounts().GetAccountByUsername(ctx, "caroline")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("duplicate username conflicts", func(t *testing.T) {
		h := newHarness(t)
		h.register(t, "dave")

		_, err := h.svc.Register(context.Background(), RegisterInput{
			Username: "dave",
			Email:    "other@x.com",
			Password: alicePassword,
		})
		require.ErrorIs(t, err, ErrConflict)
	})

	t.Run("concurrent registrations admit exactly one", func(t *testing.T) {
		h := newHarness(t)

		var ok atomic.Int32
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := h.svc.Register(context.Background(), RegisterInput{
					Username: "erin",
					Email:    "erin@x.com",
					Password: alicePassword,
				})
				if err == nil {
					ok.Add(1)
					return
				}
				require.ErrorIs(t, err, ErrConflict)
			}()
		}
		wg.Wait()
		require.EqualValues(t, 1, ok.Load())
	})
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "frank")

	_, unknown := h.svc.Login(ctx, Credentials{Email: "nobody@x.com", Password: alicePassword}, domain.DeviceInfo{})
	_, wrong := h.svc.Login(ctx, Credentials{Email: "frank@x.com", Password: "wrong-password"}, domain.DeviceInfo{})

	require.ErrorIs(t, unknown, ErrInvalidCredentials)
	require.ErrorIs(t, wrong, ErrInvalidCredentials)
	require.Equal(t, unknown.Error(), wrong.Error())
}

// flakyHasher fails the first n calls to Hash.
type flakyHasher struct {
	*cryptox.MultiHasher
	failures atomic.Int32
}

func (f *flakyHasher) Hash(password string) (string, error) {
	if f.failures.Add(-1) >= 0 {
		return "", errors.New("entropy unavailable")
	}
	return f.MultiHasher.Hash(password)
}

func TestDummyDigestRetriesAfterFailure(t *testing.T) {
	h := newHarness(t)
	hasher := &flakyHasher{MultiHasher: testHasher(1)}
	hasher.failures.Store(1)
	h.svc.Hasher = hasher

	require.Empty(t, h.svc.dummy())

	digest := h.svc.dummy()
	require.NotEmpty(t, digest)
	require.Equal(t, digest, h.svc.dummy())

	_, err := hasher.Verify("anything", digest)
	require.NoError(t, err)

	_, err = h.svc.Login(context.Background(), Credentials{Email: "nobody@x.com", Password: alicePassword}, domain.DeviceInfo{})
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginIsCaseInsensitiveOnEmail(t *testing.T) {
	h := newHarness(t)
	h.register(t, "gina")

	_, err := h.svc.Login(context.Background(), Credentials{Email: " GINA@X.COM ", Password: alicePassword}, domain.DeviceInfo{})
	require.NoError(t, err)
}

func TestLoginExcludesDeletedAccounts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	reg := h.register(t, "hank")

	require.NoError(t, h.svc.DeleteAccount(ctx, reg.Account.ID, alicePassword))

	_, err := h.svc.Login(ctx, Credentials{Email: "hank@x.com", Password: alicePassword}, domain.DeviceInfo{})
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = h.svc.VerifyAccess(ctx, reg.Tokens.AccessToken)
	require.ErrorIs(t, err, ErrInvalidToken)

	// The username is free again.
	h.register(t, "hank")
}

func TestLoginUpgradesWeakDigest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	reg := h.register(t, "ivy")

	h.svc.Hasher = testHasher(2)
	before, err := h.store.Accounts().GetAccountByID(ctx, reg.Account.ID)
	require.NoError(t, err)
	require.True(t, h.svc.Hasher.NeedsRehash(before.PasswordHash))

	h.login(t, "ivy")

	after, err := h.store.Accounts().GetAccountByID(ctx, reg.Account.ID)
	require.NoError(t, err)
	require.NotEqual(t, before.PasswordHash, after.PasswordHash)
	require.False(t, h.svc.Hasher.NeedsRehash(after.PasswordHash))

	h.login(t, "ivy")
}

func TestRefresh(t *testing.T) {
	t.Run("old refresh token is single use", func(t *testing.T) {
		h := newHarness(t, withReuseRevokesAll(false))
		ctx := context.Background()
		h.register(t, "jack")
		first := h.login(t, "jack")

		second, err := h.svc.Refresh(ctx, first.Tokens.RefreshToken)
		require.NoError(t, err)

		_, err = h.svc.Refresh(ctx, first.Tokens.RefreshToken)
		require.ErrorIs(t, err, ErrInvalidRefreshToken)
		require.ErrorIs(t, err, ErrReuseDetected)

		// The affected session is gone, including the tokens it rotated to.
		_, err = h.svc.VerifyAccess(ctx, second.AccessToken)
		require.ErrorIs(t, err, ErrInvalidToken)
		_, err = h.svc.Refresh(ctx, second.RefreshToken)
		require.ErrorIs(t, err, ErrInvalidRefreshToken)

		require.Equal(t, 1.0, testutil.ToFloat64(h.svc.Metrics.reuse))
	})

	t.Run("reuse policy scopes revocation", func(t *testing.T) {
		for _, all := range []bool{false, true} {
			h := newHarness(t, withReuseRevokesAll(all))
			ctx := context.Background()
			reg := h.register(t, "kate")
			other := h.login(t, "kate")
			victim := h.login(t, "kate")

			_, err := h.svc.Refresh(ctx, victim.Tokens.RefreshToken)
			require.NoError(t, err)
			_, err = h.svc.Refresh(ctx, victim.Tokens.RefreshToken)
			require.ErrorIs(t, err, ErrInvalidRefreshToken)

			_, err = h.svc.VerifyAccess(ctx, other.Tokens.AccessToken)
			if all {
				require.ErrorIs(t, err, ErrInvalidToken)
			} else {
				require.NoError(t, err)
			}
			_, err = h.svc.VerifyAccess(ctx, reg.Tokens.AccessToken)
			if all {
				require.ErrorIs(t, err, ErrInvalidToken)
			} else {
				require.NoError(t, err)
			}
		}
	})

	t.Run("rotated access token replaces the old one", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		h.register(t, "liam")
		login := h.login(t, "liam")

		next, err := h.svc.Refresh(ctx, login.Tokens.RefreshToken)
		require.NoError(t, err)

		_, err = h.svc.VerifyAccess(ctx, login.Tokens.AccessToken)
		require.ErrorIs(t, err, ErrInvalidToken)
		_, err = h.svc.VerifyAccess(ctx, next.AccessToken)
		require.NoError(t, err)
	})

	t.Run("rejects garbage and access tokens", func(t *testing.T) {
		h := newHarness(t)
		reg := h.register(t, "mia")

		for _, token := range []string{"", "not.a.jwt", reg.Tokens.AccessToken} {
			_, err := h.svc.Refresh(context.Background(), token)
			require.ErrorIs(t, err, ErrInvalidRefreshToken)
			require.NotErrorIs(t, err, ErrReuseDetected)
		}
	})

	t.Run("expired refresh token", func(t *testing.T) {
		h := newHarness(t)
		reg := h.register(t, "noah")

		h.clock.Advance(jwtx.DefaultRefreshTokenTTL + time.Minute)
		_, err := h.svc.Refresh(context.Background(), reg.Tokens.RefreshToken)
		require.ErrorIs(t, err, ErrInvalidRefreshToken)
		require.ErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("refresh extends the session", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		reg := h.register(t, "olga")

		h.clock.Advance(6 * 24 * time.Hour)
		next, err := h.svc.Refresh(ctx, reg.Tokens.RefreshToken)
		require.NoError(t, err)

		h.clock.Advance(2 * 24 * time.Hour)
		_, err = h.svc.Refresh(ctx, next.RefreshToken)
		require.NoError(t, err)
	})

	t.Run("account deleted behind the session", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		reg := h.register(t, "pete")

		require.NoError(t, h.store.Accounts().SoftDeleteAccount(ctx, reg.Account.ID, h.clock.Now()))
		_, err := h.svc.Refresh(ctx, reg.Tokens.RefreshToken)
		require.ErrorIs(t, err, ErrAccountNotFound)
	})

	t.Run("concurrent use admits exactly one", func(t *testing.T) {
		h := newHarness(t)
		reg := h.register(t, "quinn")

		var ok atomic.Int32
		var wg sync.WaitGroup
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := h.svc.Refresh(context.Background(), reg.Tokens.RefreshToken)
				if err == nil {
					ok.Add(1)
					return
				}
				require.ErrorIs(t, err, ErrInvalidRefreshToken)
			}()
		}
		wg.Wait()
		require.EqualValues(t, 1, ok.Load())
	})
}

func TestVerifyAccess(t *testing.T) {
	t.Run("expired token fails even with a live session", func(t *testing.T) {
		h := newHarness(t)
		reg := h.register(t, "rose")

		h.clock.Advance(jwtx.DefaultAccessTokenTTL + time.Second)
		_, err := h.svc.VerifyAccess(context.Background(), reg.Tokens.AccessToken)
		require.ErrorIs(t, err, ErrInvalidToken)
		require.ErrorIs(t, err, ErrTokenExpired)

		// The session itself is fine; the client refreshes.
		_, err = h.svc.Refresh(context.Background(), reg.Tokens.RefreshToken)
		require.NoError(t, err)
	})

	t.Run("refresh token is not an access token", func(t *testing.T) {
		h := newHarness(t)
		reg := h.register(t, "sam")

		_, err := h.svc.VerifyAccess(context.Background(), reg.Tokens.RefreshToken)
		require.ErrorIs(t, err, ErrInvalidToken)
		require.NotErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("touches last used at most once a minute", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		reg := h.register(t, "tina")

		sess, err := h.store.Sessions().GetSessionByAccessHash(ctx, HashToken(reg.Tokens.AccessToken))
		require.NoError(t, err)
		created := sess.LastUsedAt

		h.clock.Advance(30 * time.Second)
		_, err = h.svc.VerifyAccess(ctx, reg.Tokens.AccessToken)
		require.NoError(t, err)
		sess, err = h.store.Sessions().GetSessionByID(ctx, sess.ID)
		require.NoError(t, err)
		require.Equal(t, created, sess.LastUsedAt)

		h.clock.Advance(time.Minute)
		_, err = h.svc.VerifyAccess(ctx, reg.Tokens.AccessToken)
		require.NoError(t, err)
		sess, err = h.store.Sessions().GetSessionByID(ctx, sess.ID)
		require.NoError(t, err)
		require.Equal(t, h.clock.Now(), sess.LastUsedAt)
	})
}

func TestLogout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.register(t, "uma")
	bob := h.register(t, "victor")

	t.Run("foreign token is ignored", func(t *testing.T) {
		require.NoError(t, h.svc.Logout(ctx, alice.Account.ID, bob.Tokens.AccessToken))
		_, err := h.svc.VerifyAccess(ctx, bob.Tokens.AccessToken)
		require.NoError(t, err)
	})

	t.Run("revokes and is idempotent", func(t *testing.T) {
		require.NoError(t, h.svc.Logout(ctx, alice.Account.ID, alice.Tokens.AccessToken))
		require.NoError(t, h.svc.Logout(ctx, alice.Account.ID, alice.Tokens.AccessToken))

		_, err := h.svc.VerifyAccess(ctx, alice.Tokens.AccessToken)
		require.ErrorIs(t, err, ErrInvalidToken)
		_, err = h.svc.Refresh(ctx, alice.Tokens.RefreshToken)
		require.ErrorIs(t, err, ErrInvalidRefreshToken)
	})

	t.Run("logout all", func(t *testing.T) {
		one := h.login(t, "victor")
		n, err := h.svc.LogoutAll(ctx, bob.Account.ID)
		require.NoError(t, err)
		require.EqualValues(t, 2, n)

		for _, token := range []string{one.Tokens.AccessToken, bob.Tokens.AccessToken} {
			_, err := h.svc.VerifyAccess(ctx, token)
			require.ErrorIs(t, err, ErrInvalidToken)
		}
	})
}

func TestSessionsManagement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	reg := h.register(t, "wendy")
	h.clock.Advance(time.Second)
	second := h.login(t, "wendy")
	other := h.register(t, "xavier")

	list, err := h.svc.ListSessions(ctx, reg.Account.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "login", list[0].Device.DeviceName)
	for _, s := range list {
		require.Empty(t, s.AccessTokenHash)
		require.Empty(t, s.RefreshTokenHash)
	}

	otherList, err := h.svc.ListSessions(ctx, other.Account.ID)
	require.NoError(t, err)
	require.Len(t, otherList, 1)

	// Someone else's session id is a no-op.
	require.NoError(t, h.svc.RevokeSession(ctx, reg.Account.ID, otherList[0].ID))
	_, err = h.svc.VerifyAccess(ctx, other.Tokens.AccessToken)
	require.NoError(t, err)

	require.NoError(t, h.svc.RevokeSession(ctx, reg.Account.ID, list[0].ID))
	require.NoError(t, h.svc.RevokeSession(ctx, reg.Account.ID, "unknown"))
	_, err = h.svc.VerifyAccess(ctx, second.Tokens.AccessToken)
	require.ErrorIs(t, err, ErrInvalidToken)

	list, err = h.svc.ListSessions(ctx, reg.Account.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestChangePassword(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	reg := h.register(t, "yara")
	other := h.login(t, "yara")

	claims, err := h.svc.VerifyAccess(ctx, reg.Tokens.AccessToken)
	require.NoError(t, err)

	err = h.svc.ChangePassword(ctx, reg.Account.ID, claims.SID, "wrong-password", "new-password-123")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	err = h.svc.ChangePassword(ctx, reg.Account.ID, claims.SID, alicePassword, "short")
	require.ErrorIs(t, err, ErrPasswordTooShort)

	require.NoError(t, h.svc.ChangePassword(ctx, reg.Account.ID, claims.SID, alicePassword, "new-password-123"))

	_, err = h.svc.VerifyAccess(ctx, reg.Tokens.AccessToken)
	require.NoError(t, err)
	_, err = h.svc.VerifyAccess(ctx, other.Tokens.AccessToken)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = h.svc.Login(ctx, Credentials{Email: "yara@x.com", Password: alicePassword}, domain.DeviceInfo{})
	require.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = h.svc.Login(ctx, Credentials{Email: "yara@x.com", Password: "new-password-123"}, domain.DeviceInfo{})
	require.NoError(t, err)
}

func TestDeleteAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	reg := h.register(t, "zoe")

	require.ErrorIs(t, h.svc.DeleteAccount(ctx, reg.Account.ID, "wrong-password"), ErrInvalidCredentials)
	require.NoError(t, h.svc.DeleteAccount(ctx, reg.Account.ID, alicePassword))

	_, err := h.svc.Account(ctx, reg.Account.ID)
	require.ErrorIs(t, err, ErrAccountNotFound)
	require.ErrorIs(t, h.svc.DeleteAccount(ctx, reg.Account.ID, alicePassword), ErrAccountNotFound)
}

func TestAccountStripsSecrets(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "abe")
	h.enableMFA(t, reg.Account.ID)

	a, err := h.svc.Account(context.Background(), reg.Account.ID)
	require.NoError(t, err)
	require.Equal(t, "abe", a.Username)
	require.True(t, a.MFAEnabled)
	require.Empty(t, a.PasswordHash)
	require.Empty(t, a.MFASecret)
}

func TestOperationMetrics(t *testing.T) {
	h := newHarness(t)
	h.register(t, "bea")
	_, err := h.svc.Login(context.Background(), Credentials{Email: "bea@x.com", Password: "nope-nope"}, domain.DeviceInfo{})
	require.Error(t, err)

	require.Equal(t, 1.0, testutil.ToFloat64(h.svc.Metrics.operations.WithLabelValues("Register", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(h.svc.Metrics.operations.WithLabelValues("Login", "invalid_credentials")))
	require.Positive(t, testutil.CollectAndCount(h.svc.Metrics.hashSeconds))
}
