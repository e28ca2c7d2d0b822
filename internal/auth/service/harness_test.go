package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/tavern/internal/auth/domain"
	"github.com/aussiebroadwan/tavern/internal/auth/store/drivers/memory"
	"github.com/aussiebroadwan/tavern/pkg/cryptox"
	"github.com/aussiebroadwan/tavern/pkg/jwtx"
)

const alicePassword = "pw123456789012345678901234567890"

// fakeClock is shared by the service, codec, gate and store.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	svc      *AuthService
	store    *memory.Store
	clock    *fakeClock
	registry *prometheus.Registry
}

type harnessOption func(h *harness)

func withReuseRevokesAll(on bool) harnessOption {
	return func(h *harness) { h.svc.ReuseRevokesAll = on }
}

func withEnforcedMFA() harnessOption {
	return func(h *harness) { h.svc.MFA.Enforce = true }
}

func withSealedSecrets(box *cryptox.SecretBox) harnessOption {
	return func(h *harness) { h.svc.MFA.Secrets = box }
}

// testHasher is a deliberately cheap argon2id profile.
func testHasher(iterations uint32) *cryptox.MultiHasher {
	return &cryptox.MultiHasher{
		Primary: &cryptox.Argon2Hasher{Memory: 1024, Iterations: iterations, Parallelism: 1},
		Legacy:  []cryptox.Hasher{cryptox.NewBcryptHasher(4)},
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	clock := newFakeClock()
	st := memory.New()
	st.Now = clock.Now

	reg := prometheus.NewRegistry()
	codec := &jwtx.Codec{
		AccessSecret:  []byte("access-secret-access-secret-0123456789"),
		RefreshSecret: []byte("refresh-secret-refresh-secret-0123456789"),
		Issuer:        "tavern-auth",
		Audience:      "tavern-api",
		AccessTTL:     jwtx.DefaultAccessTokenTTL,
		RefreshTTL:    jwtx.DefaultRefreshTokenTTL,
		Now:           clock.Now,
	}
	require.NoError(t, codec.Validate())

	h := &harness{
		store:    st,
		clock:    clock,
		registry: reg,
		svc: &AuthService{
			Store:    st,
			Hasher:   testHasher(1),
			Pool:     cryptox.NewPool(4),
			Codec:    codec,
			Sessions: NewSessionRegistry(st.Sessions(), clock.Now),
			MFA: &MFAGate{
				Accounts: st.Accounts(),
				Consumed: st.ConsumedCodes(),
				Issuer:   "Tavern",
				Skew:     DefaultMFASkew,
				Now:      clock.Now,
			},
			Metrics:         NewMetrics(reg),
			ReuseRevokesAll: true,
			Now:             clock.Now,
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *harness) register(t *testing.T, username string) AuthResult {
	t.Helper()
	res, err := h.svc.Register(context.Background(), RegisterInput{
		Username: username,
		Email:    username + "@x.com",
		Password: alicePassword,
		Device:   domain.DeviceInfo{DeviceName: "register"},
	})
	require.NoError(t, err)
	return res
}

func (h *harness) login(t *testing.T, username string) AuthResult {
	t.Helper()
	res, err := h.svc.Login(context.Background(), Credentials{
		Email:    username + "@x.com",
		Password: alicePassword,
	}, domain.DeviceInfo{DeviceName: "login"})
	require.NoError(t, err)
	return res
}

// code returns the TOTP code for secret at the harness clock.
func (h *harness) code(t *testing.T, secret string) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, h.clock.Now(), totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}

// enableMFA enrolls and confirms TOTP for the account and returns the secret.
func (h *harness) enableMFA(t *testing.T, accountID string) string {
	t.Helper()
	ctx := context.Background()

	enrollment, err := h.svc.MFA.Enroll(ctx, accountID)
	require.NoError(t, err)
	require.NoError(t, h.svc.MFA.Confirm(ctx, accountID, h.code(t, enrollment.Secret)))

	// Step past the confirmation code's period.
	h.clock.Advance(30 * time.Second)
	return enrollment.Secret
}
