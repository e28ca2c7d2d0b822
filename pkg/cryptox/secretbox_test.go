package cryptox_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/tavern/pkg/cryptox"
)

func TestSecretBox_SealOpen(t *testing.T) {
	box, err := cryptox.NewSecretBox([]byte("test-master-key-for-encryption-12345"))
	require.NoError(t, err)

	secret := "JBSWY3DPEHPK3PXP"

	sealed, err := box.Seal(secret)
	require.NoError(t, err)
	require.True(t, cryptox.IsSealed(sealed))
	require.NotContains(t, sealed, secret)

	opened, err := box.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, secret, opened)

	// random nonce per seal
	again, err := box.Seal(secret)
	require.NoError(t, err)
	require.NotEqual(t, sealed, again)
}

func TestSecretBox_WrongKey(t *testing.T) {
	a, err := cryptox.NewSecretBox([]byte("key-a"))
	require.NoError(t, err)
	b, err := cryptox.NewSecretBox([]byte("key-b"))
	require.NoError(t, err)

	sealed, err := a.Seal("secret")
	require.NoError(t, err)

	_, err = b.Open(sealed)
	require.Error(t, err)
}

func TestSecretBox_Tampered(t *testing.T) {
	box, err := cryptox.NewSecretBox([]byte("key"))
	require.NoError(t, err)

	sealed, err := box.Seal("secret")
	require.NoError(t, err)

	tests := map[string]string{
		"flipped byte": sealed[:len(sealed)-2] + flip(sealed[len(sealed)-2]) + sealed[len(sealed)-1:],
		"truncated":    sealed[:len("sealed:v1:")+4],
		"bad base64":   "sealed:v1:***",
	}
	for name, value := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := box.Open(value)
			require.Error(t, err)
		})
	}
}

func flip(c byte) string {
	if c == 'A' {
		return "B"
	}
	return "A"
}

func TestSecretBox_Nil(t *testing.T) {
	var box *cryptox.SecretBox

	v, err := box.Seal("plain")
	require.NoError(t, err)
	require.Equal(t, "plain", v)

	v, err = box.Open("plain")
	require.NoError(t, err)
	require.Equal(t, "plain", v)

	_, err = box.Open("sealed:v1:AAAA")
	require.ErrorIs(t, err, cryptox.ErrSealed)
}

func TestSecretBox_PlaintextPassesThrough(t *testing.T) {
	box, err := cryptox.NewSecretBox([]byte("key"))
	require.NoError(t, err)

	v, err := box.Open("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)
	require.Equal(t, "JBSWY3DPEHPK3PXP", v)
}

func TestLoadSecretBox(t *testing.T) {
	box, err := cryptox.LoadSecretBox("")
	require.NoError(t, err)
	require.Nil(t, box)

	_, err = cryptox.LoadSecretBox(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "master.key")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("k", 32)+"\n"), 0o600))

	fromFile, err := cryptox.LoadSecretBox(path)
	require.NoError(t, err)
	direct, err := cryptox.NewSecretBox([]byte(strings.Repeat("k", 32)))
	require.NoError(t, err)

	sealed, err := fromFile.Seal("secret")
	require.NoError(t, err)
	opened, err := direct.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, "secret", opened)
}
