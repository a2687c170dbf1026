package state

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeal_NoKeyPassesThrough(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "")

	content := []byte(`{"run_id":"r1"}`)
	out, err := seal(content)
	require.NoError(t, err)
	assert.Equal(t, content, out)

	out, err = unseal(content)
	require.NoError(t, err)
	assert.Equal(t, content, out)
}

func TestSealer_Roundtrip(t *testing.T) {
	tests := []struct {
		name   string
		secret string
	}{
		{"passphrase", "correct horse battery staple"},
		{"hex key", strings.Repeat("ab", 32)},
		{"64 chars not hex", strings.Repeat("z", 64)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSealer(tt.secret)
			require.NoError(t, err)

			content := []byte(`{"run_id":"r1","status":"completed"}`)
			sealed, err := s.Seal(content)
			require.NoError(t, err)
			assert.True(t, IsEncrypted(sealed))
			assert.NotContains(t, string(sealed), "completed")

			opened, err := s.Open(sealed)
			require.NoError(t, err)
			assert.Equal(t, content, opened)
		})
	}
}

func TestSealer_FreshNoncePerSeal(t *testing.T) {
	s, err := NewSealer("k")
	require.NoError(t, err)
	a, err := s.Seal([]byte("same"))
	require.NoError(t, err)
	b, err := s.Seal([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDeriveKey(t *testing.T) {
	assert.Len(t, deriveKey("short"), 32)
	assert.Equal(t, []byte{0xab, 0xab}, deriveKey(strings.Repeat("ab", 32))[:2])
}

func TestNewSealer_EmptyKey(t *testing.T) {
	_, err := NewSealer("")
	assert.Error(t, err)
}

func TestIsEncrypted(t *testing.T) {
	assert.True(t, IsEncrypted([]byte("# ADREEL_ENCRYPTED_STATE\nbase64data")))
	assert.False(t, IsEncrypted([]byte(`{"run_id":"r1"}`)))
	assert.False(t, IsEncrypted(nil))
}

func TestUnseal_WrongKey(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "correct-key")
	sealed, err := seal([]byte("test data"))
	require.NoError(t, err)

	t.Setenv(EncryptionKeyEnvVar, "wrong-key")
	_, err = unseal(sealed)
	assert.ErrorContains(t, err, "wrong key")
}

func TestUnseal_KeyMissing(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "some-key")
	sealed, err := seal([]byte("test data"))
	require.NoError(t, err)

	t.Setenv(EncryptionKeyEnvVar, "")
	_, err = unseal(sealed)
	assert.ErrorIs(t, err, ErrKeyMissing)
}

func TestUnseal_Corrupt(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "some-key")
	_, err := unseal([]byte("# ADREEL_ENCRYPTED_STATE\n!!!not base64"))
	assert.ErrorContains(t, err, "decode")

	_, err = unseal([]byte("# ADREEL_ENCRYPTED_STATE\nAAAA"))
	assert.ErrorContains(t, err, "too short")
}
