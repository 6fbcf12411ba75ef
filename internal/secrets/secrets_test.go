package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	enc, err := c.Encrypt("pr0xy-p4ssw0rd")
	require.NoError(t, err)
	assert.NotEqual(t, "pr0xy-p4ssw0rd", enc)

	dec, err := c.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "pr0xy-p4ssw0rd", dec)

	// Each encryption uses a fresh nonce.
	enc2, err := c.Encrypt("pr0xy-p4ssw0rd")
	require.NoError(t, err)
	assert.NotEqual(t, enc, enc2)
}

func TestNewCipherRejectsShortKey(t *testing.T) {
	_, err := NewCipher("too-short")
	assert.Error(t, err)
}

func TestDecryptRejectsTampering(t *testing.T) {
	c, err := NewCipher("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	_, err = c.Decrypt("bm90LXJlYWwtY2lwaGVydGV4dA==")
	assert.Error(t, err)
}

func TestRandomCredential(t *testing.T) {
	a, err := RandomCredential(12)
	require.NoError(t, err)
	assert.Len(t, a, 12)

	b, err := RandomCredential(12)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
