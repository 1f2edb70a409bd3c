package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestInitEncryption_KeyLength(t *testing.T) {
	assert.Error(t, InitEncryption([]byte("short")))
	assert.NoError(t, InitEncryption(testKey))
}

func TestEncryptedString_RoundTrip(t *testing.T) {
	require.NoError(t, InitEncryption(testKey))

	stored, err := EncryptedString("s3cret").Value()
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret", stored)

	again, err := EncryptedString("s3cret").Value()
	require.NoError(t, err)
	assert.NotEqual(t, stored, again, "each write uses a fresh nonce")

	var got EncryptedString
	require.NoError(t, got.Scan(stored))
	assert.Equal(t, EncryptedString("s3cret"), got)

	require.NoError(t, got.Scan([]byte(again.(string))))
	assert.Equal(t, EncryptedString("s3cret"), got)
}

func TestEncryptedString_Empty(t *testing.T) {
	require.NoError(t, InitEncryption(testKey))

	stored, err := EncryptedString("").Value()
	require.NoError(t, err)
	assert.Equal(t, "", stored)

	got := EncryptedString("stale")
	require.NoError(t, got.Scan(nil))
	assert.Equal(t, EncryptedString(""), got)
}

func TestEncryptedString_Tampered(t *testing.T) {
	require.NoError(t, InitEncryption(testKey))

	var got EncryptedString
	assert.Error(t, got.Scan("not base64!"))
	assert.Error(t, got.Scan("AAAA"))
	assert.Error(t, got.Scan(42))
}
