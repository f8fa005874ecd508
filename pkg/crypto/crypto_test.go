package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestECBRoundTrip(t *testing.T) {
	key := make([]byte, 16)
	plain := []byte(`{"dps":{"1":true}}`)

	cipher, err := ECBEncrypt(plain, key)
	require.NoError(t, err)
	assert.Equal(t, 0, len(cipher)%16)

	got, err := ECBDecrypt(cipher, key)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestECBNoPadRequiresBlockAlignment(t *testing.T) {
	key := make([]byte, 16)
	_, err := ECBEncryptNoPad([]byte("not sixteen"), key)
	assert.Error(t, err)
}

func TestECBDecryptRejectsBadPadding(t *testing.T) {
	key := make([]byte, 16)
	block := make([]byte, 16)
	_, err := ECBDecrypt(block, key) // decrypts to a block ending in 0x3a, not valid PKCS#7 padding
	assert.Error(t, err)
}

func TestGCMRoundTrip(t *testing.T) {
	key := make([]byte, 16)
	nonce := make([]byte, 12)
	aad := []byte{0, 0, 0x55, 0xAA}
	plain := []byte(`{"dps":{"1":false}}`)

	sealed, err := GCMEncrypt(nonce, aad, plain, key)
	require.NoError(t, err)

	got, err := GCMDecrypt(nonce, aad, sealed, key)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestGCMDecryptFailsOnTamperedAAD(t *testing.T) {
	key := make([]byte, 16)
	nonce := make([]byte, 12)
	sealed, err := GCMEncrypt(nonce, []byte("aad-a"), []byte("payload"), key)
	require.NoError(t, err)

	_, err = GCMDecrypt(nonce, []byte("aad-b"), sealed, key)
	assert.Error(t, err)
}

func TestHMACVerify(t *testing.T) {
	key := []byte("local-key-16byte")
	data := []byte("frame bytes")
	tag := HMACSHA256(key, data)

	assert.True(t, VerifyHMACSHA256(key, data, tag))
	tag[0] ^= 0xFF
	assert.False(t, VerifyHMACSHA256(key, data, tag))
}

func TestMD5HexDigest(t *testing.T) {
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", MD5HexDigest(nil))
}

func TestXORBytesTruncatesToShorter(t *testing.T) {
	a := []byte{0x01, 0x02, 0x03}
	b := []byte{0xFF, 0xFF}
	assert.Equal(t, []byte{0xFE, 0xFD}, XORBytes(a, b))
}

func TestCRC32IEEEKnownValue(t *testing.T) {
	assert.Equal(t, uint32(0xCBF43926), CRC32IEEE([]byte("123456789")))
}
