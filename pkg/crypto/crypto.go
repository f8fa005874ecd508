// Package crypto implements the symmetric primitives the Tuya LAN wire
// protocol layers on top of: AES-128 in ECB mode (with and without
// PKCS#7 padding), AES-128-GCM, MD5 and HMAC-SHA256 for key derivation
// and integrity, and CRC32 (IEEE) for the legacy frame trailer.
//
// None of the pack's third-party libraries expose raw AES-ECB (Go's
// standard library deliberately omits a cipher.BlockMode for it, since
// ECB is unsafe for general use) — every primitive here is built directly
// on crypto/aes's block cipher, which is the construction the protocol
// itself requires. See DESIGN.md for why no ecosystem crypto library
// replaces this.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"hash/crc32"

	"github.com/gotuya/tuyalan/pkg/tuyaerr"
)

const (
	blockSize  = aes.BlockSize // 16
	gcmNonceSize = 12
	gcmTagSize   = 16
)

func newCryptoErr(msg string) error {
	return tuyaerr.New(tuyaerr.Crypto, msg)
}

// RandomBytes returns n cryptographically random bytes, used to generate
// the 3.4/3.5 handshake's local_nonce.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, tuyaerr.Wrap(tuyaerr.Crypto, err, "generate random bytes")
	}
	return b, nil
}

// ECBEncrypt encrypts plaintext under key with AES-128-ECB and PKCS#7
// padding (protocol 3.1/3.3 payload encoding).
func ECBEncrypt(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, tuyaerr.Wrap(tuyaerr.Crypto, err, "new AES cipher")
	}
	padded := pkcs7Pad(plaintext, blockSize)
	out := make([]byte, len(padded))
	for i := 0; i < len(padded); i += blockSize {
		block.Encrypt(out[i:i+blockSize], padded[i:i+blockSize])
	}
	return out, nil
}

// ECBDecrypt decrypts ciphertext produced by ECBEncrypt, stripping PKCS#7
// padding.
func ECBDecrypt(ciphertext, key []byte) ([]byte, error) {
	plain, err := ecbDecryptRaw(ciphertext, key)
	if err != nil {
		return nil, err
	}
	return pkcs7Unpad(plain)
}

// ECBEncryptNoPad encrypts exactly one or more full 16-byte blocks with no
// padding — used by the 3.4/3.5 handshake, which always exchanges
// block-aligned nonces and HMACs.
func ECBEncryptNoPad(plaintext, key []byte) ([]byte, error) {
	if len(plaintext)%blockSize != 0 {
		return nil, newCryptoErr("plaintext is not block-aligned")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, tuyaerr.Wrap(tuyaerr.Crypto, err, "new AES cipher")
	}
	out := make([]byte, len(plaintext))
	for i := 0; i < len(plaintext); i += blockSize {
		block.Encrypt(out[i:i+blockSize], plaintext[i:i+blockSize])
	}
	return out, nil
}

// ECBDecryptNoPad is the inverse of ECBEncryptNoPad.
func ECBDecryptNoPad(ciphertext, key []byte) ([]byte, error) {
	return ecbDecryptRaw(ciphertext, key)
}

func ecbDecryptRaw(ciphertext, key []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%blockSize != 0 {
		return nil, newCryptoErr("ciphertext is not block-aligned")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, tuyaerr.Wrap(tuyaerr.Crypto, err, "new AES cipher")
	}
	out := make([]byte, len(ciphertext))
	for i := 0; i < len(ciphertext); i += blockSize {
		block.Decrypt(out[i:i+blockSize], ciphertext[i:i+blockSize])
	}
	return out, nil
}

func pkcs7Pad(data []byte, size int) []byte {
	padLen := size - len(data)%size
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, newCryptoErr("padded data is not block-aligned")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, newCryptoErr("invalid PKCS7 padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, newCryptoErr("invalid PKCS7 padding")
		}
	}
	return data[:len(data)-padLen], nil
}

// GCMEncrypt seals plaintext under key with AES-128-GCM using the given
// nonce and additional authenticated data, returning ciphertext||tag in
// the layout protocol 3.5 frames use.
func GCMEncrypt(nonce, aad, plaintext, key []byte) ([]byte, error) {
	if len(nonce) != gcmNonceSize {
		return nil, newCryptoErr("GCM nonce must be 12 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, tuyaerr.Wrap(tuyaerr.Crypto, err, "new AES cipher")
	}
	gcm, err := cipher.NewGCMWithTagSize(block, gcmTagSize)
	if err != nil {
		return nil, tuyaerr.Wrap(tuyaerr.Crypto, err, "new GCM")
	}
	return gcm.Seal(nil, nonce, plaintext, aad), nil
}

// GCMDecrypt opens ciphertext||tag, verifying the 16-byte tag.
func GCMDecrypt(nonce, aad, ciphertextAndTag, key []byte) ([]byte, error) {
	if len(nonce) != gcmNonceSize {
		return nil, newCryptoErr("GCM nonce must be 12 bytes")
	}
	if len(ciphertextAndTag) < gcmTagSize {
		return nil, newCryptoErr("ciphertext shorter than GCM tag")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, tuyaerr.Wrap(tuyaerr.Crypto, err, "new AES cipher")
	}
	gcm, err := cipher.NewGCMWithTagSize(block, gcmTagSize)
	if err != nil {
		return nil, tuyaerr.Wrap(tuyaerr.Crypto, err, "new GCM")
	}
	plain, err := gcm.Open(nil, nonce, ciphertextAndTag, aad)
	if err != nil {
		return nil, tuyaerr.Wrap(tuyaerr.Crypto, err, "GCM tag verification failed")
	}
	return plain, nil
}

// MD5Sum returns the raw 16-byte MD5 digest of data.
func MD5Sum(data []byte) []byte {
	sum := md5.Sum(data)
	return sum[:]
}

// MD5HexDigest returns the lowercase hex MD5 digest, used by the 3.1
// payload prefix.
func MD5HexDigest(data []byte) string {
	const hextable = "0123456789abcdef"
	sum := md5.Sum(data)
	out := make([]byte, 32)
	for i, b := range sum {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}

// HMACSHA256 returns the 32-byte HMAC-SHA256 tag of data under key.
func HMACSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// VerifyHMACSHA256 performs a constant-time comparison of an HMAC tag.
func VerifyHMACSHA256(key, data, tag []byte) bool {
	expected := HMACSHA256(key, data)
	return subtle.ConstantTimeCompare(expected, tag) == 1
}

// CRC32IEEE computes the IEEE 802.3 CRC32 used by the 3.1/3.3/device22
// frame trailer.
func CRC32IEEE(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// XORBytes returns a xor b, truncated to the shorter of the two — used to
// combine local_nonce and remote_nonce in the 3.4/3.5 handshake.
func XORBytes(a, b []byte) []byte {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = a[i] ^ b[i]
	}
	return out
}
