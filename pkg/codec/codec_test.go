package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLegacyRoundTrip33(t *testing.T) {
	key := make([]byte, 16)
	rc := uint32(0)
	f := &Frame{Sequence: 7, Command: CmdDpControl, Payload: []byte(`{"dps":{"1":true}}`), ReturnCode: &rc}

	encoded, err := EncodeLegacy(f, Version33, DevTypeDefault, key)
	require.NoError(t, err)

	got, n, err := DecodeLegacy(encoded, Version33, DevTypeDefault, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, len(encoded), n)
	assert.Equal(t, f.Sequence, got.Sequence)
	assert.Equal(t, f.Command, got.Command)
	assert.Equal(t, f.Payload, got.Payload)
	require.NotNil(t, got.ReturnCode)
	assert.Equal(t, uint32(0), *got.ReturnCode)
}

func TestLegacyRoundTripDPQuerySkipsHeader(t *testing.T) {
	key := make([]byte, 16)
	rc := uint32(0)
	f := &Frame{Sequence: 1, Command: CmdDpQuery, Payload: []byte(`{}`), ReturnCode: &rc}

	encoded, err := EncodeLegacy(f, Version33, DevTypeDefault, key)
	require.NoError(t, err)
	// header(16) + return code(4), then the cipher with no "3.3" header.
	assert.NotEqual(t, "3.3", string(encoded[20:23]))

	got, _, err := DecodeLegacy(encoded, Version33, DevTypeDefault, key)
	require.NoError(t, err)
	assert.Equal(t, f.Payload, got.Payload)
}

func TestLegacyDecodePartialFrameWaits(t *testing.T) {
	key := make([]byte, 16)
	rc := uint32(0)
	f := &Frame{Sequence: 1, Command: CmdDpQuery, Payload: []byte(`{}`), ReturnCode: &rc}
	encoded, err := EncodeLegacy(f, Version33, DevTypeDefault, key)
	require.NoError(t, err)

	got, n, err := DecodeLegacy(encoded[:len(encoded)-1], Version33, DevTypeDefault, key)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 0, n)
}

func TestLegacyDecodeRejectsBadCRC(t *testing.T) {
	key := make([]byte, 16)
	rc := uint32(0)
	f := &Frame{Sequence: 1, Command: CmdDpQuery, Payload: []byte(`{}`), ReturnCode: &rc}
	encoded, err := EncodeLegacy(f, Version33, DevTypeDefault, key)
	require.NoError(t, err)

	encoded[len(encoded)-5] ^= 0xFF // corrupt a CRC byte
	_, _, err = DecodeLegacy(encoded, Version33, DevTypeDefault, key)
	assert.Error(t, err)
}

func TestSecure34RoundTrip(t *testing.T) {
	key := make([]byte, 16)
	f := &Frame{Sequence: 3, Command: CmdDpControl, Payload: []byte(`{"dps":{"1":true}}`)}

	encoded, err := EncodeSecure34(f, key)
	require.NoError(t, err)

	got, n, err := DecodeSecure34(encoded, key)
	require.NoError(t, err)
	assert.Equal(t, len(encoded), n)
	assert.Equal(t, f.Payload, got.Payload)
	assert.Nil(t, got.ReturnCode)
}

func TestSecure34EmbedsReturnCodeInEncryptedPayload(t *testing.T) {
	key := make([]byte, 16)
	rc := uint32(0)
	f := &Frame{Sequence: 3, Command: CmdDpQuery, Payload: []byte(`{"dps":{"1":true}}`), ReturnCode: &rc}

	encoded, err := EncodeSecure34(f, key)
	require.NoError(t, err)

	got, _, err := DecodeSecure34(encoded, key)
	require.NoError(t, err)
	assert.Equal(t, f.Payload, got.Payload)
	require.NotNil(t, got.ReturnCode)
	assert.Equal(t, uint32(0), *got.ReturnCode)
}

func TestHandshakeFrameRoundTripDoesNotEncryptPayload(t *testing.T) {
	key := make([]byte, 16)
	// Payload here stands in for an already AES-ECB-no-pad-encrypted
	// nonce: the handshake envelope must carry it through untouched.
	f := &Frame{Sequence: 1, Command: CmdSessNegotiate, Payload: []byte("already-ciphertext-16b")}

	encoded, err := EncodeHandshakeFrame(f, key)
	require.NoError(t, err)

	got, n, err := DecodeHandshakeFrame(encoded, key)
	require.NoError(t, err)
	assert.Equal(t, len(encoded), n)
	assert.Equal(t, f.Payload, got.Payload)
}

func TestSecure34RejectsTamperedHMAC(t *testing.T) {
	key := make([]byte, 16)
	f := &Frame{Sequence: 3, Command: CmdDpControl, Payload: []byte(`{}`)}
	encoded, err := EncodeSecure34(f, key)
	require.NoError(t, err)

	encoded[len(encoded)-5] ^= 0xFF
	_, _, err = DecodeSecure34(encoded, key)
	assert.Error(t, err)
}

func TestSecure35RoundTrip(t *testing.T) {
	key := make([]byte, 16)
	nonce := DeriveGCMNonce(1)
	f := &Frame{Sequence: 9, Command: CmdDpControl, Payload: []byte(`{"dps":{"1":false}}`)}

	encoded, err := EncodeSecure35(f, key, nonce)
	require.NoError(t, err)

	got, n, err := DecodeSecure35(encoded, key)
	require.NoError(t, err)
	assert.Equal(t, len(encoded), n)
	assert.Equal(t, f.Payload, got.Payload)
	assert.Nil(t, got.ReturnCode)
}

func TestSecure35EmbedsReturnCodeInSealedPayload(t *testing.T) {
	key := make([]byte, 16)
	nonce := DeriveGCMNonce(1)
	rc := uint32(1)
	f := &Frame{Sequence: 9, Command: CmdDpPush, Payload: []byte(`{"dps":{"1":false}}`), ReturnCode: &rc}

	encoded, err := EncodeSecure35(f, key, nonce)
	require.NoError(t, err)

	got, _, err := DecodeSecure35(encoded, key)
	require.NoError(t, err)
	assert.Equal(t, f.Payload, got.Payload)
	require.NotNil(t, got.ReturnCode)
	assert.Equal(t, uint32(1), *got.ReturnCode)
}

func TestDispatchByVersion(t *testing.T) {
	key := make([]byte, 16)
	rc := uint32(0)
	f := &Frame{Sequence: 1, Command: CmdDpQuery, Payload: []byte(`{}`), ReturnCode: &rc}

	for _, v := range []Version{Version31, Version33} {
		encoded, err := Encode(f, v, DevTypeDefault, key, nil)
		require.NoError(t, err)
		got, _, err := Decode(encoded, v, DevTypeDefault, key)
		require.NoError(t, err)
		assert.Equal(t, f.Payload, got.Payload)
	}
}

func TestEncode31Device22IsIdenticalTo33(t *testing.T) {
	key := make([]byte, 16)
	f31 := &Frame{Sequence: 1, Command: CmdDpControl, Payload: []byte(`{"dps":{"1":true}}`)}
	f33 := &Frame{Sequence: 1, Command: CmdDpControl, Payload: []byte(`{"dps":{"1":true}}`)}

	got31, err := encodeLegacyPayload(f31, Version31, DevTypeDevice22, key)
	require.NoError(t, err)
	got33, err := encodeLegacyPayload(f33, Version33, DevTypeDevice22, key)
	require.NoError(t, err)

	assert.Equal(t, got33, got31)
	// Must not carry the "3.1"+digest envelope encode31Payload would add.
	assert.NotContains(t, string(got31), "3.1")
}

func TestAutoProbeOrderCoversAllFourFallbackVariants(t *testing.T) {
	require.Len(t, AutoProbeOrder, 4)
	assert.Equal(t, ProbeStep{Version: Version31, DevType: DevTypeDefault}, AutoProbeOrder[0])
	assert.Equal(t, ProbeStep{Version: Version34, DevType: DevTypeDefault}, AutoProbeOrder[1])
	assert.Equal(t, ProbeStep{Version: Version35, DevType: DevTypeDefault}, AutoProbeOrder[2])
	assert.Equal(t, ProbeStep{Version: Version31, DevType: DevTypeDevice22}, AutoProbeOrder[3])
}

func TestResolveDevTypeAutoByIDLength(t *testing.T) {
	assert.Equal(t, DevTypeDevice22, ResolveDevType(DevTypeAuto, "1234567890123456789012"))
	assert.Equal(t, DevTypeDefault, ResolveDevType(DevTypeAuto, "short"))
	assert.Equal(t, DevTypeDevice22, ResolveDevType(DevTypeDevice22, "anything"))
}

func TestSynthesizeOffline(t *testing.T) {
	f := SynthesizeOffline(42)
	assert.True(t, f.IsSynthesizedOffline())
	assert.Equal(t, uint32(42), f.Sequence)
}
