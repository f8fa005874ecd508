package tuyaerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesByKind(t *testing.T) {
	err := New(Timeout, "deadline exceeded").WithDevice("dev1").WithSequence(7)
	assert.True(t, errors.Is(err, New(Timeout, "")))
	assert.False(t, errors.Is(err, New(Codec, "")))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(Crypto, cause, "decrypt failed")
	assert.Equal(t, cause, errors.Unwrap(err))
	assert.ErrorIs(t, err, cause)
}

func TestOfExtractsKindThroughWrapping(t *testing.T) {
	inner := New(HandshakeFailed, "bad hmac")
	outer := Wrap(ConnectionFailed, inner, "session setup failed")

	kind, ok := Of(outer)
	assert.True(t, ok)
	assert.Equal(t, ConnectionFailed, kind)
}

func TestRecoverable(t *testing.T) {
	assert.True(t, ConnectionFailed.Recoverable())
	assert.True(t, Codec.Recoverable())
	assert.False(t, InvalidConfig.Recoverable())
	assert.False(t, Cancelled.Recoverable())
}

func TestErrorMessageIncludesDevice(t *testing.T) {
	err := New(Timeout, "deadline exceeded").WithDevice("dev1")
	assert.Contains(t, err.Error(), "dev1")
}
