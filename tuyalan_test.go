package tuyalan

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gotuya/tuyalan/pkg/codec"
)

func TestVersionConstantsMatchCodec(t *testing.T) {
	assert.Equal(t, codec.Version31, Version31)
	assert.Equal(t, codec.Version35, Version35)
}

func TestNewScannerDoesNotPanic(t *testing.T) {
	s := NewScanner("0.0.0.0")
	assert.NotNil(t, s)
}
