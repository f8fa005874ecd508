package codec

import "github.com/gotuya/tuyalan/pkg/tuyaerr"

// Encode serializes f for the wire using the session's negotiated
// version. For 3.5, nonce must be a fresh 12-byte value (see
// DeriveGCMNonce); it is ignored for every other version.
func Encode(f *Frame, version Version, devType DevType, key, nonce []byte) ([]byte, error) {
	switch version {
	case Version31, Version33:
		return EncodeLegacy(f, version, devType, key)
	case Version34:
		return EncodeSecure34(f, key)
	case Version35:
		return EncodeSecure35(f, key, nonce)
	default:
		return nil, tuyaerr.New(tuyaerr.Codec, "cannot encode for version "+string(version))
	}
}

// Decode parses the next frame from buf for the given version. It returns
// (nil, 0, nil) when buf does not yet hold a complete frame — callers
// should leave buf untouched and read more bytes.
func Decode(buf []byte, version Version, devType DevType, key []byte) (*Frame, int, error) {
	switch version {
	case Version31, Version33:
		return DecodeLegacy(buf, version, devType, key)
	case Version34:
		return DecodeSecure34(buf, key)
	case Version35:
		return DecodeSecure35(buf, key)
	default:
		return nil, 0, tuyaerr.New(tuyaerr.Codec, "cannot decode for version "+string(version))
	}
}
