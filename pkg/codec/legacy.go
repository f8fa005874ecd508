package codec

import (
	"encoding/base64"
	"encoding/binary"

	"github.com/gotuya/tuyalan/pkg/crypto"
	"github.com/gotuya/tuyalan/pkg/tuyaerr"
)

// isDPQuery reports whether cmd is one of the DP-query family that skips
// the 3.3 version header.
func isDPQuery(cmd uint32) bool {
	switch cmd {
	case CmdDpQuery, CmdDpQueryNew, CmdSubDpQuery:
		return true
	default:
		return false
	}
}

// encodeLegacyPayload applies the version-specific payload transform for
// 3.1, 3.3, and device22 before framing.
func encodeLegacyPayload(f *Frame, version Version, devType DevType, key []byte) ([]byte, error) {
	switch version {
	case Version31:
		if devType == DevTypeDevice22 {
			// Outbound device22 is identical to 3.3: no "3.1"+digest
			// envelope, just the raw cipher.
			return encode33Payload(f, devType, key)
		}
		return encode31Payload(f, key)
	case Version33:
		return encode33Payload(f, devType, key)
	default:
		return nil, tuyaerr.New(tuyaerr.Codec, "unsupported legacy version "+string(version))
	}
}

func encode31Payload(f *Frame, key []byte) ([]byte, error) {
	// Only control-style commands (DpControl) get the 3.1 envelope;
	// queries travel as raw JSON.
	if f.Command != CmdDpControl {
		return f.Payload, nil
	}

	cipher, err := crypto.ECBEncrypt(f.Payload, key)
	if err != nil {
		return nil, err
	}
	b64 := base64.StdEncoding.EncodeToString(cipher)

	digestInput := "data=" + b64 + "||lpv=3.1||" + string(key)
	digest := crypto.MD5HexDigest([]byte(digestInput))
	prefixTag := "3.1" + digest[8:24]

	return append([]byte(prefixTag), []byte(b64)...), nil
}

func decode31Payload(raw []byte, devType DevType, key []byte) ([]byte, error) {
	if devType == DevTypeDevice22 {
		// Inbound device22 frames carry a 15-byte null prefix instead
		// of the "3.1"+digest tag.
		if len(raw) < 15 {
			return nil, tuyaerr.New(tuyaerr.Codec, "device22 payload too short")
		}
		return decode33Payload(raw[15:], key)
	}

	if len(raw) < 19 || string(raw[:3]) != "3.1" {
		// Not encrypted — raw JSON query response.
		return raw, nil
	}
	b64 := raw[19:]
	cipher, err := base64.StdEncoding.DecodeString(string(b64))
	if err != nil {
		return nil, tuyaerr.Wrap(tuyaerr.Codec, err, "base64 decode 3.1 payload")
	}
	return crypto.ECBDecrypt(cipher, key)
}

func encode33Payload(f *Frame, devType DevType, key []byte) ([]byte, error) {
	cipher, err := crypto.ECBEncrypt(f.Payload, key)
	if err != nil {
		return nil, err
	}
	if devType == DevTypeDevice22 || isDPQuery(f.Command) {
		return cipher, nil
	}
	header := make([]byte, 15)
	copy(header, "3.3")
	return append(header, cipher...), nil
}

func decode33Payload(raw []byte, key []byte) ([]byte, error) {
	if len(raw) >= 15 && string(raw[:3]) == "3.3" {
		allZero := true
		for _, b := range raw[3:15] {
			if b != 0 {
				allZero = false
				break
			}
		}
		if allZero {
			raw = raw[15:]
		}
	}
	return crypto.ECBDecrypt(raw, key)
}

// EncodeLegacy builds a complete 3.1/3.3/device22 frame: prefix, header,
// encrypted payload, return code, CRC32, suffix.
func EncodeLegacy(f *Frame, version Version, devType DevType, key []byte) ([]byte, error) {
	payload, err := encodeLegacyPayload(f, version, devType, key)
	if err != nil {
		return nil, err
	}

	hasReturnCode := f.ReturnCode != nil
	body := payload
	if hasReturnCode {
		rc := make([]byte, 4)
		binary.BigEndian.PutUint32(rc, *f.ReturnCode)
		body = append(rc, payload...)
	}

	payloadLen := uint32(len(body) + crcTrailerLen)

	buf := make([]byte, 0, headerLen+len(body)+crcTrailerLen)
	buf = appendU32(buf, prefix)
	buf = appendU32(buf, f.Sequence)
	buf = appendU32(buf, f.Command)
	buf = appendU32(buf, payloadLen)
	buf = append(buf, body...)

	crc := crypto.CRC32IEEE(buf)
	buf = appendU32(buf, crc)
	buf = appendU32(buf, suffix)
	return buf, nil
}

// DecodeLegacy parses one 3.1/3.3/device22 frame from buf. It returns
// (nil, 0, nil) when buf does not yet contain a complete frame.
func DecodeLegacy(buf []byte, version Version, devType DevType, key []byte) (*Frame, int, error) {
	start, ok := findPrefix(buf)
	if !ok {
		return nil, 0, nil
	}
	if len(buf)-start < headerLen {
		return nil, 0, nil
	}

	seq := binary.BigEndian.Uint32(buf[start+4 : start+8])
	cmd := binary.BigEndian.Uint32(buf[start+8 : start+12])
	payloadLen := binary.BigEndian.Uint32(buf[start+12 : start+16])

	total := start + headerLen + int(payloadLen)
	if payloadLen < crcTrailerLen || total > len(buf) {
		if total > len(buf) {
			return nil, 0, nil // partial frame, wait for more bytes
		}
		return nil, 0, tuyaerr.New(tuyaerr.Codec, "payload length too small for CRC trailer")
	}

	frameBytes := buf[start:total]
	bodyLen := int(payloadLen) - crcTrailerLen
	body := frameBytes[headerLen : headerLen+bodyLen]

	gotCRC := binary.BigEndian.Uint32(frameBytes[headerLen+bodyLen : headerLen+bodyLen+4])
	gotSuffix := binary.BigEndian.Uint32(frameBytes[headerLen+bodyLen+4 : headerLen+bodyLen+8])
	if gotSuffix != suffix {
		return nil, 0, tuyaerr.New(tuyaerr.Codec, "bad frame suffix")
	}
	wantCRC := crypto.CRC32IEEE(frameBytes[:headerLen+bodyLen])
	if gotCRC != wantCRC {
		return nil, 0, tuyaerr.New(tuyaerr.Codec, "CRC32 mismatch")
	}

	// Inbound frames carry a return code ahead of the payload; outbound
	// frames usually do not. splitReturnCode tells the two apart.
	raw, returnCode := splitReturnCode(body)

	var payload []byte
	var err error
	switch version {
	case Version31:
		payload, err = decode31Payload(raw, devType, key)
	default:
		payload, err = decode33Payload(raw, key)
	}
	if err != nil {
		return nil, 0, err
	}

	return &Frame{Sequence: seq, Command: cmd, Payload: payload, ReturnCode: returnCode}, total, nil
}

func findPrefix(buf []byte) (int, bool) {
	if len(buf) < 4 {
		return 0, false
	}
	for i := 0; i+4 <= len(buf); i++ {
		if binary.BigEndian.Uint32(buf[i:i+4]) == prefix {
			return i, true
		}
	}
	return 0, false
}

func appendU32(buf []byte, v uint32) []byte {
	tmp := make([]byte, 4)
	binary.BigEndian.PutUint32(tmp, v)
	return append(buf, tmp...)
}
