package codec

import (
	"encoding/binary"

	"github.com/gotuya/tuyalan/pkg/crypto"
	"github.com/gotuya/tuyalan/pkg/tuyaerr"
)

// embedReturnCode prepends a 4-byte return code to payload when f carries
// one. Outbound frames rarely set it; inbound frames always have it.
func embedReturnCode(f *Frame) []byte {
	if f.ReturnCode == nil {
		return f.Payload
	}
	rc := make([]byte, 4)
	binary.BigEndian.PutUint32(rc, *f.ReturnCode)
	return append(rc, f.Payload...)
}

// splitReturnCode extracts a leading 4-byte return code from a frame body.
// A return code is recognised by its top three bytes being zero (return
// codes are small values); a body that starts otherwise, such as JSON or
// a "3.3" version header, is returned whole with a nil return code.
func splitReturnCode(plain []byte) (payload []byte, returnCode *uint32) {
	if len(plain) < 4 || plain[0] != 0 || plain[1] != 0 || plain[2] != 0 {
		return plain, nil
	}
	rc := binary.BigEndian.Uint32(plain[:4])
	return plain[4:], &rc
}

// encodeHMACFrame wraps body (already in its final on-the-wire form) in
// the 3.4 frame envelope: prefix, header, body, HMAC-SHA256 over
// everything before the suffix, suffix.
func encodeHMACFrame(seq, cmd uint32, body, key []byte) []byte {
	payloadLen := uint32(len(body) + hmacTrailerLen)

	buf := make([]byte, 0, headerLen+len(body)+hmacTrailerLen)
	buf = appendU32(buf, prefix)
	buf = appendU32(buf, seq)
	buf = appendU32(buf, cmd)
	buf = appendU32(buf, payloadLen)
	buf = append(buf, body...)

	mac := crypto.HMACSHA256(key, buf)
	buf = append(buf, mac...)
	buf = appendU32(buf, suffix)
	return buf
}

// decodeHMACFrame parses the 3.4 frame envelope and verifies its HMAC,
// returning the still-encrypted body. Returns (ok=false) on a partial
// frame, leaving err nil so callers can wait for more bytes.
func decodeHMACFrame(buf, key []byte) (seq, cmd uint32, body []byte, total int, ok bool, err error) {
	start, found := findPrefix(buf)
	if !found {
		return 0, 0, nil, 0, false, nil
	}
	if len(buf)-start < headerLen {
		return 0, 0, nil, 0, false, nil
	}

	seq = binary.BigEndian.Uint32(buf[start+4 : start+8])
	cmd = binary.BigEndian.Uint32(buf[start+8 : start+12])
	payloadLen := binary.BigEndian.Uint32(buf[start+12 : start+16])

	total = start + headerLen + int(payloadLen)
	if payloadLen < hmacTrailerLen {
		return 0, 0, nil, 0, false, tuyaerr.New(tuyaerr.Codec, "payload length too small for HMAC trailer")
	}
	if total > len(buf) {
		return 0, 0, nil, 0, false, nil
	}

	frameBytes := buf[start:total]
	bodyLen := int(payloadLen) - hmacTrailerLen
	body = frameBytes[headerLen : headerLen+bodyLen]
	gotMAC := frameBytes[headerLen+bodyLen : headerLen+bodyLen+32]
	gotSuffix := binary.BigEndian.Uint32(frameBytes[headerLen+bodyLen+32 : headerLen+bodyLen+36])
	if gotSuffix != suffix {
		return 0, 0, nil, 0, false, tuyaerr.New(tuyaerr.Codec, "bad frame suffix")
	}

	signed := frameBytes[:headerLen+bodyLen]
	if !crypto.VerifyHMACSHA256(key, signed, gotMAC) {
		return 0, 0, nil, 0, false, tuyaerr.New(tuyaerr.Codec, "HMAC verification failed")
	}

	return seq, cmd, body, total, true, nil
}

// EncodeSecure34 builds a complete 3.4 frame: prefix, header, AES-ECB
// payload (no version prefix, return code embedded ahead of the JSON),
// HMAC-SHA256 over everything before the suffix, suffix.
func EncodeSecure34(f *Frame, key []byte) ([]byte, error) {
	cipher, err := crypto.ECBEncrypt(embedReturnCode(f), key)
	if err != nil {
		return nil, err
	}
	return encodeHMACFrame(f.Sequence, f.Command, cipher, key), nil
}

// DecodeSecure34 parses one 3.4 frame, verifying its HMAC before
// decrypting. Returns (nil, 0, nil) on a partial frame.
func DecodeSecure34(buf []byte, key []byte) (*Frame, int, error) {
	seq, cmd, cipher, total, ok, err := decodeHMACFrame(buf, key)
	if err != nil || !ok {
		return nil, 0, err
	}

	plain, err := crypto.ECBDecrypt(cipher, key)
	if err != nil {
		return nil, 0, err
	}
	payload, returnCode := splitReturnCode(plain)

	return &Frame{Sequence: seq, Command: cmd, Payload: payload, ReturnCode: returnCode}, total, nil
}

// EncodeHandshakeFrame wraps a handshake message (SessNegotiate,
// SessNegotiateResp, SessKeyNegFinish) in the 3.4-style HMAC envelope
// without AES-encrypting the payload again: the session layer has already
// produced the final on-the-wire bytes (AES-ECB-no-pad over a nonce, or a
// plain nonce||HMAC pair), per the 3.4 and 3.5 handshakes both using this
// same framing.
func EncodeHandshakeFrame(f *Frame, key []byte) ([]byte, error) {
	return encodeHMACFrame(f.Sequence, f.Command, f.Payload, key), nil
}

// DecodeHandshakeFrame parses a handshake message out of the 3.4-style
// HMAC envelope, returning its payload bytes undecrypted — the session
// layer applies whatever further transform that particular message needs.
func DecodeHandshakeFrame(buf []byte, key []byte) (*Frame, int, error) {
	seq, cmd, body, total, ok, err := decodeHMACFrame(buf, key)
	if err != nil || !ok {
		return nil, 0, err
	}
	return &Frame{Sequence: seq, Command: cmd, Payload: body}, total, nil
}

// EncodeSecure35 builds a complete 3.5 frame: prefix, header,
// nonce||AES-GCM-ciphertext||tag, suffix. AAD covers the header bytes.
// The return code travels inside the sealed plaintext, ahead of the JSON.
// nonce must be 12 bytes and unique per frame sent under this session key.
func EncodeSecure35(f *Frame, key, nonce []byte) ([]byte, error) {
	plain := embedReturnCode(f)
	// nonce + ciphertext (same length as plain) + tag + suffix; no separate
	// trailer beyond the embedded tag.
	payloadLen := uint32(len(nonce) + len(plain) + 16 + 4)

	header := make([]byte, 0, headerLen)
	header = appendU32(header, prefix)
	header = appendU32(header, f.Sequence)
	header = appendU32(header, f.Command)
	header = appendU32(header, payloadLen)

	sealed, err := crypto.GCMEncrypt(nonce, header, plain, key)
	if err != nil {
		return nil, err
	}
	body := append(append([]byte{}, nonce...), sealed...)

	buf := make([]byte, 0, headerLen+len(body)+4)
	buf = append(buf, header...)
	buf = append(buf, body...)
	buf = appendU32(buf, suffix)
	return buf, nil
}

// DecodeSecure35 parses one 3.5 frame. Returns (nil, 0, nil) on a partial
// frame.
func DecodeSecure35(buf []byte, key []byte) (*Frame, int, error) {
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
	const minBody = 12 + 16 + 4 // nonce + tag + suffix
	if payloadLen < minBody {
		return nil, 0, tuyaerr.New(tuyaerr.Codec, "payload length too small for GCM frame")
	}
	if total > len(buf) {
		return nil, 0, nil
	}

	frameBytes := buf[start:total]
	bodyLen := int(payloadLen) - 4
	body := frameBytes[headerLen : headerLen+bodyLen]
	gotSuffix := binary.BigEndian.Uint32(frameBytes[headerLen+bodyLen : headerLen+bodyLen+4])
	if gotSuffix != suffix {
		return nil, 0, tuyaerr.New(tuyaerr.Codec, "bad frame suffix")
	}

	nonce := body[:12]
	sealed := body[12:]
	header := frameBytes[:headerLen]

	plain, err := crypto.GCMDecrypt(nonce, header, sealed, key)
	if err != nil {
		return nil, 0, err
	}
	payload, returnCode := splitReturnCode(plain)

	return &Frame{Sequence: seq, Command: cmd, Payload: payload, ReturnCode: returnCode}, total, nil
}

// DeriveGCMNonce builds the 12-byte IV for a 3.5 frame from the session's
// monotonically increasing IV counter.
func DeriveGCMNonce(counter uint64) []byte {
	nonce := make([]byte, 12)
	binary.BigEndian.PutUint64(nonce[4:], counter)
	return nonce
}
