// Package session implements the version-specific handshake that turns a
// freshly connected TCP socket into a keyed, ready-to-dispatch session.
// For 3.1/3.3 there is no negotiation: the session key is
// the device's local key. For 3.4/3.5 a nonce challenge-response derives a
// fresh session key per connection.
package session

import (
	"context"
	"encoding/json"

	"github.com/gotuya/tuyalan/pkg/codec"
	"github.com/gotuya/tuyalan/pkg/crypto"
	"github.com/gotuya/tuyalan/pkg/tuyaerr"
)

// Conn is the minimal transport the handshake needs: write a fully framed
// message and read the next one. pkg/transport satisfies this.
type Conn interface {
	Write(ctx context.Context, frame []byte) error
	ReadFrame(ctx context.Context) ([]byte, error)
}

// State is the negotiated session produced by Negotiate, handed to the
// worker for the lifetime of one TCP connection.
type State struct {
	Version   codec.Version
	DevType   codec.DevType
	Key       []byte // session key: local_key for 3.1/3.3, derived for 3.4/3.5
	SendSeq   uint32
	RecvSeq   uint32
	IVCounter uint64 // 3.5 only
}

// NextSequence returns the next outbound sequence number and advances the
// counter.
func (s *State) NextSequence() uint32 {
	s.SendSeq++
	return s.SendSeq
}

// NextNonce returns the next 3.5 GCM nonce and advances the IV counter. It
// does not check Version; callers only call it for 3.5 sessions.
func (s *State) NextNonce() []byte {
	s.IVCounter++
	return codec.DeriveGCMNonce(s.IVCounter)
}

type negotiateResp struct {
	RemoteNonce [16]byte
	RemoteHMAC  [32]byte
}

// Negotiate performs the handshake for version over conn and returns the
// resulting State. For 3.1/3.3 it does no I/O. For 3.4/3.5 it runs the
// nonce challenge-response; ctx should carry the handshake deadline.
func Negotiate(ctx context.Context, conn Conn, version codec.Version, devType codec.DevType, localKey []byte) (*State, error) {
	switch version {
	case codec.Version31, codec.Version33:
		return &State{Version: version, DevType: devType, Key: localKey}, nil
	case codec.Version34, codec.Version35:
		return negotiateSecure(ctx, conn, version, devType, localKey)
	default:
		return nil, tuyaerr.New(tuyaerr.InvalidConfig, "cannot negotiate unresolved version "+string(version))
	}
}

func negotiateSecure(ctx context.Context, conn Conn, version codec.Version, devType codec.DevType, localKey []byte) (*State, error) {
	localNonce, err := crypto.RandomBytes(16)
	if err != nil {
		return nil, err
	}

	negotiatePayload, err := crypto.ECBEncryptNoPad(localNonce, localKey)
	if err != nil {
		return nil, err
	}

	state := &State{Version: version, DevType: devType, Key: localKey}
	seq := state.NextSequence()

	negotiateFrame := &codec.Frame{Sequence: seq, Command: codec.CmdSessNegotiate, Payload: negotiatePayload}
	if err := writeHandshakeFrame(ctx, conn, negotiateFrame, localKey); err != nil {
		return nil, tuyaerr.Wrap(tuyaerr.HandshakeFailed, err, "send SessNegotiate")
	}

	resp, err := readHandshakeFrame(ctx, conn, localKey, state)
	if err != nil {
		return nil, tuyaerr.Wrap(tuyaerr.HandshakeFailed, err, "read SessNegotiateResp")
	}
	if resp.Command != codec.CmdSessNegotiateResp {
		return nil, tuyaerr.New(tuyaerr.HandshakeFailed, "unexpected command in handshake response")
	}
	if len(resp.Payload) != 48 {
		return nil, tuyaerr.New(tuyaerr.HandshakeFailed, "SessNegotiateResp payload has wrong length")
	}

	remoteNonce := resp.Payload[:16]
	gotHMAC := resp.Payload[16:48]
	if !crypto.VerifyHMACSHA256(localKey, localNonce, gotHMAC) {
		return nil, tuyaerr.New(tuyaerr.HandshakeFailed, "remote HMAC verification failed")
	}

	finishTag := crypto.HMACSHA256(localKey, remoteNonce)
	finishPayload, err := crypto.ECBEncryptNoPad(finishTag, localKey)
	if err != nil {
		return nil, err
	}
	finishFrame := &codec.Frame{Sequence: state.NextSequence(), Command: codec.CmdSessKeyNegFinish, Payload: finishPayload}
	if err := writeHandshakeFrame(ctx, conn, finishFrame, localKey); err != nil {
		return nil, tuyaerr.Wrap(tuyaerr.HandshakeFailed, err, "send SessKeyNegFinish")
	}

	keySeed := crypto.XORBytes(localNonce, remoteNonce)
	sessionKey, err := crypto.ECBEncryptNoPad(keySeed, localKey)
	if err != nil {
		return nil, err
	}
	state.Key = sessionKey
	return state, nil
}

// writeHandshakeFrame sends f using the 3.4-style HMAC envelope, which the
// 3.5 handshake reuses verbatim (GCM only applies once the session is
// established). f.Payload already carries whatever the session layer
// computed for this message — codec.Encode is not involved, since it
// would AES-encrypt that payload a second time.
func writeHandshakeFrame(ctx context.Context, conn Conn, f *codec.Frame, localKey []byte) error {
	encoded, err := codec.EncodeHandshakeFrame(f, localKey)
	if err != nil {
		return err
	}
	return conn.Write(ctx, encoded)
}

func readHandshakeFrame(ctx context.Context, conn Conn, localKey []byte, state *State) (*codec.Frame, error) {
	raw, err := conn.ReadFrame(ctx)
	if err != nil {
		return nil, err
	}
	frame, _, err := codec.DecodeHandshakeFrame(raw, localKey)
	if err != nil {
		return nil, err
	}
	if frame == nil {
		return nil, tuyaerr.New(tuyaerr.HandshakeFailed, "incomplete handshake frame")
	}
	state.RecvSeq = frame.Sequence
	return frame, nil
}

// EncodeCommand is a convenience used by the worker to build an outbound
// request frame's JSON payload, embedding cid when present.
func EncodeCommand(dps map[string]interface{}, cid string) ([]byte, error) {
	body := map[string]interface{}{}
	if dps != nil {
		body["dps"] = dps
	}
	if cid != "" {
		body["cid"] = cid
	}
	return json.Marshal(body)
}
