package device

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotuya/tuyalan/pkg/codec"
)

// These tests bind the real device port (6668) with a mock peer acting as
// the device side of the handshake. They are skipped if the port is
// already taken by something else on the machine running the tests.

func listenDevicePort(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:6668")
	if err != nil {
		t.Skipf("device port 6668 unavailable: %v", err)
	}
	return ln
}

// TestWorkerRoundTrip33 is scenario S1: a DpControl request resolves with
// the mock's DpPush reply.
func TestWorkerRoundTrip33(t *testing.T) {
	key := make([]byte, 16)
	ln := listenDevicePort(t)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 4096)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		f, _, err := codec.DecodeLegacy(buf[:n], codec.Version33, codec.DevTypeDefault, key)
		if err != nil || f == nil {
			return
		}

		rc := uint32(0)
		resp := &codec.Frame{Sequence: f.Sequence, Command: codec.CmdDpPush, Payload: []byte(`{"dps":{"1":true}}`), ReturnCode: &rc}
		encoded, err := codec.EncodeLegacy(resp, codec.Version33, codec.DevTypeDefault, key)
		if err != nil {
			return
		}
		_, _ = conn.Write(encoded)
	}()

	cfg := Config{ID: "dev1", Address: "127.0.0.1", LocalKey: key, Version: codec.Version33, Timeout: 2 * time.Second}
	w := NewWorker(cfg, nil, 0)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(runCtx)
	defer w.Shutdown(context.Background())

	h := NewHandle(w)
	reqCtx, reqCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer reqCancel()

	resp, err := h.SetValue(reqCtx, "1", true)
	require.NoError(t, err)
	assert.Contains(t, resp, `"dps"`)
}

// TestWorkerNowaitOffline is scenario S5: a nowait request against a
// worker that cannot connect completes immediately, and the listener
// observes a synthesized Offline frame.
func TestWorkerNowaitOffline(t *testing.T) {
	cfg := Config{ID: "dev2", Address: "127.0.0.1", LocalKey: make([]byte, 16), Version: codec.Version33, Timeout: 50 * time.Millisecond}
	w := NewWorker(cfg, nil, 0)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(runCtx)
	defer w.Shutdown(context.Background())

	h := NewHandle(w)
	h.SetNowait(true)
	sub := h.Listener()
	defer sub.Unsubscribe()

	reqCtx, reqCancel := context.WithTimeout(context.Background(), time.Second)
	defer reqCancel()
	_, err := h.SetValue(reqCtx, "1", true)
	require.NoError(t, err)

	select {
	case ev := <-sub.Events():
		require.NotNil(t, ev.Frame)
		assert.True(t, ev.Frame.IsSynthesizedOffline())
	case <-time.After(time.Second):
		t.Fatal("expected synthesized Offline event")
	}
}

func TestCurrentProbeVersionStepsThroughDevice22(t *testing.T) {
	cfg := Config{ID: "dev3", LocalKey: make([]byte, 16), Version: codec.VersionAuto, DevType: codec.DevTypeAuto}
	w := NewWorker(cfg, nil, 0)

	v, dt := w.currentProbeVersion()
	assert.Equal(t, codec.Version33, v)
	assert.Equal(t, codec.DevTypeDefault, dt)

	for _, want := range codec.AutoProbeOrder {
		w.advanceProbe()
		v, dt := w.currentProbeVersion()
		assert.Equal(t, want.Version, v)
		assert.Equal(t, want.DevType, dt)
	}
}

func TestCurrentProbeVersionKeepsExplicitDevType(t *testing.T) {
	cfg := Config{ID: "dev4", LocalKey: make([]byte, 16), Version: codec.VersionAuto, DevType: codec.DevTypeDefault}
	w := NewWorker(cfg, nil, 0)

	for range codec.AutoProbeOrder {
		w.advanceProbe()
	}
	_, dt := w.currentProbeVersion()
	assert.Equal(t, codec.DevTypeDefault, dt, "an explicitly configured devType is never overridden by probing")
}

func TestHandleSubPrefillsCID(t *testing.T) {
	w := NewWorker(Config{ID: "gw1", LocalKey: make([]byte, 16)}, nil, 4)
	h := NewHandle(w)
	sub := h.Sub("child-1")
	assert.Equal(t, "child-1", sub.cid)
}
