package device

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gotuya/tuyalan/pkg/codec"
	"github.com/gotuya/tuyalan/pkg/dispatch"
	"github.com/gotuya/tuyalan/pkg/tuyaerr"
)

// Handle is the caller-facing surface for one device. Multiple Handles may
// share one Worker; the Registry is what arranges that sharing.
type Handle struct {
	worker         *Worker
	nowaitOverride *bool
}

// NewHandle wraps worker. Callers normally get a Handle from the registry,
// not directly.
func NewHandle(w *Worker) *Handle {
	return &Handle{worker: w}
}

// SetNowait overrides the worker's default dispatch semantics for
// requests issued through this handle.
func (h *Handle) SetNowait(nowait bool) {
	h.nowaitOverride = &nowait
}

func (h *Handle) nowait() bool {
	if h.nowaitOverride != nil {
		return *h.nowaitOverride
	}
	return h.worker.cfg.Nowait
}

// Status queries the device's full DP state.
func (h *Handle) Status(ctx context.Context) (string, error) {
	return h.request(ctx, codec.CmdDpQuery, nil, "")
}

// SetValue sets a single data point.
func (h *Handle) SetValue(ctx context.Context, dpID string, value interface{}) (string, error) {
	payload, err := json.Marshal(map[string]interface{}{dpID: value})
	if err != nil {
		return "", tuyaerr.Wrap(tuyaerr.InvalidConfig, err, "marshal dp value")
	}
	return h.request(ctx, codec.CmdDpControl, payload, "")
}

// SetDps sets multiple data points in one command.
func (h *Handle) SetDps(ctx context.Context, dps map[string]interface{}) (string, error) {
	payload, err := json.Marshal(dps)
	if err != nil {
		return "", tuyaerr.Wrap(tuyaerr.InvalidConfig, err, "marshal dps")
	}
	return h.request(ctx, codec.CmdDpControl, payload, "")
}

// Request issues an arbitrary command. data may be nil; otherwise it is
// parsed as a JSON object and sent as the "dps" field of the command
// payload. data that is not a JSON object is dropped.
func (h *Handle) Request(ctx context.Context, command uint32, data []byte) (string, error) {
	return h.request(ctx, command, data, "")
}

// Sub returns a handle scoped to the sub-device identified by cid. The
// worker performs no sub-device bookkeeping of its own — every command
// issued through the SubHandle simply carries cid.
func (h *Handle) Sub(cid string) *SubHandle {
	return &SubHandle{handle: h, cid: cid}
}

// SubDiscover asks the gateway for its attached sub-devices. The response
// schema is gateway-firmware-specific and is returned opaque.
func (h *Handle) SubDiscover(ctx context.Context) (string, error) {
	return h.request(ctx, codec.CmdSubDevList, nil, "")
}

// Listener subscribes to every inbound frame the worker observes,
// including spontaneous device-initiated pushes and synthesized Offline
// events.
func (h *Handle) Listener() *dispatch.Subscription {
	return h.worker.Bus().Subscribe()
}

func (h *Handle) request(ctx context.Context, command uint32, payload []byte, cid string) (string, error) {
	deadline := time.Now().Add(h.worker.cfg.Timeout)
	req := dispatch.NewRequest(command, payload, cid, h.nowait(), deadline)

	if err := h.worker.Queue().Submit(req); err != nil {
		return "", err
	}

	if req.Nowait {
		select {
		case <-req.Ack:
			return "", nil
		case c := <-req.Result:
			return "", c.Err
		case <-ctx.Done():
			return "", tuyaerr.New(tuyaerr.Cancelled, "request cancelled before dispatch")
		}
	}

	select {
	case c := <-req.Result:
		if c.Err != nil {
			return "", c.Err
		}
		if c.Frame == nil {
			return "", nil
		}
		return string(c.Frame.Payload), nil
	case <-ctx.Done():
		return "", tuyaerr.New(tuyaerr.Cancelled, "request cancelled while waiting for response")
	}
}

// SubHandle is a thin wrapper that prefills cid on every request issued
// through the parent Handle's worker.
type SubHandle struct {
	handle *Handle
	cid    string
}

func (s *SubHandle) Status(ctx context.Context) (string, error) {
	return s.handle.request(ctx, codec.CmdSubDpQuery, nil, s.cid)
}

func (s *SubHandle) SetValue(ctx context.Context, dpID string, value interface{}) (string, error) {
	payload, err := json.Marshal(map[string]interface{}{dpID: value})
	if err != nil {
		return "", tuyaerr.Wrap(tuyaerr.InvalidConfig, err, "marshal dp value")
	}
	return s.handle.request(ctx, codec.CmdDpControl, payload, s.cid)
}

func (s *SubHandle) SetDps(ctx context.Context, dps map[string]interface{}) (string, error) {
	payload, err := json.Marshal(dps)
	if err != nil {
		return "", tuyaerr.Wrap(tuyaerr.InvalidConfig, err, "marshal dps")
	}
	return s.handle.request(ctx, codec.CmdDpControl, payload, s.cid)
}

func (s *SubHandle) Request(ctx context.Context, command uint32, data []byte) (string, error) {
	return s.handle.request(ctx, command, data, s.cid)
}
