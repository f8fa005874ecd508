// Package device implements the per-device connection worker — the state
// machine that owns one TCP session to a Tuya device, serializes outbound
// commands, parses inbound frames, runs keepalive, and reconnects with
// backoff.
package device

import (
	"time"

	"github.com/gotuya/tuyalan/pkg/codec"
)

// AddressAuto requests discovery via the scanner instead of a fixed IP.
const AddressAuto = "auto"

const (
	defaultTimeout        = 10 * time.Second
	handshakeTimeout      = 5 * time.Second
	keepaliveInterval     = 10 * time.Second
	missedHeartbeatWindow = 25 * time.Second
	maxMissedHeartbeats   = 2
)

// Config is the immutable per-connection configuration of one worker.
type Config struct {
	ID       string
	Address  string // IP string, or AddressAuto
	LocalKey []byte
	Version  codec.Version
	DevType  codec.DevType
	Persist  bool
	Timeout  time.Duration
	Nowait   bool
}

// WithDefaults fills zero fields with their documented defaults.
func (c Config) WithDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.Version == "" {
		c.Version = codec.VersionAuto
	}
	if c.DevType == "" {
		c.DevType = codec.DevTypeAuto
	}
	if c.Address == "" {
		c.Address = AddressAuto
	}
	return c
}

// Equal compares two configs field-by-field, used by the registry's
// get_or_create to decide reuse vs reconfigure.
func (c Config) Equal(o Config) bool {
	if c.ID != o.ID || c.Address != o.Address || c.Version != o.Version ||
		c.DevType != o.DevType || c.Persist != o.Persist ||
		c.Timeout != o.Timeout || c.Nowait != o.Nowait {
		return false
	}
	if len(c.LocalKey) != len(o.LocalKey) {
		return false
	}
	for i := range c.LocalKey {
		if c.LocalKey[i] != o.LocalKey[i] {
			return false
		}
	}
	return true
}

// State is one of the DeviceWorker's finite states.
type State int

const (
	StateInit State = iota
	StateResolving
	StateConnecting
	StateHandshaking
	StateOnline
	StateBackoff
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateResolving:
		return "resolving"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateOnline:
		return "online"
	case StateBackoff:
		return "backoff"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
