// Package tuyalan is a local-network client library for Tuya smart
// devices: a TCP wire protocol client (versions 3.1, 3.3, 3.4, 3.5, and
// the device22 variant) and a UDP discovery scanner. It does not talk to
// Tuya's cloud, and it carries no opinion about DP semantics — payloads
// are opaque JSON.
package tuyalan

import (
	"context"

	"github.com/gotuya/tuyalan/pkg/codec"
	"github.com/gotuya/tuyalan/pkg/config"
	"github.com/gotuya/tuyalan/pkg/device"
	"github.com/gotuya/tuyalan/pkg/registry"
	"github.com/gotuya/tuyalan/pkg/scanner"

	"github.com/gotuya/tuyalan/internal/telemetry"
)

// DeviceConfig is the immutable per-connection configuration for one
// device.
type DeviceConfig = device.Config

// Handle is the caller-facing surface for one device.
type Handle = device.Handle

// SubHandle scopes a Handle's commands to a gateway's sub-device.
type SubHandle = device.SubHandle

// DiscoveryResult is one decoded UDP beacon.
type DiscoveryResult = scanner.DiscoveryResult

// Protocol versions, re-exported for callers building DeviceConfig values.
const (
	Version31   = codec.Version31
	Version33   = codec.Version33
	Version34   = codec.Version34
	Version35   = codec.Version35
	VersionAuto = codec.VersionAuto

	AddressAuto = device.AddressAuto
)

// Init prepares process-wide state: structured logging and the global
// device registry backed by a discovery scanner for address=Auto
// configurations. Call once at process startup.
func Init(telemetryCfg telemetry.Config, cfg *config.Config) error {
	if err := telemetry.Init(telemetryCfg); err != nil {
		return err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	s := scanner.New(cfg.Discovery.BindAddress)
	registry.Init(s, cfg.Dispatch.QueueDepth)
	return nil
}

// Shutdown terminates every worker created through the global registry.
func Shutdown() {
	registry.Shutdown()
}

// NewDevice obtains a handle for cfg.ID from the global registry, creating
// or reconfiguring its worker as needed.
func NewDevice(ctx context.Context, cfg DeviceConfig) (*Handle, error) {
	return registry.Get().GetOrCreate(ctx, cfg)
}

// ReleaseDevice drops the caller's reference to id's worker. The worker
// keeps running while other handles remain.
func ReleaseDevice(id string) {
	registry.Get().Remove(id)
}

// DeleteDevice forcibly terminates id's worker regardless of outstanding
// references.
func DeleteDevice(id string) {
	registry.Get().Delete(id)
}

// NewScanner creates an independent UDP discovery scanner bound to
// bindAddress.
func NewScanner(bindAddress string) *scanner.Scanner {
	return scanner.New(bindAddress)
}
