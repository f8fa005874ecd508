// Package codec implements the Tuya LAN wire framing for protocol
// versions 3.1, 3.3, 3.4, 3.5, and the device22 payload variant.
// It is a pull parser: Decode consumes a byte buffer and
// either returns a Frame plus the number of bytes consumed, or reports
// that more data is needed, leaving the buffer untouched for the next
// read.
package codec

// Version identifies a negotiated (or still-being-probed) protocol
// version.
type Version string

const (
	Version31   Version = "3.1"
	Version33   Version = "3.3"
	Version34   Version = "3.4"
	Version35   Version = "3.5"
	VersionAuto Version = "auto"
)

// ProbeStep pairs a wire version with the device-type payload variant to
// try it under.
type ProbeStep struct {
	Version Version
	DevType DevType
}

// AutoProbeOrder is the sequence the worker steps through when
// version=Auto and the initial guess (3.3) fails to decode. device22 rides
// the 3.1 CRC-framed wire family with its own payload variant, not a
// distinct Version, so it appears here as a (Version31, DevTypeDevice22)
// step rather than a fifth Version constant.
var AutoProbeOrder = []ProbeStep{
	{Version: Version31, DevType: DevTypeDefault},
	{Version: Version34, DevType: DevTypeDefault},
	{Version: Version35, DevType: DevTypeDefault},
	{Version: Version31, DevType: DevTypeDevice22},
}

// DevType selects the payload variant for the 3.1/3.3 wire family.
type DevType string

const (
	DevTypeDefault  DevType = "default"
	DevTypeDevice22 DevType = "device22"
	DevTypeAuto     DevType = "auto"
)

// ResolveDevType resolves DevTypeAuto to DevTypeDevice22 when deviceID has
// the 22-character length Tuya assigns to device22 gateways, and to
// DevTypeDefault otherwise.
func ResolveDevType(dt DevType, deviceID string) DevType {
	if dt != DevTypeAuto {
		return dt
	}
	if len(deviceID) == 22 {
		return DevTypeDevice22
	}
	return DevTypeDefault
}

// Command codes for the frame header's cmd field.
const (
	CmdDpControl         uint32 = 0x07
	CmdDpRefresh         uint32 = 0x08
	CmdHeartBeat         uint32 = 0x09
	CmdDpQuery           uint32 = 0x0A
	CmdDpQueryNew        uint32 = 0x0D
	CmdSessNegotiate     uint32 = 0x0E
	CmdSessNegotiateResp uint32 = 0x10
	CmdDpPush            uint32 = 0x11
	CmdSessKeyNegFinish  uint32 = 0x12
	CmdUdpNew            uint32 = 0x13
	CmdSubDevList        uint32 = 0x15
	CmdSubDpQuery        uint32 = 0x22

	// cmdOffline is a command code never sent on the wire; the worker
	// uses it to tag a synthesized Offline event it publishes on the
	// broadcast bus.
	cmdOffline uint32 = 0
)

const (
	prefix uint32 = 0x000055AA
	suffix uint32 = 0x0000AA55

	headerLen       = 16 // prefix(4) + seq(4) + cmd(4) + length(4)
	crcTrailerLen   = 8  // crc32(4) + suffix(4)
	hmacTrailerLen  = 36 // hmac(32) + suffix(4)
)

// Frame is the logical message exchanged with a device, independent of
// wire encoding.
type Frame struct {
	Sequence   uint32
	Command    uint32
	Payload    []byte
	ReturnCode *uint32
	CID        string
}

// IsSynthesizedOffline reports whether this frame was manufactured by the
// worker (not received from the device) to signal a demotion to Backoff
// to nowait=true callers.
func (f *Frame) IsSynthesizedOffline() bool {
	return f != nil && f.Command == cmdOffline
}

// SynthesizeOffline builds the sentinel frame published on the broadcast
// bus when the worker demotes to Backoff while requests are outstanding.
func SynthesizeOffline(sequence uint32) *Frame {
	code := uint32(1)
	return &Frame{Sequence: sequence, Command: cmdOffline, ReturnCode: &code}
}
