// Package scanner implements UDP discovery of Tuya devices broadcasting
// on the LAN. It is independent of pkg/device: it binds UDP sockets,
// decodes beacon payloads, and yields DiscoveryResults.
package scanner

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gotuya/tuyalan/pkg/crypto"
	"github.com/gotuya/tuyalan/pkg/tuyaerr"

	"github.com/gotuya/tuyalan/internal/telemetry"
)

const (
	portEncrypted = 6666
	portPlain     = 6667
	portDevice22  = 7000

	defaultScanTimeout = 18 * time.Second
)

// udpKey is the encrypted-beacon key, derived from the well-known string
// every LAN client uses.
var udpKey = crypto.MD5Sum([]byte("yGAdlopoPVldABfn"))[:16]

// device22Key is the fixed key the device22 UDP beacons (port 7000, AES-
// GCM) are sealed with. It is distinct from udpKey.
var device22Key = crypto.MD5Sum([]byte("complexabo0tic@keyforUdpV3.4"))[:16]

// DiscoveryResult is one decoded beacon.
type DiscoveryResult struct {
	ID        string
	IP        string
	Version   string
	ProductID string
	GwID      string
	Encrypted bool
}

type beaconPayload struct {
	IP         string `json:"ip"`
	GwID       string `json:"gwId"`
	Active     int    `json:"active"`
	Ability    int    `json:"ability"`
	Mode       int    `json:"mode"`
	Encrypt    bool   `json:"encrypt"`
	ProductKey string `json:"productKey"`
	Version    string `json:"version"`
}

// Scanner listens on the LAN discovery ports.
type Scanner struct {
	log         *telemetry.Logger
	bindAddress string
}

// New creates a scanner that binds to bindAddress (use "0.0.0.0" for all
// interfaces).
func New(bindAddress string) *Scanner {
	if bindAddress == "" {
		bindAddress = "0.0.0.0"
	}
	return &Scanner{log: telemetry.Get().WithComponent("scanner"), bindAddress: bindAddress}
}

// Scan collects beacons for timeout, deduplicating by id within this
// invocation, and returns them in arrival order.
func (s *Scanner) Scan(ctx context.Context, timeout time.Duration) ([]DiscoveryResult, error) {
	if timeout <= 0 {
		timeout = defaultScanTimeout
	}
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var results []DiscoveryResult
	for r := range s.ScanStream(scanCtx) {
		results = append(results, r)
	}
	return results, nil
}

// ScanStream yields beacons incrementally until ctx is done, deduplicating
// by id for the lifetime of the returned channel.
func (s *Scanner) ScanStream(ctx context.Context) <-chan DiscoveryResult {
	out := make(chan DiscoveryResult)

	// scanID tags every log line this invocation produces, so overlapping
	// Scan/ScanStream calls (e.g. one per NewDevice(AddressAuto) caller)
	// stay distinguishable in the logs.
	scanID := uuid.NewString()
	log := s.log.WithFields(map[string]interface{}{"scan_id": scanID})

	conns, err := s.listen()
	if err != nil {
		log.Error("failed to bind discovery sockets", err, nil)
		close(out)
		return out
	}

	go func() {
		defer close(out)
		defer closeAll(conns)

		var mu sync.Mutex
		seen := make(map[string]bool)
		results := make(chan DiscoveryResult)

		var wg sync.WaitGroup
		for _, c := range conns {
			wg.Add(1)
			go s.readLoop(ctx, c, results, &wg)
		}
		go func() {
			wg.Wait()
			close(results)
		}()

		for {
			select {
			case r, ok := <-results:
				if !ok {
					return
				}
				mu.Lock()
				dup := seen[r.ID]
				seen[r.ID] = true
				mu.Unlock()
				if dup {
					continue
				}
				select {
				case out <- r:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// Discover subscribes to the stream and returns the first beacon matching
// id, or found=false once timeout elapses.
func (s *Scanner) Discover(ctx context.Context, id string, timeout time.Duration) (ip string, found bool) {
	if timeout <= 0 {
		timeout = defaultScanTimeout
	}
	discoverCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for r := range s.ScanStream(discoverCtx) {
		if r.ID == id {
			return r.IP, true
		}
	}
	return "", false
}

type boundConn struct {
	conn *net.UDPConn
	port int
}

func (s *Scanner) listen() ([]boundConn, error) {
	var conns []boundConn
	for _, port := range []int{portEncrypted, portPlain, portDevice22} {
		addr := &net.UDPAddr{IP: net.ParseIP(s.bindAddress), Port: port}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			closeAll(conns)
			return nil, tuyaerr.Wrap(tuyaerr.ConnectionFailed, err, "bind discovery port")
		}
		conns = append(conns, boundConn{conn: conn, port: port})
	}
	return conns, nil
}

func closeAll(conns []boundConn) {
	for _, c := range conns {
		_ = c.conn.Close()
	}
}

func (s *Scanner) readLoop(ctx context.Context, bc boundConn, out chan<- DiscoveryResult, wg *sync.WaitGroup) {
	defer wg.Done()

	go func() {
		<-ctx.Done()
		_ = bc.conn.Close()
	}()

	buf := make([]byte, 2048)
	for {
		n, _, err := bc.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		result, ok := s.decodeBeacon(bc.port, buf[:n])
		if !ok {
			continue
		}
		select {
		case out <- result:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scanner) decodeBeacon(port int, raw []byte) (DiscoveryResult, bool) {
	var jsonBytes []byte
	encrypted := port != portPlain

	switch port {
	case portPlain:
		jsonBytes = raw
	case portEncrypted:
		plain, err := crypto.ECBDecrypt(raw, udpKey)
		if err != nil {
			s.log.Debug("failed to decrypt beacon", map[string]interface{}{"error": err.Error()})
			return DiscoveryResult{}, false
		}
		jsonBytes = plain
	case portDevice22:
		if len(raw) < 28 {
			return DiscoveryResult{}, false
		}
		nonce := raw[:12]
		sealed := raw[12:]
		plain, err := crypto.GCMDecrypt(nonce, nil, sealed, device22Key)
		if err != nil {
			s.log.Debug("failed to decrypt device22 beacon", map[string]interface{}{"error": err.Error()})
			return DiscoveryResult{}, false
		}
		jsonBytes = plain
	default:
		return DiscoveryResult{}, false
	}

	var p beaconPayload
	if err := json.Unmarshal(jsonBytes, &p); err != nil {
		return DiscoveryResult{}, false
	}

	return DiscoveryResult{
		ID:        p.GwID,
		IP:        p.IP,
		Version:   p.Version,
		ProductID: p.ProductKey,
		GwID:      p.GwID,
		Encrypted: encrypted,
	}, true
}
