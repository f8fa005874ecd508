// Package transport opens and serializes access to the raw TCP socket a
// DeviceWorker speaks the Tuya LAN protocol over. It applies no framing of
// its own — it hands the codec a growing byte buffer and lets it decide
// when a frame is complete.
package transport

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/gotuya/tuyalan/pkg/tuyaerr"
)

const devicePort = 6668

// Conn wraps a single TCP connection to a device. Reads are buffered and
// fed to the codec a chunk at a time; writes are serialized because only
// the owning worker ever calls Write.
type Conn struct {
	nc     net.Conn
	reader *bufio.Reader
	buf    []byte

	mu sync.Mutex
}

// Dial connects to address:6668 with the given connect timeout.
func Dial(ctx context.Context, address string, timeout time.Duration) (*Conn, error) {
	dialer := net.Dialer{Timeout: timeout}
	nc, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(address, portString()))
	if err != nil {
		return nil, tuyaerr.Wrap(tuyaerr.ConnectionFailed, err, "dial device")
	}
	return &Conn{nc: nc, reader: bufio.NewReaderSize(nc, 4096)}, nil
}

func portString() string {
	return "6668"
}

// Write serializes frame to the socket. ctx's deadline, if any, becomes the
// write deadline.
func (c *Conn) Write(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = c.nc.SetWriteDeadline(dl)
	} else {
		_ = c.nc.SetWriteDeadline(time.Time{})
	}
	if _, err := c.nc.Write(frame); err != nil {
		return tuyaerr.Wrap(tuyaerr.ConnectionFailed, err, "write frame")
	}
	return nil
}

// ReadFrame blocks until some bytes have arrived and returns them, behind
// any bytes previously handed back via Unread, for the codec to parse. The
// result need not hold a complete frame. Callers that only consumed part
// of the buffer should retain the remainder via Unread before the next
// call.
func (c *Conn) ReadFrame(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.nc.SetReadDeadline(dl)
	} else {
		_ = c.nc.SetReadDeadline(time.Time{})
	}

	chunk := make([]byte, 4096)
	n, err := c.reader.Read(chunk)
	if err != nil {
		return nil, tuyaerr.Wrap(tuyaerr.ConnectionFailed, err, "read frame")
	}
	c.buf = append(c.buf, chunk[:n]...)
	out := c.buf
	c.buf = nil
	return out, nil
}

// Unread returns unconsumed bytes to the front of the internal buffer so
// they are prepended to the next ReadFrame result — used when the codec
// reports a partial frame.
func (c *Conn) Unread(remainder []byte) {
	if len(remainder) == 0 {
		return
	}
	c.buf = append(append([]byte{}, remainder...), c.buf...)
}

// Close closes the underlying socket. Safe to call more than once.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// RemoteAddr returns the peer address, used for logging.
func (c *Conn) RemoteAddr() string {
	return c.nc.RemoteAddr().String()
}
