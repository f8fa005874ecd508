package device

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/gotuya/tuyalan/pkg/codec"
	"github.com/gotuya/tuyalan/pkg/dispatch"
	"github.com/gotuya/tuyalan/pkg/session"
	"github.com/gotuya/tuyalan/pkg/transport"
	"github.com/gotuya/tuyalan/pkg/tuyaerr"

	"github.com/gotuya/tuyalan/internal/telemetry"
)

// Resolver discovers a device's current LAN address, satisfied by
// pkg/scanner. It exists so the worker does not import the scanner
// package directly, avoiding an import cycle with the registry.
type Resolver interface {
	Discover(ctx context.Context, id string, timeout time.Duration) (ip string, found bool)
}

type controlKind int

const (
	ctrlShutdown controlKind = iota
	ctrlReconfigure
)

type controlMsg struct {
	kind controlKind
	cfg  Config
	ack  chan struct{}
}

// Worker owns one TCP session to one device. It is never touched
// concurrently except through its channels — queue.Submit, Subscribe, and
// control — all of which are safe for concurrent use.
type Worker struct {
	id       string
	cfg      Config
	resolver Resolver
	log      *telemetry.Logger

	queue   *dispatch.Queue
	bus     *dispatch.Bus
	pending *dispatch.PendingMap
	control chan controlMsg

	state State
	conn  *transport.Conn
	sess  *session.State

	attempt      int
	probeIdx     int // index into codec.AutoProbeOrder while version=Auto
	rng          *rand.Rand
	missedBeats  int
	lastActivity time.Time

	// deferred holds wait-for-response requests pulled off the queue
	// while offline; they are dispatched in order as soon as the worker
	// reaches Online.
	deferred []*dispatch.Request

	closed chan struct{}
}

// NewWorker constructs a worker in StateInit. Callers must call Run in a
// goroutine to start its event loop.
func NewWorker(cfg Config, resolver Resolver, queueDepth int) *Worker {
	cfg = cfg.WithDefaults()
	return &Worker{
		id:       cfg.ID,
		cfg:      cfg,
		resolver: resolver,
		log:      telemetry.Get().WithDevice(cfg.ID),
		queue:    dispatch.NewQueue(queueDepth),
		bus:      dispatch.NewBus(),
		pending:  dispatch.NewPendingMap(),
		control:  make(chan controlMsg, 4),
		state:    StateInit,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		closed:   make(chan struct{}),
	}
}

// Queue exposes the outbound command queue to DeviceHandle.
func (w *Worker) Queue() *dispatch.Queue { return w.queue }

// Bus exposes the broadcast bus to DeviceHandle.
func (w *Worker) Bus() *dispatch.Bus { return w.bus }

// Closed reports when the worker has fully shut down.
func (w *Worker) Closed() <-chan struct{} { return w.closed }

// Shutdown requests termination and blocks until the worker has stopped.
func (w *Worker) Shutdown(ctx context.Context) {
	ack := make(chan struct{})
	select {
	case w.control <- controlMsg{kind: ctrlShutdown, ack: ack}:
	case <-w.closed:
		return
	}
	select {
	case <-ack:
	case <-ctx.Done():
	}
}

// Reconfigure pushes a new configuration; a changed address/key/version
// closes the current session and reconnects. In-flight requests fail with
// Cancelled (see DESIGN.md's reconfiguration decision).
func (w *Worker) Reconfigure(ctx context.Context, cfg Config) {
	ack := make(chan struct{})
	select {
	case w.control <- controlMsg{kind: ctrlReconfigure, cfg: cfg.WithDefaults(), ack: ack}:
	case <-w.closed:
		return
	}
	select {
	case <-ack:
	case <-ctx.Done():
	}
}

// Run is the worker's event loop. It returns once the worker reaches
// Closed.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.closed)
	defer w.pending.Stop()
	defer w.bus.Close()

	for {
		switch w.state {
		case StateClosed:
			return
		case StateInit:
			if w.cfg.Address == AddressAuto {
				w.state = StateResolving
			} else {
				w.state = StateConnecting
			}
		case StateResolving:
			w.doResolve(ctx)
		case StateConnecting:
			w.doConnect(ctx)
		case StateHandshaking:
			w.doHandshake(ctx)
		case StateOnline:
			w.serveOnline(ctx)
		case StateBackoff:
			w.doBackoff(ctx)
		}
	}
}

func (w *Worker) doResolve(ctx context.Context) {
	if w.resolver == nil {
		w.log.Warn("no resolver configured for auto address", nil)
		w.state = StateBackoff
		return
	}
	ip, found := w.resolver.Discover(ctx, w.id, w.cfg.Timeout)
	if !found {
		w.state = StateBackoff
		return
	}
	w.cfg.Address = ip
	w.state = StateConnecting
}

func (w *Worker) doConnect(ctx context.Context) {
	if ctrl, ok := w.drainControl(); ok {
		w.handleControl(ctrl)
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	conn, err := transport.Dial(dialCtx, w.cfg.Address, w.cfg.Timeout)
	if err != nil {
		w.log.Warn("connect failed", map[string]interface{}{"error": err.Error()})
		w.state = StateBackoff
		return
	}
	w.conn = conn
	w.state = StateHandshaking
}

func (w *Worker) doHandshake(ctx context.Context) {
	version := w.cfg.Version
	devType := codec.ResolveDevType(w.cfg.DevType, w.id)
	if version == codec.VersionAuto {
		version, devType = w.currentProbeVersion()
	}

	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	sess, err := session.Negotiate(hsCtx, w.conn, version, devType, w.cfg.LocalKey)
	if err != nil {
		w.log.Warn("handshake failed", map[string]interface{}{"error": err.Error(), "version": string(version)})
		w.closeConn()
		if w.cfg.Version == codec.VersionAuto {
			w.advanceProbe()
		}
		w.state = StateBackoff
		return
	}

	w.sess = sess
	w.attempt = 0
	w.missedBeats = 0
	w.lastActivity = time.Now()
	w.state = StateOnline
	w.log.Info("session online", map[string]interface{}{"version": string(version), "dev_type": string(devType)})
}

// serveOnline runs the four-way prioritized event loop: socket read,
// outbound command, keepalive timer, control — in that priority order.
func (w *Worker) serveOnline(ctx context.Context) {
	for len(w.deferred) > 0 {
		req := w.deferred[0]
		w.deferred = w.deferred[1:]
		w.dispatchRequest(req)
	}

	readCh := make(chan readResult, 1)
	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()
	go w.readLoop(readCtx, readCh)

	keepalive := time.NewTimer(keepaliveInterval)
	defer keepalive.Stop()

	for {
		// Priority 1: socket read.
		select {
		case rr := <-readCh:
			if !w.handleRead(rr) {
				return
			}
			continue
		default:
		}

		// Priority 2: outbound command.
		select {
		case req := <-w.queue.Receive():
			w.dispatchRequest(req)
			keepalive.Reset(keepaliveInterval)
			continue
		default:
		}

		// Priority 3: keepalive timer.
		select {
		case <-keepalive.C:
			if !w.sendHeartbeat() {
				return
			}
			keepalive.Reset(keepaliveInterval)
			continue
		default:
		}

		// Priority 4: whichever of the above (plus control) is ready
		// first; blocks when nothing is pending.
		select {
		case rr := <-readCh:
			if !w.handleRead(rr) {
				return
			}
		case req := <-w.queue.Receive():
			w.dispatchRequest(req)
			keepalive.Reset(keepaliveInterval)
		case <-keepalive.C:
			if !w.sendHeartbeat() {
				return
			}
			keepalive.Reset(keepaliveInterval)
		case ctrl := <-w.control:
			if w.handleControl(ctrl) {
				return
			}
		case <-ctx.Done():
			w.demote(tuyaerr.New(tuyaerr.Cancelled, "context cancelled"))
			return
		}
	}
}

type readResult struct {
	frame *codec.Frame
	err   error
}

func (w *Worker) readLoop(ctx context.Context, out chan<- readResult) {
	devType := w.sess.DevType
	for {
		raw, err := w.conn.ReadFrame(ctx)
		if err != nil {
			select {
			case out <- readResult{err: err}:
			case <-ctx.Done():
			}
			return
		}

		for {
			frame, n, decErr := codec.Decode(raw, w.sess.Version, devType, w.sess.Key)
			if decErr != nil {
				select {
				case out <- readResult{err: decErr}:
				case <-ctx.Done():
				}
				return
			}
			if frame == nil {
				w.conn.Unread(raw)
				break
			}
			select {
			case out <- readResult{frame: frame}:
			case <-ctx.Done():
				return
			}
			raw = raw[n:]
			if len(raw) == 0 {
				break
			}
		}
	}
}

// handleRead processes one inbound frame or read error. Returns false if
// the worker demoted out of Online.
func (w *Worker) handleRead(rr readResult) bool {
	if rr.err != nil {
		w.log.Warn("read failed", map[string]interface{}{"error": rr.err.Error()})
		if w.cfg.Version == codec.VersionAuto {
			// A frame that fails to decode means the probed version is
			// wrong: reconnect with the next step of codec.AutoProbeOrder.
			if kind, ok := tuyaerr.Of(rr.err); ok && (kind == tuyaerr.Codec || kind == tuyaerr.Crypto) {
				w.advanceProbe()
			}
		}
		w.demote(tuyaerr.Wrap(tuyaerr.ConnectionFailed, rr.err, "connection lost"))
		return false
	}

	w.lastActivity = time.Now()
	w.missedBeats = 0
	w.sess.RecvSeq = rr.frame.Sequence

	w.pending.Complete(rr.frame.Sequence, rr.frame)
	w.bus.Publish(rr.frame)
	return true
}

func (w *Worker) dispatchRequest(req *dispatch.Request) {
	if time.Now().After(req.Deadline) {
		req.Result <- dispatch.Completion{Err: tuyaerr.New(tuyaerr.Timeout, "deadline elapsed before dispatch")}
		return
	}

	seq := w.sess.NextSequence()
	payload, err := session.EncodeCommand(decodeDps(req.Payload), req.CID)
	if err != nil {
		req.Result <- dispatch.Completion{Err: tuyaerr.Wrap(tuyaerr.Codec, err, "encode command payload")}
		return
	}

	frame := &codec.Frame{Sequence: seq, Command: req.Command, Payload: payload}
	devType := w.sess.DevType

	var nonce []byte
	if w.sess.Version == codec.Version35 {
		nonce = w.sess.NextNonce()
	}
	encoded, err := codec.Encode(frame, w.sess.Version, devType, w.sess.Key, nonce)
	if err != nil {
		req.Result <- dispatch.Completion{Err: tuyaerr.Wrap(tuyaerr.Codec, err, "encode frame")}
		return
	}

	writeCtx, cancel := context.WithDeadline(context.Background(), req.Deadline)
	defer cancel()
	if err := w.conn.Write(writeCtx, encoded); err != nil {
		req.Result <- dispatch.Completion{Err: tuyaerr.Wrap(tuyaerr.ConnectionFailed, err, "write frame")}
		w.demote(tuyaerr.Wrap(tuyaerr.ConnectionFailed, err, "write failed"))
		return
	}
	close(req.Ack)

	if req.Nowait {
		req.Result <- dispatch.Completion{}
		return
	}
	pr := dispatch.NewPendingRequest(seq, req.Command, req.Deadline)
	w.pending.Add(pr)
	// The pending map completes pr with Timeout at req.Deadline, so the
	// wait needs no context of its own (writeCtx ends when this returns).
	go func() {
		c := pr.Wait(context.Background())
		req.Result <- c
	}()
}

func decodeDps(payload []byte) map[string]interface{} {
	if len(payload) == 0 {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil
	}
	return m
}

func (w *Worker) sendHeartbeat() bool {
	if time.Since(w.lastActivity) < keepaliveInterval {
		return true
	}
	if time.Since(w.lastActivity) > missedHeartbeatWindow {
		w.missedBeats++
	}
	if w.missedBeats >= maxMissedHeartbeats {
		w.demote(tuyaerr.New(tuyaerr.ConnectionFailed, "missed heartbeats"))
		return false
	}

	seq := w.sess.NextSequence()
	frame := &codec.Frame{Sequence: seq, Command: codec.CmdHeartBeat}
	devType := w.sess.DevType
	var nonce []byte
	if w.sess.Version == codec.Version35 {
		nonce = w.sess.NextNonce()
	}
	encoded, err := codec.Encode(frame, w.sess.Version, devType, w.sess.Key, nonce)
	if err != nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout)
	defer cancel()
	if err := w.conn.Write(ctx, encoded); err != nil {
		w.demote(tuyaerr.Wrap(tuyaerr.ConnectionFailed, err, "heartbeat write failed"))
		return false
	}
	return true
}

// demote drops the socket, fails in-flight requests, publishes a
// synthesized Offline event for nowait listeners, and returns to Backoff.
func (w *Worker) demote(cause error) {
	w.closeConn()
	w.pending.FailAll(cause)
	seq := uint32(0)
	if w.sess != nil {
		seq = w.sess.SendSeq
	}
	w.bus.Publish(codec.SynthesizeOffline(seq))
	w.state = StateBackoff
}

func (w *Worker) closeConn() {
	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
	}
}

func (w *Worker) doBackoff(ctx context.Context) {
	delay := nextBackoff(w.attempt, w.rng)
	w.attempt++

	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			w.state = StateConnecting
			return
		case req := <-w.queue.Receive():
			w.handleOfflineRequest(req)
		case ctrl := <-w.control:
			if w.handleControl(ctrl) {
				w.state = StateClosed
			}
			return
		case <-ctx.Done():
			w.state = StateClosed
			return
		}
	}
}

// handleOfflineRequest handles a request pulled off the queue while the
// worker is in Backoff: a nowait request completes as soon as it would
// have been dispatched, and the
// caller learns of the outage through a synthesized Offline frame on the
// bus instead. A wait-for-response request is deferred until the worker
// reaches Online.
func (w *Worker) handleOfflineRequest(req *dispatch.Request) {
	if time.Now().After(req.Deadline) {
		req.Result <- dispatch.Completion{Err: tuyaerr.New(tuyaerr.Timeout, "deadline elapsed while offline")}
		return
	}

	if !req.Nowait {
		w.deferred = append(w.deferred, req)
		return
	}

	close(req.Ack)
	req.Result <- dispatch.Completion{}

	seq := uint32(0)
	if w.sess != nil {
		seq = w.sess.SendSeq
	}
	w.bus.Publish(codec.SynthesizeOffline(seq))
}

// drainControl does a non-blocking check for a pending control message,
// used at points where Run would otherwise block on I/O with no select.
func (w *Worker) drainControl() (controlMsg, bool) {
	select {
	case ctrl := <-w.control:
		return ctrl, true
	default:
		return controlMsg{}, false
	}
}

// handleControl applies a control message. Returns true if the worker
// should terminate.
func (w *Worker) handleControl(ctrl controlMsg) bool {
	defer close(ctrl.ack)

	switch ctrl.kind {
	case ctrlShutdown:
		w.closeConn()
		w.pending.FailAll(tuyaerr.New(tuyaerr.Cancelled, "worker shutdown"))
		w.state = StateClosed
		return true
	case ctrlReconfigure:
		changed := !w.cfg.Equal(ctrl.cfg)
		w.cfg = ctrl.cfg
		if changed {
			w.closeConn()
			w.pending.FailAll(tuyaerr.New(tuyaerr.Cancelled, "reconfigured"))
			w.probeIdx = 0
			w.attempt = 0
			if w.cfg.Address == AddressAuto {
				w.state = StateResolving
			} else {
				w.state = StateConnecting
			}
		}
		return false
	default:
		return false
	}
}

// currentProbeVersion returns the (version, devType) pair to try next
// while auto-detecting: the initial guess is 3.3 with devType resolved
// normally, then codec.AutoProbeOrder's steps in turn. A step's DevType
// only overrides the configured one when the caller left DevType on Auto
// too — an explicitly pinned devType is never second-guessed by probing.
func (w *Worker) currentProbeVersion() (codec.Version, codec.DevType) {
	if w.probeIdx == 0 {
		return codec.Version33, codec.ResolveDevType(w.cfg.DevType, w.id)
	}
	idx := w.probeIdx - 1
	if idx >= len(codec.AutoProbeOrder) {
		idx = len(codec.AutoProbeOrder) - 1
	}
	step := codec.AutoProbeOrder[idx]
	devType := step.DevType
	if w.cfg.DevType != codec.DevTypeAuto {
		devType = codec.ResolveDevType(w.cfg.DevType, w.id)
	}
	return step.Version, devType
}

func (w *Worker) advanceProbe() {
	w.probeIdx++
}
