package dispatch

import (
	"time"

	"github.com/gotuya/tuyalan/pkg/tuyaerr"
)

// DefaultQueueDepth is the bounded outbound command queue's default size.
const DefaultQueueDepth = 256

// Request is a caller-submitted command awaiting serialization onto the
// wire.
type Request struct {
	Command  uint32
	Payload  []byte
	CID      string
	Nowait   bool
	Deadline time.Time

	// Result resolves once the request is dispatched (Nowait) or
	// completed (wait-for-response). Ack carries no frame; callers that
	// care about dispatch-only completion read Ack before Result.
	Ack    chan struct{}
	Result chan Completion
}

// NewRequest builds a Request with its completion channels pre-allocated.
func NewRequest(command uint32, payload []byte, cid string, nowait bool, deadline time.Time) *Request {
	return &Request{
		Command:  command,
		Payload:  payload,
		CID:      cid,
		Nowait:   nowait,
		Deadline: deadline,
		Ack:      make(chan struct{}),
		Result:   make(chan Completion, 1),
	}
}

// Queue is the bounded FIFO channel commands travel through before the
// worker serializes them onto the wire. It is a thin typed wrapper so
// Backpressure errors are produced consistently at every call site.
type Queue struct {
	ch chan *Request
}

// NewQueue allocates a queue with the given depth (0 uses
// DefaultQueueDepth).
func NewQueue(depth int) *Queue {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Queue{ch: make(chan *Request, depth)}
}

// Submit enqueues req, returning a Backpressure error immediately if the
// queue is full rather than blocking the caller.
func (q *Queue) Submit(req *Request) error {
	select {
	case q.ch <- req:
		return nil
	default:
		return tuyaerr.New(tuyaerr.Backpressure, "command queue full")
	}
}

// Receive returns the channel the worker's event loop selects on.
func (q *Queue) Receive() <-chan *Request {
	return q.ch
}
