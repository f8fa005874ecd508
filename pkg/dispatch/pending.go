package dispatch

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/gotuya/tuyalan/pkg/codec"
	"github.com/gotuya/tuyalan/pkg/tuyaerr"
)

// Completion is what a PendingRequest resolves to: either the matching
// inbound frame, or an error (Timeout, Cancelled, Offline...).
type Completion struct {
	Frame *codec.Frame
	Err   error
}

// PendingRequest is a dispatched wait-for-response command awaiting its
// matching response. Nowait requests complete on dispatch and never
// become PendingRequests.
type PendingRequest struct {
	Sequence uint32
	Command  uint32
	Deadline time.Time

	done chan Completion
}

// NewPendingRequest allocates a single-shot completion slot.
func NewPendingRequest(sequence, command uint32, deadline time.Time) *PendingRequest {
	return &PendingRequest{
		Sequence: sequence,
		Command:  command,
		Deadline: deadline,
		done:     make(chan Completion, 1),
	}
}

// Wait blocks until the request is completed or ctx is cancelled.
func (pr *PendingRequest) Wait(ctx context.Context) Completion {
	select {
	case c := <-pr.done:
		return c
	case <-ctx.Done():
		return Completion{Err: tuyaerr.New(tuyaerr.Cancelled, "caller context cancelled").WithSequence(pr.Sequence)}
	}
}

func (pr *PendingRequest) complete(c Completion) {
	select {
	case pr.done <- c:
	default:
		// already completed; single-shot slot, second completion is a
		// no-op.
	}
}

// PendingMap is the worker's in-flight request table, keyed by wire
// sequence. Entries expire at their deadline and complete with Timeout.
type PendingMap struct {
	cache *ttlcache.Cache[uint32, *PendingRequest]
}

// NewPendingMap starts the eviction loop backing deadline-based timeouts.
func NewPendingMap() *PendingMap {
	cache := ttlcache.New[uint32, *PendingRequest]()
	pm := &PendingMap{cache: cache}

	cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[uint32, *PendingRequest]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		pr := item.Value()
		pr.complete(Completion{Err: tuyaerr.New(tuyaerr.Timeout, "response deadline exceeded").WithSequence(pr.Sequence)})
	})

	go cache.Start()
	return pm
}

// Add inserts pr, scheduling its expiry at pr.Deadline.
func (pm *PendingMap) Add(pr *PendingRequest) {
	ttl := time.Until(pr.Deadline)
	if ttl <= 0 {
		pr.complete(Completion{Err: tuyaerr.New(tuyaerr.Timeout, "deadline already elapsed").WithSequence(pr.Sequence)})
		return
	}
	pm.cache.Set(pr.Sequence, pr, ttl)
}

// Complete resolves the pending request for sequence with frame, if one is
// outstanding. Reports whether a match was found.
func (pm *PendingMap) Complete(sequence uint32, frame *codec.Frame) bool {
	item := pm.cache.Get(sequence)
	if item == nil {
		return false
	}
	pm.cache.Delete(sequence)
	item.Value().complete(Completion{Frame: frame})
	return true
}

// FailAll completes every outstanding request with err — used on worker
// shutdown and on connection loss.
func (pm *PendingMap) FailAll(err error) {
	for _, key := range pm.cache.Keys() {
		item := pm.cache.Get(key)
		if item == nil {
			continue
		}
		pm.cache.Delete(key)
		item.Value().complete(Completion{Err: err})
	}
}

// Len reports the number of outstanding requests. It must be zero once
// the worker reaches Closed.
func (pm *PendingMap) Len() int {
	return pm.cache.Len()
}

// Stop halts the eviction goroutine. Call once, on worker shutdown.
func (pm *PendingMap) Stop() {
	pm.cache.Stop()
}
