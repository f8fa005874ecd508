// Package dispatch implements the outbound command dispatch contract: a
// FIFO command queue, an in-flight request map keyed by wire sequence, and
// a broadcast bus that fans inbound frames out to any number of listener
// subscriptions.
package dispatch

import (
	"fmt"

	"github.com/dustin/go-broadcast"

	"github.com/gotuya/tuyalan/pkg/codec"
)

// BusCapacity is the default broadcast channel depth.
const BusCapacity = 64

// LagError signals that a subscription missed frames because it could not
// keep up with the bus. The subscription is not torn down; it resumes from
// the next available frame.
type LagError struct {
	Skipped int
}

func (e *LagError) Error() string {
	return fmt.Sprintf("listener lagged, skipped %d frames", e.Skipped)
}

// Event is what a Subscription delivers: either a Frame or a LagError,
// never both.
type Event struct {
	Frame *codec.Frame
	Lag   *LagError
}

// Bus is the worker-owned broadcast channel. One Bus exists per
// DeviceWorker for its lifetime; it is closed on worker shutdown.
type Bus struct {
	b broadcast.Broadcaster
}

// NewBus creates a bus with BusCapacity buffering per subscriber.
func NewBus() *Bus {
	return &Bus{b: broadcast.NewBroadcaster(BusCapacity)}
}

// Publish fans f out to every current subscriber. Called by the worker for
// every inbound frame, matched to a pending request or not.
func (bus *Bus) Publish(f *codec.Frame) {
	bus.b.Submit(f)
}

// Close tears the bus down; all subscriptions observe channel closure.
func (bus *Bus) Close() error {
	return bus.b.Close()
}

// Subscription is a bounded queue fed from the bus. Slow consumers lose
// their oldest buffered frame rather than stalling the publisher.
type Subscription struct {
	raw     chan interface{}
	out     chan Event
	bus     *Bus
	skipped int
}

// Subscribe registers a new subscription. Events observed from this point
// forward are delivered on Subscription.Events(); events before
// Subscribe are never seen.
func (bus *Bus) Subscribe() *Subscription {
	raw := make(chan interface{}, BusCapacity)
	bus.b.Register(raw)
	s := &Subscription{raw: raw, out: make(chan Event, BusCapacity), bus: bus}
	go s.pump()
	return s
}

func (s *Subscription) pump() {
	for m := range s.raw {
		f, _ := m.(*codec.Frame)
		select {
		case s.out <- Event{Frame: f}:
			continue
		default:
		}

		// Buffer full: drop the oldest entries to make room for both a
		// lag signal and the new frame, signal lag, then deliver the new
		// frame.
		for i := 0; i < 2; i++ {
			select {
			case <-s.out:
				s.skipped++
			default:
			}
		}
		select {
		case s.out <- Event{Lag: &LagError{Skipped: s.skipped}}:
			s.skipped = 0
		default:
		}
		select {
		case s.out <- Event{Frame: f}:
		default:
		}
	}
	close(s.out)
}

// Events returns the channel subscribers read from. It closes when the bus
// is closed or the subscription is unsubscribed.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

// Unsubscribe detaches the subscription from the bus and drains its pump
// goroutine.
func (s *Subscription) Unsubscribe() {
	s.bus.b.Unregister(s.raw)
	close(s.raw)
}
