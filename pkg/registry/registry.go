// Package registry implements the process-wide device-id to worker
// mapping. A single Registry instance is expected per process;
// Init/Get/Shutdown provide that without hiding the type behind
// unexported global state that tests cannot reset.
package registry

import (
	"context"
	"sync"

	"github.com/gotuya/tuyalan/pkg/device"
	"github.com/gotuya/tuyalan/pkg/tuyaerr"
)

type entry struct {
	worker   *device.Worker
	handle   *device.Handle
	cfg      device.Config
	refcount int
	cancel   context.CancelFunc
}

// Registry maps device id to a shared worker/handle pair with reference
// counting. All operations take a single short-held lock.
type Registry struct {
	mu         sync.Mutex
	entries    map[string]*entry
	resolver   device.Resolver
	queueDepth int
}

// New creates an empty registry. resolver backs address=Auto workers;
// queueDepth is the per-worker outbound command queue size (0 uses
// dispatch.DefaultQueueDepth).
func New(resolver device.Resolver, queueDepth int) *Registry {
	return &Registry{
		entries:    make(map[string]*entry),
		resolver:   resolver,
		queueDepth: queueDepth,
	}
}

// GetOrCreate returns a handle for cfg.ID, creating a worker on first use.
// If a worker already exists with an equal configuration it is reused; if
// the configuration differs the worker is reconfigured in place.
func (r *Registry) GetOrCreate(ctx context.Context, cfg device.Config) (*device.Handle, error) {
	cfg = cfg.WithDefaults()
	if cfg.ID == "" {
		return nil, tuyaerr.New(tuyaerr.InvalidConfig, "device id must not be empty")
	}

	r.mu.Lock()
	e, ok := r.entries[cfg.ID]
	if ok {
		e.refcount++
		changed := !e.cfg.Equal(cfg)
		e.cfg = cfg
		r.mu.Unlock()
		if changed {
			e.worker.Reconfigure(ctx, cfg)
		}
		return e.handle, nil
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	w := device.NewWorker(cfg, r.resolver, r.queueDepth)
	h := device.NewHandle(w)
	r.entries[cfg.ID] = &entry{worker: w, handle: h, cfg: cfg, refcount: 1, cancel: cancel}
	r.mu.Unlock()

	go w.Run(workerCtx)
	return h, nil
}

// Remove decrements the caller's reference. The worker persists while any
// reference remains.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.refcount--
	evict := e.refcount <= 0
	if evict {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if evict {
		e.cancel()
		go e.worker.Shutdown(context.Background())
	}
}

// Delete forcibly evicts id regardless of outstanding references and
// signals the worker to shut down.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if ok {
		e.cancel()
		go e.worker.Shutdown(context.Background())
	}
}

// Len reports the number of live entries, used by tests to check
// cleanup.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

var (
	globalMu sync.Mutex
	global   *Registry
)

// Init installs the process-wide registry singleton.
func Init(resolver device.Resolver, queueDepth int) {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = New(resolver, queueDepth)
}

// Get returns the process-wide registry, lazily creating one with no
// resolver if Init was never called (address=Auto workers will then fail
// to resolve).
func Get() *Registry {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New(nil, 0)
	}
	return global
}

// Shutdown deletes every entry in the global registry, terminating all
// workers. Intended for process teardown and test cleanup.
func Shutdown() {
	globalMu.Lock()
	reg := global
	globalMu.Unlock()
	if reg == nil {
		return
	}
	reg.mu.Lock()
	ids := make([]string, 0, len(reg.entries))
	for id := range reg.entries {
		ids = append(ids, id)
	}
	reg.mu.Unlock()
	for _, id := range ids {
		reg.Delete(id)
	}
}
