package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// Factory constructs the engine for a tenant; the registry starts it.
// cleanup, when non-nil, runs after the engine stops and releases whatever
// the factory opened for it.
type Factory func(ctx context.Context, tenantID string) (e *Engine, cleanup func() error, err error)

type entry struct {
	engine  *Engine
	cleanup func() error
	refs    int

	// stopping is set once the engine is being shut down; the entry stays
	// in the registry until done is closed so no second engine starts early
	stopping bool
	done     chan struct{}
}

// Registry shares one running engine per tenant between independent callers.
// The first Acquire for a tenant builds and starts its engine; the engine is
// stopped when the last lease is released.
type Registry struct {
	factory Factory

	mu      sync.Mutex
	engines map[string]*entry
}

// NewRegistry creates an empty registry
func NewRegistry(factory Factory) *Registry {
	return &Registry{factory: factory, engines: make(map[string]*entry)}
}

// Lease is one caller's reference to a tenant engine
type Lease struct {
	reg      *Registry
	tenantID string
	ent      *entry
	once     sync.Once
}

// Engine returns the shared engine
func (l *Lease) Engine() *Engine {
	return l.ent.engine
}

// Release drops the reference. Releasing the same lease twice is a no-op.
func (l *Lease) Release() error {
	var err error
	l.once.Do(func() {
		err = l.reg.release(l.tenantID, l.ent)
	})
	return err
}

// Acquire returns a lease on the tenant's engine, creating and starting it
// when no other lease holds it. An engine still shutting down is waited for
// before a new one is built.
func (r *Registry) Acquire(ctx context.Context, tenantID string) (*Lease, error) {
	for {
		r.mu.Lock()
		ent, ok := r.engines[tenantID]
		if !ok || !ent.stopping {
			lease, err := r.acquireLocked(ctx, tenantID, ent)
			r.mu.Unlock()
			return lease, err
		}
		r.mu.Unlock()

		select {
		case <-ent.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (r *Registry) acquireLocked(ctx context.Context, tenantID string, ent *entry) (*Lease, error) {
	if ent == nil {
		e, cleanup, err := r.factory(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("create engine for tenant %s: %w", tenantID, err)
		}
		if err := e.Start(ctx); err != nil {
			e.Stop()
			return nil, multierr.Append(fmt.Errorf("start engine for tenant %s: %w", tenantID, err), runCleanup(cleanup))
		}
		ent = &entry{engine: e, cleanup: cleanup, done: make(chan struct{})}
		r.engines[tenantID] = ent
		log.Debug().Str("tenantId", tenantID).Msg("sync engine started")
	}
	ent.refs++
	return &Lease{reg: r, tenantID: tenantID, ent: ent}, nil
}

// RefCount reports how many leases hold the tenant's engine; zero when none
// runs or the engine is shutting down
func (r *Registry) RefCount(tenantID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ent, ok := r.engines[tenantID]; ok && !ent.stopping {
		return ent.refs
	}
	return 0
}

func (r *Registry) release(tenantID string, leased *entry) error {
	r.mu.Lock()
	ent, ok := r.engines[tenantID]
	// the engine this lease held may already be gone or going after Close
	if !ok || ent != leased || ent.stopping {
		r.mu.Unlock()
		return nil
	}
	ent.refs--
	if ent.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	ent.stopping = true
	r.mu.Unlock()

	return r.shutdown(tenantID, ent)
}

// Close stops every engine regardless of outstanding leases
func (r *Registry) Close() error {
	r.mu.Lock()
	stopping := make(map[string]*entry)
	var releasing []chan struct{}
	for tenantID, ent := range r.engines {
		// an engine already shutting down is finished by its release
		if ent.stopping {
			releasing = append(releasing, ent.done)
			continue
		}
		ent.stopping = true
		stopping[tenantID] = ent
	}
	r.mu.Unlock()

	var err error
	for tenantID, ent := range stopping {
		if cerr := r.shutdown(tenantID, ent); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("tenant %s: %w", tenantID, cerr))
		}
	}
	for _, done := range releasing {
		<-done
	}
	return err
}

// shutdown stops an entry marked stopping, then removes it and wakes waiting
// acquirers
func (r *Registry) shutdown(tenantID string, ent *entry) error {
	ent.engine.Stop()
	err := runCleanup(ent.cleanup)

	r.mu.Lock()
	if r.engines[tenantID] == ent {
		delete(r.engines, tenantID)
	}
	r.mu.Unlock()
	close(ent.done)
	return err
}

func runCleanup(cleanup func() error) error {
	if cleanup == nil {
		return nil
	}
	return cleanup()
}
