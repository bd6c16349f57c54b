// Package resource defines the managed handle every isolated test dependency
// is wrapped in: a uniform init/cleanup lifecycle with idle/active bookkeeping,
// plus the specialized database, cache and analytics variants built on top.
package resource

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind identifies the closed set of resource types the managers know how to
// create and pool. Unknown kinds are rejected at construction time rather
// than surfacing as runtime surprises.
type Kind string

const (
	KindDatabase       Kind = "database"
	KindCache          Kind = "cache"
	KindAnalytics      Kind = "analytics"
	KindDuplexChannel  Kind = "duplex_channel"
	KindOutboundClient Kind = "outbound_client"
	KindSandbox        Kind = "sandbox"
	KindEphemeralData  Kind = "ephemeral_data"
)

// Valid reports whether k is one of the supported resource kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindDatabase, KindCache, KindAnalytics, KindDuplexChannel,
		KindOutboundClient, KindSandbox, KindEphemeralData:
		return true
	}
	return false
}

// CleanupFunc releases one piece of state owned by a resource. Cleanup
// functions run in registration order and a failure in one never prevents
// the rest from running.
type CleanupFunc func(ctx context.Context) error

// ProbeFunc checks whether the underlying dependency is still reachable.
// It is advisory: health monitoring records the outcome but never tears
// the resource down on failure.
type ProbeFunc func(ctx context.Context) error

// Resource is a managed handle to one external dependency. A Resource is
// owned by exactly one scope at a time; the pool's acquire/release discipline
// enforces single ownership, so only the lifecycle fields below need a lock.
type Resource struct {
	id        string
	kind      Kind
	createdAt time.Time
	logger    *zap.Logger

	mu         sync.Mutex
	lastAccess time.Time
	active     bool
	cleaned    bool
	cleanups   []CleanupFunc
	probe      ProbeFunc
}

// New creates an active resource handle with no cleanup actions registered.
func New(id string, kind Kind, logger *zap.Logger) (*Resource, error) {
	if !kind.Valid() {
		return nil, &KindMismatchError{ResourceID: id, Got: kind}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now()
	return &Resource{
		id:         id,
		kind:       kind,
		createdAt:  now,
		lastAccess: now,
		active:     true,
		logger:     logger,
	}, nil
}

// Base returns the resource itself. Specialized resources embed *Resource,
// so every variant exposes its lifecycle handle through this one method.
func (r *Resource) Base() *Resource { return r }

// ID returns the unique identifier, namespaced by the owning test id.
func (r *Resource) ID() string { return r.id }

// Kind returns the resource kind.
func (r *Resource) Kind() Kind { return r.kind }

// CreatedAt returns the creation timestamp.
func (r *Resource) CreatedAt() time.Time { return r.createdAt }

// Active reports whether the resource may still be used. Once false, no
// further operations may be issued against the resource.
func (r *Resource) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Touch records a use of the resource, refreshing its last-access time.
func (r *Resource) Touch() {
	r.mu.Lock()
	r.lastAccess = time.Now()
	r.mu.Unlock()
}

// LastAccess returns the time the resource was last touched.
func (r *Resource) LastAccess() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastAccess
}

// IdleFor returns how long the resource has sat unused.
func (r *Resource) IdleFor() time.Duration {
	return time.Since(r.LastAccess())
}

// checkActive returns ErrInactive if the resource has been cleaned up.
// Specialized resources call this before every operation.
func (r *Resource) checkActive() error {
	if !r.Active() {
		return ErrInactive
	}
	return nil
}

// AddCleanup appends a cleanup action. Actions run in registration order
// during Cleanup.
func (r *Resource) AddCleanup(fn CleanupFunc) {
	r.mu.Lock()
	r.cleanups = append(r.cleanups, fn)
	r.mu.Unlock()
}

// SetProbe installs the health probe used by advisory monitoring.
func (r *Resource) SetProbe(fn ProbeFunc) {
	r.mu.Lock()
	r.probe = fn
	r.mu.Unlock()
}

// Probe runs the installed health probe. A resource that has already been
// cleaned up always reports ErrInactive.
func (r *Resource) Probe(ctx context.Context) error {
	r.mu.Lock()
	probe := r.probe
	active := r.active
	r.mu.Unlock()

	if !active {
		return ErrInactive
	}
	if probe == nil {
		return nil
	}
	return probe(ctx)
}

// Cleanup deactivates the resource and runs every registered cleanup action
// in order. It runs at most once; later calls are no-ops. Individual action
// failures are logged and collected but never abort the remaining actions.
func (r *Resource) Cleanup(ctx context.Context) error {
	r.mu.Lock()
	if r.cleaned {
		r.mu.Unlock()
		return nil
	}
	r.cleaned = true
	r.active = false
	cleanups := r.cleanups
	r.cleanups = nil
	r.mu.Unlock()

	var errs []error
	for _, fn := range cleanups {
		if err := fn(ctx); err != nil {
			r.logger.Warn("resource cleanup action failed",
				zap.String("resource_id", r.id),
				zap.String("kind", string(r.kind)),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
