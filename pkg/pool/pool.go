// Package pool caches idle test resources of one kind so repeated
// acquire/release cycles reuse warm handles instead of reconnecting.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/thc1006/testenv/pkg/resource"
)

// Factory creates a new resource when the pool has nothing idle to hand out.
// The factory performs the actual connect/allocate work and may block; it is
// always invoked outside the pool lock.
type Factory func(ctx context.Context) (*resource.Resource, error)

// Config controls one pool's sizing and eviction behavior.
type Config struct {
	Kind             resource.Kind
	MinSize          int
	MaxSize          int
	IdleTimeout      time.Duration
	EvictionInterval time.Duration
}

// DefaultConfig returns a small pool suitable for local development.
func DefaultConfig(kind resource.Kind) Config {
	return Config{
		Kind:             kind,
		MinSize:          1,
		MaxSize:          10,
		IdleTimeout:      5 * time.Minute,
		EvictionInterval: 30 * time.Second,
	}
}

// Stats is a snapshot of the pool's cumulative counters.
type Stats struct {
	Hits             int64
	Misses           int64
	Created          int64
	Cleaned          int64
	CreationFailures int64
	Available        int
	InUse            int
}

// HitRatio returns hits / (hits + misses), or 0 before any acquire.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Pool caches idle resources of a single kind. Release is LIFO-biased: the
// most recently released resource is reused first, keeping a small working
// set warm while the eviction loop retires the cold tail.
type Pool struct {
	cfg     Config
	logger  *zap.Logger
	metrics *Metrics

	mu        sync.Mutex
	available []*resource.Resource // stack; top is most recently released
	inUse     map[string]*resource.Resource
	stats     Stats
	closed    bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option customizes pool construction.
type Option func(*Pool)

// WithMetrics attaches prometheus instrumentation to the pool.
func WithMetrics(m *Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// New creates a pool and starts its background eviction loop. The loop runs
// until Shutdown and is awaited there, never abandoned.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Pool, error) {
	if !cfg.Kind.Valid() {
		return nil, &resource.KindMismatchError{Got: cfg.Kind}
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.EvictionInterval <= 0 {
		cfg.EvictionInterval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		cfg:    cfg,
		logger: logger.With(zap.String("pool", string(cfg.Kind))),
		inUse:  make(map[string]*resource.Resource),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.wg.Add(1)
	go p.evictionLoop()

	return p, nil
}

// Acquire returns an idle resource if one is cached, otherwise invokes the
// factory. Factory failures are counted and propagated; the pool never
// substitutes a disabled resource for a failed creation.
func (p *Pool) Acquire(ctx context.Context, factory Factory) (*resource.Resource, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if n := len(p.available); n > 0 {
		res := p.available[n-1]
		p.available = p.available[:n-1]
		p.inUse[res.ID()] = res
		p.stats.Hits++
		p.mu.Unlock()

		res.Touch()
		p.observe(func(m *Metrics) { m.hits.Inc(); m.setSizes(p.Stats()) })
		return res, nil
	}
	p.stats.Misses++
	p.mu.Unlock()
	p.observe(func(m *Metrics) { m.misses.Inc() })

	start := time.Now()
	res, err := factory(ctx)
	if err != nil {
		p.mu.Lock()
		p.stats.CreationFailures++
		p.mu.Unlock()
		p.observe(func(m *Metrics) { m.creationFailures.Inc() })
		return nil, fmt.Errorf("create %s resource: %w", p.cfg.Kind, err)
	}
	if res.Kind() != p.cfg.Kind {
		// Wrong kind out of a factory is a programming error; dispose of the
		// stray resource rather than caching it.
		_ = res.Cleanup(ctx)
		return nil, &resource.KindMismatchError{ResourceID: res.ID(), Want: p.cfg.Kind, Got: res.Kind()}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = res.Cleanup(ctx)
		return nil, ErrPoolClosed
	}
	p.stats.Created++
	p.inUse[res.ID()] = res
	p.mu.Unlock()

	p.observe(func(m *Metrics) {
		m.created.Inc()
		m.creationSeconds.Observe(time.Since(start).Seconds())
		m.setSizes(p.Stats())
	})
	return res, nil
}

// Release returns a checked-out resource to the pool. Healthy, fresh
// resources go back on top of the available stack when capacity allows;
// everything else is cleaned up immediately. Releasing a resource the pool
// does not have checked out returns ErrNotCheckedOut.
func (p *Pool) Release(ctx context.Context, res *resource.Resource) error {
	if res.Kind() != p.cfg.Kind {
		return &resource.KindMismatchError{ResourceID: res.ID(), Want: p.cfg.Kind, Got: res.Kind()}
	}

	p.mu.Lock()
	if _, checkedOut := p.inUse[res.ID()]; !checkedOut {
		// A double release must not push the same handle onto the stack
		// twice; the available and in-use sets stay disjoint.
		p.mu.Unlock()
		return fmt.Errorf("release %s: %w", res.ID(), ErrNotCheckedOut)
	}
	delete(p.inUse, res.ID())
	recache := !p.closed &&
		len(p.available) < p.cfg.MaxSize &&
		res.Active() &&
		res.IdleFor() < p.cfg.IdleTimeout
	if recache {
		res.Touch()
		p.available = append(p.available, res)
	}
	p.mu.Unlock()

	if recache {
		p.observe(func(m *Metrics) { m.setSizes(p.Stats()) })
		return nil
	}
	p.cleanupResource(ctx, res)
	return nil
}

// Stats returns a snapshot of the pool counters and current sizes.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Available = len(p.available)
	s.InUse = len(p.inUse)
	return s
}

// Shutdown stops the eviction loop, waits for it, then cleans up every
// resource in both the available stack and the in-use set.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	leftovers := make([]*resource.Resource, 0, len(p.available)+len(p.inUse))
	leftovers = append(leftovers, p.available...)
	for _, res := range p.inUse {
		leftovers = append(leftovers, res)
	}
	p.available = nil
	p.inUse = make(map[string]*resource.Resource)
	p.mu.Unlock()

	for _, res := range leftovers {
		p.cleanupResource(ctx, res)
	}
	p.logger.Info("pool shut down", zap.Int("cleaned", len(leftovers)))
	return nil
}

func (p *Pool) evictionLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.evictIdle()
		case <-p.stopCh:
			return
		}
	}
}

// evictIdle removes idle-too-long resources from the available stack and
// cleans them up outside the lock.
func (p *Pool) evictIdle() {
	p.mu.Lock()
	var keep, evict []*resource.Resource
	for _, res := range p.available {
		if res.IdleFor() > p.cfg.IdleTimeout {
			evict = append(evict, res)
		} else {
			keep = append(keep, res)
		}
	}
	p.available = keep
	p.mu.Unlock()

	ctx := context.Background()
	for _, res := range evict {
		p.logger.Debug("evicting idle resource", zap.String("resource_id", res.ID()))
		p.cleanupResource(ctx, res)
	}
}

// cleanupResource is best-effort: failures are logged and counted but never
// abort cleanup of other resources.
func (p *Pool) cleanupResource(ctx context.Context, res *resource.Resource) {
	if err := res.Cleanup(ctx); err != nil {
		p.logger.Warn("resource cleanup failed",
			zap.String("resource_id", res.ID()),
			zap.Error(err))
	}
	p.mu.Lock()
	p.stats.Cleaned++
	p.mu.Unlock()
	p.observe(func(m *Metrics) { m.cleaned.Inc(); m.setSizes(p.Stats()) })
}

func (p *Pool) observe(fn func(*Metrics)) {
	if p.metrics != nil {
		fn(p.metrics)
	}
}
