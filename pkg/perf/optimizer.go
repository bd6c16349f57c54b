package perf

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/thc1006/testenv/pkg/pool"
	"github.com/thc1006/testenv/pkg/resource"
)

// Thresholds that trigger advisory recommendations.
const (
	lowHitRatio       = 0.5
	slowCreation      = 500 * time.Millisecond
	slowCleanup       = 200 * time.Millisecond
	memorySampleEvery = time.Second
)

// opStats accumulates latency observations for one resource kind.
type opStats struct {
	creations     int64
	creationTotal time.Duration
	releases      int64
	releaseTotal  time.Duration
}

func (s *opStats) avgCreation() time.Duration {
	if s.creations == 0 {
		return 0
	}
	return s.creationTotal / time.Duration(s.creations)
}

func (s *opStats) avgRelease() time.Duration {
	if s.releases == 0 {
		return 0
	}
	return s.releaseTotal / time.Duration(s.releases)
}

// Report is one snapshot of everything the optimizer has observed.
type Report struct {
	Profile         string
	PoolStats       map[resource.Kind]pool.Stats
	AvgCreation     map[resource.Kind]time.Duration
	AvgCleanup      map[resource.Kind]time.Duration
	PeakHeapBytes   uint64
	Recommendations []string
}

// Optimizer owns one pool per registered resource kind, sized by the active
// profile, and wraps acquisition/release with timing capture. It only ever
// reports; it never mutates pool sizing on its own.
type Optimizer struct {
	profile Profile
	logger  *zap.Logger

	mu       sync.Mutex
	pools    map[resource.Kind]*pool.Pool
	stats    map[resource.Kind]*opStats
	peakHeap uint64

	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds an optimizer for the given profile.
func New(profile Profile, logger *zap.Logger) *Optimizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Optimizer{
		profile: profile,
		logger:  logger.With(zap.String("component", "perf"), zap.String("profile", profile.Name)),
		pools:   make(map[resource.Kind]*pool.Pool),
		stats:   make(map[resource.Kind]*opStats),
		stopCh:  make(chan struct{}),
	}
}

// Profile returns the active profile.
func (o *Optimizer) Profile() Profile { return o.profile }

// RegisterPool creates (or returns) the pool for a kind, sized by the
// profile.
func (o *Optimizer) RegisterPool(kind resource.Kind, opts ...pool.Option) (*pool.Pool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if p, ok := o.pools[kind]; ok {
		return p, nil
	}
	cfg := pool.DefaultConfig(kind)
	cfg.MinSize = o.profile.PoolMinSize
	cfg.MaxSize = o.profile.PoolMaxSize
	p, err := pool.New(cfg, o.logger, opts...)
	if err != nil {
		return nil, err
	}
	o.pools[kind] = p
	o.stats[kind] = &opStats{}
	return p, nil
}

// Acquire obtains a resource of the given kind through its pool, timing the
// factory when the pool has to create.
func (o *Optimizer) Acquire(ctx context.Context, kind resource.Kind, factory pool.Factory) (*resource.Resource, error) {
	o.mu.Lock()
	p, ok := o.pools[kind]
	st := o.stats[kind]
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no pool registered for kind %q", kind)
	}

	timed := func(ctx context.Context) (*resource.Resource, error) {
		start := time.Now()
		res, err := factory(ctx)
		if err == nil {
			o.mu.Lock()
			st.creations++
			st.creationTotal += time.Since(start)
			o.mu.Unlock()
		}
		return res, err
	}
	return p.Acquire(ctx, timed)
}

// Release returns a resource to its kind's pool, timing the release path
// (which includes cleanup when the resource is not re-cached).
func (o *Optimizer) Release(ctx context.Context, res *resource.Resource) error {
	kind := res.Kind()
	o.mu.Lock()
	p, ok := o.pools[kind]
	st := o.stats[kind]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pool registered for kind %q", kind)
	}

	start := time.Now()
	err := p.Release(ctx, res)
	o.mu.Lock()
	st.releases++
	st.releaseTotal += time.Since(start)
	o.mu.Unlock()
	return err
}

// Start launches the memory sampling loop when the profile enables
// monitoring. The loop is awaited by Stop.
func (o *Optimizer) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started || !o.profile.EnableMonitoring {
		return
	}
	o.started = true
	o.wg.Add(1)
	go o.sampleLoop()
}

// Stop halts monitoring and shuts down every owned pool.
func (o *Optimizer) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.started = false
		close(o.stopCh)
	}
	pools := make([]*pool.Pool, 0, len(o.pools))
	for _, p := range o.pools {
		pools = append(pools, p)
	}
	o.mu.Unlock()

	o.wg.Wait()
	for _, p := range pools {
		if err := p.Shutdown(ctx); err != nil {
			o.logger.Warn("pool shutdown failed", zap.Error(err))
		}
	}
	return nil
}

func (o *Optimizer) sampleLoop() {
	defer o.wg.Done()

	ticker := time.NewTicker(memorySampleEvery)
	defer ticker.Stop()

	var ms runtime.MemStats
	for {
		select {
		case <-ticker.C:
			runtime.ReadMemStats(&ms)
			o.mu.Lock()
			if ms.HeapAlloc > o.peakHeap {
				o.peakHeap = ms.HeapAlloc
			}
			o.mu.Unlock()
		case <-o.stopCh:
			return
		}
	}
}

// Report snapshots observed stats and derives the recommendation list.
// Recommendations are advisory text only.
func (o *Optimizer) Report() Report {
	o.mu.Lock()
	defer o.mu.Unlock()

	rep := Report{
		Profile:       o.profile.Name,
		PoolStats:     make(map[resource.Kind]pool.Stats, len(o.pools)),
		AvgCreation:   make(map[resource.Kind]time.Duration, len(o.stats)),
		AvgCleanup:    make(map[resource.Kind]time.Duration, len(o.stats)),
		PeakHeapBytes: o.peakHeap,
	}
	for kind, p := range o.pools {
		st := o.stats[kind]
		stats := p.Stats()
		rep.PoolStats[kind] = stats
		rep.AvgCreation[kind] = st.avgCreation()
		rep.AvgCleanup[kind] = st.avgRelease()

		if total := stats.Hits + stats.Misses; total >= 10 && stats.HitRatio() < lowHitRatio {
			rep.Recommendations = append(rep.Recommendations, fmt.Sprintf(
				"pool hit ratio for %s is %.0f%%; consider increasing pool max size beyond %d",
				kind, stats.HitRatio()*100, o.profile.PoolMaxSize))
		}
		if avg := st.avgCreation(); avg > slowCreation {
			rep.Recommendations = append(rep.Recommendations, fmt.Sprintf(
				"%s resource creation averages %s; investigate backend connect latency", kind, avg))
		}
		if avg := st.avgRelease(); avg > slowCleanup {
			rep.Recommendations = append(rep.Recommendations, fmt.Sprintf(
				"%s resource cleanup averages %s; cleanup work may be blocking releases", kind, avg))
		}
	}
	return rep
}
