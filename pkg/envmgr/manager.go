// Package envmgr orchestrates per-test isolated environments: it creates one
// resource per available backend kind, registers everything in an active
// registry, and guarantees teardown when the test scope exits.
package envmgr

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq" // database/sql driver for the analytics handle
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/thc1006/testenv/pkg/config"
	"github.com/thc1006/testenv/pkg/resource"
)

// Isolated is the surface every managed resource variant exposes: its
// lifecycle handle. *resource.Resource and all its specializations satisfy
// it via their embedded Base method.
type Isolated interface {
	Base() *resource.Resource
}

// Factory creates one isolated resource for the given derived id.
type Factory func(ctx context.Context, id string) (Isolated, error)

// Config controls the manager's monitoring behavior.
type Config struct {
	// EnableHealthMonitor starts the advisory health-check loop.
	EnableHealthMonitor bool
	// HealthCheckInterval is the loop period.
	HealthCheckInterval time.Duration
	// HealthProbeTimeout bounds one resource probe.
	HealthProbeTimeout time.Duration
	// CacheDBRange is the number of logical cache database indices the
	// manager may hand out (index 0 is never used).
	CacheDBRange int
}

// DefaultConfig returns monitoring defaults suitable for CI.
func DefaultConfig() Config {
	return Config{
		EnableHealthMonitor: false,
		HealthCheckInterval: 15 * time.Second,
		HealthProbeTimeout:  2 * time.Second,
		CacheDBRange:        15,
	}
}

// Metrics are the manager's aggregate counters. Creation and cleanup times
// are exponential moving averages over recent operations.
type Metrics struct {
	EnvironmentsCreated int64
	ResourcesCreated    int64
	ResourcesCleaned    int64
	CleanupFailures     int64
	AvgCreation         time.Duration
	AvgCleanup          time.Duration
}

// ErrNotInitialized is returned when the manager is used before Initialize.
var ErrNotInitialized = errors.New("environment manager is not initialized")

// ErrBackendUnavailable is returned when a resource kind is requested but
// the host environment has no backend configured for it.
var ErrBackendUnavailable = errors.New("backend not configured for this environment")

// Manager creates and tracks isolated per-test resources. All engine
// connections are owned by the manager; individual resources borrow from
// them and return on cleanup.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	env    config.Environment
	caps   config.Capabilities

	engine      *pgxpool.Pool
	cacheOpts   *redis.Options
	analyticsDB *sql.DB
	cacheDBs    *indexAllocator

	factories map[resource.Kind]Factory

	mu       sync.RWMutex
	registry map[string]Isolated
	metrics  Metrics
	health   map[string]HealthStatus

	initialized bool
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// Option customizes manager construction.
type Option func(*Manager)

// WithFactory overrides resource creation for one kind. Used by embedders
// that bring their own resource implementations and by tests.
func WithFactory(kind resource.Kind, fn Factory) Option {
	return func(m *Manager) { m.factories[kind] = fn }
}

// New builds a manager bound to the given environment collaborator. Call
// Initialize before use.
func New(cfg Config, env config.Environment, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 15 * time.Second
	}
	if cfg.HealthProbeTimeout <= 0 {
		cfg.HealthProbeTimeout = 2 * time.Second
	}
	if cfg.CacheDBRange <= 0 {
		cfg.CacheDBRange = 15
	}
	m := &Manager{
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "envmgr")),
		env:       env,
		factories: make(map[resource.Kind]Factory),
		registry:  make(map[string]Isolated),
		health:    make(map[string]HealthStatus),
		stopCh:    make(chan struct{}),
		cacheDBs:  newIndexAllocator(cfg.CacheDBRange),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize sets up the environment collaborator, detects capabilities,
// connects the shared engines for each available backend, and starts the
// health loop when enabled.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.env.SetupTestEnvironment(); err != nil {
		return fmt.Errorf("setup test environment: %w", err)
	}
	m.caps = config.DetectCapabilities(m.env)

	if m.caps.Database && m.factories[resource.KindDatabase] == nil {
		settings := config.DatabaseSettingsFrom(m.env)
		engine, err := pgxpool.New(ctx, settings.DSN())
		if err != nil {
			return fmt.Errorf("connect database engine: %w", err)
		}
		m.engine = engine
		m.factories[resource.KindDatabase] = func(ctx context.Context, id string) (Isolated, error) {
			return resource.NewDatabase(ctx, id, m.engine, m.logger)
		}
	}
	if m.caps.Cache && m.factories[resource.KindCache] == nil {
		settings := config.CacheSettingsFrom(m.env)
		m.cacheOpts = &redis.Options{Addr: settings.Addr()}
		m.factories[resource.KindCache] = m.newCacheResource
	}
	if m.caps.Analytics && m.factories[resource.KindAnalytics] == nil {
		settings := config.AnalyticsSettingsFrom(m.env)
		db, err := sql.Open("postgres", settings.DSN())
		if err != nil {
			return fmt.Errorf("open analytics handle: %w", err)
		}
		m.analyticsDB = db
		m.factories[resource.KindAnalytics] = func(ctx context.Context, id string) (Isolated, error) {
			return resource.NewAnalytics(ctx, id, m.analyticsDB, m.logger)
		}
	}

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()

	if m.cfg.EnableHealthMonitor {
		m.wg.Add(1)
		go m.healthLoop()
	}

	m.logger.Info("environment manager initialized",
		zap.Bool("database", m.caps.Database),
		zap.Bool("cache", m.caps.Cache),
		zap.Bool("analytics", m.caps.Analytics))
	return nil
}

// newCacheResource allocates a logical database index, creates the cache
// resource on it, and arranges for the index to be returned on cleanup.
func (m *Manager) newCacheResource(ctx context.Context, id string) (Isolated, error) {
	dbnum, err := m.cacheDBs.Allocate()
	if err != nil {
		return nil, err
	}
	c, err := resource.NewCache(ctx, id, m.cacheOpts, dbnum, m.logger)
	if err != nil {
		m.cacheDBs.Release(dbnum)
		return nil, err
	}
	c.AddCleanup(func(context.Context) error {
		m.cacheDBs.Release(dbnum)
		return nil
	})
	return c, nil
}

// Capabilities returns the backend availability detected at initialization.
func (m *Manager) Capabilities() config.Capabilities { return m.caps }

// availableKinds lists the kinds the manager can currently create, in a
// stable order.
func (m *Manager) availableKinds() []resource.Kind {
	var kinds []resource.Kind
	for _, k := range []resource.Kind{resource.KindDatabase, resource.KindCache, resource.KindAnalytics} {
		if m.factories[k] != nil {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// deriveID names a resource after its owning test. The test-id prefix is
// what namespaces resources across concurrent workers.
func deriveID(testID string, kind resource.Kind) string {
	return testID + "_" + string(kind)
}

// GetIsolatedResource is the idempotent accessor: if a resource with the
// derived id is already registered it is returned, otherwise it is created
// and registered. Multiple call sites within one test share the same
// isolated resource.
func (m *Manager) GetIsolatedResource(ctx context.Context, testID string, kind resource.Kind) (Isolated, error) {
	m.mu.RLock()
	initialized := m.initialized
	m.mu.RUnlock()
	if !initialized {
		return nil, ErrNotInitialized
	}

	factory := m.factories[kind]
	if factory == nil {
		return nil, fmt.Errorf("%w: %s", ErrBackendUnavailable, kind)
	}

	id := deriveID(testID, kind)
	m.mu.RLock()
	existing, ok := m.registry[id]
	m.mu.RUnlock()
	if ok {
		existing.Base().Touch()
		return existing, nil
	}

	start := time.Now()
	res, err := factory(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.Base().Kind() != kind {
		_ = res.Base().Cleanup(ctx)
		return nil, &resource.KindMismatchError{ResourceID: id, Want: kind, Got: res.Base().Kind()}
	}

	m.mu.Lock()
	if racing, ok := m.registry[id]; ok {
		// Another caller created the same resource concurrently; keep theirs.
		m.mu.Unlock()
		_ = res.Base().Cleanup(ctx)
		return racing, nil
	}
	m.registry[id] = res
	m.metrics.ResourcesCreated++
	m.metrics.AvgCreation = movingAvg(m.metrics.AvgCreation, time.Since(start))
	m.mu.Unlock()

	return res, nil
}

// GetIsolatedDatabase returns the test's relational resource, creating it on
// first call.
func (m *Manager) GetIsolatedDatabase(ctx context.Context, testID string) (*resource.DatabaseResource, error) {
	res, err := m.GetIsolatedResource(ctx, testID, resource.KindDatabase)
	if err != nil {
		return nil, err
	}
	d, ok := res.(*resource.DatabaseResource)
	if !ok {
		return nil, &resource.KindMismatchError{ResourceID: res.Base().ID(), Want: resource.KindDatabase, Got: res.Base().Kind()}
	}
	return d, nil
}

// GetIsolatedCache returns the test's cache resource, creating it on first
// call.
func (m *Manager) GetIsolatedCache(ctx context.Context, testID string) (*resource.CacheResource, error) {
	res, err := m.GetIsolatedResource(ctx, testID, resource.KindCache)
	if err != nil {
		return nil, err
	}
	c, ok := res.(*resource.CacheResource)
	if !ok {
		return nil, &resource.KindMismatchError{ResourceID: res.Base().ID(), Want: resource.KindCache, Got: res.Base().Kind()}
	}
	return c, nil
}

// GetIsolatedAnalytics returns the test's analytics resource, creating it on
// first call.
func (m *Manager) GetIsolatedAnalytics(ctx context.Context, testID string) (*resource.AnalyticsResource, error) {
	res, err := m.GetIsolatedResource(ctx, testID, resource.KindAnalytics)
	if err != nil {
		return nil, err
	}
	a, ok := res.(*resource.AnalyticsResource)
	if !ok {
		return nil, &resource.KindMismatchError{ResourceID: res.Base().ID(), Want: resource.KindAnalytics, Got: res.Base().Kind()}
	}
	return a, nil
}

// CreateTestEnvironment builds one resource per available kind, hands the
// bundle to fn, and tears everything down when fn returns — success, error
// or panic alike. Cleanup continues past individual failures.
func (m *Manager) CreateTestEnvironment(ctx context.Context, testID string, fn func(ctx context.Context, env *TestEnvironment) error) error {
	m.mu.RLock()
	initialized := m.initialized
	m.mu.RUnlock()
	if !initialized {
		return ErrNotInitialized
	}

	env := &TestEnvironment{TestID: testID, members: make(map[resource.Kind]Isolated)}

	defer func() {
		for _, member := range env.Members() {
			m.cleanupAndDeregister(ctx, member)
		}
	}()

	for _, kind := range m.availableKinds() {
		res, err := m.GetIsolatedResource(ctx, testID, kind)
		if err != nil {
			return fmt.Errorf("create %s resource for %s: %w", kind, testID, err)
		}
		env.members[kind] = res
	}

	m.mu.Lock()
	m.metrics.EnvironmentsCreated++
	m.mu.Unlock()

	return fn(ctx, env)
}

// CleanupTestResources cleans every registered resource whose id carries the
// test-id prefix, in parallel. Each is deregistered regardless of outcome.
func (m *Manager) CleanupTestResources(ctx context.Context, testID string) error {
	prefix := testID + "_"

	m.mu.RLock()
	var members []Isolated
	for id, res := range m.registry {
		if len(id) >= len(prefix) && id[:len(prefix)] == prefix {
			members = append(members, res)
		}
	}
	m.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, member := range members {
		member := member
		g.Go(func() error {
			m.cleanupAndDeregister(ctx, member)
			return nil
		})
	}
	return g.Wait()
}

// cleanupAndDeregister is best-effort: failures are logged and counted, and
// the resource always leaves the registry.
func (m *Manager) cleanupAndDeregister(ctx context.Context, member Isolated) {
	base := member.Base()
	start := time.Now()
	err := base.Cleanup(ctx)

	m.mu.Lock()
	delete(m.registry, base.ID())
	delete(m.health, base.ID())
	m.metrics.ResourcesCleaned++
	if err != nil {
		m.metrics.CleanupFailures++
	}
	m.metrics.AvgCleanup = movingAvg(m.metrics.AvgCleanup, time.Since(start))
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("resource cleanup failed",
			zap.String("resource_id", base.ID()),
			zap.Error(err))
	}
}

// ActiveResources returns the ids currently registered.
func (m *Manager) ActiveResources() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.registry))
	for id := range m.registry {
		ids = append(ids, id)
	}
	return ids
}

// Metrics returns a snapshot of the aggregate counters.
func (m *Manager) Metrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// Shutdown stops the health loop, force-cleans every resource still
// registered (even if test scopes failed to), closes the shared engines,
// tears down the environment collaborator and logs final metrics.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.initialized = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	m.mu.RLock()
	leftovers := make([]Isolated, 0, len(m.registry))
	for _, res := range m.registry {
		leftovers = append(leftovers, res)
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, member := range leftovers {
		member := member
		g.Go(func() error {
			m.cleanupAndDeregister(gctx, member)
			return nil
		})
	}
	_ = g.Wait()

	if m.engine != nil {
		m.engine.Close()
	}
	if m.analyticsDB != nil {
		if err := m.analyticsDB.Close(); err != nil {
			m.logger.Warn("closing analytics handle failed", zap.Error(err))
		}
	}
	if err := m.env.TeardownTestEnvironment(); err != nil {
		m.logger.Warn("environment teardown failed", zap.Error(err))
	}

	final := m.Metrics()
	m.logger.Info("environment manager shut down",
		zap.Int64("environments_created", final.EnvironmentsCreated),
		zap.Int64("resources_created", final.ResourcesCreated),
		zap.Int64("resources_cleaned", final.ResourcesCleaned),
		zap.Int64("cleanup_failures", final.CleanupFailures),
		zap.Duration("avg_creation", final.AvgCreation),
		zap.Duration("avg_cleanup", final.AvgCleanup))
	return nil
}

// movingAvg folds a new sample into an exponential moving average.
func movingAvg(cur, sample time.Duration) time.Duration {
	if cur == 0 {
		return sample
	}
	return (cur*9 + sample) / 10
}
