package external

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/thc1006/testenv/pkg/resource"
)

// Isolated mirrors the environment manager's contract: any managed variant
// exposing its lifecycle handle.
type Isolated interface {
	Base() *resource.Resource
}

// Config bundles the per-kind settings for the service manager.
type Config struct {
	Channel DuplexChannelConfig
	Client  OutboundClientConfig
	Sandbox SandboxConfig
	Metered MeteredServiceConfig
}

// DefaultConfig returns working defaults for all four service kinds.
func DefaultConfig() Config {
	return Config{
		Channel: DefaultDuplexChannelConfig(),
		Client:  DefaultOutboundClientConfig(),
		Sandbox: DefaultSandboxConfig(),
		Metered: DefaultMeteredServiceConfig(),
	}
}

// ServiceEnvironment is the bundle of external-service resources created for
// one test id. Fields are nil for kinds that were not requested.
type ServiceEnvironment struct {
	TestID  string
	Channel *DuplexChannel
	Client  *OutboundClient
	Sandbox *Sandbox
	Metered *MeteredService
}

// members lists the non-nil resources.
func (e *ServiceEnvironment) members() []Isolated {
	var out []Isolated
	if e.Channel != nil {
		out = append(out, e.Channel)
	}
	if e.Client != nil {
		out = append(out, e.Client)
	}
	if e.Sandbox != nil {
		out = append(out, e.Sandbox)
	}
	if e.Metered != nil {
		out = append(out, e.Metered)
	}
	return out
}

// Manager orchestrates external-service resources with the same
// create/use/guaranteed-cleanup contract as the database environment
// manager.
type Manager struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.RWMutex
	registry map[string]Isolated
}

// NewManager builds the service manager.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "external")),
		registry: make(map[string]Isolated),
	}
}

func (m *Manager) register(res Isolated) {
	m.mu.Lock()
	m.registry[res.Base().ID()] = res
	m.mu.Unlock()
}

// CreateServiceEnvironment builds one resource per requested kind, hands the
// bundle to fn, and guarantees teardown when fn returns, also on error or
// panic. Unknown kinds fail before anything is created.
func (m *Manager) CreateServiceEnvironment(ctx context.Context, testID string, kinds []resource.Kind, fn func(ctx context.Context, env *ServiceEnvironment) error) error {
	for _, kind := range kinds {
		switch kind {
		case resource.KindDuplexChannel, resource.KindOutboundClient, resource.KindSandbox, resource.KindEphemeralData:
		default:
			return &resource.KindMismatchError{ResourceID: testID, Got: kind}
		}
	}

	env := &ServiceEnvironment{TestID: testID}
	defer func() {
		for _, member := range env.members() {
			m.cleanupAndDeregister(ctx, member)
		}
	}()

	for _, kind := range kinds {
		id := testID + "_" + string(kind)
		switch kind {
		case resource.KindDuplexChannel:
			ch, err := NewDuplexChannel(ctx, id, m.cfg.Channel, m.logger)
			if err != nil {
				return fmt.Errorf("create duplex channel: %w", err)
			}
			env.Channel = ch
			m.register(ch)
		case resource.KindOutboundClient:
			cl, err := NewOutboundClient(id, m.cfg.Client, m.logger)
			if err != nil {
				return fmt.Errorf("create outbound client: %w", err)
			}
			env.Client = cl
			m.register(cl)
		case resource.KindSandbox:
			sb, err := NewSandbox(id, m.cfg.Sandbox, m.logger)
			if err != nil {
				return fmt.Errorf("create sandbox: %w", err)
			}
			env.Sandbox = sb
			m.register(sb)
		case resource.KindEphemeralData:
			ms, err := NewMeteredService(id, m.cfg.Metered, m.logger)
			if err != nil {
				return fmt.Errorf("create metered service: %w", err)
			}
			env.Metered = ms
			m.register(ms)
		}
	}

	return fn(ctx, env)
}

// CleanupTestServices cleans every registered service resource whose id
// carries the test-id prefix, in parallel.
func (m *Manager) CleanupTestServices(ctx context.Context, testID string) error {
	prefix := testID + "_"

	m.mu.RLock()
	var members []Isolated
	for id, res := range m.registry {
		if len(id) >= len(prefix) && id[:len(prefix)] == prefix {
			members = append(members, res)
		}
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, member := range members {
		member := member
		g.Go(func() error {
			m.cleanupAndDeregister(gctx, member)
			return nil
		})
	}
	return g.Wait()
}

// ActiveServices returns the ids currently registered.
func (m *Manager) ActiveServices() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.registry))
	for id := range m.registry {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown force-cleans everything still registered.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	members := make([]Isolated, 0, len(m.registry))
	for _, res := range m.registry {
		members = append(members, res)
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, member := range members {
		member := member
		g.Go(func() error {
			m.cleanupAndDeregister(gctx, member)
			return nil
		})
	}
	_ = g.Wait()
	m.logger.Info("external service manager shut down", zap.Int("cleaned", len(members)))
	return nil
}

func (m *Manager) cleanupAndDeregister(ctx context.Context, member Isolated) {
	base := member.Base()
	if err := base.Cleanup(ctx); err != nil {
		m.logger.Warn("service cleanup failed",
			zap.String("resource_id", base.ID()),
			zap.Error(err))
	}
	m.mu.Lock()
	delete(m.registry, base.ID())
	m.mu.Unlock()
}
