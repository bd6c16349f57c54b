package envmgr

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// HealthStatus is one advisory observation of a registered resource. The
// monitor records these; it never removes or restarts resources.
type HealthStatus struct {
	ResourceID   string
	Kind         string
	Healthy      bool
	ResponseTime time.Duration
	CheckedAt    time.Time
	Error        string
}

// HealthSnapshot returns the latest observation per registered resource.
func (m *Manager) HealthSnapshot() map[string]HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]HealthStatus, len(m.health))
	for id, st := range m.health {
		out[id] = st
	}
	return out
}

func (m *Manager) healthLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.checkAll()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) checkAll() {
	m.mu.RLock()
	members := make([]Isolated, 0, len(m.registry))
	for _, res := range m.registry {
		members = append(members, res)
	}
	m.mu.RUnlock()

	for _, member := range members {
		base := member.Base()

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HealthProbeTimeout)
		start := time.Now()
		err := base.Probe(ctx)
		elapsed := time.Since(start)
		cancel()

		status := HealthStatus{
			ResourceID:   base.ID(),
			Kind:         string(base.Kind()),
			Healthy:      err == nil && base.Active(),
			ResponseTime: elapsed,
			CheckedAt:    time.Now(),
		}
		if err != nil {
			status.Error = err.Error()
			m.logger.Warn("resource health probe failed",
				zap.String("resource_id", base.ID()),
				zap.Duration("response_time", elapsed),
				zap.Error(err))
		}

		m.mu.Lock()
		// Only record resources still registered; a concurrently cleaned
		// resource must not reappear in the snapshot.
		if _, ok := m.registry[base.ID()]; ok {
			m.health[base.ID()] = status
		}
		m.mu.Unlock()
	}
}
