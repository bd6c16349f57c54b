package external

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/thc1006/testenv/pkg/resource"
)

// ErrLimitExceeded is the umbrella condition raised before the call is
// attempted, distinguishing a refused call from a downstream failure.
var ErrLimitExceeded = errors.New("service limit exceeded")

// ErrRateLimitExceeded reports the rolling per-minute request cap was hit.
var ErrRateLimitExceeded = fmt.Errorf("%w: request rate", ErrLimitExceeded)

// ErrCostBudgetExceeded reports the cumulative cost cap was hit.
var ErrCostBudgetExceeded = fmt.Errorf("%w: cost budget", ErrLimitExceeded)

// MeteredServiceConfig caps usage of the generative-service stub.
type MeteredServiceConfig struct {
	// RequestsPerWindow is the request cap within the rolling window.
	RequestsPerWindow int
	// Window is the rolling window length.
	Window time.Duration
	// CostBudget is the absolute cumulative cost cap.
	CostBudget float64
}

// DefaultMeteredServiceConfig allows 60 requests per minute and a unit-less
// budget of 10.
func DefaultMeteredServiceConfig() MeteredServiceConfig {
	return MeteredServiceConfig{
		RequestsPerWindow: 60,
		Window:            time.Minute,
		CostBudget:        10,
	}
}

// MeteredService is a rate- and cost-limited stand-in for a generative
// backend. Request count, cumulative cost and timestamps move together under
// one lock, so partial updates are never observable.
type MeteredService struct {
	*resource.Resource

	cfg    MeteredServiceConfig
	logger *zap.Logger

	mu            sync.Mutex
	window        []time.Time
	totalCost     float64
	totalRequests int64
}

// NewMeteredService builds the stub; it owns no external state, so cleanup
// only deactivates the handle.
func NewMeteredService(id string, cfg MeteredServiceConfig, logger *zap.Logger) (*MeteredService, error) {
	base, err := resource.New(id, resource.KindEphemeralData, logger)
	if err != nil {
		return nil, err
	}
	if cfg.RequestsPerWindow <= 0 {
		cfg.RequestsPerWindow = 60
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.CostBudget <= 0 {
		cfg.CostBudget = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MeteredService{
		Resource: base,
		cfg:      cfg,
		logger:   logger.With(zap.String("service", id)),
	}, nil
}

// pruneLocked drops window entries older than the rolling window. Callers
// hold s.mu.
func (s *MeteredService) pruneLocked(now time.Time) {
	cutoff := now.Add(-s.cfg.Window)
	i := 0
	for i < len(s.window) && s.window[i].Before(cutoff) {
		i++
	}
	s.window = s.window[i:]
}

func (s *MeteredService) checkLocked(now time.Time, cost float64) error {
	s.pruneLocked(now)
	if len(s.window) >= s.cfg.RequestsPerWindow {
		return ErrRateLimitExceeded
	}
	if s.totalCost+cost > s.cfg.CostBudget {
		return ErrCostBudgetExceeded
	}
	return nil
}

// CheckLimit reports whether another zero-cost request would currently be
// admitted. For a race-free admit-and-record, use Invoke.
func (s *MeteredService) CheckLimit() error {
	if !s.Active() {
		return resource.ErrInactive
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkLocked(time.Now(), 0)
}

// RecordRequest accounts one completed request. Count, cost and timestamp
// are updated atomically together.
func (s *MeteredService) RecordRequest(cost float64) {
	s.Touch()
	s.mu.Lock()
	s.window = append(s.window, time.Now())
	s.totalCost += cost
	s.totalRequests++
	s.mu.Unlock()
}

// Invoke admits the call against both caps, runs fn, and keeps the
// reservation only if fn succeeds. Admission and accounting happen under one
// lock acquisition, so concurrent callers can never overshoot the caps the
// way a separate check-then-record would.
func (s *MeteredService) Invoke(ctx context.Context, cost float64, fn func(ctx context.Context) error) error {
	if !s.Active() {
		return resource.ErrInactive
	}
	s.Touch()

	now := time.Now()
	s.mu.Lock()
	if err := s.checkLocked(now, cost); err != nil {
		s.mu.Unlock()
		return err
	}
	s.window = append(s.window, now)
	s.totalCost += cost
	s.totalRequests++
	s.mu.Unlock()

	if err := fn(ctx); err != nil {
		// The call never happened as far as the caps are concerned.
		s.mu.Lock()
		for i := len(s.window) - 1; i >= 0; i-- {
			if s.window[i].Equal(now) {
				s.window = append(s.window[:i], s.window[i+1:]...)
				break
			}
		}
		s.totalCost -= cost
		s.totalRequests--
		s.mu.Unlock()
		return err
	}
	return nil
}

// Usage returns the current in-window request count, lifetime request count
// and cumulative cost as one consistent snapshot.
func (s *MeteredService) Usage() (inWindow int, total int64, cost float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(time.Now())
	return len(s.window), s.totalRequests, s.totalCost
}
