package external

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/thc1006/testenv/pkg/resource"
)

// ErrCircuitOpen is returned without attempting the network when the breaker
// has declared the backend known-bad. It is distinct from a failure of the
// particular call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// OutboundClientConfig controls retries, pacing and the circuit breaker.
type OutboundClientConfig struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// breaker from closed to open.
	FailureThreshold uint32
	// Cooldown is how long the breaker stays open before permitting a single
	// half-open trial call.
	Cooldown time.Duration
	// RequestTimeout bounds each individual attempt.
	RequestTimeout time.Duration
	// MaxRetries is the number of backoff retries inside one breaker-visible
	// attempt. Zero disables retrying.
	MaxRetries uint64
	// InitialBackoff seeds the exponential retry schedule.
	InitialBackoff time.Duration
	// RequestsPerSecond paces outgoing calls; zero disables pacing.
	RequestsPerSecond float64
	// Burst is the pacing burst size.
	Burst int
	// Transport overrides the HTTP transport; nil uses the default.
	Transport http.RoundTripper
}

// DefaultOutboundClientConfig returns conservative test defaults.
func DefaultOutboundClientConfig() OutboundClientConfig {
	return OutboundClientConfig{
		FailureThreshold: 5,
		Cooldown:         10 * time.Second,
		RequestTimeout:   10 * time.Second,
		MaxRetries:       2,
		InitialBackoff:   100 * time.Millisecond,
	}
}

// OutboundClient wraps an HTTP client with a circuit breaker and optional
// exponential-backoff retries. Retries happen inside a single breaker
// attempt, so the breaker counts backend outcomes, not individual packets.
type OutboundClient struct {
	*resource.Resource

	cfg     OutboundClientConfig
	logger  *zap.Logger
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// NewOutboundClient builds the guarded client and registers connection-pool
// teardown as cleanup.
func NewOutboundClient(id string, cfg OutboundClientConfig, logger *zap.Logger) (*OutboundClient, error) {
	base, err := resource.New(id, resource.KindOutboundClient, logger)
	if err != nil {
		return nil, err
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := &OutboundClient{
		Resource: base,
		cfg:      cfg,
		logger:   logger.With(zap.String("client", id)),
		http: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: cfg.Transport,
		},
	}
	client.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: id,
		// Exactly one trial call is allowed in half-open; its outcome alone
		// decides whether the breaker closes or reopens.
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			client.logger.Info("circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		client.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	base.AddCleanup(func(context.Context) error {
		client.http.CloseIdleConnections()
		return nil
	})
	return client, nil
}

// State returns the breaker's current state.
func (c *OutboundClient) State() gobreaker.State {
	return c.breaker.State()
}

// Do executes the request through pacing, the breaker, and the retry
// schedule. A response with a 5xx status counts as a failure toward the
// breaker; 4xx responses are handed back to the caller untouched.
func (c *OutboundClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if !c.Active() {
		return nil, resource.ErrInactive
	}
	c.Touch()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.attemptWithRetries(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrCircuitOpen
		}
		return nil, err
	}
	return out.(*http.Response), nil
}

// Get is a convenience wrapper around Do.
func (c *OutboundClient) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

func (c *OutboundClient) attemptWithRetries(ctx context.Context, req *http.Request) (*http.Response, error) {
	var resp *http.Response

	attempt := func() error {
		fresh := req.Clone(ctx)
		if req.Body != nil && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return backoff.Permanent(err)
			}
			fresh.Body = body
		}

		r, err := c.http.Do(fresh)
		if err != nil {
			return err
		}
		if r.StatusCode >= http.StatusInternalServerError {
			r.Body.Close()
			return fmt.Errorf("backend returned %s", r.Status)
		}
		resp = r
		return nil
	}

	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = c.cfg.InitialBackoff
	var policy backoff.BackOff = backoff.WithContext(schedule, ctx)
	policy = backoff.WithMaxRetries(policy, c.cfg.MaxRetries)

	if err := backoff.Retry(attempt, policy); err != nil {
		return nil, err
	}
	return resp, nil
}
