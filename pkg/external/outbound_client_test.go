package external

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedTransport serves a fixed status per call and counts invocations.
type scriptedTransport struct {
	calls  atomic.Int64
	status atomic.Int64
}

func (s *scriptedTransport) RoundTrip(*http.Request) (*http.Response, error) {
	s.calls.Add(1)
	code := int(s.status.Load())
	return &http.Response{
		StatusCode: code,
		Status:     http.StatusText(code),
		Body:       io.NopCloser(strings.NewReader("")),
		Header:     make(http.Header),
	}, nil
}

func newBreakerClient(t *testing.T, transport http.RoundTripper, threshold uint32, cooldown time.Duration) *OutboundClient {
	t.Helper()
	cfg := OutboundClientConfig{
		FailureThreshold: threshold,
		Cooldown:         cooldown,
		RequestTimeout:   time.Second,
		MaxRetries:       0,
		InitialBackoff:   time.Millisecond,
		Transport:        transport,
	}
	client, err := NewOutboundClient("t1_outbound_client", cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Cleanup(context.Background()) })
	return client
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	transport := &scriptedTransport{}
	transport.status.Store(http.StatusInternalServerError)
	client := newBreakerClient(t, transport, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := client.Get(ctx, "http://backend.test/")
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, client.State())
	assert.Equal(t, int64(3), transport.calls.Load())

	// While open, calls fail fast without touching the transport.
	_, err := client.Get(ctx, "http://backend.test/")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int64(3), transport.calls.Load())
}

func TestBreakerHalfOpenTrialSuccessCloses(t *testing.T) {
	transport := &scriptedTransport{}
	transport.status.Store(http.StatusInternalServerError)
	client := newBreakerClient(t, transport, 2, 30*time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := client.Get(ctx, "http://backend.test/")
		require.Error(t, err)
	}
	require.Equal(t, gobreaker.StateOpen, client.State())

	time.Sleep(50 * time.Millisecond)
	transport.status.Store(http.StatusOK)

	resp, err := client.Get(ctx, "http://backend.test/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, gobreaker.StateClosed, client.State())
}

func TestBreakerHalfOpenTrialFailureReopens(t *testing.T) {
	transport := &scriptedTransport{}
	transport.status.Store(http.StatusInternalServerError)
	client := newBreakerClient(t, transport, 2, 30*time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := client.Get(ctx, "http://backend.test/")
		require.Error(t, err)
	}
	time.Sleep(50 * time.Millisecond)

	_, err := client.Get(ctx, "http://backend.test/")
	require.Error(t, err)
	assert.Equal(t, gobreaker.StateOpen, client.State())

	// Still within the fresh cooldown: fail fast again.
	_, err = client.Get(ctx, "http://backend.test/")
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestRetriesHappenInsideOneBreakerAttempt(t *testing.T) {
	transport := &scriptedTransport{}
	transport.status.Store(http.StatusInternalServerError)

	cfg := OutboundClientConfig{
		FailureThreshold: 5,
		Cooldown:         time.Minute,
		RequestTimeout:   time.Second,
		MaxRetries:       2,
		InitialBackoff:   time.Millisecond,
		Transport:        transport,
	}
	client, err := NewOutboundClient("t1_outbound_client", cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Cleanup(context.Background()) })

	_, err = client.Get(context.Background(), "http://backend.test/")
	require.Error(t, err)

	// 1 attempt + 2 retries, but a single failure from the breaker's view.
	assert.Equal(t, int64(3), transport.calls.Load())
	assert.Equal(t, gobreaker.StateClosed, client.State())
}

func TestClientErrorsAreReturnedUntouched(t *testing.T) {
	transport := &scriptedTransport{}
	transport.status.Store(http.StatusNotFound)
	client := newBreakerClient(t, transport, 3, time.Minute)

	resp, err := client.Get(context.Background(), "http://backend.test/missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, gobreaker.StateClosed, client.State())
}
