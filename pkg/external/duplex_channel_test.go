package external

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thc1006/testenv/pkg/resource"
)

func newTestChannel(t *testing.T) *DuplexChannel {
	t.Helper()
	ch, err := NewDuplexChannel(context.Background(), "t1_duplex_channel", DefaultDuplexChannelConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Cleanup(context.Background()) })
	return ch
}

func TestChannelBindsPortInRange(t *testing.T) {
	cfg := DefaultDuplexChannelConfig()
	ch := newTestChannel(t)
	assert.GreaterOrEqual(t, ch.Port(), cfg.PortRangeStart)
	assert.LessOrEqual(t, ch.Port(), cfg.PortRangeEnd)
}

func TestHandlerReplyRoundTrip(t *testing.T) {
	ch := newTestChannel(t)

	ch.RegisterHandler("echo", func(env Envelope) *Envelope {
		return &Envelope{Type: "echo_reply", Payload: env.Payload}
	})

	payload, _ := json.Marshal("hello")
	require.NoError(t, ch.Send(Envelope{Type: "echo", Payload: payload}))

	reply, err := ch.Receive(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "echo_reply", reply.Type)
	assert.JSONEq(t, `"hello"`, string(reply.Payload))
}

func TestReceiveTimesOut(t *testing.T) {
	ch := newTestChannel(t)

	_, err := ch.Receive(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrReceiveTimeout)
}

func TestBroadcastReachesClient(t *testing.T) {
	ch := newTestChannel(t)

	// The server only learns about the connection after the upgrade
	// completes; sending one message first guarantees registration.
	require.NoError(t, ch.Send(Envelope{Type: "hello"}))
	require.Eventually(t, func() bool {
		return len(ch.MessagesOfType("hello")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ch.Broadcast(Envelope{Type: "announce"}))

	env, err := ch.Receive(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "announce", env.Type)
}

func TestInboundBufferFiltersByType(t *testing.T) {
	ch := newTestChannel(t)

	require.NoError(t, ch.Send(Envelope{Type: "metric"}))
	require.NoError(t, ch.Send(Envelope{Type: "event"}))
	require.NoError(t, ch.Send(Envelope{Type: "metric"}))

	require.Eventually(t, func() bool {
		return len(ch.MessagesOfType("metric")) == 2 && len(ch.MessagesOfType("event")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, ch.MessagesOfType("unknown"))
}

func TestChannelUnusableAfterCleanup(t *testing.T) {
	ch, err := NewDuplexChannel(context.Background(), "t1_duplex_channel", DefaultDuplexChannelConfig(), nil)
	require.NoError(t, err)

	require.NoError(t, ch.Cleanup(context.Background()))
	assert.ErrorIs(t, ch.Send(Envelope{Type: "late"}), resource.ErrInactive)
	_, err = ch.Receive(10 * time.Millisecond)
	assert.ErrorIs(t, err, resource.ErrInactive)
}
