// Package external manages non-database test externalities: a local duplex
// message channel, an outbound client guarded by a circuit breaker, an
// isolated filesystem sandbox, and a rate/cost-metered service stub. All
// follow the same create/use/guaranteed-cleanup contract as the database
// environment manager.
package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/thc1006/testenv/pkg/resource"
)

// ErrReceiveTimeout is returned when no message arrives within the deadline
// passed to Receive.
var ErrReceiveTimeout = errors.New("timed out waiting for message")

// ErrNoFreePort is returned when every port in the scanned range is taken.
var ErrNoFreePort = errors.New("no free port in configured range")

// Envelope is the message unit exchanged over the duplex channel.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sent_at,omitempty"`
}

// MessageHandler processes one inbound message on the server side. A non-nil
// return value is sent back to the sender.
type MessageHandler func(Envelope) *Envelope

// DuplexChannelConfig controls the channel's listener and buffering.
type DuplexChannelConfig struct {
	// PortRangeStart/End bound the scan for a free listener port.
	PortRangeStart int
	PortRangeEnd   int
	// ReceiveBuffer is the client-side inbound queue depth.
	ReceiveBuffer int
}

// DefaultDuplexChannelConfig returns a loopback-friendly configuration.
func DefaultDuplexChannelConfig() DuplexChannelConfig {
	return DuplexChannelConfig{
		PortRangeStart: 18400,
		PortRangeEnd:   18500,
		ReceiveBuffer:  64,
	}
}

// DuplexChannel is a local websocket server plus a client connection to it.
// Tests exercise bidirectional messaging against it without any external
// broker. All inbound messages are retained for later inspection by type.
type DuplexChannel struct {
	*resource.Resource

	cfg    DuplexChannelConfig
	logger *zap.Logger

	server   *http.Server
	listener net.Listener
	port     int

	client   *websocket.Conn
	clientMu sync.Mutex // serializes client writes
	received chan Envelope

	mu       sync.Mutex
	conns    map[*websocket.Conn]*sync.Mutex // server conns with per-conn write locks
	handlers map[string]MessageHandler
	inbound  []Envelope

	wg sync.WaitGroup
}

// NewDuplexChannel binds a server to the first free port in the configured
// range, connects a client to it, and registers full teardown as cleanup.
func NewDuplexChannel(ctx context.Context, id string, cfg DuplexChannelConfig, logger *zap.Logger) (*DuplexChannel, error) {
	base, err := resource.New(id, resource.KindDuplexChannel, logger)
	if err != nil {
		return nil, err
	}
	if cfg.PortRangeStart <= 0 || cfg.PortRangeEnd < cfg.PortRangeStart {
		def := DefaultDuplexChannelConfig()
		cfg.PortRangeStart, cfg.PortRangeEnd = def.PortRangeStart, def.PortRangeEnd
	}
	if cfg.ReceiveBuffer <= 0 {
		cfg.ReceiveBuffer = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ch := &DuplexChannel{
		Resource: base,
		cfg:      cfg,
		logger:   logger.With(zap.String("channel", id)),
		received: make(chan Envelope, cfg.ReceiveBuffer),
		conns:    make(map[*websocket.Conn]*sync.Mutex),
		handlers: make(map[string]MessageHandler),
	}

	listener, port, err := ch.bindFirstFree()
	if err != nil {
		return nil, err
	}
	ch.listener = listener
	ch.port = port

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", ch.handleUpgrade)
	ch.server = &http.Server{Handler: mux}

	ch.wg.Add(1)
	go func() {
		defer ch.wg.Done()
		if err := ch.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			ch.logger.Warn("channel server stopped", zap.Error(err))
		}
	}()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	client, _, err := dialer.DialContext(ctx, fmt.Sprintf("ws://127.0.0.1:%d/ws", port), nil)
	if err != nil {
		ch.server.Close()
		return nil, fmt.Errorf("dial channel client: %w", err)
	}
	ch.client = client

	ch.wg.Add(1)
	go ch.clientReadPump()

	base.AddCleanup(func(ctx context.Context) error {
		return ch.close(ctx)
	})
	return ch, nil
}

// Port returns the bound listener port.
func (ch *DuplexChannel) Port() int { return ch.port }

func (ch *DuplexChannel) bindFirstFree() (net.Listener, int, error) {
	for port := ch.cfg.PortRangeStart; port <= ch.cfg.PortRangeEnd; port++ {
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return l, port, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: %d-%d", ErrNoFreePort, ch.cfg.PortRangeStart, ch.cfg.PortRangeEnd)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true }, // loopback only
}

func (ch *DuplexChannel) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ch.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	writeMu := &sync.Mutex{}
	ch.mu.Lock()
	ch.conns[conn] = writeMu
	ch.mu.Unlock()

	ch.wg.Add(1)
	go ch.serverReadPump(conn, writeMu)
}

// serverReadPump buffers every inbound message and dispatches the registered
// handler for its type, replying to the sender when the handler returns a
// message.
func (ch *DuplexChannel) serverReadPump(conn *websocket.Conn, writeMu *sync.Mutex) {
	defer ch.wg.Done()
	defer func() {
		ch.mu.Lock()
		delete(ch.conns, conn)
		ch.mu.Unlock()
		conn.Close()
	}()

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}

		ch.mu.Lock()
		ch.inbound = append(ch.inbound, env)
		handler := ch.handlers[env.Type]
		ch.mu.Unlock()

		if handler == nil {
			continue
		}
		if reply := handler(env); reply != nil {
			writeMu.Lock()
			err := conn.WriteJSON(reply)
			writeMu.Unlock()
			if err != nil {
				ch.logger.Warn("handler reply failed",
					zap.String("type", env.Type), zap.Error(err))
			}
		}
	}
}

func (ch *DuplexChannel) clientReadPump() {
	defer ch.wg.Done()
	for {
		var env Envelope
		if err := ch.client.ReadJSON(&env); err != nil {
			close(ch.received)
			return
		}
		select {
		case ch.received <- env:
		default:
			ch.logger.Warn("receive buffer full, dropping message",
				zap.String("type", env.Type))
		}
	}
}

// Send transmits a message from the client side to the server.
func (ch *DuplexChannel) Send(env Envelope) error {
	if !ch.Active() {
		return resource.ErrInactive
	}
	ch.Touch()
	if env.SentAt.IsZero() {
		env.SentAt = time.Now()
	}
	ch.clientMu.Lock()
	defer ch.clientMu.Unlock()
	return ch.client.WriteJSON(env)
}

// Receive waits up to timeout for the next message delivered to the client
// side (handler replies and broadcasts).
func (ch *DuplexChannel) Receive(timeout time.Duration) (Envelope, error) {
	if !ch.Active() {
		return Envelope{}, resource.ErrInactive
	}
	ch.Touch()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env, ok := <-ch.received:
		if !ok {
			return Envelope{}, resource.ErrInactive
		}
		return env, nil
	case <-timer.C:
		return Envelope{}, ErrReceiveTimeout
	}
}

// Broadcast sends a message from the server to every connected client.
func (ch *DuplexChannel) Broadcast(env Envelope) error {
	if !ch.Active() {
		return resource.ErrInactive
	}
	ch.Touch()
	if env.SentAt.IsZero() {
		env.SentAt = time.Now()
	}

	ch.mu.Lock()
	targets := make(map[*websocket.Conn]*sync.Mutex, len(ch.conns))
	for conn, mu := range ch.conns {
		targets[conn] = mu
	}
	ch.mu.Unlock()

	var errs []error
	for conn, writeMu := range targets {
		writeMu.Lock()
		err := conn.WriteJSON(env)
		writeMu.Unlock()
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RegisterHandler installs the handler invoked when the server receives a
// message of the given type.
func (ch *DuplexChannel) RegisterHandler(msgType string, handler MessageHandler) {
	ch.mu.Lock()
	ch.handlers[msgType] = handler
	ch.mu.Unlock()
}

// MessagesOfType returns the buffered inbound messages carrying the given
// type tag, in arrival order.
func (ch *DuplexChannel) MessagesOfType(msgType string) []Envelope {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	var out []Envelope
	for _, env := range ch.inbound {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

func (ch *DuplexChannel) close(ctx context.Context) error {
	var errs []error
	if ch.client != nil {
		errs = append(errs, ch.client.Close())
	}

	ch.mu.Lock()
	for conn := range ch.conns {
		conn.Close()
	}
	ch.mu.Unlock()

	if err := ch.server.Shutdown(ctx); err != nil {
		errs = append(errs, ch.server.Close())
	}
	ch.wg.Wait()
	return errors.Join(errs...)
}
