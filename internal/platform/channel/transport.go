// Package channel manages the client side of persistent notification
// channels. A WebSocketTransport owns exactly one outbound socket to one
// endpoint, exposes received frames as a bounded stream, and supervises
// reconnection with exponential backoff when the socket drops unexpectedly.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	// ErrConnectionFailed reports that a socket could not be opened.
	ErrConnectionFailed = errors.New("channel: connection failed")
	// ErrNotConnected reports a send attempted while no socket is attached.
	ErrNotConnected = errors.New("channel: not connected")
	// ErrAlreadyConnected reports a Connect on a transport that already
	// has a live or pending socket.
	ErrAlreadyConnected = errors.New("channel: already connected")
)

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Transport is the client side of one notification channel.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Send(message []byte) error
	Receive() <-chan []byte
	State() State
}

const defaultStreamBuffer = 64

// WebSocketTransport implements Transport over a single outbound WebSocket.
//
// All mutable state (connection state, reconnect counter, socket handle) is
// guarded by one mutex and never leaks outside it. The receive loop is the
// sole reader of the socket and the sole producer of the message stream.
//
// The message stream completes at most once: after Disconnect, or after
// reconnection attempts are exhausted. A transport whose stream has
// completed no longer produces messages even if reconnected; callers that
// want a fresh stream build a fresh transport. Receive must be called after
// a successful Connect.
type WebSocketTransport struct {
	endpoint        string
	policy          BackoffPolicy
	dialTimeout     time.Duration
	readIdleTimeout time.Duration
	dialHeader      http.Header
	logger          zerolog.Logger

	// ctx is cancelled by Disconnect; it bounds reconnect backoff waits
	// and the dial phase of every reconnect attempt.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	attempts int
	conn     Conn
	pending  net.Conn
	stopped  bool

	writeMu sync.Mutex

	streamMu     sync.Mutex
	stream       chan []byte
	streamClosed bool
	dropped      uint64

	startReceive sync.Once
	wg           sync.WaitGroup
}

var _ Transport = (*WebSocketTransport)(nil)

// TransportOption configures a WebSocketTransport.
type TransportOption func(*WebSocketTransport)

// WithBackoff sets the reconnection policy. The default is
// DefaultBackoffPolicy.
func WithBackoff(p BackoffPolicy) TransportOption {
	return func(t *WebSocketTransport) { t.policy = p }
}

// WithDialTimeout bounds the WebSocket handshake.
func WithDialTimeout(d time.Duration) TransportOption {
	return func(t *WebSocketTransport) { t.dialTimeout = d }
}

// WithDialHeader sets extra HTTP headers sent with the upgrade request,
// such as the headers configured on the subscription's channel.
func WithDialHeader(h http.Header) TransportOption {
	return func(t *WebSocketTransport) { t.dialHeader = h }
}

// WithReadIdleTimeout arms a read deadline before every frame read. A
// connection silent for longer than d is treated as broken and feeds the
// ordinary reconnect path. Zero (the default) disables local liveness
// detection; heartbeatPeriod and timeout on a subscription are server-side
// metadata and are not enforced here unless this option is set.
func WithReadIdleTimeout(d time.Duration) TransportOption {
	return func(t *WebSocketTransport) { t.readIdleTimeout = d }
}

// WithStreamBuffer sets the message stream's buffer capacity. When the
// buffer is full the oldest frame is discarded to admit the newest, so a
// slow consumer costs bounded memory and never blocks the receive loop.
func WithStreamBuffer(n int) TransportOption {
	return func(t *WebSocketTransport) {
		if n > 0 {
			t.stream = make(chan []byte, n)
		}
	}
}

// WithLogger sets the transport's logger. The default discards everything.
func WithLogger(logger zerolog.Logger) TransportOption {
	return func(t *WebSocketTransport) { t.logger = logger }
}

// NewWebSocketTransport creates a transport for the given ws:// or wss://
// endpoint. The transport starts disconnected.
func NewWebSocketTransport(endpoint string, opts ...TransportOption) *WebSocketTransport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &WebSocketTransport{
		endpoint:    endpoint,
		policy:      DefaultBackoffPolicy(),
		dialTimeout: 10 * time.Second,
		logger:      zerolog.Nop(),
		state:       StateDisconnected,
		stream:      make(chan []byte, defaultStreamBuffer),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect opens the socket. On success the state becomes connected and the
// reconnect counter resets to zero. On failure the state reverts to
// disconnected and the returned error wraps ErrConnectionFailed.
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	switch t.state {
	case StateConnecting, StateConnected, StateReconnecting:
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	t.state = StateConnecting
	// A transport may be reconnected after Disconnect (the counter resets),
	// though its spent message stream stays completed.
	t.stopped = false
	t.mu.Unlock()

	conn, err := t.dial(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.state = StateDisconnected
		return fmt.Errorf("%w: dialing %s: %v", ErrConnectionFailed, t.endpoint, err)
	}
	if t.stopped {
		// Disconnect raced the dial; drop the socket and stay down.
		conn.Close()
		t.state = StateDisconnected
		return fmt.Errorf("%w: transport stopped during dial", ErrConnectionFailed)
	}
	t.conn = conn
	t.state = StateConnected
	t.attempts = 0
	t.logger.Debug().Str("endpoint", t.endpoint).Msg("channel connected")
	return nil
}

// Disconnect stops the transport: the context is cancelled, the socket is
// closed (a dial caught mid-handshake is closed too), and the receive task
// is joined. When it returns the state is disconnected, the reconnect
// counter is zero, the message stream is complete, and no background work
// remains. It is idempotent.
func (t *WebSocketTransport) Disconnect() error {
	t.cancel()

	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	pending := t.pending
	t.pending = nil
	t.stopped = true
	t.state = StateDisconnected
	t.attempts = 0
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if pending != nil {
		pending.Close()
	}
	t.wg.Wait()
	t.completeStream()
	return nil
}

// Send writes one text frame to the socket. It fails with ErrNotConnected
// while no socket is attached.
func (t *WebSocketTransport) Send(message []byte) error {
	t.mu.Lock()
	if t.state != StateConnected || t.conn == nil {
		t.mu.Unlock()
		return ErrNotConnected
	}
	conn := t.conn
	t.mu.Unlock()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
		return fmt.Errorf("channel: writing frame: %w", err)
	}
	return nil
}

// Receive returns the transport's message stream and starts the background
// receive task on first call. The stream yields raw frames in arrival order
// and is closed when the transport disconnects or reconnection is
// exhausted; exhaustion is reported only through State, never as an error
// on the stream. On a transport that already stopped, the first call
// completes the stream instead of starting the task.
func (t *WebSocketTransport) Receive() <-chan []byte {
	t.startReceive.Do(func() {
		t.mu.Lock()
		if t.stopped {
			t.mu.Unlock()
			t.completeStream()
			return
		}
		// The Add shares the stopped check's critical section;
		// Disconnect's Wait must observe either both or neither.
		t.wg.Add(1)
		t.mu.Unlock()
		go t.receiveLoop()
	})
	return t.stream
}

// State returns the current connection state.
func (t *WebSocketTransport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ReconnectAttempts returns the number of reconnect attempts made since the
// last successful connect or explicit disconnect.
func (t *WebSocketTransport) ReconnectAttempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// Dropped returns how many frames were discarded because the stream buffer
// was full.
func (t *WebSocketTransport) Dropped() uint64 {
	t.streamMu.Lock()
	defer t.streamMu.Unlock()
	return t.dropped
}

// ---------------------------------------------------------------------------
// Receive loop and reconnection
// ---------------------------------------------------------------------------

// receiveLoop reads frames until the transport stops or reconnection is
// exhausted. It is iterative on purpose: one loop per transport lifetime,
// no re-entry per frame.
func (t *WebSocketTransport) receiveLoop() {
	defer t.wg.Done()
	defer t.completeStream()

	for {
		t.mu.Lock()
		conn := t.conn
		stopped := t.stopped
		t.mu.Unlock()

		if stopped || conn == nil {
			return
		}

		if t.readIdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(t.readIdleTimeout))
		}

		_, frame, err := conn.ReadMessage()
		if err != nil {
			if !t.reconnect(err) {
				return
			}
			continue
		}

		t.push(frame)
	}
}

// reconnect runs the reconnection procedure after an unexpected read error.
// It returns true once a new socket is attached, false when the transport
// stopped or the attempt budget is exhausted (which sets the failed state).
func (t *WebSocketTransport) reconnect(cause error) bool {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return false
	}
	if old := t.conn; old != nil {
		old.Close()
		t.conn = nil
	}
	t.state = StateReconnecting
	policy := t.policy
	t.mu.Unlock()

	t.logger.Warn().Err(cause).Str("endpoint", t.endpoint).Msg("channel lost, reconnecting")

	for {
		t.mu.Lock()
		if t.stopped {
			t.mu.Unlock()
			return false
		}
		if t.attempts >= policy.MaxAttempts {
			t.state = StateFailed
			t.mu.Unlock()
			t.logger.Error().
				Str("endpoint", t.endpoint).
				Int("attempts", policy.MaxAttempts).
				Msg("channel reconnection exhausted")
			return false
		}
		delay := policy.Delay(t.attempts)
		t.attempts++
		attempt := t.attempts
		t.mu.Unlock()

		select {
		case <-t.ctx.Done():
			return false
		case <-time.After(delay):
		}

		conn, err := t.dial(t.ctx)
		if err != nil {
			t.logger.Warn().Err(err).
				Str("endpoint", t.endpoint).
				Int("attempt", attempt).
				Msg("channel reconnect attempt failed")
			continue
		}

		t.mu.Lock()
		if t.stopped {
			t.mu.Unlock()
			conn.Close()
			return false
		}
		t.conn = conn
		t.state = StateConnected
		t.attempts = 0
		t.mu.Unlock()

		t.logger.Info().Str("endpoint", t.endpoint).Int("attempt", attempt).Msg("channel reconnected")
		return true
	}
}

// dial opens one socket. The raw connection is tracked from the end of the
// TCP phase until the handshake resolves, so Disconnect can close it and
// abort the handshake: context cancellation alone only covers the TCP
// phase.
func (t *WebSocketTransport) dial(ctx context.Context) (Conn, error) {
	netDialer := &net.Dialer{}
	dialer := &websocket.Dialer{
		HandshakeTimeout: t.dialTimeout,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			nc, err := netDialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			t.trackPending(nc)
			return nc, nil
		},
	}
	conn, resp, err := dialer.DialContext(ctx, t.endpoint, t.dialHeader)
	t.trackPending(nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	return &gorillaConn{conn: conn}, nil
}

// trackPending records the socket a dial is handshaking on, or clears it
// with nil. A socket recorded after the transport stopped is closed here;
// the dial then fails and its caller observes the stop.
func (t *WebSocketTransport) trackPending(nc net.Conn) {
	t.mu.Lock()
	stopped := t.stopped
	t.pending = nc
	t.mu.Unlock()
	if nc != nil && stopped {
		nc.Close()
	}
}

// push delivers one frame to the stream. When the buffer is full the oldest
// queued frame is dropped to admit the newest; the receive loop is the only
// producer, so the freed slot cannot be stolen before the send below.
func (t *WebSocketTransport) push(frame []byte) {
	t.streamMu.Lock()
	defer t.streamMu.Unlock()
	if t.streamClosed {
		return
	}
	select {
	case t.stream <- frame:
		return
	default:
	}
	select {
	case <-t.stream:
		t.dropped++
		t.logger.Warn().Str("endpoint", t.endpoint).Uint64("dropped", t.dropped).
			Msg("stream buffer full, dropped oldest frame")
	default:
	}
	select {
	case t.stream <- frame:
	default:
	}
}

func (t *WebSocketTransport) completeStream() {
	t.streamMu.Lock()
	defer t.streamMu.Unlock()
	if !t.streamClosed {
		t.streamClosed = true
		close(t.stream)
	}
}

// gorillaConn wraps a gorilla/websocket.Conn to satisfy the Conn interface.
type gorillaConn struct {
	conn *websocket.Conn
}

func (g *gorillaConn) ReadMessage() (int, []byte, error) {
	return g.conn.ReadMessage()
}

func (g *gorillaConn) WriteMessage(messageType int, data []byte) error {
	return g.conn.WriteMessage(messageType, data)
}

func (g *gorillaConn) SetReadDeadline(deadline time.Time) error {
	return g.conn.SetReadDeadline(deadline)
}

func (g *gorillaConn) Close() error {
	return g.conn.Close()
}
