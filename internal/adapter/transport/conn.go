// Package transport owns the persistent stream connection to a run: dialing
// with a fresh credential, liveness monitoring, and bounded reconnection.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"runwatch/internal/domain"
)

// State is the connection manager's internal state. Owned exclusively by Conn.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateStreaming    State = "streaming"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
	StateClosed       State = "closed"
)

// TokenProvider returns a fresh bearer credential. Called once per connection
// attempt, including every reconnect. An empty token fails the attempt.
type TokenProvider func(ctx context.Context) (string, error)

// Socket is one live transport handle. A new Socket is dialed for every
// attempt rather than reviving the previous one.
type Socket interface {
	// Read blocks until the next text frame arrives.
	Read(ctx context.Context) (string, error)
	Close() error
}

// Dialer opens a Socket for the given stream URL.
type Dialer func(ctx context.Context, rawURL string) (Socket, error)

// Handlers is the tagged callback surface a Conn reports through.
type Handlers struct {
	// OnOpen fires after every successful dial.
	OnOpen func()
	// OnMessage fires per received text frame with the raw payload.
	OnMessage func(raw string)
	// OnError fires once when the reconnect budget is exhausted.
	OnError func(err error)
	// OnClose fires once when the server closes the stream cleanly.
	OnClose func()
}

// Options configures a Conn. Zero values fall back to defaults.
type Options struct {
	BaseURL string
	Token   TokenProvider
	Dial    Dialer

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	MaxAttempts int

	Logger *slog.Logger
}

// Default heartbeat policy: poll every 5s, declare the connection dead when
// no frame has arrived for 45s even though the transport reports itself open.
const (
	defaultHeartbeatInterval = 5 * time.Second
	defaultHeartbeatTimeout  = 45 * time.Second
)

// Conn manages one persistent stream connection for a run. It is safe for
// concurrent use; handlers are invoked from Conn-owned goroutines.
type Conn struct {
	id       string
	runID    string
	opts     Options
	handlers Handlers

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	sock        Socket
	attempts    int
	lastMessage time.Time
	destroyed   bool
	retryTimer  *time.Timer

	errOnce   sync.Once
	closeOnce sync.Once
}

// New creates a connection manager for runID. Connect must be called to open
// the stream.
func New(runID string, handlers Handlers, opts Options) *Conn {
	if opts.Dial == nil {
		opts.Dial = DialWebSocket
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultMaxDelay
	}
	if opts.Multiplier <= 0 {
		opts.Multiplier = defaultMultiplier
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		id:       newConnID(),
		runID:    runID,
		opts:     opts,
		handlers: handlers,
		ctx:      ctx,
		cancel:   cancel,
		state:    StateIdle,
	}
}

func newConnID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Connect starts the connection attempt. It returns immediately; dial results
// and frames are reported through the handlers.
func (c *Conn) Connect() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return domain.NewDomainError("Conn.Connect", domain.ErrConnDestroyed, c.runID)
	}
	if c.state == StateClosed || c.state == StateError {
		c.mu.Unlock()
		return domain.NewDomainError("Conn.Connect", domain.ErrConnClosed, c.runID)
	}
	if c.state != StateIdle {
		c.mu.Unlock()
		return domain.NewDomainError("Conn.Connect", domain.ErrInvalidInput, "connect called twice")
	}
	c.state = StateConnecting
	c.mu.Unlock()

	go c.dialAndRun()
	return nil
}

// dialAndRun performs one dial attempt and, on success, runs the read loop
// until the socket dies.
func (c *Conn) dialAndRun() {
	token, err := c.opts.Token(c.ctx)
	if err != nil {
		c.transportError(nil, fmt.Errorf("fetch credential: %w", err))
		return
	}
	if token == "" {
		c.transportError(nil, domain.ErrNoCredential)
		return
	}

	sock, err := c.opts.Dial(c.ctx, streamURL(c.opts.BaseURL, c.runID, token))
	if err != nil {
		c.transportError(nil, fmt.Errorf("dial stream: %w", err))
		return
	}

	c.mu.Lock()
	if c.destroyed || c.state == StateClosed || c.state == StateError {
		c.mu.Unlock()
		_ = sock.Close()
		return
	}
	c.sock = sock
	c.attempts = 0
	c.lastMessage = time.Now()
	c.state = StateConnected
	c.mu.Unlock()

	c.opts.Logger.Debug("stream connected", "run_id", c.runID, "conn_id", c.id)
	c.invoke(c.handlers.OnOpen)

	go c.heartbeatLoop(sock)
	c.readLoop(sock)
}

// streamURL builds the stream address embedding run identity and credential.
func streamURL(base, runID, token string) string {
	return fmt.Sprintf("%s/runs/%s/stream?token=%s", base, url.PathEscape(runID), url.QueryEscape(token))
}

func (c *Conn) readLoop(sock Socket) {
	for {
		raw, err := sock.Read(c.ctx)
		if err != nil {
			c.mu.Lock()
			stale := c.destroyed || c.sock != sock || c.state == StateClosed
			c.mu.Unlock()
			if stale {
				return
			}
			if isNormalClose(err) {
				c.remoteClose()
				return
			}
			c.transportError(sock, err)
			return
		}

		c.mu.Lock()
		if c.destroyed || c.sock != sock {
			c.mu.Unlock()
			return
		}
		c.lastMessage = time.Now()
		if c.state == StateConnected {
			c.state = StateStreaming
		}
		c.mu.Unlock()

		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(raw)
		}
	}
}

// heartbeatLoop guards against transports that report "open" but stop
// delivering silently: silence past the timeout is treated exactly like a
// transport error.
func (c *Conn) heartbeatLoop(sock Socket) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.destroyed || c.sock != sock {
				c.mu.Unlock()
				return
			}
			silent := time.Since(c.lastMessage)
			c.mu.Unlock()

			if silent > c.opts.HeartbeatTimeout {
				c.opts.Logger.Warn("stream heartbeat timeout",
					"run_id", c.runID, "silent", silent)
				c.transportError(sock, domain.ErrHeartbeatTimeout)
				return
			}
		}
	}
}

// transportError handles a dead socket or failed dial: schedule a reconnect
// while budget remains, otherwise transition to error and report once.
// sock is the handle the caller observed failing; a mismatch with the current
// socket means a newer attempt already superseded it.
func (c *Conn) transportError(sock Socket, err error) {
	c.mu.Lock()
	if c.destroyed || c.state == StateClosed || c.state == StateError || c.sock != sock {
		c.mu.Unlock()
		return
	}
	if c.sock != nil {
		_ = c.sock.Close()
		c.sock = nil
	}

	if c.attempts >= c.opts.MaxAttempts {
		c.state = StateError
		c.mu.Unlock()
		c.opts.Logger.Error("stream reconnect budget exhausted",
			"run_id", c.runID, "attempts", c.opts.MaxAttempts, "error", err)
		c.errOnce.Do(func() {
			if c.handlers.OnError != nil {
				c.handlers.OnError(domain.WrapOp("stream", fmt.Errorf("%w: %w", domain.ErrRetriesExhausted, err)))
			}
		})
		return
	}

	c.attempts++
	attempt := c.attempts
	c.state = StateReconnecting
	delay := reconnectDelay(attempt, c.opts.BaseDelay, c.opts.MaxDelay, c.opts.Multiplier)
	c.retryTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.destroyed || c.state != StateReconnecting {
			c.mu.Unlock()
			return
		}
		c.state = StateConnecting
		c.mu.Unlock()
		c.dialAndRun()
	})
	c.mu.Unlock()

	c.opts.Logger.Info("stream reconnecting",
		"run_id", c.runID, "attempt", attempt, "delay", delay, "error", err)
}

// remoteClose handles a clean server-side close.
func (c *Conn) remoteClose() {
	c.mu.Lock()
	if c.destroyed || c.state == StateClosed || c.state == StateError {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	if c.sock != nil {
		_ = c.sock.Close()
		c.sock = nil
	}
	c.mu.Unlock()

	c.opts.Logger.Debug("stream closed by server", "run_id", c.runID)
	c.closeOnce.Do(func() {
		if c.handlers.OnClose != nil {
			c.handlers.OnClose()
		}
	})
}

// invoke calls a handler unless the connection was torn down in the meantime.
func (c *Conn) invoke(fn func()) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	dead := c.destroyed || c.state == StateClosed || c.state == StateError
	c.mu.Unlock()
	if !dead {
		fn()
	}
}

// Close stops the heartbeat and any pending reconnect, closes the transport,
// and transitions to closed. Idempotent. No handlers fire for a local close.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.sock != nil {
		_ = c.sock.Close()
		c.sock = nil
	}
	c.mu.Unlock()
	c.cancel()
}

// Destroy closes the connection and marks the instance permanently inert so a
// delayed async callback cannot resurrect it. Idempotent.
func (c *Conn) Destroy() {
	c.mu.Lock()
	c.destroyed = true
	c.mu.Unlock()
	c.Close()
}

// ID returns the unique id of this connection instance.
func (c *Conn) ID() string { return c.id }

// RunID returns the run this connection is bound to.
func (c *Conn) RunID() string { return c.runID }

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the transport is open (connected or streaming).
func (c *Conn) IsConnected() bool {
	s := c.State()
	return s == StateConnected || s == StateStreaming
}

// IsActive reports whether the instance can still produce frames.
func (c *Conn) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.destroyed && c.state != StateClosed && c.state != StateError
}

// Attempts returns the current reconnect attempt count.
func (c *Conn) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}
