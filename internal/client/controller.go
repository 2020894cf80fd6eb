// Package client implements the desktop-side connection controller: it keeps
// one authenticated relay connection alive, replaying credentials and backing
// off exponentially across reconnect attempts.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"uby/relay/internal/logging"
	"uby/relay/internal/protocol"
	"uby/relay/internal/session"
)

var (
	// ErrReconnectExhausted indicates every allowed reconnect attempt failed.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrNotConnected indicates Send was called without an authenticated connection.
	ErrNotConnected = errors.New("not connected")
	// ErrSessionReplaced indicates another login took over the user's session.
	ErrSessionReplaced = errors.New("session replaced by another connection")
	// ErrAuthRejected indicates the relay refused the supplied credentials.
	ErrAuthRejected = errors.New("authentication rejected")
)

// Phase is the observable connection lifecycle state.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseReconnecting
	PhaseExhausted
	PhaseClosed
)

// String returns the phase name for logs.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseReconnecting:
		return "reconnecting"
	case PhaseExhausted:
		return "exhausted"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options configures the Controller.
type Options struct {
	// URL is the preferred relay endpoint, normally the wss:// listener.
	URL string
	// FallbackURL, when set, is dialed after the preferred endpoint fails,
	// so deployments without TLS reachability degrade to the plaintext
	// listener instead of burning a reconnect attempt.
	FallbackURL string
	// Credentials are replayed on every successful dial.
	Credentials session.Credentials
	Logger      *zap.Logger

	DialTimeout       time.Duration
	Backoff           Backoff
	MaxAttempts       int
	HeartbeatInterval time.Duration

	// Sleep overrides the backoff pause; used in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Controller owns one relay connection on behalf of a desktop client.
type Controller struct {
	opts  Options
	log   *zap.Logger
	sleep func(ctx context.Context, d time.Duration) error

	events chan protocol.Envelope

	mu            sync.Mutex
	conn          *websocket.Conn
	phase         Phase
	authenticated bool
	closed        bool
}

// New validates the options and constructs a Controller. Run starts the
// connection loop.
func New(opts Options) (*Controller, error) {
	if opts.URL == "" {
		return nil, errors.New("client: relay url required")
	}
	if opts.Credentials.UserID == "" || opts.Credentials.UserName == "" {
		return nil, errors.New("client: credentials require userId and userName")
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff.Base = time.Second
	}
	if opts.Backoff.Cap <= 0 {
		opts.Backoff.Cap = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return &Controller{
		opts:   opts,
		log:    logger.With(logging.Component("client")),
		sleep:  sleep,
		events: make(chan protocol.Envelope, 64),
	}, nil
}

// Events delivers every relayed envelope the controller receives. System
// handshake traffic is consumed internally. The channel closes when Run
// returns.
func (c *Controller) Events() <-chan protocol.Envelope {
	return c.events
}

// Phase reports the current lifecycle state.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Send relays a domain event to the server. It fails until the controller is
// connected and authenticated, so callers queue or drop during reconnects.
func (c *Controller) Send(eventType string, payload any) error {
	c.mu.Lock()
	conn, ok := c.conn, c.authenticated
	c.mu.Unlock()
	if conn == nil || !ok {
		return ErrNotConnected
	}
	frame, err := protocol.Encode(eventType, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}
	return c.write(frame)
}

// Close tears down the connection and stops the loop. Run returns nil for a
// user-initiated close.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.closed = true
	c.phase = PhaseClosed
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Run drives the connection loop until the context is cancelled, Close is
// called, the session is replaced, authentication is rejected, or every
// reconnect attempt fails.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.events)
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.isClosed() {
			return nil
		}

		c.setPhase(PhaseConnecting)
		wasAuthenticated, err := c.runOnce(ctx)
		switch {
		case err == nil:
			// Clean shutdown requested by Close.
			return nil
		case errors.Is(err, ErrSessionReplaced), errors.Is(err, ErrAuthRejected):
			c.setPhase(PhaseClosed)
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		}

		if wasAuthenticated {
			// The last attempt got as far as authenticating, so the outage
			// starts a fresh reconnect budget.
			attempt = 0
		}
		if attempt >= c.opts.MaxAttempts {
			c.setPhase(PhaseExhausted)
			c.log.Error("giving up on relay", zap.Int("attempts", attempt), zap.Error(err))
			return fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, attempt, err)
		}

		delay := c.opts.Backoff.Delay(attempt)
		attempt++
		c.setPhase(PhaseReconnecting)
		c.log.Warn("relay connection lost, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// runOnce performs one dial-authenticate-read cycle. A nil error means the
// user closed the controller; authenticated reports whether the cycle got
// past the handshake before failing.
func (c *Controller) runOnce(ctx context.Context) (authenticated bool, _ error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return false, nil
	}
	c.conn = conn
	c.authenticated = false
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.authenticated = false
		c.mu.Unlock()
		conn.Close()
	}()

	frame, err := protocol.Encode(protocol.EventAuthenticate, c.opts.Credentials)
	if err != nil {
		return false, fmt.Errorf("encode credentials: %w", err)
	}
	if err := c.write(frame); err != nil {
		return false, fmt.Errorf("send credentials: %w", err)
	}

	stopHeartbeat := make(chan struct{})
	defer close(stopHeartbeat)
	heartbeatRunning := false

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return authenticated, nil
			}
			return authenticated, fmt.Errorf("read: %w", err)
		}
		env, err := protocol.Decode(raw)
		if err != nil {
			c.log.Debug("dropping malformed frame", zap.Error(err))
			continue
		}

		switch env.Type {
		case protocol.EventAuthenticated:
			authenticated = true
			c.mu.Lock()
			c.authenticated = true
			c.phase = PhaseConnected
			c.mu.Unlock()
			c.log.Info("authenticated with relay", logging.UserID(c.opts.Credentials.UserID))
			if c.opts.HeartbeatInterval > 0 && !heartbeatRunning {
				heartbeatRunning = true
				go c.heartbeatLoop(stopHeartbeat)
			}
		case protocol.EventAuthError:
			return authenticated, ErrAuthRejected
		case protocol.EventSessionReplaced:
			return authenticated, ErrSessionReplaced
		case protocol.EventPong, protocol.EventHeartbeatAck:
			// Liveness acks are consumed silently.
		case protocol.EventServerShutdown:
			c.log.Info("relay announced shutdown")
		default:
			select {
			case c.events <- env:
			default:
				c.log.Warn("event buffer full, dropping frame", logging.Event(env.Type))
			}
		}
	}
}

// dial connects to the preferred endpoint, degrading to the fallback when
// one is configured.
func (c *Controller) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.DialTimeout}

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	conn, _, err := dialer.DialContext(dialCtx, c.opts.URL, nil)
	cancel()
	if err == nil {
		return conn, nil
	}
	if c.opts.FallbackURL == "" {
		return nil, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	c.log.Warn("preferred endpoint unreachable, trying fallback",
		zap.String("url", c.opts.FallbackURL),
		zap.Error(err),
	)
	fallbackCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	conn, _, err = dialer.DialContext(fallbackCtx, c.opts.FallbackURL, nil)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.opts.FallbackURL, err)
	}
	return conn, nil
}

func (c *Controller) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	frame, _ := protocol.Encode(protocol.EventHeartbeat, nil)
	for {
		select {
		case <-ticker.C:
			if err := c.write(frame); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// write serializes frame writes across Send and the heartbeat loop.
func (c *Controller) write(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Controller) setPhase(p Phase) {
	c.mu.Lock()
	if !c.closed {
		c.phase = p
	}
	c.mu.Unlock()
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
