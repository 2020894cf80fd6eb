// Package guard implements per-IP and per-connection abuse protection:
// rolling rate windows, a temporary block set, and periodic cleanup of
// stale bookkeeping.
package guard

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"uby/relay/internal/logging"
)

var (
	// ErrIPBlocked indicates the remote IP is in the block set.
	ErrIPBlocked = errors.New("ip blocked")
	// ErrConnectionRateExceeded indicates too many connection attempts inside the window.
	ErrConnectionRateExceeded = errors.New("connection rate exceeded")
	// ErrRateLimited indicates the per-connection message ceiling was hit.
	ErrRateLimited = errors.New("message rate exceeded")
)

// Config captures the guard tunables.
type Config struct {
	ConnectionWindow    time.Duration
	MaxConnectionsPerIP int
	MessageWindow       time.Duration
	MaxMessages         int
	BlockDuration       time.Duration
	ExemptHeartbeat     bool
}

type rateWindow struct {
	count       int
	windowStart time.Time
}

type blockEntry struct {
	reason    string
	expiresAt time.Time
}

type violation struct {
	count int
	last  time.Time
}

// Option customises guard construction.
type Option func(*Guard)

// WithClock overrides the guard time source; primarily used in tests.
func WithClock(clock func() time.Time) Option {
	return func(g *Guard) {
		if clock != nil {
			g.now = clock
		}
	}
}

// Guard owns the rate windows and the block set. All methods are safe for
// concurrent use; admission failures are reported as sentinel errors and
// missing bookkeeping is treated as zero usage.
type Guard struct {
	cfg Config
	log *zap.Logger
	now func() time.Time

	mu           sync.Mutex
	connAttempts map[string]*rateWindow // keyed by IP
	msgCounts    map[string]*rateWindow // keyed by connection id
	blocked      map[string]blockEntry  // keyed by IP
	violations   map[string]*violation  // keyed by IP
}

// New constructs a Guard with the provided tunables.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Guard{
		cfg:          cfg,
		log:          logger.With(logging.Component("guard")),
		now:          time.Now,
		connAttempts: make(map[string]*rateWindow),
		msgCounts:    make(map[string]*rateWindow),
		blocked:      make(map[string]blockEntry),
		violations:   make(map[string]*violation),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// AdmitConnection decides whether a new transport connection from ip may
// proceed. Exceeding the attempt ceiling blocks the IP for the configured
// duration.
func (g *Guard) AdmitConnection(ip string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if entry, ok := g.blocked[ip]; ok {
		if now.Before(entry.expiresAt) {
			return ErrIPBlocked
		}
		delete(g.blocked, ip)
	}

	w, ok := g.connAttempts[ip]
	if !ok {
		w = &rateWindow{windowStart: now}
		g.connAttempts[ip] = w
	}
	if now.Sub(w.windowStart) > g.cfg.ConnectionWindow {
		w.count = 0
		w.windowStart = now
	}
	w.count++
	if w.count > g.cfg.MaxConnectionsPerIP {
		g.blockLocked(ip, "connection attempts exceeded", now)
		return ErrConnectionRateExceeded
	}
	return nil
}

// AdmitMessage decides whether an inbound frame on the given connection may
// be processed. Heartbeat frames bypass the window when the exemption is
// configured. A rejection never tears down the connection.
func (g *Guard) AdmitMessage(connID string, heartbeat bool) error {
	if heartbeat && g.cfg.ExemptHeartbeat {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	w, ok := g.msgCounts[connID]
	if !ok {
		w = &rateWindow{windowStart: now}
		g.msgCounts[connID] = w
	}
	if now.Sub(w.windowStart) > g.cfg.MessageWindow {
		w.count = 0
		w.windowStart = now
	}
	w.count++
	if w.count > g.cfg.MaxMessages {
		return ErrRateLimited
	}
	return nil
}

// BlockIP places ip in the block set until the configured duration elapses.
func (g *Guard) BlockIP(ip, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blockLocked(ip, reason, g.now())
}

func (g *Guard) blockLocked(ip, reason string, now time.Time) {
	g.blocked[ip] = blockEntry{reason: reason, expiresAt: now.Add(g.cfg.BlockDuration)}
	v, ok := g.violations[ip]
	if !ok {
		v = &violation{}
		g.violations[ip] = v
	}
	v.count++
	v.last = now
	g.log.Warn("blocking ip",
		logging.RemoteIP(ip),
		zap.String("reason", reason),
		zap.Int("violations", v.count),
		zap.Duration("duration", g.cfg.BlockDuration),
	)
}

// ReleaseConnection drops the message window for a closed connection.
func (g *Guard) ReleaseConnection(connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.msgCounts, connID)
}

// Sweep evicts expired rate windows, lapsed block entries, and violation
// records older than twice the block duration.
func (g *Guard) Sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for ip, w := range g.connAttempts {
		if now.Sub(w.windowStart) > g.cfg.ConnectionWindow {
			delete(g.connAttempts, ip)
		}
	}
	for connID, w := range g.msgCounts {
		if now.Sub(w.windowStart) > g.cfg.MessageWindow {
			delete(g.msgCounts, connID)
		}
	}
	for ip, entry := range g.blocked {
		if !now.Before(entry.expiresAt) {
			delete(g.blocked, ip)
			g.log.Info("ip unblocked", logging.RemoteIP(ip))
		}
	}
	for ip, v := range g.violations {
		if now.Sub(v.last) > 2*g.cfg.BlockDuration {
			delete(g.violations, ip)
		}
	}
}

// BlockedCount reports how many IPs are currently blocked.
func (g *Guard) BlockedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	count := 0
	for _, entry := range g.blocked {
		if now.Before(entry.expiresAt) {
			count++
		}
	}
	return count
}

// WindowCounts reports how many connection and message windows are live.
func (g *Guard) WindowCounts() (connections, messages int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.connAttempts), len(g.msgCounts)
}
