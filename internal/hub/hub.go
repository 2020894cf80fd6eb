// Package hub orchestrates connection lifecycle and event fan-out: admit,
// authenticate, heartbeat-monitor, relay, disconnect. A single run loop owns
// every client record, so all registry and guard mutations triggered by
// protocol traffic are serialized.
package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"uby/relay/internal/auth"
	"uby/relay/internal/config"
	"uby/relay/internal/guard"
	"uby/relay/internal/logging"
	"uby/relay/internal/protocol"
	"uby/relay/internal/session"
	"uby/relay/internal/state"
)

// Options configures the Hub.
type Options struct {
	Config           *config.Config
	Logger           *zap.Logger
	Guard            *guard.Guard
	Registry         *session.Registry
	Snapshots        *state.Snapshotter
	Verifier         *auth.Verifier
	OnRemoteShutdown func(reason string)
	TimeSource       func() time.Time
}

// Stats is a point-in-time view of hub activity for the HTTP side channel.
type Stats struct {
	StartTime     time.Time
	Clients       int
	Sessions      int
	Restored      int
	TotalMessages int64
	Broadcasts    int64
	DroppedFrames int64
	BlockedIPs    int
}

// Hub is the connection lifecycle manager and broadcast router.
type Hub struct {
	cfg       *config.Config
	log       *zap.Logger
	guard     *guard.Guard
	registry  *session.Registry
	snapshots *state.Snapshotter
	verifier  *auth.Verifier
	onRemote  func(reason string)
	now       func() time.Time

	clients  map[string]*client
	commands chan func()
	stopping bool // owned by the run loop
	stopCh   chan struct{}
	doneCh   chan struct{}

	started       time.Time
	clientCount   atomic.Int64
	totalMessages atomic.Int64
	broadcasts    atomic.Int64
	droppedFrames atomic.Int64
}

// New constructs and starts a Hub.
func New(opts Options) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	h := &Hub{
		cfg:       opts.Config,
		log:       logger.With(logging.Component("hub")),
		guard:     opts.Guard,
		registry:  opts.Registry,
		snapshots: opts.Snapshots,
		verifier:  opts.Verifier,
		onRemote:  opts.OnRemoteShutdown,
		now:       now,
		clients:   make(map[string]*client),
		commands:  make(chan func(), 64),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		started:   now(),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	heartbeat := time.NewTicker(h.cfg.Heartbeat.Sweep)
	guardSweep := time.NewTicker(h.cfg.Guard.SweepInterval)
	defer heartbeat.Stop()
	defer guardSweep.Stop()
	defer close(h.doneCh)
	for {
		select {
		case cmd := <-h.commands:
			cmd()
		case <-heartbeat.C:
			h.sweepHeartbeats()
		case <-guardSweep.C:
			h.guard.Sweep()
		case <-h.stopCh:
			return
		}
	}
}

// do runs fn on the hub loop and waits for it to complete. The buffered
// command channel can still accept sends after the loop exits, so the wait
// also watches doneCh; fn does not run in that case.
func (h *Hub) do(fn func()) {
	done := make(chan struct{})
	select {
	case h.commands <- func() { fn(); close(done) }:
		select {
		case <-done:
		case <-h.doneCh:
		}
	case <-h.stopCh:
	}
}

// post runs fn on the hub loop without waiting.
func (h *Hub) post(fn func()) {
	select {
	case h.commands <- fn:
	case <-h.stopCh:
	}
}

// ServeWS upgrades the request and hands the connection to the hub. Guard
// rejection still upgrades so the client receives a typed notice before the
// close, matching the behavior clients already handle.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err), logging.RemoteIP(ip))
		return
	}
	conn := &wsConn{conn: raw}
	if err := h.admit(conn, ip); err != nil {
		return
	}
	raw.SetReadLimit(h.cfg.Server.MaxPayloadBytes)
	c := h.attach(conn, ip)
	go h.readPump(c, raw)
}

// admit applies the connection guard, emitting the rejection notice and
// closing the transport when the attempt is denied.
func (h *Hub) admit(conn Conn, ip string) error {
	err := h.guard.AdmitConnection(ip)
	if err == nil {
		return nil
	}
	retryAfter := h.cfg.Guard.ConnectionWindow
	if errors.Is(err, guard.ErrIPBlocked) {
		retryAfter = h.cfg.Guard.BlockDuration
	}
	h.log.Warn("connection rejected", logging.RemoteIP(ip), zap.Error(err))
	_ = conn.WriteMessage(protocol.RateLimitNotice("too many connection attempts", retryAfter))
	_ = conn.Close()
	return err
}

// attach registers a new admitted connection and starts its write pump.
func (h *Hub) attach(conn Conn, ip string) *client {
	c := &client{
		id:   uuid.NewString(),
		ip:   ip,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	h.do(func() {
		c.state = stateConnected
		c.lastSeen = h.now()
		h.clients[c.id] = c
		h.clientCount.Add(1)
	})
	go c.writePump()
	h.log.Info("client connected", logging.ConnID(c.id), logging.RemoteIP(ip))
	return c
}

// messageReader is the transport read side consumed by the pump.
type messageReader interface {
	ReadMessage() (int, []byte, error)
}

func (h *Hub) readPump(c *client, raw messageReader) {
	for {
		_, frame, err := raw.ReadMessage()
		if err != nil {
			h.post(func() { h.closeClient(c, "transport closed", true) })
			return
		}
		h.post(func() { h.handleFrame(c, frame) })
	}
}

// handleFrame dispatches one inbound frame. Runs on the hub loop.
func (h *Hub) handleFrame(c *client, raw []byte) {
	if c.state == stateClosed {
		return
	}
	eventType := protocol.PeekType(raw)
	if eventType == "" {
		h.log.Debug("dropping untyped frame", logging.ConnID(c.id))
		return
	}

	if err := h.guard.AdmitMessage(c.id, protocol.IsHeartbeat(eventType)); err != nil {
		h.enqueue(c, protocol.RateLimitNotice("too many messages", h.cfg.Guard.MessageWindow))
		return
	}
	h.totalMessages.Add(1)
	c.lastSeen = h.now()

	switch eventType {
	case protocol.EventAuthenticate:
		h.handleAuthenticate(c, raw)
	case protocol.EventPing:
		pong, _ := protocol.Encode(protocol.EventPong, nil)
		h.enqueue(c, pong)
	case protocol.EventHeartbeat:
		ack, _ := protocol.Encode(protocol.EventHeartbeatAck, nil)
		h.enqueue(c, ack)
	case protocol.EventShutdownServer:
		h.handleRemoteShutdown(c)
	default:
		h.relay(c, eventType, raw)
	}
}

func (h *Hub) handleAuthenticate(c *client, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		h.enqueue(c, protocol.Notice(protocol.EventAuthError, "malformed authenticate payload"))
		return
	}
	var creds session.Credentials
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &creds); err != nil {
			h.enqueue(c, protocol.Notice(protocol.EventAuthError, "malformed authenticate payload"))
			return
		}
	}

	if h.verifier != nil {
		subject, err := h.verifier.Verify(creds.Token)
		if err != nil || subject != creds.UserID {
			h.enqueue(c, protocol.Notice(protocol.EventAuthError, "token verification failed"))
			return
		}
	}

	sess, evicted, err := h.registry.Authenticate(c.id, c.ip, creds)
	if err != nil {
		message := "authentication failed"
		switch {
		case errors.Is(err, session.ErrInvalidCredentials):
			message = "missing authentication fields"
		case errors.Is(err, session.ErrUnknownUser):
			message = "user not found"
		}
		h.enqueue(c, protocol.Notice(protocol.EventAuthError, message))
		return
	}

	if evicted != "" {
		if old, ok := h.clients[evicted]; ok {
			h.enqueue(old, protocol.Notice(protocol.EventSessionReplaced, "your session was replaced by a new connection"))
			h.closeClient(old, "session replaced", false)
		}
	}

	c.state = stateAuthenticated
	c.identity = protocol.Identity{UserID: sess.UserID, UserName: sess.UserName, DisplayName: sess.DisplayName}
	c.lastSeen = h.now()

	ack, _ := protocol.Encode(protocol.EventAuthenticated, protocol.AuthenticatedAck{
		Success:            true,
		UserID:             sess.UserID,
		UserName:           sess.UserName,
		DisplayName:        sess.DisplayName,
		ConnectedUserCount: h.registry.Count(),
	})
	h.enqueue(c, ack)

	joined, _ := protocol.Encode(protocol.EventUserConnected, c.identity)
	h.fanOut(joined, c.id)

	h.snapshots.Record(h.registry.All())
	h.log.Info("user authenticated",
		logging.ConnID(c.id),
		logging.UserID(sess.UserID),
		zap.String("display_name", sess.DisplayName),
	)
}

// relay fans a domain event out according to the static rule table. Events
// without a rule are dropped; unauthenticated senders get an auth notice.
func (h *Hub) relay(c *client, eventType string, raw []byte) {
	rule, ok := protocol.Rules[eventType]
	if !ok {
		h.log.Debug("dropping unknown event", logging.ConnID(c.id), logging.Event(eventType))
		return
	}
	if c.state != stateAuthenticated {
		h.enqueue(c, protocol.Notice(protocol.EventAuthRequired, "authentication required"))
		return
	}

	env, err := protocol.Decode(raw)
	if err != nil {
		h.log.Debug("dropping malformed event", logging.ConnID(c.id), logging.Event(eventType))
		return
	}
	frame, err := protocol.BuildRelay(rule, env.Payload, c.identity, h.now())
	if err != nil {
		h.log.Error("failed to build relay frame", zap.Error(err), logging.Event(eventType))
		return
	}

	switch rule.Scope {
	case protocol.SingleTarget:
		target := protocol.TargetUserID(env.Payload)
		connID, ok := h.registry.LookupByUserID(target)
		if !ok {
			return // target offline, at-most-once delivery
		}
		if peer, ok := h.clients[connID]; ok {
			h.enqueue(peer, frame)
			h.broadcasts.Add(1)
		}
	case protocol.AllIncludingSender:
		h.fanOut(frame, "")
		h.broadcasts.Add(1)
	default:
		h.fanOut(frame, c.id)
		h.broadcasts.Add(1)
	}
}

func (h *Hub) handleRemoteShutdown(c *client) {
	if c.state != stateAuthenticated {
		h.enqueue(c, protocol.Notice(protocol.EventAuthRequired, "authentication required"))
		return
	}
	if !h.cfg.Server.AllowRemoteShutdown || h.onRemote == nil {
		h.log.Warn("remote shutdown request denied", logging.ConnID(c.id), logging.UserID(c.identity.UserID))
		return
	}
	h.log.Info("remote shutdown requested", logging.UserID(c.identity.UserID))
	go h.onRemote("remote shutdown by " + c.identity.UserName)
}

// fanOut delivers a frame to every client except the excluded connection.
func (h *Hub) fanOut(frame []byte, excludeConnID string) {
	for id, peer := range h.clients {
		if id == excludeConnID {
			continue
		}
		h.enqueue(peer, frame)
	}
}

// enqueue hands a frame to the client's write pump. Delivery is
// at-most-once: a full buffer drops the frame rather than blocking the loop.
func (h *Hub) enqueue(c *client, frame []byte) {
	if c == nil || c.state == stateClosed || frame == nil {
		return
	}
	select {
	case c.send <- frame:
	default:
		h.droppedFrames.Add(1)
		h.log.Warn("send buffer full, dropping frame", logging.ConnID(c.id))
	}
}

// closeClient tears down a connection: guard bookkeeping, registry unbind,
// peer notification, snapshot. Safe to call repeatedly. Runs on the hub loop.
func (h *Hub) closeClient(c *client, reason string, notifyPeers bool) {
	if c.state == stateClosed {
		return
	}
	wasAuthenticated := c.state == stateAuthenticated
	c.state = stateClosed
	delete(h.clients, c.id)
	h.clientCount.Add(-1)
	h.guard.ReleaseConnection(c.id)

	sess := h.registry.Unbind(c.id)
	close(c.send)

	h.log.Info("client disconnected",
		logging.ConnID(c.id),
		zap.String("reason", reason),
		zap.Bool("authenticated", wasAuthenticated),
	)

	if sess != nil {
		if notifyPeers {
			left, _ := protocol.Encode(protocol.EventUserDisconnected, protocol.Identity{
				UserID:      sess.UserID,
				UserName:    sess.UserName,
				DisplayName: sess.DisplayName,
			})
			h.fanOut(left, "")
		}
		h.snapshots.Record(h.registry.All())
	}
}

// sweepHeartbeats force-closes authenticated connections that stayed silent
// past the timeout. This is the only hard timeout in the server.
func (h *Hub) sweepHeartbeats() {
	now := h.now()
	for _, c := range h.clients {
		if c.state != stateAuthenticated {
			continue
		}
		if now.Sub(c.lastSeen) > h.cfg.Heartbeat.Timeout {
			h.log.Info("closing silent connection", logging.ConnID(c.id), logging.UserID(c.identity.UserID))
			h.closeClient(c, "heartbeat timeout", true)
		}
	}
}

// Shutdown broadcasts the shutdown warning, closes every connection, and
// stops the run loop. Safe to call more than once; the snapshotter is
// flushed by its own Close.
func (h *Hub) Shutdown(reason string) {
	h.do(func() {
		if h.stopping {
			return
		}
		h.stopping = true
		payload := protocol.ShutdownPayload{
			Message:   "server shutting down",
			Reason:    reason,
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		}
		frame, _ := protocol.Encode(protocol.EventServerShutdown, payload)
		h.fanOut(frame, "")
		for _, c := range h.clients {
			h.closeClient(c, "server shutdown", false)
		}
		h.snapshots.Record(h.registry.All())
		close(h.stopCh)
	})
	<-h.doneCh
}

// Stats returns a snapshot of hub activity.
func (h *Hub) Stats() Stats {
	return Stats{
		StartTime:     h.started,
		Clients:       int(h.clientCount.Load()),
		Sessions:      h.registry.Count(),
		Restored:      h.registry.RestoredCount(),
		TotalMessages: h.totalMessages.Load(),
		Broadcasts:    h.broadcasts.Load(),
		DroppedFrames: h.droppedFrames.Load(),
		BlockedIPs:    h.guard.BlockedCount(),
	}
}
