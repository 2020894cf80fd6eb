package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"uby/relay/internal/guard"
	"uby/relay/internal/logging"
)

// pollWait bounds a single long-poll request.
const pollWait = 25 * time.Second

// pollQueueLimit caps buffered outbound frames for an idle poller; older
// frames are discarded first, matching the at-most-once delivery contract.
const pollQueueLimit = 256

// pollConn is the fallback transport for clients whose WebSocket upgrade
// failed: outbound frames are queued until the next long-poll request
// collects them, inbound frames arrive via plain POSTs.
type pollConn struct {
	mu     sync.Mutex
	queue  [][]byte
	closed bool
	notify chan struct{}
}

func newPollConn() *pollConn {
	return &pollConn{notify: make(chan struct{}, 1)}
}

// WriteMessage implements Conn by queueing the frame for the next poll.
func (p *pollConn) WriteMessage(data []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("poll connection closed")
	}
	if len(p.queue) >= pollQueueLimit {
		p.queue = p.queue[1:]
	}
	p.queue = append(p.queue, append([]byte(nil), data...))
	p.mu.Unlock()
	p.wake()
	return nil
}

// Close implements Conn. Queued frames stay readable for one final poll.
func (p *pollConn) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wake()
	return nil
}

func (p *pollConn) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// drain removes and returns all queued frames plus the closed flag.
func (p *pollConn) drain() ([][]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	frames := p.queue
	p.queue = nil
	return frames, p.closed
}

func (p *pollConn) wait(ctx context.Context) {
	select {
	case <-p.notify:
	case <-ctx.Done():
	}
}

// RegisterPollRoutes attaches the polling fallback endpoints to the mux.
func (h *Hub) RegisterPollRoutes(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("POST /poll", h.handlePollOpen)
	mux.HandleFunc("GET /poll/{id}", h.handlePollReceive)
	mux.HandleFunc("POST /poll/{id}", h.handlePollSend)
	mux.HandleFunc("DELETE /poll/{id}", h.handlePollClose)
}

func (h *Hub) handlePollOpen(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	if err := h.guard.AdmitConnection(ip); err != nil {
		retryAfter := h.cfg.Guard.ConnectionWindow
		if errors.Is(err, guard.ErrIPBlocked) {
			retryAfter = h.cfg.Guard.BlockDuration
		}
		pollJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":      "too many connection attempts",
			"retryAfter": int(retryAfter.Seconds()),
		})
		return
	}
	c := h.attach(newPollConn(), ip)
	h.log.Info("polling client connected", logging.ConnID(c.id), logging.RemoteIP(ip))
	pollJSON(w, http.StatusCreated, map[string]string{"connectionId": c.id})
}

func (h *Hub) handlePollReceive(w http.ResponseWriter, r *http.Request) {
	c, p, ok := h.pollClient(r.PathValue("id"))
	if !ok {
		http.Error(w, "unknown connection", http.StatusNotFound)
		return
	}

	frames, closed := p.drain()
	if len(frames) == 0 && !closed {
		ctx, cancel := context.WithTimeout(r.Context(), pollWait)
		p.wait(ctx)
		cancel()
		frames, closed = p.drain()
	}
	if len(frames) == 0 && closed {
		http.Error(w, "connection closed", http.StatusGone)
		return
	}

	// A successful poll counts as liveness for the heartbeat sweep.
	h.post(func() {
		if c.state != stateClosed {
			c.lastSeen = h.now()
		}
	})

	events := make([]json.RawMessage, 0, len(frames))
	for _, frame := range frames {
		events = append(events, frame)
	}
	pollJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *Hub) handlePollSend(w http.ResponseWriter, r *http.Request) {
	c, _, ok := h.pollClient(r.PathValue("id"))
	if !ok {
		http.Error(w, "unknown connection", http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.Server.MaxPayloadBytes))
	if err != nil {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	h.post(func() { h.handleFrame(c, body) })
	w.WriteHeader(http.StatusAccepted)
}

func (h *Hub) handlePollClose(w http.ResponseWriter, r *http.Request) {
	c, _, ok := h.pollClient(r.PathValue("id"))
	if !ok {
		http.Error(w, "unknown connection", http.StatusNotFound)
		return
	}
	h.do(func() { h.closeClient(c, "client disconnect", true) })
	w.WriteHeader(http.StatusNoContent)
}

// pollClient resolves a polling connection id through the hub loop.
func (h *Hub) pollClient(id string) (*client, *pollConn, bool) {
	var c *client
	var p *pollConn
	h.do(func() {
		if found, ok := h.clients[id]; ok {
			if pc, ok := found.conn.(*pollConn); ok {
				c, p = found, pc
			}
		}
	})
	return c, p, c != nil
}

func pollJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
