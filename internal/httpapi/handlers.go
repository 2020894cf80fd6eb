// Package httpapi serves the operational side channel next to the relay
// transports: status, build info, statistics, and Prometheus text metrics.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"go.uber.org/zap"

	"uby/relay/internal/hub"
	"uby/relay/internal/logging"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// StatsFunc returns a point-in-time view of relay activity.
type StatsFunc func() hub.Stats

// Options configures the HandlerSet.
type Options struct {
	Logger     *zap.Logger
	Stats      StatsFunc
	Addr       string
	TimeSource func() time.Time
}

// HandlerSet bundles the relay operational handlers.
type HandlerSet struct {
	logger *zap.Logger
	stats  StatsFunc
	addr   string
	now    func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger: logger.With(logging.Component("httpapi")),
		stats:  opts.Stats,
		addr:   opts.Addr,
		now:    now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("GET /status", h.StatusHandler())
	mux.HandleFunc("GET /info", h.InfoHandler())
	mux.HandleFunc("GET /api/stats", h.StatsHandler())
	mux.HandleFunc("GET /metrics", h.MetricsHandler())
}

// StatusHandler reports liveness plus the connected user count.
func (h *HandlerSet) StatusHandler() http.HandlerFunc {
	type response struct {
		Status         string `json:"status"`
		Addr           string `json:"addr"`
		ConnectedUsers int    `json:"connectedUsers"`
		UptimeSeconds  int64  `json:"uptimeSeconds"`
		Timestamp      string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		stats := h.snapshot()
		writeJSON(w, http.StatusOK, response{
			Status:         "running",
			Addr:           h.addr,
			ConnectedUsers: stats.Sessions,
			UptimeSeconds:  int64(h.now().Sub(stats.StartTime).Seconds()),
			Timestamp:      h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// InfoHandler describes the relay build and its feature set.
func (h *HandlerSet) InfoHandler() http.HandlerFunc {
	type response struct {
		Name     string   `json:"name"`
		Version  string   `json:"version"`
		Features []string `json:"features"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Name:    "uby-relay",
			Version: Version,
			Features: []string{
				"websocket",
				"long-polling",
				"session-persistence",
				"rate-limiting",
				"heartbeat-monitoring",
				"targeted-notifications",
			},
		})
	}
}

// StatsHandler reports cumulative relay statistics grouped by concern.
func (h *HandlerSet) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := h.snapshot()
		writeJSON(w, http.StatusOK, map[string]any{
			"server": map[string]any{
				"uptimeSeconds": int64(h.now().Sub(stats.StartTime).Seconds()),
				"startedAt":     stats.StartTime.UTC().Format(time.RFC3339Nano),
				"version":       Version,
			},
			"relay": map[string]any{
				"clients":          stats.Clients,
				"sessions":         stats.Sessions,
				"restoredSessions": stats.Restored,
				"messagesTotal":    stats.TotalMessages,
				"broadcastsTotal":  stats.Broadcasts,
				"droppedFrames":    stats.DroppedFrames,
				"blockedIPs":       stats.BlockedIPs,
			},
			"system": map[string]any{
				"goroutines": runtime.NumGoroutine(),
				"goVersion":  runtime.Version(),
			},
		})
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := h.snapshot()
		uptime := h.now().Sub(stats.StartTime).Seconds()

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "# HELP relay_uptime_seconds Relay uptime in seconds.\n")
		fmt.Fprintf(w, "# TYPE relay_uptime_seconds gauge\n")
		fmt.Fprintf(w, "relay_uptime_seconds %.0f\n", uptime)

		fmt.Fprintf(w, "# HELP relay_clients Current live connections.\n")
		fmt.Fprintf(w, "# TYPE relay_clients gauge\n")
		fmt.Fprintf(w, "relay_clients %d\n", stats.Clients)

		fmt.Fprintf(w, "# HELP relay_sessions Current authenticated sessions.\n")
		fmt.Fprintf(w, "# TYPE relay_sessions gauge\n")
		fmt.Fprintf(w, "relay_sessions %d\n", stats.Sessions)

		fmt.Fprintf(w, "# HELP relay_messages_total Total inbound frames accepted.\n")
		fmt.Fprintf(w, "# TYPE relay_messages_total counter\n")
		fmt.Fprintf(w, "relay_messages_total %d\n", stats.TotalMessages)

		fmt.Fprintf(w, "# HELP relay_broadcasts_total Total relayed event deliveries initiated.\n")
		fmt.Fprintf(w, "# TYPE relay_broadcasts_total counter\n")
		fmt.Fprintf(w, "relay_broadcasts_total %d\n", stats.Broadcasts)

		fmt.Fprintf(w, "# HELP relay_dropped_frames_total Outbound frames dropped on full buffers.\n")
		fmt.Fprintf(w, "# TYPE relay_dropped_frames_total counter\n")
		fmt.Fprintf(w, "relay_dropped_frames_total %d\n", stats.DroppedFrames)

		fmt.Fprintf(w, "# HELP relay_blocked_ips Currently blocked source addresses.\n")
		fmt.Fprintf(w, "# TYPE relay_blocked_ips gauge\n")
		fmt.Fprintf(w, "relay_blocked_ips %d\n", stats.BlockedIPs)
	}
}

func (h *HandlerSet) snapshot() hub.Stats {
	if h.stats == nil {
		return hub.Stats{StartTime: h.now()}
	}
	return h.stats()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
