package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"uby/relay/internal/hub"
)

func fixedStats(started time.Time) StatsFunc {
	return func() hub.Stats {
		return hub.Stats{
			StartTime:     started,
			Clients:       3,
			Sessions:      2,
			Restored:      1,
			TotalMessages: 40,
			Broadcasts:    12,
			DroppedFrames: 1,
			BlockedIPs:    1,
		}
	}
}

func TestStatusHandlerReturnsJSON(t *testing.T) {
	fixed := time.Date(2025, time.June, 1, 15, 4, 5, 0, time.UTC)
	handlers := NewHandlerSet(Options{
		Stats:      fixedStats(fixed.Add(-90 * time.Second)),
		Addr:       ":3000",
		TimeSource: func() time.Time { return fixed },
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	handlers.StatusHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var payload struct {
		Status         string `json:"status"`
		Addr           string `json:"addr"`
		ConnectedUsers int    `json:"connectedUsers"`
		UptimeSeconds  int64  `json:"uptimeSeconds"`
		Timestamp      string `json:"timestamp"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "running" || payload.Addr != ":3000" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.ConnectedUsers != 2 {
		t.Fatalf("connected users: got %d", payload.ConnectedUsers)
	}
	if payload.UptimeSeconds != 90 {
		t.Fatalf("uptime: got %d", payload.UptimeSeconds)
	}
	if payload.Timestamp != fixed.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected timestamp %q", payload.Timestamp)
	}
}

func TestInfoHandlerListsFeatures(t *testing.T) {
	handlers := NewHandlerSet(Options{})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/info", nil)
	handlers.InfoHandler().ServeHTTP(rr, req)

	var payload struct {
		Name     string   `json:"name"`
		Version  string   `json:"version"`
		Features []string `json:"features"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Name != "uby-relay" || payload.Version == "" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	features := strings.Join(payload.Features, ",")
	for _, want := range []string{"websocket", "long-polling", "session-persistence"} {
		if !strings.Contains(features, want) {
			t.Fatalf("missing feature %q in %v", want, payload.Features)
		}
	}
}

func TestStatsHandlerGroupsSections(t *testing.T) {
	fixed := time.Date(2025, time.June, 1, 15, 4, 5, 0, time.UTC)
	handlers := NewHandlerSet(Options{
		Stats:      fixedStats(fixed.Add(-time.Hour)),
		TimeSource: func() time.Time { return fixed },
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	handlers.StatsHandler().ServeHTTP(rr, req)

	var payload map[string]map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	for _, section := range []string{"server", "relay", "system"} {
		if _, ok := payload[section]; !ok {
			t.Fatalf("missing section %q: %v", section, payload)
		}
	}
	if got := payload["relay"]["sessions"]; got != float64(2) {
		t.Fatalf("sessions: got %v", got)
	}
	if got := payload["server"]["uptimeSeconds"]; got != float64(3600) {
		t.Fatalf("uptime: got %v", got)
	}
}

func TestMetricsHandlerOutputsPrometheusFormat(t *testing.T) {
	fixed := time.Date(2025, time.June, 1, 15, 4, 5, 0, time.UTC)
	handlers := NewHandlerSet(Options{
		Stats:      fixedStats(fixed.Add(-90 * time.Second)),
		TimeSource: func() time.Time { return fixed },
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	handlers.MetricsHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
	body := rr.Body.String()
	for _, want := range []string{
		"relay_uptime_seconds 90",
		"relay_clients 3",
		"relay_sessions 2",
		"relay_messages_total 40",
		"relay_broadcasts_total 12",
		"relay_dropped_frames_total 1",
		"relay_blocked_ips 1",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, body)
		}
	}
}

func TestHandlersWithoutStatsSource(t *testing.T) {
	handlers := NewHandlerSet(Options{})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	handlers.StatusHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}
