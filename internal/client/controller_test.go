package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"uby/relay/internal/config"
	"uby/relay/internal/guard"
	"uby/relay/internal/hub"
	"uby/relay/internal/protocol"
	"uby/relay/internal/session"
)

func relayConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Addr:            ":0",
			MaxPayloadBytes: config.DefaultMaxPayloadBytes,
		},
		Guard: config.GuardConfig{
			ConnectionWindow:    config.DefaultConnectionWindow,
			MaxConnectionsPerIP: 100,
			MessageWindow:       config.DefaultMessageWindow,
			MaxMessages:         1000,
			BlockDuration:       config.DefaultBlockDuration,
			SweepInterval:       time.Hour,
		},
		Heartbeat: config.HeartbeatConfig{
			Interval: config.DefaultHeartbeatInterval,
			Timeout:  config.DefaultHeartbeatTimeout,
			Sweep:    time.Hour,
		},
	}
}

// startRelay runs a hub behind an httptest server and returns its ws URL.
func startRelay(t *testing.T, dir session.Directory) (string, *hub.Hub) {
	t.Helper()
	cfg := relayConfig()
	h := hub.New(hub.Options{
		Config: cfg,
		Guard: guard.New(guard.Config{
			ConnectionWindow:    cfg.Guard.ConnectionWindow,
			MaxConnectionsPerIP: cfg.Guard.MaxConnectionsPerIP,
			MessageWindow:       cfg.Guard.MessageWindow,
			MaxMessages:         cfg.Guard.MaxMessages,
			BlockDuration:       cfg.Guard.BlockDuration,
		}, nil),
		Registry: session.NewRegistry(dir),
	})
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.ServeWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		h.Shutdown("test teardown")
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", h
}

func testCredentials(userID, userName string) session.Credentials {
	return session.Credentials{UserID: userID, UserName: userName, DisplayName: userName}
}

func runController(t *testing.T, c *Controller) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background()) }()
	return errCh
}

func waitPhase(t *testing.T, c *Controller, want Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Phase() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("phase: got %v, want %v", c.Phase(), want)
}

func TestControllerConnectsAndRelays(t *testing.T) {
	url, _ := startRelay(t, session.AllowAllDirectory{})

	alice, err := New(Options{URL: url, Credentials: testCredentials("u1", "alice")})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	bob, err := New(Options{URL: url, Credentials: testCredentials("u2", "bob")})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	runController(t, alice)
	waitPhase(t, alice, PhaseConnected)
	runController(t, bob)
	waitPhase(t, bob, PhaseConnected)

	if err := alice.Send("schedule:create", map[string]any{"scheduleId": "s-1"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-bob.Events():
			if env.Type == "schedule:broadcast" {
				alice.Close()
				bob.Close()
				return
			}
		case <-deadline:
			t.Fatal("bob never received the broadcast")
		}
	}
}

func TestSendBeforeConnectFails(t *testing.T) {
	c, err := New(Options{URL: "ws://127.0.0.1:1/ws", Credentials: testCredentials("u1", "alice")})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Send("schedule:create", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send: got %v", err)
	}
}

func TestControllerExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	srv.Close()

	c, err := New(Options{
		URL:         url,
		Credentials: testCredentials("u1", "alice"),
		MaxAttempts: 3,
		Backoff:     Backoff{Base: time.Millisecond, Cap: 2 * time.Millisecond},
		Sleep:       func(ctx context.Context, d time.Duration) error { return nil },
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	runErr := <-runController(t, c)
	if !errors.Is(runErr, ErrReconnectExhausted) {
		t.Fatalf("run: got %v", runErr)
	}
	if c.Phase() != PhaseExhausted {
		t.Fatalf("phase: got %v", c.Phase())
	}
}

func TestControllerAuthRejectionIsFatal(t *testing.T) {
	url, _ := startRelay(t, session.StaticDirectory{
		"carol": {UserID: "u3", UserName: "carol", DisplayName: "Carol"},
	})

	c, err := New(Options{
		URL:         url,
		Credentials: testCredentials("u1", "mallory"),
		Sleep:       func(ctx context.Context, d time.Duration) error { return nil },
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	runErr := <-runController(t, c)
	if !errors.Is(runErr, ErrAuthRejected) {
		t.Fatalf("run: got %v", runErr)
	}
}

func TestControllerStopsWhenSessionReplaced(t *testing.T) {
	url, _ := startRelay(t, session.AllowAllDirectory{})

	first, err := New(Options{URL: url, Credentials: testCredentials("u1", "alice")})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	firstErr := runController(t, first)
	waitPhase(t, first, PhaseConnected)

	second, err := New(Options{URL: url, Credentials: testCredentials("u1", "alice")})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	runController(t, second)
	waitPhase(t, second, PhaseConnected)
	defer second.Close()

	select {
	case runErr := <-firstErr:
		if !errors.Is(runErr, ErrSessionReplaced) {
			t.Fatalf("run: got %v", runErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first controller did not observe replacement")
	}
}

func TestControllerFallsBackToSecondaryEndpoint(t *testing.T) {
	url, _ := startRelay(t, session.AllowAllDirectory{})

	c, err := New(Options{
		URL:         "ws://127.0.0.1:1/ws",
		FallbackURL: url,
		Credentials: testCredentials("u1", "alice"),
		DialTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	runController(t, c)
	waitPhase(t, c, PhaseConnected)
	defer c.Close()

	if err := c.Send("schedule:create", map[string]any{"scheduleId": "s-1"}); err != nil {
		t.Fatalf("send over fallback: %v", err)
	}
}

func TestDuplicateAuthAckStartsOneHeartbeatLoop(t *testing.T) {
	heartbeats := make(chan struct{}, 64)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		ack, _ := protocol.Encode(protocol.EventAuthenticated, map[string]any{"userId": "u1"})
		conn.WriteMessage(websocket.TextMessage, ack)
		conn.WriteMessage(websocket.TextMessage, ack)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if env, err := protocol.Decode(raw); err == nil && env.Type == protocol.EventHeartbeat {
				heartbeats <- struct{}{}
			}
		}
	}))
	defer srv.Close()

	c, err := New(Options{
		URL:               "ws" + strings.TrimPrefix(srv.URL, "http"),
		Credentials:       testCredentials("u1", "alice"),
		HeartbeatInterval: 25 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	runController(t, c)
	waitPhase(t, c, PhaseConnected)

	time.Sleep(500 * time.Millisecond)
	c.Close()

	// One loop at 25ms yields about twenty beats over the window; a second
	// loop would roughly double that.
	if got := len(heartbeats); got < 5 || got > 30 {
		t.Fatalf("heartbeats: got %d, want a single loop's worth", got)
	}
}

func TestControllerCloseReturnsCleanly(t *testing.T) {
	url, _ := startRelay(t, session.AllowAllDirectory{})

	c, err := New(Options{URL: url, Credentials: testCredentials("u1", "alice")})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	errCh := runController(t, c)
	waitPhase(t, c, PhaseConnected)

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case runErr := <-errCh:
		if runErr != nil {
			t.Fatalf("run after close: %v", runErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after close")
	}
}

func TestNewValidatesOptions(t *testing.T) {
	if _, err := New(Options{Credentials: testCredentials("u1", "alice")}); err == nil {
		t.Fatal("missing url accepted")
	}
	if _, err := New(Options{URL: "ws://x/ws"}); err == nil {
		t.Fatal("missing credentials accepted")
	}
}
