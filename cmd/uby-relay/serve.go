package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"uby/relay/internal/auth"
	"uby/relay/internal/config"
	"uby/relay/internal/guard"
	"uby/relay/internal/httpapi"
	"uby/relay/internal/hub"
	"uby/relay/internal/logging"
	"uby/relay/internal/session"
	"uby/relay/internal/state"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay server",
	Long: `Start the relay: the WebSocket endpoint on /ws, the long-polling
fallback under /poll, and the operational HTTP API (/status, /info,
/api/stats, /metrics) on the same listener. A TLS listener is added
when server.tls_cert and server.tls_key are configured.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer logging.Sync(logger)

	var directory session.Directory = session.AllowAllDirectory{}
	if cfg.Users.Path != "" {
		directory = session.NewFileDirectory(cfg.Users.Path)
		logger.Info("using user directory file", zap.String("path", cfg.Users.Path))
	}
	registry := session.NewRegistry(directory)

	snapshots := state.NewSnapshotter(cfg.State.Path, cfg.State.Interval, logger)
	if snapshots != nil {
		defer snapshots.Close()
		sessions, savedAt, err := snapshots.Restore()
		if err != nil {
			logger.Warn("session snapshot unreadable, starting empty", zap.Error(err))
		} else if len(sessions) > 0 {
			registry.Seed(sessions)
			logger.Info("restored previous sessions",
				zap.Int("count", len(sessions)),
				zap.Time("saved_at", savedAt),
			)
		}
	}

	var verifier *auth.Verifier
	if cfg.Auth.JWTSecret != "" {
		verifier, err = auth.NewVerifier(cfg.Auth.JWTSecret, 30*time.Second)
		if err != nil {
			return fmt.Errorf("configure token verification: %w", err)
		}
		logger.Info("token verification enabled")
	}

	shutdownCh := make(chan string, 1)
	relay := hub.New(hub.Options{
		Config: cfg,
		Logger: logger,
		Guard: guard.New(guard.Config{
			ConnectionWindow:    cfg.Guard.ConnectionWindow,
			MaxConnectionsPerIP: cfg.Guard.MaxConnectionsPerIP,
			MessageWindow:       cfg.Guard.MessageWindow,
			MaxMessages:         cfg.Guard.MaxMessages,
			BlockDuration:       cfg.Guard.BlockDuration,
			ExemptHeartbeat:     cfg.Guard.ExemptHeartbeat,
		}, logger),
		Registry:  registry,
		Snapshots: snapshots,
		Verifier:  verifier,
		OnRemoteShutdown: func(reason string) {
			select {
			case shutdownCh <- reason:
			default:
			}
		},
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", relay.ServeWS)
	relay.RegisterPollRoutes(mux)
	httpapi.NewHandlerSet(httpapi.Options{
		Logger: logger,
		Stats:  relay.Stats,
		Addr:   cfg.Server.Addr,
	}).Register(mux)

	errLog, _ := zap.NewStdLogAt(logger.Named("http"), zapcore.ErrorLevel)
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ErrorLog:          errLog,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
			select {
			case shutdownCh <- "listener failure":
			default:
			}
		}
	}()

	var tlsServer *http.Server
	if cfg.Server.TLSCert != "" && cfg.Server.TLSKey != "" {
		tlsServer = &http.Server{
			Addr:              cfg.Server.TLSAddr,
			Handler:           mux,
			ErrorLog:          errLog,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("listening with tls", zap.String("addr", cfg.Server.TLSAddr))
			if err := tlsServer.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey); err != nil && err != http.ErrServerClosed {
				logger.Error("tls server error", zap.Error(err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	reason := "signal"
	select {
	case sig := <-sigCh:
		reason = sig.String()
	case reason = <-shutdownCh:
	}

	logger.Info("shutting down", zap.String("reason", reason))
	relay.Shutdown(reason)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if tlsServer != nil {
		_ = tlsServer.Shutdown(ctx)
	}
	_ = server.Shutdown(ctx)

	return nil
}
