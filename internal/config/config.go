// Package config loads relay configuration from an optional YAML file,
// UBY_* environment variables, and compiled defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultAddr is the plaintext listen address.
	DefaultAddr = ":3000"
	// DefaultTLSAddr is the TLS listen address, used only when a cert pair is configured.
	DefaultTLSAddr = ":3443"
	// DefaultMaxPayloadBytes limits inbound frame size.
	DefaultMaxPayloadBytes int64 = 1 << 20

	// DefaultConnectionWindow bounds how long connection attempts per IP are counted.
	DefaultConnectionWindow = 5 * time.Minute
	// DefaultMaxConnectionsPerIP is the connection-attempt ceiling inside the window.
	DefaultMaxConnectionsPerIP = 10
	// DefaultMessageWindow bounds the per-connection message counter.
	DefaultMessageWindow = time.Minute
	// DefaultMaxMessages is the per-connection message ceiling inside the window.
	DefaultMaxMessages = 60
	// DefaultBlockDuration is how long an offending IP stays blocked.
	DefaultBlockDuration = 30 * time.Minute
	// DefaultSweepInterval controls guard bookkeeping cleanup cadence.
	DefaultSweepInterval = 5 * time.Minute

	// DefaultHeartbeatInterval is the client ping cadence.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultHeartbeatTimeout is how long a connection may stay silent before eviction.
	DefaultHeartbeatTimeout = 60 * time.Second
	// DefaultHeartbeatSweep controls how often silent connections are collected.
	DefaultHeartbeatSweep = 30 * time.Second

	// DefaultStatePath is where the session snapshot document is written.
	DefaultStatePath = "data/user-state.json"
	// DefaultStateInterval is the safety-net snapshot cadence.
	DefaultStateInterval = 5 * time.Minute

	// DefaultDialTimeout bounds the client transport handshake.
	DefaultDialTimeout = 10 * time.Second
	// DefaultBackoffBase seeds the client reconnect delay.
	DefaultBackoffBase = time.Second
	// DefaultBackoffCap caps the client reconnect delay.
	DefaultBackoffCap = 30 * time.Second
	// DefaultMaxAttempts bounds client reconnect retries.
	DefaultMaxAttempts = 5
)

// Config captures all runtime tunables for the relay.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Guard     GuardConfig     `mapstructure:"guard"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	State     StateConfig     `mapstructure:"state"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Users     UsersConfig     `mapstructure:"users"`
	Log       LogConfig       `mapstructure:"log"`
	Client    ClientConfig    `mapstructure:"client"`
}

// ServerConfig holds listener tunables.
type ServerConfig struct {
	Addr                string `mapstructure:"addr"`
	TLSAddr             string `mapstructure:"tls_addr"`
	TLSCert             string `mapstructure:"tls_cert"`
	TLSKey              string `mapstructure:"tls_key"`
	AllowRemoteShutdown bool   `mapstructure:"allow_remote_shutdown"`
	MaxPayloadBytes     int64  `mapstructure:"max_payload_bytes"`
}

// GuardConfig holds abuse-guard tunables.
type GuardConfig struct {
	ConnectionWindow    time.Duration `mapstructure:"connection_window"`
	MaxConnectionsPerIP int           `mapstructure:"max_connections_per_ip"`
	MessageWindow       time.Duration `mapstructure:"message_window"`
	MaxMessages         int           `mapstructure:"max_messages"`
	BlockDuration       time.Duration `mapstructure:"block_duration"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	ExemptHeartbeat     bool          `mapstructure:"exempt_heartbeat"`
}

// HeartbeatConfig holds liveness tunables.
type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Sweep    time.Duration `mapstructure:"sweep"`
}

// StateConfig holds session snapshot tunables.
type StateConfig struct {
	Path     string        `mapstructure:"path"`
	Interval time.Duration `mapstructure:"interval"`
}

// AuthConfig holds token verification tunables. An empty secret disables
// token verification and authentication relies on the user directory alone.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// UsersConfig points at the external user directory file.
type UsersConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig holds logging tunables.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ClientConfig holds reconnection controller tunables.
type ClientConfig struct {
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// Load reads the relay configuration, applying defaults and returning
// descriptive errors for invalid overrides. An empty path searches the
// working directory for uby-relay.yaml and tolerates its absence; an explicit
// path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.addr", DefaultAddr)
	v.SetDefault("server.tls_addr", DefaultTLSAddr)
	v.SetDefault("server.allow_remote_shutdown", false)
	v.SetDefault("server.max_payload_bytes", DefaultMaxPayloadBytes)
	v.SetDefault("guard.connection_window", DefaultConnectionWindow)
	v.SetDefault("guard.max_connections_per_ip", DefaultMaxConnectionsPerIP)
	v.SetDefault("guard.message_window", DefaultMessageWindow)
	v.SetDefault("guard.max_messages", DefaultMaxMessages)
	v.SetDefault("guard.block_duration", DefaultBlockDuration)
	v.SetDefault("guard.sweep_interval", DefaultSweepInterval)
	v.SetDefault("guard.exempt_heartbeat", false)
	v.SetDefault("heartbeat.interval", DefaultHeartbeatInterval)
	v.SetDefault("heartbeat.timeout", DefaultHeartbeatTimeout)
	v.SetDefault("heartbeat.sweep", DefaultHeartbeatSweep)
	v.SetDefault("state.path", DefaultStatePath)
	v.SetDefault("state.interval", DefaultStateInterval)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("users.path", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("client.dial_timeout", DefaultDialTimeout)
	v.SetDefault("client.backoff_base", DefaultBackoffBase)
	v.SetDefault("client.backoff_cap", DefaultBackoffCap)
	v.SetDefault("client.max_attempts", DefaultMaxAttempts)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("uby-relay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("UBY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if path != "" || !notFound {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var problems []string

	if strings.TrimSpace(c.Server.Addr) == "" {
		problems = append(problems, "server.addr must not be empty")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		problems = append(problems, "server.tls_cert and server.tls_key must be provided together")
	}
	if c.Server.MaxPayloadBytes <= 0 {
		problems = append(problems, fmt.Sprintf("server.max_payload_bytes must be positive, got %d", c.Server.MaxPayloadBytes))
	}
	if c.Guard.ConnectionWindow <= 0 {
		problems = append(problems, "guard.connection_window must be a positive duration")
	}
	if c.Guard.MaxConnectionsPerIP <= 0 {
		problems = append(problems, "guard.max_connections_per_ip must be positive")
	}
	if c.Guard.MessageWindow <= 0 {
		problems = append(problems, "guard.message_window must be a positive duration")
	}
	if c.Guard.MaxMessages <= 0 {
		problems = append(problems, "guard.max_messages must be positive")
	}
	if c.Guard.BlockDuration <= 0 {
		problems = append(problems, "guard.block_duration must be a positive duration")
	}
	if c.Guard.SweepInterval <= 0 {
		problems = append(problems, "guard.sweep_interval must be a positive duration")
	}
	if c.Heartbeat.Interval <= 0 || c.Heartbeat.Timeout <= 0 || c.Heartbeat.Sweep <= 0 {
		problems = append(problems, "heartbeat.interval, heartbeat.timeout and heartbeat.sweep must be positive durations")
	}
	if c.Heartbeat.Timeout < c.Heartbeat.Interval {
		problems = append(problems, "heartbeat.timeout must not be shorter than heartbeat.interval")
	}
	if c.State.Interval <= 0 {
		problems = append(problems, "state.interval must be a positive duration")
	}
	if c.Client.DialTimeout <= 0 {
		problems = append(problems, "client.dial_timeout must be a positive duration")
	}
	if c.Client.BackoffBase <= 0 || c.Client.BackoffCap < c.Client.BackoffBase {
		problems = append(problems, "client.backoff_base must be positive and no greater than client.backoff_cap")
	}
	if c.Client.MaxAttempts <= 0 {
		problems = append(problems, "client.max_attempts must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
