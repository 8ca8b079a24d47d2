// Package config loads termdeck settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings is the construction-time configuration surface for the core.
// Nothing in here is persisted; the registry and multiplexer are rebuilt
// from scratch on every process start.
type Settings struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8700"`
	DataPath   string `envconfig:"DATA_PATH" default:"./data"`
	LogPath    string `envconfig:"LOG_PATH" default:""`

	// TrustedRoot is the workspace directory all file paths handed to the
	// dashboard must resolve into.
	TrustedRoot string `envconfig:"TRUSTED_ROOT" default:"."`

	// CatalogPath optionally overrides the built-in command pattern catalog
	// with a YAML file. Changing the catalog is a deployment-time change.
	CatalogPath string `envconfig:"CATALOG_PATH" default:""`

	// BackendURL is the websocket endpoint of the execution backend that
	// actually runs shells. Empty means the in-process backend is used.
	BackendURL    string `envconfig:"BACKEND_URL" default:""`
	BackendListen string `envconfig:"BACKEND_LISTEN" default:"127.0.0.1:8701"`

	// SSH target used by the in-process execution backend.
	SSHAddr     string `envconfig:"SSH_ADDR" default:"127.0.0.1:22"`
	SSHUser     string `envconfig:"SSH_USER" default:""`
	SSHPassword string `envconfig:"SSH_PASSWORD" default:""`

	// Session registry limits.
	MaxSessions          int `envconfig:"MAX_SESSIONS" default:"6"`
	MaxHistoryPerSession int `envconfig:"MAX_HISTORY_PER_SESSION" default:"1000"`

	// Reconnect budget for the per-session state machine.
	ReconnectMaxAttempts int           `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`
	ReconnectBackoffMin  time.Duration `envconfig:"RECONNECT_BACKOFF_MIN" default:"1s"`
	ReconnectBackoffMax  time.Duration `envconfig:"RECONNECT_BACKOFF_MAX" default:"30s"`

	// Resize debouncing.
	ResizeDebounce time.Duration `envconfig:"RESIZE_DEBOUNCE" default:"250ms"`
	ResizeMinDelta int           `envconfig:"RESIZE_MIN_DELTA" default:"2"`

	// Health probing.
	ProbeInterval    time.Duration `envconfig:"PROBE_INTERVAL" default:"30s"`
	ProbeTimeout     time.Duration `envconfig:"PROBE_TIMEOUT" default:"5s"`
	ProbeMaxFailures int           `envconfig:"PROBE_MAX_FAILURES" default:"3"`

	// HandshakeTimeout bounds the init→connected transition per attempt.
	HandshakeTimeout time.Duration `envconfig:"HANDSHAKE_TIMEOUT" default:"10s"`

	// IdleTimeout is how long a disconnected or errored session is kept
	// before the sweep job destroys it. Zero disables the sweep.
	IdleTimeout time.Duration `envconfig:"IDLE_TIMEOUT" default:"30m"`

	AuditRetentionDays int `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
}

// Load reads settings from the environment with the TERMDECK prefix.
func Load() (Settings, error) {
	var s Settings
	if err := envconfig.Process("TERMDECK", &s); err != nil {
		return Settings{}, fmt.Errorf("load config: %w", err)
	}
	return s, nil
}
