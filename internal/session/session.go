// Package session owns the in-memory table of terminal sessions. All
// mutation of session state goes through Registry methods; other packages
// hold session ids, never live references, which keeps a single writer for
// every field.
package session

import (
	"errors"
	"fmt"
	"time"
)

// ShellKind selects which shell a session runs.
type ShellKind string

const (
	ShellPowerShell ShellKind = "powershell"
	ShellBash       ShellKind = "bash"
	ShellCmd        ShellKind = "cmd"
)

// ParseShellKind validates a shell kind string. An empty kind defaults to
// bash.
func ParseShellKind(s string) (ShellKind, error) {
	switch ShellKind(s) {
	case "":
		return ShellBash, nil
	case ShellPowerShell, ShellBash, ShellCmd:
		return ShellKind(s), nil
	default:
		return "", fmt.Errorf("unknown shell kind %q", s)
	}
}

// ConnState is the lifecycle state of a session's backend connection.
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateError        ConnState = "error"
)

// IsValid reports whether the state is one of the defined constants.
func (s ConnState) IsValid() bool {
	switch s {
	case StateConnecting, StateConnected, StateDisconnected, StateError:
		return true
	}
	return false
}

// Session is a point-in-time snapshot of one terminal session. Snapshots
// are values: mutating one has no effect on the registry.
type Session struct {
	ID                string    `json:"id"`
	WorkbranchID      string    `json:"workbranch_id"`
	Shell             ShellKind `json:"shell"`
	Title             string    `json:"title"`
	CreatedAt         time.Time `json:"created_at"`
	LastActiveAt      time.Time `json:"last_active_at"`
	State             ConnState `json:"state"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	// OutputLocked prevents ClearHistory from discarding the session's
	// output, e.g. while a long build's log must stay reviewable.
	OutputLocked bool `json:"output_locked"`
}

var (
	// ErrNotFound is returned for operations against an absent or already
	// destroyed session id.
	ErrNotFound = errors.New("session not found")
	// ErrStateConflict is returned when a state transition is requested
	// while another one is still in flight for the same session.
	ErrStateConflict = errors.New("state transition already in flight")
	// ErrHistoryLocked is returned by ClearHistory for output-locked sessions.
	ErrHistoryLocked = errors.New("session output is locked")
)
