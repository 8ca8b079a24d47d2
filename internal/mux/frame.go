// Package mux routes many terminal sessions over one duplex channel to the
// execution backend. It owns the transport exclusively: no other package
// writes to it, and every outbound command passes the policy validator on
// the single code path capable of reaching the wire.
package mux

import (
	"encoding/json"
	"fmt"
)

// Kind tags a frame on the backend channel.
type Kind string

const (
	// KindInit opens a session on the backend. The backend answers with an
	// init frame (handshake ack) or an error frame for the same session id.
	KindInit Kind = "init"
	// KindData carries terminal I/O. Dashboard→backend data frames are
	// validated commands; backend→dashboard data frames are output chunks.
	KindData Kind = "data"
	// KindResize propagates a terminal size change.
	KindResize Kind = "resize"
	// KindClose releases the backend resource for a session.
	KindClose Kind = "close"
	// KindError reports a backend-side failure for a session.
	KindError Kind = "error"
	// KindPing and KindPong implement the per-session liveness probe.
	KindPing Kind = "ping"
	KindPong Kind = "pong"
)

// Frame is one tagged message on the shared backend channel.
type Frame struct {
	Kind      Kind   `json:"kind"`
	SessionID string `json:"session_id,omitempty"`
	// Shell names the shell kind on init frames.
	Shell string `json:"shell,omitempty"`
	// Payload carries terminal data on data frames.
	Payload string `json:"payload,omitempty"`
	Cols    int    `json:"cols,omitempty"`
	Rows    int    `json:"rows,omitempty"`
	// Message carries human-readable detail on error frames.
	Message string `json:"message,omitempty"`
}

// EncodeFrame serializes a frame for the wire.
func EncodeFrame(f Frame) ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Kind, err)
	}
	return b, nil
}

// DecodeFrame parses a wire message into a frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Kind == "" {
		return Frame{}, fmt.Errorf("decode frame: missing kind")
	}
	return f, nil
}
