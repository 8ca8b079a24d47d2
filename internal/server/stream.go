package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/termdeck/termdeck/internal/logutil"
)

// maxInputMessageSize is the maximum size in bytes for a single inbound
// message. Larger messages are dropped.
const maxInputMessageSize = 64 * 1024 // 64 KB

// streamRateLimit is the maximum number of inbound messages per second
// per stream connection.
const streamRateLimit = 100

// streamRateBurst is the token bucket burst size, allowing short bursts
// of rapid input (e.g. paste operations) before rate limiting kicks in.
const streamRateBurst = 200

type streamInboundMsg struct {
	Type    string `json:"type"`
	Command string `json:"command,omitempty"`
	Cols    int    `json:"cols,omitempty"`
	Rows    int    `json:"rows,omitempty"`
}

// handleStream attaches a WebSocket client to a session's output stream.
// Retained history is replayed first, then live output follows as binary
// messages. Inbound text messages carry commands and resize requests;
// commands go through the same validation path as the REST endpoint.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.registry.Get(id); !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[server] failed to accept stream websocket: %v", err)
		return
	}
	defer conn.CloseNow()

	conn.SetReadLimit(1024 * 1024)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	history, err := s.mux.Attach(id, func(chunk []byte) {
		writeCtx, writeCancel := context.WithTimeout(ctx, 5*time.Second)
		defer writeCancel()
		if err := conn.Write(writeCtx, websocket.MessageBinary, chunk); err != nil {
			cancel()
		}
	})
	if err != nil {
		conn.Close(4004, "Session not found")
		return
	}
	defer func() {
		s.mux.Detach(id)
		log.Printf("[server] stream detached: session=%s", id)
	}()

	for _, chunk := range history {
		if err := conn.Write(ctx, websocket.MessageBinary, []byte(chunk)); err != nil {
			return
		}
	}

	limiter := newTokenBucket(streamRateBurst, streamRateLimit)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		// Drop messages that exceed the allowed rate.
		if !limiter.allow() {
			continue
		}
		if len(data) > maxInputMessageSize {
			log.Printf("[server] stream input too large: session=%s size=%d limit=%d",
				id, len(data), maxInputMessageSize)
			continue
		}

		var msg streamInboundMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "command":
			verdict, err := s.mux.Send(ctx, id, msg.Command)
			if err != nil {
				log.Printf("[server] stream command failed: session=%s: %v", id, err)
				return
			}
			if !verdict.Allowed {
				notice, _ := json.Marshal(map[string]interface{}{
					"type":    "denied",
					"verdict": verdict,
				})
				if err := conn.Write(ctx, websocket.MessageText, notice); err != nil {
					return
				}
			}
		case "resize":
			if err := s.mux.Resize(id, msg.Cols, msg.Rows); err != nil {
				log.Printf("[server] stream resize failed: session=%s: %v", id, err)
			}
		default:
			log.Printf("[server] stream ignoring message type %q: session=%s",
				logutil.SanitizeForLog(msg.Type), id)
		}
	}
}

// tokenBucket is a simple token bucket rate limiter for stream messages.
type tokenBucket struct {
	tokens     int
	maxTokens  int
	refillRate int // tokens added per second
	lastRefill time.Time
}

func newTokenBucket(maxTokens, refillRate int) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

func (tb *tokenBucket) allow() bool {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	tb.lastRefill = now

	tb.tokens += int(elapsed.Seconds() * float64(tb.refillRate))
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}

	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}
