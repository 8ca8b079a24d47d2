package backend

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/termdeck/termdeck/internal/mux"
)

// Server serves the backend half of the frame protocol. Each websocket
// connection is one dashboard; sessions live and die with their channel.
type Server struct {
	factory ShellFactory
}

// NewServer creates a backend server over the given shell factory.
func NewServer(factory ShellFactory) *Server {
	return &Server{factory: factory}
}

// Handler accepts websocket connections and serves the frame protocol on
// each.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			log.Printf("[backend] websocket accept failed: %v", err)
			return
		}
		defer conn.CloseNow()

		s.ServeConn(r.Context(), mux.NewWSTransport(conn))
		conn.Close(websocket.StatusNormalClosure, "")
	})
}

// connShells tracks the live shells of one dashboard connection.
type connShells struct {
	mu     sync.Mutex
	shells map[string]ShellSession
}

func (c *connShells) get(id string) ShellSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shells[id]
}

func (c *connShells) put(id string, sh ShellSession) ShellSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.shells[id]
	c.shells[id] = sh
	return old
}

func (c *connShells) remove(id string) ShellSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	sh := c.shells[id]
	delete(c.shells, id)
	return sh
}

// removeIf removes the entry only while it still maps to sh. A stale
// relay for a shell replaced by a re-handshake must not tear down the
// replacement.
func (c *connShells) removeIf(id string, sh ShellSession) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shells[id] != sh {
		return false
	}
	delete(c.shells, id)
	return true
}

func (c *connShells) drain() []ShellSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ShellSession, 0, len(c.shells))
	for id, sh := range c.shells {
		out = append(out, sh)
		delete(c.shells, id)
	}
	return out
}

// ServeConn runs the frame loop for one dashboard channel until the
// transport errors or ctx is cancelled. Every shell started on this
// channel is released before returning.
func (s *Server) ServeConn(ctx context.Context, t mux.Transport) {
	cs := &connShells{shells: make(map[string]ShellSession)}
	defer func() {
		for _, sh := range cs.drain() {
			sh.Close()
		}
	}()

	for {
		f, err := t.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("[backend] channel closed: %v", err)
			}
			return
		}

		switch f.Kind {
		case mux.KindInit:
			s.handleInit(ctx, t, cs, f)
		case mux.KindData:
			if sh := cs.get(f.SessionID); sh != nil {
				if _, err := sh.Write([]byte(f.Payload)); err != nil {
					s.closeSession(ctx, t, cs, f.SessionID, sh, "shell stdin closed")
				}
			}
		case mux.KindResize:
			if sh := cs.get(f.SessionID); sh != nil {
				if err := sh.Resize(f.Cols, f.Rows); err != nil {
					log.Printf("[backend] session %s: resize failed: %v", f.SessionID, err)
				}
			}
		case mux.KindClose:
			if sh := cs.remove(f.SessionID); sh != nil {
				sh.Close()
			}
		case mux.KindPing:
			s.writeFrame(ctx, t, mux.Frame{Kind: mux.KindPong, SessionID: f.SessionID})
		default:
			log.Printf("[backend] ignoring frame kind %q", f.Kind)
		}
	}
}

// handleInit starts a shell for the session and acks the handshake. A
// failure is reported as an error frame for the same session id.
func (s *Server) handleInit(ctx context.Context, t mux.Transport, cs *connShells, f mux.Frame) {
	sh, err := s.factory(f.Shell, f.Cols, f.Rows)
	if err != nil {
		log.Printf("[backend] session %s: shell start failed: %v", f.SessionID, err)
		s.writeFrame(ctx, t, mux.Frame{Kind: mux.KindError, SessionID: f.SessionID, Message: err.Error()})
		return
	}

	if old := cs.put(f.SessionID, sh); old != nil {
		// A re-handshake after reconnect replaces the previous shell.
		old.Close()
	}

	s.writeFrame(ctx, t, mux.Frame{Kind: mux.KindInit, SessionID: f.SessionID})
	go s.relayOutput(ctx, t, cs, f.SessionID, sh)
	log.Printf("[backend] session %s: shell %s started", f.SessionID, f.Shell)
}

// relayOutput pumps shell stdout into data frames until the shell exits.
func (s *Server) relayOutput(ctx context.Context, t mux.Transport, cs *connShells, sessionID string, sh ShellSession) {
	buf := make([]byte, 32*1024)
	out := sh.Stdout()
	for {
		n, err := out.Read(buf)
		if n > 0 {
			s.writeFrame(ctx, t, mux.Frame{Kind: mux.KindData, SessionID: sessionID, Payload: string(buf[:n])})
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("[backend] session %s: stdout ended: %v", sessionID, err)
			}
			s.closeSession(ctx, t, cs, sessionID, sh, "shell exited")
			return
		}
	}
}

// closeSession releases the shell and tells the dashboard the session is
// gone. It is a no-op when the session id already maps to a different
// shell.
func (s *Server) closeSession(ctx context.Context, t mux.Transport, cs *connShells, sessionID string, sh ShellSession, reason string) {
	if cs.removeIf(sessionID, sh) {
		sh.Close()
		s.writeFrame(ctx, t, mux.Frame{Kind: mux.KindClose, SessionID: sessionID, Message: reason})
	}
}

func (s *Server) writeFrame(ctx context.Context, t mux.Transport, f mux.Frame) {
	if err := t.WriteFrame(ctx, f); err != nil {
		log.Printf("[backend] write %s frame for session %s failed: %v", f.Kind, f.SessionID, err)
	}
}
