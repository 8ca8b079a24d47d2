package mux

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/termdeck/termdeck/internal/session"
)

// run maintains the single backend transport for the life of ctx: dial,
// demux until the channel dies, mark every session disconnected, redial
// with exponential backoff.
func (m *Mux) run(ctx context.Context) {
	backoff := m.cfg.BackoffMin
	for {
		if ctx.Err() != nil {
			return
		}

		t, err := m.dial(ctx)
		if err != nil {
			log.Printf("[mux] backend dial failed: %v (retrying in %s)", err, backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > m.cfg.BackoffMax {
				backoff = m.cfg.BackoffMax
			}
			continue
		}

		m.mu.Lock()
		m.transport = t
		m.mu.Unlock()
		backoff = m.cfg.BackoffMin
		log.Printf("[mux] backend transport connected")

		m.resumeSessions()
		m.readLoop(ctx, t)

		m.mu.Lock()
		if m.transport == t {
			m.transport = nil
		}
		m.mu.Unlock()
		t.Close()

		m.markAllDisconnected()
	}
}

// readLoop is the demux path: the only reader of the transport, so output
// chunks for a given session reach its sink in arrival order by
// construction. Returns when the transport errors or ctx is cancelled.
func (m *Mux) readLoop(ctx context.Context, t Transport) {
	for {
		f, err := t.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("[mux] backend transport lost: %v", err)
			}
			return
		}

		switch f.Kind {
		case KindInit:
			m.deliverAck(f.SessionID, nil)
		case KindData:
			m.deliverOutput(f.SessionID, []byte(f.Payload))
		case KindPong:
			m.mu.Lock()
			if rt := m.rts[f.SessionID]; rt != nil {
				rt.probeMisses = 0
			}
			m.mu.Unlock()
		case KindClose:
			m.handleBackendClose(f.SessionID, "backend closed session")
		case KindError:
			// An error during handshake fails that attempt; otherwise it
			// drives the session toward disconnected/reconnect.
			if m.deliverAck(f.SessionID, errors.New(f.Message)) {
				continue
			}
			m.handleBackendClose(f.SessionID, f.Message)
		default:
			log.Printf("[mux] dropping frame with unknown kind %q", f.Kind)
		}
	}
}

// deliverOutput appends the chunk to the session's bounded history and
// hands it to the attached sink, if any. Append and sink lookup share one
// critical section with Attach's history-snapshot-and-sink-swap; the lock
// order is always mux lock then registry lock. Frames for unknown ids
// lose the send-vs-destroy race and are dropped.
func (m *Mux) deliverOutput(sessionID string, chunk []byte) {
	m.mu.Lock()
	if err := m.registry.AppendOutput(sessionID, string(chunk)); err != nil {
		m.mu.Unlock()
		log.Printf("[mux] dropping output for unknown session %s", sessionID)
		return
	}
	var sink Sink
	if rt := m.rts[sessionID]; rt != nil {
		sink = rt.sink
	}
	m.mu.Unlock()
	if sink != nil {
		sink(chunk)
	}
}

// deliverAck completes an in-flight handshake, reporting whether one was
// waiting.
func (m *Mux) deliverAck(sessionID string, err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt := m.rts[sessionID]
	if rt == nil || rt.ack == nil {
		return false
	}
	select {
	case rt.ack <- err:
	default:
	}
	return true
}

// handleBackendClose moves the session to disconnected and schedules an
// automatic reconnect within the retry budget.
func (m *Mux) handleBackendClose(sessionID, detail string) {
	if _, ok := m.registry.Get(sessionID); !ok {
		return
	}
	log.Printf("[mux] session %s: backend closed (%s)", sessionID, detail)
	if err := m.registry.UpdateState(sessionID, session.StateDisconnected); err != nil {
		// A transition in flight will observe the dead channel itself.
		return
	}
	m.scheduleConnect(sessionID)
}

// markAllDisconnected flips every connected or connecting session to
// disconnected after transport loss. Reconnects are scheduled once the
// transport is re-established (resumeSessions).
func (m *Mux) markAllDisconnected() {
	for _, s := range m.registry.ListActive() {
		if s.State == session.StateConnected || s.State == session.StateConnecting {
			if err := m.registry.UpdateState(s.ID, session.StateDisconnected); err != nil {
				continue
			}
		}
	}
}

// resumeSessions schedules reconnects for every session that is eligible
// for automatic reconnection (connecting or disconnected; error is
// terminal, only an explicit create recovers from it).
func (m *Mux) resumeSessions() {
	for _, s := range m.registry.ListActive() {
		if s.State == session.StateConnecting || s.State == session.StateDisconnected {
			m.scheduleConnect(s.ID)
		}
	}
}

// scheduleConnect starts the per-session connect loop unless one is
// already running.
func (m *Mux) scheduleConnect(sessionID string) {
	m.mu.Lock()
	rt := m.rts[sessionID]
	if rt == nil || rt.connectRunning {
		m.mu.Unlock()
		return
	}
	rt.connectRunning = true
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			if cur := m.rts[sessionID]; cur != nil {
				cur.connectRunning = false
			}
			m.mu.Unlock()
		}()
		m.connectSession(sessionID)
	}()
}

// connectSession drives the session's reconnect state machine: handshake
// attempts with increasing backoff until connected, destroyed, or the
// attempt budget is exhausted (terminal error state).
func (m *Mux) connectSession(sessionID string) {
	rt := m.runtime(sessionID)
	if rt == nil {
		return
	}

	for {
		if rt.ctx.Err() != nil {
			return
		}

		err := m.attemptHandshake(rt, sessionID)
		if err == nil {
			m.registry.ResetReconnect(sessionID)
			log.Printf("[mux] session %s connected", sessionID)
			return
		}
		if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrStateConflict) {
			return
		}

		attempts, aerr := m.registry.IncrementReconnect(sessionID)
		if aerr != nil {
			return
		}
		if attempts >= m.cfg.ReconnectMaxAttempts {
			snap, ok := m.registry.Get(sessionID)
			if m.registry.UpdateState(sessionID, session.StateError) == nil && ok {
				m.recorder.RecordSessionEvent(EventReconnectFailed, snap,
					fmt.Sprintf("gave up after %d attempts: %v", attempts, err))
			}
			log.Printf("[mux] session %s: giving up after %d attempts: %v", sessionID, attempts, err)
			return
		}

		backoff := m.backoffFor(attempts)
		log.Printf("[mux] session %s: handshake failed (attempt %d/%d): %v, retrying in %s",
			sessionID, attempts, m.cfg.ReconnectMaxAttempts, err, backoff)
		select {
		case <-rt.ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// attemptHandshake performs one init/ack exchange under the session's
// exclusive transition marker.
func (m *Mux) attemptHandshake(rt *sessionRuntime, sessionID string) error {
	snap, ok := m.registry.Get(sessionID)
	if !ok {
		return session.ErrNotFound
	}
	if snap.State == session.StateDisconnected {
		if err := m.registry.UpdateState(sessionID, session.StateConnecting); err != nil {
			return err
		}
	}

	if err := m.registry.BeginTransition(sessionID); err != nil {
		return err
	}

	ack := make(chan error, 1)
	m.mu.Lock()
	if cur := m.rts[sessionID]; cur != nil {
		cur.ack = ack
	}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if cur := m.rts[sessionID]; cur != nil {
			cur.ack = nil
		}
		m.mu.Unlock()
	}()

	hctx, cancel := context.WithTimeout(rt.ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	if err := m.writeFrame(hctx, Frame{
		Kind:      KindInit,
		SessionID: sessionID,
		Shell:     string(snap.Shell),
		Cols:      defaultCols,
		Rows:      defaultRows,
	}); err != nil {
		m.registry.AbortTransition(sessionID)
		return err
	}

	select {
	case err := <-ack:
		if err != nil {
			m.registry.AbortTransition(sessionID)
			return fmt.Errorf("backend rejected session: %w", err)
		}
		return m.registry.CompleteTransition(sessionID, session.StateConnected)
	case <-hctx.Done():
		m.registry.AbortTransition(sessionID)
		return fmt.Errorf("handshake: %w", hctx.Err())
	}
}
