package mux

import (
	"context"
	"log"
	"time"

	"github.com/termdeck/termdeck/internal/session"
)

// Resize requests a terminal size change for the session. Requests are
// debounced per session: only the most recent pending size survives the
// quiet window, and sizes within the minimum delta of the last applied
// size are suppressed entirely. A failed resize is logged, never escalated.
func (m *Mux) Resize(sessionID string, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return nil
	}
	if cols > MaxCols {
		cols = MaxCols
	}
	if rows > MaxRows {
		rows = MaxRows
	}

	m.mu.Lock()
	rt := m.rts[sessionID]
	if rt == nil {
		m.mu.Unlock()
		return session.ErrNotFound
	}
	rt.pendingCols = cols
	rt.pendingRows = rows
	if rt.resizeTimer != nil {
		rt.resizeTimer.Stop()
	}
	// Destroy stops this timer, so a pending resize never fires against a
	// dead id.
	rt.resizeTimer = time.AfterFunc(m.cfg.ResizeDebounce, func() {
		m.flushResize(sessionID)
	})
	m.mu.Unlock()
	return nil
}

// flushResize applies the most recent pending size after the quiet window.
func (m *Mux) flushResize(sessionID string) {
	m.mu.Lock()
	rt := m.rts[sessionID]
	if rt == nil {
		m.mu.Unlock()
		return
	}
	cols, rows := rt.pendingCols, rt.pendingRows
	if rt.sizeApplied && abs(cols-rt.lastCols) < m.cfg.ResizeMinDelta && abs(rows-rt.lastRows) < m.cfg.ResizeMinDelta {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := m.writeFrame(ctx, Frame{Kind: KindResize, SessionID: sessionID, Cols: cols, Rows: rows}); err != nil {
		log.Printf("[mux] session %s: resize to %dx%d failed: %v", sessionID, cols, rows, err)
		return
	}

	m.mu.Lock()
	if rt := m.rts[sessionID]; rt != nil {
		rt.lastCols = cols
		rt.lastRows = rows
		rt.sizeApplied = true
	}
	m.mu.Unlock()
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
