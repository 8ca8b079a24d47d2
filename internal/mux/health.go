package mux

import (
	"context"
	"log"
	"time"

	"github.com/termdeck/termdeck/internal/session"
)

// probeLoop sends a liveness ping for every connected session at each
// probe interval. A session that misses too many consecutive pongs is
// moved toward disconnected/reconnect rather than destroyed, since the
// backend may just be briefly unresponsive.
func (m *Mux) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeOnce(ctx)
		}
	}
}

func (m *Mux) probeOnce(ctx context.Context) {
	for _, s := range m.registry.ListActive() {
		if s.State != session.StateConnected {
			continue
		}

		m.mu.Lock()
		rt := m.rts[s.ID]
		if rt == nil {
			m.mu.Unlock()
			continue
		}
		rt.probeMisses++
		misses := rt.probeMisses
		m.mu.Unlock()

		if misses > m.cfg.ProbeMaxFailures {
			log.Printf("[mux] session %s: %d probes unanswered, marking disconnected", s.ID, misses-1)
			m.mu.Lock()
			if rt := m.rts[s.ID]; rt != nil {
				rt.probeMisses = 0
			}
			m.mu.Unlock()
			if err := m.registry.UpdateState(s.ID, session.StateDisconnected); err == nil {
				m.scheduleConnect(s.ID)
			}
			continue
		}

		pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		if err := m.writeFrame(pctx, Frame{Kind: KindPing, SessionID: s.ID}); err != nil {
			log.Printf("[mux] session %s: ping not delivered: %v", s.ID, err)
		}
		cancel()
	}
}
