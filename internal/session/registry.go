package session

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// record is the registry-private mutable state behind one Session.
type record struct {
	snap          Session
	history       []string
	transitioning bool
	evicting      bool
}

// Registry tracks live sessions with a capacity cap and bounded per-session
// output history. All operations are safe under concurrent invocation; the
// table mutex is never held across anything that can block.
type Registry struct {
	// admit serializes the evict-then-insert sequence in Create. Without
	// it two creates at capacity can both observe an eviction in flight,
	// skip evicting, and push the table above maxSessions.
	admit sync.Mutex

	mu          sync.Mutex
	maxSessions int
	maxHistory  int
	sessions    map[string]*record
	order       []string // insertion order of live ids

	// onEvict, when set, is called with the session being evicted to make
	// room for a new one, before its entry is removed. The callback runs
	// outside the table lock and must release the backend resource.
	onEvict func(Session)

	now func() time.Time
}

// NewRegistry creates a Registry with the given caps. Non-positive values
// fall back to the documented defaults (6 sessions, 1000 chunks).
func NewRegistry(maxSessions, maxHistory int) *Registry {
	if maxSessions <= 0 {
		maxSessions = 6
	}
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	return &Registry{
		maxSessions: maxSessions,
		maxHistory:  maxHistory,
		sessions:    make(map[string]*record),
		now:         time.Now,
	}
}

// SetEvictHook installs the eviction callback. Must be called before the
// registry is shared across goroutines.
func (r *Registry) SetEvictHook(fn func(Session)) {
	r.onEvict = fn
}

// Create registers a new session in state connecting and returns its
// snapshot. When the registry is full the single oldest session by
// CreatedAt is evicted first; capacity never rejects a create.
func (r *Registry) Create(workbranchID string, shell ShellKind, title string) (Session, error) {
	kind, err := ParseShellKind(string(shell))
	if err != nil {
		return Session{}, err
	}
	if title == "" {
		title = fmt.Sprintf("%s (%s)", workbranchID, kind)
	}

	r.admit.Lock()
	defer r.admit.Unlock()
	r.evictOldestIfFull()

	now := r.now()
	snap := Session{
		ID:           uuid.New().String(),
		WorkbranchID: workbranchID,
		Shell:        kind,
		Title:        title,
		CreatedAt:    now,
		LastActiveAt: now,
		State:        StateConnecting,
	}

	r.mu.Lock()
	r.sessions[snap.ID] = &record{snap: snap}
	r.order = append(r.order, snap.ID)
	r.mu.Unlock()

	return snap, nil
}

// evictOldestIfFull removes the oldest-by-CreatedAt live session when the
// table is at capacity. The caller holds the admission lock, so the
// eviction and the subsequent insert form one atomic slot swap. The evict
// hook runs outside the table lock so it can close the backend handle
// without deadlocking against registry calls.
func (r *Registry) evictOldestIfFull() {
	r.mu.Lock()
	if len(r.sessions) < r.maxSessions {
		r.mu.Unlock()
		return
	}
	var oldest *record
	for _, rec := range r.sessions {
		if rec.evicting {
			continue
		}
		if oldest == nil || rec.snap.CreatedAt.Before(oldest.snap.CreatedAt) {
			oldest = rec
		}
	}
	if oldest == nil {
		r.mu.Unlock()
		return
	}
	oldest.evicting = true
	victim := oldest.snap
	r.mu.Unlock()

	log.Printf("[registry] evicting oldest session %s (created %s) to stay within %d sessions",
		victim.ID, victim.CreatedAt.Format(time.RFC3339), r.maxSessions)
	if r.onEvict != nil {
		r.onEvict(victim)
	}
	r.remove(victim.ID)
}

// Get returns a snapshot of the session, or false if the id is not live.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return rec.snap, true
}

// BeginTransition marks a state change as in flight for the session.
// Exactly one transition may be in flight at a time; a second caller gets
// ErrStateConflict instead of silently racing.
func (r *Registry) BeginTransition(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if rec.transitioning {
		return ErrStateConflict
	}
	rec.transitioning = true
	return nil
}

// CompleteTransition applies the new state and releases the in-flight
// marker. Completing a transition for a session destroyed in the meantime
// is a no-op returning ErrNotFound.
func (r *Registry) CompleteTransition(id string, state ConnState) error {
	if !state.IsValid() {
		return fmt.Errorf("invalid state %q", state)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	rec.snap.State = state
	rec.snap.LastActiveAt = r.now()
	rec.transitioning = false
	return nil
}

// AbortTransition releases the in-flight marker without changing state.
func (r *Registry) AbortTransition(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.sessions[id]; ok {
		rec.transitioning = false
	}
}

// UpdateState performs a one-shot transition: it fails with
// ErrStateConflict while a longer transition (e.g. a reconnect handshake)
// holds the in-flight marker.
func (r *Registry) UpdateState(id string, state ConnState) error {
	if err := r.BeginTransition(id); err != nil {
		return err
	}
	return r.CompleteTransition(id, state)
}

// IncrementReconnect bumps the session's reconnect attempt counter and
// returns the new value.
func (r *Registry) IncrementReconnect(id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	if !ok {
		return 0, ErrNotFound
	}
	rec.snap.ReconnectAttempts++
	return rec.snap.ReconnectAttempts, nil
}

// ResetReconnect clears the attempt counter after a successful connect.
func (r *Registry) ResetReconnect(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.sessions[id]; ok {
		rec.snap.ReconnectAttempts = 0
	}
}

// AppendOutput adds one output chunk to the session's bounded history,
// dropping the oldest chunk on overflow.
func (r *Registry) AppendOutput(id string, chunk string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	rec.history = append(rec.history, chunk)
	if len(rec.history) > r.maxHistory {
		rec.history = rec.history[len(rec.history)-r.maxHistory:]
	}
	rec.snap.LastActiveAt = r.now()
	return nil
}

// History returns a copy of the session's retained output chunks in
// arrival order.
func (r *Registry) History(id string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]string, len(rec.history))
	copy(out, rec.history)
	return out, nil
}

// ClearHistory discards the session's retained output. This is the only
// function that clears history, and it refuses when the session is
// output-locked.
func (r *Registry) ClearHistory(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if rec.snap.OutputLocked {
		return ErrHistoryLocked
	}
	rec.history = nil
	return nil
}

// SetOutputLocked toggles the history lock.
func (r *Registry) SetOutputLocked(id string, locked bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	rec.snap.OutputLocked = locked
	return nil
}

// Touch refreshes the session's last-active timestamp.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.sessions[id]; ok {
		rec.snap.LastActiveAt = r.now()
	}
}

// Destroy removes the session from the table. Destroying an absent or
// already-destroyed id is a successful no-op; teardown races are
// expected. Returns whether an entry was actually removed. The caller is
// responsible for releasing the backend resource first.
func (r *Registry) Destroy(id string) bool {
	return r.remove(id)
}

func (r *Registry) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// ListActive returns snapshots of all live sessions in insertion order.
func (r *Registry) ListActive() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.order))
	for _, id := range r.order {
		if rec, ok := r.sessions[id]; ok {
			out = append(out, rec.snap)
		}
	}
	return out
}

// ListIdle returns sessions in disconnected or error state whose last
// activity is older than maxIdle.
func (r *Registry) ListIdle(maxIdle time.Duration) []Session {
	if maxIdle <= 0 {
		return nil
	}
	cutoff := r.now().Add(-maxIdle)
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Session
	for _, id := range r.order {
		rec, ok := r.sessions[id]
		if !ok {
			continue
		}
		st := rec.snap.State
		if (st == StateDisconnected || st == StateError) && rec.snap.LastActiveAt.Before(cutoff) {
			out = append(out, rec.snap)
		}
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
