package mux

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/termdeck/termdeck/internal/logutil"
	"github.com/termdeck/termdeck/internal/policy"
	"github.com/termdeck/termdeck/internal/session"
)

// Upper bounds for resize requests, mirrored by the backend. Values beyond
// these are clamped to prevent abuse.
const (
	MaxCols = 500
	MaxRows = 200
)

// Default terminal size used for the init handshake.
const (
	defaultCols = 80
	defaultRows = 24
)

// writeTimeout bounds fire-and-forget frame writes (close, resize) so no
// operation in the core blocks indefinitely.
const writeTimeout = 5 * time.Second

// ErrTransportDown is returned when an operation needs the backend channel
// and it is not currently established.
var ErrTransportDown = errors.New("backend transport not connected")

// Session lifecycle event names passed to the EventRecorder.
const (
	EventSessionCreated   = "session_created"
	EventSessionEvicted   = "session_evicted"
	EventSessionDestroyed = "session_destroyed"
	EventReconnectFailed  = "reconnect_failed"
)

// EventRecorder receives command verdicts and session lifecycle events for
// the audit trail. Implementations must be safe for concurrent use.
type EventRecorder interface {
	RecordCommand(s session.Session, command string, verdict policy.Verdict)
	RecordSessionEvent(event string, s session.Session, detail string)
}

// NopRecorder discards all events.
type NopRecorder struct{}

func (NopRecorder) RecordCommand(session.Session, string, policy.Verdict) {}
func (NopRecorder) RecordSessionEvent(string, session.Session, string)    {}

// Sink receives output chunks for one session, in arrival order. At most
// one sink is attached per session; while none is attached output is
// retained in the session's history only.
type Sink func(chunk []byte)

// Config carries the multiplexer's timing and budget knobs. Zero values
// fall back to the documented defaults.
type Config struct {
	HandshakeTimeout     time.Duration
	ReconnectMaxAttempts int
	BackoffMin           time.Duration
	BackoffMax           time.Duration
	ResizeDebounce       time.Duration
	ResizeMinDelta       int
	ProbeInterval        time.Duration
	ProbeTimeout         time.Duration
	ProbeMaxFailures     int
	IdleTimeout          time.Duration
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReconnectMaxAttempts <= 0 {
		c.ReconnectMaxAttempts = 5
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.ResizeDebounce <= 0 {
		c.ResizeDebounce = 250 * time.Millisecond
	}
	if c.ResizeMinDelta <= 0 {
		c.ResizeMinDelta = 2
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.ProbeMaxFailures <= 0 {
		c.ProbeMaxFailures = 3
	}
}

// sessionRuntime is the mux-private timer and routing state for one
// session. It never duplicates registry-owned fields.
type sessionRuntime struct {
	ctx    context.Context
	cancel context.CancelFunc

	sink Sink
	ack  chan error // handshake ack for the in-flight init, nil otherwise

	connectRunning bool

	resizeTimer  *time.Timer
	pendingCols  int
	pendingRows  int
	lastCols     int
	lastRows     int
	sizeApplied  bool
	probeMisses  int
}

// Mux is the session multiplexer and transport router.
type Mux struct {
	cfg       Config
	registry  *session.Registry
	validator *policy.Validator
	recorder  EventRecorder
	dial      Dialer

	mu        sync.Mutex
	transport Transport
	rts       map[string]*sessionRuntime
	ctx       context.Context // parent for session runtimes, set by Start
}

// New wires a Mux over the given registry, validator and backend dialer.
// The registry's evict hook is claimed by the mux so evicted sessions
// release their backend shell before the entry disappears.
func New(cfg Config, registry *session.Registry, validator *policy.Validator, recorder EventRecorder, dial Dialer) *Mux {
	cfg.applyDefaults()
	if recorder == nil {
		recorder = NopRecorder{}
	}
	m := &Mux{
		cfg:       cfg,
		registry:  registry,
		validator: validator,
		recorder:  recorder,
		dial:      dial,
		rts:       make(map[string]*sessionRuntime),
		ctx:       context.Background(),
	}
	registry.SetEvictHook(m.onEvict)
	return m
}

// Start launches the transport connect/demux loop and the health prober.
// It returns immediately; both loops stop when ctx is cancelled.
func (m *Mux) Start(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()
	go m.run(ctx)
	go m.probeLoop(ctx)
}

// CreateSession registers a new session and begins connecting it to the
// backend. It returns the session snapshot in state connecting; the
// handshake completes asynchronously.
func (m *Mux) CreateSession(workbranchID string, shell session.ShellKind, title string) (session.Session, error) {
	snap, err := m.registry.Create(workbranchID, shell, title)
	if err != nil {
		return session.Session{}, err
	}

	m.mu.Lock()
	rtCtx, cancel := context.WithCancel(m.ctx)
	m.rts[snap.ID] = &sessionRuntime{ctx: rtCtx, cancel: cancel}
	m.mu.Unlock()

	m.recorder.RecordSessionEvent(EventSessionCreated, snap, "")
	log.Printf("[mux] session %s created for workbranch %s (shell %s)",
		snap.ID, logutil.SanitizeForLog(workbranchID), snap.Shell)

	m.scheduleConnect(snap.ID)
	return snap, nil
}

// Send validates the command and, if allowed, forwards it to the backend.
// The returned verdict is always populated; a denied command never reaches
// the transport. The error is non-nil only for transport or lookup
// failures, never for denials.
func (m *Mux) Send(ctx context.Context, sessionID, command string) (policy.Verdict, error) {
	snap, ok := m.registry.Get(sessionID)
	if !ok {
		return policy.Verdict{}, session.ErrNotFound
	}

	verdict := m.validator.Validate(command)
	m.recorder.RecordCommand(snap, command, verdict)
	if !verdict.Allowed {
		log.Printf("[mux] session %s: command denied (%s, risk %s): %s",
			sessionID, verdict.Reason, verdict.Risk, logutil.Truncate(logutil.SanitizeForLog(command), 80))
		return verdict, nil
	}

	if err := m.writeCommand(ctx, sessionID, verdict.SanitizedCommand); err != nil {
		return verdict, err
	}
	m.registry.Touch(sessionID)
	return verdict, nil
}

// writeCommand is the ONLY function that emits data frames toward the
// backend. Send's validator gate therefore cannot be bypassed: any new
// command path has to go through it.
func (m *Mux) writeCommand(ctx context.Context, sessionID, command string) error {
	return m.writeFrame(ctx, Frame{Kind: KindData, SessionID: sessionID, Payload: command + "\n"})
}

// Attach registers the session's output sink, replacing any previous one,
// and returns the retained history for replay. The snapshot and the sink
// swap happen under the mux lock, the same critical section deliverOutput
// appends under, so a concurrently arriving chunk lands either in the
// returned history or at the new sink, never both and never neither.
func (m *Mux) Attach(sessionID string, sink Sink) ([]string, error) {
	m.mu.Lock()
	rt := m.rts[sessionID]
	if rt == nil {
		m.mu.Unlock()
		return nil, session.ErrNotFound
	}
	history, err := m.registry.History(sessionID)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	rt.sink = sink
	m.mu.Unlock()
	return history, nil
}

// Detach removes the session's output sink. Output keeps accumulating in
// the session history.
func (m *Mux) Detach(sessionID string) {
	m.mu.Lock()
	if rt := m.rts[sessionID]; rt != nil {
		rt.sink = nil
	}
	m.mu.Unlock()
}

// DestroySession tears a session down: pending timers are cancelled, the
// backend shell is released, then the registry entry is removed. Calling
// it for an absent or already destroyed id is a successful no-op.
func (m *Mux) DestroySession(sessionID string) {
	m.mu.Lock()
	rt := m.rts[sessionID]
	delete(m.rts, sessionID)
	m.mu.Unlock()

	if rt != nil {
		rt.cancel()
		if rt.resizeTimer != nil {
			rt.resizeTimer.Stop()
		}
	}

	snap, existed := m.registry.Get(sessionID)
	if !existed {
		return
	}

	m.releaseBackend(sessionID)
	if m.registry.Destroy(sessionID) {
		m.recorder.RecordSessionEvent(EventSessionDestroyed, snap, "")
		log.Printf("[mux] session %s destroyed", sessionID)
	}
}

// onEvict is the registry's eviction hook: the entry is still present, the
// mux releases its timers and backend shell before the registry removes it.
func (m *Mux) onEvict(s session.Session) {
	m.mu.Lock()
	rt := m.rts[s.ID]
	delete(m.rts, s.ID)
	m.mu.Unlock()

	if rt != nil {
		rt.cancel()
		if rt.resizeTimer != nil {
			rt.resizeTimer.Stop()
		}
	}
	m.releaseBackend(s.ID)
	m.recorder.RecordSessionEvent(EventSessionEvicted, s, "capacity")
}

// releaseBackend sends a best-effort close frame for the session. A down
// transport is fine: the backend drops its side when the channel dies.
func (m *Mux) releaseBackend(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := m.writeFrame(ctx, Frame{Kind: KindClose, SessionID: sessionID}); err != nil {
		log.Printf("[mux] session %s: close frame not delivered: %v", sessionID, err)
	}
}

// SweepIdle destroys disconnected or errored sessions whose last activity
// is older than the configured idle timeout. Returns how many were swept.
func (m *Mux) SweepIdle() int {
	idle := m.registry.ListIdle(m.cfg.IdleTimeout)
	for _, s := range idle {
		log.Printf("[mux] sweeping idle session %s (state %s, last active %s)",
			s.ID, s.State, s.LastActiveAt.Format(time.RFC3339))
		m.DestroySession(s.ID)
	}
	return len(idle)
}

// Status summarizes the mux for the dashboard status endpoint.
type Status struct {
	Running        bool              `json:"running"`
	SessionCount   int               `json:"session_count"`
	ActiveSessions []session.Session `json:"active_sessions"`
}

// GetStatus reports transport health and the live session list.
func (m *Mux) GetStatus() Status {
	m.mu.Lock()
	running := m.transport != nil
	m.mu.Unlock()
	return Status{
		Running:        running,
		SessionCount:   m.registry.Len(),
		ActiveSessions: m.registry.ListActive(),
	}
}

// writeFrame hands one frame to the current transport.
func (m *Mux) writeFrame(ctx context.Context, f Frame) error {
	m.mu.Lock()
	t := m.transport
	m.mu.Unlock()
	if t == nil {
		return ErrTransportDown
	}
	return t.WriteFrame(ctx, f)
}

// runtime returns the mux-private state for a live session.
func (m *Mux) runtime(sessionID string) *sessionRuntime {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rts[sessionID]
}

func (m *Mux) backoffFor(attempt int) time.Duration {
	d := m.cfg.BackoffMin
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= m.cfg.BackoffMax {
			return m.cfg.BackoffMax
		}
	}
	if d > m.cfg.BackoffMax {
		d = m.cfg.BackoffMax
	}
	return d
}
