package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/termdeck/termdeck/internal/database"
	"github.com/termdeck/termdeck/internal/policy"
	"github.com/termdeck/termdeck/internal/session"
)

func newTestAuditor(t *testing.T) *Auditor {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "audit.db"), &Event{})
	if err != nil {
		t.Fatal(err)
	}
	return NewAuditor(db)
}

func testSession() session.Session {
	return session.Session{
		ID:           "sess-1",
		WorkbranchID: "wb-1",
		Shell:        session.ShellBash,
	}
}

func TestAuditor_RecordCommand(t *testing.T) {
	a := newTestAuditor(t)

	a.RecordCommand(testSession(), "rm -rf /", policy.Verdict{
		Allowed: false,
		Reason:  policy.ReasonDangerousPattern,
		Risk:    policy.RiskCritical,
	})
	a.RecordCommand(testSession(), "npm run dev", policy.Verdict{
		Allowed:          true,
		Reason:           policy.ReasonWhitelisted,
		Risk:             policy.RiskLow,
		SanitizedCommand: "npm run dev",
	})

	events, err := a.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}

	// Newest first.
	if events[0].Command != "npm run dev" || !events[0].Allowed {
		t.Errorf("events[0] = %+v", events[0])
	}
	if events[1].Command != "rm -rf /" || events[1].Allowed {
		t.Errorf("events[1] = %+v", events[1])
	}
	if events[1].Reason != string(policy.ReasonDangerousPattern) || events[1].Risk != string(policy.RiskCritical) {
		t.Errorf("denied event reason/risk = %s/%s", events[1].Reason, events[1].Risk)
	}
	if events[0].Kind != KindCommand {
		t.Errorf("kind = %s, want %s", events[0].Kind, KindCommand)
	}
}

func TestAuditor_RecordSessionEvent(t *testing.T) {
	a := newTestAuditor(t)

	a.RecordSessionEvent("session_created", testSession(), "")
	a.RecordSessionEvent("reconnect_failed", testSession(), "gave up after 5 attempts")

	events, err := a.RecentForSession("sess-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Kind != "reconnect_failed" || events[0].Detail == "" {
		t.Errorf("events[0] = %+v", events[0])
	}

	other, err := a.RecentForSession("sess-2", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Errorf("unrelated session has %d events", len(other))
	}
}

func TestAuditor_Purge(t *testing.T) {
	a := newTestAuditor(t)
	base := time.Now()

	a.now = func() time.Time { return base.Add(-100 * 24 * time.Hour) }
	a.RecordSessionEvent("session_created", testSession(), "old")

	a.now = func() time.Time { return base }
	a.RecordSessionEvent("session_created", testSession(), "new")

	removed, err := a.Purge(90 * 24 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	events, _ := a.Recent(10)
	if len(events) != 1 || events[0].Detail != "new" {
		t.Errorf("surviving events = %+v", events)
	}
}

func TestAuditor_TruncatesLongCommands(t *testing.T) {
	a := newTestAuditor(t)

	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'x'
	}
	a.RecordCommand(testSession(), string(long), policy.Verdict{Allowed: false, Reason: policy.ReasonNotWhitelisted, Risk: policy.RiskMedium})

	events, _ := a.Recent(1)
	if len(events) != 1 {
		t.Fatal("event not stored")
	}
	if len(events[0].Command) > 2060 {
		t.Errorf("stored command length = %d, want truncated", len(events[0].Command))
	}
}
