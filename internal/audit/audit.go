// Package audit persists a trail of every command verdict and session
// lifecycle event. Records are append-only; the only deletion path is
// the retention purge.
package audit

import (
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/termdeck/termdeck/internal/logutil"
	"github.com/termdeck/termdeck/internal/policy"
	"github.com/termdeck/termdeck/internal/session"
)

// Event is a single audit record. Kind is either "command" for a
// validated command or one of the session lifecycle event names.
type Event struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Kind         string    `gorm:"index" json:"kind"`
	SessionID    string    `gorm:"index" json:"session_id"`
	WorkbranchID string    `json:"workbranch_id"`
	Shell        string    `json:"shell"`
	Command      string    `json:"command,omitempty"`
	Allowed      bool      `json:"allowed"`
	Reason       string    `json:"reason,omitempty"`
	Risk         string    `json:"risk,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
}

// KindCommand marks records produced by command validation.
const KindCommand = "command"

// Auditor writes audit events to the database. Write failures are
// logged and swallowed so a broken audit store never blocks a session.
type Auditor struct {
	db  *gorm.DB
	now func() time.Time
}

func NewAuditor(db *gorm.DB) *Auditor {
	return &Auditor{db: db, now: time.Now}
}

// RecordCommand stores the verdict for a command, allowed or not.
func (a *Auditor) RecordCommand(s session.Session, command string, verdict policy.Verdict) {
	ev := Event{
		Kind:         KindCommand,
		SessionID:    s.ID,
		WorkbranchID: s.WorkbranchID,
		Shell:        string(s.Shell),
		Command:      logutil.Truncate(command, 2048),
		Allowed:      verdict.Allowed,
		Reason:       string(verdict.Reason),
		Risk:         string(verdict.Risk),
		CreatedAt:    a.now().UTC(),
	}
	if err := a.db.Create(&ev).Error; err != nil {
		log.Printf("[audit] failed to record command for session %s: %v", logutil.SanitizeForLog(s.ID), err)
	}
}

// RecordSessionEvent stores a lifecycle event such as session creation
// or a reconnect giving up.
func (a *Auditor) RecordSessionEvent(event string, s session.Session, detail string) {
	ev := Event{
		Kind:         event,
		SessionID:    s.ID,
		WorkbranchID: s.WorkbranchID,
		Shell:        string(s.Shell),
		Detail:       detail,
		CreatedAt:    a.now().UTC(),
	}
	if err := a.db.Create(&ev).Error; err != nil {
		log.Printf("[audit] failed to record %s for session %s: %v", event, logutil.SanitizeForLog(s.ID), err)
	}
}

// Recent returns up to limit events, newest first.
func (a *Auditor) Recent(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []Event
	err := a.db.Order("created_at DESC, id DESC").Limit(limit).Find(&events).Error
	return events, err
}

// RecentForSession returns up to limit events for one session, newest first.
func (a *Auditor) RecentForSession(sessionID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []Event
	err := a.db.Where("session_id = ?", sessionID).
		Order("created_at DESC, id DESC").Limit(limit).Find(&events).Error
	return events, err
}

// Purge deletes events older than the retention window and returns the
// number removed.
func (a *Auditor) Purge(retention time.Duration) (int64, error) {
	cutoff := a.now().UTC().Add(-retention)
	res := a.db.Where("created_at < ?", cutoff).Delete(&Event{})
	return res.RowsAffected, res.Error
}
