// Package session coordinates the study session of a user across every
// context that user has open. A user has at most one active session; it is
// cached per context, persisted in the durable store and announced on the
// bus whenever it starts, changes or ends.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/aixgo-dev/tabsync/pkg/bus"
	"github.com/aixgo-dev/tabsync/pkg/store"
)

// Common errors for session operations.
var (
	// ErrNoActiveSession is returned when updating a user without a session.
	ErrNoActiveSession = errors.New("no active session")
	// ErrInvalidUser is returned for an empty user ID.
	ErrInvalidUser = errors.New("user ID cannot be empty")
	// ErrInvalidEntryMode is returned for an unknown entry mode.
	ErrInvalidEntryMode = errors.New("invalid entry mode")
	// ErrInvalidInactivity is returned for a non-positive inactivity limit.
	ErrInvalidInactivity = errors.New("max inactivity must be positive")
)

// EntryMode records how the user entered the session.
type EntryMode string

const (
	// EntryModeAssigned is a session started from an assigned task.
	EntryModeAssigned EntryMode = "assigned"
	// EntryModeSelfStudy is a session the user started on their own.
	EntryModeSelfStudy EntryMode = "self_study"
)

// Valid reports whether m is a known entry mode.
func (m EntryMode) Valid() bool {
	return m == EntryModeAssigned || m == EntryModeSelfStudy
}

// StudySession is the per-user session record. The last writer across all
// contexts wins.
type StudySession struct {
	// Subject is what the user is studying.
	Subject string `json:"subject"`
	// EntryMode is how the session was entered.
	EntryMode EntryMode `json:"entryMode"`
	// StartedAt is when the session started.
	StartedAt time.Time `json:"startedAt"`
	// TaskID identifies the assigned task, if any.
	TaskID *string `json:"taskId,omitempty"`
	// TaskTitle is the assigned task's title, if any.
	TaskTitle *string `json:"taskTitle,omitempty"`
	// LastActive is refreshed by every write and strictly increases.
	LastActive time.Time `json:"lastActive"`
	// OriginID is the context that last wrote the session.
	OriginID bus.Identity `json:"originId,omitempty"`
}

// LogicalKey implements store.Payload.
func (*StudySession) LogicalKey() store.LogicalKey { return store.KeySessionContext }

// Clone returns a deep copy of s.
func (s *StudySession) Clone() *StudySession {
	if s == nil {
		return nil
	}
	cp := *s
	if s.TaskID != nil {
		id := *s.TaskID
		cp.TaskID = &id
	}
	if s.TaskTitle != nil {
		title := *s.TaskTitle
		cp.TaskTitle = &title
	}
	return &cp
}

// InactiveFor reports how long the session has been idle at now.
func (s *StudySession) InactiveFor(now time.Time) time.Duration {
	return now.Sub(s.LastActive)
}

// String returns a short description for logs and the shell.
func (s *StudySession) String() string {
	task := "-"
	if s.TaskID != nil {
		task = *s.TaskID
	}
	return fmt.Sprintf("%s (%s, task %s, last active %s)",
		s.Subject, s.EntryMode, task, s.LastActive.Format(time.RFC3339))
}

// StartOptions configures StartSession.
type StartOptions struct {
	// Subject is what the user is studying.
	Subject string
	// EntryMode defaults to EntryModeAssigned.
	EntryMode EntryMode
	// StartedAt defaults to now.
	StartedAt time.Time
	// TaskID is the assigned task, if any.
	TaskID *string
	// TaskTitle is the assigned task's title, if any.
	TaskTitle *string
}

// Patch lists the fields UpdateSession changes. Nil fields are left as they
// are; an empty Patch only refreshes LastActive.
type Patch struct {
	Subject   *string
	EntryMode *EntryMode
	TaskID    *string
	TaskTitle *string
	// ClearTask removes TaskID and TaskTitle. It is applied before them, so
	// a patch may replace the task in one call.
	ClearTask bool
}

// Empty reports whether p changes no field.
func (p Patch) Empty() bool {
	return p.Subject == nil && p.EntryMode == nil && p.TaskID == nil && p.TaskTitle == nil && !p.ClearTask
}

func (p Patch) validate() error {
	if p.EntryMode != nil && !p.EntryMode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidEntryMode, *p.EntryMode)
	}
	return nil
}

// apply merges p over s in place.
func (p Patch) apply(s *StudySession) {
	if p.Subject != nil {
		s.Subject = *p.Subject
	}
	if p.EntryMode != nil {
		s.EntryMode = *p.EntryMode
	}
	if p.ClearTask {
		s.TaskID = nil
		s.TaskTitle = nil
	}
	if p.TaskID != nil {
		id := *p.TaskID
		s.TaskID = &id
	}
	if p.TaskTitle != nil {
		title := *p.TaskTitle
		s.TaskTitle = &title
	}
}

// Change describes a session change announced by another context.
type Change struct {
	Action  bus.SessionAction
	UserID  string
	Origin  bus.Identity
	SentAt  time.Time
	Session *StudySession
}

// String is a helper returning a pointer to v, for Patch and StartOptions.
func String(v string) *string {
	return &v
}
