// Package session implements the client's single edit session: the state
// behind the create/modify dialog and the lock intents it emits.
package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/userlist/userlist/pkg/logger"
	"github.com/userlist/userlist/pkg/models"
)

var ErrNotOpen = errors.New("edit session is not open")

type Mode int

const (
	ModeNone Mode = iota
	ModeInsert
	ModeUpdate
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "None"
	case ModeInsert:
		return "Insert"
	case ModeUpdate:
		return "Update"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// IntentSink receives the lock and unlock intents the session emits.
// Push is called with the session lock held and must not block.
type IntentSink interface {
	Push(n models.RecordNotification)
}

// Session is at most one in-progress create or modify operation.
//
// It is driven by the UI goroutine and may be force-closed by the reconciler,
// so every method is safe for concurrent use. Closing is idempotent and emits
// at most one unlock per opened record.
type Session struct {
	mu     sync.Mutex
	mode   Mode
	active *models.Record

	sink   IntentSink
	logger logger.Logger
}

func New(sink IntentSink, log logger.Logger) *Session {
	return &Session{
		sink:   sink,
		logger: logger.OrDiscard(log),
	}
}

// OpenInsert opens the session for creating a new record.
// Nothing is locked because the record does not exist yet.
func (s *Session) OpenInsert() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeLocked("reopen")
	s.mode = ModeInsert
	s.logger.Debug("edit session opened", "mode", s.mode)
}

// OpenUpdate opens the session for modifying r and announces the lock.
// Any session already open is closed first, so its unlock precedes the new lock.
func (s *Session) OpenUpdate(r models.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeLocked("reopen")
	s.mode = ModeUpdate
	s.active = &r
	s.sink.Push(models.LockOf(r))
	s.logger.Debug("edit session opened", "mode", s.mode, "id", r.ID)
}

// Close cancels the session. It reports whether a session was open.
func (s *Session) Close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closeLocked("cancel")
}

// Invalidate closes the session only if it is editing the record with the
// given ID. It is the reconciler's entry point when that record changes
// remotely.
func (s *Session) Invalidate(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil || s.active.ID != id {
		return false
	}
	return s.closeLocked("invalidated")
}

// Reannounce pushes the lock for the record being modified again, for a
// stream that was re-established while the session stayed open.
func (s *Session) Reannounce() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil {
		return false
	}
	s.sink.Push(models.LockOf(*s.active))
	s.logger.Debug("edit session lock reannounced", "id", s.active.ID)
	return true
}

func (s *Session) closeLocked(reason string) bool {
	if s.mode == ModeNone {
		return false
	}
	if s.active != nil {
		s.sink.Push(models.UnlockOf(*s.active))
	}
	s.logger.Debug("edit session closed", "mode", s.mode, "reason", reason)
	s.mode = ModeNone
	s.active = nil
	return true
}

// Pending describes the request a committed session asks the caller to send.
type Pending struct {
	Mode   Mode
	Name   string
	Record models.Record
}

// Empty reports whether there is nothing to dispatch.
func (p Pending) Empty() bool {
	return p.Mode == ModeNone
}

// Commit closes the session and returns the request to dispatch for name.
// An empty name closes the session without producing a request.
// ErrNotOpen is returned when there is no session, including when it was
// invalidated while the user was typing.
func (s *Session) Commit(name string) (Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var p Pending
	switch s.mode {
	case ModeNone:
		return p, ErrNotOpen
	case ModeInsert:
		if name != "" {
			p = Pending{Mode: ModeInsert, Name: name}
		}
	case ModeUpdate:
		if name != "" {
			p = Pending{Mode: ModeUpdate, Name: name, Record: s.active.WithName(name)}
		}
	}

	s.closeLocked("commit")
	return p, nil
}

func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mode
}

func (s *Session) IsOpen() bool {
	return s.Mode() != ModeNone
}

// Active returns the record being modified, if any.
func (s *Session) Active() (models.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil {
		return models.Record{}, false
	}
	return *s.active, true
}

// IsActive reports whether id is the record being modified here.
func (s *Session) IsActive(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.active != nil && s.active.ID == id
}
