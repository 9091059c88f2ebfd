package domain

import "fmt"

// KioskStatus is the persisted state of a workstation.
type KioskStatus string

const (
	KioskUnreachable KioskStatus = "unreachable"
	KioskReachable   KioskStatus = "reachable"
	KioskIdle        KioskStatus = "idle"
	KioskInSession   KioskStatus = "in_session"
	KioskLocked      KioskStatus = "locked"
	KioskError       KioskStatus = "error"
)

func (s KioskStatus) Valid() bool {
	switch s {
	case KioskUnreachable, KioskReachable, KioskIdle, KioskInSession, KioskLocked, KioskError:
		return true
	}
	return false
}

// SessionStatus is the lifecycle state of a billed session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionCancelled
}

// basic errors returned by the coordinator
type Error string

func (e Error) Error() string {
	return string(e)
}

const (
	ErrNotFound     Error = "not found"
	ErrConflict     Error = "conflict"
	ErrInvalidState Error = "invalid state"
	ErrPersistence  Error = "persistence failure"
	ErrInvalidInput Error = "invalid input"
)

// SessionConflictError is returned when a kiosk already has an active session.
type SessionConflictError struct {
	KioskID   int64
	SessionID int64
}

func (e *SessionConflictError) Error() string {
	return fmt.Sprintf("kiosk %d already has active session %d", e.KioskID, e.SessionID)
}

func (e *SessionConflictError) Is(target error) bool {
	return target == ErrConflict
}

// SessionStateError is returned when a terminal session is asked to transition again.
type SessionStateError struct {
	SessionID int64
	Status    SessionStatus
}

func (e *SessionStateError) Error() string {
	return fmt.Sprintf("session %d already ended (%s)", e.SessionID, e.Status)
}

func (e *SessionStateError) Is(target error) bool {
	return target == ErrInvalidState
}
