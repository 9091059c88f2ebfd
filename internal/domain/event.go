package domain

import "time"

type EventType string

const (
	EventKioskStatusChanged EventType = "kiosk_status_changed"
	EventSessionStarted     EventType = "session_started"
	EventSessionExtended    EventType = "session_extended"
	EventSessionEnded       EventType = "session_ended"
)

// Event is the single notification shape for every state change the coordinator makes.
// Kiosk and Session are snapshots taken after the change was committed.
type Event struct {
	Type           EventType   `json:"type"`
	KioskID        int64       `json:"kiosk_id"`
	Kiosk          *Kiosk      `json:"kiosk,omitempty"`
	Session        *Session    `json:"session,omitempty"`
	PreviousStatus KioskStatus `json:"previous_status,omitempty"`
	Reachable      bool        `json:"reachable"`
	OccurredAt     time.Time   `json:"occurred_at"`
}

func NewKioskStatusChanged(k *Kiosk, previous KioskStatus, reachable bool, at time.Time) Event {
	return Event{
		Type:           EventKioskStatusChanged,
		KioskID:        k.ID,
		Kiosk:          k.Clone(),
		PreviousStatus: previous,
		Reachable:      reachable,
		OccurredAt:     at,
	}
}

func NewSessionEvent(t EventType, k *Kiosk, s *Session, reachable bool, at time.Time) Event {
	return Event{
		Type:       t,
		KioskID:    s.KioskID,
		Kiosk:      k.Clone(),
		Session:    s.Clone(),
		Reachable:  reachable,
		OccurredAt: at,
	}
}

// ConcernsKiosk reports whether the kiosk's own channel should see the event.
func (e Event) ConcernsKiosk() bool {
	return e.KioskID > 0
}
