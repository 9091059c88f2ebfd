package domain

import "time"

type Kiosk struct {
	ID               int64       `json:"id"`
	Name             string      `json:"name"`
	NetworkAddress   string      `json:"network_address"`
	HardwareAddress  string      `json:"hardware_address"`
	Status           KioskStatus `json:"status"`
	Locked           bool        `json:"locked"`
	LastSeen         *time.Time  `json:"last_seen,omitempty"`
	CurrentSessionID *int64      `json:"current_session_id"`
	LastError        string      `json:"last_error,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Clone returns a copy that shares no pointers with k.
func (k *Kiosk) Clone() *Kiosk {
	if k == nil {
		return nil
	}
	c := *k
	if k.LastSeen != nil {
		t := *k.LastSeen
		c.LastSeen = &t
	}
	if k.CurrentSessionID != nil {
		id := *k.CurrentSessionID
		c.CurrentSessionID = &id
	}
	return &c
}

// BindSession moves the kiosk into InSession for sessionID.
func (k *Kiosk) BindSession(sessionID int64, at time.Time) {
	id := sessionID
	k.Status = KioskInSession
	k.CurrentSessionID = &id
	k.Locked = false
	k.UpdatedAt = at
}

// ReleaseSession clears the bound session and sets the status the kiosk falls back to.
func (k *Kiosk) ReleaseSession(next KioskStatus, at time.Time) {
	k.Status = next
	k.CurrentSessionID = nil
	k.UpdatedAt = at
}

// RestingStatus is the status of the kiosk while no session is bound. The lock
// survives connection loss and comes back with the kiosk.
func (k *Kiosk) RestingStatus(reachable bool) KioskStatus {
	switch {
	case !reachable:
		return KioskUnreachable
	case k.Locked:
		return KioskLocked
	default:
		return KioskIdle
	}
}

// HasSession reports whether a session is currently bound.
func (k *Kiosk) HasSession() bool {
	return k.CurrentSessionID != nil
}
