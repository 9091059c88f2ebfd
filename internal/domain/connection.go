package domain

import "time"

// DefaultLivenessThreshold is how long a connection may stay silent before it is considered dead.
const DefaultLivenessThreshold = 2 * time.Minute

// ConnectionInfo describes one live push-channel connection of a kiosk. It is never persisted.
type ConnectionInfo struct {
	ConnectionID  string    `json:"connection_id"`
	KioskID       int64     `json:"kiosk_id"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastActivity  time.Time `json:"last_activity"`
	RemoteAddress string    `json:"remote_address"`
}

func (c ConnectionInfo) IsActive(now time.Time, threshold time.Duration) bool {
	return now.Sub(c.LastActivity) < threshold
}
