// Package presence tracks which kiosks currently hold a live push-channel connection.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/iamasit07/cafe-kiosk/backend/internal/domain"
)

// Pruned describes a connection removed for being silent past the liveness threshold.
type Pruned struct {
	ConnectionID string
	KioskID      int64
	LastForKiosk bool
}

// Registry is an in-memory index of connections, keyed both by connection id and by kiosk.
// It performs no I/O; callers act on the signals it returns.
type Registry struct {
	connections map[string]*domain.ConnectionInfo // connectionID → info
	byKiosk     map[int64]map[string]struct{}     // kioskID → connection ids

	threshold time.Duration
	now       func() time.Time

	mu sync.RWMutex
}

type Option func(*Registry)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(threshold time.Duration, opts ...Option) *Registry {
	if threshold <= 0 {
		threshold = domain.DefaultLivenessThreshold
	}
	r := &Registry{
		connections: make(map[string]*domain.ConnectionInfo),
		byKiosk:     make(map[int64]map[string]struct{}),
		threshold:   threshold,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register records a connection for kioskID. Registering a known connection id only refreshes
// its activity. It returns true when this is the kiosk's first live connection.
func (r *Registry) Register(kioskID int64, connectionID, remoteAddr string) bool {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.connections[connectionID]; ok {
		existing.LastActivity = now
		if remoteAddr != "" {
			existing.RemoteAddress = remoteAddr
		}
		if existing.KioskID == kioskID {
			return false
		}
		// same connection id re-announced for another kiosk: move it
		r.detachLocked(existing.KioskID, connectionID)
		existing.KioskID = kioskID
		return r.attachLocked(kioskID, connectionID)
	}

	r.connections[connectionID] = &domain.ConnectionInfo{
		ConnectionID:  connectionID,
		KioskID:       kioskID,
		ConnectedAt:   now,
		LastActivity:  now,
		RemoteAddress: remoteAddr,
	}
	return r.attachLocked(kioskID, connectionID)
}

// Touch refreshes the last activity of a connection. Unknown ids are ignored.
func (r *Registry) Touch(connectionID string) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if info, ok := r.connections[connectionID]; ok {
		info.LastActivity = now
	}
}

// Unregister removes a connection. The bool is true only when it was the kiosk's last one.
func (r *Registry) Unregister(connectionID string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.connections[connectionID]
	if !ok {
		return 0, false
	}
	delete(r.connections, connectionID)
	if r.detachLocked(info.KioskID, connectionID) {
		return info.KioskID, true
	}
	return 0, false
}

// PruneStale drops connections that have been silent for longer than the liveness threshold.
func (r *Registry) PruneStale() []Pruned {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var pruned []Pruned
	for id, info := range r.connections {
		if info.IsActive(now, r.threshold) {
			continue
		}
		delete(r.connections, id)
		last := r.detachLocked(info.KioskID, id)
		pruned = append(pruned, Pruned{ConnectionID: id, KioskID: info.KioskID, LastForKiosk: last})
	}
	return pruned
}

// ActiveConnections returns a snapshot of the kiosk's connections that are within the liveness threshold.
func (r *Registry) ActiveConnections(kioskID int64) []domain.ConnectionInfo {
	now := r.now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byKiosk[kioskID]
	result := make([]domain.ConnectionInfo, 0, len(ids))
	for id := range ids {
		info := r.connections[id]
		if info != nil && info.IsActive(now, r.threshold) {
			result = append(result, *info)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ConnectedAt.Before(result[j].ConnectedAt)
	})
	return result
}

// IsReachable reports whether the kiosk has at least one active connection.
func (r *Registry) IsReachable(kioskID int64) bool {
	return len(r.ActiveConnections(kioskID)) > 0
}

// ReachableKiosks lists the ids of kiosks with at least one active connection, ascending.
func (r *Registry) ReachableKiosks() []int64 {
	now := r.now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int64, 0, len(r.byKiosk))
	for kioskID, conns := range r.byKiosk {
		for id := range conns {
			if info := r.connections[id]; info != nil && info.IsActive(now, r.threshold) {
				ids = append(ids, kioskID)
				break
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ConnectionCount is the number of connections currently tracked.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// attachLocked reports whether the kiosk had no connections before. Caller must hold mu.
func (r *Registry) attachLocked(kioskID int64, connectionID string) bool {
	set, ok := r.byKiosk[kioskID]
	if !ok {
		set = make(map[string]struct{})
		r.byKiosk[kioskID] = set
	}
	first := len(set) == 0
	set[connectionID] = struct{}{}
	return first
}

// detachLocked reports whether the kiosk is left without connections. Caller must hold mu.
func (r *Registry) detachLocked(kioskID int64, connectionID string) bool {
	set, ok := r.byKiosk[kioskID]
	if !ok {
		return false
	}
	delete(set, connectionID)
	if len(set) == 0 {
		delete(r.byKiosk, kioskID)
		return true
	}
	return false
}
