package session

import "sync"

// kioskLocks hands out one mutex per kiosk id and forgets it once nobody holds or waits on it.
type kioskLocks struct {
	mu    sync.Mutex
	locks map[int64]*kioskLock
}

type kioskLock struct {
	sync.Mutex
	refs int
}

func newKioskLocks() *kioskLocks {
	return &kioskLocks{locks: make(map[int64]*kioskLock)}
}

// Lock blocks until the kiosk's mutex is held and returns the matching unlock.
func (k *kioskLocks) Lock(kioskID int64) func() {
	k.mu.Lock()
	l, ok := k.locks[kioskID]
	if !ok {
		l = &kioskLock{}
		k.locks[kioskID] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, kioskID)
		}
		k.mu.Unlock()
	}
}
