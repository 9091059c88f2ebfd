// Package memory provides in-process implementations of the repository contracts.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iamasit07/cafe-kiosk/backend/internal/domain"
	"github.com/iamasit07/cafe-kiosk/backend/internal/repository"
)

var _ repository.Store = (*Store)(nil)

// Store keeps kiosks and sessions in maps. Everything handed out is a copy.
type Store struct {
	kiosks     map[int64]*domain.Kiosk
	sessions   map[int64]*domain.Session
	byHardware map[string]int64

	nextKioskID   int64
	nextSessionID int64

	mu sync.RWMutex
}

func NewStore() *Store {
	return &Store{
		kiosks:     make(map[int64]*domain.Kiosk),
		sessions:   make(map[int64]*domain.Session),
		byHardware: make(map[string]int64),
	}
}

func (s *Store) GetKiosk(_ context.Context, id int64) (*domain.Kiosk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kiosks[id].Clone(), nil
}

func (s *Store) GetKioskByHardwareAddr(_ context.Context, hardwareAddr string) (*domain.Kiosk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHardware[hardwareAddr]
	if !ok {
		return nil, nil
	}
	return s.kiosks[id].Clone(), nil
}

func (s *Store) ListKiosks(_ context.Context) ([]domain.Kiosk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Kiosk, 0, len(s.kiosks))
	for _, k := range s.kiosks {
		result = append(result, *k.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) RegisterKiosk(_ context.Context, hardwareAddr, name, networkAddr string, at time.Time) (*domain.Kiosk, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := at
	if id, ok := s.byHardware[hardwareAddr]; ok {
		k := s.kiosks[id]
		if name != "" {
			k.Name = name
		}
		k.NetworkAddress = networkAddr
		k.LastSeen = &seen
		k.UpdatedAt = at
		return k.Clone(), false, nil
	}

	s.nextKioskID++
	k := &domain.Kiosk{
		ID:              s.nextKioskID,
		Name:            name,
		NetworkAddress:  networkAddr,
		HardwareAddress: hardwareAddr,
		Status:          domain.KioskUnreachable,
		LastSeen:        &seen,
		CreatedAt:       at,
		UpdatedAt:       at,
	}
	s.kiosks[k.ID] = k
	s.byHardware[hardwareAddr] = k.ID
	return k.Clone(), true, nil
}

func (s *Store) GetSession(_ context.Context, id int64) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id].Clone(), nil
}

func (s *Store) GetActiveSessionByKiosk(_ context.Context, kioskID int64) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return activeFor(s.sessions, kioskID).Clone(), nil
}

func (s *Store) ListSessionsByKiosk(_ context.Context, kioskID int64, limit int) ([]domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Session
	for _, sess := range s.sessions {
		if sess.KioskID == kioskID {
			result = append(result, *sess.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartTime.After(result[j].StartTime) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ListExpiredSessions(_ context.Context, now time.Time) ([]domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Session
	for _, sess := range s.sessions {
		if sess.IsExpired(now) {
			result = append(result, *sess.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// InTx holds the store's write lock for the whole of fn, so transactions are serialized.
// Writes are staged and only applied when fn succeeds.
func (s *Store) InTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		store:    s,
		kiosks:   make(map[int64]*domain.Kiosk),
		sessions: make(map[int64]*domain.Session),
		nextID:   s.nextSessionID,
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for id, k := range tx.kiosks {
		s.kiosks[id] = k
	}
	for id, sess := range tx.sessions {
		s.sessions[id] = sess
	}
	s.nextSessionID = tx.nextID
	return nil
}

type memTx struct {
	store    *Store
	kiosks   map[int64]*domain.Kiosk
	sessions map[int64]*domain.Session
	nextID   int64
}

func (t *memTx) GetKiosk(_ context.Context, id int64) (*domain.Kiosk, error) {
	if k, ok := t.kiosks[id]; ok {
		return k.Clone(), nil
	}
	return t.store.kiosks[id].Clone(), nil
}

func (t *memTx) UpdateKiosk(_ context.Context, k *domain.Kiosk) error {
	if _, ok := t.store.kiosks[k.ID]; !ok {
		if _, staged := t.kiosks[k.ID]; !staged {
			return domain.ErrNotFound
		}
	}
	t.kiosks[k.ID] = k.Clone()
	return nil
}

func (t *memTx) GetSession(_ context.Context, id int64) (*domain.Session, error) {
	if sess, ok := t.sessions[id]; ok {
		return sess.Clone(), nil
	}
	return t.store.sessions[id].Clone(), nil
}

func (t *memTx) GetActiveSessionByKiosk(_ context.Context, kioskID int64) (*domain.Session, error) {
	return activeFor(t.view(), kioskID).Clone(), nil
}

func (t *memTx) AddSession(_ context.Context, sess *domain.Session) error {
	if sess.Status == domain.SessionActive && activeFor(t.view(), sess.KioskID) != nil {
		return repository.ErrDuplicateActiveSession
	}
	t.nextID++
	sess.ID = t.nextID
	t.sessions[sess.ID] = sess.Clone()
	return nil
}

func (t *memTx) UpdateSession(_ context.Context, sess *domain.Session) error {
	if _, ok := t.store.sessions[sess.ID]; !ok {
		if _, staged := t.sessions[sess.ID]; !staged {
			return domain.ErrNotFound
		}
	}
	if sess.Status == domain.SessionActive {
		if other := activeFor(t.view(), sess.KioskID); other != nil && other.ID != sess.ID {
			return repository.ErrDuplicateActiveSession
		}
	}
	t.sessions[sess.ID] = sess.Clone()
	return nil
}

// view merges staged sessions over the committed ones.
func (t *memTx) view() map[int64]*domain.Session {
	merged := make(map[int64]*domain.Session, len(t.store.sessions)+len(t.sessions))
	for id, sess := range t.store.sessions {
		merged[id] = sess
	}
	for id, sess := range t.sessions {
		merged[id] = sess
	}
	return merged
}

func activeFor(sessions map[int64]*domain.Session, kioskID int64) *domain.Session {
	for _, sess := range sessions {
		if sess.KioskID == kioskID && sess.Status == domain.SessionActive {
			return sess
		}
	}
	return nil
}
