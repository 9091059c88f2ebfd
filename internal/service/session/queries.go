package session

import (
	"context"
	"fmt"

	"github.com/iamasit07/cafe-kiosk/backend/internal/domain"
)

const defaultHistoryLimit = 50

func (m *Manager) GetKiosk(ctx context.Context, kioskID int64) (*domain.Kiosk, error) {
	k, err := m.store.GetKiosk(ctx, kioskID)
	if err != nil {
		return nil, classify(err)
	}
	if k == nil {
		return nil, fmt.Errorf("%w: kiosk %d", domain.ErrNotFound, kioskID)
	}
	return k, nil
}

func (m *Manager) GetSession(ctx context.Context, sessionID int64) (*domain.Session, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, classify(err)
	}
	if s == nil {
		return nil, fmt.Errorf("%w: session %d", domain.ErrNotFound, sessionID)
	}
	return s, nil
}

func (m *Manager) ListKiosks(ctx context.Context) ([]domain.Kiosk, error) {
	kiosks, err := m.store.ListKiosks(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return kiosks, nil
}

// ListReachableKiosks returns the kiosks the registry currently sees a live connection for.
func (m *Manager) ListReachableKiosks(ctx context.Context) ([]domain.Kiosk, error) {
	ids := m.presence.ReachableKiosks()
	if len(ids) == 0 {
		return []domain.Kiosk{}, nil
	}
	reachable := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		reachable[id] = struct{}{}
	}

	all, err := m.ListKiosks(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]domain.Kiosk, 0, len(ids))
	for _, k := range all {
		if _, ok := reachable[k.ID]; ok {
			result = append(result, k)
		}
	}
	return result, nil
}

// GetActiveSession returns the kiosk's active session, or nil when it has none.
func (m *Manager) GetActiveSession(ctx context.Context, kioskID int64) (*domain.Session, error) {
	if _, err := m.GetKiosk(ctx, kioskID); err != nil {
		return nil, err
	}
	s, err := m.store.GetActiveSessionByKiosk(ctx, kioskID)
	if err != nil {
		return nil, classify(err)
	}
	return s, nil
}

func (m *Manager) ListKioskSessions(ctx context.Context, kioskID int64, limit int) ([]domain.Session, error) {
	if limit <= 0 || limit > 500 {
		limit = defaultHistoryLimit
	}
	if _, err := m.GetKiosk(ctx, kioskID); err != nil {
		return nil, err
	}
	sessions, err := m.store.ListSessionsByKiosk(ctx, kioskID, limit)
	if err != nil {
		return nil, classify(err)
	}
	return sessions, nil
}

// ListExpiredSessions returns active sessions whose allotted time has run out.
func (m *Manager) ListExpiredSessions(ctx context.Context) ([]domain.Session, error) {
	sessions, err := m.store.ListExpiredSessions(ctx, m.now())
	if err != nil {
		return nil, classify(err)
	}
	return sessions, nil
}
