package session

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/iamasit07/cafe-kiosk/backend/internal/domain"
	"github.com/iamasit07/cafe-kiosk/backend/internal/repository"
)

// RegisterKiosk creates the kiosk on first sight of its hardware address, or refreshes it.
func (m *Manager) RegisterKiosk(ctx context.Context, hardwareAddr, name, networkAddr string) (*domain.Kiosk, error) {
	hw := strings.ToLower(strings.TrimSpace(hardwareAddr))
	if hw == "" {
		return nil, fmt.Errorf("%w: hardware address is required", domain.ErrInvalidInput)
	}

	k, created, err := m.store.RegisterKiosk(ctx, hw, strings.TrimSpace(name), networkAddr, m.now())
	if err != nil {
		return nil, classify(err)
	}
	if created {
		m.logger.Info("kiosk registered", zap.Int64("kiosk_id", k.ID), zap.String("hardware_address", hw))
	}
	return k, nil
}

// MarkReachable is called when the registry reports a kiosk's first live connection.
func (m *Manager) MarkReachable(ctx context.Context, kioskID int64) error {
	return m.reconcileConnectivity(ctx, kioskID, true)
}

// MarkUnreachable is called when the registry reports that a kiosk lost its last connection.
func (m *Manager) MarkUnreachable(ctx context.Context, kioskID int64) error {
	return m.reconcileConnectivity(ctx, kioskID, false)
}

// ResetConnectivity runs once at startup, before connections are accepted. Persisted
// statuses predate the restart, so every kiosk without a live connection or a bound
// session becomes Unreachable. The lock flag is kept. It returns the number of kiosks
// changed.
func (m *Manager) ResetConnectivity(ctx context.Context) (int, error) {
	kiosks, err := m.store.ListKiosks(ctx)
	if err != nil {
		return 0, classify(err)
	}

	var reset int
	for _, k := range kiosks {
		err := m.changeKioskStatus(ctx, k.ID, func(k *domain.Kiosk, reachable bool) {
			if reachable || k.Status == domain.KioskInSession || k.Status == domain.KioskUnreachable {
				return
			}
			k.Status = domain.KioskUnreachable
			reset++
		})
		if err != nil {
			return reset, err
		}
	}

	if reset > 0 {
		m.logger.Info("kiosk connectivity reset", zap.Int("kiosks", reset))
	}
	return reset, nil
}

// reconcileConnectivity applies a connectivity signal. The registry is re-read under the
// kiosk lock: a signal overtaken by a newer connect/disconnect is dropped, the newer
// signal carries the current truth.
func (m *Manager) reconcileConnectivity(ctx context.Context, kioskID int64, want bool) error {
	unlock := m.locks.Lock(kioskID)
	defer unlock()

	reachable := m.presence.IsReachable(kioskID)
	if reachable != want {
		m.logger.Debug("connectivity signal superseded", zap.Int64("kiosk_id", kioskID), zap.Bool("reachable", reachable))
		return nil
	}

	now := m.now()
	var kiosk *domain.Kiosk
	var previous domain.KioskStatus

	err := m.store.InTx(ctx, func(tx repository.Tx) error {
		k, err := tx.GetKiosk(ctx, kioskID)
		if err != nil {
			return err
		}
		if k == nil {
			return fmt.Errorf("%w: kiosk %d", domain.ErrNotFound, kioskID)
		}
		previous = k.Status

		// InSession stays bound; the event carries the reachability flip
		if k.Status != domain.KioskInSession {
			k.Status = k.RestingStatus(reachable)
			if reachable {
				k.LastError = ""
			}
		}
		seen := now
		k.LastSeen = &seen
		k.UpdatedAt = now

		if err := tx.UpdateKiosk(ctx, k); err != nil {
			return err
		}
		kiosk = k
		return nil
	})
	if err != nil {
		return classify(err)
	}

	m.logger.Info("kiosk connectivity changed",
		zap.Int64("kiosk_id", kioskID),
		zap.Bool("reachable", reachable),
		zap.String("from", string(previous)),
		zap.String("to", string(kiosk.Status)),
	)
	m.dispatch(ctx, domain.NewKioskStatusChanged(kiosk, previous, reachable, now))
	return nil
}

// SetLockState records a lock or unlock the kiosk acknowledged. Kiosks in a session keep
// their status.
func (m *Manager) SetLockState(ctx context.Context, kioskID int64, locked bool) error {
	return m.changeKioskStatus(ctx, kioskID, func(k *domain.Kiosk, reachable bool) {
		if k.Status == domain.KioskInSession {
			return
		}
		k.Locked = locked
		k.Status = k.RestingStatus(reachable)
	})
}

// ReportError records a fault reported by the kiosk.
func (m *Manager) ReportError(ctx context.Context, kioskID int64, message string) error {
	message = strings.TrimSpace(message)
	return m.changeKioskStatus(ctx, kioskID, func(k *domain.Kiosk, _ bool) {
		k.LastError = message
		if k.Status != domain.KioskInSession {
			k.Status = domain.KioskError
		}
	})
}

func (m *Manager) changeKioskStatus(ctx context.Context, kioskID int64, mutate func(k *domain.Kiosk, reachable bool)) error {
	unlock := m.locks.Lock(kioskID)
	defer unlock()

	now := m.now()
	reachable := m.presence.IsReachable(kioskID)
	var kiosk *domain.Kiosk
	var previous domain.KioskStatus

	err := m.store.InTx(ctx, func(tx repository.Tx) error {
		k, err := tx.GetKiosk(ctx, kioskID)
		if err != nil {
			return err
		}
		if k == nil {
			return fmt.Errorf("%w: kiosk %d", domain.ErrNotFound, kioskID)
		}
		previous = k.Status
		before := *k

		mutate(k, reachable)
		if k.Status == before.Status && k.LastError == before.LastError && k.Locked == before.Locked {
			return nil
		}
		k.UpdatedAt = now
		if err := tx.UpdateKiosk(ctx, k); err != nil {
			return err
		}
		kiosk = k
		return nil
	})
	if err != nil {
		return classify(err)
	}
	if kiosk == nil || kiosk.Status == previous {
		return nil
	}

	m.logger.Info("kiosk status changed",
		zap.Int64("kiosk_id", kioskID),
		zap.String("from", string(previous)),
		zap.String("to", string(kiosk.Status)),
	)
	m.dispatch(ctx, domain.NewKioskStatusChanged(kiosk, previous, reachable, now))
	return nil
}
