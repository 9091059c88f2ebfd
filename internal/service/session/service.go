// Package session owns the kiosk session state machine. It is the only writer of
// kiosk and session records.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iamasit07/cafe-kiosk/backend/internal/domain"
	"github.com/iamasit07/cafe-kiosk/backend/internal/metrics"
	"github.com/iamasit07/cafe-kiosk/backend/internal/repository"
)

// MaxSessionMinutes bounds the allotted duration of a single session (one week).
const MaxSessionMinutes = 7 * 24 * 60

// Presence answers reachability questions from the connection registry.
type Presence interface {
	IsReachable(kioskID int64) bool
	ReachableKiosks() []int64
}

// Dispatcher receives every committed state change.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev domain.Event)
}

type BillingConfig struct {
	HourlyRate decimal.Decimal
	Rounding   domain.RoundingPolicy
}

type Manager struct {
	store    repository.Store
	presence Presence
	events   Dispatcher
	billing  BillingConfig
	metrics  *metrics.Metrics
	logger   *zap.Logger
	locks    *kioskLocks
	now      func() time.Time
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func NewManager(store repository.Store, presence Presence, events Dispatcher, billing BillingConfig, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		presence: presence,
		events:   events,
		billing:  billing,
		logger:   logger.Named("session"),
		locks:    newKioskLocks(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartSession opens an active session on an idle kiosk and binds it.
func (m *Manager) StartSession(ctx context.Context, kioskID int64, accountID *int64, durationMinutes int) (*domain.Session, error) {
	if durationMinutes <= 0 || durationMinutes > MaxSessionMinutes {
		return nil, fmt.Errorf("%w: duration must be between 1 and %d minutes, got %d", domain.ErrInvalidInput, MaxSessionMinutes, durationMinutes)
	}
	if accountID != nil && *accountID <= 0 {
		accountID = nil
	}

	unlock := m.locks.Lock(kioskID)
	defer unlock()

	now := m.now()
	var sess *domain.Session
	var kiosk *domain.Kiosk

	err := m.store.InTx(ctx, func(tx repository.Tx) error {
		k, err := tx.GetKiosk(ctx, kioskID)
		if err != nil {
			return err
		}
		if k == nil {
			return fmt.Errorf("%w: kiosk %d", domain.ErrNotFound, kioskID)
		}
		if k.CurrentSessionID != nil {
			return &domain.SessionConflictError{KioskID: kioskID, SessionID: *k.CurrentSessionID}
		}
		active, err := tx.GetActiveSessionByKiosk(ctx, kioskID)
		if err != nil {
			return err
		}
		if active != nil {
			return &domain.SessionConflictError{KioskID: kioskID, SessionID: active.ID}
		}

		s := &domain.Session{
			KioskID:         kioskID,
			AccountID:       accountID,
			StartTime:       now,
			DurationMinutes: durationMinutes,
			HourlyRate:      m.billing.HourlyRate,
			TotalCost:       domain.Cost(float64(durationMinutes), m.billing.HourlyRate, m.billing.Rounding),
			Status:          domain.SessionActive,
		}
		if err := tx.AddSession(ctx, s); err != nil {
			return err
		}

		k.BindSession(s.ID, now)
		k.LastError = ""
		if err := tx.UpdateKiosk(ctx, k); err != nil {
			return err
		}
		sess, kiosk = s, k
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}

	m.logger.Info("session started",
		zap.Int64("session_id", sess.ID),
		zap.Int64("kiosk_id", kioskID),
		zap.Int("duration_minutes", durationMinutes),
		zap.String("cost", sess.TotalCost.StringFixed(2)),
	)
	m.emitSession(ctx, domain.EventSessionStarted, kiosk, sess, now)
	return sess, nil
}

// ExtendSession adds minutes to an active session. Cost is recomputed from the new total.
func (m *Manager) ExtendSession(ctx context.Context, sessionID int64, additionalMinutes int) (*domain.Session, error) {
	if additionalMinutes <= 0 {
		return nil, fmt.Errorf("%w: additional minutes must be positive, got %d", domain.ErrInvalidInput, additionalMinutes)
	}

	return m.changeSession(ctx, sessionID, domain.EventSessionExtended, func(ctx context.Context, tx repository.Tx, s *domain.Session, now time.Time) (*domain.Kiosk, error) {
		total := s.DurationMinutes + additionalMinutes
		if total > MaxSessionMinutes {
			return nil, fmt.Errorf("%w: session would exceed %d minutes", domain.ErrInvalidInput, MaxSessionMinutes)
		}
		s.DurationMinutes = total
		s.TotalCost = domain.Cost(float64(total), s.HourlyRate, m.billing.Rounding)

		k, err := tx.GetKiosk(ctx, s.KioskID)
		if err != nil {
			return nil, err
		}
		if k == nil {
			return nil, fmt.Errorf("%w: kiosk %d of session %d", domain.ErrNotFound, s.KioskID, s.ID)
		}
		return k, nil
	})
}

// EndSession completes an active session and bills the elapsed wall-clock time.
func (m *Manager) EndSession(ctx context.Context, sessionID int64) (*domain.Session, error) {
	return m.changeSession(ctx, sessionID, domain.EventSessionEnded, m.closeSession(domain.SessionCompleted, "", billElapsed))
}

// ExpireSession is the sweeper's way into EndSession. Time past the scheduled end is
// sweeper latency and is not billed.
func (m *Manager) ExpireSession(ctx context.Context, sessionID int64) (*domain.Session, error) {
	return m.changeSession(ctx, sessionID, domain.EventSessionEnded, m.closeSession(domain.SessionCompleted, "", billElapsedCapped))
}

// CancelSession cancels an active session, keeping the cost accrued so far.
func (m *Manager) CancelSession(ctx context.Context, sessionID int64, reason string) (bool, error) {
	_, err := m.changeSession(ctx, sessionID, domain.EventSessionEnded, m.closeSession(domain.SessionCancelled, strings.TrimSpace(reason), billAccrued))
	if err != nil {
		return false, err
	}
	return true, nil
}

type billingMode int

const (
	billElapsed billingMode = iota
	billElapsedCapped
	billAccrued
)

type sessionChange func(ctx context.Context, tx repository.Tx, s *domain.Session, now time.Time) (*domain.Kiosk, error)

func (m *Manager) closeSession(status domain.SessionStatus, reason string, mode billingMode) sessionChange {
	return func(ctx context.Context, tx repository.Tx, s *domain.Session, now time.Time) (*domain.Kiosk, error) {
		s.Close(status, now)
		s.CancelReason = reason

		elapsed := s.EndTime.Sub(s.StartTime).Minutes()
		switch mode {
		case billElapsed:
			s.TotalCost = domain.Cost(elapsed, s.HourlyRate, m.billing.Rounding)
		case billElapsedCapped:
			if allotted := float64(s.DurationMinutes); elapsed > allotted {
				elapsed = allotted
			}
			s.TotalCost = domain.Cost(elapsed, s.HourlyRate, m.billing.Rounding)
		}

		k, err := tx.GetKiosk(ctx, s.KioskID)
		if err != nil {
			return nil, err
		}
		if k == nil {
			return nil, fmt.Errorf("%w: kiosk %d of session %d", domain.ErrNotFound, s.KioskID, s.ID)
		}

		if k.CurrentSessionID == nil || *k.CurrentSessionID == s.ID {
			k.ReleaseSession(k.RestingStatus(m.presence.IsReachable(k.ID)), now)
			if err := tx.UpdateKiosk(ctx, k); err != nil {
				return nil, err
			}
		} else {
			m.logger.Warn("kiosk bound to a different session, leaving it untouched",
				zap.Int64("kiosk_id", k.ID),
				zap.Int64("session_id", s.ID),
				zap.Int64("bound_session_id", *k.CurrentSessionID),
			)
		}
		return k, nil
	}
}

// changeSession serializes a transition of one active session under its kiosk lock,
// commits it, then emits the event while the lock is still held.
func (m *Manager) changeSession(ctx context.Context, sessionID int64, event domain.EventType, change sessionChange) (*domain.Session, error) {
	current, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, classify(err)
	}
	if current == nil {
		return nil, fmt.Errorf("%w: session %d", domain.ErrNotFound, sessionID)
	}

	unlock := m.locks.Lock(current.KioskID)
	defer unlock()

	now := m.now()
	var sess *domain.Session
	var kiosk *domain.Kiosk

	err = m.store.InTx(ctx, func(tx repository.Tx) error {
		s, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if s == nil {
			return fmt.Errorf("%w: session %d", domain.ErrNotFound, sessionID)
		}
		if s.Status != domain.SessionActive {
			return &domain.SessionStateError{SessionID: s.ID, Status: s.Status}
		}

		k, err := change(ctx, tx, s, now)
		if err != nil {
			return err
		}
		if err := tx.UpdateSession(ctx, s); err != nil {
			return err
		}
		sess, kiosk = s, k
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}

	m.logger.Info("session changed",
		zap.String("event", string(event)),
		zap.Int64("session_id", sess.ID),
		zap.Int64("kiosk_id", sess.KioskID),
		zap.String("status", string(sess.Status)),
		zap.Int("duration_minutes", sess.DurationMinutes),
		zap.String("cost", sess.TotalCost.StringFixed(2)),
	)
	m.emitSession(ctx, event, kiosk, sess, now)
	return sess, nil
}

func (m *Manager) emitSession(ctx context.Context, t domain.EventType, k *domain.Kiosk, s *domain.Session, now time.Time) {
	m.metrics.SessionEvent(string(t))
	if s.Status == domain.SessionCancelled {
		m.metrics.SessionEvent("session_cancelled")
	}
	m.dispatch(ctx, domain.NewSessionEvent(t, k, s, m.presence.IsReachable(k.ID), now))
}

// dispatch runs after commit; the request deadline no longer applies to notifications.
func (m *Manager) dispatch(ctx context.Context, ev domain.Event) {
	if m.events == nil {
		return
	}
	m.events.Dispatch(context.WithoutCancel(ctx), ev)
}

// classify maps store errors onto the domain taxonomy. Domain errors pass through.
func classify(err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrPersistence):
		return err
	case errors.Is(err, repository.ErrDuplicateActiveSession):
		return fmt.Errorf("%w: %w", domain.ErrConflict, err)
	default:
		return fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}
}
