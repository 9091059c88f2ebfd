// Package repository holds the persistence contract shared by the store implementations.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/iamasit07/cafe-kiosk/backend/internal/domain"
)

// ErrDuplicateActiveSession is returned when a write would leave a kiosk with two active sessions.
var ErrDuplicateActiveSession = errors.New("kiosk already has an active session")

// Tx is the unit of work for one lifecycle operation. Reads of kiosks and sessions
// lock the row until the transaction ends. Not-found reads return (nil, nil).
type Tx interface {
	GetKiosk(ctx context.Context, id int64) (*domain.Kiosk, error)
	UpdateKiosk(ctx context.Context, k *domain.Kiosk) error
	GetSession(ctx context.Context, id int64) (*domain.Session, error)
	GetActiveSessionByKiosk(ctx context.Context, kioskID int64) (*domain.Session, error)
	// AddSession inserts s and sets s.ID.
	AddSession(ctx context.Context, s *domain.Session) error
	UpdateSession(ctx context.Context, s *domain.Session) error
}

// Store is the durable record of kiosks and sessions.
type Store interface {
	GetKiosk(ctx context.Context, id int64) (*domain.Kiosk, error)
	GetKioskByHardwareAddr(ctx context.Context, hardwareAddr string) (*domain.Kiosk, error)
	ListKiosks(ctx context.Context) ([]domain.Kiosk, error)
	// RegisterKiosk creates the kiosk on first sight of hardwareAddr, otherwise refreshes its
	// name, address and last-seen time. The bool reports whether it was created.
	RegisterKiosk(ctx context.Context, hardwareAddr, name, networkAddr string, at time.Time) (*domain.Kiosk, bool, error)

	GetSession(ctx context.Context, id int64) (*domain.Session, error)
	GetActiveSessionByKiosk(ctx context.Context, kioskID int64) (*domain.Session, error)
	ListSessionsByKiosk(ctx context.Context, kioskID int64, limit int) ([]domain.Session, error)
	// ListExpiredSessions returns active sessions whose start + duration is not after now.
	ListExpiredSessions(ctx context.Context, now time.Time) ([]domain.Session, error)

	// InTx runs fn atomically. If fn returns an error nothing it wrote is kept.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// ErrCacheMiss is returned by cache implementations for absent or expired keys.
var ErrCacheMiss = errors.New("cache miss")
