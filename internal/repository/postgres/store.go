package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/iamasit07/cafe-kiosk/backend/internal/domain"
	"github.com/iamasit07/cafe-kiosk/backend/internal/repository"
)

var _ repository.Store = (*Store)(nil)

// Store combines the kiosk and session repositories over one *sql.DB.
type Store struct {
	*KioskRepo
	*SessionRepo
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		KioskRepo:   NewKioskRepo(db),
		SessionRepo: NewSessionRepo(db),
		db:          db,
	}
}

// InTx runs fn inside a read-committed transaction. Row reads inside fn take FOR UPDATE locks.
func (s *Store) InTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&pgTx{kiosks: NewKioskRepo(sqlTx), sessions: NewSessionRepo(sqlTx)}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type pgTx struct {
	kiosks   *KioskRepo
	sessions *SessionRepo
}

func (t *pgTx) GetKiosk(ctx context.Context, id int64) (*domain.Kiosk, error) {
	return t.kiosks.GetKioskForUpdate(ctx, id)
}

func (t *pgTx) UpdateKiosk(ctx context.Context, k *domain.Kiosk) error {
	return t.kiosks.UpdateKiosk(ctx, k)
}

func (t *pgTx) GetSession(ctx context.Context, id int64) (*domain.Session, error) {
	return t.sessions.GetSessionForUpdate(ctx, id)
}

func (t *pgTx) GetActiveSessionByKiosk(ctx context.Context, kioskID int64) (*domain.Session, error) {
	return t.sessions.GetActiveSessionByKiosk(ctx, kioskID)
}

func (t *pgTx) AddSession(ctx context.Context, sess *domain.Session) error {
	return t.sessions.AddSession(ctx, sess)
}

func (t *pgTx) UpdateSession(ctx context.Context, sess *domain.Session) error {
	return t.sessions.UpdateSession(ctx, sess)
}
