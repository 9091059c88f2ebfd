package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/iamasit07/cafe-kiosk/backend/internal/domain"
	"github.com/iamasit07/cafe-kiosk/backend/internal/repository"
)

const sessionColumns = `id, kiosk_id, account_id, start_time, end_time, duration_minutes, hourly_rate, total_cost, status, cancel_reason`

const uniqueViolation = "23505"

type SessionRepo struct {
	DB queryer
}

func NewSessionRepo(db queryer) *SessionRepo {
	return &SessionRepo{DB: db}
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var s domain.Session
	var accountID sql.NullInt64
	var endTime sql.NullTime
	err := row.Scan(
		&s.ID,
		&s.KioskID,
		&accountID,
		&s.StartTime,
		&endTime,
		&s.DurationMinutes,
		&s.HourlyRate,
		&s.TotalCost,
		&s.Status,
		&s.CancelReason,
	)
	if err != nil {
		return nil, err
	}
	if accountID.Valid {
		id := accountID.Int64
		s.AccountID = &id
	}
	if endTime.Valid {
		t := endTime.Time
		s.EndTime = &t
	}
	return &s, nil
}

func (r *SessionRepo) querySessions(ctx context.Context, query string, args ...any) ([]domain.Session, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	return sessions, nil
}

func (r *SessionRepo) queryOne(ctx context.Context, query string, args ...any) (*domain.Session, error) {
	s, err := scanSession(r.DB.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

// GetSession retrieves a session by id
func (r *SessionRepo) GetSession(ctx context.Context, id int64) (*domain.Session, error) {
	return r.queryOne(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
}

// GetSessionForUpdate locks the session row until the surrounding transaction ends
func (r *SessionRepo) GetSessionForUpdate(ctx context.Context, id int64) (*domain.Session, error) {
	return r.queryOne(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, id)
}

// GetActiveSessionByKiosk retrieves the active session bound to a kiosk
func (r *SessionRepo) GetActiveSessionByKiosk(ctx context.Context, kioskID int64) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE kiosk_id = $1 AND status = $2 LIMIT 1`
	return r.queryOne(ctx, query, kioskID, domain.SessionActive)
}

// ListSessionsByKiosk retrieves recent sessions of a kiosk, newest first
func (r *SessionRepo) ListSessionsByKiosk(ctx context.Context, kioskID int64, limit int) ([]domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE kiosk_id = $1 ORDER BY start_time DESC LIMIT $2`
	return r.querySessions(ctx, query, kioskID, limit)
}

// ListExpiredSessions retrieves active sessions whose allotted time ran out at or before now
func (r *SessionRepo) ListExpiredSessions(ctx context.Context, now time.Time) ([]domain.Session, error) {
	query := `
	SELECT ` + sessionColumns + `
	FROM sessions
	WHERE status = $1
	AND start_time + duration_minutes * INTERVAL '1 minute' <= $2
	ORDER BY id;
	`
	return r.querySessions(ctx, query, domain.SessionActive, now)
}

// AddSession inserts a session and sets its id
func (r *SessionRepo) AddSession(ctx context.Context, s *domain.Session) error {
	query := `
	INSERT INTO sessions (kiosk_id, account_id, start_time, end_time, duration_minutes, hourly_rate, total_cost, status, cancel_reason)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	RETURNING id;
	`
	accountID, endTime := sessionNullables(s)
	err := r.DB.QueryRowContext(ctx, query,
		s.KioskID, accountID, s.StartTime, endTime, s.DurationMinutes,
		s.HourlyRate, s.TotalCost, s.Status, s.CancelReason,
	).Scan(&s.ID)
	if err != nil {
		return translate(err, "failed to add session")
	}
	return nil
}

// UpdateSession writes the mutable session state
func (r *SessionRepo) UpdateSession(ctx context.Context, s *domain.Session) error {
	query := `
	UPDATE sessions
	SET account_id = $2, end_time = $3, duration_minutes = $4, hourly_rate = $5,
		total_cost = $6, status = $7, cancel_reason = $8
	WHERE id = $1;
	`
	accountID, endTime := sessionNullables(s)
	result, err := r.DB.ExecContext(ctx, query,
		s.ID, accountID, endTime, s.DurationMinutes, s.HourlyRate, s.TotalCost, s.Status, s.CancelReason,
	)
	if err != nil {
		return translate(err, "failed to update session")
	}
	return expectOneRow(result, "session")
}

func sessionNullables(s *domain.Session) (sql.NullInt64, sql.NullTime) {
	var accountID sql.NullInt64
	if s.AccountID != nil {
		accountID = sql.NullInt64{Int64: *s.AccountID, Valid: true}
	}
	var endTime sql.NullTime
	if s.EndTime != nil {
		endTime = sql.NullTime{Time: *s.EndTime, Valid: true}
	}
	return accountID, endTime
}

// translate maps the one-active-session index violation onto the repository error.
func translate(err error, msg string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == "sessions_one_active_per_kiosk" {
		return fmt.Errorf("%s: %w", msg, repository.ErrDuplicateActiveSession)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
