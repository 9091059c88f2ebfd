package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/iamasit07/cafe-kiosk/backend/internal/domain"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

const kioskColumns = `id, name, network_address, hardware_address, status, locked, last_seen, current_session_id, last_error, created_at, updated_at`

type KioskRepo struct {
	DB queryer
}

func NewKioskRepo(db queryer) *KioskRepo {
	return &KioskRepo{DB: db}
}

func scanKiosk(row rowScanner, extra ...any) (*domain.Kiosk, error) {
	var k domain.Kiosk
	var lastSeen sql.NullTime
	var sessionID sql.NullInt64
	dest := []any{
		&k.ID,
		&k.Name,
		&k.NetworkAddress,
		&k.HardwareAddress,
		&k.Status,
		&k.Locked,
		&lastSeen,
		&sessionID,
		&k.LastError,
		&k.CreatedAt,
		&k.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		k.LastSeen = &t
	}
	if sessionID.Valid && sessionID.Int64 > 0 {
		id := sessionID.Int64
		k.CurrentSessionID = &id
	}
	return &k, nil
}

// GetKiosk retrieves a kiosk by id
func (r *KioskRepo) GetKiosk(ctx context.Context, id int64) (*domain.Kiosk, error) {
	return r.getKiosk(ctx, id, "")
}

// GetKioskForUpdate locks the kiosk row until the surrounding transaction ends
func (r *KioskRepo) GetKioskForUpdate(ctx context.Context, id int64) (*domain.Kiosk, error) {
	return r.getKiosk(ctx, id, " FOR UPDATE")
}

func (r *KioskRepo) getKiosk(ctx context.Context, id int64, suffix string) (*domain.Kiosk, error) {
	query := `SELECT ` + kioskColumns + ` FROM kiosks WHERE id = $1` + suffix
	k, err := scanKiosk(r.DB.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get kiosk: %w", err)
	}
	return k, nil
}

// GetKioskByHardwareAddr retrieves a kiosk by its unique hardware address
func (r *KioskRepo) GetKioskByHardwareAddr(ctx context.Context, hardwareAddr string) (*domain.Kiosk, error) {
	query := `SELECT ` + kioskColumns + ` FROM kiosks WHERE hardware_address = $1`
	k, err := scanKiosk(r.DB.QueryRowContext(ctx, query, hardwareAddr))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get kiosk by hardware address: %w", err)
	}
	return k, nil
}

// ListKiosks returns every kiosk ordered by id
func (r *KioskRepo) ListKiosks(ctx context.Context) ([]domain.Kiosk, error) {
	query := `SELECT ` + kioskColumns + ` FROM kiosks ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query kiosks: %w", err)
	}
	defer rows.Close()

	var kiosks []domain.Kiosk
	for rows.Next() {
		k, err := scanKiosk(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan kiosk row: %w", err)
		}
		kiosks = append(kiosks, *k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate kiosk rows: %w", err)
	}
	return kiosks, nil
}

// RegisterKiosk inserts a kiosk on first registration, or refreshes it when the hardware address is known
func (r *KioskRepo) RegisterKiosk(ctx context.Context, hardwareAddr, name, networkAddr string, at time.Time) (*domain.Kiosk, bool, error) {
	query := `
	INSERT INTO kiosks (hardware_address, name, network_address, status, last_seen, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $5, $5)
	ON CONFLICT (hardware_address) DO UPDATE SET
		name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE kiosks.name END,
		network_address = EXCLUDED.network_address,
		last_seen = EXCLUDED.last_seen,
		updated_at = EXCLUDED.updated_at
	RETURNING ` + kioskColumns + `, (xmax = 0) AS created;
	`
	var created bool
	k, err := scanKiosk(r.DB.QueryRowContext(ctx, query, hardwareAddr, name, networkAddr, domain.KioskUnreachable, at), &created)
	if err != nil {
		return nil, false, fmt.Errorf("failed to register kiosk: %w", err)
	}
	return k, created, nil
}

// UpdateKiosk writes the mutable kiosk state
func (r *KioskRepo) UpdateKiosk(ctx context.Context, k *domain.Kiosk) error {
	query := `
	UPDATE kiosks
	SET name = $2, network_address = $3, status = $4, last_seen = $5,
		current_session_id = $6, last_error = $7, updated_at = $8, locked = $9
	WHERE id = $1;
	`
	var sessionID sql.NullInt64
	if k.CurrentSessionID != nil {
		sessionID = sql.NullInt64{Int64: *k.CurrentSessionID, Valid: true}
	}
	var lastSeen sql.NullTime
	if k.LastSeen != nil {
		lastSeen = sql.NullTime{Time: *k.LastSeen, Valid: true}
	}

	result, err := r.DB.ExecContext(ctx, query, k.ID, k.Name, k.NetworkAddress, k.Status, lastSeen, sessionID, k.LastError, k.UpdatedAt, k.Locked)
	if err != nil {
		return fmt.Errorf("failed to update kiosk: %w", err)
	}
	return expectOneRow(result, "kiosk")
}

func expectOneRow(result sql.Result, what string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("%s update affected %d rows: %w", what, n, domain.ErrNotFound)
	}
	return nil
}
