package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/devicelink/server/internal/model"
	"github.com/google/uuid"
)

const deviceColumns = `id, user_id, name, platform, app_version, fingerprint, token_hash, linked_at, last_seen_at`

type deviceRepo struct {
	db *sql.DB
}

// NewDeviceRepo creates a new DeviceRepo instance
func NewDeviceRepo(db *sql.DB) DeviceRepo {
	return &deviceRepo{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (model.Device, error) {
	var d model.Device
	var idStr, platform string
	var appVersion, fingerprint sql.NullString
	var lastSeen sql.NullTime
	if err := row.Scan(
		&idStr,
		&d.UserID,
		&d.Name,
		&platform,
		&appVersion,
		&fingerprint,
		&d.TokenHash,
		&d.LinkedAt,
		&lastSeen,
	); err != nil {
		return model.Device{}, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return model.Device{}, fmt.Errorf("failed to parse device ID: %w", err)
	}
	d.ID = id
	d.Platform = model.Platform(platform)
	d.AppVersion = nullString(appVersion)
	d.Fingerprint = nullString(fingerprint)
	if lastSeen.Valid {
		t := lastSeen.Time
		d.LastSeenAt = &t
	}
	return d, nil
}

// GetByTokenHash finds the device a presented token belongs to
func (r *deviceRepo) GetByTokenHash(ctx context.Context, tokenHash string) (model.Device, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE token_hash = $1`, tokenHash)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Device{}, ErrNotFound
		}
		return model.Device{}, fmt.Errorf("find device: %w", err)
	}
	return d, nil
}

// ListByUser returns the user's devices, most recently linked first
func (r *deviceRepo) ListByUser(ctx context.Context, userID string) ([]model.Device, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+deviceColumns+`
		FROM devices
		WHERE user_id = $1
		ORDER BY linked_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	devices := make([]model.Device, 0)
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return devices, nil
}

// TouchLastSeen records that the device just presented its token
func (r *deviceRepo) TouchLastSeen(ctx context.Context, id uuid.UUID, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `UPDATE devices SET last_seen_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
