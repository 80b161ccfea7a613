// Package sqlite implements repo.Store on top of modernc.org/sqlite for
// single-node installs. Timestamps are stored as fixed-width UTC text so
// string comparison orders them correctly.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/devicelink/server/internal/model"
	"github.com/devicelink/server/internal/repo"
	"github.com/google/uuid"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

const linkColumns = `id, code, device_name, platform, app_version, fingerprint, status,
	created_at, expires_at, user_id, device_id, pending_token, approved_at, token_claimed_at`

const deviceColumns = `id, user_id, name, platform, app_version, fingerprint, token_hash, linked_at, last_seen_at`

// Store implements repo.Store using SQLite
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New wraps an open SQLite database. Migrations must already be applied.
func New(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With("component", "sqlite_store")}
}

var (
	_ repo.Store      = (*Store)(nil)
	_ repo.UserRepo   = (*userRepo)(nil)
	_ repo.DeviceRepo = (*deviceRepo)(nil)
	_ repo.LinkRepo   = (*linkRepo)(nil)
)

type userRepo struct{ s *Store }
type deviceRepo struct{ s *Store }
type linkRepo struct{ s *Store }

func (s *Store) Users() repo.UserRepo     { return userRepo{s} }
func (s *Store) Devices() repo.DeviceRepo { return deviceRepo{s} }
func (s *Store) Links() repo.LinkRepo     { return linkRepo{s} }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *Store) Close() error                   { return s.db.Close() }

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

type rowScanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Users

func (r userRepo) GetByID(ctx context.Context, id string) (model.User, error) {
	var u model.User
	var createdAt string
	err := r.s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, created_at FROM users WHERE id = ?
	`, id).Scan(&u.ID, &u.Email, &u.DisplayName, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, repo.ErrNotFound
		}
		return model.User{}, fmt.Errorf("query user: %w", err)
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.User{}, fmt.Errorf("parse user created_at: %w", err)
	}
	return u, nil
}

func (r userRepo) Upsert(ctx context.Context, user model.User) (model.User, error) {
	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := r.s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET email = excluded.email, display_name = excluded.display_name
	`, user.ID, user.Email, user.DisplayName, formatTime(createdAt))
	if err != nil {
		return model.User{}, fmt.Errorf("upsert user: %w", err)
	}
	return r.GetByID(ctx, user.ID)
}

// Devices

func scanDevice(row rowScanner) (model.Device, error) {
	var d model.Device
	var idStr, platform, linkedAt string
	var appVersion, fingerprint, lastSeen sql.NullString
	if err := row.Scan(&idStr, &d.UserID, &d.Name, &platform, &appVersion, &fingerprint,
		&d.TokenHash, &linkedAt, &lastSeen); err != nil {
		return model.Device{}, err
	}
	var err error
	if d.ID, err = uuid.Parse(idStr); err != nil {
		return model.Device{}, fmt.Errorf("parse device ID: %w", err)
	}
	if d.LinkedAt, err = parseTime(linkedAt); err != nil {
		return model.Device{}, fmt.Errorf("parse linked_at: %w", err)
	}
	if d.LastSeenAt, err = parseNullTime(lastSeen); err != nil {
		return model.Device{}, fmt.Errorf("parse last_seen_at: %w", err)
	}
	d.Platform = model.Platform(platform)
	d.AppVersion = nullString(appVersion)
	d.Fingerprint = nullString(fingerprint)
	return d, nil
}

func (r deviceRepo) GetByTokenHash(ctx context.Context, tokenHash string) (model.Device, error) {
	row := r.s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE token_hash = ?`, tokenHash)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Device{}, repo.ErrNotFound
		}
		return model.Device{}, fmt.Errorf("find device: %w", err)
	}
	return d, nil
}

func (r deviceRepo) ListByUser(ctx context.Context, userID string) ([]model.Device, error) {
	rows, err := r.s.db.QueryContext(ctx, `
		SELECT `+deviceColumns+` FROM devices WHERE user_id = ? ORDER BY linked_at DESC
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
	return devices, rows.Err()
}

func (r deviceRepo) TouchLastSeen(ctx context.Context, id uuid.UUID, at time.Time) error {
	result, err := r.s.db.ExecContext(ctx, `UPDATE devices SET last_seen_at = ? WHERE id = ?`, formatTime(at), id.String())
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// Link requests

func scanLink(row rowScanner) (model.LinkRequest, error) {
	var l model.LinkRequest
	var platform, status, createdAt, expiresAt string
	var appVersion, fingerprint, userID, deviceID, token, approvedAt, claimedAt sql.NullString
	if err := row.Scan(&l.ID, &l.Code, &l.DeviceName, &platform, &appVersion, &fingerprint, &status,
		&createdAt, &expiresAt, &userID, &deviceID, &token, &approvedAt, &claimedAt); err != nil {
		return model.LinkRequest{}, err
	}
	var err error
	if l.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.LinkRequest{}, fmt.Errorf("parse created_at: %w", err)
	}
	if l.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return model.LinkRequest{}, fmt.Errorf("parse expires_at: %w", err)
	}
	if l.ApprovedAt, err = parseNullTime(approvedAt); err != nil {
		return model.LinkRequest{}, fmt.Errorf("parse approved_at: %w", err)
	}
	if l.TokenClaimedAt, err = parseNullTime(claimedAt); err != nil {
		return model.LinkRequest{}, fmt.Errorf("parse token_claimed_at: %w", err)
	}
	if deviceID.Valid {
		id, err := uuid.Parse(deviceID.String)
		if err != nil {
			return model.LinkRequest{}, fmt.Errorf("parse device ID: %w", err)
		}
		l.DeviceID = &id
	}
	l.Platform = model.Platform(platform)
	l.Status = model.LinkStatus(status)
	l.AppVersion = nullString(appVersion)
	l.Fingerprint = nullString(fingerprint)
	l.UserID = nullString(userID)
	l.PendingToken = nullString(token)
	return l, nil
}

func (r linkRepo) Create(ctx context.Context, req *model.LinkRequest) error {
	_, err := r.s.db.ExecContext(ctx, `
		INSERT INTO link_requests (id, code, device_name, platform, app_version, fingerprint, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, req.ID, req.Code, req.DeviceName, string(req.Platform), req.AppVersion, req.Fingerprint,
		string(model.LinkStatusPending), formatTime(req.CreatedAt), formatTime(req.ExpiresAt))
	if err != nil {
		if isUniqueViolation(err) && strings.Contains(err.Error(), "link_requests.code") {
			return repo.ErrCodeTaken
		}
		return fmt.Errorf("insert link request: %w", err)
	}
	req.Status = model.LinkStatusPending
	r.s.logger.Debug("created link request", "id", req.ID)
	return nil
}

func (r linkRepo) GetByID(ctx context.Context, id string) (model.LinkRequest, error) {
	l, err := scanLink(r.s.db.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM link_requests WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.LinkRequest{}, repo.ErrNotFound
		}
		return model.LinkRequest{}, fmt.Errorf("query link request: %w", err)
	}
	return l, nil
}

func (r linkRepo) GetByCode(ctx context.Context, code string) (model.LinkRequest, error) {
	l, err := scanLink(r.s.db.QueryRowContext(ctx, `
		SELECT `+linkColumns+` FROM link_requests
		WHERE code = ?
		ORDER BY (status = 'pending') DESC, created_at DESC
		LIMIT 1
	`, code))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.LinkRequest{}, repo.ErrNotFound
		}
		return model.LinkRequest{}, fmt.Errorf("query link request by code: %w", err)
	}
	return l, nil
}

func (r linkRepo) MarkExpired(ctx context.Context, id string) error {
	_, err := r.s.db.ExecContext(ctx, `UPDATE link_requests SET status = 'expired' WHERE id = ? AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("mark expired: %w", err)
	}
	return nil
}

// Approve inserts the device and flips the request inside one transaction; a
// request that is no longer pending rolls the device insert back.
func (r linkRepo) Approve(ctx context.Context, id string, device model.Device, token string, now time.Time) (model.LinkRequest, error) {
	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.LinkRequest{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	linkedAt := formatTime(device.LinkedAt)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO devices (id, user_id, name, platform, app_version, fingerprint, token_hash, linked_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, device.ID.String(), device.UserID, device.Name, string(device.Platform), device.AppVersion,
		device.Fingerprint, device.TokenHash, linkedAt, linkedAt); err != nil {
		return model.LinkRequest{}, fmt.Errorf("insert device: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE link_requests
		SET status = 'approved', user_id = ?, device_id = ?, pending_token = ?, approved_at = ?
		WHERE id = ? AND status = 'pending' AND expires_at > ?
	`, device.UserID, device.ID.String(), token, formatTime(now), id, formatTime(now))
	if err != nil {
		return model.LinkRequest{}, fmt.Errorf("approve link request: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return model.LinkRequest{}, repo.ErrConflict
	}

	l, err := scanLink(tx.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM link_requests WHERE id = ?`, id))
	if err != nil {
		return model.LinkRequest{}, fmt.Errorf("reload link request: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.LinkRequest{}, fmt.Errorf("commit: %w", err)
	}
	r.s.logger.Info("approved link request", "id", id, "device_id", device.ID)
	return l, nil
}

// ClaimToken is a compare-and-swap: the clearing update only matches while the
// token it read is still in place, so one caller wins and the rest see zero rows.
func (r linkRepo) ClaimToken(ctx context.Context, id string, now time.Time) (string, error) {
	var token sql.NullString
	err := r.s.db.QueryRowContext(ctx, `
		SELECT pending_token FROM link_requests WHERE id = ? AND status = 'approved'
	`, id).Scan(&token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", repo.ErrAlreadyClaimed
		}
		return "", fmt.Errorf("read pending token: %w", err)
	}
	if !token.Valid {
		return "", repo.ErrAlreadyClaimed
	}

	result, err := r.s.db.ExecContext(ctx, `
		UPDATE link_requests SET pending_token = NULL, token_claimed_at = ?
		WHERE id = ? AND pending_token = ?
	`, formatTime(now), id, token.String)
	if err != nil {
		return "", fmt.Errorf("claim token: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return "", repo.ErrAlreadyClaimed
	}
	return token.String, nil
}

func (r linkRepo) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.s.db.ExecContext(ctx, `
		UPDATE link_requests SET status = 'expired' WHERE status = 'pending' AND expires_at <= ?
	`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("expire pending: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func (r linkRepo) ClearUnclaimedTokens(ctx context.Context, expiredBefore time.Time) (int64, error) {
	result, err := r.s.db.ExecContext(ctx, `
		UPDATE link_requests SET pending_token = NULL WHERE pending_token IS NOT NULL AND expires_at <= ?
	`, formatTime(expiredBefore))
	if err != nil {
		return 0, fmt.Errorf("clear unclaimed tokens: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func (r linkRepo) DeleteCreatedBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.s.db.ExecContext(ctx, `DELETE FROM link_requests WHERE created_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("delete old link requests: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
