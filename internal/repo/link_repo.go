package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/devicelink/server/internal/model"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const (
	linkColumns = `id, code, device_name, platform, app_version, fingerprint, status,
		created_at, expires_at, user_id, device_id, pending_token, approved_at, token_claimed_at`

	pendingCodeIndex = "idx_link_requests_pending_code"
	uniqueViolation  = "23505"
)

type linkRepo struct {
	db *sql.DB
}

// NewLinkRepo creates a new LinkRepo instance backed by PostgreSQL
func NewLinkRepo(db *sql.DB) LinkRepo {
	return &linkRepo{db: db}
}

func scanLink(row rowScanner) (model.LinkRequest, error) {
	var l model.LinkRequest
	var platform, status string
	var appVersion, fingerprint, userID, deviceID, token sql.NullString
	var approvedAt, claimedAt sql.NullTime
	if err := row.Scan(
		&l.ID,
		&l.Code,
		&l.DeviceName,
		&platform,
		&appVersion,
		&fingerprint,
		&status,
		&l.CreatedAt,
		&l.ExpiresAt,
		&userID,
		&deviceID,
		&token,
		&approvedAt,
		&claimedAt,
	); err != nil {
		return model.LinkRequest{}, err
	}
	l.Platform = model.Platform(platform)
	l.Status = model.LinkStatus(status)
	l.AppVersion = nullString(appVersion)
	l.Fingerprint = nullString(fingerprint)
	l.UserID = nullString(userID)
	l.PendingToken = nullString(token)
	if deviceID.Valid {
		id, err := uuid.Parse(deviceID.String)
		if err != nil {
			return model.LinkRequest{}, fmt.Errorf("parse device ID: %w", err)
		}
		l.DeviceID = &id
	}
	if approvedAt.Valid {
		t := approvedAt.Time
		l.ApprovedAt = &t
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		l.TokenClaimedAt = &t
	}
	return l, nil
}

// Create inserts a new pending link request. The partial unique index on pending
// codes turns a collision into ErrCodeTaken so the caller can retry with a new code.
func (r *linkRepo) Create(ctx context.Context, req *model.LinkRequest) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO link_requests (id, code, device_name, platform, app_version, fingerprint, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, req.ID, req.Code, req.DeviceName, string(req.Platform), req.AppVersion, req.Fingerprint,
		string(model.LinkStatusPending), req.CreatedAt, req.ExpiresAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && pqErr.Constraint == pendingCodeIndex {
			return ErrCodeTaken
		}
		return fmt.Errorf("insert link request: %w", err)
	}
	req.Status = model.LinkStatusPending
	return nil
}

// GetByID retrieves a link request by ID
func (r *linkRepo) GetByID(ctx context.Context, id string) (model.LinkRequest, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM link_requests WHERE id = $1`, id)
	l, err := scanLink(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.LinkRequest{}, ErrNotFound
		}
		return model.LinkRequest{}, fmt.Errorf("query link request: %w", err)
	}
	return l, nil
}

// GetByCode retrieves the pending request for code, falling back to the most recent one
func (r *linkRepo) GetByCode(ctx context.Context, code string) (model.LinkRequest, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+linkColumns+`
		FROM link_requests
		WHERE code = $1
		ORDER BY (status = 'pending') DESC, created_at DESC
		LIMIT 1
	`, code)
	l, err := scanLink(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.LinkRequest{}, ErrNotFound
		}
		return model.LinkRequest{}, fmt.Errorf("query link request by code: %w", err)
	}
	return l, nil
}

// MarkExpired sets status = expired when the request is still pending
func (r *linkRepo) MarkExpired(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE link_requests SET status = 'expired' WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return fmt.Errorf("mark expired: %w", err)
	}
	return nil
}

// Approve creates the device and binds it to the request in one transaction.
// The update is conditional on the request still being pending and unexpired; when
// it matches nothing the transaction is rolled back and the device insert with it.
func (r *linkRepo) Approve(ctx context.Context, id string, device model.Device, token string, now time.Time) (model.LinkRequest, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.LinkRequest{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO devices (id, user_id, name, platform, app_version, fingerprint, token_hash, linked_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, device.ID, device.UserID, device.Name, string(device.Platform), device.AppVersion, device.Fingerprint,
		device.TokenHash, device.LinkedAt)
	if err != nil {
		return model.LinkRequest{}, fmt.Errorf("insert device: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE link_requests
		SET status = 'approved', user_id = $2, device_id = $3, pending_token = $4, approved_at = $5
		WHERE id = $1 AND status = 'pending' AND expires_at > $5
		RETURNING `+linkColumns, id, device.UserID, device.ID, token, now)
	l, err := scanLink(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.LinkRequest{}, ErrConflict
		}
		return model.LinkRequest{}, fmt.Errorf("approve link request: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.LinkRequest{}, fmt.Errorf("commit: %w", err)
	}
	return l, nil
}

// ClaimToken reads and clears the pending token in a single statement. The row lock
// taken by the subquery makes concurrent claimers queue; the loser re-evaluates the
// predicate after the winner commits and finds pending_token already NULL.
func (r *linkRepo) ClaimToken(ctx context.Context, id string, now time.Time) (string, error) {
	var token string
	err := r.db.QueryRowContext(ctx, `
		UPDATE link_requests AS l
		SET pending_token = NULL, token_claimed_at = $2
		FROM (
			SELECT id, pending_token
			FROM link_requests
			WHERE id = $1 AND status = 'approved' AND pending_token IS NOT NULL
			FOR UPDATE
		) AS prev
		WHERE l.id = prev.id AND l.pending_token IS NOT NULL
		RETURNING prev.pending_token
	`, id, now).Scan(&token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrAlreadyClaimed
		}
		return "", fmt.Errorf("claim token: %w", err)
	}
	return token, nil
}

// ExpirePending flips every pending request past its deadline to expired
func (r *linkRepo) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE link_requests SET status = 'expired' WHERE status = 'pending' AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("expire pending: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// ClearUnclaimedTokens drops tokens nobody polled for before the claim window closed
func (r *linkRepo) ClearUnclaimedTokens(ctx context.Context, expiredBefore time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE link_requests SET pending_token = NULL
		WHERE pending_token IS NOT NULL AND expires_at <= $1
	`, expiredBefore)
	if err != nil {
		return 0, fmt.Errorf("clear unclaimed tokens: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// DeleteCreatedBefore removes link requests older than the retention cutoff
func (r *linkRepo) DeleteCreatedBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM link_requests WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete old link requests: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
