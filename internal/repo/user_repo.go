package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/devicelink/server/internal/model"
)

type userRepo struct {
	db *sql.DB
}

// NewUserRepo creates a new UserRepo instance
func NewUserRepo(db *sql.DB) UserRepo {
	return &userRepo{db: db}
}

// GetByID retrieves a user by ID
func (r *userRepo) GetByID(ctx context.Context, id string) (model.User, error) {
	query := `
		SELECT id, email, display_name, created_at
		FROM users
		WHERE id = $1
	`
	var user model.User
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&user.ID,
		&user.Email,
		&user.DisplayName,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
		return model.User{}, fmt.Errorf("failed to query user: %w", err)
	}
	return user, nil
}

// Upsert inserts the user or refreshes its profile fields when it already exists
func (r *userRepo) Upsert(ctx context.Context, user model.User) (model.User, error) {
	query := `
		INSERT INTO users (id, email, display_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET email = EXCLUDED.email, display_name = EXCLUDED.display_name
		RETURNING id, email, display_name, created_at
	`
	var out model.User
	err := r.db.QueryRowContext(ctx, query, user.ID, user.Email, user.DisplayName).Scan(
		&out.ID,
		&out.Email,
		&out.DisplayName,
		&out.CreatedAt,
	)
	if err != nil {
		return model.User{}, fmt.Errorf("failed to upsert user: %w", err)
	}
	return out, nil
}
