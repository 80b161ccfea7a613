package repo

import (
	"context"
	"database/sql"
)

// PostgresStore groups the PostgreSQL-backed repositories
type PostgresStore struct {
	db      *sql.DB
	users   UserRepo
	devices DeviceRepo
	links   LinkRepo
}

// NewPostgresStore wraps an open PostgreSQL connection pool
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:      db,
		users:   NewUserRepo(db),
		devices: NewDeviceRepo(db),
		links:   NewLinkRepo(db),
	}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) Users() UserRepo     { return s.users }
func (s *PostgresStore) Devices() DeviceRepo { return s.devices }
func (s *PostgresStore) Links() LinkRepo     { return s.links }

// Ping verifies the database is reachable
func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close releases the connection pool
func (s *PostgresStore) Close() error { return s.db.Close() }
