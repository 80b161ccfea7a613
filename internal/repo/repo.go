package repo

import (
	"context"
	"errors"
	"time"

	"github.com/devicelink/server/internal/model"
	"github.com/google/uuid"
)

var (
	// ErrNotFound indicates the requested row does not exist
	ErrNotFound = errors.New("repo: not found")
	// ErrCodeTaken indicates another pending link request already holds the code
	ErrCodeTaken = errors.New("repo: link code already in use")
	// ErrConflict indicates a conditional update matched no row (state moved on)
	ErrConflict = errors.New("repo: state conflict")
	// ErrAlreadyClaimed indicates the pending token was delivered to an earlier poll
	ErrAlreadyClaimed = errors.New("repo: token already claimed")
)

// UserRepo defines the account store lookups used by the link service
type UserRepo interface {
	GetByID(ctx context.Context, id string) (model.User, error)
	Upsert(ctx context.Context, user model.User) (model.User, error)
}

// DeviceRepo defines the interface for device repository operations
type DeviceRepo interface {
	GetByTokenHash(ctx context.Context, tokenHash string) (model.Device, error)
	ListByUser(ctx context.Context, userID string) ([]model.Device, error)
	TouchLastSeen(ctx context.Context, id uuid.UUID, at time.Time) error
}

// LinkRepo defines the persistence contract for link requests.
//
// Approve and ClaimToken are the two critical sections: Approve must create the
// device and flip the request to approved in one atomic unit, and ClaimToken must
// hand the pending token to exactly one caller.
type LinkRepo interface {
	// Create inserts a pending request. Returns ErrCodeTaken when the code
	// collides with another pending request.
	Create(ctx context.Context, req *model.LinkRequest) error
	GetByID(ctx context.Context, id string) (model.LinkRequest, error)
	// GetByCode prefers the pending request holding the code, otherwise the most recent one.
	GetByCode(ctx context.Context, code string) (model.LinkRequest, error)
	// MarkExpired flips a pending request to expired. Idempotent.
	MarkExpired(ctx context.Context, id string) error
	// Approve inserts device and binds it to the request if the request is still
	// pending and unexpired at now. Returns ErrConflict otherwise, leaving no device behind.
	Approve(ctx context.Context, id string, device model.Device, token string, now time.Time) (model.LinkRequest, error)
	// ClaimToken reads and clears the pending token. Returns ErrAlreadyClaimed
	// when there is no token left to hand out.
	ClaimToken(ctx context.Context, id string, now time.Time) (string, error)

	ExpirePending(ctx context.Context, now time.Time) (int64, error)
	ClearUnclaimedTokens(ctx context.Context, expiredBefore time.Time) (int64, error)
	DeleteCreatedBefore(ctx context.Context, before time.Time) (int64, error)
}

// Store bundles the repositories a single backend provides
type Store interface {
	Users() UserRepo
	Devices() DeviceRepo
	Links() LinkRepo
	Ping(ctx context.Context) error
	Close() error
}
