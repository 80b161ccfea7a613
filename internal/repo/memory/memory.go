// Package memory is an in-process Store used by tests and single-node
// deployments that can afford to lose pairing state on restart.
//
// Lock order: a row mutex may be held while taking Store.mu, never the reverse.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/devicelink/server/internal/model"
	"github.com/devicelink/server/internal/repo"
	"github.com/google/uuid"
)

type linkRow struct {
	mu  sync.Mutex
	req model.LinkRequest
}

// Store is an in-memory repo.Store.
type Store struct {
	mu          sync.RWMutex
	users       map[string]model.User
	devices     map[uuid.UUID]model.Device
	deviceByTok map[string]uuid.UUID
	links       map[string]*linkRow
	pendingCode map[string]string   // code -> id of the pending request holding it
	codeIndex   map[string][]string // code -> every request id that used it
	now         func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		users:       make(map[string]model.User),
		devices:     make(map[uuid.UUID]model.Device),
		deviceByTok: make(map[string]uuid.UUID),
		links:       make(map[string]*linkRow),
		pendingCode: make(map[string]string),
		codeIndex:   make(map[string][]string),
		now:         time.Now,
	}
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

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close() error               { return nil }

func cloneLink(l model.LinkRequest) model.LinkRequest {
	out := l
	out.AppVersion = clonePtr(l.AppVersion)
	out.Fingerprint = clonePtr(l.Fingerprint)
	out.UserID = clonePtr(l.UserID)
	out.DeviceID = clonePtr(l.DeviceID)
	out.PendingToken = clonePtr(l.PendingToken)
	out.ApprovedAt = clonePtr(l.ApprovedAt)
	out.TokenClaimedAt = clonePtr(l.TokenClaimedAt)
	return out
}

func cloneDevice(d model.Device) model.Device {
	out := d
	out.AppVersion = clonePtr(d.AppVersion)
	out.Fingerprint = clonePtr(d.Fingerprint)
	out.LastSeenAt = clonePtr(d.LastSeenAt)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Users

func (r userRepo) GetByID(_ context.Context, id string) (model.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	u, ok := r.s.users[id]
	if !ok {
		return model.User{}, repo.ErrNotFound
	}
	return u, nil
}

func (r userRepo) Upsert(_ context.Context, user model.User) (model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if existing, ok := r.s.users[user.ID]; ok {
		user.CreatedAt = existing.CreatedAt
	} else if user.CreatedAt.IsZero() {
		user.CreatedAt = r.s.now()
	}
	r.s.users[user.ID] = user
	return user, nil
}

// Devices

func (r deviceRepo) GetByTokenHash(_ context.Context, tokenHash string) (model.Device, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	id, ok := r.s.deviceByTok[tokenHash]
	if !ok {
		return model.Device{}, repo.ErrNotFound
	}
	return cloneDevice(r.s.devices[id]), nil
}

func (r deviceRepo) ListByUser(_ context.Context, userID string) ([]model.Device, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]model.Device, 0)
	for _, d := range r.s.devices {
		if d.UserID == userID {
			out = append(out, cloneDevice(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LinkedAt.After(out[j].LinkedAt) })
	return out, nil
}

func (r deviceRepo) TouchLastSeen(_ context.Context, id uuid.UUID, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.devices[id]
	if !ok {
		return repo.ErrNotFound
	}
	d.LastSeenAt = &at
	r.s.devices[id] = d
	return nil
}

// Link requests

func (r linkRepo) row(id string) (*linkRow, bool) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	row, ok := r.s.links[id]
	return row, ok
}

func (r linkRepo) Create(_ context.Context, req *model.LinkRequest) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, taken := r.s.pendingCode[req.Code]; taken {
		return repo.ErrCodeTaken
	}
	if _, exists := r.s.links[req.ID]; exists {
		return repo.ErrConflict
	}
	req.Status = model.LinkStatusPending
	r.s.links[req.ID] = &linkRow{req: cloneLink(*req)}
	r.s.pendingCode[req.Code] = req.ID
	r.s.codeIndex[req.Code] = append(r.s.codeIndex[req.Code], req.ID)
	return nil
}

func (r linkRepo) GetByID(_ context.Context, id string) (model.LinkRequest, error) {
	row, ok := r.row(id)
	if !ok {
		return model.LinkRequest{}, repo.ErrNotFound
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	return cloneLink(row.req), nil
}

func (r linkRepo) GetByCode(ctx context.Context, code string) (model.LinkRequest, error) {
	r.s.mu.RLock()
	id, pending := r.s.pendingCode[code]
	ids := append([]string(nil), r.s.codeIndex[code]...)
	r.s.mu.RUnlock()

	if pending {
		return r.GetByID(ctx, id)
	}
	var best model.LinkRequest
	found := false
	for _, candidate := range ids {
		l, err := r.GetByID(ctx, candidate)
		if err != nil {
			continue
		}
		if !found || l.CreatedAt.After(best.CreatedAt) {
			best, found = l, true
		}
	}
	if !found {
		return model.LinkRequest{}, repo.ErrNotFound
	}
	return best, nil
}

// leavePending must be called with row.mu held.
func (r linkRepo) leavePending(row *linkRow, status model.LinkStatus) {
	row.req.Status = status
	r.s.mu.Lock()
	if r.s.pendingCode[row.req.Code] == row.req.ID {
		delete(r.s.pendingCode, row.req.Code)
	}
	r.s.mu.Unlock()
}

func (r linkRepo) MarkExpired(_ context.Context, id string) error {
	row, ok := r.row(id)
	if !ok {
		return repo.ErrNotFound
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	if row.req.Status == model.LinkStatusPending {
		r.leavePending(row, model.LinkStatusExpired)
	}
	return nil
}

func (r linkRepo) Approve(_ context.Context, id string, device model.Device, token string, now time.Time) (model.LinkRequest, error) {
	row, ok := r.row(id)
	if !ok {
		return model.LinkRequest{}, repo.ErrConflict
	}
	row.mu.Lock()
	defer row.mu.Unlock()

	if row.req.Status != model.LinkStatusPending || !now.Before(row.req.ExpiresAt) {
		return model.LinkRequest{}, repo.ErrConflict
	}

	r.s.mu.Lock()
	if _, dup := r.s.deviceByTok[device.TokenHash]; dup {
		r.s.mu.Unlock()
		return model.LinkRequest{}, repo.ErrConflict
	}
	if device.LastSeenAt == nil {
		device.LastSeenAt = &device.LinkedAt
	}
	r.s.devices[device.ID] = cloneDevice(device)
	r.s.deviceByTok[device.TokenHash] = device.ID
	if r.s.pendingCode[row.req.Code] == row.req.ID {
		delete(r.s.pendingCode, row.req.Code)
	}
	r.s.mu.Unlock()

	userID := device.UserID
	deviceID := device.ID
	row.req.Status = model.LinkStatusApproved
	row.req.UserID = &userID
	row.req.DeviceID = &deviceID
	row.req.PendingToken = &token
	row.req.ApprovedAt = &now
	return cloneLink(row.req), nil
}

func (r linkRepo) ClaimToken(_ context.Context, id string, now time.Time) (string, error) {
	row, ok := r.row(id)
	if !ok {
		return "", repo.ErrAlreadyClaimed
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	if row.req.Status != model.LinkStatusApproved || row.req.PendingToken == nil {
		return "", repo.ErrAlreadyClaimed
	}
	token := *row.req.PendingToken
	row.req.PendingToken = nil
	row.req.TokenClaimedAt = &now
	return token, nil
}

func (r linkRepo) allRows() []*linkRow {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	rows := make([]*linkRow, 0, len(r.s.links))
	for _, row := range r.s.links {
		rows = append(rows, row)
	}
	return rows
}

func (r linkRepo) ExpirePending(_ context.Context, now time.Time) (int64, error) {
	var n int64
	for _, row := range r.allRows() {
		row.mu.Lock()
		if row.req.Status == model.LinkStatusPending && !now.Before(row.req.ExpiresAt) {
			r.leavePending(row, model.LinkStatusExpired)
			n++
		}
		row.mu.Unlock()
	}
	return n, nil
}

func (r linkRepo) ClearUnclaimedTokens(_ context.Context, expiredBefore time.Time) (int64, error) {
	var n int64
	for _, row := range r.allRows() {
		row.mu.Lock()
		if row.req.PendingToken != nil && !expiredBefore.Before(row.req.ExpiresAt) {
			row.req.PendingToken = nil
			n++
		}
		row.mu.Unlock()
	}
	return n, nil
}

func (r linkRepo) DeleteCreatedBefore(_ context.Context, before time.Time) (int64, error) {
	var doomed []model.LinkRequest
	for _, row := range r.allRows() {
		row.mu.Lock()
		if row.req.CreatedAt.Before(before) {
			doomed = append(doomed, row.req)
		}
		row.mu.Unlock()
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, l := range doomed {
		delete(r.s.links, l.ID)
		if r.s.pendingCode[l.Code] == l.ID {
			delete(r.s.pendingCode, l.Code)
		}
		ids := r.s.codeIndex[l.Code][:0]
		for _, id := range r.s.codeIndex[l.Code] {
			if id != l.ID {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			delete(r.s.codeIndex, l.Code)
		} else {
			r.s.codeIndex[l.Code] = ids
		}
	}
	return int64(len(doomed)), nil
}
