package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/devicelink/server/internal/metrics"
	"github.com/devicelink/server/internal/model"
	"github.com/devicelink/server/internal/repo"
	"github.com/google/uuid"
)

const (
	DefaultLinkTTL      = 10 * time.Minute
	DefaultPollInterval = 2 * time.Second

	maxCodeAttempts   = 5
	maxDeviceName     = 128
	maxAppVersion     = 64
	maxFingerprint    = 256
	verificationRoute = "/link-device"
)

// LinkService pairs desktop clients with web accounts
type LinkService struct {
	store        repo.Store
	ttl          time.Duration
	pollInterval time.Duration
	baseURL      string
	now          func() time.Time
	newCode      func() (string, error)
	newToken     func() (string, error)
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// Option configures a LinkService
type Option func(*LinkService)

// WithTTL sets how long a link request stays pending
func WithTTL(ttl time.Duration) Option {
	return func(s *LinkService) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithPollInterval sets the interval suggested to polling clients
func WithPollInterval(d time.Duration) Option {
	return func(s *LinkService) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithBaseURL sets the public origin used to build verification URLs
func WithBaseURL(baseURL string) Option {
	return func(s *LinkService) { s.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(s *LinkService) { s.now = now }
}

// WithCodeGenerator replaces GenerateCode, for tests
func WithCodeGenerator(gen func() (string, error)) Option {
	return func(s *LinkService) { s.newCode = gen }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *LinkService) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *LinkService) { s.metrics = m }
}

// NewLinkService creates a new link service
func NewLinkService(store repo.Store, opts ...Option) *LinkService {
	s := &LinkService{
		store:        store,
		ttl:          DefaultLinkTTL,
		pollInterval: DefaultPollInterval,
		now:          time.Now,
		newCode:      GenerateCode,
		newToken:     GenerateDeviceToken,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "link_service")
	return s
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// CreateLinkInput is what a desktop client sends to start pairing
type CreateLinkInput struct {
	DeviceName  string
	Platform    string
	AppVersion  *string
	Fingerprint *string
}

// CreateResult is returned to the initiator. The code is shown to the user.
type CreateResult struct {
	ID              string
	Code            string
	ExpiresAt       time.Time
	VerificationURL string
	PollInterval    time.Duration
}

func trimOptional(p *string, max int, field string) (*string, error) {
	if p == nil {
		return nil, nil
	}
	v := strings.TrimSpace(*p)
	if v == "" {
		return nil, nil
	}
	if len(v) > max {
		return nil, fmt.Errorf("%w: %s longer than %d characters", ErrInvalidInput, field, max)
	}
	return &v, nil
}

func (in CreateLinkInput) validate() (model.LinkRequest, error) {
	name := strings.TrimSpace(in.DeviceName)
	if name == "" {
		return model.LinkRequest{}, fmt.Errorf("%w: deviceName is required", ErrInvalidInput)
	}
	if len(name) > maxDeviceName {
		return model.LinkRequest{}, fmt.Errorf("%w: deviceName longer than %d characters", ErrInvalidInput, maxDeviceName)
	}
	platform := model.Platform(strings.ToLower(strings.TrimSpace(in.Platform)))
	if !platform.Valid() {
		return model.LinkRequest{}, fmt.Errorf("%w: %w: %q", ErrInvalidInput, ErrInvalidPlatform, in.Platform)
	}
	appVersion, err := trimOptional(in.AppVersion, maxAppVersion, "appVersion")
	if err != nil {
		return model.LinkRequest{}, err
	}
	fingerprint, err := trimOptional(in.Fingerprint, maxFingerprint, "deviceFingerprint")
	if err != nil {
		return model.LinkRequest{}, err
	}
	return model.LinkRequest{
		DeviceName:  name,
		Platform:    platform,
		AppVersion:  appVersion,
		Fingerprint: fingerprint,
	}, nil
}

// CreateLinkRequest validates the input and stores a new pending request
// under a fresh code. A code held by another pending request is retried.
func (s *LinkService) CreateLinkRequest(ctx context.Context, in CreateLinkInput) (CreateResult, error) {
	req, err := in.validate()
	if err != nil {
		return CreateResult{}, err
	}

	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		code, err := s.newCode()
		if err != nil {
			return CreateResult{}, fmt.Errorf("generate code: %w", err)
		}
		now := s.now()
		req.ID = model.LinkIDPrefix + uuid.NewString()
		req.Code = code
		req.CreatedAt = now
		req.ExpiresAt = now.Add(s.ttl)

		err = s.store.Links().Create(ctx, &req)
		if errors.Is(err, repo.ErrCodeTaken) {
			s.logger.Debug("code collision, retrying", "attempt", attempt)
			s.releaseLapsedCode(ctx, code, now)
			continue
		}
		if err != nil {
			return CreateResult{}, storageErr("create link request", err)
		}

		s.metrics.LinkRequestCreated()
		s.logger.Info("link request created",
			"id", req.ID, "code", maskCode(code), "platform", req.Platform)
		return CreateResult{
			ID:              req.ID,
			Code:            code,
			ExpiresAt:       req.ExpiresAt,
			VerificationURL: s.verificationURL(code),
			PollInterval:    s.pollInterval,
		}, nil
	}
	return CreateResult{}, fmt.Errorf("%w: no free code after %d attempts", ErrStorage, maxCodeAttempts)
}

// releaseLapsedCode expires the holder of code when its window has closed but
// nothing has marked it yet, so the code can be reused on the next attempt.
func (s *LinkService) releaseLapsedCode(ctx context.Context, code string, now time.Time) {
	holder, err := s.store.Links().GetByCode(ctx, code)
	if err != nil {
		return
	}
	if holder.Status == model.LinkStatusPending && holder.Expired(now) {
		s.markExpired(ctx, holder.ID)
	}
}

func (s *LinkService) verificationURL(code string) string {
	return s.baseURL + verificationRoute + "?code=" + url.QueryEscape(code)
}

// CompleteResult describes the device that was linked. It never carries the token.
type CompleteResult struct {
	LinkRequestID string
	DeviceID      uuid.UUID
	DeviceName    string
	Platform      model.Platform
}

func validCodeShape(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for _, c := range code {
		if !strings.ContainsRune(Alphabet, c) {
			return false
		}
	}
	return true
}

// CompleteLink approves the request holding code on behalf of userID
func (s *LinkService) CompleteLink(ctx context.Context, userID, rawCode string) (CompleteResult, error) {
	if userID == "" {
		return CompleteResult{}, ErrAuthRequired
	}
	code := NormalizeCode(rawCode)
	if code == "" {
		return CompleteResult{}, fmt.Errorf("%w: code is required", ErrValidation)
	}
	if !validCodeShape(code) {
		s.metrics.LinkCompleted("not_found")
		return CompleteResult{}, ErrCodeNotFound
	}

	l, err := s.store.Links().GetByCode(ctx, code)
	if errors.Is(err, repo.ErrNotFound) {
		s.metrics.LinkCompleted("not_found")
		return CompleteResult{}, ErrCodeNotFound
	}
	if err != nil {
		return CompleteResult{}, storageErr("find link request", err)
	}

	now := s.now()
	if err := s.checkApprovable(ctx, l, now); err != nil {
		return CompleteResult{}, err
	}

	token, err := s.newToken()
	if err != nil {
		return CompleteResult{}, fmt.Errorf("generate device token: %w", err)
	}
	device := model.Device{
		ID:          uuid.New(),
		UserID:      userID,
		Name:        l.DeviceName,
		Platform:    l.Platform,
		AppVersion:  l.AppVersion,
		Fingerprint: l.Fingerprint,
		TokenHash:   HashToken(token),
		LinkedAt:    now,
	}

	approved, err := s.store.Links().Approve(ctx, l.ID, device, token, now)
	if errors.Is(err, repo.ErrConflict) {
		return CompleteResult{}, s.resolveConflict(ctx, l.ID, now)
	}
	if err != nil {
		return CompleteResult{}, storageErr("approve link request", err)
	}

	s.metrics.LinkCompleted("approved")
	s.logger.Info("link request approved",
		"id", approved.ID, "user_id", userID, "device_id", device.ID)
	return CompleteResult{
		LinkRequestID: approved.ID,
		DeviceID:      device.ID,
		DeviceName:    device.Name,
		Platform:      device.Platform,
	}, nil
}

// checkApprovable maps a request that cannot be approved to its error.
// An approved request reports already-used even past its expiry.
func (s *LinkService) checkApprovable(ctx context.Context, l model.LinkRequest, now time.Time) error {
	switch {
	case l.Status == model.LinkStatusApproved:
		s.metrics.LinkCompleted("already_used")
		return ErrCodeAlreadyUsed
	case l.Status == model.LinkStatusExpired:
		s.metrics.LinkCompleted("expired")
		return ErrCodeExpired
	case l.Expired(now):
		s.markExpired(ctx, l.ID)
		s.metrics.LinkCompleted("expired")
		return ErrCodeExpired
	}
	return nil
}

// resolveConflict re-reads a request whose conditional approval matched no row
// and reports why it lost.
func (s *LinkService) resolveConflict(ctx context.Context, id string, now time.Time) error {
	l, err := s.store.Links().GetByID(ctx, id)
	if err != nil {
		return storageErr("reload link request", err)
	}
	if err := s.checkApprovable(ctx, l, now); err != nil {
		return err
	}
	return fmt.Errorf("%w: link request %s changed during approval", ErrStorage, id)
}

func (s *LinkService) markExpired(ctx context.Context, id string) {
	if err := s.store.Links().MarkExpired(ctx, id); err != nil {
		s.logger.Warn("failed to mark link request expired", "id", id, "error", err)
	}
}

// PollResult is what the initiator sees on each poll.
// AccessToken is non-empty on exactly one poll per approved request.
type PollResult struct {
	ID           string
	Status       model.LinkStatus
	ExpiresAt    *time.Time
	AccessToken  string
	User         *model.User
	PollInterval time.Duration
}

// PollStatus reports the state of a link request and hands the device token
// to the first poller after approval.
func (s *LinkService) PollStatus(ctx context.Context, id string) (PollResult, error) {
	if !strings.HasPrefix(id, model.LinkIDPrefix) || len(id) == len(model.LinkIDPrefix) {
		return PollResult{}, ErrInvalidID
	}

	l, err := s.store.Links().GetByID(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return PollResult{}, ErrNotFound
	}
	if err != nil {
		return PollResult{}, storageErr("find link request", err)
	}

	result := PollResult{ID: l.ID, Status: l.Status, PollInterval: s.pollInterval}
	switch l.Status {
	case model.LinkStatusPending:
		if l.Expired(s.now()) {
			s.markExpired(ctx, l.ID)
			result.Status = model.LinkStatusExpired
			break
		}
		expiresAt := l.ExpiresAt
		result.ExpiresAt = &expiresAt
	case model.LinkStatusApproved:
		if l.PendingToken != nil && l.UserID != nil {
			if err := s.claim(ctx, l, &result); err != nil {
				return PollResult{}, err
			}
		}
	}

	s.metrics.Polled(string(result.Status))
	return result, nil
}

// claim loads the approving user before taking the token so a failed lookup
// leaves the token in place for the next poll.
func (s *LinkService) claim(ctx context.Context, l model.LinkRequest, result *PollResult) error {
	user, err := s.store.Users().GetByID(ctx, *l.UserID)
	if err != nil {
		return storageErr("load approving user", err)
	}

	token, err := s.store.Links().ClaimToken(ctx, l.ID, s.now())
	if errors.Is(err, repo.ErrAlreadyClaimed) {
		return nil
	}
	if err != nil {
		return storageErr("claim device token", err)
	}

	s.metrics.TokenDelivered()
	s.logger.Info("device token delivered", "id", l.ID, "user_id", user.ID)
	result.AccessToken = token
	result.User = &user
	return nil
}

// AuthenticateDevice resolves a presented device token to its device and
// records the contact.
func (s *LinkService) AuthenticateDevice(ctx context.Context, token string) (model.Device, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return model.Device{}, ErrDeviceTokenInvalid
	}
	hash := HashToken(token)
	d, err := s.store.Devices().GetByTokenHash(ctx, hash)
	if errors.Is(err, repo.ErrNotFound) {
		return model.Device{}, ErrDeviceTokenInvalid
	}
	if err != nil {
		return model.Device{}, storageErr("find device", err)
	}
	if !VerifyToken(token, d.TokenHash) {
		return model.Device{}, ErrDeviceTokenInvalid
	}

	now := s.now()
	if err := s.store.Devices().TouchLastSeen(ctx, d.ID, now); err != nil {
		s.logger.Warn("failed to update device last_seen_at", "device_id", d.ID, "error", err)
	} else {
		d.LastSeenAt = &now
	}
	return d, nil
}

// ListDevices returns the devices linked to userID, newest first
func (s *LinkService) ListDevices(ctx context.Context, userID string) ([]model.Device, error) {
	if userID == "" {
		return nil, ErrAuthRequired
	}
	devices, err := s.store.Devices().ListByUser(ctx, userID)
	if err != nil {
		return nil, storageErr("list devices", err)
	}
	return devices, nil
}
