package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/devicelink/server/internal/metrics"
	"github.com/devicelink/server/internal/repo"
)

const (
	DefaultSweepInterval    = time.Minute
	DefaultRetention        = 24 * time.Hour
	DefaultTokenClaimWindow = 10 * time.Minute
)

// Sweeper periodically tidies link requests. Every operation already treats
// an overdue request as expired, so a missed sweep changes nothing visible.
type Sweeper struct {
	links       repo.LinkRepo
	interval    time.Duration
	retention   time.Duration
	claimWindow time.Duration
	now         func() time.Time
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// SweeperConfig holds the sweeper timings; zero values take the defaults
type SweeperConfig struct {
	Interval    time.Duration
	Retention   time.Duration
	ClaimWindow time.Duration
	Now         func() time.Time
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// NewSweeper creates a sweeper over links
func NewSweeper(links repo.LinkRepo, cfg SweeperConfig) *Sweeper {
	s := &Sweeper{
		links:       links,
		interval:    cfg.Interval,
		retention:   cfg.Retention,
		claimWindow: cfg.ClaimWindow,
		now:         cfg.Now,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}
	if s.interval <= 0 {
		s.interval = DefaultSweepInterval
	}
	if s.retention <= 0 {
		s.retention = DefaultRetention
	}
	if s.claimWindow <= 0 {
		s.claimWindow = DefaultTokenClaimWindow
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "sweeper")
	return s
}

// SweepResult counts the rows touched by one pass
type SweepResult struct {
	Expired       int64
	TokensCleared int64
	Deleted       int64
}

// Sweep runs one pass. It keeps going after a failed step and returns the
// first error.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	now := s.now()
	var res SweepResult
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	n, err := s.links.ExpirePending(ctx, now)
	keep(err)
	res.Expired = n

	n, err = s.links.ClearUnclaimedTokens(ctx, now.Add(-s.claimWindow))
	keep(err)
	res.TokensCleared = n

	n, err = s.links.DeleteCreatedBefore(ctx, now.Add(-s.retention))
	keep(err)
	res.Deleted = n

	s.metrics.SweeperRows("expired", res.Expired)
	s.metrics.SweeperRows("token_cleared", res.TokensCleared)
	s.metrics.SweeperRows("deleted", res.Deleted)

	if res.Expired+res.TokensCleared+res.Deleted > 0 {
		s.logger.Info("sweep finished",
			"expired", res.Expired, "tokens_cleared", res.TokensCleared, "deleted", res.Deleted)
	}
	return res, firstErr
}

// Run sweeps every interval until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}
