// Package sweep runs the periodic maintenance of the economy: expiring stale duels and claim
// windows on a fast tick, and collecting the daily tax.
package sweep

import (
	"context"
	"time"

	"github.com/axekz/coinyx/pkg/claim"
	"github.com/axekz/coinyx/pkg/duel"
	"github.com/axekz/coinyx/pkg/ledger"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	fastTimeout  = 25 * time.Second
	dailyTimeout = 5 * time.Minute
)

// Duels is the duel table as seen by the sweep.
type Duels interface {
	Sweep(ctx context.Context, now time.Time) []*duel.Session
}

// Claims is the claim table as seen by the sweep.
type Claims interface {
	ExpireDue(ctx context.Context, now time.Time) []claim.Payout
}

// Taxer collects the daily tax.
type Taxer interface {
	DailyTax(ctx context.Context, now time.Time) (ledger.TaxRun, error)
}

// Result summarizes one fast tick.
type Result struct {
	Duels  []*duel.Session
	Claims []claim.Payout
}

// Sweeper drives the sweeps. Now defaults to time.Now.
type Sweeper struct {
	Logger *zap.Logger
	Duels  Duels
	Claims Claims
	Taxer  Taxer
	Now    func() time.Time

	Cron      *cron.Cron
	FastSpec  string
	DailySpec string
}

// New creates a Sweeper. Any of duels, claims or taxer may be nil to skip that sweep.
func New(logger *zap.Logger, duels Duels, claims Claims, taxer Taxer) *Sweeper {
	return &Sweeper{
		Logger: logger.With(zap.String("component", "sweep")),
		Duels:  duels,
		Claims: claims,
		Taxer:  taxer,
		Now:    time.Now,
	}
}

// Fast expires every duel and claim window older than its TTL.
func (s *Sweeper) Fast(ctx context.Context, now time.Time) Result {
	var res Result
	if s.Duels != nil {
		res.Duels = s.Duels.Sweep(ctx, now)
	}
	if s.Claims != nil {
		res.Claims = s.Claims.ExpireDue(ctx, now)
	}
	if len(res.Duels) > 0 || len(res.Claims) > 0 {
		s.Logger.Debug("Sweep expired entries",
			zap.Int("duels", len(res.Duels)),
			zap.Int("claims", len(res.Claims)))
	}
	return res
}

// Daily collects the daily tax.
func (s *Sweeper) Daily(ctx context.Context, now time.Time) (ledger.TaxRun, error) {
	if s.Taxer == nil {
		return ledger.TaxRun{}, nil
	}
	run, err := s.Taxer.DailyTax(ctx, now)
	if err != nil {
		s.Logger.Error("Daily tax failed", zap.Error(err))
		return ledger.TaxRun{}, err
	}
	s.Logger.Info("Daily tax collected",
		zap.Int("accounts", run.Accounts),
		zap.Int64("total", run.Total))
	return run, nil
}

// SetupScheduler registers both sweeps on a cron with seconds enabled. Each run is bounded.
func (s *Sweeper) SetupScheduler(ctx context.Context, logger cron.Logger, fastSpec, dailySpec string) error {
	// Seconds field, optional
	s.Cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	s.FastSpec, s.DailySpec = fastSpec, dailySpec

	if _, err := s.Cron.AddFunc(fastSpec, func() {
		rctx, cancel := context.WithTimeout(ctx, fastTimeout)
		defer cancel()
		s.Fast(rctx, s.Now())
	}); err != nil {
		return err
	}

	if _, err := s.Cron.AddFunc(dailySpec, func() {
		rctx, cancel := context.WithTimeout(ctx, dailyTimeout)
		defer cancel()
		_, _ = s.Daily(rctx, s.Now())
	}); err != nil {
		return err
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Sweeper) Start() {
	s.Cron.Start()
	s.Logger.Info("Sweeper started", zap.String("fastSpec", s.FastSpec), zap.String("dailySpec", s.DailySpec))
}

// Stop waits for running sweeps to finish.
func (s *Sweeper) Stop() {
	if s.Cron != nil {
		<-s.Cron.Stop().Done()
	}
}
