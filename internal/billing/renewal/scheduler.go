// Package renewal runs the periodic sweep that renews active subscriptions
// whose renewal time has passed.
package renewal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/credits/internal/billing/model"
	"github.com/dukerupert/credits/internal/metrics"
)

// Renewer lists due accounts and renews one of them. RenewDue must re-check
// that the account is still due at write time and report false if not.
type Renewer interface {
	ListDue(ctx context.Context) ([]model.Account, error)
	RenewDue(ctx context.Context, accountID int64) (bool, error)
}

// Report summarises one sweep.
type Report struct {
	Due     int `json:"due"`
	Renewed int `json:"renewed"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

type Config struct {
	Schedule    string
	Location    *time.Location
	Concurrency int
}

// Scheduler runs Sweep on a cron schedule. Overlapping runs are skipped.
type Scheduler struct {
	mu      sync.Mutex
	renewer Renewer
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
	cron    *cron.Cron
	cancel  context.CancelFunc
}

func NewScheduler(r Renewer, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		renewer: r,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
}

// Start registers the sweep with cron and begins running it in the
// background. It returns an error for an invalid schedule.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return fmt.Errorf("renewal scheduler already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	c := cron.New(
		cron.WithLocation(s.cfg.Location),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("renewal sweep", "error", err)
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("schedule %q: %w", s.cfg.Schedule, err)
	}

	c.Start()
	s.cron = c
	s.cancel = cancel
	s.logger.Info("renewal scheduler started", "schedule", s.cfg.Schedule, "location", s.cfg.Location.String())
	return nil
}

// Stop cancels any running sweep and waits for it to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	s.logger.Info("renewal scheduler stopped")
}

// Sweep renews every due account. Accounts are processed independently:
// one failing does not stop or undo the others, and it stays due for the
// next sweep. The error is non-nil only when the due set cannot be listed.
func (s *Scheduler) Sweep(ctx context.Context) (Report, error) {
	started := time.Now()

	due, err := s.renewer.ListDue(ctx)
	if err != nil {
		s.metrics.SweepFinished(time.Since(started), 0, 0, 0, time.Now())
		return Report{}, fmt.Errorf("list due accounts: %w", err)
	}

	var renewed, skipped, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)

	for _, acct := range due {
		g.Go(func() error {
			ok, err := s.renewer.RenewDue(ctx, acct.ID)
			switch {
			case err != nil:
				failed.Add(1)
				s.logger.Error("renew account", "account_id", acct.ID, "email", acct.Email, "error", err)
			case ok:
				renewed.Add(1)
				s.logger.Info("account renewed", "account_id", acct.ID, "email", acct.Email)
			default:
				skipped.Add(1)
				s.logger.Debug("account no longer due", "account_id", acct.ID)
			}
			return nil
		})
	}
	_ = g.Wait()

	r := Report{
		Due:     len(due),
		Renewed: int(renewed.Load()),
		Skipped: int(skipped.Load()),
		Failed:  int(failed.Load()),
	}
	s.metrics.SweepFinished(time.Since(started), r.Renewed, r.Skipped, r.Failed, time.Now())
	if r.Due > 0 {
		s.logger.Info("renewal sweep finished",
			"due", r.Due,
			"renewed", r.Renewed,
			"skipped", r.Skipped,
			"failed", r.Failed,
			"duration", time.Since(started),
		)
	}
	return r, nil
}
