// Package scheduler runs the time-driven settlement duties of every engine
// on a fixed tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atmx/settlement-engine/internal/book"
	"github.com/atmx/settlement-engine/internal/clock"
	"github.com/atmx/settlement-engine/internal/market"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
)

// sampleConcurrency bounds parallel performance feed reads per tick.
const sampleConcurrency = 8

// BinaryDuties activates pending orders and settles expired positions.
type BinaryDuties interface {
	TriggerPending(ctx context.Context, accountID string, now time.Time) (int, error)
	SettleExpired(ctx context.Context, accountID string, now time.Time) (int, error)
}

// P2PDuties cancels orders whose payment window has passed.
type P2PDuties interface {
	ExpireOverdue(ctx context.Context, accountID string, now time.Time) (int, error)
}

// StakingDuties pays out matured investments.
type StakingDuties interface {
	MatureDue(ctx context.Context, accountID string, now time.Time) (int, error)
}

// CopyDuties revalues copy positions from performance samples.
type CopyDuties interface {
	FollowedTraders(ctx context.Context) ([]string, error)
	Revalue(ctx context.Context, accountID string, samples map[string]model.TraderPerformance, now time.Time) (int, error)
}

// Duties groups the engines a tick drives. Nil members are skipped.
type Duties struct {
	Binary  BinaryDuties
	P2P     P2PDuties
	Staking StakingDuties
	Copy    CopyDuties
}

// Report summarizes one tick.
type Report struct {
	At        time.Time     `json:"at"`
	Accounts  int           `json:"accounts"`
	Triggered int           `json:"triggered"`
	Settled   int           `json:"settled"`
	Expired   int           `json:"expired"`
	Matured   int           `json:"matured"`
	Revalued  int           `json:"revalued"`
	Failures  int           `json:"failures"`
	Duration  time.Duration `json:"duration"`
}

// Changed reports whether the tick did any work.
func (r Report) Changed() bool {
	return r.Triggered+r.Settled+r.Expired+r.Matured+r.Revalued > 0
}

// Scheduler evaluates open entities against the clock. Ticks never overlap.
type Scheduler struct {
	book   *book.Book
	duties Duties
	feed   market.PerformanceFeed
	clock  clock.Clock
	logger *slog.Logger

	mu sync.Mutex
}

// New creates a scheduler. feed may be nil when copy trading is disabled.
func New(b *book.Book, duties Duties, feed market.PerformanceFeed, clk clock.Clock, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		book:   b,
		duties: duties,
		feed:   feed,
		clock:  clk,
		logger: logger.With("component", "scheduler"),
	}
}

// openWork selects the accounts that have something a tick could act on.
var openWork = []book.Filter{
	{Kind: book.KindBinary, Status: string(model.BinaryPending)},
	{Kind: book.KindBinary, Status: string(model.BinaryActive)},
	{Kind: book.KindP2P, Status: string(model.OrderCreated)},
	{Kind: book.KindInvestment, Status: string(model.InvestmentActive)},
	{Kind: book.KindCopy, Status: string(model.CopyOpen)},
}

type duty struct {
	name  string
	run   func(ctx context.Context, accountID string, now time.Time) (int, error)
	count *int
}

// Tick runs every duty for every account with open work, in order: pending
// triggers, binary settlement, P2P deadlines, investment maturity and copy
// valuation. A failing duty is logged and counted; the entities it touched
// are picked up again on the next tick.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	rep := Report{At: now}
	duties := s.plan(ctx, &rep)

	accounts := s.book.AccountsWith(openWork...)
	rep.Accounts = len(accounts)
	for _, accountID := range accounts {
		if ctx.Err() != nil {
			break
		}
		for _, d := range duties {
			n, err := d.run(ctx, accountID, now)
			if err != nil {
				rep.Failures++
				metrics.TickFailures.WithLabelValues(d.name).Inc()
				s.logger.Error("tick duty failed", "duty", d.name, "account", accountID, "error", err)
			}
			*d.count += n
		}
	}

	rep.Duration = time.Since(start)
	metrics.TickDuration.Observe(rep.Duration.Seconds())
	if rep.Changed() || rep.Failures > 0 {
		s.logger.Info("tick",
			"at", now,
			"accounts", rep.Accounts,
			"triggered", rep.Triggered,
			"settled", rep.Settled,
			"expired", rep.Expired,
			"matured", rep.Matured,
			"revalued", rep.Revalued,
			"failures", rep.Failures,
			"duration", rep.Duration,
		)
	}
	return rep
}

// Run ticks every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	s.logger.Info("scheduler started", "interval", interval)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-t.C:
			s.Tick(ctx, s.clock.Now())
		}
	}
}

func (s *Scheduler) plan(ctx context.Context, rep *Report) []duty {
	var duties []duty
	if b := s.duties.Binary; b != nil {
		duties = append(duties,
			duty{"binary_trigger", b.TriggerPending, &rep.Triggered},
			duty{"binary_settle", b.SettleExpired, &rep.Settled},
		)
	}
	if p := s.duties.P2P; p != nil {
		duties = append(duties, duty{"p2p_expire", p.ExpireOverdue, &rep.Expired})
	}
	if st := s.duties.Staking; st != nil {
		duties = append(duties, duty{"staking_mature", st.MatureDue, &rep.Matured})
	}
	if c := s.duties.Copy; c != nil && s.feed != nil {
		if samples := s.sample(ctx, rep); len(samples) > 0 {
			duties = append(duties, duty{"copy_revalue", func(ctx context.Context, accountID string, now time.Time) (int, error) {
				return c.Revalue(ctx, accountID, samples, now)
			}, &rep.Revalued})
		}
	}
	return duties
}

// sample reads the latest performance of every followed trader once.
func (s *Scheduler) sample(ctx context.Context, rep *Report) map[string]model.TraderPerformance {
	traders, err := s.duties.Copy.FollowedTraders(ctx)
	if err != nil {
		rep.Failures++
		metrics.TickFailures.WithLabelValues("copy_sample").Inc()
		s.logger.Error("list followed traders", "error", err)
		return nil
	}

	var mu sync.Mutex
	samples := make(map[string]model.TraderPerformance, len(traders))
	var g errgroup.Group
	g.SetLimit(sampleConcurrency)
	for _, traderID := range traders {
		traderID := traderID
		g.Go(func() error {
			p, err := s.feed.Performance(ctx, traderID)
			if errors.Is(err, market.ErrNoPerformance) {
				return nil
			}
			if err != nil {
				metrics.TickFailures.WithLabelValues("copy_sample").Inc()
				return fmt.Errorf("sample trader %s: %w", traderID, err)
			}
			mu.Lock()
			samples[traderID] = p
			mu.Unlock()
			return nil
		})
	}
	// Wait reports the first failure; the other traders are still sampled.
	if err := g.Wait(); err != nil {
		rep.Failures++
		s.logger.Warn("performance sampling incomplete",
			"sampled", len(samples), "traders", len(traders), "error", err)
	}
	return samples
}
