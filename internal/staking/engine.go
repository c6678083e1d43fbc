// Package staking implements fixed-term investments: principal locked into
// a plan's bounded pool, accruing simple interest until maturity.
package staking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/book"
	"github.com/atmx/settlement-engine/internal/clock"
	"github.com/atmx/settlement-engine/internal/id"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

var (
	ErrBelowMinimum         = fmt.Errorf("staking: amount below plan minimum: %w", model.ErrValidation)
	ErrAssetMismatch        = fmt.Errorf("staking: plan does not accept this asset: %w", model.ErrValidation)
	ErrPoolCapacityExceeded = fmt.Errorf("staking: plan pool capacity exceeded: %w", model.ErrCapacityExceeded)
	ErrPlanNotFound         = fmt.Errorf("staking: plan not found: %w", model.ErrNotFound)
)

var (
	secondsPerDay = decimal.NewFromInt(86400)
	daysPerYear   = decimal.NewFromInt(365)
	hundred       = decimal.NewFromInt(100)
)

// Engine manages fixed-term investments. Safe for concurrent use.
type Engine struct {
	book   *book.Book
	ledger *ledger.Ledger
	plans  store.Store
	clock  clock.Clock
	events model.Publisher
	logger *slog.Logger

	mu sync.Mutex // serializes pool reservations across all plans
}

// NewEngine creates a staking engine reading plans from st.
func NewEngine(b *book.Book, l *ledger.Ledger, st store.Store, clk clock.Clock, events model.Publisher, logger *slog.Logger) *Engine {
	if events == nil {
		events = model.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		book:   b,
		ledger: l,
		plans:  st,
		clock:  clk,
		events: events,
		logger: logger.With("component", "staking"),
	}
}

// Plans lists the available plans.
func (e *Engine) Plans(ctx context.Context) ([]model.FixedTermPlan, error) {
	return e.plans.ListPlans(ctx)
}

// Invest locks amount of asset from the INVEST pocket into a plan. An empty
// asset means the plan's asset. The plan's pool is reserved first and
// released again if the account cannot be debited.
func (e *Engine) Invest(ctx context.Context, accountID, planID string, amount decimal.Decimal, assetSym string) (model.FixedInvestment, error) {
	if !amount.IsPositive() {
		return model.FixedInvestment{}, fmt.Errorf("%w: %s", ledger.ErrInvalidAmount, amount)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	plan, err := e.plans.GetPlan(ctx, planID)
	if errors.Is(err, store.ErrNotFound) {
		return model.FixedInvestment{}, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}
	if err != nil {
		return model.FixedInvestment{}, fmt.Errorf("get plan %s: %w", planID, err)
	}
	if assetSym == "" {
		assetSym = plan.Asset
	}
	if !strings.EqualFold(assetSym, plan.Asset) {
		return model.FixedInvestment{}, fmt.Errorf("%w: %s accepts %s, got %s", ErrAssetMismatch, plan.ID, plan.Asset, assetSym)
	}
	if amount.LessThan(plan.MinAmount) {
		return model.FixedInvestment{}, fmt.Errorf("%w: %s < %s", ErrBelowMinimum, amount, plan.MinAmount)
	}
	if plan.PoolFilled.Add(amount).GreaterThan(plan.PoolTotal) {
		return model.FixedInvestment{}, fmt.Errorf("%w: %s of %s filled, %s requested",
			ErrPoolCapacityExceeded, plan.PoolFilled, plan.PoolTotal, amount)
	}

	reserved := *plan
	reserved.PoolFilled = plan.PoolFilled.Add(amount)
	if err := e.plans.SavePlan(ctx, &reserved); err != nil {
		return model.FixedInvestment{}, fmt.Errorf("reserve plan %s: %w", plan.ID, err)
	}

	var inv model.FixedInvestment
	var lock model.Transaction
	err = e.book.Update(ctx, accountID, func(st *model.AccountState) error {
		now := e.clock.Now()
		inv = model.FixedInvestment{
			ID:           id.Entity(),
			AccountID:    accountID,
			PlanRef:      plan.ID,
			Amount:       amount,
			Asset:        plan.Asset,
			APYPercent:   plan.APYPercent,
			DurationDays: plan.DurationDays,
			StartDate:    now,
			MaturityDate: now.AddDate(0, 0, plan.DurationDays),
			Status:       model.InvestmentActive,
		}
		var err error
		lock, err = e.ledger.Debit(st, ledger.Posting{
			Pocket:      model.PocketInvest,
			Asset:       plan.Asset,
			Amount:      amount,
			Type:        model.TxnStakingLock,
			Reference:   inv.ID,
			Description: fmt.Sprintf("Lock in %s (%s%% APY, %dd)", plan.Name, plan.APYPercent, plan.DurationDays),
		}, now)
		if err != nil {
			return err
		}
		st.Investments = append(st.Investments, inv)
		return nil
	})
	if err != nil {
		if rerr := e.plans.SavePlan(ctx, plan); rerr != nil {
			e.logger.Error("pool reservation not released", "plan", plan.ID, "amount", amount.String(), "error", rerr)
		}
		return model.FixedInvestment{}, err
	}
	ledger.Observe(lock)

	e.logger.Info("investment created",
		"account", accountID,
		"investment", inv.ID,
		"plan", plan.ID,
		"amount", amount.String(),
		"maturity", inv.MaturityDate,
	)
	e.publish("staking.invested", inv, inv.Amount)
	return inv, nil
}

// AccruedInterest returns simple interest earned by inv at the given time:
// amount * apy/100 * elapsedDays/365, with elapsed days measured to the
// second and clamped to [0, durationDays].
func AccruedInterest(inv model.FixedInvestment, at time.Time) decimal.Decimal {
	elapsed := decimal.NewFromInt(int64(at.Sub(inv.StartDate) / time.Second)).Div(secondsPerDay)
	if elapsed.IsNegative() {
		elapsed = decimal.Zero
	}
	if term := decimal.NewFromInt(int64(inv.DurationDays)); elapsed.GreaterThan(term) {
		elapsed = term
	}
	return inv.Amount.Mul(inv.APYPercent).Div(hundred).Mul(elapsed).Div(daysPerYear)
}

// Investments returns the account's investments, newest first.
func (e *Engine) Investments(ctx context.Context, accountID string) ([]model.FixedInvestment, error) {
	st, err := e.book.View(ctx, accountID)
	if err != nil {
		return nil, err
	}
	out := st.Investments
	if out == nil {
		out = []model.FixedInvestment{}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartDate.After(out[j].StartDate) })
	return out, nil
}

// MatureDue pays out every investment of the account that has reached its
// maturity date: principal plus interest accrued to the maturity date,
// truncated to the asset's scale, credited back to INVEST. Paid investments
// are skipped, so repeated calls credit once.
func (e *Engine) MatureDue(ctx context.Context, accountID string, now time.Time) (int, error) {
	var matured []model.FixedInvestment
	var payouts []model.Transaction
	err := e.book.Update(ctx, accountID, func(st *model.AccountState) error {
		matured, payouts = matured[:0], payouts[:0]
		for i := range st.Investments {
			inv := &st.Investments[i]
			if inv.PaidOut || inv.Status != model.InvestmentActive || now.Before(inv.MaturityDate) {
				continue
			}
			payout := inv.Amount.Add(AccruedInterest(*inv, inv.MaturityDate)).Truncate(e.scale(inv.Asset))
			txn, err := e.ledger.Credit(st, ledger.Posting{
				Pocket:      model.PocketInvest,
				Asset:       inv.Asset,
				Amount:      payout,
				Type:        model.TxnStakingPayout,
				Reference:   inv.ID,
				Description: fmt.Sprintf("Maturity of %s", inv.PlanRef),
			}, now)
			if err != nil {
				return err
			}
			inv.Status = model.InvestmentMatured
			inv.PaidOut = true
			inv.PayoutAmount = payout
			matured = append(matured, *inv)
			payouts = append(payouts, txn)
		}
		if len(matured) == 0 {
			return book.ErrNoChange
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	ledger.Observe(payouts...)
	for _, inv := range matured {
		metrics.Maturities.Inc()
		e.logger.Info("investment matured",
			"account", accountID,
			"investment", inv.ID,
			"payout", inv.PayoutAmount.String(),
		)
		e.publish("staking.matured", inv, inv.PayoutAmount)
	}
	return len(matured), nil
}

func (e *Engine) scale(sym string) int32 {
	if a, err := e.ledger.Assets().Lookup(sym); err == nil {
		return a.Scale
	}
	return 8
}

func (e *Engine) publish(kind string, inv model.FixedInvestment, amount decimal.Decimal) {
	e.events.Publish(model.Event{
		Type:      kind,
		AccountID: inv.AccountID,
		EntityID:  inv.ID,
		Status:    string(inv.Status),
		Asset:     inv.Asset,
		Amount:    amount.String(),
		At:        e.clock.Now(),
	})
}
