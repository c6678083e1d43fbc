// Package copytrade implements follower positions that mirror a trader's
// realized performance, with optional stop-loss and take-profit exits.
package copytrade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/book"
	"github.com/atmx/settlement-engine/internal/clock"
	"github.com/atmx/settlement-engine/internal/id"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
)

var (
	ErrUnknownTrader    = fmt.Errorf("copytrade: unknown trader: %w", model.ErrNotFound)
	ErrPositionNotFound = fmt.Errorf("copytrade: position not found: %w", model.ErrNotFound)
	ErrPositionClosed   = fmt.Errorf("copytrade: position already closed: %w", model.ErrInvalidStateTransition)
	ErrInvalidMode      = fmt.Errorf("copytrade: mode must be PROPORTIONAL or FIXED_AMOUNT: %w", model.ErrValidation)
	ErrInvalidThreshold = fmt.Errorf("copytrade: invalid stop-loss or take-profit: %w", model.ErrValidation)
)

// valueScale bounds the precision carried in CurrentValue between ticks.
const valueScale = 8

var hundred = decimal.NewFromInt(100)

// TraderCatalog is the read-only directory of copyable traders. Trader
// returns an error wrapping model.ErrNotFound for unknown IDs.
type TraderCatalog interface {
	Trader(ctx context.Context, traderID string) (model.TraderProfile, error)
	Traders(ctx context.Context) ([]model.TraderProfile, error)
}

// Settings are the follower's choices for a new position. A zero
// stop-loss or take-profit disables that exit.
type Settings struct {
	Mode              model.CopyMode  `json:"mode"`
	StopLossPercent   decimal.Decimal `json:"stop_loss_percent"`
	TakeProfitPercent decimal.Decimal `json:"take_profit_percent"`
}

// Engine manages copy positions. Safe for concurrent use.
type Engine struct {
	book       *book.Book
	ledger     *ledger.Ledger
	catalog    TraderCatalog
	clock      clock.Clock
	stakeAsset string
	events     model.Publisher
	logger     *slog.Logger
}

// NewEngine creates a copy trading engine funding positions from the FIAT
// pocket in stakeAsset.
func NewEngine(b *book.Book, l *ledger.Ledger, catalog TraderCatalog, clk clock.Clock, stakeAsset string,
	events model.Publisher, logger *slog.Logger) *Engine {
	if events == nil {
		events = model.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		book:       b,
		ledger:     l,
		catalog:    catalog,
		clock:      clk,
		stakeAsset: stakeAsset,
		events:     events,
		logger:     logger.With("component", "copytrade"),
	}
}

// Traders lists the copyable traders.
func (e *Engine) Traders(ctx context.Context) ([]model.TraderProfile, error) {
	return e.catalog.Traders(ctx)
}

// Copy allocates amount to a new OPEN position following traderID.
func (e *Engine) Copy(ctx context.Context, accountID, traderID string, amount decimal.Decimal, s Settings) (model.CopyPosition, error) {
	if !amount.IsPositive() {
		return model.CopyPosition{}, fmt.Errorf("%w: %s", ledger.ErrInvalidAmount, amount)
	}
	if s.Mode == "" {
		s.Mode = model.CopyProportional
	}
	if s.Mode != model.CopyProportional && s.Mode != model.CopyFixedAmount {
		return model.CopyPosition{}, fmt.Errorf("%w: %q", ErrInvalidMode, s.Mode)
	}
	if s.StopLossPercent.IsNegative() || s.StopLossPercent.GreaterThanOrEqual(hundred) || s.TakeProfitPercent.IsNegative() {
		return model.CopyPosition{}, fmt.Errorf("%w: stop-loss %s%%, take-profit %s%%",
			ErrInvalidThreshold, s.StopLossPercent, s.TakeProfitPercent)
	}
	trader, err := e.catalog.Trader(ctx, traderID)
	if errors.Is(err, model.ErrNotFound) {
		return model.CopyPosition{}, fmt.Errorf("%w: %s", ErrUnknownTrader, traderID)
	}
	if err != nil {
		return model.CopyPosition{}, fmt.Errorf("get trader %s: %w", traderID, err)
	}

	var pos model.CopyPosition
	var alloc model.Transaction
	err = e.book.Update(ctx, accountID, func(st *model.AccountState) error {
		now := e.clock.Now()
		pos = model.CopyPosition{
			ID:                id.Entity(),
			AccountID:         accountID,
			TraderRef:         trader.ID,
			AllocatedAmount:   amount,
			CurrentValue:      amount,
			Mode:              s.Mode,
			StopLossPercent:   s.StopLossPercent,
			TakeProfitPercent: s.TakeProfitPercent,
			Status:            model.CopyOpen,
			OpenedAt:          now,
			LastValuedAt:      now,
		}
		var err error
		alloc, err = e.ledger.Debit(st, ledger.Posting{
			Pocket:       model.PocketFiat,
			Asset:        e.stakeAsset,
			Amount:       amount,
			Type:         model.TxnCopyAllocation,
			Reference:    pos.ID,
			Counterparty: trader.ID,
			Description:  fmt.Sprintf("Copy %s (%s)", trader.Name, s.Mode),
		}, now)
		if err != nil {
			return err
		}
		st.Copies = append(st.Copies, pos)
		return nil
	})
	if err != nil {
		return model.CopyPosition{}, err
	}
	ledger.Observe(alloc)

	e.logger.Info("copy position opened",
		"account", accountID,
		"position", pos.ID,
		"trader", trader.ID,
		"mode", pos.Mode,
		"amount", amount.String(),
	)
	e.publish("copy.opened", pos)
	return pos, nil
}

// Close closes an OPEN position and credits its current value to FIAT.
func (e *Engine) Close(ctx context.Context, accountID, positionID string) (model.CopyPosition, error) {
	var pos model.CopyPosition
	var posted []model.Transaction
	err := e.book.Update(ctx, accountID, func(st *model.AccountState) error {
		p := st.FindCopy(positionID)
		if p == nil {
			return fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
		}
		if p.Status != model.CopyOpen {
			return fmt.Errorf("%w: %s", ErrPositionClosed, positionID)
		}
		txn, err := e.close(st, p, model.CloseManual, e.clock.Now())
		if err != nil {
			return err
		}
		posted = append(posted[:0], txn...)
		pos = *p
		return nil
	})
	if err != nil {
		return model.CopyPosition{}, err
	}
	e.closed(pos, posted)
	return pos, nil
}

// Positions returns the account's positions, newest first.
func (e *Engine) Positions(ctx context.Context, accountID string) ([]model.CopyPosition, error) {
	st, err := e.book.View(ctx, accountID)
	if err != nil {
		return nil, err
	}
	out := st.Copies
	if out == nil {
		out = []model.CopyPosition{}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	return out, nil
}

// FollowedTraders returns, sorted, the traders with at least one OPEN
// position across all accounts.
func (e *Engine) FollowedTraders(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	for _, accountID := range e.book.AccountsWith(book.Filter{Kind: book.KindCopy, Status: string(model.CopyOpen)}) {
		st, err := e.book.View(ctx, accountID)
		if err != nil {
			return nil, err
		}
		for _, c := range st.Copies {
			if c.Status == model.CopyOpen {
				seen[c.TraderRef] = struct{}{}
			}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Revalue applies the latest performance samples to the account's OPEN
// positions, then closes any that crossed their stop-loss or take-profit.
// A sample is applied to a position only if it is newer than the position's
// last valuation. It returns how many positions were revalued.
func (e *Engine) Revalue(ctx context.Context, accountID string, samples map[string]model.TraderPerformance, now time.Time) (int, error) {
	var valued int
	var closed []model.CopyPosition
	var posted []model.Transaction
	err := e.book.Update(ctx, accountID, func(st *model.AccountState) error {
		valued, closed, posted = 0, closed[:0], posted[:0]
		for i := range st.Copies {
			p := &st.Copies[i]
			if p.Status != model.CopyOpen {
				continue
			}
			s, ok := samples[p.TraderRef]
			if !ok || !s.At.After(p.LastValuedAt) {
				continue
			}
			p.CurrentValue = Apply(p.Mode, p.CurrentValue, s)
			p.LastValuedAt = s.At
			valued++

			reason, hit := Exit(*p)
			if !hit {
				continue
			}
			txn, err := e.close(st, p, reason, now)
			if err != nil {
				return err
			}
			posted = append(posted, txn...)
			closed = append(closed, *p)
		}
		if valued == 0 {
			return book.ErrNoChange
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, p := range closed {
		e.closed(p, nil)
	}
	ledger.Observe(posted...)
	return valued, nil
}

// Apply returns value after one performance sample. PROPORTIONAL positions
// scale by the trader's return ratio; FIXED_AMOUNT positions add the
// trader's absolute P&L. Value never goes below zero.
func Apply(mode model.CopyMode, value decimal.Decimal, s model.TraderPerformance) decimal.Decimal {
	var next decimal.Decimal
	if mode == model.CopyFixedAmount {
		next = value.Add(s.TradePnL)
	} else {
		next = value.Mul(decimal.NewFromInt(1).Add(s.ReturnRatio))
	}
	if next.IsNegative() {
		return decimal.Zero
	}
	return next.Round(valueScale)
}

// Exit reports whether p has reached its stop-loss or take-profit level.
func Exit(p model.CopyPosition) (model.CloseReason, bool) {
	one := decimal.NewFromInt(1)
	if p.StopLossPercent.IsPositive() {
		floor := p.AllocatedAmount.Mul(one.Sub(p.StopLossPercent.Div(hundred)))
		if p.CurrentValue.LessThanOrEqual(floor) {
			return model.CloseStopLoss, true
		}
	}
	if p.TakeProfitPercent.IsPositive() {
		ceiling := p.AllocatedAmount.Mul(one.Add(p.TakeProfitPercent.Div(hundred)))
		if p.CurrentValue.GreaterThanOrEqual(ceiling) {
			return model.CloseTakeProfit, true
		}
	}
	return "", false
}

// close credits p's current value and marks it CLOSED. A position worth
// less than the smallest unit of the stake asset closes without a credit.
func (e *Engine) close(st *model.AccountState, p *model.CopyPosition, reason model.CloseReason, now time.Time) ([]model.Transaction, error) {
	var posted []model.Transaction
	scale := int32(2)
	if a, err := e.ledger.Assets().Lookup(e.stakeAsset); err == nil {
		scale = a.Scale
	}
	if credit := p.CurrentValue.Truncate(scale); credit.IsPositive() {
		txn, err := e.ledger.Credit(st, ledger.Posting{
			Pocket:       model.PocketFiat,
			Asset:        e.stakeAsset,
			Amount:       credit,
			Type:         model.TxnCopyClose,
			Reference:    p.ID,
			Counterparty: p.TraderRef,
			Description:  fmt.Sprintf("Close copy of %s (%s)", p.TraderRef, strings.ToLower(string(reason))),
		}, now)
		if err != nil {
			return nil, err
		}
		posted = append(posted, txn)
	}
	p.Status = model.CopyClosed
	p.CloseReason = reason
	p.ClosedAt = now
	return posted, nil
}

func (e *Engine) closed(p model.CopyPosition, posted []model.Transaction) {
	ledger.Observe(posted...)
	metrics.CopyClosures.WithLabelValues(strings.ToLower(string(p.CloseReason))).Inc()
	e.logger.Info("copy position closed",
		"account", p.AccountID,
		"position", p.ID,
		"reason", p.CloseReason,
		"allocated", p.AllocatedAmount.String(),
		"value", p.CurrentValue.String(),
	)
	e.publish("copy.closed", p)
}

func (e *Engine) publish(kind string, p model.CopyPosition) {
	e.events.Publish(model.Event{
		Type:      kind,
		AccountID: p.AccountID,
		EntityID:  p.ID,
		Status:    string(p.Status),
		Asset:     e.stakeAsset,
		Amount:    p.CurrentValue.String(),
		At:        e.clock.Now(),
	})
}
