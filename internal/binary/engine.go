// Package binary implements timed CALL/PUT contracts and pending trigger
// orders. Stakes are escrowed from the FIAT pocket when a position is
// created; the scheduler settles expired positions against the price oracle.
package binary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/book"
	"github.com/atmx/settlement-engine/internal/clock"
	"github.com/atmx/settlement-engine/internal/exposure"
	"github.com/atmx/settlement-engine/internal/id"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/market"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
)

var (
	ErrInvalidDuration  = fmt.Errorf("binary: duration is not an offered preset: %w", model.ErrValidation)
	ErrInvalidDirection = fmt.Errorf("binary: direction must be CALL or PUT: %w", model.ErrValidation)
	ErrInvalidTarget    = fmt.Errorf("binary: target price must be positive: %w", model.ErrValidation)
	ErrPositionNotFound = fmt.Errorf("binary: position not found: %w", model.ErrNotFound)
	ErrNotCancellable   = fmt.Errorf("binary: only pending orders can be cancelled: %w", model.ErrInvalidStateTransition)
)

// Policy selects what a winning position is credited.
type Policy string

const (
	// PolicyStakePlusProfit returns the escrowed stake with the profit.
	PolicyStakePlusProfit Policy = "stake_plus_profit"
	// PolicyProfitOnly credits the profit alone.
	PolicyProfitOnly Policy = "profit_only"
)

// Config holds the product parameters.
type Config struct {
	PayoutRatio decimal.Decimal
	Durations   []int // allowed durations in seconds
	StakeAsset  string
	Policy      Policy
}

// DefaultConfig returns an 88% payout over the standard duration presets,
// staked in USD.
func DefaultConfig() Config {
	return Config{
		PayoutRatio: decimal.NewFromFloat(0.88),
		Durations:   []int{30, 60, 120, 300, 900, 3600},
		StakeAsset:  "USD",
		Policy:      PolicyStakePlusProfit,
	}
}

// Engine manages binary positions. Safe for concurrent use.
type Engine struct {
	book    *book.Book
	ledger  *ledger.Ledger
	oracle  market.PriceOracle
	limiter *exposure.Limiter
	clock   clock.Clock
	cfg     Config
	events  model.Publisher
	logger  *slog.Logger
}

// NewEngine creates a binary options engine. limiter may be nil.
func NewEngine(b *book.Book, l *ledger.Ledger, oracle market.PriceOracle, limiter *exposure.Limiter,
	clk clock.Clock, cfg Config, events model.Publisher, logger *slog.Logger) *Engine {
	if events == nil {
		events = model.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		book:    b,
		ledger:  l,
		oracle:  oracle,
		limiter: limiter,
		clock:   clk,
		cfg:     cfg,
		events:  events,
		logger:  logger.With("component", "binary"),
	}
}

// Config returns the engine's product parameters.
func (e *Engine) Config() Config { return e.cfg }

// OpenRequest opens a position at the current price.
type OpenRequest struct {
	AccountID       string                `json:"-"`
	Tier            string                `json:"-"`
	Asset           string                `json:"asset"`
	Amount          decimal.Decimal       `json:"amount"`
	Direction       model.BinaryDirection `json:"direction"`
	DurationSeconds int                   `json:"duration_seconds"`
}

// PendingRequest places an order that opens once the price reaches
// TargetPrice.
type PendingRequest struct {
	OpenRequest
	TargetPrice decimal.Decimal `json:"target_price"`
}

// Open escrows the stake and creates an ACTIVE position struck at the
// current price.
func (e *Engine) Open(ctx context.Context, req OpenRequest) (model.BinaryPosition, error) {
	sym, err := e.validate(req)
	if err != nil {
		return model.BinaryPosition{}, err
	}
	quote, err := e.oracle.GetPrice(ctx, sym)
	if err != nil {
		return model.BinaryPosition{}, fmt.Errorf("open %s: %w", sym, err)
	}

	var pos model.BinaryPosition
	var stake model.Transaction
	err = e.book.Update(ctx, req.AccountID, func(st *model.AccountState) error {
		now := e.clock.Now()
		pos = model.BinaryPosition{
			ID:              id.Entity(),
			AccountID:       req.AccountID,
			Asset:           sym,
			Direction:       req.Direction,
			Amount:          req.Amount,
			StrikePrice:     quote.Price,
			DurationSeconds: req.DurationSeconds,
			ExpiryTime:      now.Add(time.Duration(req.DurationSeconds) * time.Second),
			Status:          model.BinaryActive,
			CreatedAt:       now,
		}
		txn, err := e.escrow(st, &pos, req.Tier, now)
		stake = txn
		return err
	})
	if err != nil {
		return model.BinaryPosition{}, err
	}
	ledger.Observe(stake)

	e.logger.Info("position opened",
		"account", pos.AccountID,
		"position", pos.ID,
		"asset", pos.Asset,
		"direction", pos.Direction,
		"amount", pos.Amount.String(),
		"strike", pos.StrikePrice.String(),
		"expiry", pos.ExpiryTime,
	)
	e.publish("binary.opened", pos)
	return pos, nil
}

// PlacePending escrows the stake and creates a PENDING order holding the
// target price. Strike and expiry are set when it triggers.
func (e *Engine) PlacePending(ctx context.Context, req PendingRequest) (model.BinaryPosition, error) {
	sym, err := e.validate(req.OpenRequest)
	if err != nil {
		return model.BinaryPosition{}, err
	}
	if !req.TargetPrice.IsPositive() {
		return model.BinaryPosition{}, ErrInvalidTarget
	}

	var pos model.BinaryPosition
	var stake model.Transaction
	err = e.book.Update(ctx, req.AccountID, func(st *model.AccountState) error {
		now := e.clock.Now()
		pos = model.BinaryPosition{
			ID:              id.Entity(),
			AccountID:       req.AccountID,
			Asset:           sym,
			Direction:       req.Direction,
			Amount:          req.Amount,
			TargetPrice:     req.TargetPrice,
			DurationSeconds: req.DurationSeconds,
			Status:          model.BinaryPending,
			CreatedAt:       now,
		}
		txn, err := e.escrow(st, &pos, req.Tier, now)
		stake = txn
		return err
	})
	if err != nil {
		return model.BinaryPosition{}, err
	}
	ledger.Observe(stake)

	e.logger.Info("pending order placed",
		"account", pos.AccountID,
		"position", pos.ID,
		"asset", pos.Asset,
		"direction", pos.Direction,
		"amount", pos.Amount.String(),
		"target", pos.TargetPrice.String(),
	)
	e.publish("binary.pending", pos)
	return pos, nil
}

// Cancel refunds a PENDING order and moves it to CANCELLED.
func (e *Engine) Cancel(ctx context.Context, accountID, positionID string) (model.BinaryPosition, error) {
	var pos model.BinaryPosition
	var refund model.Transaction
	err := e.book.Update(ctx, accountID, func(st *model.AccountState) error {
		p := st.FindBinary(positionID)
		if p == nil {
			return fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
		}
		if p.Status != model.BinaryPending {
			return fmt.Errorf("%w: %s is %s", ErrNotCancellable, positionID, p.Status)
		}
		now := e.clock.Now()
		var err error
		refund, err = e.ledger.Credit(st, ledger.Posting{
			Pocket:      model.PocketFiat,
			Asset:       e.cfg.StakeAsset,
			Amount:      p.Amount,
			Type:        model.TxnBinaryRefund,
			Reference:   p.ID,
			Description: fmt.Sprintf("Refund cancelled %s %s order", p.Direction, p.Asset),
		}, now)
		if err != nil {
			return err
		}
		p.Status = model.BinaryCancelled
		p.SettledAt = now
		pos = *p
		return nil
	})
	if err != nil {
		return model.BinaryPosition{}, err
	}
	ledger.Observe(refund)

	e.logger.Info("pending order cancelled", "account", accountID, "position", positionID, "refund", pos.Amount.String())
	e.publish("binary.cancelled", pos)
	return pos, nil
}

// Positions returns the account's positions, newest first.
func (e *Engine) Positions(ctx context.Context, accountID string) ([]model.BinaryPosition, error) {
	return e.list(ctx, accountID, func(model.BinaryPosition) bool { return true })
}

// Pending returns the account's untriggered orders, newest first.
func (e *Engine) Pending(ctx context.Context, accountID string) ([]model.BinaryPosition, error) {
	return e.list(ctx, accountID, func(p model.BinaryPosition) bool { return p.Status == model.BinaryPending })
}

// TriggerPending activates every PENDING order of the account whose target
// has been reached: CALL orders when the price is at or below the target,
// PUT orders when it is at or above. It returns how many were triggered.
// Orders on symbols whose price cannot be read are left as they are.
func (e *Engine) TriggerPending(ctx context.Context, accountID string, now time.Time) (int, error) {
	st, err := e.book.View(ctx, accountID)
	if err != nil {
		return 0, err
	}
	due := filter(st.Binary, func(p model.BinaryPosition) bool { return p.Status == model.BinaryPending })
	if len(due) == 0 {
		return 0, nil
	}
	prices, priceErr := e.snapshot(ctx, due)

	var triggered []model.BinaryPosition
	err = e.book.Update(ctx, accountID, func(st *model.AccountState) error {
		triggered = triggered[:0]
		for i := range st.Binary {
			p := &st.Binary[i]
			if p.Status != model.BinaryPending {
				continue
			}
			price, ok := prices[p.Asset]
			if !ok || !reached(p.Direction, price, p.TargetPrice) {
				continue
			}
			p.Status = model.BinaryActive
			p.StrikePrice = p.TargetPrice
			p.ExpiryTime = now.Add(time.Duration(p.DurationSeconds) * time.Second)
			triggered = append(triggered, *p)
		}
		if len(triggered) == 0 {
			return book.ErrNoChange
		}
		return nil
	})
	if err != nil {
		return 0, errors.Join(priceErr, err)
	}

	for _, p := range triggered {
		metrics.BinaryTriggers.Inc()
		e.logger.Info("pending order triggered",
			"account", accountID,
			"position", p.ID,
			"strike", p.StrikePrice.String(),
			"expiry", p.ExpiryTime,
		)
		e.publish("binary.triggered", p)
	}
	return len(triggered), priceErr
}

// SettleExpired settles every ACTIVE position of the account whose expiry
// has passed. Each symbol is priced once and that price decides every
// position on it. CALL wins when the price is above the strike, PUT when
// below; a tie loses. It returns how many positions were settled.
func (e *Engine) SettleExpired(ctx context.Context, accountID string, now time.Time) (int, error) {
	st, err := e.book.View(ctx, accountID)
	if err != nil {
		return 0, err
	}
	expired := func(p model.BinaryPosition) bool {
		return p.Status == model.BinaryActive && !p.ExpiryTime.After(now)
	}
	due := filter(st.Binary, expired)
	if len(due) == 0 {
		return 0, nil
	}
	prices, priceErr := e.snapshot(ctx, due)

	var settled []model.BinaryPosition
	var payouts []model.Transaction
	err = e.book.Update(ctx, accountID, func(st *model.AccountState) error {
		settled, payouts = settled[:0], payouts[:0]
		for i := range st.Binary {
			p := &st.Binary[i]
			if !expired(*p) {
				continue
			}
			price, ok := prices[p.Asset]
			if !ok {
				continue
			}
			txn, err := e.settle(st, p, price, now)
			if err != nil {
				return err
			}
			if txn != nil {
				payouts = append(payouts, *txn)
			}
			settled = append(settled, *p)
		}
		if len(settled) == 0 {
			return book.ErrNoChange
		}
		return nil
	})
	if err != nil {
		return 0, errors.Join(priceErr, err)
	}

	ledger.Observe(payouts...)
	for _, p := range settled {
		metrics.BinarySettlements.WithLabelValues(strings.ToLower(string(p.Status))).Inc()
		e.logger.Info("position settled",
			"account", accountID,
			"position", p.ID,
			"status", p.Status,
			"strike", p.StrikePrice.String(),
			"price", p.SettlementPrice.String(),
			"result", p.ResultAmount.String(),
		)
		e.publish("binary.settled", p)
	}
	return len(settled), priceErr
}

// settle decides p at price and credits a win. It returns the payout
// transaction, or nil on a loss.
func (e *Engine) settle(st *model.AccountState, p *model.BinaryPosition, price decimal.Decimal, now time.Time) (*model.Transaction, error) {
	p.SettlementPrice = price
	p.SettledAt = now
	if !wins(p.Direction, p.StrikePrice, price) {
		p.Status = model.BinaryLost
		p.ResultAmount = decimal.Zero
		return nil, nil
	}

	profit := p.Amount.Mul(e.cfg.PayoutRatio)
	credit := profit
	if e.cfg.Policy != PolicyProfitOnly {
		credit = p.Amount.Add(profit)
	}
	p.Status = model.BinaryWon
	p.ResultAmount = profit
	if !credit.IsPositive() {
		return nil, nil
	}
	txn, err := e.ledger.Credit(st, ledger.Posting{
		Pocket:      model.PocketFiat,
		Asset:       e.cfg.StakeAsset,
		Amount:      credit,
		Type:        model.TxnBinaryPayout,
		Reference:   p.ID,
		Description: fmt.Sprintf("%s %s won at %s", p.Direction, p.Asset, price),
	}, now)
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// escrow checks exposure, debits the stake and appends pos to st.
func (e *Engine) escrow(st *model.AccountState, pos *model.BinaryPosition, tier string, now time.Time) (model.Transaction, error) {
	if err := e.limiter.CheckLimit(pos.Asset, pos.Amount, exposure.OpenStakes(st.Binary), tier); err != nil {
		metrics.ExposureRejections.Inc()
		return model.Transaction{}, err
	}
	txn, err := e.ledger.Debit(st, ledger.Posting{
		Pocket:      model.PocketFiat,
		Asset:       e.cfg.StakeAsset,
		Amount:      pos.Amount,
		Type:        model.TxnBinaryStake,
		Reference:   pos.ID,
		Description: fmt.Sprintf("Stake %s %s %ds", pos.Direction, pos.Asset, pos.DurationSeconds),
	}, now)
	if err != nil {
		return model.Transaction{}, err
	}
	st.Binary = append(st.Binary, *pos)
	return txn, nil
}

// validate checks a request and returns the canonical symbol.
func (e *Engine) validate(req OpenRequest) (string, error) {
	if !req.Amount.IsPositive() {
		return "", fmt.Errorf("%w: %s", ledger.ErrInvalidAmount, req.Amount)
	}
	if req.Direction != model.Call && req.Direction != model.Put {
		return "", fmt.Errorf("%w: %q", ErrInvalidDirection, req.Direction)
	}
	if !slices.Contains(e.cfg.Durations, req.DurationSeconds) {
		return "", fmt.Errorf("%w: %ds", ErrInvalidDuration, req.DurationSeconds)
	}
	sym, err := e.ledger.Assets().ValidateTradable(req.Asset)
	if err != nil {
		return "", err
	}
	return sym.String(), nil
}

// snapshot reads one price per distinct symbol. Symbols that fail are
// absent from the map and reported in the joined error.
func (e *Engine) snapshot(ctx context.Context, positions []model.BinaryPosition) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal)
	failed := make(map[string]bool)
	var errs []error
	for _, p := range positions {
		if _, seen := prices[p.Asset]; seen || failed[p.Asset] {
			continue
		}
		q, err := e.oracle.GetPrice(ctx, p.Asset)
		if err != nil {
			e.logger.Warn("price unavailable, deferring", "asset", p.Asset, "error", err)
			errs = append(errs, err)
			failed[p.Asset] = true
			continue
		}
		prices[p.Asset] = q.Price
	}
	return prices, errors.Join(errs...)
}

func (e *Engine) list(ctx context.Context, accountID string, keep func(model.BinaryPosition) bool) ([]model.BinaryPosition, error) {
	st, err := e.book.View(ctx, accountID)
	if err != nil {
		return nil, err
	}
	out := filter(st.Binary, keep)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (e *Engine) publish(kind string, p model.BinaryPosition) {
	amount := p.Amount
	if p.Status == model.BinaryWon {
		amount = p.ResultAmount
	}
	e.events.Publish(model.Event{
		Type:      kind,
		AccountID: p.AccountID,
		EntityID:  p.ID,
		Status:    string(p.Status),
		Asset:     p.Asset,
		Amount:    amount.String(),
		At:        e.clock.Now(),
	})
}

// reached reports whether a pending order's target has been hit.
func reached(dir model.BinaryDirection, price, target decimal.Decimal) bool {
	if dir == model.Call {
		return price.LessThanOrEqual(target)
	}
	return price.GreaterThanOrEqual(target)
}

// wins reports whether a position struck at strike wins at price.
func wins(dir model.BinaryDirection, strike, price decimal.Decimal) bool {
	if dir == model.Call {
		return price.GreaterThan(strike)
	}
	return price.LessThan(strike)
}

func filter(ps []model.BinaryPosition, keep func(model.BinaryPosition) bool) []model.BinaryPosition {
	out := make([]model.BinaryPosition, 0, len(ps))
	for _, p := range ps {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}
