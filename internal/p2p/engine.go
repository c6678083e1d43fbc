// Package p2p implements escrowed peer-to-peer orders against merchant
// offers. Orders move forward along a fixed transition graph; only the
// release of an order touches the ledger.
package p2p

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
	"github.com/atmx/settlement-engine/internal/id"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

var (
	ErrLimitExceeded     = fmt.Errorf("p2p: amount outside offer limits: %w", model.ErrValidation)
	ErrEmptyMessage      = fmt.Errorf("p2p: empty chat message: %w", model.ErrValidation)
	ErrOfferNotFound     = fmt.Errorf("p2p: offer not found: %w", model.ErrNotFound)
	ErrOrderNotFound     = fmt.Errorf("p2p: order not found: %w", model.ErrNotFound)
	ErrInvalidTransition = fmt.Errorf("p2p: %w", model.ErrInvalidStateTransition)
	ErrOrderClosed       = fmt.Errorf("p2p: order is closed: %w", model.ErrInvalidStateTransition)
	ErrOrderExpired      = fmt.Errorf("p2p: payment window has closed: %w", model.ErrOrderExpired)
)

// DefaultPaymentWindow is how long a buyer has to mark an order PAID.
const DefaultPaymentWindow = 15 * time.Minute

// assetScale is the precision of the computed asset amount.
const assetScale = 8

var transitions = map[model.OrderStatus][]model.OrderStatus{
	model.OrderCreated: {model.OrderPaid, model.OrderCancelled},
	model.OrderPaid:    {model.OrderReleased, model.OrderDispute},
	model.OrderDispute: {model.OrderReleased, model.OrderCancelled},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to model.OrderStatus) bool {
	return slices.Contains(transitions[from], to)
}

// Engine manages P2P orders. Safe for concurrent use.
type Engine struct {
	book   *book.Book
	ledger *ledger.Ledger
	offers store.Store
	pool   LiquidityPool
	clock  clock.Clock
	window time.Duration
	events model.Publisher
	logger *slog.Logger
}

// NewEngine creates a P2P engine. Offers are read from st; released BUY
// orders are filled from pool. A zero window uses DefaultPaymentWindow.
func NewEngine(b *book.Book, l *ledger.Ledger, st store.Store, pool LiquidityPool, clk clock.Clock,
	window time.Duration, events model.Publisher, logger *slog.Logger) *Engine {
	if window <= 0 {
		window = DefaultPaymentWindow
	}
	if events == nil {
		events = model.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		book:   b,
		ledger: l,
		offers: st,
		pool:   pool,
		clock:  clk,
		window: window,
		events: events,
		logger: logger.With("component", "p2p"),
	}
}

// Offers lists the merchant offers orders can be opened against.
func (e *Engine) Offers(ctx context.Context) ([]model.P2POffer, error) {
	return e.offers.ListOffers(ctx)
}

// CreateOrder opens an order against an offer. The asset amount is the fiat
// amount at the offer price, rounded to 8 places. A SELL order requires the
// seller to hold the asset amount in CRYPTO, though nothing moves until
// release.
func (e *Engine) CreateOrder(ctx context.Context, accountID, offerID string, fiatAmount decimal.Decimal) (model.P2POrder, error) {
	offer, err := e.offers.GetOffer(ctx, offerID)
	if errors.Is(err, store.ErrNotFound) {
		return model.P2POrder{}, fmt.Errorf("%w: %s", ErrOfferNotFound, offerID)
	}
	if err != nil {
		return model.P2POrder{}, fmt.Errorf("get offer %s: %w", offerID, err)
	}
	if !fiatAmount.IsPositive() {
		return model.P2POrder{}, fmt.Errorf("%w: %s", ledger.ErrInvalidAmount, fiatAmount)
	}
	if fiatAmount.LessThan(offer.LimitMin) || fiatAmount.GreaterThan(offer.LimitMax) {
		return model.P2POrder{}, fmt.Errorf("%w: %s not in [%s, %s]", ErrLimitExceeded, fiatAmount, offer.LimitMin, offer.LimitMax)
	}
	if !offer.Price.IsPositive() {
		return model.P2POrder{}, fmt.Errorf("offer %s has no price", offerID)
	}

	var order model.P2POrder
	err = e.book.Update(ctx, accountID, func(st *model.AccountState) error {
		now := e.clock.Now()
		order = model.P2POrder{
			ID:              id.Entity(),
			OfferRef:        offer.ID,
			AccountID:       accountID,
			Type:            offer.Type,
			Asset:           offer.Asset,
			FiatCurrency:    offer.FiatCurrency,
			FiatAmount:      fiatAmount,
			AssetAmount:     fiatAmount.DivRound(offer.Price, assetScale),
			Price:           offer.Price,
			Status:          model.OrderCreated,
			CreatedAt:       now,
			PaymentDeadline: now.Add(e.window),
			UpdatedAt:       now,
		}
		if order.Type == model.OrderSell {
			held := st.Account.Balance(model.PocketCrypto, order.Asset)
			if held.LessThan(order.AssetAmount) {
				return fmt.Errorf("%w: CRYPTO %s has %s, order needs %s",
					ledger.ErrInsufficientFunds, order.Asset, held, order.AssetAmount)
			}
		}
		st.P2P = append(st.P2P, order)
		return nil
	})
	if err != nil {
		return model.P2POrder{}, err
	}

	e.logger.Info("order created",
		"account", accountID,
		"order", order.ID,
		"offer", offer.ID,
		"type", order.Type,
		"fiat", order.FiatAmount.String(),
		"asset_amount", order.AssetAmount.String(),
		"deadline", order.PaymentDeadline,
	)
	e.publish(order)
	return order, nil
}

// UpdateStatus moves an order to target along the transition graph. Marking
// an order PAID at or after its deadline fails with ErrOrderExpired. Reaching
// RELEASED settles the order on the ledger.
func (e *Engine) UpdateStatus(ctx context.Context, accountID, orderID string, target model.OrderStatus) (model.P2POrder, error) {
	st, err := e.book.View(ctx, accountID)
	if err != nil {
		return model.P2POrder{}, err
	}
	cur := st.FindOrder(orderID)
	if cur == nil {
		return model.P2POrder{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	// A BUY release is filled from the pool before the ledger commit and
	// returned if the commit fails.
	drawn := false
	if target == model.OrderReleased && cur.Type == model.OrderBuy && CanTransition(cur.Status, target) {
		if err := e.pool.Draw(ctx, cur.Asset, cur.AssetAmount); err != nil {
			return model.P2POrder{}, err
		}
		drawn = true
	}

	var order model.P2POrder
	var posted []model.Transaction
	err = e.book.Update(ctx, accountID, func(st *model.AccountState) error {
		o := st.FindOrder(orderID)
		if o == nil {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		if !CanTransition(o.Status, target) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, target)
		}
		now := e.clock.Now()
		if target == model.OrderPaid && !now.Before(o.PaymentDeadline) {
			return fmt.Errorf("%w: deadline was %s", ErrOrderExpired, o.PaymentDeadline.Format(time.RFC3339))
		}
		if target == model.OrderReleased {
			txn, err := e.release(st, o, now)
			if err != nil {
				return err
			}
			posted = append(posted[:0], txn)
		}
		o.Status = target
		o.UpdatedAt = now
		order = *o
		return nil
	})
	if err != nil {
		if drawn {
			e.pool.Return(ctx, cur.Asset, cur.AssetAmount)
		}
		return model.P2POrder{}, err
	}
	if target == model.OrderReleased && order.Type == model.OrderSell {
		e.pool.Return(ctx, order.Asset, order.AssetAmount)
	}

	ledger.Observe(posted...)
	metrics.P2PTransitions.WithLabelValues(strings.ToLower(string(target))).Inc()
	e.logger.Info("order status updated", "account", accountID, "order", orderID, "status", target)
	e.publish(order)
	return order, nil
}

// Cancel cancels an order the buyer has not yet paid.
func (e *Engine) Cancel(ctx context.Context, accountID, orderID string) (model.P2POrder, error) {
	st, err := e.book.View(ctx, accountID)
	if err != nil {
		return model.P2POrder{}, err
	}
	if o := st.FindOrder(orderID); o != nil && o.Status != model.OrderCreated {
		return model.P2POrder{}, fmt.Errorf("%w: cannot cancel a %s order", ErrInvalidTransition, o.Status)
	}
	return e.UpdateStatus(ctx, accountID, orderID, model.OrderCancelled)
}

// AddChatMessage appends a message to an open order's chat log.
func (e *Engine) AddChatMessage(ctx context.Context, accountID, orderID, sender, message string) (model.ChatMessage, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return model.ChatMessage{}, ErrEmptyMessage
	}
	var msg model.ChatMessage
	err := e.book.Update(ctx, accountID, func(st *model.AccountState) error {
		o := st.FindOrder(orderID)
		if o == nil {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		if o.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrOrderClosed, orderID, o.Status)
		}
		msg = model.ChatMessage{Sender: sender, Message: message, Time: e.clock.Now()}
		o.ChatHistory = append(o.ChatHistory, msg)
		return nil
	})
	if err != nil {
		return model.ChatMessage{}, err
	}
	e.events.Publish(model.Event{Type: "p2p.message", AccountID: accountID, EntityID: orderID, At: msg.Time})
	return msg, nil
}

// Orders returns the account's orders, newest first.
func (e *Engine) Orders(ctx context.Context, accountID string) ([]model.P2POrder, error) {
	st, err := e.book.View(ctx, accountID)
	if err != nil {
		return nil, err
	}
	out := st.P2P
	if out == nil {
		out = []model.P2POrder{}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ExpireOverdue cancels every CREATED order of the account whose payment
// deadline has been reached. It returns how many were cancelled.
func (e *Engine) ExpireOverdue(ctx context.Context, accountID string, now time.Time) (int, error) {
	var expired []model.P2POrder
	err := e.book.Update(ctx, accountID, func(st *model.AccountState) error {
		expired = expired[:0]
		for i := range st.P2P {
			o := &st.P2P[i]
			if o.Status != model.OrderCreated || now.Before(o.PaymentDeadline) {
				continue
			}
			o.Status = model.OrderCancelled
			o.UpdatedAt = now
			expired = append(expired, *o)
		}
		if len(expired) == 0 {
			return book.ErrNoChange
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, o := range expired {
		metrics.P2PTransitions.WithLabelValues("expired").Inc()
		e.logger.Info("order expired", "account", accountID, "order", o.ID, "deadline", o.PaymentDeadline)
		e.publish(o)
	}
	return len(expired), nil
}

// release posts the ledger side of a released order.
func (e *Engine) release(st *model.AccountState, o *model.P2POrder, now time.Time) (model.Transaction, error) {
	if o.Type == model.OrderSell {
		return e.ledger.Debit(st, ledger.Posting{
			Pocket:       model.PocketCrypto,
			Asset:        o.Asset,
			Amount:       o.AssetAmount,
			Type:         model.TxnP2PSell,
			Reference:    o.ID,
			Counterparty: o.OfferRef,
			Description:  fmt.Sprintf("P2P sell %s %s for %s %s", o.AssetAmount, o.Asset, o.FiatAmount, o.FiatCurrency),
		}, now)
	}
	return e.ledger.Credit(st, ledger.Posting{
		Pocket:       model.PocketCrypto,
		Asset:        o.Asset,
		Amount:       o.AssetAmount,
		Type:         model.TxnP2PBuy,
		Reference:    o.ID,
		Counterparty: o.OfferRef,
		Description:  fmt.Sprintf("P2P buy %s %s for %s %s", o.AssetAmount, o.Asset, o.FiatAmount, o.FiatCurrency),
	}, now)
}

func (e *Engine) publish(o model.P2POrder) {
	e.events.Publish(model.Event{
		Type:      "p2p.order",
		AccountID: o.AccountID,
		EntityID:  o.ID,
		Status:    string(o.Status),
		Asset:     o.Asset,
		Amount:    o.AssetAmount.String(),
		At:        o.UpdatedAt,
	})
}
