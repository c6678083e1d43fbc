package p2p

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/asset"
	"github.com/atmx/settlement-engine/internal/book"
	"github.com/atmx/settlement-engine/internal/clock"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

type fixture struct {
	engine *Engine
	ledger *ledger.Ledger
	pool   *Pool
	clock  *clock.Virtual
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewVirtual(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC))
	ms := store.NewMemoryStore()
	require.NoError(t, ms.SaveOffer(ctx, &model.P2POffer{
		ID: "buy-usdt", Type: model.OrderBuy, Asset: "USDT", FiatCurrency: "USD",
		Price: d(1.25), LimitMin: d(50), LimitMax: d(5000), Merchant: "m1",
	}))
	require.NoError(t, ms.SaveOffer(ctx, &model.P2POffer{
		ID: "sell-btc", Type: model.OrderSell, Asset: "BTC", FiatCurrency: "USD",
		Price: d(40000), LimitMin: d(100), LimitMax: d(100000), Merchant: "m2",
	}))

	b := book.New(ms, nil)
	l := ledger.New(b, asset.NewRegistry(), clk, nil, nil)
	pool := NewPool(map[string]decimal.Decimal{"USDT": d(1000)})
	return &fixture{
		engine: NewEngine(b, l, ms, pool, clk, 0, nil, nil),
		ledger: l,
		pool:   pool,
		clock:  clk,
	}
}

func (f *fixture) crypto(t *testing.T, sym string) decimal.Decimal {
	t.Helper()
	bals, err := f.ledger.Balances(context.Background(), "alice")
	require.NoError(t, err)
	for _, b := range bals {
		if b.Pocket == model.PocketCrypto && b.Asset == sym {
			return b.Amount
		}
	}
	return decimal.Zero
}

func (f *fixture) status(t *testing.T, orderID string) model.OrderStatus {
	t.Helper()
	orders, err := f.engine.Orders(context.Background(), "alice")
	require.NoError(t, err)
	for _, o := range orders {
		if o.ID == orderID {
			return o.Status
		}
	}
	t.Fatalf("order %s not found", orderID)
	return ""
}

func TestCreateOrder(t *testing.T) {
	f := newFixture(t)
	o, err := f.engine.CreateOrder(context.Background(), "alice", "buy-usdt", d(100))
	require.NoError(t, err)

	assert.Equal(t, model.OrderCreated, o.Status)
	assert.Equal(t, model.OrderBuy, o.Type)
	assert.True(t, o.AssetAmount.Equal(d(80)), "100 / 1.25, got %s", o.AssetAmount)
	assert.Equal(t, o.CreatedAt.Add(15*time.Minute), o.PaymentDeadline)

	hist, _ := f.ledger.History(context.Background(), "alice", ledger.Filter{})
	assert.Empty(t, hist, "creating an order must not touch the ledger")
}

func TestCreateOrder_AssetAmountRounded(t *testing.T) {
	f := newFixture(t)
	o, err := f.engine.CreateOrder(context.Background(), "alice", "buy-usdt", d(100.01))
	require.NoError(t, err)
	assert.Equal(t, "80.008", o.AssetAmount.String())
}

func TestCreateOrder_Limits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.CreateOrder(ctx, "alice", "buy-usdt", d(49.99))
	assert.ErrorIs(t, err, ErrLimitExceeded)
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = f.engine.CreateOrder(ctx, "alice", "buy-usdt", d(5000.01))
	assert.ErrorIs(t, err, ErrLimitExceeded)

	_, err = f.engine.CreateOrder(ctx, "alice", "buy-usdt", d(5000))
	assert.NoError(t, err, "upper limit is inclusive")

	_, err = f.engine.CreateOrder(ctx, "alice", "nope", d(100))
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestUpdateStatus_InvalidTransitionLeavesStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, err := f.engine.CreateOrder(ctx, "alice", "buy-usdt", d(100))
	require.NoError(t, err)

	_, err = f.engine.UpdateStatus(ctx, "alice", o.ID, model.OrderReleased)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)
	assert.Equal(t, model.OrderCreated, f.status(t, o.ID))
	assert.True(t, f.pool.Available("USDT").Equal(d(1000)), "pool must not be drawn on a rejected release")
}

func TestBuyFlow_ReleaseCreditsCrypto(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, err := f.engine.CreateOrder(ctx, "alice", "buy-usdt", d(100))
	require.NoError(t, err)

	_, err = f.engine.UpdateStatus(ctx, "alice", o.ID, model.OrderPaid)
	require.NoError(t, err)
	assert.True(t, f.crypto(t, "USDT").IsZero(), "PAID does not move funds")

	got, err := f.engine.UpdateStatus(ctx, "alice", o.ID, model.OrderReleased)
	require.NoError(t, err)
	assert.Equal(t, model.OrderReleased, got.Status)
	assert.True(t, f.crypto(t, "USDT").Equal(d(80)))
	assert.True(t, f.pool.Available("USDT").Equal(d(920)))

	_, err = f.engine.UpdateStatus(ctx, "alice", o.ID, model.OrderCancelled)
	assert.ErrorIs(t, err, ErrInvalidTransition, "released is terminal")

	hist, _ := f.ledger.History(ctx, "alice", ledger.Filter{Type: model.TxnP2PBuy})
	require.Len(t, hist, 1)
	assert.Equal(t, o.ID, hist[0].Reference)
}

func TestSellFlow_ReleaseDebitsCrypto(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.CreateOrder(ctx, "alice", "sell-btc", d(20000))
	assert.ErrorIs(t, err, model.ErrInsufficientFunds, "seller must hold the asset")

	_, err = f.ledger.Deposit(ctx, "alice", "BTC", d(1), "")
	require.NoError(t, err)
	o, err := f.engine.CreateOrder(ctx, "alice", "sell-btc", d(20000))
	require.NoError(t, err)
	assert.True(t, o.AssetAmount.Equal(d(0.5)))

	_, err = f.engine.UpdateStatus(ctx, "alice", o.ID, model.OrderPaid)
	require.NoError(t, err)
	_, err = f.engine.UpdateStatus(ctx, "alice", o.ID, model.OrderReleased)
	require.NoError(t, err)

	assert.True(t, f.crypto(t, "BTC").Equal(d(0.5)))
	assert.True(t, f.pool.Available("BTC").Equal(d(0.5)))
}

func TestDisputeResolution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, _ := f.engine.CreateOrder(ctx, "alice", "buy-usdt", d(100))
	_, err := f.engine.UpdateStatus(ctx, "alice", o.ID, model.OrderPaid)
	require.NoError(t, err)
	_, err = f.engine.UpdateStatus(ctx, "alice", o.ID, model.OrderDispute)
	require.NoError(t, err)

	_, err = f.engine.UpdateStatus(ctx, "alice", o.ID, model.OrderPaid)
	assert.ErrorIs(t, err, ErrInvalidTransition, "never backwards")

	_, err = f.engine.UpdateStatus(ctx, "alice", o.ID, model.OrderCancelled)
	require.NoError(t, err)
	assert.True(t, f.crypto(t, "USDT").IsZero())
}

func TestReleaseFailsWhenPoolExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, _ := f.engine.CreateOrder(ctx, "alice", "buy-usdt", d(2000)) // 1600 USDT > pool
	_, err := f.engine.UpdateStatus(ctx, "alice", o.ID, model.OrderPaid)
	require.NoError(t, err)

	_, err = f.engine.UpdateStatus(ctx, "alice", o.ID, model.OrderReleased)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.Equal(t, model.OrderPaid, f.status(t, o.ID))
	assert.True(t, f.crypto(t, "USDT").IsZero())
}

func TestPaidAfterDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, _ := f.engine.CreateOrder(ctx, "alice", "buy-usdt", d(100))

	f.clock.Advance(16 * time.Minute)
	_, err := f.engine.UpdateStatus(ctx, "alice", o.ID, model.OrderPaid)
	assert.ErrorIs(t, err, ErrOrderExpired)
	assert.ErrorIs(t, err, model.ErrOrderExpired)
	assert.Equal(t, model.OrderCreated, f.status(t, o.ID))
}

func TestPaidAtDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	early, _ := f.engine.CreateOrder(ctx, "alice", "buy-usdt", d(100))
	late, _ := f.engine.CreateOrder(ctx, "alice", "buy-usdt", d(100))

	f.clock.Advance(15*time.Minute - time.Nanosecond)
	_, err := f.engine.UpdateStatus(ctx, "alice", early.ID, model.OrderPaid)
	require.NoError(t, err)

	f.clock.Advance(time.Nanosecond)
	_, err = f.engine.UpdateStatus(ctx, "alice", late.ID, model.OrderPaid)
	assert.ErrorIs(t, err, ErrOrderExpired, "the deadline instant is already late")
	assert.Equal(t, model.OrderCreated, f.status(t, late.ID))
}

func TestExpireOverdue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stale, _ := f.engine.CreateOrder(ctx, "alice", "buy-usdt", d(100))
	paid, _ := f.engine.CreateOrder(ctx, "alice", "buy-usdt", d(200))
	_, err := f.engine.UpdateStatus(ctx, "alice", paid.ID, model.OrderPaid)
	require.NoError(t, err)

	now := f.clock.Advance(15*time.Minute - time.Second)
	n, err := f.engine.ExpireOverdue(ctx, "alice", now)
	require.NoError(t, err)
	assert.Zero(t, n, "still inside the window")

	now = f.clock.Advance(time.Second)
	n, err = f.engine.ExpireOverdue(ctx, "alice", now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.OrderCancelled, f.status(t, stale.ID))
	assert.Equal(t, model.OrderPaid, f.status(t, paid.ID))

	n, _ = f.engine.ExpireOverdue(ctx, "alice", now)
	assert.Zero(t, n)
}

func TestCancel_OnlyCreated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, _ := f.engine.CreateOrder(ctx, "alice", "buy-usdt", d(100))
	_, err := f.engine.UpdateStatus(ctx, "alice", o.ID, model.OrderPaid)
	require.NoError(t, err)

	_, err = f.engine.Cancel(ctx, "alice", o.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	o2, _ := f.engine.CreateOrder(ctx, "alice", "buy-usdt", d(100))
	got, err := f.engine.Cancel(ctx, "alice", o2.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, got.Status)
}

func TestChat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, _ := f.engine.CreateOrder(ctx, "alice", "buy-usdt", d(100))

	_, err := f.engine.AddChatMessage(ctx, "alice", o.ID, "alice", "sent the transfer")
	require.NoError(t, err)
	_, err = f.engine.AddChatMessage(ctx, "alice", o.ID, "m1", "received")
	require.NoError(t, err)
	_, err = f.engine.AddChatMessage(ctx, "alice", o.ID, "alice", "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	orders, _ := f.engine.Orders(ctx, "alice")
	require.Len(t, orders, 1)
	require.Len(t, orders[0].ChatHistory, 2)
	assert.Equal(t, "m1", orders[0].ChatHistory[1].Sender)
	assert.Equal(t, model.OrderCreated, orders[0].Status, "chat does not affect settlement state")

	_, err = f.engine.Cancel(ctx, "alice", o.ID)
	require.NoError(t, err)
	_, err = f.engine.AddChatMessage(ctx, "alice", o.ID, "alice", "hello?")
	assert.ErrorIs(t, err, ErrOrderClosed)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(model.OrderCreated, model.OrderPaid))
	assert.True(t, CanTransition(model.OrderDispute, model.OrderReleased))
	assert.False(t, CanTransition(model.OrderCreated, model.OrderDispute))
	assert.False(t, CanTransition(model.OrderReleased, model.OrderCancelled))
	assert.False(t, CanTransition(model.OrderCancelled, model.OrderCreated))
}
