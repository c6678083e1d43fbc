package binary

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/asset"
	"github.com/atmx/settlement-engine/internal/book"
	"github.com/atmx/settlement-engine/internal/clock"
	"github.com/atmx/settlement-engine/internal/exposure"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/market"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

const sym = "BTC/USDT"

type fixture struct {
	engine *Engine
	ledger *ledger.Ledger
	oracle *market.StaticOracle
	clock  *clock.Virtual
}

func newFixture(t *testing.T, cfg Config, limiter *exposure.Limiter) *fixture {
	t.Helper()
	clk := clock.NewVirtual(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	b := book.New(store.NewMemoryStore(), nil)
	l := ledger.New(b, asset.NewRegistry(), clk, nil, nil)
	oracle := market.NewStaticOracle()
	oracle.Push(sym, clk.Now(), d(100))

	_, err := l.Deposit(context.Background(), "alice", "USD", d(1000), "")
	require.NoError(t, err)

	return &fixture{
		engine: NewEngine(b, l, oracle, limiter, clk, cfg, nil, nil),
		ledger: l,
		oracle: oracle,
		clock:  clk,
	}
}

func (f *fixture) usd(t *testing.T) decimal.Decimal {
	t.Helper()
	bals, err := f.ledger.Balances(context.Background(), "alice")
	require.NoError(t, err)
	for _, b := range bals {
		if b.Pocket == model.PocketFiat && b.Asset == "USD" {
			return b.Amount
		}
	}
	return decimal.Zero
}

func (f *fixture) open(t *testing.T, dir model.BinaryDirection) model.BinaryPosition {
	t.Helper()
	pos, err := f.engine.Open(context.Background(), OpenRequest{
		AccountID: "alice", Asset: sym, Amount: d(100), Direction: dir, DurationSeconds: 60,
	})
	require.NoError(t, err)
	return pos
}

func (f *fixture) settleAt(t *testing.T, price float64) int {
	t.Helper()
	now := f.clock.Advance(60 * time.Second)
	f.oracle.Push(sym, now, d(price))
	n, err := f.engine.SettleExpired(context.Background(), "alice", now)
	require.NoError(t, err)
	return n
}

func (f *fixture) position(t *testing.T, id string) model.BinaryPosition {
	t.Helper()
	all, err := f.engine.Positions(context.Background(), "alice")
	require.NoError(t, err)
	for _, p := range all {
		if p.ID == id {
			return p
		}
	}
	t.Fatalf("position %s not found", id)
	return model.BinaryPosition{}
}

func TestOpen_EscrowsStake(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)

	pos := f.open(t, model.Call)
	assert.Equal(t, model.BinaryActive, pos.Status)
	assert.True(t, pos.StrikePrice.Equal(d(100)))
	assert.True(t, pos.ExpiryTime.After(pos.CreatedAt))
	assert.Equal(t, pos.CreatedAt.Add(time.Minute), pos.ExpiryTime)
	assert.True(t, f.usd(t).Equal(d(900)), "stake escrowed at open, got %s", f.usd(t))

	hist, _ := f.ledger.History(context.Background(), "alice", ledger.Filter{Type: model.TxnBinaryStake})
	require.Len(t, hist, 1)
	assert.Equal(t, pos.ID, hist[0].Reference)
}

func TestSettle_CallWins(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	pos := f.open(t, model.Call)

	assert.Equal(t, 1, f.settleAt(t, 105))

	got := f.position(t, pos.ID)
	assert.Equal(t, model.BinaryWon, got.Status)
	assert.True(t, got.ResultAmount.Equal(d(88)), "result %s", got.ResultAmount)
	assert.True(t, got.SettlementPrice.Equal(d(105)))
	assert.True(t, f.usd(t).Equal(d(1088)), "900 + 188, got %s", f.usd(t))
}

func TestSettle_CallLoses(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	pos := f.open(t, model.Call)

	f.settleAt(t, 95)

	got := f.position(t, pos.ID)
	assert.Equal(t, model.BinaryLost, got.Status)
	assert.True(t, got.ResultAmount.IsZero())
	assert.True(t, f.usd(t).Equal(d(900)))
}

func TestSettle_TieIsLoss(t *testing.T) {
	for _, dir := range []model.BinaryDirection{model.Call, model.Put} {
		t.Run(string(dir), func(t *testing.T) {
			f := newFixture(t, DefaultConfig(), nil)
			pos := f.open(t, dir)
			f.settleAt(t, 100)
			assert.Equal(t, model.BinaryLost, f.position(t, pos.ID).Status)
			assert.True(t, f.usd(t).Equal(d(900)))
		})
	}
}

func TestSettle_PutWinsBelowStrike(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	pos := f.open(t, model.Put)
	f.settleAt(t, 99.5)
	assert.Equal(t, model.BinaryWon, f.position(t, pos.ID).Status)
}

func TestSettle_ProfitOnlyPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy = PolicyProfitOnly
	f := newFixture(t, cfg, nil)
	f.open(t, model.Call)

	f.settleAt(t, 105)
	assert.True(t, f.usd(t).Equal(d(988)), "900 + 88, got %s", f.usd(t))
}

func TestSettle_NotBeforeExpiry(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	pos := f.open(t, model.Call)

	now := f.clock.Advance(59 * time.Second)
	n, err := f.engine.SettleExpired(context.Background(), "alice", now)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, model.BinaryActive, f.position(t, pos.ID).Status)
}

func TestSettle_NeverReprocessed(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	f.open(t, model.Call)
	f.settleAt(t, 105)
	balance := f.usd(t)

	assert.Zero(t, f.settleAt(t, 50))
	assert.True(t, f.usd(t).Equal(balance))

	hist, _ := f.ledger.History(context.Background(), "alice", ledger.Filter{Type: model.TxnBinaryPayout})
	assert.Len(t, hist, 1)
}

func TestSettle_OracleFailureDefers(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	pos := f.open(t, model.Call)

	now := f.clock.Advance(2 * time.Minute)
	f.oracle.Fail(sym, errors.New("feed down"))
	n, err := f.engine.SettleExpired(context.Background(), "alice", now)
	assert.ErrorIs(t, err, market.ErrPriceUnavailable)
	assert.Zero(t, n)
	assert.Equal(t, model.BinaryActive, f.position(t, pos.ID).Status)

	f.oracle.Fail(sym, nil)
	f.oracle.Push(sym, now, d(101))
	n, err = f.engine.SettleExpired(context.Background(), "alice", now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.BinaryWon, f.position(t, pos.ID).Status)
}

func TestPending_TriggersOnCrossing(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	pos, err := f.engine.PlacePending(ctx, PendingRequest{
		OpenRequest: OpenRequest{AccountID: "alice", Asset: "btcusdt", Amount: d(100), Direction: model.Call, DurationSeconds: 60},
		TargetPrice: d(90),
	})
	require.NoError(t, err)
	assert.Equal(t, model.BinaryPending, pos.Status)
	assert.Equal(t, sym, pos.Asset)
	assert.True(t, pos.ExpiryTime.IsZero())
	assert.True(t, f.usd(t).Equal(d(900)), "stake escrowed at placement")

	pending, _ := f.engine.Pending(ctx, "alice")
	assert.Len(t, pending, 1)

	now := f.clock.Advance(10 * time.Second)
	f.oracle.Push(sym, now, d(95))
	n, err := f.engine.TriggerPending(ctx, "alice", now)
	require.NoError(t, err)
	assert.Zero(t, n)

	now = f.clock.Advance(10 * time.Second)
	f.oracle.Push(sym, now, d(90))
	n, err = f.engine.TriggerPending(ctx, "alice", now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := f.position(t, pos.ID)
	assert.Equal(t, model.BinaryActive, got.Status)
	assert.True(t, got.StrikePrice.Equal(d(90)))
	assert.Equal(t, now.Add(time.Minute), got.ExpiryTime)

	pending, _ = f.engine.Pending(ctx, "alice")
	assert.Empty(t, pending)
}

func TestPending_PutTriggersFromAbove(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	_, err := f.engine.PlacePending(ctx, PendingRequest{
		OpenRequest: OpenRequest{AccountID: "alice", Asset: sym, Amount: d(50), Direction: model.Put, DurationSeconds: 30},
		TargetPrice: d(110),
	})
	require.NoError(t, err)

	now := f.clock.Advance(time.Second)
	f.oracle.Push(sym, now, d(111))
	n, err := f.engine.TriggerPending(ctx, "alice", now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCancel_RefundsPendingOnly(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	pos, err := f.engine.PlacePending(ctx, PendingRequest{
		OpenRequest: OpenRequest{AccountID: "alice", Asset: sym, Amount: d(100), Direction: model.Call, DurationSeconds: 60},
		TargetPrice: d(90),
	})
	require.NoError(t, err)

	got, err := f.engine.Cancel(ctx, "alice", pos.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BinaryCancelled, got.Status)
	assert.True(t, f.usd(t).Equal(d(1000)))

	_, err = f.engine.Cancel(ctx, "alice", pos.ID)
	assert.ErrorIs(t, err, ErrNotCancellable)
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)

	active := f.open(t, model.Call)
	_, err = f.engine.Cancel(ctx, "alice", active.ID)
	assert.ErrorIs(t, err, ErrNotCancellable)

	_, err = f.engine.Cancel(ctx, "alice", "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestOpen_Rejections(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()
	base := OpenRequest{AccountID: "alice", Asset: sym, Amount: d(100), Direction: model.Call, DurationSeconds: 60}

	req := base
	req.DurationSeconds = 45
	_, err := f.engine.Open(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidDuration)

	req = base
	req.Amount = d(5000)
	_, err = f.engine.Open(ctx, req)
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)

	req = base
	req.Asset = "DOGE/USDT"
	_, err = f.engine.Open(ctx, req)
	assert.ErrorIs(t, err, asset.ErrUnknownAsset)

	req = base
	req.Direction = "UP"
	_, err = f.engine.Open(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidDirection)

	req = base
	req.Amount = decimal.Zero
	_, err = f.engine.Open(ctx, req)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	assert.True(t, f.usd(t).Equal(d(1000)), "rejections must not move funds")
	all, _ := f.engine.Positions(ctx, "alice")
	assert.Empty(t, all)
}

func TestOpen_ExposureLimit(t *testing.T) {
	limiter := exposure.NewLimiter(d(150), decimal.Zero)
	f := newFixture(t, DefaultConfig(), limiter)
	f.open(t, model.Call)

	_, err := f.engine.Open(context.Background(), OpenRequest{
		AccountID: "alice", Asset: sym, Amount: d(100), Direction: model.Put, DurationSeconds: 60,
	})
	assert.ErrorIs(t, err, model.ErrCapacityExceeded)
	assert.True(t, f.usd(t).Equal(d(900)))

	limiter.TierMultipliers["pro"] = d(2)
	_, err = f.engine.Open(context.Background(), OpenRequest{
		AccountID: "alice", Tier: "pro", Asset: sym, Amount: d(100), Direction: model.Put, DurationSeconds: 60,
	})
	assert.NoError(t, err)
}
