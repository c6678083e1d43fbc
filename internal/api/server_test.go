package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/api"
	"github.com/atmx/settlement-engine/internal/asset"
	"github.com/atmx/settlement-engine/internal/auth"
	"github.com/atmx/settlement-engine/internal/binary"
	"github.com/atmx/settlement-engine/internal/book"
	"github.com/atmx/settlement-engine/internal/clock"
	"github.com/atmx/settlement-engine/internal/copytrade"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/market"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/p2p"
	"github.com/atmx/settlement-engine/internal/staking"
	"github.com/atmx/settlement-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type traders map[string]model.TraderProfile

func (t traders) Trader(_ context.Context, id string) (model.TraderProfile, error) {
	if p, ok := t[id]; ok {
		return p, nil
	}
	return model.TraderProfile{}, fmt.Errorf("trader %s: %w", id, model.ErrNotFound)
}

func (t traders) Traders(context.Context) ([]model.TraderProfile, error) {
	return []model.TraderProfile{t["t1"]}, nil
}

type testEnv struct {
	handler http.Handler
	ledger  *ledger.Ledger
	oracle  *market.StaticOracle
	clock   *clock.Virtual
}

// newTestEnv wires every engine over an in-memory store in dev-auth mode.
func newTestEnv(t *testing.T, limiter *api.RateLimiter) *testEnv {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewVirtual(time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC))

	ms := store.NewMemoryStore()
	if err := ms.SaveOffer(ctx, &model.P2POffer{
		ID: "buy-usdt", Type: model.OrderBuy, Asset: "USDT", FiatCurrency: "USD",
		Price: d(1.25), LimitMin: d(50), LimitMax: d(5000), Merchant: "m1",
	}); err != nil {
		t.Fatalf("seed offer: %v", err)
	}
	if err := ms.SavePlan(ctx, &model.FixedTermPlan{
		ID: "usdt-30", Name: "USDT 30d", Asset: "USDT", APYPercent: d(12), DurationDays: 30,
		MinAmount: d(10), PoolTotal: d(10000), PoolFilled: decimal.Zero,
	}); err != nil {
		t.Fatalf("seed plan: %v", err)
	}

	b := book.New(ms, nil)
	l := ledger.New(b, asset.NewRegistry(), clk, nil, nil)
	oracle := market.NewStaticOracle()
	oracle.Push("BTC/USDT", clk.Now(), d(100))

	srv := api.NewServer(api.Deps{
		Ledger:  l,
		Binary:  binary.NewEngine(b, l, oracle, nil, clk, binary.DefaultConfig(), nil, nil),
		P2P:     p2p.NewEngine(b, l, ms, p2p.NewPool(map[string]decimal.Decimal{"USDT": d(10000)}), clk, 0, nil, nil),
		Staking: staking.NewEngine(b, l, ms, clk, nil, nil),
		Copy:    copytrade.NewEngine(b, l, traders{"t1": {ID: "t1", Name: "Trader One"}}, clk, "USD", nil, nil),
		Oracle:  oracle,
		Clock:   clk,
		Auth:    auth.New("", nil),
		Limiter: limiter,
	})
	return &testEnv{handler: srv.Router(), ledger: l, oracle: oracle, clock: clk}
}

func (e *testEnv) do(t *testing.T, method, path, account string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if account != "" {
		req.Header.Set(auth.HeaderAccountID, account)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
}

func (e *testEnv) deposit(t *testing.T, account, sym string, amount float64) {
	t.Helper()
	if _, err := e.ledger.Deposit(context.Background(), account, sym, d(amount), "test"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func (e *testEnv) balance(t *testing.T, account string, pocket model.Pocket, sym string) decimal.Decimal {
	t.Helper()
	bals, err := e.ledger.Balances(context.Background(), account)
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	for _, b := range bals {
		if b.Pocket == pocket && b.Asset == sym {
			return b.Amount
		}
	}
	return decimal.Zero
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestUnauthenticated(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodGet, "/api/v1/balances", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestDepositAndBalances(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/v1/deposits", "alice",
		map[string]string{"asset": "USD", "amount": "250.50", "source": "card"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var txn model.Transaction
	decodeBody(t, w, &txn)
	if txn.Type != model.TxnDeposit || txn.Pocket != model.PocketFiat {
		t.Errorf("unexpected txn %+v", txn)
	}

	w = env.do(t, http.MethodGet, "/api/v1/balances", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		AccountID string          `json:"account_id"`
		Balances  []model.Balance `json:"balances"`
	}
	decodeBody(t, w, &resp)
	if resp.AccountID != "alice" || len(resp.Balances) != 1 || !resp.Balances[0].Amount.Equal(d(250.5)) {
		t.Errorf("unexpected balances %+v", resp)
	}
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t, nil)
	env.deposit(t, "alice", "USD", 100)

	cases := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"bad body", http.MethodPost, "/api/v1/deposits", "not-an-object", http.StatusBadRequest},
		{"negative amount", http.MethodPost, "/api/v1/deposits", map[string]string{"asset": "USD", "amount": "-1"}, http.StatusBadRequest},
		{"overdraft", http.MethodPost, "/api/v1/withdrawals", map[string]string{"asset": "USD", "amount": "500"}, http.StatusUnprocessableEntity},
		{"unknown offer", http.MethodPost, "/api/v1/p2p/orders", map[string]string{"offer_id": "nope", "fiat_amount": "100"}, http.StatusNotFound},
		{"unknown copy position", http.MethodDelete, "/api/v1/copy/positions/missing", nil, http.StatusNotFound},
		{"bad pocket filter", http.MethodGet, "/api/v1/transactions?pocket=SAVINGS", nil, http.StatusBadRequest},
		{"bad timeframe", http.MethodGet, "/api/v1/prices/BTC-USDT/history?timeframe=2y", nil, http.StatusBadRequest},
		{"unknown symbol", http.MethodGet, "/api/v1/prices/NOPE-USDT", nil, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(t, tc.method, tc.path, "alice", tc.body)
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
			var body map[string]string
			decodeBody(t, w, &body)
			if body["error"] == "" {
				t.Error("expected an error message")
			}
		})
	}
}

func TestPriceUnavailable(t *testing.T) {
	env := newTestEnv(t, nil)
	env.oracle.Fail("ETH/USDT", market.ErrPriceUnavailable)

	w := env.do(t, http.MethodGet, "/api/v1/prices/ETH-USDT", "alice", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPocketTransferAndHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	env.deposit(t, "alice", "USDT", 300)

	w := env.do(t, http.MethodPost, "/api/v1/pocket-transfers", "alice",
		map[string]string{"from": "crypto", "to": "invest", "asset": "USDT", "amount": "120"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if got := env.balance(t, "alice", model.PocketInvest, "USDT"); !got.Equal(d(120)) {
		t.Errorf("INVEST USDT = %s, want 120", got)
	}

	w = env.do(t, http.MethodGet, "/api/v1/transactions?pocket=INVEST", "alice", nil)
	var txns []model.Transaction
	decodeBody(t, w, &txns)
	if len(txns) != 1 || txns[0].CounterPocket != model.PocketInvest {
		t.Errorf("unexpected history %+v", txns)
	}
}

func TestTransferBetweenAccounts(t *testing.T) {
	env := newTestEnv(t, nil)
	env.deposit(t, "alice", "USD", 100)

	w := env.do(t, http.MethodPost, "/api/v1/transfers", "alice",
		map[string]string{"to_account": "bob", "asset": "USD", "amount": "40"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if got := env.balance(t, "bob", model.PocketFiat, "USD"); !got.Equal(d(40)) {
		t.Errorf("bob USD = %s, want 40", got)
	}
}

func TestTransferRejectsBlankRecipient(t *testing.T) {
	env := newTestEnv(t, nil)
	env.deposit(t, "alice", "USD", 100)

	for _, body := range []map[string]string{
		{"asset": "USD", "amount": "40"},
		{"to_account": "  ", "asset": "USD", "amount": "40"},
	} {
		w := env.do(t, http.MethodPost, "/api/v1/transfers", "alice", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("to_account %q: expected 400, got %d: %s", body["to_account"], w.Code, w.Body.String())
		}
	}
	if got := env.balance(t, "alice", model.PocketFiat, "USD"); !got.Equal(d(100)) {
		t.Errorf("alice USD = %s, want 100", got)
	}
	if got := env.balance(t, "", model.PocketFiat, "USD"); !got.IsZero() {
		t.Errorf("blank account credited %s", got)
	}
}

func TestBinaryLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	env.deposit(t, "alice", "USD", 1000)

	w := env.do(t, http.MethodPost, "/api/v1/binary/positions", "alice", map[string]interface{}{
		"asset": "BTC/USDT", "amount": "100", "direction": "call", "duration_seconds": 60,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var pos model.BinaryPosition
	decodeBody(t, w, &pos)
	if pos.Status != model.BinaryActive || !pos.StrikePrice.Equal(d(100)) {
		t.Errorf("unexpected position %+v", pos)
	}

	w = env.do(t, http.MethodPost, "/api/v1/binary/pending", "alice", map[string]interface{}{
		"asset": "BTC/USDT", "amount": "50", "direction": "PUT", "duration_seconds": 60, "target_price": "120",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var pending model.BinaryPosition
	decodeBody(t, w, &pending)

	w = env.do(t, http.MethodGet, "/api/v1/binary/pending", "alice", nil)
	var list []model.BinaryPosition
	decodeBody(t, w, &list)
	if len(list) != 1 || list[0].ID != pending.ID {
		t.Fatalf("unexpected pending list %+v", list)
	}

	w = env.do(t, http.MethodDelete, "/api/v1/binary/pending/"+pending.ID, "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := env.balance(t, "alice", model.PocketFiat, "USD"); !got.Equal(d(900)) {
		t.Errorf("USD = %s, want 900 after refund", got)
	}

	// Cancelling an active position is a transition error.
	w = env.do(t, http.MethodDelete, "/api/v1/binary/pending/"+pos.ID, "alice", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
}

func TestP2PFlow(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodGet, "/api/v1/p2p/offers", "alice", nil)
	var offers []model.P2POffer
	decodeBody(t, w, &offers)
	if len(offers) != 1 {
		t.Fatalf("expected 1 offer, got %d", len(offers))
	}

	w = env.do(t, http.MethodPost, "/api/v1/p2p/orders", "alice",
		map[string]string{"offer_id": "buy-usdt", "fiat_amount": "125"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var order model.P2POrder
	decodeBody(t, w, &order)

	w = env.do(t, http.MethodPost, "/api/v1/p2p/orders/"+order.ID+"/messages", "alice",
		map[string]string{"message": "sent via bank"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	// Releasing straight from CREATED is not allowed.
	w = env.do(t, http.MethodPut, "/api/v1/p2p/orders/"+order.ID+"/status", "alice", map[string]string{"status": "RELEASED"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}

	for _, status := range []string{"paid", "RELEASED"} {
		w = env.do(t, http.MethodPut, "/api/v1/p2p/orders/"+order.ID+"/status", "alice", map[string]string{"status": status})
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", status, w.Code, w.Body.String())
		}
	}
	if got := env.balance(t, "alice", model.PocketCrypto, "USDT"); !got.Equal(d(100)) {
		t.Errorf("USDT = %s, want 100", got)
	}

	w = env.do(t, http.MethodGet, "/api/v1/p2p/orders", "alice", nil)
	var orders []model.P2POrder
	decodeBody(t, w, &orders)
	if len(orders) != 1 || orders[0].Status != model.OrderReleased || len(orders[0].ChatHistory) != 1 {
		t.Errorf("unexpected orders %+v", orders)
	}
}

func TestP2PCancelViaStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodPost, "/api/v1/p2p/orders", "alice",
		map[string]string{"offer_id": "buy-usdt", "fiat_amount": "100"})
	var order model.P2POrder
	decodeBody(t, w, &order)

	w = env.do(t, http.MethodPut, "/api/v1/p2p/orders/"+order.ID+"/status", "alice", map[string]string{"status": "CANCELLED"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	decodeBody(t, w, &order)
	if order.Status != model.OrderCancelled {
		t.Errorf("status = %s, want CANCELLED", order.Status)
	}
}

func TestP2PDisputeCancelledViaStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodPost, "/api/v1/p2p/orders", "alice",
		map[string]string{"offer_id": "buy-usdt", "fiat_amount": "100"})
	var order model.P2POrder
	decodeBody(t, w, &order)

	path := "/api/v1/p2p/orders/" + order.ID + "/status"
	for _, status := range []string{"PAID", "DISPUTE", "CANCELLED"} {
		w = env.do(t, http.MethodPut, path, "alice", map[string]string{"status": status})
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", status, w.Code, w.Body.String())
		}
	}
	decodeBody(t, w, &order)
	if order.Status != model.OrderCancelled {
		t.Errorf("status = %s, want CANCELLED", order.Status)
	}
	if got := env.balance(t, "alice", model.PocketCrypto, "USDT"); !got.IsZero() {
		t.Errorf("cancelled dispute credited %s USDT", got)
	}

	w = env.do(t, http.MethodPut, path, "alice", map[string]string{"status": "RELEASED"})
	if w.Code != http.StatusConflict {
		t.Errorf("release after cancel: expected 409, got %d", w.Code)
	}
}

func TestP2PCancelOrderEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodPost, "/api/v1/p2p/orders", "alice",
		map[string]string{"offer_id": "buy-usdt", "fiat_amount": "100"})
	var order model.P2POrder
	decodeBody(t, w, &order)

	w = env.do(t, http.MethodPut, "/api/v1/p2p/orders/"+order.ID+"/status", "alice", map[string]string{"status": "PAID"})
	if w.Code != http.StatusOK {
		t.Fatalf("paid: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = env.do(t, http.MethodDelete, "/api/v1/p2p/orders/"+order.ID, "alice", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("cancel after payment: expected 409, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodPost, "/api/v1/p2p/orders", "alice",
		map[string]string{"offer_id": "buy-usdt", "fiat_amount": "100"})
	decodeBody(t, w, &order)
	w = env.do(t, http.MethodDelete, "/api/v1/p2p/orders/"+order.ID, "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	decodeBody(t, w, &order)
	if order.Status != model.OrderCancelled {
		t.Errorf("status = %s, want CANCELLED", order.Status)
	}
}

func TestStakingInvestAndView(t *testing.T) {
	env := newTestEnv(t, nil)
	env.deposit(t, "alice", "USDT", 1000)
	if _, err := env.ledger.MoveBetweenPockets(context.Background(), "alice",
		model.PocketCrypto, model.PocketInvest, "USDT", d(1000)); err != nil {
		t.Fatalf("move: %v", err)
	}

	w := env.do(t, http.MethodPost, "/api/v1/staking/investments", "alice",
		map[string]string{"plan_id": "usdt-30", "amount": "365", "asset": "USDT"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	env.clock.Advance(24 * time.Hour)
	w = env.do(t, http.MethodGet, "/api/v1/staking/investments", "alice", nil)
	var views []struct {
		model.FixedInvestment
		AccruedInterest decimal.Decimal `json:"accrued_interest"`
	}
	decodeBody(t, w, &views)
	if len(views) != 1 {
		t.Fatalf("expected 1 investment, got %d", len(views))
	}
	// 365 * 12% / 365 for one day.
	if !views[0].AccruedInterest.Equal(d(0.12)) {
		t.Errorf("accrued = %s, want 0.12", views[0].AccruedInterest)
	}
}

func TestCopyOpenAndClose(t *testing.T) {
	env := newTestEnv(t, nil)
	env.deposit(t, "alice", "USD", 500)

	w := env.do(t, http.MethodGet, "/api/v1/copy/traders", "alice", nil)
	var profiles []model.TraderProfile
	decodeBody(t, w, &profiles)
	if len(profiles) != 1 || profiles[0].ID != "t1" {
		t.Fatalf("unexpected traders %+v", profiles)
	}

	w = env.do(t, http.MethodPost, "/api/v1/copy/positions", "alice", map[string]string{
		"trader_id": "t1", "amount": "200", "mode": "proportional", "stop_loss_percent": "10",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var p model.CopyPosition
	decodeBody(t, w, &p)
	if !p.StopLossPercent.Equal(d(10)) || p.Mode != model.CopyProportional {
		t.Errorf("unexpected position %+v", p)
	}

	w = env.do(t, http.MethodDelete, "/api/v1/copy/positions/"+p.ID, "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := env.balance(t, "alice", model.PocketFiat, "USD"); !got.Equal(d(500)) {
		t.Errorf("USD = %s, want 500", got)
	}
}

func TestPrices(t *testing.T) {
	env := newTestEnv(t, nil)
	env.clock.Advance(time.Minute)
	env.oracle.Push("BTC/USDT", env.clock.Now(), d(104))

	w := env.do(t, http.MethodGet, "/api/v1/prices/btc-usdt", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var cur struct {
		Symbol string          `json:"symbol"`
		Price  decimal.Decimal `json:"price"`
	}
	decodeBody(t, w, &cur)
	if cur.Symbol != "BTC/USDT" || !cur.Price.Equal(d(104)) {
		t.Errorf("unexpected price %+v", cur)
	}

	w = env.do(t, http.MethodGet, "/api/v1/prices/BTC-USDT/history", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var hist struct {
		Timeframe string             `json:"timeframe"`
		Points    []model.PricePoint `json:"points"`
	}
	decodeBody(t, w, &hist)
	if hist.Timeframe != "1h" || len(hist.Points) != 2 {
		t.Errorf("unexpected history %+v", hist)
	}
}

func TestRateLimit_CommandsOnly(t *testing.T) {
	env := newTestEnv(t, api.NewRateLimiter(1, 2))

	for i := 0; i < 2; i++ {
		w := env.do(t, http.MethodPost, "/api/v1/deposits", "alice", map[string]string{"asset": "USD", "amount": "1"})
		if w.Code != http.StatusCreated {
			t.Fatalf("deposit %d: expected 201, got %d", i, w.Code)
		}
	}
	w := env.do(t, http.MethodPost, "/api/v1/deposits", "alice", map[string]string{"asset": "USD", "amount": "1"})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}

	// Another account has its own bucket; reads are never throttled.
	w = env.do(t, http.MethodPost, "/api/v1/deposits", "bob", map[string]string{"asset": "USD", "amount": "1"})
	if w.Code != http.StatusCreated {
		t.Errorf("bob: expected 201, got %d", w.Code)
	}
	for i := 0; i < 5; i++ {
		if w := env.do(t, http.MethodGet, "/api/v1/balances", "alice", nil); w.Code != http.StatusOK {
			t.Fatalf("read %d: expected 200, got %d", i, w.Code)
		}
	}
}
