package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/binary"
	"github.com/atmx/settlement-engine/internal/copytrade"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/market"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/staking"
)

// ── Ledger ──

// GetBalances handles GET /api/v1/balances.
func (s *Server) GetBalances(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	balances, err := s.ledger.Balances(r.Context(), id.AccountID)
	if err != nil {
		s.fail(w, r, "balances", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id": id.AccountID,
		"balances":   balances,
	})
}

// GetTransactions handles GET /api/v1/transactions with optional
// type, direction, asset, pocket, from, to and limit query parameters.
func (s *Server) GetTransactions(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		s.fail(w, r, "transactions", err)
		return
	}
	txns, err := s.ledger.History(r.Context(), identity(r).AccountID, f)
	if err != nil {
		s.fail(w, r, "transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, txns)
}

func parseFilter(r *http.Request) (ledger.Filter, error) {
	q := r.URL.Query()
	f := ledger.Filter{
		Type:      model.TxnType(strings.ToUpper(q.Get("type"))),
		Direction: model.Direction(strings.ToUpper(q.Get("direction"))),
		Asset:     q.Get("asset"),
		Pocket:    model.Pocket(strings.ToUpper(q.Get("pocket"))),
	}
	if f.Pocket != "" && !f.Pocket.Valid() {
		return f, fmt.Errorf("unknown pocket %q: %w", f.Pocket, model.ErrValidation)
	}
	for param, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		if v := q.Get(param); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, fmt.Errorf("%s must be RFC3339: %w", param, model.ErrValidation)
			}
			*dst = t
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("limit must be a non-negative integer: %w", model.ErrValidation)
		}
		f.Limit = n
	}
	return f, nil
}

type depositRequest struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
	Source string          `json:"source"`
}

// Deposit handles POST /api/v1/deposits.
func (s *Server) Deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !decode(w, r, &req) {
		return
	}
	txn, err := s.ledger.Deposit(r.Context(), identity(r).AccountID, req.Asset, req.Amount, req.Source)
	if err != nil {
		s.fail(w, r, "deposit", err)
		return
	}
	writeJSON(w, http.StatusCreated, txn)
}

type withdrawRequest struct {
	Asset       string          `json:"asset"`
	Amount      decimal.Decimal `json:"amount"`
	Destination string          `json:"destination"`
}

// Withdraw handles POST /api/v1/withdrawals.
func (s *Server) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if !decode(w, r, &req) {
		return
	}
	txn, err := s.ledger.Withdraw(r.Context(), identity(r).AccountID, req.Asset, req.Amount, req.Destination)
	if err != nil {
		s.fail(w, r, "withdraw", err)
		return
	}
	writeJSON(w, http.StatusCreated, txn)
}

type pocketTransferRequest struct {
	From   model.Pocket    `json:"from"`
	To     model.Pocket    `json:"to"`
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// MoveBetweenPockets handles POST /api/v1/pocket-transfers.
func (s *Server) MoveBetweenPockets(w http.ResponseWriter, r *http.Request) {
	var req pocketTransferRequest
	if !decode(w, r, &req) {
		return
	}
	from := model.Pocket(strings.ToUpper(string(req.From)))
	to := model.Pocket(strings.ToUpper(string(req.To)))
	txn, err := s.ledger.MoveBetweenPockets(r.Context(), identity(r).AccountID, from, to, req.Asset, req.Amount)
	if err != nil {
		s.fail(w, r, "pocket_transfer", err)
		return
	}
	writeJSON(w, http.StatusCreated, txn)
}

type transferRequest struct {
	ToAccount string          `json:"to_account"`
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
}

// TransferToAccount handles POST /api/v1/transfers.
func (s *Server) TransferToAccount(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !decode(w, r, &req) {
		return
	}
	tr, err := s.ledger.TransferToAccount(r.Context(), identity(r).AccountID, req.ToAccount, req.Asset, req.Amount)
	if err != nil {
		s.fail(w, r, "transfer", err)
		return
	}
	writeJSON(w, http.StatusCreated, tr)
}

// ── Binary options ──

// GetBinaryPositions handles GET /api/v1/binary/positions.
func (s *Server) GetBinaryPositions(w http.ResponseWriter, r *http.Request) {
	ps, err := s.binary.Positions(r.Context(), identity(r).AccountID)
	if err != nil {
		s.fail(w, r, "binary_positions", err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

// GetBinaryPending handles GET /api/v1/binary/pending.
func (s *Server) GetBinaryPending(w http.ResponseWriter, r *http.Request) {
	ps, err := s.binary.Pending(r.Context(), identity(r).AccountID)
	if err != nil {
		s.fail(w, r, "binary_pending", err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

// OpenBinary handles POST /api/v1/binary/positions.
func (s *Server) OpenBinary(w http.ResponseWriter, r *http.Request) {
	var req binary.OpenRequest
	if !decode(w, r, &req) {
		return
	}
	id := identity(r)
	req.AccountID, req.Tier = id.AccountID, id.Tier
	req.Direction = model.BinaryDirection(strings.ToUpper(string(req.Direction)))

	pos, err := s.binary.Open(r.Context(), req)
	if err != nil {
		s.fail(w, r, "binary_open", err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

// PlacePending handles POST /api/v1/binary/pending.
func (s *Server) PlacePending(w http.ResponseWriter, r *http.Request) {
	var req binary.PendingRequest
	if !decode(w, r, &req) {
		return
	}
	id := identity(r)
	req.AccountID, req.Tier = id.AccountID, id.Tier
	req.Direction = model.BinaryDirection(strings.ToUpper(string(req.Direction)))

	pos, err := s.binary.PlacePending(r.Context(), req)
	if err != nil {
		s.fail(w, r, "binary_pending", err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

// CancelPending handles DELETE /api/v1/binary/pending/{id}.
func (s *Server) CancelPending(w http.ResponseWriter, r *http.Request) {
	pos, err := s.binary.Cancel(r.Context(), identity(r).AccountID, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, "binary_cancel", err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// ── P2P escrow ──

// GetOffers handles GET /api/v1/p2p/offers.
func (s *Server) GetOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := s.p2p.Offers(r.Context())
	if err != nil {
		s.fail(w, r, "p2p_offers", err)
		return
	}
	writeJSON(w, http.StatusOK, offers)
}

// GetOrders handles GET /api/v1/p2p/orders.
func (s *Server) GetOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.p2p.Orders(r.Context(), identity(r).AccountID)
	if err != nil {
		s.fail(w, r, "p2p_orders", err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

type createOrderRequest struct {
	OfferID    string          `json:"offer_id"`
	FiatAmount decimal.Decimal `json:"fiat_amount"`
}

// CreateOrder handles POST /api/v1/p2p/orders.
func (s *Server) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if !decode(w, r, &req) {
		return
	}
	o, err := s.p2p.CreateOrder(r.Context(), identity(r).AccountID, req.OfferID, req.FiatAmount)
	if err != nil {
		s.fail(w, r, "p2p_create", err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

type orderStatusRequest struct {
	Status model.OrderStatus `json:"status"`
}

// UpdateOrderStatus handles PUT /api/v1/p2p/orders/{id}/status.
func (s *Server) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req orderStatusRequest
	if !decode(w, r, &req) {
		return
	}
	target := model.OrderStatus(strings.ToUpper(string(req.Status)))
	o, err := s.p2p.UpdateStatus(r.Context(), identity(r).AccountID, chi.URLParam(r, "id"), target)
	if err != nil {
		s.fail(w, r, "p2p_status", err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CancelOrder handles DELETE /api/v1/p2p/orders/{id}. Only unpaid orders can
// be withdrawn this way.
func (s *Server) CancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.p2p.Cancel(r.Context(), identity(r).AccountID, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, "p2p_cancel", err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type chatRequest struct {
	Message string `json:"message"`
}

// AddChatMessage handles POST /api/v1/p2p/orders/{id}/messages.
func (s *Server) AddChatMessage(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decode(w, r, &req) {
		return
	}
	account := identity(r).AccountID
	msg, err := s.p2p.AddChatMessage(r.Context(), account, chi.URLParam(r, "id"), account, req.Message)
	if err != nil {
		s.fail(w, r, "p2p_chat", err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// ── Staking ──

// GetPlans handles GET /api/v1/staking/plans.
func (s *Server) GetPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.staking.Plans(r.Context())
	if err != nil {
		s.fail(w, r, "staking_plans", err)
		return
	}
	writeJSON(w, http.StatusOK, plans)
}

type investmentView struct {
	model.FixedInvestment
	AccruedInterest decimal.Decimal `json:"accrued_interest"`
}

// GetInvestments handles GET /api/v1/staking/investments. Each entry
// carries the interest accrued so far.
func (s *Server) GetInvestments(w http.ResponseWriter, r *http.Request) {
	invs, err := s.staking.Investments(r.Context(), identity(r).AccountID)
	if err != nil {
		s.fail(w, r, "staking_investments", err)
		return
	}
	now := s.clock.Now()
	out := make([]investmentView, 0, len(invs))
	for _, inv := range invs {
		out = append(out, investmentView{FixedInvestment: inv, AccruedInterest: staking.AccruedInterest(inv, now)})
	}
	writeJSON(w, http.StatusOK, out)
}

type investRequest struct {
	PlanID string          `json:"plan_id"`
	Amount decimal.Decimal `json:"amount"`
	Asset  string          `json:"asset"`
}

// Invest handles POST /api/v1/staking/investments.
func (s *Server) Invest(w http.ResponseWriter, r *http.Request) {
	var req investRequest
	if !decode(w, r, &req) {
		return
	}
	inv, err := s.staking.Invest(r.Context(), identity(r).AccountID, req.PlanID, req.Amount, req.Asset)
	if err != nil {
		s.fail(w, r, "staking_invest", err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

// ── Copy trading ──

// GetTraders handles GET /api/v1/copy/traders.
func (s *Server) GetTraders(w http.ResponseWriter, r *http.Request) {
	traders, err := s.copy.Traders(r.Context())
	if err != nil {
		s.fail(w, r, "copy_traders", err)
		return
	}
	writeJSON(w, http.StatusOK, traders)
}

// GetCopyPositions handles GET /api/v1/copy/positions.
func (s *Server) GetCopyPositions(w http.ResponseWriter, r *http.Request) {
	ps, err := s.copy.Positions(r.Context(), identity(r).AccountID)
	if err != nil {
		s.fail(w, r, "copy_positions", err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

type copyRequest struct {
	TraderID string          `json:"trader_id"`
	Amount   decimal.Decimal `json:"amount"`
	copytrade.Settings
}

// CopyTrader handles POST /api/v1/copy/positions.
func (s *Server) CopyTrader(w http.ResponseWriter, r *http.Request) {
	var req copyRequest
	if !decode(w, r, &req) {
		return
	}
	req.Mode = model.CopyMode(strings.ToUpper(string(req.Mode)))
	p, err := s.copy.Copy(r.Context(), identity(r).AccountID, req.TraderID, req.Amount, req.Settings)
	if err != nil {
		s.fail(w, r, "copy_open", err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// CloseCopy handles DELETE /api/v1/copy/positions/{id}.
func (s *Server) CloseCopy(w http.ResponseWriter, r *http.Request) {
	p, err := s.copy.Close(r.Context(), identity(r).AccountID, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, "copy_close", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ── Market data ──

// symbolParam reads {symbol}, accepting BTC-USDT for BTC/USDT.
func (s *Server) symbolParam(r *http.Request) (string, error) {
	raw := strings.ToUpper(strings.ReplaceAll(chi.URLParam(r, "symbol"), "-", "/"))
	sym, err := s.ledger.Assets().ValidateTradable(raw)
	if err != nil {
		return "", err
	}
	return sym.String(), nil
}

// GetPrice handles GET /api/v1/prices/{symbol}.
func (s *Server) GetPrice(w http.ResponseWriter, r *http.Request) {
	sym, err := s.symbolParam(r)
	if err != nil {
		s.fail(w, r, "price", err)
		return
	}
	p, err := s.oracle.GetPrice(r.Context(), sym)
	if err != nil {
		s.fail(w, r, "price", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol": sym,
		"price":  p.Price,
		"time":   p.Time,
	})
}

// GetPriceHistory handles GET /api/v1/prices/{symbol}/history?timeframe=.
func (s *Server) GetPriceHistory(w http.ResponseWriter, r *http.Request) {
	sym, err := s.symbolParam(r)
	if err != nil {
		s.fail(w, r, "price_history", err)
		return
	}
	raw := r.URL.Query().Get("timeframe")
	if raw == "" {
		raw = string(market.TF1h)
	}
	tf, err := market.ParseTimeframe(raw)
	if err != nil {
		s.fail(w, r, "price_history", err)
		return
	}
	points, err := s.oracle.GetHistory(r.Context(), sym, tf)
	if err != nil {
		s.fail(w, r, "price_history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":    sym,
		"timeframe": tf,
		"points":    points,
	})
}
