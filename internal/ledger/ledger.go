// Package ledger implements per-account, per-pocket balances and the
// immutable transaction log every engine posts through.
//
// Credit and Debit are the only functions that change a balance. They act on
// a state obtained from book.Update, so a command that posts several
// entries either commits all of them or none.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/asset"
	"github.com/atmx/settlement-engine/internal/book"
	"github.com/atmx/settlement-engine/internal/clock"
	"github.com/atmx/settlement-engine/internal/id"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
)

var (
	ErrInvalidAmount     = fmt.Errorf("ledger: amount must be positive: %w", model.ErrValidation)
	ErrInvalidPocket     = fmt.Errorf("ledger: unknown pocket: %w", model.ErrValidation)
	ErrSamePocket        = fmt.Errorf("ledger: source and destination pocket are equal: %w", model.ErrValidation)
	ErrSameAccount       = fmt.Errorf("ledger: cannot transfer to the same account: %w", model.ErrValidation)
	ErrInvalidAccount    = fmt.Errorf("ledger: account id must not be empty: %w", model.ErrValidation)
	ErrUnknownAsset      = asset.ErrUnknownAsset
	ErrInsufficientFunds = fmt.Errorf("ledger: %w", model.ErrInsufficientFunds)
)

// Posting describes one side of a balance change.
type Posting struct {
	Pocket       model.Pocket
	Asset        string
	Amount       decimal.Decimal
	Type         model.TxnType
	Reference    string
	Counterparty string
	Description  string
}

// Ledger owns balance mutation rules. Safe for concurrent use.
type Ledger struct {
	book   *book.Book
	assets *asset.Registry
	clock  clock.Clock
	events model.Publisher
	logger *slog.Logger
}

// New creates a ledger over b. A nil publisher discards events.
func New(b *book.Book, assets *asset.Registry, clk clock.Clock, events model.Publisher, logger *slog.Logger) *Ledger {
	if events == nil {
		events = model.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		book:   b,
		assets: assets,
		clock:  clk,
		events: events,
		logger: logger.With("component", "ledger"),
	}
}

// Assets returns the registry the ledger validates against.
func (l *Ledger) Assets() *asset.Registry { return l.assets }

// Credit adds p.Amount to st and appends one INCOME transaction.
func (l *Ledger) Credit(st *model.AccountState, p Posting, now time.Time) (model.Transaction, error) {
	sym, err := l.validate(p)
	if err != nil {
		return model.Transaction{}, err
	}
	pocketOf(st, p.Pocket)[sym] = st.Account.Balance(p.Pocket, sym).Add(p.Amount)
	return l.record(st, model.DirectionIncome, sym, p, "", now), nil
}

// Debit subtracts p.Amount from st and appends one OUTCOME transaction. It
// fails with ErrInsufficientFunds, leaving st untouched, if the pocket holds
// less than p.Amount.
func (l *Ledger) Debit(st *model.AccountState, p Posting, now time.Time) (model.Transaction, error) {
	sym, err := l.validate(p)
	if err != nil {
		return model.Transaction{}, err
	}
	bal := st.Account.Balance(p.Pocket, sym)
	if bal.LessThan(p.Amount) {
		return model.Transaction{}, fmt.Errorf("%w: %s %s has %s, need %s",
			ErrInsufficientFunds, p.Pocket, sym, bal, p.Amount)
	}
	pocketOf(st, p.Pocket)[sym] = bal.Sub(p.Amount)
	return l.record(st, model.DirectionOutcome, sym, p, "", now), nil
}

// Deposit credits amount of asset from an external source into the asset's
// default pocket.
func (l *Ledger) Deposit(ctx context.Context, accountID, assetSym string, amount decimal.Decimal, source string) (model.Transaction, error) {
	pocket, err := l.assets.DefaultPocket(assetSym)
	if err != nil {
		return model.Transaction{}, err
	}
	var txn model.Transaction
	err = l.book.Update(ctx, accountID, func(st *model.AccountState) error {
		var err error
		txn, err = l.Credit(st, Posting{
			Pocket:       pocket,
			Asset:        assetSym,
			Amount:       amount,
			Type:         model.TxnDeposit,
			Counterparty: source,
			Description:  describe("Deposit from", source),
		}, l.clock.Now())
		return err
	})
	if err != nil {
		return model.Transaction{}, err
	}
	l.committed(txn)
	return txn, nil
}

// Withdraw debits amount of asset from its default pocket to an external
// destination.
func (l *Ledger) Withdraw(ctx context.Context, accountID, assetSym string, amount decimal.Decimal, destination string) (model.Transaction, error) {
	pocket, err := l.assets.DefaultPocket(assetSym)
	if err != nil {
		return model.Transaction{}, err
	}
	var txn model.Transaction
	err = l.book.Update(ctx, accountID, func(st *model.AccountState) error {
		var err error
		txn, err = l.Debit(st, Posting{
			Pocket:       pocket,
			Asset:        assetSym,
			Amount:       amount,
			Type:         model.TxnWithdrawal,
			Counterparty: destination,
			Description:  describe("Withdrawal to", destination),
		}, l.clock.Now())
		return err
	})
	if err != nil {
		return model.Transaction{}, err
	}
	l.committed(txn)
	return txn, nil
}

// MoveBetweenPockets moves amount of asset from one pocket to another within
// an account. The move is recorded as a single transaction whose Pocket is the
// source and CounterPocket the destination.
func (l *Ledger) MoveBetweenPockets(ctx context.Context, accountID string, from, to model.Pocket, assetSym string, amount decimal.Decimal) (model.Transaction, error) {
	if from == to {
		return model.Transaction{}, ErrSamePocket
	}
	if !to.Valid() {
		return model.Transaction{}, fmt.Errorf("%w: %s", ErrInvalidPocket, to)
	}
	p := Posting{
		Pocket:      from,
		Asset:       assetSym,
		Amount:      amount,
		Type:        model.TxnPocketTransfer,
		Description: fmt.Sprintf("Move %s to %s", from, to),
	}
	var txn model.Transaction
	err := l.book.Update(ctx, accountID, func(st *model.AccountState) error {
		sym, err := l.validate(p)
		if err != nil {
			return err
		}
		bal := st.Account.Balance(from, sym)
		if bal.LessThan(amount) {
			return fmt.Errorf("%w: %s %s has %s, need %s", ErrInsufficientFunds, from, sym, bal, amount)
		}
		pocketOf(st, from)[sym] = bal.Sub(amount)
		pocketOf(st, to)[sym] = st.Account.Balance(to, sym).Add(amount)
		txn = l.record(st, model.DirectionOutcome, sym, p, to, l.clock.Now())
		return nil
	})
	if err != nil {
		return model.Transaction{}, err
	}
	l.committed(txn)
	return txn, nil
}

// Transfer is the pair of transactions written by TransferToAccount.
type Transfer struct {
	Debit  model.Transaction `json:"debit"`
	Credit model.Transaction `json:"credit"`
}

// TransferToAccount debits the sender and credits the recipient in the
// asset's default pocket as a single unit.
func (l *Ledger) TransferToAccount(ctx context.Context, fromID, toID, assetSym string, amount decimal.Decimal) (Transfer, error) {
	if strings.TrimSpace(fromID) == "" || strings.TrimSpace(toID) == "" {
		return Transfer{}, ErrInvalidAccount
	}
	if fromID == toID {
		return Transfer{}, ErrSameAccount
	}
	pocket, err := l.assets.DefaultPocket(assetSym)
	if err != nil {
		return Transfer{}, err
	}
	var out Transfer
	err = l.book.UpdatePair(ctx, fromID, toID, func(from, to *model.AccountState) error {
		now := l.clock.Now()
		var err error
		out.Debit, err = l.Debit(from, Posting{
			Pocket:       pocket,
			Asset:        assetSym,
			Amount:       amount,
			Type:         model.TxnAccountTransfer,
			Counterparty: toID,
			Description:  describe("Transfer to", toID),
		}, now)
		if err != nil {
			return err
		}
		out.Credit, err = l.Credit(to, Posting{
			Pocket:       pocket,
			Asset:        assetSym,
			Amount:       amount,
			Type:         model.TxnAccountTransfer,
			Reference:    out.Debit.ID,
			Counterparty: fromID,
			Description:  describe("Transfer from", fromID),
		}, now)
		return err
	})
	if err != nil {
		return Transfer{}, err
	}
	l.committed(out.Debit)
	l.committed(out.Credit)
	return out, nil
}

// Balances returns every pocket/asset balance the account has held, in
// pocket order then asset order.
func (l *Ledger) Balances(ctx context.Context, accountID string) ([]model.Balance, error) {
	st, err := l.book.View(ctx, accountID)
	if err != nil {
		return nil, err
	}
	var out []model.Balance
	for _, p := range model.Pockets {
		assets := make([]string, 0, len(st.Account.Pockets[p]))
		for a := range st.Account.Pockets[p] {
			assets = append(assets, a)
		}
		sort.Strings(assets)
		for _, a := range assets {
			out = append(out, model.Balance{Pocket: p, Asset: a, Amount: st.Account.Pockets[p][a]})
		}
	}
	return out, nil
}

// Filter narrows History. Zero fields match everything.
type Filter struct {
	Type      model.TxnType
	Direction model.Direction
	Asset     string
	Pocket    model.Pocket
	From      time.Time // inclusive
	To        time.Time // exclusive
	Limit     int
}

// Match reports whether t passes the filter, ignoring Limit.
func (f Filter) Match(t model.Transaction) bool {
	switch {
	case f.Type != "" && t.Type != f.Type:
		return false
	case f.Direction != "" && t.Direction != f.Direction:
		return false
	case f.Asset != "" && !strings.EqualFold(t.Asset, f.Asset):
		return false
	case f.Pocket != "" && t.Pocket != f.Pocket && t.CounterPocket != f.Pocket:
		return false
	case !f.From.IsZero() && t.Timestamp.Before(f.From):
		return false
	case !f.To.IsZero() && !t.Timestamp.Before(f.To):
		return false
	}
	return true
}

// History returns the account's transactions matching f, newest first.
func (l *Ledger) History(ctx context.Context, accountID string, f Filter) ([]model.Transaction, error) {
	st, err := l.book.View(ctx, accountID)
	if err != nil {
		return nil, err
	}
	out := make([]model.Transaction, 0)
	for i := len(st.Transactions) - 1; i >= 0; i-- {
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
		if f.Match(st.Transactions[i]) {
			out = append(out, st.Transactions[i])
		}
	}
	return out, nil
}

// validate checks amount, pocket and asset and returns the normalised asset.
func (l *Ledger) validate(p Posting) (string, error) {
	if !p.Amount.IsPositive() {
		return "", fmt.Errorf("%w: %s", ErrInvalidAmount, p.Amount)
	}
	if !p.Pocket.Valid() {
		return "", fmt.Errorf("%w: %s", ErrInvalidPocket, p.Pocket)
	}
	a, err := l.assets.Lookup(p.Asset)
	if err != nil {
		return "", err
	}
	return a.Symbol, nil
}

func (l *Ledger) record(st *model.AccountState, dir model.Direction, sym string, p Posting, counterPocket model.Pocket, now time.Time) model.Transaction {
	txn := model.Transaction{
		ID:            id.Txn(now),
		AccountID:     st.Account.ID,
		Direction:     dir,
		Type:          p.Type,
		Pocket:        p.Pocket,
		CounterPocket: counterPocket,
		Counterparty:  p.Counterparty,
		Asset:         sym,
		Amount:        p.Amount,
		Reference:     p.Reference,
		Timestamp:     now,
		Status:        model.TxnCompleted,
		Description:   p.Description,
	}
	st.Transactions = append(st.Transactions, txn)
	return txn
}

// committed logs and publishes a transaction written by a ledger command.
func (l *Ledger) committed(t model.Transaction) {
	metrics.LedgerPostings.WithLabelValues(string(t.Type), string(t.Direction)).Inc()
	l.logger.Info("posted",
		"account", t.AccountID,
		"type", t.Type,
		"pocket", t.Pocket,
		"asset", t.Asset,
		"amount", t.Amount.String(),
	)
	l.events.Publish(model.Event{
		Type:      "ledger." + strings.ToLower(string(t.Type)),
		AccountID: t.AccountID,
		EntityID:  t.ID,
		Status:    t.Status,
		Asset:     t.Asset,
		Amount:    t.Amount.String(),
		At:        t.Timestamp,
	})
}

// Observe counts postings written by engines through Credit and Debit once
// their surrounding update has committed.
func Observe(txns ...model.Transaction) {
	for _, t := range txns {
		metrics.LedgerPostings.WithLabelValues(string(t.Type), string(t.Direction)).Inc()
	}
}

func pocketOf(st *model.AccountState, p model.Pocket) map[string]decimal.Decimal {
	if st.Account.Pockets == nil {
		st.Account.Pockets = make(map[model.Pocket]map[string]decimal.Decimal)
	}
	m, ok := st.Account.Pockets[p]
	if !ok {
		m = make(map[string]decimal.Decimal)
		st.Account.Pockets[p] = m
	}
	return m
}

func describe(prefix, party string) string {
	if party == "" {
		return strings.TrimSuffix(strings.TrimSuffix(prefix, " from"), " to")
	}
	return prefix + " " + party
}
