// Package model defines the core domain types shared across the settlement engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pocket is a named sub-ledger within an account.
type Pocket string

const (
	PocketFiat   Pocket = "FIAT"
	PocketCrypto Pocket = "CRYPTO"
	PocketInvest Pocket = "INVEST"
)

// Pockets lists every pocket in display order.
var Pockets = []Pocket{PocketFiat, PocketCrypto, PocketInvest}

// Valid reports whether p is a known pocket.
func (p Pocket) Valid() bool {
	switch p {
	case PocketFiat, PocketCrypto, PocketInvest:
		return true
	}
	return false
}

// Account holds per-pocket, per-asset balances. Balances are never negative.
type Account struct {
	ID      string                                `json:"id"`
	Pockets map[Pocket]map[string]decimal.Decimal `json:"pockets"`
}

// NewAccount returns an account with all pockets initialised and empty.
func NewAccount(id string) Account {
	a := Account{ID: id, Pockets: make(map[Pocket]map[string]decimal.Decimal, len(Pockets))}
	for _, p := range Pockets {
		a.Pockets[p] = make(map[string]decimal.Decimal)
	}
	return a
}

// Balance returns the balance of asset in pocket (zero if never funded).
func (a Account) Balance(pocket Pocket, asset string) decimal.Decimal {
	return a.Pockets[pocket][asset]
}

// Direction of a ledger transaction relative to the account.
type Direction string

const (
	DirectionIncome  Direction = "INCOME"
	DirectionOutcome Direction = "OUTCOME"
)

// TxnType classifies what produced a transaction.
type TxnType string

const (
	TxnDeposit         TxnType = "DEPOSIT"
	TxnWithdrawal      TxnType = "WITHDRAWAL"
	TxnPocketTransfer  TxnType = "POCKET_TRANSFER"
	TxnAccountTransfer TxnType = "ACCOUNT_TRANSFER"
	TxnBinaryStake     TxnType = "BINARY_STAKE"
	TxnBinaryPayout    TxnType = "BINARY_PAYOUT"
	TxnBinaryRefund    TxnType = "BINARY_REFUND"
	TxnP2PBuy          TxnType = "P2P_BUY"
	TxnP2PSell         TxnType = "P2P_SELL"
	TxnStakingLock     TxnType = "STAKING_LOCK"
	TxnStakingPayout   TxnType = "STAKING_PAYOUT"
	TxnCopyAllocation  TxnType = "COPY_ALLOCATION"
	TxnCopyClose       TxnType = "COPY_CLOSE"
)

// TxnCompleted is the only status a written transaction carries; failed
// commands never produce a transaction.
const TxnCompleted = "COMPLETED"

// Transaction is an immutable record of one ledger mutation.
// Once created, these are never modified or deleted.
type Transaction struct {
	ID            string          `json:"id"`
	AccountID     string          `json:"account_id"`
	Direction     Direction       `json:"direction"`
	Type          TxnType         `json:"type"`
	Pocket        Pocket          `json:"pocket"`
	CounterPocket Pocket          `json:"counter_pocket,omitempty"` // set on pocket moves
	Counterparty  string          `json:"counterparty,omitempty"`   // account or external party
	Asset         string          `json:"asset"`
	Amount        decimal.Decimal `json:"amount"` // always > 0
	Reference     string          `json:"reference,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Status        string          `json:"status"`
	Description   string          `json:"description"`
}

// Balance is a flattened balance row for read-only snapshots.
type Balance struct {
	Pocket Pocket          `json:"pocket"`
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// PricePoint is one sample of a price series.
type PricePoint struct {
	Time  time.Time       `json:"time"`
	Price decimal.Decimal `json:"price"`
}
