package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountState is everything the engine keeps for one account. It is the
// unit the repository loads and saves, keyed by account ID.
type AccountState struct {
	Account      Account           `json:"account"`
	Transactions []Transaction     `json:"transactions"`
	Binary       []BinaryPosition  `json:"binary"`
	P2P          []P2POrder        `json:"p2p"`
	Investments  []FixedInvestment `json:"investments"`
	Copies       []CopyPosition    `json:"copies"`
	Version      int64             `json:"version"`
}

// NewAccountState returns an empty state for a fresh account.
func NewAccountState(id string) *AccountState {
	return &AccountState{Account: NewAccount(id)}
}

// Clone returns a deep copy. Decimals and times are immutable values, so only
// maps and slices need copying.
func (s *AccountState) Clone() *AccountState {
	c := &AccountState{
		Account:      Account{ID: s.Account.ID, Pockets: make(map[Pocket]map[string]decimal.Decimal, len(s.Account.Pockets))},
		Transactions: append([]Transaction(nil), s.Transactions...),
		Binary:       append([]BinaryPosition(nil), s.Binary...),
		Investments:  append([]FixedInvestment(nil), s.Investments...),
		Copies:       append([]CopyPosition(nil), s.Copies...),
		Version:      s.Version,
	}
	for p, assets := range s.Account.Pockets {
		m := make(map[string]decimal.Decimal, len(assets))
		for a, v := range assets {
			m[a] = v
		}
		c.Account.Pockets[p] = m
	}
	if s.P2P != nil {
		c.P2P = make([]P2POrder, len(s.P2P))
		for i, o := range s.P2P {
			o.ChatHistory = append([]ChatMessage(nil), o.ChatHistory...)
			c.P2P[i] = o
		}
	}
	return c
}

// FindBinary returns a pointer into s.Binary, or nil.
func (s *AccountState) FindBinary(id string) *BinaryPosition {
	for i := range s.Binary {
		if s.Binary[i].ID == id {
			return &s.Binary[i]
		}
	}
	return nil
}

// FindOrder returns a pointer into s.P2P, or nil.
func (s *AccountState) FindOrder(id string) *P2POrder {
	for i := range s.P2P {
		if s.P2P[i].ID == id {
			return &s.P2P[i]
		}
	}
	return nil
}

// FindInvestment returns a pointer into s.Investments, or nil.
func (s *AccountState) FindInvestment(id string) *FixedInvestment {
	for i := range s.Investments {
		if s.Investments[i].ID == id {
			return &s.Investments[i]
		}
	}
	return nil
}

// FindCopy returns a pointer into s.Copies, or nil.
func (s *AccountState) FindCopy(id string) *CopyPosition {
	for i := range s.Copies {
		if s.Copies[i].ID == id {
			return &s.Copies[i]
		}
	}
	return nil
}

// Event is a notification emitted after an engine commits a change.
type Event struct {
	Type      string    `json:"type"`
	AccountID string    `json:"account_id"`
	EntityID  string    `json:"entity_id"`
	Status    string    `json:"status,omitempty"`
	Asset     string    `json:"asset,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher receives committed engine events. Implementations must not block.
type Publisher interface {
	Publish(Event)
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}
