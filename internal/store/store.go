// Package store defines the persistence interface for the settlement engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/atmx/settlement-engine/internal/model"
)

var (
	// ErrNotFound is returned when a key has no stored value.
	ErrNotFound = fmt.Errorf("store: %w", model.ErrNotFound)

	// ErrVersionConflict is returned when a save races another writer of
	// the same account.
	ErrVersionConflict = errors.New("store: account version conflict")
)

// Store is the persistence interface. Account state is a durable value keyed
// by account ID; plans and offers are shared catalog rows.
type Store interface {
	// --- Account state ---

	// Load returns the persisted state of an account or ErrNotFound.
	Load(ctx context.Context, accountID string) (*model.AccountState, error)

	// Save persists the state of an account. state.Version must be exactly
	// one greater than the stored version (or 1 for a new account).
	Save(ctx context.Context, accountID string, state *model.AccountState) error

	// SaveBatch persists several account states all-or-nothing, keyed by
	// state.Account.ID. Version rules are those of Save.
	SaveBatch(ctx context.Context, states ...*model.AccountState) error

	// ListAccounts returns the IDs of all persisted accounts.
	ListAccounts(ctx context.Context) ([]string, error)

	// --- Fixed-term plans ---

	GetPlan(ctx context.Context, id string) (*model.FixedTermPlan, error)
	ListPlans(ctx context.Context) ([]model.FixedTermPlan, error)
	SavePlan(ctx context.Context, plan *model.FixedTermPlan) error

	// --- P2P offers ---

	GetOffer(ctx context.Context, id string) (*model.P2POffer, error)
	ListOffers(ctx context.Context) ([]model.P2POffer, error)
	SaveOffer(ctx context.Context, offer *model.P2POffer) error
}
