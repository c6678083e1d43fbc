package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/settlement-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*model.AccountState
	plans    map[string]*model.FixedTermPlan
	offers   map[string]*model.P2POffer
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*model.AccountState),
		plans:    make(map[string]*model.FixedTermPlan),
		offers:   make(map[string]*model.P2POffer),
	}
}

func (s *MemoryStore) Load(_ context.Context, accountID string) (*model.AccountState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	return st.Clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, accountID string, state *model.AccountState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkVersion(accountID, state); err != nil {
		return err
	}
	// Store a copy to avoid external mutation.
	s.accounts[accountID] = state.Clone()
	return nil
}

func (s *MemoryStore) SaveBatch(_ context.Context, states ...*model.AccountState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range states {
		if err := s.checkVersion(st.Account.ID, st); err != nil {
			return err
		}
	}
	for _, st := range states {
		s.accounts[st.Account.ID] = st.Clone()
	}
	return nil
}

func (s *MemoryStore) checkVersion(accountID string, state *model.AccountState) error {
	var current int64
	if existing, ok := s.accounts[accountID]; ok {
		current = existing.Version
	}
	if state.Version != current+1 {
		return fmt.Errorf("account %s: have v%d, got v%d: %w", accountID, current, state.Version, ErrVersionConflict)
	}
	return nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) GetPlan(_ context.Context, id string) (*model.FixedTermPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.plans[id]
	if !ok {
		return nil, fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPlans(_ context.Context) ([]model.FixedTermPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plans := make([]model.FixedTermPlan, 0, len(s.plans))
	for _, p := range s.plans {
		plans = append(plans, *p)
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].ID < plans[j].ID })
	return plans, nil
}

func (s *MemoryStore) SavePlan(_ context.Context, plan *model.FixedTermPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *plan
	s.plans[plan.ID] = &copy
	return nil
}

func (s *MemoryStore) GetOffer(_ context.Context, id string) (*model.P2POffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.offers[id]
	if !ok {
		return nil, fmt.Errorf("offer %s: %w", id, ErrNotFound)
	}
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) ListOffers(_ context.Context) ([]model.P2POffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	offers := make([]model.P2POffer, 0, len(s.offers))
	for _, o := range s.offers {
		offers = append(offers, *o)
	}
	sort.Slice(offers, func(i, j int) bool { return offers[i].ID < offers[j].ID })
	return offers, nil
}

func (s *MemoryStore) SaveOffer(_ context.Context, offer *model.P2POffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *offer
	s.offers[offer.ID] = &copy
	return nil
}
